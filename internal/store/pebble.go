package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/postsync/postsync/internal/post"
	"github.com/postsync/postsync/pkg/logger"
)

// key layout:
//
//	doc/<id>       -> pebbleRecord JSON
//	seq/<%020d>    -> <id>
//	meta/seq       -> uint64 big endian
var (
	docPrefix  = []byte("doc/")
	seqPrefix  = []byte("seq/")
	metaSeqKey = []byte("meta/seq")
)

type pebbleRecord struct {
	Seq uint64     `json:"seq"`
	Doc *post.Post `json:"doc"`
}

// PebbleStore is the embedded local store. Each namespace is its own pebble
// directory.
type PebbleStore struct {
	// writers hold mu for read-modify-write sequences; readers hold it shared
	// so Close cannot pull the db out from under them
	mu   sync.RWMutex
	db   *pebble.DB
	name string
	path string
	seq  uint64
}

// OpenPebble opens (or creates) the namespace name under dir.
func OpenPebble(dir, name string) (*PebbleStore, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: bad store name %q", ErrInvalid, name)
	}
	path := filepath.Join(dir, name)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Errorf("pebble open failed: path=%s err=%v", path, err)
		return nil, fmt.Errorf("open local store %s: %w", name, err)
	}
	s := &PebbleStore{db: db, name: name, path: path}
	v, closer, err := db.Get(metaSeqKey)
	switch {
	case err == nil:
		if len(v) == 8 {
			s.seq = binary.BigEndian.Uint64(v)
		}
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("read local store sequence: %w", err)
	}
	logger.Debugf("local store opened: path=%s seq=%d", path, s.seq)
	return s, nil
}

func docKey(id string) []byte {
	return append(append([]byte(nil), docPrefix...), id...)
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", seqPrefix, seq))
}

// prefixUpperBound returns the first key after every key carrying prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

func (s *PebbleStore) load(id string) (*pebbleRecord, error) {
	v, closer, err := s.db.Get(docKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	var rec pebbleRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &rec, nil
}

// write persists d under the next sequence in one synced batch. Caller holds mu.
func (s *PebbleStore) write(prev *pebbleRecord, d *post.Post) error {
	next := s.seq + 1
	raw, err := json.Marshal(pebbleRecord{Seq: next, Doc: d})
	if err != nil {
		return err
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], next)

	b := s.db.NewBatch()
	defer b.Close()
	if prev != nil {
		if err := b.Delete(seqKey(prev.Seq), nil); err != nil {
			return err
		}
	}
	if err := b.Set(docKey(d.ID), raw, nil); err != nil {
		return err
	}
	if err := b.Set(seqKey(next), []byte(d.ID), nil); err != nil {
		return err
	}
	if err := b.Set(metaSeqKey, seqBuf[:], nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}
	s.seq = next
	return nil
}

func (s *PebbleStore) Info(_ context.Context) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return Info{}, ErrClosed
	}
	posts, err := s.list()
	if err != nil {
		return Info{}, err
	}
	return Info{Name: s.name, DocCount: len(posts), UpdateSeq: s.seq}, nil
}

func (s *PebbleStore) Get(_ context.Context, id string) (*post.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rec, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if rec == nil || !visible(rec.Doc) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Doc, nil
}

func (s *PebbleStore) Put(_ context.Context, p *post.Post) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil post", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", ErrClosed
	}
	rec, err := s.load(p.ID)
	if err != nil {
		return "", err
	}
	var current *post.Post
	if rec != nil {
		current = rec.Doc
	}
	next, err := prepareWrite(current, p)
	if err != nil {
		return "", err
	}
	if err := s.write(rec, next); err != nil {
		return "", fmt.Errorf("write %s: %w", p.ID, err)
	}
	return next.Revision, nil
}

func (s *PebbleStore) Remove(_ context.Context, id, rev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	rec, err := s.load(id)
	if err != nil {
		return err
	}
	var current *post.Post
	if rec != nil {
		current = rec.Doc
	}
	tomb, err := prepareRemove(current, id, rev)
	if err != nil {
		return err
	}
	if err := s.write(rec, tomb); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

func (s *PebbleStore) List(_ context.Context) ([]*post.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.list()
}

func (s *PebbleStore) list() ([]*post.Post, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: docPrefix, UpperBound: prefixUpperBound(docPrefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	out := []*post.Post{}
	for iter.First(); iter.Valid(); iter.Next() {
		var rec pebbleRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", bytes.TrimPrefix(iter.Key(), docPrefix), err)
		}
		if visible(rec.Doc) {
			out = append(out, rec.Doc)
		}
	}
	return out, iter.Error()
}

func (s *PebbleStore) Changes(_ context.Context, since uint64, limit int) (ChangeBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ChangeBatch{}, ErrClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: seqKey(since + 1), UpperBound: prefixUpperBound(seqPrefix)})
	if err != nil {
		return ChangeBatch{}, err
	}
	defer iter.Close()
	batch := ChangeBatch{LastSeq: since}
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(batch.Results) >= limit {
			break
		}
		id := string(iter.Value())
		rec, err := s.load(id)
		if err != nil {
			return ChangeBatch{}, err
		}
		// index entry no longer matching the doc's current sequence
		if rec == nil || !bytes.Equal(seqKey(rec.Seq), iter.Key()) {
			continue
		}
		batch.Results = append(batch.Results, Change{Seq: rec.Seq, Doc: rec.Doc})
		batch.LastSeq = rec.Seq
	}
	return batch, iter.Error()
}

func (s *PebbleStore) ApplyRevisions(_ context.Context, docs []*post.Post) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	applied := 0
	for _, d := range docs {
		if d == nil {
			continue
		}
		rec, err := s.load(d.ID)
		if err != nil {
			return applied, err
		}
		var current *post.Post
		if rec != nil {
			current = rec.Doc
		}
		if !shouldApply(current, d) {
			continue
		}
		if err := s.write(rec, d.Copy()); err != nil {
			return applied, fmt.Errorf("apply %s: %w", d.ID, err)
		}
		applied++
	}
	return applied, nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
