package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/postsync/postsync/internal/post"
)

type memoryEntry struct {
	doc *post.Post
	seq uint64
}

// MemoryStore is an in-memory Store and Feed used by tests and as the
// fallback backend of the remote server.
type MemoryStore struct {
	mu     sync.RWMutex
	name   string
	docs   map[string]*memoryEntry
	seq    uint64
	closed bool
}

func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{name: name, docs: make(map[string]*memoryEntry)}
}

func (m *MemoryStore) Info(_ context.Context) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Info{}, ErrClosed
	}
	count := 0
	for _, e := range m.docs {
		if visible(e.doc) {
			count++
		}
	}
	return Info{Name: m.name, DocCount: count, UpdateSeq: m.seq}, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*post.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.docs[id]
	if !ok || !visible(e.doc) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.doc.Copy(), nil
}

func (m *MemoryStore) Put(_ context.Context, p *post.Post) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if p == nil {
		return "", fmt.Errorf("%w: nil post", ErrInvalid)
	}
	next, err := prepareWrite(m.current(p.ID), p)
	if err != nil {
		return "", err
	}
	m.write(next)
	return next.Revision, nil
}

func (m *MemoryStore) Remove(_ context.Context, id, rev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	tomb, err := prepareRemove(m.current(id), id, rev)
	if err != nil {
		return err
	}
	m.write(tomb)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*post.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*post.Post, 0, len(m.docs))
	for _, e := range m.docs {
		if visible(e.doc) {
			out = append(out, e.doc.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Changes(_ context.Context, since uint64, limit int) (ChangeBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ChangeBatch{}, ErrClosed
	}
	var results []Change
	for _, e := range m.docs {
		if e.seq > since {
			results = append(results, Change{Seq: e.seq, Doc: e.doc.Copy()})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	batch := ChangeBatch{Results: results, LastSeq: since}
	if n := len(results); n > 0 {
		batch.LastSeq = results[n-1].Seq
	}
	return batch, nil
}

func (m *MemoryStore) ApplyRevisions(_ context.Context, docs []*post.Post) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	applied := 0
	for _, d := range docs {
		if d == nil || !shouldApply(m.current(d.ID), d) {
			continue
		}
		m.write(d.Copy())
		applied++
	}
	return applied, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// current returns the stored version (possibly a tombstone). Caller holds mu.
func (m *MemoryStore) current(id string) *post.Post {
	if e, ok := m.docs[id]; ok {
		return e.doc
	}
	return nil
}

// write stores d under the next sequence. Caller holds mu.
func (m *MemoryStore) write(d *post.Post) {
	m.seq++
	m.docs[d.ID] = &memoryEntry{doc: d, seq: m.seq}
}
