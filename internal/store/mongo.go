package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/postsync/postsync/internal/post"
	"github.com/postsync/postsync/pkg/logger"
)

const (
	postsCollection    = "posts"
	countersCollection = "counters"
	applyAttempts      = 3
)

type mongoRecord struct {
	post.Post `bson:",inline"`
	Seq       uint64 `bson:"_seq"`
}

type counterRecord struct {
	ID  string `bson:"_id"`
	Seq uint64 `bson:"seq"`
}

// sequencer lets one writer at a time allocate a sequence and commit under
// it. Readers of the change feed checkpoint the highest sequence they saw, so
// a lower sequence committing after a higher one would never be delivered.
type sequencer struct {
	mu sync.Mutex
}

func (q *sequencer) commit(ctx context.Context, next func(context.Context) (uint64, error), write func(context.Context, uint64) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq, err := next(ctx)
	if err != nil {
		return err
	}
	return write(ctx, seq)
}

// MongoStore keeps posts in the "posts" collection of db. The update
// sequence is a counter document in "counters".
//
// Writes are ordered within the process only; run a single server per
// database.
type MongoStore struct {
	name     string
	posts    *mongo.Collection
	counters *mongo.Collection
	writes   sequencer
}

func NewMongoStore(db *mongo.Database, name string) *MongoStore {
	posts := db.Collection(postsCollection)
	// the change feed scans by sequence
	idx := mongo.IndexModel{Keys: bson.D{{Key: "_seq", Value: 1}}}
	if _, err := posts.Indexes().CreateOne(context.Background(), idx); err != nil {
		logger.Warnf("failed to create _seq index on %s: %v", postsCollection, err)
	}
	return &MongoStore{name: name, posts: posts, counters: db.Collection(countersCollection)}
}

func (m *MongoStore) nextSeq(ctx context.Context) (uint64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var c counterRecord
	err := m.counters.FindOneAndUpdate(ctx, bson.M{"_id": m.name}, bson.M{"$inc": bson.M{"seq": 1}}, opts).Decode(&c)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return c.Seq, nil
}

func (m *MongoStore) currentSeq(ctx context.Context) (uint64, error) {
	var c counterRecord
	err := m.counters.FindOne(ctx, bson.M{"_id": m.name}).Decode(&c)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}
	return c.Seq, nil
}

func (m *MongoStore) load(ctx context.Context, id string) (*post.Post, error) {
	var rec mongoRecord
	err := m.posts.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &rec.Post, nil
}

// store writes next in place of current. A concurrent writer that got there
// first turns into ErrConflict.
func (m *MongoStore) store(ctx context.Context, current, next *post.Post) error {
	return m.writes.commit(ctx, m.nextSeq, func(ctx context.Context, seq uint64) error {
		return m.replace(ctx, current, next, seq)
	})
}

func (m *MongoStore) replace(ctx context.Context, current, next *post.Post, seq uint64) error {
	rec := mongoRecord{Post: *next, Seq: seq}
	if current == nil {
		if _, err := m.posts.InsertOne(ctx, rec); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: %s was created concurrently", ErrConflict, next.ID)
			}
			return err
		}
		return nil
	}
	res, err := m.posts.ReplaceOne(ctx, bson.M{"_id": next.ID, "_rev": current.Revision}, rec)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrConflict, next.ID)
	}
	return nil
}

func (m *MongoStore) Info(ctx context.Context) (Info, error) {
	n, err := m.posts.CountDocuments(ctx, bson.M{"_deleted": bson.M{"$ne": true}})
	if err != nil {
		return Info{}, err
	}
	seq, err := m.currentSeq(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{Name: m.name, DocCount: int(n), UpdateSeq: seq}, nil
}

func (m *MongoStore) Get(ctx context.Context, id string) (*post.Post, error) {
	p, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visible(p) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

func (m *MongoStore) Put(ctx context.Context, p *post.Post) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil post", ErrInvalid)
	}
	current, err := m.load(ctx, p.ID)
	if err != nil {
		return "", err
	}
	next, err := prepareWrite(current, p)
	if err != nil {
		return "", err
	}
	if err := m.store(ctx, current, next); err != nil {
		return "", err
	}
	return next.Revision, nil
}

func (m *MongoStore) Remove(ctx context.Context, id, rev string) error {
	current, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	tomb, err := prepareRemove(current, id, rev)
	if err != nil {
		return err
	}
	return m.store(ctx, current, tomb)
}

func (m *MongoStore) List(ctx context.Context) ([]*post.Post, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := m.posts.Find(ctx, bson.M{"_deleted": bson.M{"$ne": true}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*post.Post{}
	for cur.Next(ctx) {
		var rec mongoRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		p := rec.Post
		out = append(out, &p)
	}
	return out, cur.Err()
}

func (m *MongoStore) Changes(ctx context.Context, since uint64, limit int) (ChangeBatch, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.posts.Find(ctx, bson.M{"_seq": bson.M{"$gt": since}}, opts)
	if err != nil {
		return ChangeBatch{}, err
	}
	defer cur.Close(ctx)
	batch := ChangeBatch{LastSeq: since}
	for cur.Next(ctx) {
		var rec mongoRecord
		if err := cur.Decode(&rec); err != nil {
			return ChangeBatch{}, err
		}
		p := rec.Post
		batch.Results = append(batch.Results, Change{Seq: rec.Seq, Doc: &p})
		batch.LastSeq = rec.Seq
	}
	return batch, cur.Err()
}

func (m *MongoStore) ApplyRevisions(ctx context.Context, docs []*post.Post) (int, error) {
	applied := 0
	for _, d := range docs {
		if d == nil {
			continue
		}
		ok, err := m.applyOne(ctx, d)
		if err != nil {
			return applied, fmt.Errorf("apply %s: %w", d.ID, err)
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

func (m *MongoStore) applyOne(ctx context.Context, d *post.Post) (bool, error) {
	var err error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		var current *post.Post
		current, err = m.load(ctx, d.ID)
		if err != nil {
			return false, err
		}
		if !shouldApply(current, d) {
			return false, nil
		}
		err = m.store(ctx, current, d.Copy())
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrConflict) {
			return false, err
		}
	}
	return false, err
}

// Close is a no-op; the mongo client belongs to the caller.
func (m *MongoStore) Close() error { return nil }
