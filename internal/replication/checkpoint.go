package replication

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Checkpoint records how far each direction of a session has read.
type Checkpoint struct {
	Push      uint64    `json:"push" bson:"push"`
	Pull      uint64    `json:"pull" bson:"pull"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// CheckpointStore persists checkpoints by session id. Load returns the zero
// checkpoint for an unknown session.
type CheckpointStore interface {
	Load(ctx context.Context, session string) (Checkpoint, error)
	Save(ctx context.Context, session string, cp Checkpoint) error
}

type MemoryCheckpoints struct {
	mu  sync.RWMutex
	cps map[string]Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cps: make(map[string]Checkpoint)}
}

func (m *MemoryCheckpoints) Load(_ context.Context, session string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cps[session], nil
}

func (m *MemoryCheckpoints) Save(_ context.Context, session string, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[session] = cp
	return nil
}

// RedisCheckpoints stores checkpoints as JSON under "<prefix><session>".
// A zero ttl keeps them forever.
type RedisCheckpoints struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCheckpoints creates a Redis-backed checkpoint store. Prefix may be empty.
func NewRedisCheckpoints(client *redis.Client, prefix string, ttl time.Duration) *RedisCheckpoints {
	if prefix == "" {
		prefix = "postsync:checkpoint:"
	}
	return &RedisCheckpoints{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCheckpoints) key(session string) string {
	return r.prefix + session
}

func (r *RedisCheckpoints) Load(ctx context.Context, session string) (Checkpoint, error) {
	b, err := r.client.Get(ctx, r.key(session)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (r *RedisCheckpoints) Save(ctx context.Context, session string, cp Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(session), b, r.ttl).Err()
}

// MongoCheckpoints keeps one document per session in col.
type MongoCheckpoints struct {
	col *mongo.Collection
}

func NewMongoCheckpoints(col *mongo.Collection) *MongoCheckpoints {
	return &MongoCheckpoints{col: col}
}

func (m *MongoCheckpoints) Load(ctx context.Context, session string) (Checkpoint, error) {
	var cp Checkpoint
	if err := m.col.FindOne(ctx, bson.M{"_id": session}).Decode(&cp); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, err
	}
	return cp, nil
}

func (m *MongoCheckpoints) Save(ctx context.Context, session string, cp Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err := m.col.ReplaceOne(ctx, bson.M{"_id": session}, cp, options.Replace().SetUpsert(true))
	return err
}
