package replication

import (
	"context"
	"errors"
	"time"

	"github.com/postsync/postsync/internal/store"
)

type EventKind string

const (
	// EventChange reports documents written on one side.
	EventChange EventKind = "change"
	// EventPaused reports that both sides are caught up.
	EventPaused EventKind = "paused"
	// EventActive reports that work resumed after a pause.
	EventActive EventKind = "active"
	// EventDenied reports an authorization failure. The session ends.
	EventDenied EventKind = "denied"
	// EventError reports a failed cycle. The session retries with backoff.
	EventError EventKind = "error"
)

type Direction string

const (
	Push Direction = "push"
	Pull Direction = "pull"
)

type Event struct {
	Kind      EventKind
	Direction Direction
	Docs      int
	Err       error
}

// Endpoint is one side of a replication session.
type Endpoint interface {
	Info(ctx context.Context) (store.Info, error)
	store.Feed
}

type Options struct {
	// Live keeps the session polling after it caught up. A one-shot session
	// ends after its first idle cycle.
	Live           bool
	PollInterval   time.Duration
	BatchSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	EventBuffer    int
	Checkpoints    CheckpointStore
	SessionID      string
}

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultBatchSize      = 100
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultEventBuffer    = 64
	DefaultSessionID      = "default"
)

var ErrNoEndpoint = errors.New("replication: local and remote endpoints are required")

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Checkpoints == nil {
		o.Checkpoints = NewMemoryCheckpoints()
	}
	if o.SessionID == "" {
		o.SessionID = DefaultSessionID
	}
	return o
}

// Session is a running replication. Events is closed once the session ends.
type Session interface {
	Events() <-chan Event
	// Stop cancels the session and waits for it to finish. Safe to call twice.
	Stop()
}

type Replicator interface {
	Start(ctx context.Context, local, remote Endpoint, opts Options) (Session, error)
}
