package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/postsync/postsync/internal/post"
	"github.com/postsync/postsync/internal/store"
	"github.com/postsync/postsync/pkg/logger"
	"github.com/postsync/postsync/pkg/metrics"
)

// LiveReplicator polls the change feeds of both endpoints, pushing local
// changes first and then pulling remote ones.
type LiveReplicator struct{}

func NewReplicator() *LiveReplicator { return &LiveReplicator{} }

func (LiveReplicator) Start(ctx context.Context, local, remote Endpoint, opts Options) (Session, error) {
	if local == nil || remote == nil {
		return nil, ErrNoEndpoint
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		local:  local,
		remote: remote,
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.run(ctx)
	return s, nil
}

type session struct {
	local, remote Endpoint
	opts          Options
	events        chan Event
	done          chan struct{}
	cancel        context.CancelFunc
	stopOnce      sync.Once
}

func (s *session) Events() <-chan Event { return s.events }

func (s *session) Stop() {
	s.stopOnce.Do(s.cancel)
	<-s.done
}

// emit never blocks the loop: when the buffer is full the event is dropped,
// except denied which evicts the oldest buffered event.
func (s *session) emit(e Event) {
	metrics.ReplicationEvents.WithLabelValues(string(e.Kind)).Inc()
	if e.Kind != EventDenied {
		select {
		case s.events <- e:
		default:
			logger.Debugf("replication %s: event buffer full, dropping %s", s.opts.SessionID, e.Kind)
		}
		return
	}
	for {
		select {
		case s.events <- e:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *session) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	id := s.opts.SessionID
	logger.Infof("replication %s: started live=%t batch=%d", id, s.opts.Live, s.opts.BatchSize)
	defer logger.Infof("replication %s: stopped", id)

	b := s.newBackoff()
	paused := false
	for {
		res, err := s.cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		if paused && res.fetched > 0 {
			s.emit(Event{Kind: EventActive})
			paused = false
		}
		for _, e := range res.changes {
			s.emit(e)
		}
		if err != nil {
			if errors.Is(err, store.ErrUnauthorized) {
				logger.Warnf("replication %s: access denied: %v", id, err)
				s.emit(Event{Kind: EventDenied, Err: err})
				return
			}
			wait := b.NextBackOff()
			logger.Warnf("replication %s: cycle failed, retrying in %s: %v", id, wait, err)
			s.emit(Event{Kind: EventError, Err: err})
			// report the next idle cycle again so observers see the recovery
			paused = false
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		b.Reset()

		if res.fetched > 0 {
			continue
		}
		if !paused {
			s.emit(Event{Kind: EventPaused})
			paused = true
		}
		if !s.opts.Live {
			return
		}
		if !sleep(ctx, s.opts.PollInterval) {
			return
		}
	}
}

type cycleResult struct {
	fetched int
	changes []Event
}

// cycle runs one push and one pull batch. Changes already written are
// reported even when a later step fails.
func (s *session) cycle(ctx context.Context) (cycleResult, error) {
	var res cycleResult
	cp, err := s.opts.Checkpoints.Load(ctx, s.opts.SessionID)
	if err != nil {
		return res, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := s.transfer(ctx, Push, s.local, s.remote, &cp, &res); err != nil {
		return res, err
	}
	if err := s.transfer(ctx, Pull, s.remote, s.local, &cp, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (s *session) transfer(ctx context.Context, dir Direction, from, to Endpoint, cp *Checkpoint, res *cycleResult) error {
	since := &cp.Pull
	if dir == Push {
		since = &cp.Push
	}
	batch, err := from.Changes(ctx, *since, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("%s changes: %w", dir, err)
	}
	if len(batch.Results) == 0 {
		return nil
	}
	docs := make([]*post.Post, 0, len(batch.Results))
	for _, c := range batch.Results {
		docs = append(docs, c.Doc)
	}
	applied, err := to.ApplyRevisions(ctx, docs)
	if applied > 0 {
		metrics.ReplicationDocs.WithLabelValues(string(dir)).Add(float64(applied))
		logger.Debugf("replication %s: %s applied %d of %d", s.opts.SessionID, dir, applied, len(docs))
		res.changes = append(res.changes, Event{Kind: EventChange, Direction: dir, Docs: applied})
	}
	if err != nil {
		return fmt.Errorf("%s apply: %w", dir, err)
	}
	res.fetched += len(batch.Results)
	*since = batch.LastSeq
	cp.UpdatedAt = time.Now().UTC()
	if err := s.opts.Checkpoints.Save(ctx, s.opts.SessionID, *cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
