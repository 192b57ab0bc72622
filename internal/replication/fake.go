package replication

import (
	"context"
	"sync"
)

// Fake is a Replicator whose sessions are driven by hand.
type Fake struct {
	mu       sync.Mutex
	sessions []*FakeSession
	// Err, when set, is returned by Start.
	Err error
}

func (f *Fake) Start(_ context.Context, local, remote Endpoint, opts Options) (Session, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if local == nil || remote == nil {
		return nil, ErrNoEndpoint
	}
	s := NewFakeSession(opts.withDefaults().EventBuffer)
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

// Last returns the most recently started session, or nil.
func (f *Fake) Last() *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func (f *Fake) Started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type FakeSession struct {
	mu      sync.Mutex
	events  chan Event
	stopped bool
}

func NewFakeSession(buffer int) *FakeSession {
	return &FakeSession{events: make(chan Event, buffer)}
}

func (s *FakeSession) Events() <-chan Event { return s.events }

// Emit delivers e to the consumer. It blocks while the buffer is full and is
// a no-op once the session stopped.
func (s *FakeSession) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.events <- e
}

func (s *FakeSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.events)
}

func (s *FakeSession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
