package store

import (
	"context"

	"github.com/postsync/postsync/internal/post"
	"github.com/postsync/postsync/pkg/metrics"
)

// Backend is a Store that also exposes its change feed. Every implementation
// in this package is one.
type Backend interface {
	Store
	Feed
}

// Instrumented counts every call of the wrapped backend in
// metrics.StoreOperations under the given store label.
type Instrumented struct {
	label string
	next  Backend
}

func Instrument(label string, b Backend) *Instrumented {
	return &Instrumented{label: label, next: b}
}

func (s *Instrumented) observe(op string, err error) {
	metrics.StoreOperations.WithLabelValues(s.label, op, metrics.Result(err)).Inc()
}

func (s *Instrumented) Info(ctx context.Context) (Info, error) {
	info, err := s.next.Info(ctx)
	s.observe("info", err)
	return info, err
}

func (s *Instrumented) Get(ctx context.Context, id string) (*post.Post, error) {
	p, err := s.next.Get(ctx, id)
	s.observe("get", err)
	return p, err
}

func (s *Instrumented) Put(ctx context.Context, p *post.Post) (string, error) {
	rev, err := s.next.Put(ctx, p)
	s.observe("put", err)
	return rev, err
}

func (s *Instrumented) Remove(ctx context.Context, id, rev string) error {
	err := s.next.Remove(ctx, id, rev)
	s.observe("remove", err)
	return err
}

func (s *Instrumented) List(ctx context.Context) ([]*post.Post, error) {
	out, err := s.next.List(ctx)
	s.observe("list", err)
	return out, err
}

func (s *Instrumented) Changes(ctx context.Context, since uint64, limit int) (ChangeBatch, error) {
	batch, err := s.next.Changes(ctx, since, limit)
	s.observe("changes", err)
	return batch, err
}

func (s *Instrumented) ApplyRevisions(ctx context.Context, docs []*post.Post) (int, error) {
	n, err := s.next.ApplyRevisions(ctx, docs)
	s.observe("apply_revisions", err)
	return n, err
}

func (s *Instrumented) Close() error { return s.next.Close() }
