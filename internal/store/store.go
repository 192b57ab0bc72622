package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/postsync/postsync/internal/post"
)

var (
	ErrStore        = errors.New("store")
	ErrNotFound     = fmt.Errorf("%w.not_found", ErrStore)
	ErrConflict     = fmt.Errorf("%w.conflict", ErrStore)
	ErrInvalid      = fmt.Errorf("%w.invalid", ErrStore)
	ErrUnauthorized = fmt.Errorf("%w.unauthorized", ErrStore)
	ErrTransport    = fmt.Errorf("%w.transport", ErrStore)
	ErrClosed       = fmt.Errorf("%w.closed", ErrStore)
)

// Info describes a store. UpdateSeq is the sequence of the latest write.
type Info struct {
	Name      string `json:"name"`
	DocCount  int    `json:"doc_count"`
	UpdateSeq uint64 `json:"update_seq"`
}

// Change is one entry of a change feed. Doc may be a tombstone.
type Change struct {
	Seq uint64     `json:"seq"`
	Doc *post.Post `json:"doc"`
}

// ChangeBatch is a page of the change feed. LastSeq is the checkpoint to
// resume from.
type ChangeBatch struct {
	Results []Change `json:"results"`
	LastSeq uint64   `json:"last_seq"`
}

// Store is the document contract the UI depends on.
type Store interface {
	Info(ctx context.Context) (Info, error)
	Get(ctx context.Context, id string) (*post.Post, error)
	// Put creates or updates a post and returns its new revision. Updates must
	// carry the current revision or fail with ErrConflict.
	Put(ctx context.Context, p *post.Post) (string, error)
	Remove(ctx context.Context, id, rev string) error
	List(ctx context.Context) ([]*post.Post, error)
	Close() error
}

// Feed is the replication capability of a store.
type Feed interface {
	// Changes returns up to limit writes with a sequence greater than since,
	// oldest first. Only the latest write of each document is reported.
	Changes(ctx context.Context, since uint64, limit int) (ChangeBatch, error)
	// ApplyRevisions stores foreign revisions that win against the local ones
	// and returns how many were written.
	ApplyRevisions(ctx context.Context, docs []*post.Post) (int, error)
}
