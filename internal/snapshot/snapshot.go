package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/postsync/postsync/internal/post"
	"github.com/postsync/postsync/internal/store"
	"github.com/postsync/postsync/pkg/logger"
)

var ErrDisabled = errors.New("snapshots are not configured")

// Uploader is the object storage the snapshots go to. storage.MinIOStorage
// implements it.
type Uploader interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Source is the store being exported.
type Source interface {
	Info(ctx context.Context) (store.Info, error)
	List(ctx context.Context) ([]*post.Post, error)
}

// Document is the JSON body of one snapshot object.
type Document struct {
	Name      string       `json:"name"`
	UpdateSeq uint64       `json:"update_seq"`
	TakenAt   time.Time    `json:"taken_at"`
	Posts     []*post.Post `json:"posts"`
}

type Result struct {
	Key   string `json:"key"`
	URL   string `json:"url,omitempty"`
	Count int    `json:"count"`
}

type Service struct {
	src       Source
	up        Uploader
	urlExpiry time.Duration
	now       func() time.Time
}

// NewService returns a Service; a nil uploader makes Take fail with ErrDisabled.
func NewService(src Source, up Uploader, urlExpiry time.Duration) *Service {
	return &Service{src: src, up: up, urlExpiry: urlExpiry, now: time.Now}
}

func (s *Service) Enabled() bool { return s != nil && s.up != nil }

// Take exports every live post as one JSON object.
func (s *Service) Take(ctx context.Context) (Result, error) {
	if !s.Enabled() {
		return Result{}, ErrDisabled
	}
	info, err := s.src.Info(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot info: %w", err)
	}
	posts, err := s.src.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot list: %w", err)
	}
	taken := s.now().UTC()
	doc := Document{Name: info.Name, UpdateSeq: info.UpdateSeq, TakenAt: taken, Posts: posts}
	body, err := json.Marshal(doc)
	if err != nil {
		return Result{}, err
	}
	key := fmt.Sprintf("snapshots/%s/%s-%d.json", info.Name, taken.Format("20060102T150405Z"), info.UpdateSeq)
	if err := s.up.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return Result{}, fmt.Errorf("snapshot upload: %w", err)
	}
	res := Result{Key: key, Count: len(posts)}
	if s.urlExpiry > 0 {
		u, err := s.up.PresignedURL(ctx, key, s.urlExpiry)
		if err != nil {
			logger.Warnf("snapshot %s uploaded but presigning failed: %v", key, err)
		} else {
			res.URL = u
		}
	}
	logger.Infof("snapshot uploaded: key=%s posts=%d seq=%d", key, len(posts), info.UpdateSeq)
	return res, nil
}
