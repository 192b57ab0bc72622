package view

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/postsync/postsync/internal/post"
	"github.com/postsync/postsync/internal/replication"
	"github.com/postsync/postsync/internal/store"
	"github.com/postsync/postsync/pkg/logger"
)

const (
	MsgCreateFailed = "Failed to create post"
	MsgUpdateFailed = "Failed to update post"
	MsgDeleteFailed = "Failed to delete post"
	MsgFetchFailed  = "Failed to fetch posts"
	MsgSyncDenied   = "Sync access denied"
	MsgSyncError    = "Sync error: "
	MsgBusy         = "Another operation is in progress"

	DefaultPageSize = 10
)

var (
	// ErrBusy is returned when a mutation is attempted while another one is
	// still in flight.
	ErrBusy    = errors.New("view: another operation is in progress")
	ErrStarted = errors.New("view: already started")
)

type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeEditing Mode = "editing"
)

type SyncStatus string

const (
	SyncStopped SyncStatus = "stopped"
	SyncActive  SyncStatus = "active"
	SyncPaused  SyncStatus = "paused"
	SyncDenied  SyncStatus = "denied"
	SyncError   SyncStatus = "error"
)

type Form struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// State is a copy of everything the page renders.
type State struct {
	Posts       []*post.Post `json:"posts"`
	CurrentPage int          `json:"current_page"`
	TotalPages  int          `json:"total_pages"`
	PageSize    int          `json:"page_size"`
	Total       int          `json:"total"`
	Mode        Mode         `json:"mode"`
	EditingID   string       `json:"editing_id,omitempty"`
	Form        Form         `json:"form"`
	Error       string       `json:"error,omitempty"`
	Busy        bool         `json:"busy"`
	Sync        SyncStatus   `json:"sync"`
}

// Endpoint is a store the controller can read, write and replicate.
type Endpoint interface {
	store.Store
	store.Feed
}

type Options struct {
	PageSize int
	Sync     replication.Options
	// Now is the clock used for post timestamps.
	Now func() time.Time
}

// Controller holds the UI state of the single page. Mutations only touch the
// local store; the replication session carries them to the remote.
type Controller struct {
	local  Endpoint
	remote Endpoint
	rep    replication.Replicator
	opts   Options

	// op admits one mutation at a time
	op sync.Mutex

	mu         sync.Mutex
	posts      []*post.Post
	page       int
	mode       Mode
	editing    *post.Post
	form       Form
	errMsg     string
	rejected   bool // a mutation was turned away while busy
	syncErr    string
	denied     bool
	syncStatus SyncStatus
	busy       bool
	refreshSeq uint64
	appliedSeq uint64
	started    bool

	session   replication.Session
	watchDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewController(local, remote Endpoint, rep replication.Replicator, opts Options) *Controller {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		local:      local,
		remote:     remote,
		rep:        rep,
		opts:       opts,
		page:       1,
		mode:       ModeIdle,
		syncStatus: SyncStopped,
		posts:      []*post.Post{},
	}
}

// Start probes the remote, starts replication and loads the posts. A remote
// that refuses the credentials is reported and replication is not started.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrStarted
	}
	c.started = true
	c.mu.Unlock()

	info, err := c.remote.Info(ctx)
	switch {
	case errors.Is(err, store.ErrUnauthorized):
		logger.Warnf("remote store refused credentials: %v", err)
		c.setSync(replication.Event{Kind: replication.EventDenied, Err: err})
		return c.Refresh(ctx)
	case err != nil:
		logger.Warnf("remote store unreachable, replication will retry: %v", err)
		c.setSync(replication.Event{Kind: replication.EventError, Err: err})
	default:
		logger.Infof("remote store reachable: name=%s docs=%d seq=%d", info.Name, info.DocCount, info.UpdateSeq)
	}

	session, err := c.rep.Start(context.WithoutCancel(ctx), c.local, c.remote, c.opts.Sync)
	if err != nil {
		c.setSync(replication.Event{Kind: replication.EventError, Err: err})
		return fmt.Errorf("start replication: %w", err)
	}
	c.mu.Lock()
	c.session = session
	c.watchDone = make(chan struct{})
	if c.syncStatus == SyncStopped {
		c.syncStatus = SyncActive
	}
	c.mu.Unlock()

	go c.watch(session, c.watchDone)
	return c.Refresh(ctx)
}

func (c *Controller) watch(s replication.Session, done chan struct{}) {
	defer close(done)
	for e := range s.Events() {
		c.setSync(e)
		if e.Kind == replication.EventChange {
			if err := c.Refresh(context.Background()); err != nil {
				logger.Warnf("refresh after %s change failed: %v", e.Direction, err)
			}
		}
	}
}

func (c *Controller) setSync(e replication.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.denied {
		return
	}
	switch e.Kind {
	case replication.EventDenied:
		c.denied = true
		c.syncErr = MsgSyncDenied
		c.syncStatus = SyncDenied
	case replication.EventError:
		msg := "unknown error"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		c.syncErr = MsgSyncError + msg
		c.syncStatus = SyncError
	case replication.EventPaused:
		c.syncErr = ""
		c.syncStatus = SyncPaused
	case replication.EventActive, replication.EventChange:
		c.syncErr = ""
		c.syncStatus = SyncActive
	}
}

// begin claims the mutation slot and clears the previous message.
func (c *Controller) begin() bool {
	if !c.op.TryLock() {
		c.mu.Lock()
		c.rejected = true
		c.mu.Unlock()
		return false
	}
	c.mu.Lock()
	c.busy = true
	c.clearErrorsLocked()
	c.mu.Unlock()
	return true
}

func (c *Controller) end() {
	c.mu.Lock()
	c.busy = false
	c.rejected = false
	c.mu.Unlock()
	c.op.Unlock()
}

func (c *Controller) clearErrorsLocked() {
	c.errMsg = ""
	if !c.denied {
		c.syncErr = ""
	}
}

func (c *Controller) fail(msg string) {
	c.mu.Lock()
	c.errMsg = msg
	c.mu.Unlock()
}

// Submit creates a post, or updates the one being edited.
func (c *Controller) Submit(ctx context.Context, title, content string) error {
	if !c.begin() {
		return ErrBusy
	}
	defer c.end()

	c.mu.Lock()
	c.form = Form{Title: title, Content: content}
	var editing *post.Post
	if c.mode == ModeEditing && c.editing != nil {
		editing = c.editing.Copy()
	}
	c.mu.Unlock()

	title, content, err := post.Validate(title, content)
	if err != nil {
		var ve *post.ValidationError
		if errors.As(err, &ve) {
			c.fail(ve.Message)
		}
		return err
	}

	if editing != nil {
		editing.Title = title
		editing.Content = content
		editing.Touch(c.opts.Now())
		if _, err := c.local.Put(ctx, editing); err != nil {
			logger.Warnf("update %s failed: %v", editing.ID, err)
			c.fail(MsgUpdateFailed)
			return err
		}
		logger.Debugf("post updated: id=%s", editing.ID)
	} else {
		p := post.New(title, content, c.opts.Now())
		if _, err := c.local.Put(ctx, p); err != nil {
			logger.Warnf("create failed: %v", err)
			c.fail(MsgCreateFailed)
			return err
		}
		logger.Debugf("post created: id=%s", p.ID)
	}

	c.mu.Lock()
	c.resetFormLocked()
	c.mu.Unlock()
	return c.Refresh(ctx)
}

func (c *Controller) resetFormLocked() {
	c.mode = ModeIdle
	c.editing = nil
	c.form = Form{}
}

// StartEditing switches to edit mode for a listed post and pre-fills the form
// with it. The revision seen here is the one the update will carry.
func (c *Controller) StartEditing(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.findLocked(id)
	if p == nil {
		c.errMsg = MsgUpdateFailed
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	c.clearErrorsLocked()
	c.mode = ModeEditing
	c.editing = p.Copy()
	c.form = Form{Title: p.Title, Content: p.Content}
	return nil
}

// CancelEditing discards the form and returns to idle.
func (c *Controller) CancelEditing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearErrorsLocked()
	c.resetFormLocked()
}

// Delete removes a listed post using the revision it was listed with.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if !c.begin() {
		return ErrBusy
	}
	defer c.end()

	c.mu.Lock()
	p := c.findLocked(id)
	c.mu.Unlock()
	if p == nil {
		c.fail(MsgDeleteFailed)
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err := c.local.Remove(ctx, p.ID, p.Revision); err != nil {
		logger.Warnf("delete %s failed: %v", p.ID, err)
		c.fail(MsgDeleteFailed)
		return err
	}
	logger.Debugf("post deleted: id=%s", p.ID)

	c.mu.Lock()
	if c.editing != nil && c.editing.ID == p.ID {
		c.resetFormLocked()
	}
	c.mu.Unlock()
	return c.Refresh(ctx)
}

// ChangePage moves to page n. Pages outside [1, TotalPages] are ignored.
func (c *Controller) ChangePage(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 || n > TotalPages(len(c.posts), c.opts.PageSize) {
		return false
	}
	c.page = n
	return true
}

// Refresh reloads every post from the local store. A slower refresh never
// overwrites the result of a newer one.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	c.refreshSeq++
	seq := c.refreshSeq
	c.mu.Unlock()

	list, err := c.local.List(ctx)
	if err != nil {
		logger.Warnf("list posts failed: %v", err)
		c.fail(MsgFetchFailed)
		return err
	}
	sortPosts(list)

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < c.appliedSeq {
		return nil
	}
	c.appliedSeq = seq
	c.posts = list
	if total := TotalPages(len(list), c.opts.PageSize); c.page > total {
		c.page = max(1, total)
	}
	return nil
}

// sortPosts orders newest first; ids break ties.
func sortPosts(posts []*post.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		a, b := posts[i].Attributes.CreationDate, posts[j].Attributes.CreationDate
		if !a.Equal(b) {
			return a.After(b)
		}
		return posts[i].ID > posts[j].ID
	})
}

func (c *Controller) findLocked(id string) *post.Post {
	for _, p := range c.posts {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Snapshot returns the render state of the current page.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	page := PageSlice(c.posts, c.page, c.opts.PageSize)
	posts := make([]*post.Post, 0, len(page))
	for _, p := range page {
		posts = append(posts, p.Copy())
	}
	st := State{
		Posts:       posts,
		CurrentPage: c.page,
		TotalPages:  TotalPages(len(c.posts), c.opts.PageSize),
		PageSize:    c.opts.PageSize,
		Total:       len(c.posts),
		Mode:        c.mode,
		Form:        c.form,
		Error:       c.errMsg,
		Busy:        c.busy,
		Sync:        c.syncStatus,
	}
	switch {
	case st.Error != "":
	case c.rejected:
		st.Error = MsgBusy
	default:
		st.Error = c.syncErr
	}
	if c.editing != nil {
		st.EditingID = c.editing.ID
	}
	return st
}

// Close stops replication and closes both stores. Writes still in flight may
// be abandoned.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		session, done := c.session, c.watchDone
		c.mu.Unlock()
		if session != nil {
			session.Stop()
			<-done
		}
		c.mu.Lock()
		c.syncStatus = SyncStopped
		c.mu.Unlock()
		c.closeErr = errors.Join(c.local.Close(), c.remote.Close())
	})
	return c.closeErr
}
