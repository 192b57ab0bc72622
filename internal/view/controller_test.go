package view

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/postsync/postsync/internal/post"
	"github.com/postsync/postsync/internal/replication"
	"github.com/postsync/postsync/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// Now returns the current fake time and moves it forward one second.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(time.Second)
	return now
}

type hookStore struct {
	*store.MemoryStore
	put  func(ctx context.Context, p *post.Post) (string, error)
	info func(ctx context.Context) (store.Info, error)
}

func (h *hookStore) Put(ctx context.Context, p *post.Post) (string, error) {
	if h.put != nil {
		return h.put(ctx, p)
	}
	return h.MemoryStore.Put(ctx, p)
}

func (h *hookStore) Info(ctx context.Context) (store.Info, error) {
	if h.info != nil {
		return h.info(ctx)
	}
	return h.MemoryStore.Info(ctx)
}

func newTestController(t *testing.T, local, remote Endpoint) (*Controller, *replication.Fake) {
	t.Helper()
	fake := &replication.Fake{}
	clk := &fakeClock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	c := NewController(local, remote, fake, Options{PageSize: 10, Now: clk.Now})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c, fake
}

func TestHelloWorldScenario(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemoryStore("local")
	c, _ := newTestController(t, local, store.NewMemoryStore("remote"))

	require.NoError(t, c.Submit(ctx, "Hello", "World"))
	st := c.Snapshot()
	require.Len(t, st.Posts, 1)
	a := st.Posts[0]
	require.Equal(t, "Hello", a.Title)
	require.Equal(t, "World", a.Content)
	require.Equal(t, a.Attributes.CreationDate, a.Attributes.Modified)
	require.Equal(t, ModeIdle, st.Mode)
	require.Empty(t, st.Form)

	require.NoError(t, c.StartEditing(a.ID))
	st = c.Snapshot()
	require.Equal(t, ModeEditing, st.Mode)
	require.Equal(t, a.ID, st.EditingID)
	require.Equal(t, Form{Title: "Hello", Content: "World"}, st.Form)

	require.NoError(t, c.Submit(ctx, "Hello", "World2"))
	st = c.Snapshot()
	require.Equal(t, ModeIdle, st.Mode)
	require.Len(t, st.Posts, 1)
	updated := st.Posts[0]
	require.Equal(t, a.ID, updated.ID)
	require.Equal(t, "World2", updated.Content)
	require.Equal(t, a.Attributes.CreationDate, updated.Attributes.CreationDate)
	require.True(t, updated.Attributes.Modified.After(updated.Attributes.CreationDate))
	require.NotEqual(t, a.Revision, updated.Revision)

	stored, err := local.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "World2", stored.Content)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemoryStore("local")
	c, _ := newTestController(t, local, store.NewMemoryStore("remote"))

	cases := []struct {
		name, title, content, msg string
	}{
		{"empty title", "", "content", post.MsgRequired},
		{"empty content", "title", "   ", post.MsgRequired},
		{"long title", strings.Repeat("t", 101), "content", post.MsgTitleLength},
		{"long content", "title", strings.Repeat("c", 1001), post.MsgContentLength},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Submit(ctx, tc.title, tc.content)
			var ve *post.ValidationError
			require.ErrorAs(t, err, &ve)
			st := c.Snapshot()
			require.Equal(t, tc.msg, st.Error)
			require.Equal(t, Form{Title: tc.title, Content: tc.content}, st.Form, "input is kept for correction")

			list, err := local.List(ctx)
			require.NoError(t, err)
			require.Empty(t, list)
		})
	}

	require.NoError(t, c.Submit(ctx, "ok", "ok"))
	require.Empty(t, c.Snapshot().Error, "a successful submit clears the message")
}

func TestPagination(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemoryStore("local")
	c, _ := newTestController(t, local, store.NewMemoryStore("remote"))

	for i := 0; i < 23; i++ {
		require.NoError(t, c.Submit(ctx, fmt.Sprintf("post %02d", i), "body"))
	}
	st := c.Snapshot()
	require.Equal(t, 3, st.TotalPages)
	require.Equal(t, 23, st.Total)
	require.Equal(t, 1, st.CurrentPage)
	require.Equal(t, "post 22", st.Posts[0].Title, "newest first")

	require.False(t, c.ChangePage(0))
	require.False(t, c.ChangePage(4))
	require.Equal(t, 1, c.Snapshot().CurrentPage)

	var titles []string
	seen := map[string]bool{}
	for page := 1; page <= 3; page++ {
		require.True(t, c.ChangePage(page))
		for _, p := range c.Snapshot().Posts {
			require.False(t, seen[p.ID], "duplicate %s", p.ID)
			seen[p.ID] = true
			titles = append(titles, p.Title)
		}
	}
	require.Len(t, titles, 23)
	for i, title := range titles {
		require.Equal(t, fmt.Sprintf("post %02d", 22-i), title)
	}

	// shrinking the collection clamps the current page
	require.Equal(t, 3, c.Snapshot().CurrentPage)
	for _, p := range c.Snapshot().Posts {
		require.NoError(t, c.Delete(ctx, p.ID))
	}
	st = c.Snapshot()
	require.Equal(t, 20, st.Total)
	require.Equal(t, 2, st.TotalPages)
	require.Equal(t, 2, st.CurrentPage)
}

func TestEmptyCollectionStaysOnFirstPage(t *testing.T) {
	c, _ := newTestController(t, store.NewMemoryStore("local"), store.NewMemoryStore("remote"))
	require.False(t, c.ChangePage(1))
	st := c.Snapshot()
	require.Equal(t, 1, st.CurrentPage)
	require.Equal(t, 0, st.TotalPages)
	require.Empty(t, st.Posts)
}

func TestDeleteWithStaleRevision(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemoryStore("local")
	c, _ := newTestController(t, local, store.NewMemoryStore("remote"))

	require.NoError(t, c.Submit(ctx, "Hello", "World"))
	listed := c.Snapshot().Posts[0]

	external := listed.Copy()
	external.Content = "changed elsewhere"
	_, err := local.Put(ctx, external)
	require.NoError(t, err)

	err = c.Delete(ctx, listed.ID)
	require.ErrorIs(t, err, store.ErrConflict)
	require.Equal(t, MsgDeleteFailed, c.Snapshot().Error)

	got, err := local.Get(ctx, listed.ID)
	require.NoError(t, err)
	require.Equal(t, "changed elsewhere", got.Content)

	require.NoError(t, c.Refresh(ctx))
	require.NoError(t, c.Delete(ctx, listed.ID))
	_, err = local.Get(ctx, listed.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Empty(t, c.Snapshot().Error)
}

func TestUpdateConflictStaysEditing(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemoryStore("local")
	c, _ := newTestController(t, local, store.NewMemoryStore("remote"))

	require.NoError(t, c.Submit(ctx, "Hello", "World"))
	listed := c.Snapshot().Posts[0]
	require.NoError(t, c.StartEditing(listed.ID))

	external := listed.Copy()
	external.Title = "Other"
	_, err := local.Put(ctx, external)
	require.NoError(t, err)

	err = c.Submit(ctx, "Hello", "Mine")
	require.ErrorIs(t, err, store.ErrConflict)
	st := c.Snapshot()
	require.Equal(t, MsgUpdateFailed, st.Error)
	require.Equal(t, ModeEditing, st.Mode)
	require.Equal(t, Form{Title: "Hello", Content: "Mine"}, st.Form)

	c.CancelEditing()
	st = c.Snapshot()
	require.Equal(t, ModeIdle, st.Mode)
	require.Empty(t, st.Form)
	require.Empty(t, st.Error)
}

func TestDeleteOfEditedPostLeavesEditMode(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t, store.NewMemoryStore("local"), store.NewMemoryStore("remote"))
	require.NoError(t, c.Submit(ctx, "Hello", "World"))
	id := c.Snapshot().Posts[0].ID
	require.NoError(t, c.StartEditing(id))
	require.NoError(t, c.Delete(ctx, id))
	st := c.Snapshot()
	require.Equal(t, ModeIdle, st.Mode)
	require.Empty(t, st.EditingID)
}

func TestStartEditingUnknownPost(t *testing.T) {
	c, _ := newTestController(t, store.NewMemoryStore("local"), store.NewMemoryStore("remote"))
	err := c.StartEditing("missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	st := c.Snapshot()
	require.Equal(t, ModeIdle, st.Mode)
	require.Equal(t, MsgUpdateFailed, st.Error)
}

func TestCreateFailure(t *testing.T) {
	ctx := context.Background()
	local := &hookStore{MemoryStore: store.NewMemoryStore("local")}
	local.put = func(context.Context, *post.Post) (string, error) {
		return "", fmt.Errorf("%w: disk full", store.ErrTransport)
	}
	c, _ := newTestController(t, local, store.NewMemoryStore("remote"))

	err := c.Submit(ctx, "Hello", "World")
	require.ErrorIs(t, err, store.ErrTransport)
	require.Equal(t, MsgCreateFailed, c.Snapshot().Error)
}

func TestFetchFailure(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemoryStore("local")
	c, _ := newTestController(t, local, store.NewMemoryStore("remote"))
	require.NoError(t, local.Close())

	require.ErrorIs(t, c.Refresh(ctx), store.ErrClosed)
	require.Equal(t, MsgFetchFailed, c.Snapshot().Error)
}

func TestConcurrentMutationIsRejected(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	local := &hookStore{MemoryStore: store.NewMemoryStore("local")}
	local.put = func(ctx context.Context, p *post.Post) (string, error) {
		close(entered)
		<-release
		return local.MemoryStore.Put(ctx, p)
	}
	c, _ := newTestController(t, local, store.NewMemoryStore("remote"))

	done := make(chan error, 1)
	go func() { done <- c.Submit(ctx, "first", "one") }()
	<-entered
	require.True(t, c.Snapshot().Busy)

	err := c.Submit(ctx, "second", "two")
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, MsgBusy, c.Snapshot().Error)
	require.ErrorIs(t, c.Delete(ctx, "any"), ErrBusy)

	close(release)
	require.NoError(t, <-done)
	st := c.Snapshot()
	require.False(t, st.Busy)
	require.Equal(t, 1, st.Total, "the rejected submit was not queued")
	require.Equal(t, "first", st.Posts[0].Title)
	require.Empty(t, st.Error, "busy notice clears once the running submit succeeds")
}

func TestBusyNoticeDoesNotHideFailure(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	local := &hookStore{MemoryStore: store.NewMemoryStore("local")}
	local.put = func(context.Context, *post.Post) (string, error) {
		close(entered)
		<-release
		return "", errors.New("disk full")
	}
	c, _ := newTestController(t, local, store.NewMemoryStore("remote"))

	done := make(chan error, 1)
	go func() { done <- c.Submit(ctx, "first", "one") }()
	<-entered
	require.ErrorIs(t, c.Submit(ctx, "second", "two"), ErrBusy)
	require.Equal(t, MsgBusy, c.Snapshot().Error)

	close(release)
	require.Error(t, <-done)
	require.Equal(t, MsgCreateFailed, c.Snapshot().Error)
}

func TestChangeEventRefreshes(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemoryStore("local")
	c, fake := newTestController(t, local, store.NewMemoryStore("remote"))
	require.Equal(t, 1, fake.Started())

	// a replicated post lands in the local store
	p := post.New("From", "remote", time.Now())
	_, err := local.Put(ctx, p)
	require.NoError(t, err)
	require.Equal(t, 0, c.Snapshot().Total)

	fake.Last().Emit(replication.Event{Kind: replication.EventChange, Direction: replication.Pull, Docs: 1})
	require.Eventually(t, func() bool { return c.Snapshot().Total == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, SyncActive, c.Snapshot().Sync)
}

func TestSyncErrorIsTransient(t *testing.T) {
	c, fake := newTestController(t, store.NewMemoryStore("local"), store.NewMemoryStore("remote"))
	s := fake.Last()

	s.Emit(replication.Event{Kind: replication.EventError, Err: errors.New("boom")})
	require.Eventually(t, func() bool { return c.Snapshot().Error == "Sync error: boom" }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, SyncError, c.Snapshot().Sync)

	s.Emit(replication.Event{Kind: replication.EventPaused})
	require.Eventually(t, func() bool { return c.Snapshot().Error == "" }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, SyncPaused, c.Snapshot().Sync)
}

func TestSyncDeniedIsPersistent(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemoryStore("local")
	c, fake := newTestController(t, local, store.NewMemoryStore("remote"))
	s := fake.Last()

	s.Emit(replication.Event{Kind: replication.EventDenied, Err: store.ErrUnauthorized})
	require.Eventually(t, func() bool { return c.Snapshot().Error == MsgSyncDenied }, 2*time.Second, 5*time.Millisecond)

	_, err := local.Put(ctx, post.New("t", "c", time.Now()))
	require.NoError(t, err)
	s.Emit(replication.Event{Kind: replication.EventPaused})
	s.Emit(replication.Event{Kind: replication.EventChange})
	require.Eventually(t, func() bool { return c.Snapshot().Total == 1 }, 2*time.Second, 5*time.Millisecond)

	c.CancelEditing()
	st := c.Snapshot()
	require.Equal(t, MsgSyncDenied, st.Error)
	require.Equal(t, SyncDenied, st.Sync)
}

func TestStartWithDeniedRemote(t *testing.T) {
	remote := &hookStore{MemoryStore: store.NewMemoryStore("remote")}
	remote.info = func(context.Context) (store.Info, error) {
		return store.Info{}, fmt.Errorf("%w: bad password", store.ErrUnauthorized)
	}
	c, fake := newTestController(t, store.NewMemoryStore("local"), remote)

	require.Equal(t, 0, fake.Started(), "replication does not start")
	st := c.Snapshot()
	require.Equal(t, MsgSyncDenied, st.Error)
	require.Equal(t, SyncDenied, st.Sync)

	require.NoError(t, c.Submit(context.Background(), "still", "works locally"))
	require.Equal(t, 1, c.Snapshot().Total)
}

func TestStartWithUnreachableRemote(t *testing.T) {
	remote := &hookStore{MemoryStore: store.NewMemoryStore("remote")}
	remote.info = func(context.Context) (store.Info, error) {
		return store.Info{}, fmt.Errorf("%w: connection refused", store.ErrTransport)
	}
	c, fake := newTestController(t, store.NewMemoryStore("local"), remote)

	require.Equal(t, 1, fake.Started(), "replication retries on its own")
	require.Equal(t, "Sync error: store.transport: connection refused", c.Snapshot().Error)
	require.ErrorIs(t, c.Start(context.Background()), ErrStarted)
}

func TestCloseStopsSessionAndStores(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemoryStore("local")
	remote := store.NewMemoryStore("remote")
	c, fake := newTestController(t, local, remote)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.True(t, fake.Last().Stopped())
	require.Equal(t, SyncStopped, c.Snapshot().Sync)
	_, err := local.List(ctx)
	require.ErrorIs(t, err, store.ErrClosed)
	_, err = remote.Info(ctx)
	require.ErrorIs(t, err, store.ErrClosed)
}

func TestLiveReplicationEndToEnd(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemoryStore("local")
	remote := store.NewMemoryStore("remote")
	c := NewController(local, remote, replication.NewReplicator(), Options{
		Sync: replication.Options{
			Live:           true,
			PollInterval:   5 * time.Millisecond,
			InitialBackoff: time.Millisecond,
		},
	})
	require.NoError(t, c.Start(ctx))
	defer c.Close()

	require.NoError(t, c.Submit(ctx, "Hello", "World"))
	require.Eventually(t, func() bool {
		list, err := remote.List(ctx)
		return err == nil && len(list) == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, err := remote.Put(ctx, post.New("Remote", "side", time.Now()))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Snapshot().Total == 2 }, 5*time.Second, 5*time.Millisecond)
}
