package remote

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/postsync/postsync/internal/post"
	"github.com/postsync/postsync/internal/sessions"
	"github.com/postsync/postsync/internal/snapshot"
	"github.com/postsync/postsync/internal/store"
	"github.com/postsync/postsync/internal/tokens"
	"github.com/postsync/postsync/pkg/logger"
	"github.com/postsync/postsync/pkg/middleware"
)

const (
	defaultChangesLimit = 100
	maxChangesLimit     = 1000
)

// Handler serves the document API of the remote store.
type Handler struct {
	store     store.Backend
	sessions  *sessions.Guard
	snapshots *snapshot.Service
}

// NewHandler builds the API. guard and snapshots may be nil; the matching
// routes then answer 503.
func NewHandler(b store.Backend, guard *sessions.Guard, snapshots *snapshot.Service) *Handler {
	return &Handler{store: b, sessions: guard, snapshots: snapshots}
}

// Register mounts every data route behind mw (auth first, then rate limits).
func (h *Handler) Register(r gin.IRouter, mw ...gin.HandlerFunc) {
	g := r.Group("/", mw...)
	g.GET("/", h.info)
	g.GET("/posts", h.list)
	g.GET("/posts/:id", h.get)
	g.PUT("/posts/:id", h.put)
	g.DELETE("/posts/:id", h.remove)
	g.GET("/_changes", h.changes)
	g.POST("/_revs", h.revisions)
	g.POST("/_session", h.session)
	g.DELETE("/_session", h.logout)
	g.POST("/_snapshot", h.snapshot)
}

func statusFor(err error) int {
	var ve *post.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnauthorized), errors.Is(err, tokens.ErrInvalidToken):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func (h *Handler) info(c *gin.Context) {
	info, err := h.store.Info(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) list(c *gin.Context) {
	list, err := h.store.List(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) get(c *gin.Context) {
	p, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) put(c *gin.Context) {
	id := c.Param("id")
	var p post.Post
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if p.ID == "" {
		p.ID = id
	}
	if p.ID != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document id does not match the path"})
		return
	}
	title, content, err := post.Validate(p.Title, p.Content)
	if err != nil {
		abort(c, err)
		return
	}
	p.Title, p.Content = title, content
	rev, err := h.store.Put(c.Request.Context(), &p)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, store.WriteResult{OK: true, ID: id, Revision: rev})
}

func (h *Handler) remove(c *gin.Context) {
	id := c.Param("id")
	rev := c.Query("rev")
	if rev == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rev query parameter is required"})
		return
	}
	if err := h.store.Remove(c.Request.Context(), id, rev); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, store.WriteResult{OK: true, ID: id})
}

func (h *Handler) changes(c *gin.Context) {
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultChangesLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxChangesLimit {
		limit = maxChangesLimit
	}
	batch, err := h.store.Changes(c.Request.Context(), since, limit)
	if err != nil {
		abort(c, err)
		return
	}
	if batch.Results == nil {
		batch.Results = []store.Change{}
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) revisions(c *gin.Context) {
	var req store.RevisionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, d := range req.Docs {
		if d == nil || d.ID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "every document needs an _id"})
			return
		}
		if _, _, err := store.ParseRevision(d.Revision); err != nil {
			abort(c, err)
			return
		}
	}
	n, err := h.store.ApplyRevisions(c.Request.Context(), req.Docs)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, store.RevisionsResult{Applied: n})
}

func (h *Handler) session(c *gin.Context) {
	if h.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session tokens are not configured"})
		return
	}
	user := c.GetString(middleware.UserKey)
	token, err := h.sessions.Issue(user)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "token": token, "expires_in": int(h.sessions.TTL().Seconds())})
}

// logout revokes the bearer token of the request. Basic auth has nothing to
// revoke.
func (h *Handler) logout(c *gin.Context) {
	scheme, raw, _ := strings.Cut(c.GetHeader("Authorization"), " ")
	if h.sessions == nil || !strings.EqualFold(scheme, "Bearer") {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	if err := h.sessions.Revoke(c.Request.Context(), strings.TrimSpace(raw)); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) snapshot(c *gin.Context) {
	if !h.snapshots.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": snapshot.ErrDisabled.Error()})
		return
	}
	res, err := h.snapshots.Take(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}
