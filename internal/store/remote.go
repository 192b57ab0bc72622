package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/postsync/postsync/internal/post"
	"github.com/postsync/postsync/pkg/logger"
)

// ErrCredentialsInURL rejects remote URLs carrying user info. Credentials are
// passed separately so they never end up in logs or metrics labels.
var ErrCredentialsInURL = errors.New("remote url must not embed credentials")

// Credentials authenticate against the remote store.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) empty() bool { return c.Username == "" && c.Password == "" }

func (c Credentials) String() string {
	return c.Username + ":" + logger.Redact(c.Password)
}

type RemoteOption func(*RemoteStore)

func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteStore) { r.client = c }
}

func WithTimeout(d time.Duration) RemoteOption {
	return func(r *RemoteStore) { r.client.Timeout = d }
}

// RemoteStore talks to a postsync-remote server. It logs in through
// /_session for a bearer token and falls back to basic auth when the server
// does not issue tokens.
type RemoteStore struct {
	base   *url.URL
	creds  Credentials
	client *http.Client

	mu        sync.Mutex
	token     string
	noSession bool
}

func NewRemoteStore(rawURL string, creds Credentials, opts ...RemoteOption) (*RemoteStore, error) {
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: remote url: %v", ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: remote url scheme %q", ErrInvalid, u.Scheme)
	}
	if u.User != nil {
		return nil, ErrCredentialsInURL
	}
	r := &RemoteStore{base: u, creds: creds, client: &http.Client{Timeout: 10 * time.Second}}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// URL returns the server address; it never carries credentials.
func (r *RemoteStore) URL() string { return r.base.String() }

func (r *RemoteStore) endpoint(path string, query url.Values) string {
	u := *r.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// bearer returns a cached token, logging in when needed. An empty result
// means basic auth.
func (r *RemoteStore) bearer(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != "" || r.noSession || r.creds.empty() {
		return r.token, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint("/_session", nil), nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(r.creds.Username, r.creds.Password)
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", statusError(resp)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable:
		logger.Infof("remote %s issues no session tokens, using basic auth", r.base)
		r.noSession = true
		return "", nil
	case resp.StatusCode >= 300:
		return "", statusError(resp)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode session: %v", ErrTransport, err)
	}
	r.token = body.Token
	return r.token, nil
}

func (r *RemoteStore) dropToken(token string) {
	r.mu.Lock()
	if r.token == token {
		r.token = ""
	}
	r.mu.Unlock()
}

func (r *RemoteStore) send(ctx context.Context, method, path string, query url.Values, payload []byte) (*http.Response, string, error) {
	token, err := r.bearer(ctx)
	if err != nil {
		return nil, "", err
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.endpoint(path, query), body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	case !r.creds.empty():
		req.SetBasicAuth(r.creds.Username, r.creds.Password)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return resp, token, nil
}

// do performs one API call and decodes a 2xx body into out. An expired token
// is refreshed once.
func (r *RemoteStore) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrInvalid, err)
		}
	}
	resp, token, err := r.send(ctx, method, path, query, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		resp.Body.Close()
		r.dropToken(token)
		if resp, _, err = r.send(ctx, method, path, query, payload); err != nil {
			return err
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", ErrTransport, method, path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalid, msg)
	}
	return fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, msg)
}

func (r *RemoteStore) Info(ctx context.Context) (Info, error) {
	var info Info
	err := r.do(ctx, http.MethodGet, "/", nil, nil, &info)
	return info, err
}

func (r *RemoteStore) Get(ctx context.Context, id string) (*post.Post, error) {
	var p post.Post
	if err := r.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// WriteResult is the body of a successful PUT or DELETE.
type WriteResult struct {
	OK       bool   `json:"ok"`
	ID       string `json:"id"`
	Revision string `json:"rev"`
}

func (r *RemoteStore) Put(ctx context.Context, p *post.Post) (string, error) {
	if p == nil || p.ID == "" {
		return "", fmt.Errorf("%w: missing id", ErrInvalid)
	}
	var res WriteResult
	if err := r.do(ctx, http.MethodPut, "/posts/"+url.PathEscape(p.ID), nil, p, &res); err != nil {
		return "", err
	}
	return res.Revision, nil
}

func (r *RemoteStore) Remove(ctx context.Context, id, rev string) error {
	q := url.Values{"rev": []string{rev}}
	return r.do(ctx, http.MethodDelete, "/posts/"+url.PathEscape(id), q, nil, nil)
}

func (r *RemoteStore) List(ctx context.Context) ([]*post.Post, error) {
	out := []*post.Post{}
	if err := r.do(ctx, http.MethodGet, "/posts", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RemoteStore) Changes(ctx context.Context, since uint64, limit int) (ChangeBatch, error) {
	q := url.Values{"since": []string{strconv.FormatUint(since, 10)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var batch ChangeBatch
	err := r.do(ctx, http.MethodGet, "/_changes", q, nil, &batch)
	return batch, err
}

// RevisionsRequest is the body of POST /_revs.
type RevisionsRequest struct {
	Docs []*post.Post `json:"docs"`
}

// RevisionsResult is the answer to POST /_revs.
type RevisionsResult struct {
	Applied int `json:"applied"`
}

func (r *RemoteStore) ApplyRevisions(ctx context.Context, docs []*post.Post) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	var res RevisionsResult
	if err := r.do(ctx, http.MethodPost, "/_revs", nil, RevisionsRequest{Docs: docs}, &res); err != nil {
		return 0, err
	}
	return res.Applied, nil
}

// Logout revokes the cached session token, if any.
func (r *RemoteStore) Logout(ctx context.Context) error {
	r.mu.Lock()
	token := r.token
	r.token = ""
	r.mu.Unlock()
	if token == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.endpoint("/_session", nil), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

// Close logs out and drops idle connections.
func (r *RemoteStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Logout(ctx); err != nil {
		logger.Debugf("remote logout: %v", err)
	}
	r.client.CloseIdleConnections()
	return nil
}
