// Package social talks to the AT Protocol network: reading reply threads
// from the public AppView and writing likes and replies through a PDS.
package social

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
)

// Config configures the client
type Config struct {
	Service       string        `json:"service"`        // PDS used for writes
	AppView       string        `json:"appview"`        // public read endpoint
	Identifier    string        `json:"identifier"`     // handle or DID to log in as
	Password      string        `json:"-"`              // app password
	RatePerSecond float64       `json:"rate_per_second"`
	Burst         int           `json:"burst"`
	Timeout       time.Duration `json:"timeout"`
}

// DefaultConfig returns the public Bluesky endpoints
func DefaultConfig() Config {
	return Config{
		Service:       "https://bsky.social",
		AppView:       "https://public.api.bsky.app",
		RatePerSecond: 5,
		Burst:         10,
		Timeout:       15 * time.Second,
	}
}

// Post is a post read from a thread
type Post struct {
	URI       string       `json:"uri"`
	CID       string       `json:"cid"`
	Handle    string       `json:"handle"`
	DID       string       `json:"did"`
	Text      string       `json:"text"`
	CreatedAt time.Time    `json:"created_at"`
	Root      core.PostRef `json:"root"`
	Parent    core.PostRef `json:"parent"`
}

// Ref returns the post's strong reference
func (p Post) Ref() core.PostRef {
	return core.PostRef{URI: p.URI, CID: p.CID}
}

// APIError is an XRPC error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("xrpc %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("xrpc %d %s", e.Status, e.Code)
}

// Client is an XRPC client. Reads need no session; writes log in lazily
// with the configured identifier and app password.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter

	mu      sync.Mutex
	session *session
}

type session struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
}

// NewClient creates a client. Zero config fields take their defaults.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Service == "" {
		cfg.Service = def.Service
	}
	if cfg.AppView == "" {
		cfg.AppView = def.AppView
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	cfg.Service = strings.TrimRight(cfg.Service, "/")
	cfg.AppView = strings.TrimRight(cfg.AppView, "/")

	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// CanWrite reports whether credentials are configured
func (c *Client) CanWrite() bool {
	return c.config.Identifier != "" && c.config.Password != ""
}

// ==================== Reads ====================

// Replies returns the direct replies to the post at uri, oldest first
func (c *Client) Replies(ctx context.Context, uri string) ([]Post, error) {
	q := url.Values{}
	q.Set("uri", uri)
	q.Set("depth", "1")
	q.Set("parentHeight", "0")

	var out struct {
		Thread threadView `json:"thread"`
	}
	if err := c.call(ctx, http.MethodGet, c.config.AppView, "app.bsky.feed.getPostThread", q, nil, "", &out); err != nil {
		return nil, fmt.Errorf("get thread %s: %w", uri, err)
	}

	posts := make([]Post, 0, len(out.Thread.Replies))
	for _, r := range out.Thread.Replies {
		if r.Post == nil {
			// blocked or deleted replies carry no post
			continue
		}
		posts = append(posts, r.Post.toPost())
	}
	sortByCreated(posts)
	return posts, nil
}

// ResolveHandle returns the DID of handle
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	q := url.Values{}
	q.Set("handle", core.NormalizeHandle(handle))
	var out struct {
		DID string `json:"did"`
	}
	if err := c.call(ctx, http.MethodGet, c.config.AppView, "com.atproto.identity.resolveHandle", q, nil, "", &out); err != nil {
		return "", fmt.Errorf("resolve %s: %w", handle, err)
	}
	return out.DID, nil
}

// HandleFor returns the current handle of a DID
func (c *Client) HandleFor(ctx context.Context, did string) (string, error) {
	q := url.Values{}
	q.Set("actor", did)
	var out struct {
		Handle string `json:"handle"`
	}
	if err := c.call(ctx, http.MethodGet, c.config.AppView, "app.bsky.actor.getProfile", q, nil, "", &out); err != nil {
		return "", fmt.Errorf("profile %s: %w", did, err)
	}
	return core.NormalizeHandle(out.Handle), nil
}

type threadView struct {
	Post    *postView    `json:"post"`
	Replies []threadView `json:"replies"`
}

type postView struct {
	URI    string `json:"uri"`
	CID    string `json:"cid"`
	Author struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"author"`
	Record struct {
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"createdAt"`
		Reply     *struct {
			Root   core.PostRef `json:"root"`
			Parent core.PostRef `json:"parent"`
		} `json:"reply"`
	} `json:"record"`
}

func (p *postView) toPost() Post {
	post := Post{
		URI:       p.URI,
		CID:       p.CID,
		Handle:    core.NormalizeHandle(p.Author.Handle),
		DID:       p.Author.DID,
		Text:      p.Record.Text,
		CreatedAt: p.Record.CreatedAt,
	}
	if p.Record.Reply != nil {
		post.Root = p.Record.Reply.Root
		post.Parent = p.Record.Reply.Parent
	}
	return post
}

func sortByCreated(posts []Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreatedAt.Before(posts[j].CreatedAt)
	})
}

// ==================== Writes ====================

// Like likes post
func (c *Client) Like(ctx context.Context, post core.PostRef) error {
	_, err := c.createRecord(ctx, "app.bsky.feed.like", map[string]interface{}{
		"$type":     "app.bsky.feed.like",
		"subject":   post,
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("like %s: %w", post.URI, err)
	}
	return nil
}

// Reply posts text as a reply to parent in the thread rooted at root
func (c *Client) Reply(ctx context.Context, parent, root core.PostRef, text string) (core.PostRef, error) {
	if root.URI == "" {
		root = parent
	}
	ref, err := c.createRecord(ctx, "app.bsky.feed.post", map[string]interface{}{
		"$type":     "app.bsky.feed.post",
		"text":      text,
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
		"reply": map[string]core.PostRef{
			"root":   root,
			"parent": parent,
		},
	})
	if err != nil {
		return core.PostRef{}, fmt.Errorf("reply to %s: %w", parent.URI, err)
	}
	return ref, nil
}

func (c *Client) createRecord(ctx context.Context, collection string, record map[string]interface{}) (core.PostRef, error) {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return core.PostRef{}, err
	}
	body := map[string]interface{}{
		"repo":       sess.DID,
		"collection": collection,
		"record":     record,
	}
	var out core.PostRef
	err = c.call(ctx, http.MethodPost, c.config.Service, "com.atproto.repo.createRecord", nil, body, sess.AccessJwt, &out)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "ExpiredToken" {
		c.dropSession()
		if sess, err = c.ensureSession(ctx); err != nil {
			return core.PostRef{}, err
		}
		body["repo"] = sess.DID
		err = c.call(ctx, http.MethodPost, c.config.Service, "com.atproto.repo.createRecord", nil, body, sess.AccessJwt, &out)
	}
	return out, err
}

func (c *Client) ensureSession(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	if !c.CanWrite() {
		return nil, fmt.Errorf("%w: no credentials configured", core.ErrSocialUnavailable)
	}

	var sess session
	err := c.call(ctx, http.MethodPost, c.config.Service, "com.atproto.server.createSession", nil, map[string]string{
		"identifier": c.config.Identifier,
		"password":   c.config.Password,
	}, "", &sess)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	logging.WithField("did", sess.DID).Info("logged in to %s as %s", c.config.Service, sess.Handle)
	c.session = &sess
	return c.session, nil
}

func (c *Client) dropSession() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// ==================== Transport ====================

func (c *Client) call(ctx context.Context, method, base, nsid string, query url.Values, in interface{}, token string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := base + "/xrpc/" + nsid
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
