// Package transcript looks up lecture transcripts referenced by chat
// citations.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/TBVault/tbv-frontend-sub000/internal/chat"
	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
	"github.com/TBVault/tbv-frontend-sub000/internal/domain"
)

const (
	defaultCacheSize = 256
	requestTimeout   = 15 * time.Second
	resolveParallel  = 4
)

// ErrNotFound is returned when the service has no transcript for an id.
var ErrNotFound = errors.New("transcript not found")

// TokenSource supplies the bearer credential for a lookup.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Excerpt is the text a citation points at.
type Excerpt struct {
	TranscriptID string  `json:"transcript_id"`
	ChunkIndex   int     `json:"chunk_index"`
	Title        string  `json:"title"`
	Text         string  `json:"text"`
	StartSeconds float64 `json:"start_seconds,omitempty"`
}

// Client fetches transcripts and caches a bounded number of them.
// Concurrent lookups of the same id share one request. Transcripts are a
// shared lecture corpus with no per-user access rules, so the cache and
// shared requests span callers; the request runs with the first caller's
// credential.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
	logger *slog.Logger
	group  singleflight.Group

	mu       sync.Mutex
	cache    map[string]*domain.Transcript
	order    []string
	capacity int
}

// NewClient creates a transcript client. cacheSize <= 0 uses the default.
func NewClient(baseURL string, httpClient *http.Client, tokens TokenSource, cacheSize int) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse transcript service url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("transcript service url %q must be absolute", baseURL)
	}
	if tokens == nil {
		return nil, errors.New("transcript client requires a token source")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	return &Client{
		base:     base,
		http:     httpClient,
		tokens:   tokens,
		logger:   slog.Default(),
		cache:    make(map[string]*domain.Transcript),
		capacity: cacheSize,
	}, nil
}

// Get returns the transcript with the given id.
func (c *Client) Get(ctx context.Context, id string) (*domain.Transcript, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	if t, ok := c.cached(id); ok {
		return t, nil
	}

	// The shared request outlives any one caller; each caller stops
	// waiting when its own context ends.
	ch := c.group.DoChan(id, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
		defer cancel()
		t, err := c.fetch(fetchCtx, id)
		if err != nil {
			return nil, err
		}
		c.store(id, t)
		return t, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("transcript lookup shared", "transcript_id", id)
		}
		return res.Val.(*domain.Transcript), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve returns the excerpt a citation points at: the summary for
// chatobject.SummaryChunkIndex and the chunk text otherwise.
func (c *Client) Resolve(ctx context.Context, cite chatobject.TranscriptCitation) (Excerpt, error) {
	t, err := c.Get(ctx, cite.TranscriptID)
	if err != nil {
		return Excerpt{}, err
	}

	ex := Excerpt{TranscriptID: t.PublicID, ChunkIndex: cite.ChunkIndex, Title: t.Title}
	if cite.ChunkIndex == chatobject.SummaryChunkIndex {
		ex.Text = t.Summary
		return ex, nil
	}
	chunk, ok := t.Chunk(cite.ChunkIndex)
	if !ok {
		return Excerpt{}, fmt.Errorf("%w: %s has no chunk %d", ErrNotFound, cite.TranscriptID, cite.ChunkIndex)
	}
	ex.Text = chunk.Text
	ex.StartSeconds = chunk.StartSeconds
	return ex, nil
}

// ResolveAll resolves citations concurrently, keeping their order. The
// first error cancels the remaining lookups.
func (c *Client) ResolveAll(ctx context.Context, cites []chatobject.TranscriptCitation) ([]Excerpt, error) {
	out := make([]Excerpt, len(cites))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveParallel)
	for i, cite := range cites {
		g.Go(func() error {
			ex, err := c.Resolve(ctx, cite)
			if err != nil {
				return err
			}
			out[i] = ex
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, id string) (*domain.Transcript, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil || token == "" {
		return nil, &chat.AuthExpiredError{Message: "missing access token"}
	}

	endpoint := c.base.JoinPath("transcripts", id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build transcript request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &chat.TransportError{Message: "fetch transcript", Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close transcript response", "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &chat.AuthExpiredError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, &chat.TransportError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var t domain.Transcript
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode transcript %s: %w", id, err)
	}
	if t.PublicID == "" {
		t.PublicID = id
	}
	return &t, nil
}

func (c *Client) cached(id string) (*domain.Transcript, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.cache[id]
	return t, ok
}

// store adds t to the cache, evicting the oldest entry when full.
func (c *Client) store(id string, t *domain.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[id]; ok {
		return
	}
	for len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cache, oldest)
	}
	c.cache[id] = t
	c.order = append(c.order, id)
}
