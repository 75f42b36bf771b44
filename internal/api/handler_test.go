//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/TBVault/tbv-frontend-sub000/internal/chat"
	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
	"github.com/TBVault/tbv-frontend-sub000/internal/config"
	"github.com/TBVault/tbv-frontend-sub000/internal/domain"
	"github.com/TBVault/tbv-frontend-sub000/internal/identity"
	"github.com/TBVault/tbv-frontend-sub000/internal/store"
	"github.com/TBVault/tbv-frontend-sub000/internal/transcript"
)

const testToken = "tok_test"

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestUpstreamError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
	}{
		{"auth expired", &chat.AuthExpiredError{StatusCode: 401}, http.StatusUnauthorized, "reauthenticate"},
		{"transport", &chat.TransportError{StatusCode: 500}, http.StatusBadGateway, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			upstreamError(w, tt.err)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["reason"] != tt.wantReason {
				t.Errorf("reason = %q, want %q", body["reason"], tt.wantReason)
			}
		})
	}
}

// fakeTranscripts serves transcripts from a map.
type fakeTranscripts struct {
	items map[string]*domain.Transcript
	err   error
}

func (f *fakeTranscripts) Get(_ context.Context, id string) (*domain.Transcript, error) {
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.items[id]
	if !ok {
		return nil, transcript.ErrNotFound
	}
	return t, nil
}

func (f *fakeTranscripts) Resolve(ctx context.Context, cite chatobject.TranscriptCitation) (transcript.Excerpt, error) {
	t, err := f.Get(ctx, cite.TranscriptID)
	if err != nil {
		return transcript.Excerpt{}, err
	}
	ex := transcript.Excerpt{TranscriptID: t.PublicID, ChunkIndex: cite.ChunkIndex, Title: t.Title}
	if cite.ChunkIndex == chatobject.SummaryChunkIndex {
		ex.Text = t.Summary
		return ex, nil
	}
	chunk, ok := t.Chunk(cite.ChunkIndex)
	if !ok {
		return transcript.Excerpt{}, transcript.ErrNotFound
	}
	ex.Text = chunk.Text
	return ex, nil
}

type testEnv struct {
	server    *httptest.Server
	handler   *Handler
	assembler *chat.Assembler
	repo      *store.SQLiteStore
}

// newTestEnv wires the API against an upstream chat backend served by
// upstream. cfg may be nil.
func newTestEnv(t *testing.T, upstream http.HandlerFunc, cfg *config.Config) *testEnv {
	t.Helper()

	backendSrv := httptest.NewServer(upstream)
	t.Cleanup(backendSrv.Close)

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	backend, err := chat.NewHTTPBackend(backendSrv.URL, nil, identity.ContextTokenSource{})
	if err != nil {
		t.Fatalf("NewHTTPBackend failed: %v", err)
	}
	assembler := chat.NewAssembler(backend,
		chat.WithStore(repo),
		chat.WithTopicHandler(SessionTitleHandler(repo, slog.Default())))

	transcripts := &fakeTranscripts{items: map[string]*domain.Transcript{
		"tr_1": {
			PublicID: "tr_1",
			Title:    "Bhagavad-gita 2.13",
			Summary:  "On the eternal soul.",
			Chunks:   []domain.TranscriptChunk{{Index: 0, Text: "As the embodied soul..."}},
		},
	}}

	h := NewHandler(assembler, repo, transcripts, cfg)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	NewHealthHandler(repo, assembler).RegisterHealth(r)
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, handler: h, assembler: assembler, repo: repo}
}

func (e *testEnv) request(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	return e.requestAs(t, testToken, method, path, body)
}

// requestAs sends a request authenticated with token.
func (e *testEnv) requestAs(t *testing.T, token, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// streamObjects returns an upstream handler that writes each chunk and
// flushes, then ends the response.
func streamObjects(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			flusher.Flush()
		}
	}
}

// sseReader decodes chat events from an SSE response, skipping pings.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(body io.Reader) *sseReader {
	return &sseReader{scanner: bufio.NewScanner(body)}
}

func (s *sseReader) next(t *testing.T) event {
	t.Helper()
	var typ, data string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if typ == "" || typ == eventPing {
				typ, data = "", ""
				continue
			}
			var ev event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				t.Fatalf("decode %s event %q: %v", typ, data, err)
			}
			if ev.Type != typ {
				t.Fatalf("event name %q does not match payload type %q", typ, ev.Type)
			}
			return ev
		}
	}
	t.Fatalf("stream ended before next event: %v", s.scanner.Err())
	return event{}
}

// untilFinal reads events up to and including the done or error event.
func (s *sseReader) untilFinal(t *testing.T) []event {
	t.Helper()
	var out []event
	for {
		ev := s.next(t)
		out = append(out, ev)
		if ev.final() {
			return out
		}
	}
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, streamObjects(), nil)

	for _, path := range []string{"/api/chat/sessions", "/api/transcripts/tr_1"} {
		resp, err := http.Get(env.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, resp.StatusCode)
		}
		var body map[string]string
		decodeBody(t, resp, &body)
		if body["reason"] != "reauthenticate" {
			t.Errorf("GET %s reason = %q, want reauthenticate", path, body["reason"])
		}
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, streamObjects(), nil)

	resp, err := http.Get(env.server.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status       string            `json:"status"`
		Checks       map[string]string `json:"checks"`
		LiveSessions int               `json:"live_sessions"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "healthy" || body.Checks["database"] != "ok" {
		t.Errorf("health = %+v, want healthy with database ok", body)
	}
}
