package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/TBVault/tbv-frontend-sub000/internal/chat"
	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
	"github.com/TBVault/tbv-frontend-sub000/internal/domain"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func newTranscriptServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	transcripts := map[string]domain.Transcript{
		"tr_1": {
			PublicID: "tr_1",
			Title:    "Bhagavad-gita 2.13",
			Summary:  "On the eternal soul.",
			Chunks: []domain.TranscriptChunk{
				{Index: 0, Text: "As the embodied soul continuously passes"},
				{Index: 1, Text: "in this body, from boyhood to youth", StartSeconds: 42.5},
			},
		},
		"tr_2": {PublicID: "tr_2", Title: "Japa", Summary: "Chanting with attention."},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/transcripts/")
		tr, ok := transcripts[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tr)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGetCachesTranscripts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newTranscriptServer(t, &hits)
	c, err := NewClient(server.URL, server.Client(), staticToken("tok"), 0)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		tr, err := c.Get(context.Background(), "tr_1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if tr.Title != "Bhagavad-gita 2.13" {
			t.Fatalf("title = %q", tr.Title)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("service hit %d times, want 1", got)
	}
}

func TestConcurrentGetsShareOneRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newTranscriptServer(t, &hits)
	c, err := NewClient(server.URL, server.Client(), staticToken("tok"), 0)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "tr_2"); err != nil {
				t.Errorf("Get failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// Late callers may miss the shared flight but then hit the cache, so at
	// most a handful of requests are made and usually exactly one.
	if got := hits.Load(); got < 1 || got > 10 {
		t.Errorf("service hit %d times", got)
	}
}

func TestCacheEvictsOldest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newTranscriptServer(t, &hits)
	c, err := NewClient(server.URL, server.Client(), staticToken("tok"), 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, id := range []string{"tr_1", "tr_2", "tr_1"} {
		if _, err := c.Get(ctx, id); err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("service hit %d times, want 3 with a one-entry cache", got)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newTranscriptServer(t, &hits)
	c, err := NewClient(server.URL, server.Client(), staticToken("tok"), 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	got, err := c.ResolveAll(ctx, []chatobject.TranscriptCitation{
		{TranscriptID: "tr_1", ChunkIndex: 1},
		{TranscriptID: "tr_1", ChunkIndex: chatobject.SummaryChunkIndex},
		{TranscriptID: "tr_2", ChunkIndex: chatobject.SummaryChunkIndex},
	})
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}
	want := []Excerpt{
		{TranscriptID: "tr_1", ChunkIndex: 1, Title: "Bhagavad-gita 2.13", Text: "in this body, from boyhood to youth", StartSeconds: 42.5},
		{TranscriptID: "tr_1", ChunkIndex: -1, Title: "Bhagavad-gita 2.13", Text: "On the eternal soul."},
		{TranscriptID: "tr_2", ChunkIndex: -1, Title: "Japa", Text: "Chanting with attention."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("excerpts mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.Resolve(ctx, chatobject.TranscriptCitation{TranscriptID: "tr_1", ChunkIndex: 9}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing chunk error = %v, want ErrNotFound", err)
	}
	if _, err := c.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing transcript error = %v, want ErrNotFound", err)
	}
}

func TestAuthFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newTranscriptServer(t, &hits)
	c, err := NewClient(server.URL, server.Client(), staticToken("wrong"), 0)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Get(context.Background(), "tr_1")
	var authErr *chat.AuthExpiredError
	if !errors.As(err, &authErr) || authErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected AuthExpiredError(401), got %v", err)
	}
	if chat.Classify(err) != chat.ReasonReauthenticate {
		t.Errorf("Classify = %q", chat.Classify(err))
	}
}

func TestSharedLookupSurvivesFirstCallerLeaving(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(domain.Transcript{PublicID: "tr_3", Title: "Nectar of Devotion"})
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	c, err := NewClient(server.URL, server.Client(), staticToken("tok"), 0)
	if err != nil {
		t.Fatal(err)
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Get(firstCtx, "tr_3")
		first <- err
	}()
	<-entered

	type result struct {
		tr  *domain.Transcript
		err error
	}
	second := make(chan result, 1)
	go func() {
		tr, err := c.Get(context.Background(), "tr_3")
		second <- result{tr, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-first:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("first caller error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first caller still waiting after its context ended")
	}

	close(release)
	select {
	case res := <-second:
		if res.err != nil {
			t.Fatalf("second caller failed: %v", res.err)
		}
		if res.tr.Title != "Nectar of Devotion" {
			t.Errorf("title = %q", res.tr.Title)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not get the transcript")
	}
}
