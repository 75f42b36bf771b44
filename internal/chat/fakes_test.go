package chat

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
	"github.com/TBVault/tbv-frontend-sub000/internal/domain"
)

const waitTimeout = 2 * time.Second

// backendFunc adapts a function to Backend.
type backendFunc func(ctx context.Context, req Request) (io.ReadCloser, error)

func (f backendFunc) OpenStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	return f(ctx, req)
}

// chunkBody serves one chunk per Read call from a channel and returns EOF
// once the channel is closed. With a non-nil ctx a pending Read fails when
// ctx ends, like an HTTP body does.
type chunkBody struct {
	ctx     context.Context
	chunks  <-chan string
	pending []byte
}

func (b *chunkBody) Read(p []byte) (int, error) {
	if len(b.pending) == 0 {
		var done <-chan struct{}
		if b.ctx != nil {
			done = b.ctx.Done()
		}
		select {
		case c, ok := <-b.chunks:
			if !ok {
				return 0, io.EOF
			}
			b.pending = []byte(c)
		case <-done:
			return 0, b.ctx.Err()
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (b *chunkBody) Close() error { return nil }

// streamBackend returns a backend whose single stream is fed from chunks.
// respectCtx controls whether reads end when the turn context is cancelled.
func streamBackend(chunks <-chan string, respectCtx bool) Backend {
	return backendFunc(func(ctx context.Context, _ Request) (io.ReadCloser, error) {
		body := &chunkBody{chunks: chunks}
		if respectCtx {
			body.ctx = ctx
		}
		return body, nil
	})
}

// objectsBackend streams a fixed list of chunks and ends.
func objectsBackend(chunks ...string) Backend {
	return backendFunc(func(context.Context, Request) (io.ReadCloser, error) {
		ch := make(chan string, len(chunks))
		for _, c := range chunks {
			ch <- c
		}
		close(ch)
		return &chunkBody{chunks: ch}, nil
	})
}

// recorder is an observer that keeps every object and signals each append.
type recorder struct {
	mu      sync.Mutex
	objects []chatobject.Object
	ids     []string
	seen    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 128)}
}

func (r *recorder) ObjectAppended(messageID string, obj chatobject.Object) {
	r.mu.Lock()
	r.objects = append(r.objects, obj)
	r.ids = append(r.ids, messageID)
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func (r *recorder) Objects() []chatobject.Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.objects)
}

// waitFor blocks until n appends have been observed.
func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for append %d of %d", i+1, n)
		}
	}
}

func waitTurn(t *testing.T, turn *Turn) (State, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	state, err := turn.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("turn %s did not finish, state %s", turn.ID(), state)
	}
	return state, err
}

// memStore is an in-memory Store.
type memStore struct {
	mu      sync.Mutex
	saved   map[string][]domain.Message
	owners  map[string]string
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string][]domain.Message), owners: make(map[string]string)}
}

func (s *memStore) SaveMessages(_ context.Context, owner, sessionID string, messages []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.owners[sessionID] = owner
	for _, m := range messages {
		s.saved[sessionID] = append(s.saved[sessionID], m.Clone())
	}
	return nil
}

func (s *memStore) ListMessages(_ context.Context, sessionID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.saved[sessionID]), nil
}

func (s *memStore) owner(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners[sessionID]
}

func (s *memStore) messages(sessionID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.saved[sessionID])
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func encode(t *testing.T, objs ...chatobject.Object) string {
	t.Helper()
	var out []byte
	for _, o := range objs {
		b, err := o.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal %v: %v", o.Type(), err)
		}
		out = append(out, b...)
	}
	return string(out)
}

func assistantContent(t *testing.T, a *Assembler, turn *Turn) []chatobject.Object {
	t.Helper()
	sess, ok := a.Session(turn.SessionID())
	if !ok {
		t.Fatalf("session %s not found", turn.SessionID())
	}
	msgs := sess.Messages()
	if len(msgs) == 0 {
		t.Fatal("session has no messages")
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleAssistant {
		t.Fatalf("last message role = %s, want assistant", last.Role)
	}
	return last.Content
}
