package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
	"github.com/TBVault/tbv-frontend-sub000/internal/domain"
	"github.com/TBVault/tbv-frontend-sub000/internal/streamparser"
)

// readChunkSize is the size of one read from the backend body.
const readChunkSize = 4 << 10

// State is the lifecycle position of a turn.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Observer is notified of every object appended to a turn's assistant
// message, in arrival order. Observers run on the turn's goroutine and
// must not call Turn.Cancel synchronously.
type Observer interface {
	ObjectAppended(messageID string, obj chatobject.Object)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(messageID string, obj chatobject.Object)

// ObjectAppended implements Observer.
func (f ObserverFunc) ObjectAppended(messageID string, obj chatobject.Object) { f(messageID, obj) }

// Turn is one user message and the assistant response streamed for it.
type Turn struct {
	id          string
	owner       string
	session     *Session
	query       string
	userID      string
	assistantID string
	assembler   *Assembler
	observers   []Observer
	onTopic     []TopicFunc
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// emitMu is held for each append and its notifications. Cancel sets
	// cancelled first and then takes emitMu, so no append is in flight or
	// can start once Cancel returns.
	emitMu sync.Mutex

	mu        sync.Mutex
	state     State
	cancelled bool
	err       error
	saved     [2]string

	done chan struct{}
}

// ID returns the turn id.
func (t *Turn) ID() string { return t.id }

// Owner returns the owner the turn was started for.
func (t *Turn) Owner() string { return t.owner }

// SessionID returns the id of the session the turn belongs to.
func (t *Turn) SessionID() string { return t.session.id }

// UserMessageID returns the temporary id of the optimistic user message.
func (t *Turn) UserMessageID() string { return t.userID }

// AssistantMessageID returns the temporary id of the assistant message.
func (t *Turn) AssistantMessageID() string { return t.assistantID }

// State returns the current state.
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure of a turn in StateFailed, and nil otherwise.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// PersistedIDs returns the permanent ids of the user and assistant messages
// once the store has accepted the turn.
func (t *Turn) PersistedIDs() (userID, assistantID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saved[0], t.saved[1], t.saved[0] != ""
}

// Done is closed once the turn reaches a terminal state and its messages
// have been handed to the persister.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Stopped is closed as soon as the turn is cancelled or finishes. An
// observer blocked on delivery should give up when it closes.
func (t *Turn) Stopped() <-chan struct{} { return t.ctx.Done() }

// Wait blocks until the turn finishes or ctx ends.
func (t *Turn) Wait(ctx context.Context) (State, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.state, t.err
	case <-ctx.Done():
		return t.State(), ctx.Err()
	}
}

// Cancel aborts the turn. When it returns no observer will receive another
// object for this turn, and the assistant message has been sanitised.
// It reports false if the turn had already finished or been cancelled.
func (t *Turn) Cancel() bool {
	t.mu.Lock()
	if t.cancelled || t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.mu.Unlock()

	// Stopped closes here, releasing an observer blocked inside emit.
	t.cancel()

	t.emitMu.Lock()
	t.session.update(t.assistantID, sanitizeCancelled)
	t.emitMu.Unlock()

	t.logger.Info("Chat turn cancelled", "turn_id", t.id, "session_id", t.session.id)
	return true
}

// sanitizeCancelled removes progress entries and guarantees a text delta so
// the message renders as an (empty) answer instead of a spinner.
func sanitizeCancelled(m domain.Message) domain.Message {
	content := make([]chatobject.Object, 0, len(m.Content)+1)
	hasText := false
	for _, obj := range m.Content {
		if obj.IsProgress() {
			continue
		}
		if obj.IsText() {
			hasText = true
		}
		content = append(content, obj)
	}
	if !hasText {
		content = append(content, chatobject.Text(""))
	}
	m.Content = content
	return m
}

func (t *Turn) setState(s State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.state.Terminal() {
		return false
	}
	t.state = s
	return true
}

func (t *Turn) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// run drives the turn from Requesting to a terminal state.
func (t *Turn) run() {
	if !t.setState(StateRequesting) {
		t.finish(StateCancelled, nil)
		return
	}

	body, err := t.assembler.backend.OpenStream(t.ctx, Request{SessionID: t.session.id, Query: t.query})
	if err != nil {
		t.fail(err)
		return
	}
	defer func() {
		if closeErr := body.Close(); closeErr != nil {
			t.logger.Debug("failed to close chat stream body", "turn_id", t.id, "error", closeErr)
		}
	}()

	if !t.setState(StateStreaming) {
		t.finish(StateCancelled, nil)
		return
	}
	t.read(body)
}

func (t *Turn) read(body io.Reader) {
	reader := transform.NewReader(body, unicode.UTF8.NewDecoder())
	chunk := make([]byte, readChunkSize)
	var buffer string

	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buffer = t.process(buffer + string(chunk[:n]))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if strings.TrimSpace(buffer) != "" {
				buffer = t.process(buffer)
			}
			if buffer != "" {
				t.logger.Debug("chat stream ended with incomplete object", "turn_id", t.id, "bytes", len(buffer))
			}
			t.finish(StateCompleted, nil)
			return
		}
		t.fail(&TransportError{Message: "read chat stream", Err: err})
		return
	}
}

// process extracts complete objects from buffer and returns the remainder.
func (t *Turn) process(buffer string) string {
	return streamparser.ExtractFunc(buffer, t.emit, t.malformed)
}

func (t *Turn) malformed(raw string, err error) {
	t.logger.Warn("dropping malformed chat object",
		"turn_id", t.id,
		"error", &MalformedObjectError{Raw: raw, Err: err})
}

// emit appends obj to the assistant message and notifies observers.
func (t *Turn) emit(obj chatobject.Object) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.isCancelled() {
		return
	}

	t.session.appendObject(t.assistantID, obj)
	for _, o := range t.observers {
		t.guard("observer", func() { o.ObjectAppended(t.assistantID, obj) })
	}
	if topic, ok := obj.Data.(chatobject.ChatTopic); ok && t.session.markTopic(topic.Topic) {
		t.assembler.topicChanged(t, topic.Topic)
		for _, fn := range t.onTopic {
			t.guard("turn topic handler", func() { fn(t.ctx, t.session.id, topic.Topic) })
		}
	}
}

// guard runs a caller-supplied callback, logging its panic instead of
// letting it abort the stream.
func (t *Turn) guard(callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("chat callback panicked",
				"turn_id", t.id,
				"callback", callback,
				"panic", r)
		}
	}()
	fn()
}

// fail routes err to Cancelled when the turn was aborted and to Failed
// otherwise.
func (t *Turn) fail(err error) {
	if t.ctx.Err() != nil || errors.Is(err, ErrAborted) {
		// The caller's context ended without an explicit Cancel, e.g. a client
		// disconnect. Treat it like one so the message is sanitised.
		t.Cancel()
		t.finish(StateCancelled, nil)
		return
	}
	t.finish(StateFailed, err)
}

// finish records the terminal state exactly once.
func (t *Turn) finish(state State, err error) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	if t.cancelled {
		state, err = StateCancelled, nil
	}
	t.state = state
	t.err = err
	t.mu.Unlock()

	if state == StateCancelled {
		// A concurrent Cancel may not have sanitised yet; the message must be
		// clean before it is persisted.
		t.session.update(t.assistantID, sanitizeCancelled)
	}

	t.cancel()
	switch state {
	case StateFailed:
		t.logger.Error("Chat turn failed",
			"turn_id", t.id,
			"session_id", t.session.id,
			"reason", Classify(err),
			"error", err)
	default:
		t.logger.Info("Chat turn finished",
			"turn_id", t.id,
			"session_id", t.session.id,
			"state", state)
	}
	t.assembler.turnFinished(t, state)
	close(t.done)
}
