// Package chat assembles streamed assistant responses into chat sessions.
//
// An Assembler runs one turn at a time per session. Each turn posts the
// user's query to the chat backend, decodes the response body into chat
// objects as bytes arrive and appends them to the assistant message of the
// session, notifying observers in arrival order. Turns can be cancelled at
// any point; once Cancel returns nothing more is appended.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
	"github.com/TBVault/tbv-frontend-sub000/internal/domain"
)

// persistTimeout bounds the store write after a turn ends.
const persistTimeout = 5 * time.Second

// Store persists finished turns and loads session history. It is
// satisfied by store.Repository.
type Store interface {
	SaveMessages(ctx context.Context, owner, sessionID string, messages []domain.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// TopicFunc is called at most once per distinct topic per session.
type TopicFunc func(ctx context.Context, sessionID, topic string)

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) { a.logger = logger }
}

// WithStore persists completed and cancelled turns and seeds new sessions
// with stored history.
func WithStore(s Store) Option {
	return func(a *Assembler) { a.store = s }
}

// WithTopicHandler registers the callback for inferred session topics.
func WithTopicHandler(fn TopicFunc) Option {
	return func(a *Assembler) { a.onTopic = fn }
}

// WithObserver adds an observer that sees the objects of every turn.
func WithObserver(o Observer) Option {
	return func(a *Assembler) { a.observers = append(a.observers, o) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// TurnOption configures a single turn.
type TurnOption func(*Turn)

// WithTurnObserver adds an observer for one turn only. It is notified after
// the assembler-wide observers.
func WithTurnObserver(o Observer) TurnOption {
	return func(t *Turn) { t.observers = append(t.observers, o) }
}

// WithOwner scopes the turn's session to owner. A live session started by a
// different owner rejects the turn with ErrNotOwner.
func WithOwner(owner string) TurnOption {
	return func(t *Turn) { t.owner = owner }
}

// WithTurnTopicHandler adds a topic callback for one turn. It fires under
// the same once-per-topic rule as the assembler-wide handler.
func WithTurnTopicHandler(fn TopicFunc) TurnOption {
	return func(t *Turn) { t.onTopic = append(t.onTopic, fn) }
}

// Assembler turns backend response streams into session messages.
type Assembler struct {
	backend   Backend
	store     Store
	onTopic   TopicFunc
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time

	sessions *sessions

	mu    sync.Mutex
	turns map[string]*Turn
}

// NewAssembler creates an assembler reading from backend.
func NewAssembler(backend Backend, opts ...Option) *Assembler {
	a := &Assembler{
		backend:  backend,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: newSessions(),
		turns:    make(map[string]*Turn),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StartTurn appends an optimistic user message and an empty assistant
// message to the session and starts streaming the response in the
// background. The turn stops when ctx ends, when it is cancelled, or when
// the backend closes the stream.
func (a *Assembler) StartTurn(ctx context.Context, sessionID, query string, opts ...TurnOption) (*Turn, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	now := a.now()
	turnCtx, cancel := context.WithCancel(ctx)
	t := &Turn{
		id:          uuid.NewString(),
		query:       query,
		userID:      domain.TempIDPrefix + uuid.NewString(),
		assistantID: domain.TempIDPrefix + uuid.NewString(),
		assembler:   a,
		observers:   append([]Observer(nil), a.observers...),
		ctx:         turnCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = a.logger

	sess, created, err := a.sessions.acquire(sessionID, t.owner, t, now)
	if err != nil {
		cancel()
		return nil, err
	}
	t.session = sess
	if created && a.store != nil {
		a.loadHistory(ctx, sess)
	}

	sess.appendMessages(
		domain.Message{
			PublicID:      t.userID,
			ChatSessionID: sessionID,
			Role:          domain.RoleUser,
			Content:       []chatobject.Object{chatobject.Text(query)},
			CreatedOn:     now.Unix(),
		},
		domain.Message{
			PublicID:      t.assistantID,
			ChatSessionID: sessionID,
			Role:          domain.RoleAssistant,
			Content:       []chatobject.Object{},
			CreatedOn:     now.Unix(),
		},
	)

	a.mu.Lock()
	a.turns[t.id] = t
	a.mu.Unlock()

	a.logger.Info("Chat turn started",
		"turn_id", t.id,
		"session_id", sessionID,
		"query_length", len(query))

	go t.run()
	return t, nil
}

func (a *Assembler) loadHistory(ctx context.Context, sess *Session) {
	history, err := a.store.ListMessages(ctx, sess.id)
	if err != nil {
		a.logger.Warn("failed to load chat history", "session_id", sess.id, "error", err)
		return
	}
	sess.seed(history)
}

// Turn returns an active turn by id.
func (a *Assembler) Turn(id string) (*Turn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.turns[id]
	return t, ok
}

// CancelTurn cancels an active turn. It reports false if no such turn is
// running.
func (a *Assembler) CancelTurn(id string) bool {
	t, ok := a.Turn(id)
	if !ok {
		return false
	}
	return t.Cancel()
}

// Session returns a live session by id.
func (a *Assembler) Session(id string) (*Session, bool) {
	return a.sessions.get(id)
}

// SessionCount returns the number of live sessions.
func (a *Assembler) SessionCount() int { return a.sessions.len() }

func (a *Assembler) topicChanged(t *Turn, topic string) {
	a.logger.Info("Chat topic inferred", "session_id", t.session.id, "topic", topic)
	if a.onTopic != nil {
		t.guard("topic handler", func() { a.onTopic(t.ctx, t.session.id, topic) })
	}
}

// turnFinished unregisters t and persists it when it completed or was
// cancelled.
func (a *Assembler) turnFinished(t *Turn, state State) {
	a.mu.Lock()
	delete(a.turns, t.id)
	a.mu.Unlock()

	if state != StateFailed && a.store != nil {
		a.persist(t)
	}
	t.session.release(t, a.now())
}

// persist saves the turn's two messages under permanent ids and swaps the
// temporary ids in the session once the store accepts them.
func (a *Assembler) persist(t *Turn) {
	user, okUser := t.session.Message(t.userID)
	assistant, okAssistant := t.session.Message(t.assistantID)
	if !okUser || !okAssistant {
		return
	}

	user.PublicID = uuid.NewString()
	assistant.PublicID = uuid.NewString()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), persistTimeout)
	defer cancel()
	if err := a.store.SaveMessages(ctx, t.session.owner, t.session.id, []domain.Message{user, assistant}); err != nil {
		a.logger.Error("failed to persist chat turn",
			"turn_id", t.id,
			"session_id", t.session.id,
			"error", err)
		return
	}

	for temp, permanent := range map[string]string{t.userID: user.PublicID, t.assistantID: assistant.PublicID} {
		t.session.update(temp, func(m domain.Message) domain.Message {
			m.PublicID = permanent
			return m
		})
	}
	t.mu.Lock()
	t.saved = [2]string{user.PublicID, assistant.PublicID}
	t.mu.Unlock()
}

// EvictIdle drops sessions without an active turn that have been idle for
// longer than ttl. It returns the evicted session ids.
func (a *Assembler) EvictIdle(ttl time.Duration) []string {
	return a.sessions.evictIdle(a.now().Add(-ttl))
}
