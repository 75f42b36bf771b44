package chat

import (
	"slices"
	"sync"
	"time"

	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
	"github.com/TBVault/tbv-frontend-sub000/internal/domain"
)

// Session is the in-memory state of one chat session. The message list is
// replaced on every update and never mutated in place, so a snapshot
// returned by Messages stays valid while a turn keeps streaming.
type Session struct {
	id    string
	owner string

	mu         sync.RWMutex
	messages   []domain.Message
	lastActive time.Time
	active     *Turn
	topics     map[string]struct{}
}

func newSession(id, owner string, now time.Time) *Session {
	return &Session{
		id:         id,
		owner:      owner,
		lastActive: now,
		topics:     make(map[string]struct{}),
	}
}

// ID returns the session's public id.
func (s *Session) ID() string { return s.id }

// Owner returns the owner the session was started by.
func (s *Session) Owner() string { return s.owner }

// Messages returns the current snapshot. Content slices are clipped so an
// append by the caller never writes into storage shared with the session.
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Message, len(s.messages))
	for i, msg := range s.messages {
		msg.Content = slices.Clip(msg.Content)
		out[i] = msg
	}
	return out
}

// Message returns the message with the given id from the current snapshot.
func (s *Session) Message(id string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages {
		if msg.PublicID == id {
			msg.Content = slices.Clip(msg.Content)
			return msg, true
		}
	}
	return domain.Message{}, false
}

// ActiveTurn returns the turn currently streaming into the session, if any.
func (s *Session) ActiveTurn() (*Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.active != nil
}

// LastActive reports when the session last changed.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// seed installs stored history into a session that has no messages yet.
// Topics already present in the history count as seen.
func (s *Session) seed(history []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) > 0 || len(history) == 0 {
		return
	}
	s.messages = slices.Clone(history)
	for _, msg := range history {
		for _, obj := range msg.Content {
			if topic, ok := obj.Data.(chatobject.ChatTopic); ok {
				s.topics[topic.Topic] = struct{}{}
			}
		}
	}
}

// claim makes t the active turn. It fails when another turn is active.
func (s *Session) claim(t *Turn, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return false
	}
	s.active = t
	s.lastActive = now
	return true
}

// release clears the active turn if it is still t.
func (s *Session) release(t *Turn, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == t {
		s.active = nil
	}
	s.lastActive = now
}

// appendMessages publishes a new list with msgs at the end.
func (s *Session) appendMessages(msgs ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]domain.Message, 0, len(s.messages)+len(msgs))
	next = append(next, s.messages...)
	next = append(next, msgs...)
	s.messages = next
}

// update publishes a new list in which the message with the given id is
// replaced by fn's result. It reports whether the id was found.
func (s *Session) update(id string, fn func(domain.Message) domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].PublicID != id {
			continue
		}
		next := slices.Clone(s.messages)
		next[i] = fn(next[i])
		s.messages = next
		return true
	}
	return false
}

// appendObject adds obj to the content of message id.
func (s *Session) appendObject(id string, obj chatobject.Object) bool {
	return s.update(id, func(m domain.Message) domain.Message {
		// Older snapshots only see their own length, so growing the shared
		// backing array is invisible to them.
		m.Content = append(m.Content, obj)
		return m
	})
}

// markTopic records topic and reports whether it was seen for the first time.
func (s *Session) markTopic(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.topics[topic]; seen {
		return false
	}
	s.topics[topic] = struct{}{}
	return true
}

// sessions is the registry of live sessions.
type sessions struct {
	mu   sync.Mutex
	byID map[string]*Session
}

func newSessions() *sessions {
	return &sessions{byID: make(map[string]*Session)}
}

func (r *sessions) get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// acquire returns the session for id with t claimed as its active turn,
// creating it for owner when absent, and reports whether it was created.
// The claim is made under the registry lock so evictIdle never drops a
// session between lookup and claim.
func (r *sessions) acquire(id, owner string, t *Turn, now time.Time) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		s = newSession(id, owner, now)
	}
	if s.owner != owner {
		return nil, false, ErrNotOwner
	}
	if !s.claim(t, now) {
		return nil, false, ErrTurnInProgress
	}
	if !ok {
		r.byID[id] = s
	}
	return s, !ok, nil
}

// evictIdle drops sessions without an active turn that have been idle since
// before cutoff and returns their ids.
func (r *sessions) evictIdle(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, s := range r.byID {
		if _, busy := s.ActiveTurn(); busy {
			continue
		}
		if s.LastActive().Before(cutoff) {
			delete(r.byID, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (r *sessions) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
