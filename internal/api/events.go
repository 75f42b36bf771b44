package api

import (
	"context"
	"fmt"
	"io"

	"github.com/TBVault/tbv-frontend-sub000/internal/chat"
	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
)

// Event types pushed to streaming clients over SSE and WebSocket.
const (
	eventTurn   = "turn"
	eventObject = "object"
	eventTopic  = "topic"
	eventDone   = "done"
	eventError  = "error"
	eventPing   = "ping"
	eventPong   = "pong"
)

// eventQueueSize bounds how far a turn can run ahead of a slow client
// before the turn blocks.
const eventQueueSize = 256

// event is the envelope of every server push.
type event struct {
	Type               string             `json:"type"`
	TurnID             string             `json:"turn_id,omitempty"`
	SessionID          string             `json:"session_id,omitempty"`
	MessageID          string             `json:"message_id,omitempty"`
	UserMessageID      string             `json:"user_message_id,omitempty"`
	AssistantMessageID string             `json:"assistant_message_id,omitempty"`
	Object             *chatobject.Object `json:"object,omitempty"`
	Topic              string             `json:"topic,omitempty"`
	State              string             `json:"state,omitempty"`
	Display            *chat.Display      `json:"display,omitempty"`
	Reason             string             `json:"reason,omitempty"`
	Error              string             `json:"error,omitempty"`
}

func (e event) final() bool { return e.Type == eventDone || e.Type == eventError }

// eventSink queues turn output for one client connection. It observes the
// turn and never blocks past the connection's lifetime or, once follow is
// running, past the turn being stopped.
type eventSink struct {
	events chan event
	done   <-chan struct{}
	stop   chan struct{}
}

func newEventSink(done <-chan struct{}) *eventSink {
	return &eventSink{
		events: make(chan event, eventQueueSize),
		done:   done,
		stop:   make(chan struct{}),
	}
}

func (s *eventSink) send(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-s.stop:
		return false
	}
}

// sendFinal queues ev even after the turn stopped.
func (s *eventSink) sendFinal(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// ObjectAppended implements chat.Observer.
func (s *eventSink) ObjectAppended(messageID string, obj chatobject.Object) {
	s.send(event{Type: eventObject, MessageID: messageID, Object: &obj})
}

func (s *eventSink) topic(_ context.Context, sessionID, topic string) {
	s.send(event{Type: eventTopic, SessionID: sessionID, Topic: topic})
}

// follow queues the final event once turn ends. Object events are queued
// on the turn goroutine before Done closes, so the final event is last.
// When the turn stops, object delivery stops too, so a client that no
// longer reads cannot hold up Cancel.
func (s *eventSink) follow(h *Handler, turn *chat.Turn) {
	go func() {
		select {
		case <-turn.Stopped():
			close(s.stop)
		case <-s.done:
			return
		}
		select {
		case <-turn.Done():
			s.sendFinal(h.finalEvent(turn))
		case <-s.done:
		}
	}()
}

func startedEvent(turn *chat.Turn) event {
	return event{
		Type:               eventTurn,
		TurnID:             turn.ID(),
		SessionID:          turn.SessionID(),
		UserMessageID:      turn.UserMessageID(),
		AssistantMessageID: turn.AssistantMessageID(),
	}
}

// finalEvent describes a finished turn, with permanent message ids when the
// turn was stored.
func (h *Handler) finalEvent(turn *chat.Turn) event {
	state := turn.State()
	ev := event{
		Type:               eventDone,
		TurnID:             turn.ID(),
		SessionID:          turn.SessionID(),
		State:              state.String(),
		UserMessageID:      turn.UserMessageID(),
		AssistantMessageID: turn.AssistantMessageID(),
	}
	if userID, assistantID, ok := turn.PersistedIDs(); ok {
		ev.UserMessageID, ev.AssistantMessageID = userID, assistantID
	}
	if sess, ok := h.chat.Session(turn.SessionID()); ok {
		if msg, ok := sess.Message(ev.AssistantMessageID); ok {
			d := chat.Compose(msg.Content)
			ev.Display = &d
		}
	}
	if state == chat.StateFailed {
		ev.Type = eventError
		ev.Reason = string(chat.Classify(turn.Err()))
		ev.Error = publicMessage(turn.Err())
	}
	return ev
}

// publicMessage is the error text shown to clients.
func publicMessage(err error) string {
	switch chat.Classify(err) {
	case chat.ReasonReauthenticate:
		return "authentication expired"
	case chat.ReasonAborted:
		return "cancelled"
	default:
		return "the answer could not be completed"
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
