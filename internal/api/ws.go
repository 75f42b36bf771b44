package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/TBVault/tbv-frontend-sub000/internal/chat"
	"github.com/TBVault/tbv-frontend-sub000/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// socketMessage is a client frame on /ws/chat.
type socketMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
}

// ServeChatSocket runs chat turns over one WebSocket connection. Client
// frames are "start", "cancel" and "ping"; server frames use the same
// event envelope as the SSE endpoint, tagged with their turn id. Closing
// the connection cancels every turn it started.
func (h *Handler) ServeChatSocket(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.logger.Info("Chat socket connected", "ip", identity.IPFromRequest(r))

	out := newEventSink(ctx.Done())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.socketWriteLoop(ctx, ws, out)
	}()

	h.socketReadLoop(ctx, ws, out)
	cancel()
	<-writerDone
	h.logger.Info("Chat socket closed")
}

func (h *Handler) socketReadLoop(ctx context.Context, ws *websocket.Conn, out *eventSink) {
	owner := identity.OwnerFromContext(ctx)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("Chat socket closed by client")
			} else {
				h.logger.Warn("Chat socket read error", "error", err)
			}
			return
		}

		var msg socketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			out.send(event{Type: eventError, Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "start":
			if !h.limiter.Allow(owner) {
				out.send(event{Type: eventError, SessionID: msg.SessionID, Error: "rate limit exceeded"})
				continue
			}
			h.startSocketTurn(ctx, owner, msg, out)
		case "cancel":
			if !h.cancelTurn(owner, msg.TurnID) {
				out.send(event{Type: eventError, TurnID: msg.TurnID, Error: "turn not found"})
			}
		case "ping":
			out.send(event{Type: eventPong})
		default:
			out.send(event{Type: eventError, Error: "unknown message type"})
		}
	}
}

// startSocketTurn starts a turn and forwards its events to out. Each turn has
// its own queue so the turn event precedes the turn's objects.
func (h *Handler) startSocketTurn(ctx context.Context, owner string, msg socketMessage, out *eventSink) {
	if msg.SessionID != "" && strings.TrimSpace(msg.Query) != "" {
		if err := h.touchSession(ctx, msg.SessionID, owner); err != nil {
			out.send(event{Type: eventError, SessionID: msg.SessionID, Error: startErrorMessage(err)})
			return
		}
	}

	in := newEventSink(ctx.Done())
	turn, err := h.chat.StartTurn(ctx, msg.SessionID, msg.Query,
		chat.WithOwner(owner),
		chat.WithTurnObserver(in),
		chat.WithTurnTopicHandler(in.topic))
	if err != nil {
		out.send(event{Type: eventError, SessionID: msg.SessionID, Error: startErrorMessage(err)})
		return
	}
	in.follow(h, turn)
	h.logger.Info("Chat turn request", "turn_id", turn.ID(), "session_id", msg.SessionID, "transport", "websocket")

	out.send(startedEvent(turn))
	go func() {
		for {
			select {
			case ev := <-in.events:
				ev.TurnID = turn.ID()
				if !out.send(ev) || ev.final() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (h *Handler) socketWriteLoop(ctx context.Context, ws *websocket.Conn, out *eventSink) {
	for {
		select {
		case ev := <-out.events:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, ws, ev)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("Chat socket write error", "error", err)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg == nil || h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins() {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

func startErrorMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrTurnInProgress):
		return "a response is already streaming for this session"
	case errors.Is(err, chat.ErrEmptyQuery), errors.Is(err, chat.ErrMissingSession):
		return err.Error()
	case isForeignSession(err):
		return "session not found"
	default:
		return "failed to start turn"
	}
}
