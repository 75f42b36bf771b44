package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/TBVault/tbv-frontend-sub000/internal/chat"
	"github.com/TBVault/tbv-frontend-sub000/internal/domain"
	"github.com/TBVault/tbv-frontend-sub000/internal/identity"
	"github.com/TBVault/tbv-frontend-sub000/internal/store"
)

// titleWriteTimeout bounds the store write of an inferred session title.
const titleWriteTimeout = 5 * time.Second

// TurnRequest is the body of POST /api/chat/sessions/{sessionID}/turns.
type TurnRequest struct {
	Query string `json:"query"`
}

// StartTurn handles POST /api/chat/sessions/{sessionID}/turns. The answer is
// streamed as server-sent events; closing the connection cancels the turn.
//
//nolint:gocyclo // Validation and streaming branches are kept inline to preserve request flow.
func (h *Handler) StartTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	owner := identity.OwnerFromContext(r.Context())

	if !h.limiter.Allow(owner) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		Error(w, http.StatusBadRequest, "query is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	if err := h.touchSession(ctx, sessionID, owner); err != nil {
		h.turnStartError(w, err)
		return
	}

	sink := newEventSink(ctx.Done())
	turn, err := h.chat.StartTurn(ctx, sessionID, req.Query,
		chat.WithOwner(owner),
		chat.WithTurnObserver(sink),
		chat.WithTurnTopicHandler(sink.topic))
	if err != nil {
		h.turnStartError(w, err)
		return
	}
	sink.follow(h, turn)

	h.logger.Info("Chat turn request",
		"turn_id", turn.ID(),
		"session_id", sessionID,
		"request_id", chiMiddleware.GetReqID(ctx),
		"ip", identity.IPFromRequest(r),
		"query_length", len(req.Query),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var eventID int64
	write := func(ev event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("failed to marshal chat event", "error", err, "type", ev.Type)
			return true
		}
		eventID++
		if err := writeSSEWithID(w, eventID, ev.Type, string(data)); err != nil {
			h.logger.Warn("failed to write SSE event", "error", err, "turn_id", turn.ID())
			return false
		}
		flusher.Flush()
		return true
	}

	if !write(startedEvent(turn)) {
		return
	}

	keepalive := time.NewTicker(h.keepaliveInterval())
	defer keepalive.Stop()

	for {
		select {
		case ev := <-sink.events:
			if !write(ev) || ev.final() {
				return
			}
		case <-keepalive.C:
			if err := writeSSE(w, eventPing, `{"status":"alive"}`); err != nil {
				h.logger.Warn("failed to write SSE keepalive ping", "error", err, "turn_id", turn.ID())
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			h.logger.Info("Chat stream disconnected", "turn_id", turn.ID(), "session_id", sessionID)
			return
		}
	}
}

func (h *Handler) turnStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrTurnInProgress):
		Error(w, http.StatusConflict, startErrorMessage(err))
	case errors.Is(err, chat.ErrEmptyQuery), errors.Is(err, chat.ErrMissingSession):
		Error(w, http.StatusBadRequest, startErrorMessage(err))
	case isForeignSession(err):
		Error(w, http.StatusNotFound, startErrorMessage(err))
	default:
		h.logger.Error("failed to start chat turn", "error", err)
		Error(w, http.StatusInternalServerError, startErrorMessage(err))
	}
}

// isForeignSession reports whether err means the session belongs to
// someone else. Such sessions are reported as missing.
func isForeignSession(err error) bool {
	return errors.Is(err, chat.ErrNotOwner) || errors.Is(err, store.ErrSessionOwned)
}

// touchSession records the session for owner so its title can be stored
// once a topic is inferred. Only a session held by another owner is an
// error; other store failures are logged and the turn goes ahead.
func (h *Handler) touchSession(ctx context.Context, sessionID, owner string) error {
	if h.repo == nil {
		return nil
	}
	err := h.repo.UpsertSession(ctx, &domain.ChatSession{PublicID: sessionID, Owner: owner})
	if errors.Is(err, store.ErrSessionOwned) {
		h.logger.Warn("chat session owned by another user", "session_id", sessionID)
		return err
	}
	if err != nil {
		h.logger.Warn("failed to record chat session", "session_id", sessionID, "error", err)
	}
	return nil
}

// SessionTitleHandler stores each inferred topic as the session title.
func SessionTitleHandler(repo store.Repository, logger *slog.Logger) chat.TopicFunc {
	return func(ctx context.Context, sessionID, topic string) {
		// The turn may end right after its topic arrives.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), titleWriteTimeout)
		defer cancel()
		if err := repo.SetSessionTitle(ctx, sessionID, topic); err != nil {
			logger.Warn("Failed to store session title", "session_id", sessionID, "error", err)
		}
	}
}

// CancelTurn handles DELETE /api/chat/turns/{turnID}.
func (h *Handler) CancelTurn(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")
	if !h.cancelTurn(identity.OwnerFromContext(r.Context()), turnID) {
		Error(w, http.StatusNotFound, "turn not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cancelTurn cancels the owner's running turn and reports whether there
// was one.
func (h *Handler) cancelTurn(owner, turnID string) bool {
	turn, ok := h.chat.Turn(turnID)
	if !ok || turn.Owner() != owner {
		return false
	}
	return turn.Cancel()
}

// ListSessions handles GET /api/chat/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			Error(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	sessions, err := h.repo.ListSessions(r.Context(), identity.OwnerFromContext(r.Context()), limit)
	if err != nil {
		h.logger.Error("failed to list chat sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.ChatSession{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// messageView is a message with its rendered form for assistant messages.
type messageView struct {
	domain.Message
	Display *chat.Display `json:"display,omitempty"`
}

// ListMessages handles GET /api/chat/sessions/{sessionID}/messages. A live
// session answers from memory, including a turn still streaming; otherwise
// stored history is returned. Sessions of other owners are not found.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	owner := identity.OwnerFromContext(r.Context())

	var (
		messages []domain.Message
		activeID string
	)
	if sess, ok := h.chat.Session(sessionID); ok {
		if sess.Owner() != owner {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		messages = sess.Messages()
		if turn, busy := sess.ActiveTurn(); busy {
			activeID = turn.ID()
		}
	} else {
		session, err := h.repo.GetSession(r.Context(), sessionID)
		if err != nil {
			h.logger.Error("failed to load chat session", "session_id", sessionID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to list messages")
			return
		}
		if session != nil && session.Owner != owner {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		stored, err := h.repo.ListMessages(r.Context(), sessionID)
		if err != nil {
			h.logger.Error("failed to list chat messages", "session_id", sessionID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to list messages")
			return
		}
		messages = stored
	}

	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		v := messageView{Message: m}
		if m.Role == domain.RoleAssistant {
			d := chat.Compose(m.Content)
			v.Display = &d
		}
		views = append(views, v)
	}

	resp := map[string]interface{}{
		"session_id": sessionID,
		"messages":   views,
	}
	if activeID != "" {
		resp["active_turn_id"] = activeID
	}
	JSON(w, http.StatusOK, resp)
}
