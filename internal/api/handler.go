// Package api provides HTTP handlers for the vault chat gateway.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
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

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// TranscriptLookup resolves transcript citations. It is satisfied by
// *transcript.Client.
type TranscriptLookup interface {
	Get(ctx context.Context, id string) (*domain.Transcript, error)
	Resolve(ctx context.Context, cite chatobject.TranscriptCitation) (transcript.Excerpt, error)
}

// Handler serves the chat and transcript endpoints.
type Handler struct {
	chat        *chat.Assembler
	repo        store.Repository
	transcripts TranscriptLookup
	limiter     *RateLimiter
	cfg         *config.Config
	logger      *slog.Logger
}

// NewHandler creates a Handler. A nil cfg uses built-in defaults.
func NewHandler(assembler *chat.Assembler, repo store.Repository, transcripts TranscriptLookup, cfg *config.Config) *Handler {
	requests, window := 20, time.Minute
	if cfg != nil {
		requests = cfg.RateLimit.RequestsPerWindow
		window = cfg.RateLimit.WindowDuration
	}
	return &Handler{
		chat:        assembler,
		repo:        repo,
		transcripts: transcripts,
		limiter:     NewRateLimiter(requests, window),
		cfg:         cfg,
		logger:      slog.Default(),
	}
}

// RegisterRoutes registers the authenticated API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware())

		r.Route("/api/chat", func(r chi.Router) {
			r.Get("/sessions", h.ListSessions)
			r.Get("/sessions/{sessionID}/messages", h.ListMessages)
			r.Post("/sessions/{sessionID}/turns", h.StartTurn)
			r.Delete("/turns/{turnID}", h.CancelTurn)
		})
		r.Route("/api/transcripts", func(r chi.Router) {
			r.Get("/{transcriptID}", h.GetTranscript)
			r.Get("/{transcriptID}/chunks/{chunkIndex}", h.GetExcerpt)
		})
		r.Get("/ws/chat", h.ServeChatSocket)
	})
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	h.limiter.Close()
}

func (h *Handler) maxBodySize() int64 {
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		return h.cfg.SSE.MaxRequestBodySize
	}
	return defaultMaxRequestBodySize
}

func (h *Handler) keepaliveInterval() time.Duration {
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		return h.cfg.SSE.KeepaliveInterval
	}
	return 10 * time.Second
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// upstreamError maps an upstream failure to a response. Expired
// credentials become 401 with reason "reauthenticate" so the client can
// send the user through sign-in again.
func upstreamError(w http.ResponseWriter, err error) {
	switch chat.Classify(err) {
	case chat.ReasonReauthenticate:
		JSON(w, http.StatusUnauthorized, map[string]string{
			"error":  "authentication expired",
			"reason": string(chat.ReasonReauthenticate),
		})
	default:
		Error(w, http.StatusBadGateway, "upstream request failed")
	}
}
