package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
	"github.com/TBVault/tbv-frontend-sub000/internal/transcript"
)

// GetTranscript handles GET /api/transcripts/{transcriptID}.
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transcriptID")
	t, err := h.transcripts.Get(r.Context(), id)
	if err != nil {
		h.transcriptError(w, id, err)
		return
	}
	JSON(w, http.StatusOK, t)
}

// GetExcerpt handles GET /api/transcripts/{transcriptID}/chunks/{chunkIndex}.
// A chunk index of -1 returns the transcript summary.
func (h *Handler) GetExcerpt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transcriptID")
	index, err := strconv.Atoi(chi.URLParam(r, "chunkIndex"))
	if err != nil || index < chatobject.SummaryChunkIndex {
		Error(w, http.StatusBadRequest, "invalid chunk index")
		return
	}

	ex, err := h.transcripts.Resolve(r.Context(), chatobject.TranscriptCitation{TranscriptID: id, ChunkIndex: index})
	if err != nil {
		h.transcriptError(w, id, err)
		return
	}
	JSON(w, http.StatusOK, ex)
}

func (h *Handler) transcriptError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, transcript.ErrNotFound) {
		Error(w, http.StatusNotFound, "transcript not found")
		return
	}
	h.logger.Warn("Transcript lookup failed", "transcript_id", id, "error", err)
	upstreamError(w, err)
}
