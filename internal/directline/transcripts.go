// ABOUTME: Transcript routes: snapshot a conversation and fetch the latest snapshot
// ABOUTME: Snapshots are deep copies, so later appends never change a saved transcript

package directline

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/2389/directline-gateway/internal/store"
	"github.com/2389/directline-gateway/internal/transcript"
)

// TranscriptResponse is the JSON form of a saved transcript.
type TranscriptResponse struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SavedAt        time.Time         `json:"savedAt"`
	Activities     []*store.Activity `json:"activities"`
}

func transcriptResponse(t *store.Transcript) TranscriptResponse {
	activities := t.Activities
	if activities == nil {
		activities = []*store.Activity{}
	}
	return TranscriptResponse{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		SavedAt:        t.SavedAt,
		Activities:     activities,
	}
}

// handleSaveTranscript handles POST /conversations/{conversationId}/saveTranscript.
func (s *Server) handleSaveTranscript(w http.ResponseWriter, r *http.Request) {
	conv := conversationFrom(r)

	activities, err := s.store.SnapshotActivities(r.Context(), conv.ID)
	if err != nil {
		s.errorFromStore(w, r, err)
		return
	}

	t := &store.Transcript{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SavedAt:        time.Now().UTC(),
		Activities:     activities,
	}
	if err := s.transcripts.SaveTranscript(r.Context(), t); err != nil {
		s.errorFromStore(w, r, err)
		return
	}

	s.logger.Info("transcript saved",
		"conversation_id", conv.ID,
		"transcript_id", t.ID,
		"activities", len(activities))
	writeJSON(w, http.StatusOK, transcriptResponse(t))
}

// handleGetTranscript handles GET /conversations/{conversationId}/transcripts.
// ?format=html returns a rendered page instead of JSON.
func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	t, err := s.transcripts.LatestTranscript(r.Context(), chi.URLParam(r, "conversationId"))
	if err != nil {
		s.errorFromStore(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "html" {
		var buf bytes.Buffer
		if err := transcript.RenderHTML(&buf, t); err != nil {
			s.errorFromStore(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = buf.WriteTo(w)
		return
	}

	writeJSON(w, http.StatusOK, transcriptResponse(t))
}
