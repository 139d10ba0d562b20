// ABOUTME: Activity routes: bot posts and replies, DirectLine client posts, and watermark polling
// ABOUTME: Every append goes through accept, which applies the replay guard, notifies, and forwards to the bot

package directline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389/directline-gateway/internal/auth"
	"github.com/2389/directline-gateway/internal/dedupe"
	"github.com/2389/directline-gateway/internal/store"
)

// ResourceResponse is returned for every successful append.
type ResourceResponse struct {
	ID string `json:"id"`
}

// ActivitySet is the poll response.
type ActivitySet struct {
	Activities []*store.Activity `json:"activities"`
	Watermark  string            `json:"watermark"`
}

// handlePostActivity handles POST /v3/conversations/{conversationId}/activities.
func (s *Server) handlePostActivity(w http.ResponseWriter, r *http.Request) {
	activity, ok := s.decodeActivity(w, r)
	if !ok {
		return
	}
	if activity.From.Role == "" {
		activity.From.Role = store.RoleBot
	}
	s.accept(w, r, conversationFrom(r), activity)
}

// handleReplyToActivity handles POST /v3/conversations/{conversationId}/activities/{activityId}.
func (s *Server) handleReplyToActivity(w http.ResponseWriter, r *http.Request) {
	activity, ok := s.decodeActivity(w, r)
	if !ok {
		return
	}
	if activity.From.Role == "" {
		activity.From.Role = store.RoleBot
	}
	activity.ReplyToID = chi.URLParam(r, "activityId")
	s.accept(w, r, conversationFrom(r), activity)
}

// handleClientActivity handles POST /v3/directline/conversations/{conversationId}/activities.
// Activities arriving here always come from the user side.
func (s *Server) handleClientActivity(w http.ResponseWriter, r *http.Request) {
	activity, ok := s.decodeActivity(w, r)
	if !ok {
		return
	}
	activity.From.Role = store.RoleUser
	if activity.From.ID == "" {
		if authCtx := auth.FromContext(r.Context()); authCtx != nil && authCtx.Subject != "" {
			activity.From.ID = authCtx.Subject
		}
	}
	s.accept(w, r, conversationFrom(r), activity)
}

// handleListActivities handles GET /v3/directline/conversations/{conversationId}/activities.
// A missing, malformed or negative watermark reads from the start.
func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	conv := conversationFrom(r)
	since := store.ParseWatermark(r.URL.Query().Get("watermark"))

	activities, watermark, err := s.store.ListActivitiesSince(r.Context(), conv.ID, since)
	if err != nil {
		s.errorFromStore(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActivitySet{
		Activities: activities,
		Watermark:  store.FormatWatermark(watermark),
	})
}

// decodeActivity reads an activity body, answering MalformedRequest on failure.
func (s *Server) decodeActivity(w http.ResponseWriter, r *http.Request) (*store.Activity, bool) {
	var activity store.Activity
	if err := decodeBody(w, r, maxActivityBytes, &activity); err != nil {
		writeError(w, CodeMalformedRequest, err.Error())
		return nil, false
	}
	if activity.Type == "" {
		writeError(w, CodeMalformedRequest, "activity type is required")
		return nil, false
	}
	return &activity, true
}

// accept appends activity to conv and writes the response. A post repeating a
// client activity id already seen gets the original id back and consumes no
// watermark. User activities are forwarded to the bot after the append; a
// delivery failure is reported as BotUnreachable but the activity stays.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, conv *store.Conversation, activity *store.Activity) {
	ctx := r.Context()

	var replayKey string
	if clientID := activity.ClientActivityID(); clientID != "" && s.replay != nil {
		replayKey = dedupe.Key(conv.ID, clientID)
		switch state, id := s.replay.Reserve(replayKey); state {
		case dedupe.Done:
			writeJSON(w, http.StatusOK, ResourceResponse{ID: id})
			return
		case dedupe.Pending:
			writeError(w, CodeDuplicateActivity, fmt.Sprintf("activity %q is already being posted", clientID))
			return
		}
		// the cache may have expired an id the log still holds
		if existing, err := s.store.FindByClientActivityID(ctx, conv.ID, clientID); err == nil {
			s.replay.Complete(replayKey, existing.ID)
			writeJSON(w, http.StatusOK, ResourceResponse{ID: existing.ID})
			return
		}
	}

	stored, err := s.appendAndNotify(r, conv, activity)
	if err != nil {
		if replayKey != "" {
			s.replay.Release(replayKey)
		}
		s.errorFromStore(w, r, err)
		return
	}
	if replayKey != "" {
		s.replay.Complete(replayKey, stored.ID)
	}

	if stored.From.Role == store.RoleUser {
		if err := s.deliver(r, conv, stored); err != nil {
			writeError(w, CodeBotUnreachable, fmt.Sprintf("activity %s stored but not delivered: %v", stored.ID, err))
			return
		}
	}

	writeJSON(w, http.StatusOK, ResourceResponse{ID: stored.ID})
}

// appendAndNotify stamps the service URL, appends, and signals listeners.
func (s *Server) appendAndNotify(r *http.Request, conv *store.Conversation, activity *store.Activity) (*store.Activity, error) {
	activity.ServiceURL = s.serviceURL(r)
	stored, err := s.store.AppendActivity(r.Context(), conv.ID, activity)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.NotifyActivity(conv.ID, stored.Watermark)
	}
	return stored, nil
}

// deliver forwards activity to the conversation's bot, if any.
func (s *Server) deliver(r *http.Request, conv *store.Conversation, activity *store.Activity) error {
	if s.bot == nil {
		return nil
	}
	return s.bot.Deliver(r.Context(), conv.BotEndpoint, activity)
}

var errBodyTooLarge = errors.New("request body too large")

// decodeBody decodes a JSON body of at most limit bytes into v. An empty
// body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
