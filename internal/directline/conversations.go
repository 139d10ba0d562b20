// ABOUTME: Conversation lifecycle routes for bots and DirectLine clients
// ABOUTME: Create, start with a scoped token, inspect, update membership, and close

package directline

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/directline-gateway/internal/auth"
	"github.com/2389/directline-gateway/internal/store"
)

// maxControlBytes caps small JSON control bodies.
const maxControlBytes = 64 << 10

// ConversationParameters is the body of a bot-initiated create. BotURL and
// MsaAppID register the bot endpoint the conversation delivers to; without
// BotURL the configured endpoint is used.
type ConversationParameters struct {
	Bot       *store.ChannelAccount  `json:"bot,omitempty"`
	Members   []store.ChannelAccount `json:"members,omitempty"`
	IsGroup   bool                   `json:"isGroup,omitempty"`
	TopicName string                 `json:"topicName,omitempty"`
	Activity  *store.Activity        `json:"activity,omitempty"`
	BotURL    string                 `json:"botUrl,omitempty"`
	MsaAppID  string                 `json:"msaAppId,omitempty"`
}

// ConversationResourceResponse answers a bot-initiated create.
type ConversationResourceResponse struct {
	ID         string `json:"id"`
	ActivityID string `json:"activityId,omitempty"`
	ServiceURL string `json:"serviceUrl"`
}

// StartConversationRequest is the optional body of a DirectLine start.
type StartConversationRequest struct {
	User *store.ChannelAccount `json:"user,omitempty"`
}

// ConversationInfo describes a DirectLine conversation to its client.
type ConversationInfo struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token,omitempty"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
	StreamURL      string `json:"streamUrl,omitempty"`
	Watermark      string `json:"watermark,omitempty"`
}

// UpdateConversationRequest is the body of updateConversation.
type UpdateConversationRequest struct {
	UserID  string                 `json:"userId,omitempty"`
	Members []store.ChannelAccount `json:"members,omitempty"`
}

// handleCreateConversation handles POST /v3/conversations.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var params ConversationParameters
	if err := decodeBody(w, r, maxActivityBytes, &params); err != nil {
		writeError(w, CodeMalformedRequest, err.Error())
		return
	}

	bot := s.botAccount()
	if params.Bot != nil && params.Bot.ID != "" {
		bot = *params.Bot
		bot.Role = store.RoleBot
	}

	endpoint, err := s.registerBotEndpoint(params, bot.ID)
	if err != nil {
		writeError(w, CodeMalformedRequest, err.Error())
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), store.CreateConversationParams{
		BotEndpoint: endpoint,
		Bot:         bot,
		Members:     params.Members,
	})
	if err != nil {
		s.errorFromStore(w, r, err)
		return
	}

	resp := ConversationResourceResponse{ID: conv.ID, ServiceURL: s.serviceURL(r)}
	if params.Activity != nil {
		if params.Activity.Type == "" {
			params.Activity.Type = store.ActivityTypeMessage
		}
		if params.Activity.From.ID == "" {
			params.Activity.From = bot
		}
		stored, err := s.appendAndNotify(r, conv, params.Activity)
		if err != nil {
			s.errorFromStore(w, r, err)
			return
		}
		resp.ActivityID = stored.ID
	}

	botURL := ""
	if endpoint != nil {
		botURL = endpoint.BotURL
	}
	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"bot_id", bot.ID,
		"bot_url", botURL,
		"members", len(params.Members))
	writeJSON(w, http.StatusCreated, resp)
}

// handleStartConversation handles POST /v3/directline/conversations. It is the
// trust boundary of a session: the token it returns is scoped to the new
// conversation and authorizes every later call from this client.
func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := decodeBody(w, r, maxControlBytes, &req); err != nil {
		writeError(w, CodeMalformedRequest, err.Error())
		return
	}

	user := store.ChannelAccount{ID: "dl_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12], Role: store.RoleUser}
	if req.User != nil && req.User.ID != "" {
		user = *req.User
		user.Role = store.RoleUser
	}
	bot := s.botAccount()

	conv, err := s.store.CreateConversation(r.Context(), store.CreateConversationParams{
		BotEndpoint: s.botEndpoint(),
		Bot:         bot,
		Members:     []store.ChannelAccount{user},
	})
	if err != nil {
		s.errorFromStore(w, r, err)
		return
	}

	info := ConversationInfo{
		ConversationID: conv.ID,
		StreamURL:      s.streamURL(r, conv.ID),
	}
	if s.tokens != nil {
		token, err := s.tokens.Generate(user.ID, conv.ID, s.cfg.TokenTTL)
		if err != nil {
			s.errorFromStore(w, r, err)
			return
		}
		info.Token = token
		info.ExpiresIn = int(s.cfg.TokenTTL.Seconds())
	}

	joined, err := s.appendAndNotify(r, conv, &store.Activity{
		Type:         store.ActivityTypeConversationUpdate,
		From:         user,
		Recipient:    &bot,
		MembersAdded: []store.ChannelAccount{bot, user},
	})
	if err != nil {
		s.errorFromStore(w, r, err)
		return
	}
	// the client can still talk to the conversation if the bot is down
	if err := s.deliver(r, conv, joined); err != nil {
		s.logger.Warn("bot did not receive conversationUpdate",
			"conversation_id", conv.ID,
			"error", err)
	}

	s.logger.Info("directline conversation started",
		"conversation_id", conv.ID,
		"user_id", user.ID)
	writeJSON(w, http.StatusCreated, info)
}

// handleGetConversation handles GET /v3/directline/conversations/{conversationId}.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv := conversationFrom(r)
	writeJSON(w, http.StatusOK, ConversationInfo{
		ConversationID: conv.ID,
		StreamURL:      s.streamURL(r, conv.ID),
		Watermark:      store.FormatWatermark(conv.Watermark()),
	})
}

// handleUpdateConversation handles PUT /conversations/{conversationId}/updateConversation.
// It appends a conversationUpdate announcing the members and forwards it to the bot.
func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	conv := conversationFrom(r)

	var req UpdateConversationRequest
	if err := decodeBody(w, r, maxControlBytes, &req); err != nil {
		writeError(w, CodeMalformedRequest, err.Error())
		return
	}

	members := req.Members
	if len(members) == 0 {
		members = conv.Members
	}
	from := store.ChannelAccount{ID: req.UserID, Role: store.RoleUser}
	if from.ID == "" && len(members) > 0 {
		from = members[0]
	}
	if from.ID == "" {
		writeError(w, CodeMalformedRequest, "userId or members is required")
		return
	}
	bot := conv.Bot

	update, err := s.appendAndNotify(r, conv, &store.Activity{
		Type:         store.ActivityTypeConversationUpdate,
		From:         from,
		Recipient:    &bot,
		MembersAdded: append([]store.ChannelAccount{bot}, members...),
	})
	if err != nil {
		s.errorFromStore(w, r, err)
		return
	}
	if err := s.deliver(r, conv, update); err != nil {
		writeError(w, CodeBotUnreachable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ResourceResponse{ID: update.ID})
}

// handleCloseConversation handles POST /v3/directline/conversations/{conversationId}/close.
// The endOfConversation activity is the last one the log accepts.
func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	conv := conversationFrom(r)

	from := store.ChannelAccount{Role: store.RoleUser}
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		from.ID = authCtx.Subject
	}
	if from.ID == "" && len(conv.Members) > 0 {
		from = conv.Members[0]
	}
	bot := conv.Bot

	end, err := s.store.EndConversation(r.Context(), conv.ID, &store.Activity{
		Type:       store.ActivityTypeEndOfConversation,
		From:       from,
		Recipient:  &bot,
		ServiceURL: s.serviceURL(r),
	})
	if err != nil {
		s.errorFromStore(w, r, err)
		return
	}
	if s.notifier != nil {
		s.notifier.NotifyActivity(conv.ID, end.Watermark)
	}
	if err := s.deliver(r, conv, end); err != nil {
		s.logger.Warn("bot did not receive endOfConversation",
			"conversation_id", conv.ID,
			"error", err)
	}

	s.logger.Info("conversation closed", "conversation_id", conv.ID)
	writeJSON(w, http.StatusOK, ResourceResponse{ID: end.ID})
}

// WebsocketPortResponse answers GET /conversations/ws/port.
type WebsocketPortResponse struct {
	Port int `json:"port"`
}

// handleWebsocketPort handles GET /conversations/ws/port.
func (s *Server) handleWebsocketPort(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, WebsocketPortResponse{Port: int(s.wsPort.Load())})
}

func (s *Server) botEndpoint() *store.BotEndpoint {
	if s.cfg.Bot == nil {
		return nil
	}
	ep := *s.cfg.Bot
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	return &ep
}

// registerBotEndpoint builds the endpoint named in a create request, falling
// back to the configured one when the request names no bot URL.
func (s *Server) registerBotEndpoint(params ConversationParameters, botID string) (*store.BotEndpoint, error) {
	if params.BotURL == "" {
		return s.botEndpoint(), nil
	}
	u, err := url.Parse(params.BotURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("botUrl must be an absolute http(s) URL: %q", params.BotURL)
	}
	return &store.BotEndpoint{
		ID:     uuid.New().String(),
		BotID:  botID,
		BotURL: params.BotURL,
		AppID:  params.MsaAppID,
	}, nil
}

func (s *Server) botAccount() store.ChannelAccount {
	id := "bot"
	if s.cfg.Bot != nil && s.cfg.Bot.BotID != "" {
		id = s.cfg.Bot.BotID
	}
	return store.ChannelAccount{ID: id, Name: "Bot", Role: store.RoleBot}
}

// serviceURL is the configured public URL, or one derived from the request.
func (s *Server) serviceURL(r *http.Request) string {
	if s.cfg.ServiceURL != "" {
		return strings.TrimRight(s.cfg.ServiceURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// streamURL is the websocket URL a DirectLine client connects to for conversationID.
func (s *Server) streamURL(r *http.Request, conversationID string) string {
	base := s.cfg.StreamURL
	if base == "" {
		port := s.wsPort.Load()
		if port == 0 {
			return ""
		}
		host := r.Host
		if h, _, err := net.SplitHostPort(r.Host); err == nil {
			host = h
		}
		base = "ws://" + net.JoinHostPort(host, strconv.FormatInt(port, 10)) + "/ws"
	}
	return base + "?conversationId=" + conversationID
}
