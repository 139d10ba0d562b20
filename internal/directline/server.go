// ABOUTME: DirectLine-compatible HTTP transport built on chi
// ABOUTME: Wires the connector routes, the DirectLine client routes, and the request middleware

package directline

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/directline-gateway/internal/auth"
	"github.com/2389/directline-gateway/internal/dedupe"
	"github.com/2389/directline-gateway/internal/store"
)

const (
	// DefaultMaxAttachmentBytes caps a decoded attachment when no limit is configured.
	DefaultMaxAttachmentBytes = 4 << 20

	// DefaultTokenTTL is the lifetime of conversation tokens issued on start.
	DefaultTokenTTL = 30 * time.Minute

	// maxActivityBytes caps the JSON body of an activity post.
	maxActivityBytes = 1 << 20
)

// Notifier is told about every append. It must not block.
type Notifier interface {
	NotifyActivity(conversationID string, watermark int64)
}

// BotDeliverer forwards user activities to the conversation's bot.
type BotDeliverer interface {
	Deliver(ctx context.Context, endpoint *store.BotEndpoint, activity *store.Activity) error
}

// TokenIssuer mints conversation-scoped tokens for DirectLine clients.
type TokenIssuer interface {
	Generate(subject, conversationID string, expiresIn time.Duration) (string, error)
}

// Config holds transport settings.
type Config struct {
	// ServiceURL is the externally reachable base URL of this server. It is
	// stamped on activities and used to build attachment URLs.
	ServiceURL string
	// StreamURL is the websocket URL handed to DirectLine clients. When empty
	// it is derived from the request host and the websocket port.
	StreamURL          string
	MaxAttachmentBytes int64
	TokenTTL           time.Duration
	// Bot is the endpoint used for conversations that do not name one.
	Bot *store.BotEndpoint
}

// Deps are the collaborators the transport drives. Replay, Tokens and Bot may be nil.
type Deps struct {
	Store       store.ConversationStore
	Transcripts store.TranscriptStore
	Gate        *auth.Gate
	Notifier    Notifier
	Bot         BotDeliverer
	Tokens      TokenIssuer
	Replay      *dedupe.Cache
	Logger      *slog.Logger
}

// Server serves the DirectLine and connector HTTP surface.
type Server struct {
	cfg         Config
	store       store.ConversationStore
	transcripts store.TranscriptStore
	gate        *auth.Gate
	notifier    Notifier
	bot         BotDeliverer
	tokens      TokenIssuer
	replay      *dedupe.Cache
	wsPort      atomic.Int64
	logger      *slog.Logger
}

// New creates a transport server.
func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	gate := deps.Gate
	if gate == nil {
		gate = auth.NewGate(nil, logger)
	}
	return &Server{
		cfg:         cfg,
		store:       deps.Store,
		transcripts: deps.Transcripts,
		gate:        gate,
		notifier:    deps.Notifier,
		bot:         deps.Bot,
		tokens:      deps.Tokens,
		replay:      deps.Replay,
		logger:      logger.With("component", "directline"),
	}
}

// SetWebsocketPort records the port the notifier listener is bound to.
func (s *Server) SetWebsocketPort(port int) {
	s.wsPort.Store(int64(port))
}

// Router builds the chi router with middleware and every route registered.
// Callers may add further routes (health checks) to the returned router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(cors)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, CodeNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, CodeMethodNotAllowed, r.Method+" is not supported on "+r.URL.Path)
	})

	gated := s.gate.Middleware

	// Connector surface used by bots. Conversation-scoped client tokens are refused.
	r.With(gated, requireBot).Post("/v3/conversations", s.handleCreateConversation)
	r.Route("/v3/conversations/{conversationId}", func(r chi.Router) {
		r.Use(s.withConversation)
		r.With(gated, requireBot).Post("/activities", s.handlePostActivity)
		r.With(gated, requireBot).Post("/activities/{activityId}", s.handleReplyToActivity)
		r.With(gated, requireBot).Post("/attachments", s.handleUploadAttachment)
	})

	r.Get("/conversations/ws/port", s.handleWebsocketPort)
	r.With(s.withConversation, gated, s.requireAccess).Put("/conversations/{conversationId}/updateConversation", s.handleUpdateConversation)
	r.With(s.withConversation).Post("/conversations/{conversationId}/saveTranscript", s.handleSaveTranscript)
	r.Get("/conversations/{conversationId}/transcripts", s.handleGetTranscript)

	// DirectLine client surface used by webchat.
	r.Post("/v3/directline/conversations", s.handleStartConversation)
	r.Route("/v3/directline/conversations/{conversationId}", func(r chi.Router) {
		r.Use(s.withConversation)
		r.With(gated, s.requireAccess).Get("/", s.handleGetConversation)
		r.Get("/activities", s.handleListActivities)
		r.With(gated, s.requireAccess).Post("/activities", s.handleClientActivity)
		r.With(gated, s.requireAccess).Post("/close", s.handleCloseConversation)
	})

	r.Get("/v3/attachments/{attachmentId}", s.handleAttachmentInfo)
	r.Get("/v3/attachments/{attachmentId}/views/{viewId}", s.handleAttachmentView)

	return r
}

type conversationKey struct{}

// withConversation resolves {conversationId} and stores the conversation on
// the request context, answering ConversationNotFound otherwise.
func (s *Server) withConversation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conv, err := s.store.GetConversation(r.Context(), chi.URLParam(r, "conversationId"))
		if err != nil {
			s.errorFromStore(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), conversationKey{}, conv)))
	})
}

// requireAccess rejects conversation-scoped tokens used against another conversation.
func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := auth.FromContext(r.Context())
		conv := conversationFrom(r)
		if authCtx != nil && conv != nil && !authCtx.CanAccess(conv.ID) {
			writeError(w, CodeUnauthorized, "token is not valid for this conversation")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireBot admits only tokens that are not scoped to a conversation, plus
// anonymous callers when the gate is open.
func requireBot(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authCtx := auth.FromContext(r.Context()); authCtx != nil && authCtx.ConversationID != "" {
			writeError(w, CodeUnauthorized, "conversation tokens cannot use the connector API")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func conversationFrom(r *http.Request) *store.Conversation {
	conv, _ := r.Context().Value(conversationKey{}).(*store.Conversation)
	return conv
}

// requestLogger logs one line per request in the component logger's format.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// recoverer turns a handler panic into a logged InternalError response.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("handler panicked",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rec,
				"stack", string(debug.Stack()),
				"request_id", middleware.GetReqID(r.Context()))
			if r.Header.Get("Connection") != "Upgrade" {
				writeError(w, CodeInternalError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// cors lets browser-hosted webchat call the server from any origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, x-ms-bot-agent")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
