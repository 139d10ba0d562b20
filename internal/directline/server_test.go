// ABOUTME: Shared fixtures for transport tests plus router-level checks
// ABOUTME: Builds a Server over the in-memory stores with recording collaborators

package directline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/directline-gateway/internal/auth"
	"github.com/2389/directline-gateway/internal/botclient"
	"github.com/2389/directline-gateway/internal/dedupe"
	"github.com/2389/directline-gateway/internal/store"
)

var testSecret = []byte("directline-test-secret-0123456789")

type notification struct {
	conversationID string
	watermark      int64
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *recordingNotifier) NotifyActivity(conversationID string, watermark int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{conversationID, watermark})
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.calls...)
}

type recordingBot struct {
	mu        sync.Mutex
	delivered []*store.Activity
	endpoints []*store.BotEndpoint
	fail      bool
}

func (b *recordingBot) Deliver(ctx context.Context, endpoint *store.BotEndpoint, activity *store.Activity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.Join(botclient.ErrBotUnreachable, errors.New("connection refused"))
	}
	b.delivered = append(b.delivered, activity.Clone())
	b.endpoints = append(b.endpoints, endpoint)
	return nil
}

func (b *recordingBot) all() []*store.Activity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*store.Activity(nil), b.delivered...)
}

func (b *recordingBot) allEndpoints() []*store.BotEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*store.BotEndpoint(nil), b.endpoints...)
}

type testEnv struct {
	t           *testing.T
	server      *Server
	handler     http.Handler
	store       *store.MemoryStore
	transcripts *store.MemoryTranscriptStore
	verifier    *auth.JWTVerifier
	notifier    *recordingNotifier
	bot         *recordingBot
	botToken    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	verifier, err := auth.NewJWTVerifier(testSecret, "", "")
	require.NoError(t, err)
	botToken, err := verifier.Generate("bot-1", "", time.Hour)
	require.NoError(t, err)

	replay := dedupe.New(time.Minute, 100)
	t.Cleanup(replay.Close)

	env := &testEnv{
		t:           t,
		store:       store.NewMemoryStore(nil),
		transcripts: store.NewMemoryTranscriptStore(),
		verifier:    verifier,
		notifier:    &recordingNotifier{},
		bot:         &recordingBot{},
		botToken:    botToken,
	}
	env.server = New(Config{
		ServiceURL:         "http://localhost:3978",
		MaxAttachmentBytes: 1024,
		Bot:                &store.BotEndpoint{BotID: "bot-1", BotURL: "http://bot.invalid/api/messages"},
	}, Deps{
		Store:       env.store,
		Transcripts: env.transcripts,
		Gate:        auth.NewGate(verifier, nil),
		Notifier:    env.notifier,
		Bot:         env.bot,
		Tokens:      verifier,
		Replay:      replay,
	})
	env.handler = env.server.Router()
	return env
}

// do sends a request. body may be nil, a string of raw JSON, or a value to marshal.
func (e *testEnv) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(e.t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code Code) {
	t.Helper()
	require.Equal(t, status, rec.Code, "body: %s", rec.Body.String())
	body := decode[ErrorBody](t, rec)
	assert.Equal(t, code, body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
}

// createConversation creates a bot-initiated conversation and returns its id.
func (e *testEnv) createConversation() string {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/v3/conversations", nil, e.botToken)
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ConversationResourceResponse](e.t, rec).ID
}

func message(role store.Role, fromID, text string) map[string]any {
	return map[string]any{
		"type": "message",
		"from": map[string]any{"id": fromID, "role": role},
		"text": text,
	}
}

func (e *testEnv) post(convID string, activity any) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.do(http.MethodPost, "/v3/conversations/"+convID+"/activities", activity, e.botToken)
}

func (e *testEnv) poll(convID, watermark string) ActivitySet {
	e.t.Helper()
	path := "/v3/directline/conversations/" + convID + "/activities"
	if watermark != "" {
		path += "?watermark=" + watermark
	}
	rec := e.do(http.MethodGet, path, nil, "")
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[ActivitySet](e.t, rec)
}

func TestRouter_CORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/v3/directline/conversations", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestRouter_WebsocketPort(t *testing.T) {
	env := newTestEnv(t)
	env.server.SetWebsocketPort(5005)

	rec := env.do(http.MethodGet, "/conversations/ws/port", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"port":5005}`, rec.Body.String())
}

func TestRouter_OpenGateWhenNoVerifier(t *testing.T) {
	s := New(Config{}, Deps{
		Store:       store.NewMemoryStore(nil),
		Transcripts: store.NewMemoryTranscriptStore(),
	})
	handler := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/v3/conversations", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRouter_UnmatchedRoutesCarryErrorCodes(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	rec := env.do(http.MethodPut, "/v3/directline/conversations/"+convID+"/activities", nil, env.botToken)
	assertError(t, rec, http.StatusMethodNotAllowed, CodeMethodNotAllowed)

	rec = env.do(http.MethodGet, "/v3/no-such-route", nil, "")
	assertError(t, rec, http.StatusNotFound, CodeNotFound)
}

func TestRecoverer_PanicBecomesInternalError(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assertError(t, rec, http.StatusInternalServerError, CodeInternalError)
}

func TestCodeStatus(t *testing.T) {
	tests := map[Code]int{
		CodeUnauthorized:         http.StatusUnauthorized,
		CodeConversationNotFound: http.StatusNotFound,
		CodeTranscriptNotFound:   http.StatusNotFound,
		CodeMalformedRequest:     http.StatusBadRequest,
		CodeAttachmentTooLarge:   http.StatusRequestEntityTooLarge,
		CodeDuplicateActivity:    http.StatusConflict,
		CodeBotUnreachable:       http.StatusBadGateway,
		CodeNotFound:             http.StatusNotFound,
		CodeMethodNotAllowed:     http.StatusMethodNotAllowed,
		Code("Unknown"):          http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, code.Status(), string(code))
	}
}

func TestCodeFor_WrappedErrors(t *testing.T) {
	assert.Equal(t, CodeConversationNotFound, codeFor(errors.Join(errors.New("ctx"), store.ErrConversationNotFound)))
	assert.Equal(t, CodeConversationClosed, codeFor(store.ErrConversationClosed))
	assert.Equal(t, CodeBotUnreachable, codeFor(botclient.ErrBotUnreachable))
	assert.Equal(t, CodeInternalError, codeFor(errors.New("disk on fire")))
}
