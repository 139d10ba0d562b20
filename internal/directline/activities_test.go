// ABOUTME: Tests for the activity routes
// ABOUTME: Covers not-found handling, validation, notification, bot delivery, and the replay guard

package directline

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/directline-gateway/internal/store"
)

func TestPostActivity_UnknownConversation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.post("does-not-exist", message(store.RoleBot, "bot-1", "hi"))
	assertError(t, rec, http.StatusNotFound, CodeConversationNotFound)

	// the conversation is resolved before the gate runs
	rec = env.do(http.MethodPost, "/v3/conversations/does-not-exist/activities",
		message(store.RoleBot, "bot-1", "hi"), "")
	assertError(t, rec, http.StatusNotFound, CodeConversationNotFound)

	rec = env.do(http.MethodGet, "/v3/directline/conversations/does-not-exist/activities", nil, "")
	assertError(t, rec, http.StatusNotFound, CodeConversationNotFound)
}

func TestPostActivity_ReturnsAssignedID(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	rec := env.post(convID, message(store.RoleBot, "bot-1", "one"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.FormatActivityID(convID, 1), decode[ResourceResponse](t, rec).ID)

	rec = env.post(convID, message(store.RoleBot, "bot-1", "two"))
	assert.Equal(t, store.FormatActivityID(convID, 2), decode[ResourceResponse](t, rec).ID)

	set := env.poll(convID, "")
	require.Len(t, set.Activities, 2)
	assert.Equal(t, store.ChannelID, set.Activities[0].ChannelID)
	assert.Equal(t, convID, set.Activities[0].Conversation.ID)
	assert.Equal(t, "http://localhost:3978", set.Activities[0].ServiceURL)
	assert.False(t, set.Activities[0].Timestamp.IsZero())
}

func TestPostActivity_Validation(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	rec := env.post(convID, `{"type":`)
	assertError(t, rec, http.StatusBadRequest, CodeMalformedRequest)

	rec = env.post(convID, map[string]any{"text": "no type"})
	assertError(t, rec, http.StatusBadRequest, CodeMalformedRequest)

	assert.Equal(t, "0", env.poll(convID, "0").Watermark)
}

func TestReplyToActivity(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	first := decode[ResourceResponse](t, env.post(convID, message(store.RoleUser, "user-1", "question")))

	rec := env.do(http.MethodPost, "/v3/conversations/"+convID+"/activities/"+first.ID,
		message(store.RoleBot, "bot-1", "answer"), env.botToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	set := env.poll(convID, "1")
	require.Len(t, set.Activities, 1)
	assert.Equal(t, first.ID, set.Activities[0].ReplyToID)
}

func TestReplyToActivity_UnknownTarget(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	rec := env.do(http.MethodPost, "/v3/conversations/"+convID+"/activities/nope",
		message(store.RoleBot, "bot-1", "answer"), env.botToken)
	assertError(t, rec, http.StatusNotFound, CodeActivityNotFound)

	// no watermark was consumed
	rec = env.post(convID, message(store.RoleBot, "bot-1", "next"))
	assert.Equal(t, store.FormatActivityID(convID, 1), decode[ResourceResponse](t, rec).ID)
}

func TestListActivities_WatermarkLeniency(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()
	for _, text := range []string{"a", "b", "c"} {
		require.Equal(t, http.StatusOK, env.post(convID, message(store.RoleBot, "bot-1", text)).Code)
	}

	tests := []struct {
		watermark string
		wantLen   int
	}{
		{"", 3},
		{"0", 3},
		{"-5", 3},
		{"garbage", 3},
		{"2", 1},
		{"3", 0},
		{"99", 0},
	}
	for _, tt := range tests {
		t.Run("watermark="+tt.watermark, func(t *testing.T) {
			set := env.poll(convID, tt.watermark)
			assert.Len(t, set.Activities, tt.wantLen)
			assert.NotNil(t, set.Activities, "activities must serialize as an array")
			assert.Equal(t, "3", set.Watermark)
		})
	}
}

func TestPostActivity_NotifiesListeners(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	env.post(convID, message(store.RoleBot, "bot-1", "one"))
	env.post(convID, message(store.RoleBot, "bot-1", "two"))

	assert.Equal(t, []notification{{convID, 1}, {convID, 2}}, env.notifier.all())
}

func TestPostActivity_ForwardsUserActivitiesToBot(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	env.post(convID, message(store.RoleUser, "user-1", "for the bot"))
	env.post(convID, message(store.RoleBot, "bot-1", "from the bot"))

	delivered := env.bot.all()
	require.Len(t, delivered, 1)
	assert.Equal(t, "for the bot", delivered[0].Text)
	assert.Equal(t, store.FormatActivityID(convID, 1), delivered[0].ID)
}

func TestPostActivity_BotUnreachableKeepsActivity(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()
	env.bot.fail = true

	rec := env.post(convID, message(store.RoleUser, "user-1", "anyone there?"))
	assertError(t, rec, http.StatusBadGateway, CodeBotUnreachable)

	set := env.poll(convID, "0")
	require.Len(t, set.Activities, 1)
	assert.Equal(t, "anyone there?", set.Activities[0].Text)
}

func TestPostActivity_ClosedConversation(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()
	require.NoError(t, env.store.CloseConversation(t.Context(), convID))

	rec := env.post(convID, message(store.RoleBot, "bot-1", "too late"))
	assertError(t, rec, http.StatusConflict, CodeConversationClosed)
}

func TestPostActivity_ReplayedClientActivityID(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	activity := message(store.RoleUser, "user-1", "only once")
	activity["channelData"] = map[string]any{"clientActivityID": "client-42"}

	first := env.post(convID, activity)
	require.Equal(t, http.StatusOK, first.Code)
	retry := env.post(convID, activity)
	require.Equal(t, http.StatusOK, retry.Code)

	assert.Equal(t, decode[ResourceResponse](t, first).ID, decode[ResourceResponse](t, retry).ID)
	assert.Equal(t, "1", env.poll(convID, "0").Watermark, "a replay consumes no watermark")
	assert.Len(t, env.bot.all(), 1, "a replay is not delivered twice")
}

func TestPostActivity_ReplayAfterCacheExpiryUsesLog(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	activity := message(store.RoleUser, "user-1", "only once")
	activity["channelData"] = map[string]any{"clientActivityID": "client-7"}
	first := decode[ResourceResponse](t, env.post(convID, activity))

	// a server with an empty replay cache over the same log
	fresh := newTestEnv(t)
	fresh.server.store = env.store
	retry := fresh.do(http.MethodPost, "/v3/conversations/"+convID+"/activities", activity, fresh.botToken)

	require.Equal(t, http.StatusOK, retry.Code, retry.Body.String())
	assert.Equal(t, first.ID, decode[ResourceResponse](t, retry).ID)
	assert.Equal(t, "1", env.poll(convID, "0").Watermark)
}

func TestPostActivity_ConcurrentAppendsGetDistinctWatermarks(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	const n = 40
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			rec := env.post(convID, message(store.RoleBot, "bot-1", "x"))
			if rec.Code == http.StatusOK {
				ids <- decode[ResourceResponse](t, rec).ID
			}
		})
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, "40", env.poll(convID, "0").Watermark)
}

func TestClientActivity_ScopedToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v3/directline/conversations", map[string]any{"user": map[string]string{"id": "ada"}}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	info := decode[ConversationInfo](t, rec)
	require.NotEmpty(t, info.Token)

	rec = env.do(http.MethodPost, "/v3/directline/conversations/"+info.ConversationID+"/activities",
		map[string]any{"type": "message", "text": "hello from webchat"}, info.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	set := env.poll(info.ConversationID, "1")
	require.Len(t, set.Activities, 1)
	assert.Equal(t, "ada", set.Activities[0].From.ID, "sender defaults to the token subject")
	assert.Equal(t, store.RoleUser, set.Activities[0].From.Role)

	// the same token cannot touch another conversation
	other := env.createConversation()
	rec = env.do(http.MethodPost, "/v3/directline/conversations/"+other+"/activities",
		map[string]any{"type": "message", "text": "wrong room"}, info.Token)
	assertError(t, rec, http.StatusUnauthorized, CodeUnauthorized)
	assert.Equal(t, "0", env.poll(other, "0").Watermark)
}

func TestConnectorRoutes_RejectConversationTokens(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v3/directline/conversations", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	info := decode[ConversationInfo](t, rec)
	before := env.poll(info.ConversationID, "0")

	base := "/v3/conversations/" + info.ConversationID
	spoofed := map[string]any{"type": "message", "from": map[string]string{"id": "bot-1"}, "text": "spoofed"}

	for name, req := range map[string]struct {
		path string
		body any
	}{
		"post as bot":  {base + "/activities", spoofed},
		"reply as bot": {base + "/activities/" + before.Activities[0].ID, spoofed},
		"upload":       {base + "/attachments", AttachmentData{Type: "text/plain", OriginalBase64: "aGk="}},
		"create":       {"/v3/conversations", nil},
	} {
		t.Run(name, func(t *testing.T) {
			rec := env.do(http.MethodPost, req.path, req.body, info.Token)
			assertError(t, rec, http.StatusUnauthorized, CodeUnauthorized)
		})
	}

	after := env.poll(info.ConversationID, "0")
	assert.Equal(t, before.Watermark, after.Watermark)
	for _, a := range after.Activities {
		assert.NotEqual(t, store.RoleBot, a.From.Role)
	}

	// the bot's own token still works on the same conversation
	rec = env.post(info.ConversationID, spoofed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestClientActivity_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	expired, err := env.verifier.Generate("ada", convID, -time.Minute)
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/v3/directline/conversations/"+convID+"/activities",
		map[string]any{"type": "message", "text": "hi"}, expired)
	assertError(t, rec, http.StatusUnauthorized, CodeUnauthorized)
}
