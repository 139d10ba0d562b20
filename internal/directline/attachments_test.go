// ABOUTME: Tests for attachment upload and download
// ABOUTME: Covers both views, validation errors, and the size limit

package directline

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) upload(convID string, data AttachmentData) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.do(http.MethodPost, "/v3/conversations/"+convID+"/attachments", data, e.botToken)
}

func TestAttachments_UploadAndDownload(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	rec := env.upload(convID, AttachmentData{
		Type:            "image/png",
		Name:            "cat.png",
		OriginalBase64:  base64.StdEncoding.EncodeToString([]byte("full-size-bytes")),
		ThumbnailBase64: base64.StdEncoding.EncodeToString([]byte("thumb")),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := decode[ResourceResponse](t, rec).ID
	require.NotEmpty(t, id)

	rec = env.do(http.MethodGet, "/v3/attachments/"+id+"/views/original", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "full-size-bytes", rec.Body.String())

	rec = env.do(http.MethodGet, "/v3/attachments/"+id+"/views/thumbnail", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "thumb", rec.Body.String())

	rec = env.do(http.MethodGet, "/v3/attachments/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[AttachmentInfo](t, rec)
	assert.Equal(t, "cat.png", info.Name)
	assert.Equal(t, []AttachmentView{{ViewID: "original", Size: 15}, {ViewID: "thumbnail", Size: 5}}, info.Views)
}

func TestAttachments_ThumbnailFallsBackToOriginal(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	rec := env.upload(convID, AttachmentData{
		Type:           "text/plain",
		OriginalBase64: base64.StdEncoding.EncodeToString([]byte("only one")),
	})
	id := decode[ResourceResponse](t, rec).ID

	rec = env.do(http.MethodGet, "/v3/attachments/"+id+"/views/thumbnail", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "only one", rec.Body.String())
}

func TestAttachments_Validation(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	tests := []struct {
		name   string
		data   AttachmentData
		status int
		code   Code
	}{
		{
			name:   "missing type",
			data:   AttachmentData{OriginalBase64: "aGk="},
			status: http.StatusBadRequest,
			code:   CodeInvalidAttachment,
		},
		{
			name:   "missing content",
			data:   AttachmentData{Type: "text/plain"},
			status: http.StatusBadRequest,
			code:   CodeInvalidAttachment,
		},
		{
			name:   "bad base64",
			data:   AttachmentData{Type: "text/plain", OriginalBase64: "!!not base64!!"},
			status: http.StatusBadRequest,
			code:   CodeInvalidAttachment,
		},
		{
			name:   "decoded content over limit",
			data:   AttachmentData{Type: "text/plain", OriginalBase64: base64.StdEncoding.EncodeToString(make([]byte, 1025))},
			status: http.StatusRequestEntityTooLarge,
			code:   CodeAttachmentTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, env.upload(convID, tt.data), tt.status, tt.code)
		})
	}
}

func TestAttachments_BodyOverLimit(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	huge := `{"type":"text/plain","originalBase64":"` + strings.Repeat("A", 200_000) + `"}`
	rec := env.do(http.MethodPost, "/v3/conversations/"+convID+"/attachments", huge, env.botToken)
	assertError(t, rec, http.StatusRequestEntityTooLarge, CodeAttachmentTooLarge)
}

func TestAttachments_NotFound(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	rec := env.do(http.MethodGet, "/v3/attachments/missing/views/original", nil, "")
	assertError(t, rec, http.StatusNotFound, CodeAttachmentNotFound)

	id := decode[ResourceResponse](t, env.upload(convID, AttachmentData{
		Type:           "text/plain",
		OriginalBase64: "aGk=",
	})).ID
	rec = env.do(http.MethodGet, "/v3/attachments/"+id+"/views/poster", nil, "")
	assertError(t, rec, http.StatusNotFound, CodeAttachmentNotFound)
}

func TestAttachments_RequireAuth(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation()

	rec := env.do(http.MethodPost, "/v3/conversations/"+convID+"/attachments",
		AttachmentData{Type: "text/plain", OriginalBase64: "aGk="}, "")
	assertError(t, rec, http.StatusUnauthorized, CodeUnauthorized)
}
