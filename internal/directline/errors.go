// ABOUTME: Structured error responses for the DirectLine transport
// ABOUTME: The single place where store and collaborator errors become HTTP status codes

package directline

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/directline-gateway/internal/botclient"
	"github.com/2389/directline-gateway/internal/store"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeUnauthorized         Code = "Unauthorized"
	CodeConversationNotFound Code = "ConversationNotFound"
	CodeActivityNotFound     Code = "ActivityNotFound"
	CodeAttachmentNotFound   Code = "AttachmentNotFound"
	CodeTranscriptNotFound   Code = "TranscriptNotFound"
	CodeMalformedRequest     Code = "MalformedRequest"
	CodeInvalidAttachment    Code = "InvalidAttachment"
	CodeAttachmentTooLarge   Code = "AttachmentTooLarge"
	CodeConversationClosed   Code = "ConversationClosed"
	CodeDuplicateActivity    Code = "DuplicateActivity"
	CodeBotUnreachable       Code = "BotUnreachable"
	CodeNotFound             Code = "NotFound"
	CodeMethodNotAllowed     Code = "MethodNotAllowed"
	CodeInternalError        Code = "InternalError"
)

var codeStatus = map[Code]int{
	CodeUnauthorized:         http.StatusUnauthorized,
	CodeConversationNotFound: http.StatusNotFound,
	CodeActivityNotFound:     http.StatusNotFound,
	CodeAttachmentNotFound:   http.StatusNotFound,
	CodeTranscriptNotFound:   http.StatusNotFound,
	CodeMalformedRequest:     http.StatusBadRequest,
	CodeInvalidAttachment:    http.StatusBadRequest,
	CodeAttachmentTooLarge:   http.StatusRequestEntityTooLarge,
	CodeConversationClosed:   http.StatusConflict,
	CodeDuplicateActivity:    http.StatusConflict,
	CodeBotUnreachable:       http.StatusBadGateway,
	CodeNotFound:             http.StatusNotFound,
	CodeMethodNotAllowed:     http.StatusMethodNotAllowed,
	CodeInternalError:        http.StatusInternalServerError,
}

// Status returns the HTTP status for c.
func (c Code) Status() int {
	if s, ok := codeStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the code and a human-readable message.
type ErrorDetail struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code Code, message string) {
	writeJSON(w, code.Status(), ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

// codeFor maps an internal error to its wire code.
func codeFor(err error) Code {
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		return CodeConversationNotFound
	case errors.Is(err, store.ErrActivityNotFound):
		return CodeActivityNotFound
	case errors.Is(err, store.ErrAttachmentNotFound):
		return CodeAttachmentNotFound
	case errors.Is(err, store.ErrTranscriptNotFound):
		return CodeTranscriptNotFound
	case errors.Is(err, store.ErrConversationClosed):
		return CodeConversationClosed
	case errors.Is(err, botclient.ErrBotUnreachable):
		return CodeBotUnreachable
	default:
		return CodeInternalError
	}
}

// errorFromStore writes err as a structured response. Unexpected errors are
// logged and reported without internal detail.
func (s *Server) errorFromStore(w http.ResponseWriter, r *http.Request, err error) {
	code := codeFor(err)
	if code == CodeInternalError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}
