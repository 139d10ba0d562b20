// ABOUTME: Attachment upload and download routes
// ABOUTME: Uploads arrive base64 encoded inside JSON and are served back as raw bytes per view

package directline

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/2389/directline-gateway/internal/store"
)

const (
	viewOriginal  = "original"
	viewThumbnail = "thumbnail"
)

// AttachmentData is the upload body.
type AttachmentData struct {
	Type            string `json:"type"`
	Name            string `json:"name"`
	OriginalBase64  string `json:"originalBase64"`
	ThumbnailBase64 string `json:"thumbnailBase64,omitempty"`
}

// AttachmentInfo describes an uploaded attachment and its views.
type AttachmentInfo struct {
	Name  string           `json:"name"`
	Type  string           `json:"type"`
	Views []AttachmentView `json:"views"`
}

// AttachmentView names one downloadable rendition.
type AttachmentView struct {
	ViewID string `json:"viewId"`
	Size   int    `json:"size"`
}

// handleUploadAttachment handles POST /v3/conversations/{conversationId}/attachments.
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	conv := conversationFrom(r)
	maxBytes := s.cfg.MaxAttachmentBytes

	// both renditions plus the JSON envelope
	limit := 2*int64(base64.StdEncoding.EncodedLen(int(maxBytes))) + maxControlBytes

	var data AttachmentData
	if err := decodeBody(w, r, limit, &data); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, CodeAttachmentTooLarge, err.Error())
			return
		}
		writeError(w, CodeMalformedRequest, err.Error())
		return
	}

	if data.Type == "" {
		writeError(w, CodeInvalidAttachment, "attachment type is required")
		return
	}
	if data.OriginalBase64 == "" {
		writeError(w, CodeInvalidAttachment, "originalBase64 is required")
		return
	}

	original, err := base64.StdEncoding.DecodeString(data.OriginalBase64)
	if err != nil {
		writeError(w, CodeInvalidAttachment, fmt.Sprintf("originalBase64: %v", err))
		return
	}
	var thumbnail []byte
	if data.ThumbnailBase64 != "" {
		thumbnail, err = base64.StdEncoding.DecodeString(data.ThumbnailBase64)
		if err != nil {
			writeError(w, CodeInvalidAttachment, fmt.Sprintf("thumbnailBase64: %v", err))
			return
		}
	}
	if int64(len(original)) > maxBytes || int64(len(thumbnail)) > maxBytes {
		writeError(w, CodeAttachmentTooLarge, fmt.Sprintf("attachment exceeds %d bytes", maxBytes))
		return
	}

	saved, err := s.store.SaveAttachment(r.Context(), conv.ID, &store.Attachment{
		Name:      data.Name,
		Type:      data.Type,
		Original:  original,
		Thumbnail: thumbnail,
	})
	if err != nil {
		s.errorFromStore(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ResourceResponse{ID: saved.ID})
}

// handleAttachmentView handles GET /v3/attachments/{attachmentId}/views/{viewId}.
func (s *Server) handleAttachmentView(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAttachment(r.Context(), chi.URLParam(r, "attachmentId"))
	if err != nil {
		s.errorFromStore(w, r, err)
		return
	}

	var content []byte
	switch viewID := chi.URLParam(r, "viewId"); viewID {
	case viewOriginal:
		content = a.Original
	case viewThumbnail:
		content = a.Thumbnail
		if len(content) == 0 {
			content = a.Original
		}
	default:
		writeError(w, CodeAttachmentNotFound, fmt.Sprintf("attachment %s has no view %q", a.ID, viewID))
		return
	}

	w.Header().Set("Content-Type", a.Type)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// handleAttachmentInfo handles GET /v3/attachments/{attachmentId}.
func (s *Server) handleAttachmentInfo(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAttachment(r.Context(), chi.URLParam(r, "attachmentId"))
	if err != nil {
		s.errorFromStore(w, r, err)
		return
	}

	info := AttachmentInfo{
		Name:  a.Name,
		Type:  a.Type,
		Views: []AttachmentView{{ViewID: viewOriginal, Size: len(a.Original)}},
	}
	if len(a.Thumbnail) > 0 {
		info.Views = append(info.Views, AttachmentView{ViewID: viewThumbnail, Size: len(a.Thumbnail)})
	}
	writeJSON(w, http.StatusOK, info)
}
