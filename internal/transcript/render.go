// ABOUTME: Renders a saved transcript as a standalone HTML page
// ABOUTME: Markdown message text is converted with goldmark; everything else is escaped

package transcript

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/directline-gateway/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var page = template.Must(template.ParseFS(templateFS, "templates/transcript.html"))

// displayTime is the timestamp layout shown on the page.
const displayTime = "2006-01-02 15:04:05 MST"

type pageData struct {
	ID             string
	ConversationID string
	SavedAt        string
	Activities     []activityView
}

type activityView struct {
	Watermark   int64
	Type        string
	Class       string
	From        string
	Timestamp   string
	Body        template.HTML
	Attachments []attachmentView
}

type attachmentView struct {
	Name        string
	ContentType string
	URL         string
}

// RenderHTML writes t as an HTML document.
func RenderHTML(w io.Writer, t *store.Transcript) error {
	data := pageData{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		SavedAt:        formatTime(t.SavedAt),
		Activities:     make([]activityView, 0, len(t.Activities)),
	}

	for _, a := range t.Activities {
		view, err := viewOf(a)
		if err != nil {
			return err
		}
		data.Activities = append(data.Activities, view)
	}

	return page.Execute(w, data)
}

func viewOf(a *store.Activity) (activityView, error) {
	view := activityView{
		Watermark: a.Watermark,
		Type:      string(a.Type),
		Class:     string(a.From.Role),
		From:      a.From.Name,
		Timestamp: formatTime(a.Timestamp),
	}
	if view.From == "" {
		view.From = a.From.ID
	}
	if a.Type != store.ActivityTypeMessage {
		view.Class = "event"
	}

	body, err := renderText(a.Text, a.TextFormat)
	if err != nil {
		return view, fmt.Errorf("activity %s: %w", a.ID, err)
	}
	view.Body = body

	for _, att := range a.Attachments {
		name := att.Name
		if name == "" {
			name = att.ContentType
		}
		view.Attachments = append(view.Attachments, attachmentView{
			Name:        name,
			ContentType: att.ContentType,
			URL:         att.ContentURL,
		})
	}
	return view, nil
}

// renderText converts markdown (the Bot Framework default format) to HTML and
// escapes plain and xml text. goldmark drops raw HTML unless told otherwise.
func renderText(text, format string) (template.HTML, error) {
	if text == "" {
		return "", nil
	}
	if format != "" && format != "markdown" {
		return template.HTML("<p>" + template.HTMLEscapeString(text) + "</p>"), nil
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(displayTime)
}
