// ABOUTME: Store interfaces and data types for the directline conversation server
// ABOUTME: Defines Conversation, Activity, Attachment, Transcript and the typed store errors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Store errors. Callers should match with errors.Is since implementations wrap them.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrActivityNotFound     = errors.New("activity not found")
	ErrAttachmentNotFound   = errors.New("attachment not found")
	ErrTranscriptNotFound   = errors.New("transcript not found")
	ErrConversationClosed   = errors.New("conversation closed")
)

// ChannelID is stamped on every activity the emulator stores.
const ChannelID = "emulator"

// ActivityType is the Bot Framework activity type.
type ActivityType string

const (
	ActivityTypeMessage            ActivityType = "message"
	ActivityTypeConversationUpdate ActivityType = "conversationUpdate"
	ActivityTypeTyping             ActivityType = "typing"
	ActivityTypeEvent              ActivityType = "event"
	ActivityTypeEndOfConversation  ActivityType = "endOfConversation"
)

// Role identifies who sent an activity.
type Role string

const (
	RoleUser    Role = "user"
	RoleBot     Role = "bot"
	RoleChannel Role = "channel"
)

// ChannelAccount is a participant in a conversation.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role,omitempty"`
}

// ConversationAccount references the conversation an activity belongs to.
type ConversationAccount struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// ActivityAttachment is an attachment reference carried inside an activity.
// Uploaded attachments are referenced through ContentURL.
type ActivityAttachment struct {
	ContentType  string          `json:"contentType"`
	ContentURL   string          `json:"contentUrl,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Name         string          `json:"name,omitempty"`
	ThumbnailURL string          `json:"thumbnailUrl,omitempty"`
}

// Activity is a single unit of conversational exchange.
// Watermark is assigned by the conversation's ActivityLog at append time and
// is never serialized as part of the activity itself.
type Activity struct {
	Type           ActivityType         `json:"type"`
	ID             string               `json:"id,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
	LocalTimestamp *time.Time           `json:"localTimestamp,omitempty"`
	ChannelID      string               `json:"channelId,omitempty"`
	ServiceURL     string               `json:"serviceUrl,omitempty"`
	From           ChannelAccount       `json:"from"`
	Recipient      *ChannelAccount      `json:"recipient,omitempty"`
	Conversation   ConversationAccount  `json:"conversation"`
	ReplyToID      string               `json:"replyToId,omitempty"`
	Text           string               `json:"text,omitempty"`
	TextFormat     string               `json:"textFormat,omitempty"`
	Locale         string               `json:"locale,omitempty"`
	Name           string               `json:"name,omitempty"`
	Attachments    []ActivityAttachment `json:"attachments,omitempty"`
	MembersAdded   []ChannelAccount     `json:"membersAdded,omitempty"`
	MembersRemoved []ChannelAccount     `json:"membersRemoved,omitempty"`
	Value          json.RawMessage      `json:"value,omitempty"`
	ChannelData    json.RawMessage      `json:"channelData,omitempty"`

	Watermark int64 `json:"-"`
}

// Clone returns a deep copy of the activity.
func (a *Activity) Clone() *Activity {
	if a == nil {
		return nil
	}
	c := *a
	if a.LocalTimestamp != nil {
		ts := *a.LocalTimestamp
		c.LocalTimestamp = &ts
	}
	if a.Recipient != nil {
		r := *a.Recipient
		c.Recipient = &r
	}
	if a.Attachments != nil {
		c.Attachments = make([]ActivityAttachment, len(a.Attachments))
		for i, att := range a.Attachments {
			att.Content = cloneRaw(att.Content)
			c.Attachments[i] = att
		}
	}
	if a.MembersAdded != nil {
		c.MembersAdded = append([]ChannelAccount(nil), a.MembersAdded...)
	}
	if a.MembersRemoved != nil {
		c.MembersRemoved = append([]ChannelAccount(nil), a.MembersRemoved...)
	}
	c.Value = cloneRaw(a.Value)
	c.ChannelData = cloneRaw(a.ChannelData)
	return &c
}

// ClientActivityID returns channelData.clientActivityID, the id web clients
// attach so a retried post can be recognised. Empty if absent.
func (a *Activity) ClientActivityID() string {
	if len(a.ChannelData) == 0 {
		return ""
	}
	var cd struct {
		ClientActivityID string `json:"clientActivityID"`
	}
	if err := json.Unmarshal(a.ChannelData, &cd); err != nil {
		return ""
	}
	return cd.ClientActivityID
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// BotEndpoint is the messaging endpoint of the bot a conversation talks to.
type BotEndpoint struct {
	ID     string
	BotID  string
	BotURL string
	AppID  string
}

// Attachment is binary content uploaded into a conversation.
type Attachment struct {
	ID             string
	ConversationID string
	Name           string
	Type           string // content type
	Original       []byte
	Thumbnail      []byte
	CreatedAt      time.Time
}

// Transcript is an immutable snapshot of a conversation's activity log.
type Transcript struct {
	ID             string
	ConversationID string
	SavedAt        time.Time
	Activities     []*Activity
}

// CreateConversationParams describes a conversation to create.
type CreateConversationParams struct {
	BotEndpoint *BotEndpoint
	Bot         ChannelAccount
	Members     []ChannelAccount
}

// ConversationStore is the registry of live conversations and their activity logs.
// All operations on one conversation are linearizable.
type ConversationStore interface {
	CreateConversation(ctx context.Context, params CreateConversationParams) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)
	CloseConversation(ctx context.Context, id string) error
	// EndConversation appends a final activity and closes the conversation atomically.
	EndConversation(ctx context.Context, conversationID string, activity *Activity) (*Activity, error)

	// Activities
	AppendActivity(ctx context.Context, conversationID string, activity *Activity) (*Activity, error)
	ListActivitiesSince(ctx context.Context, conversationID string, watermark int64) ([]*Activity, int64, error)
	FindActivity(ctx context.Context, conversationID, activityID string) (*Activity, error)
	FindByClientActivityID(ctx context.Context, conversationID, clientActivityID string) (*Activity, error)
	SnapshotActivities(ctx context.Context, conversationID string) ([]*Activity, error)

	// Attachments
	SaveAttachment(ctx context.Context, conversationID string, attachment *Attachment) (*Attachment, error)
	GetAttachment(ctx context.Context, attachmentID string) (*Attachment, error)
}

// TranscriptStore keeps saved transcripts independently of the live conversations.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, transcript *Transcript) error
	LatestTranscript(ctx context.Context, conversationID string) (*Transcript, error)
	ListTranscripts(ctx context.Context, conversationID string) ([]*Transcript, error)

	// Close releases any resources held by the store
	Close() error
}
