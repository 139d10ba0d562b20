// ABOUTME: In-memory conversation registry; the default and only live conversation store
// ABOUTME: Serializes appends per conversation so watermarks are never duplicated

package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conversation is a live session and its activity log. Identity fields are
// fixed at creation; the log, attachments and lifecycle flag are guarded by mu.
type Conversation struct {
	ID          string
	CreatedAt   time.Time
	BotEndpoint *BotEndpoint
	Bot         ChannelAccount
	Members     []ChannelAccount

	mu          sync.Mutex
	log         *ActivityLog
	attachments map[string]*Attachment
	closed      bool
}

// Watermark returns the current watermark of the conversation.
func (c *Conversation) Watermark() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Watermark()
}

// Closed reports whether the conversation has been closed.
func (c *Conversation) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// append validates and appends under the conversation lock. Assignment and
// insertion happen in one critical section, so an activity is either fully
// stored with a watermark or not stored at all.
func (c *Conversation) append(activity *Activity, now func() time.Time) (*Activity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConversationClosed
	}
	if activity.ReplyToID != "" && c.log.Find(activity.ReplyToID) == nil {
		return nil, fmt.Errorf("%w: reply target %s", ErrActivityNotFound, activity.ReplyToID)
	}
	return c.log.Append(activity, now()), nil
}

// end appends the final activity and closes the log in one critical section.
func (c *Conversation) end(activity *Activity, now func() time.Time) (*Activity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConversationClosed
	}
	stored := c.log.Append(activity, now())
	c.closed = true
	return stored, nil
}

// MemoryStore implements ConversationStore entirely in memory. Nothing
// survives a process restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	attachments   map[string]string // attachment ID -> conversation ID
	now           func() time.Time
	logger        *slog.Logger
}

// NewMemoryStore creates an empty store. Pass nil logger for default.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		attachments:   make(map[string]string),
		now:           time.Now,
		logger:        logger.With("component", "store"),
	}
}

// CreateConversation registers a new conversation with a generated id.
func (m *MemoryStore) CreateConversation(ctx context.Context, params CreateConversationParams) (*Conversation, error) {
	id := uuid.New().String()
	conv := &Conversation{
		ID:          id,
		CreatedAt:   m.now().UTC(),
		BotEndpoint: params.BotEndpoint,
		Bot:         params.Bot,
		Members:     append([]ChannelAccount(nil), params.Members...),
		log:         NewActivityLog(id),
		attachments: make(map[string]*Attachment),
	}

	m.mu.Lock()
	m.conversations[id] = conv
	m.mu.Unlock()

	m.logger.Debug("conversation created", "conversation_id", id)
	return conv, nil
}

// GetConversation returns the live conversation or ErrConversationNotFound.
func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	conv, ok := m.conversations[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return conv, nil
}

// ListConversations returns all conversations, oldest first.
func (m *MemoryStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	m.mu.RLock()
	convs := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		convs = append(convs, c)
	}
	m.mu.RUnlock()

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].CreatedAt.Before(convs[j].CreatedAt)
	})
	return convs, nil
}

// CloseConversation marks the conversation closed. Further appends fail with
// ErrConversationClosed; reads and transcripts keep working. Closing twice is a no-op.
func (m *MemoryStore) CloseConversation(ctx context.Context, id string) error {
	conv, err := m.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	conv.mu.Lock()
	conv.closed = true
	conv.mu.Unlock()

	m.logger.Debug("conversation closed", "conversation_id", id)
	return nil
}

// EndConversation appends activity as the last entry of the log and closes
// the conversation atomically. Only the first of concurrent calls succeeds;
// the rest fail with ErrConversationClosed.
func (m *MemoryStore) EndConversation(ctx context.Context, conversationID string, activity *Activity) (*Activity, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	stored, err := conv.end(activity, m.now)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("conversation ended",
		"conversation_id", conversationID,
		"activity_id", stored.ID,
		"watermark", stored.Watermark)
	return stored, nil
}

// AppendActivity appends activity to the conversation and returns the stored
// copy carrying its assigned watermark and id.
func (m *MemoryStore) AppendActivity(ctx context.Context, conversationID string, activity *Activity) (*Activity, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	stored, err := conv.append(activity, m.now)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("activity appended",
		"conversation_id", conversationID,
		"activity_id", stored.ID,
		"type", stored.Type,
		"watermark", stored.Watermark)
	return stored, nil
}

// ListActivitiesSince returns the activities after watermark together with
// the conversation's current watermark. The query has no side effects.
func (m *MemoryStore) ListActivitiesSince(ctx context.Context, conversationID string, watermark int64) ([]*Activity, int64, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.log.Since(watermark), conv.log.Watermark(), nil
}

// FindActivity returns the activity with the given id in the conversation.
func (m *MemoryStore) FindActivity(ctx context.Context, conversationID, activityID string) (*Activity, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	a := conv.log.Find(activityID)
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	return a, nil
}

// FindByClientActivityID returns the activity a client posted under clientActivityID.
func (m *MemoryStore) FindByClientActivityID(ctx context.Context, conversationID, clientActivityID string) (*Activity, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	a := conv.log.FindByClientActivityID(clientActivityID)
	if a == nil {
		return nil, fmt.Errorf("%w: client activity %s", ErrActivityNotFound, clientActivityID)
	}
	return a, nil
}

// SnapshotActivities returns a deep copy of the conversation's full log.
func (m *MemoryStore) SnapshotActivities(ctx context.Context, conversationID string) ([]*Activity, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.log.Snapshot(), nil
}

// SaveAttachment stores binary content under a newly generated id.
func (m *MemoryStore) SaveAttachment(ctx context.Context, conversationID string, attachment *Attachment) (*Attachment, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	a := *attachment
	a.ID = uuid.New().String()
	a.ConversationID = conversationID
	a.CreatedAt = m.now().UTC()

	conv.mu.Lock()
	conv.attachments[a.ID] = &a
	conv.mu.Unlock()

	m.mu.Lock()
	m.attachments[a.ID] = conversationID
	m.mu.Unlock()

	m.logger.Debug("attachment saved",
		"conversation_id", conversationID,
		"attachment_id", a.ID,
		"content_type", a.Type,
		"size", len(a.Original))

	result := a
	return &result, nil
}

// GetAttachment looks an attachment up by id across all conversations.
func (m *MemoryStore) GetAttachment(ctx context.Context, attachmentID string) (*Attachment, error) {
	m.mu.RLock()
	conversationID, ok := m.attachments[attachmentID]
	conv := m.conversations[conversationID]
	m.mu.RUnlock()
	if !ok || conv == nil {
		return nil, fmt.Errorf("%w: %s", ErrAttachmentNotFound, attachmentID)
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	a, ok := conv.attachments[attachmentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAttachmentNotFound, attachmentID)
	}
	result := *a
	return &result, nil
}
