// ABOUTME: Process-wide fan-out hub for "new activity" signals
// ABOUTME: Subscribers register per conversation (or for all) and receive signals without blocking appends

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/directline-gateway/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// allConversations is the subscription key for listeners that want every signal.
	allConversations = ""

	// SignalTypeActivity marks a signal announcing a newly appended activity.
	SignalTypeActivity = "activity"
)

// Signal tells listeners that a conversation has new activities. It carries
// the watermark only; clients fetch the activities through the poll route.
type Signal struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Watermark      string `json:"watermark"`
}

// Hub provides in-memory pub/sub for activity signals. There is one Hub per
// gateway process; tests build independent instances.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Signal // conversationID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan Signal),
		logger:      logger.With("component", "notify-hub"),
	}
}

// Subscribe registers a listener for conversationID, or for every
// conversation when conversationID is empty. The subscription is removed
// when ctx is cancelled. Subscribing to a closed hub returns a closed channel.
func (h *Hub) Subscribe(ctx context.Context, conversationID string) (<-chan Signal, string) {
	subID := uuid.New().String()
	ch := make(chan Signal, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := h.subscribers[conversationID]; !ok {
		h.subscribers[conversationID] = make(map[string]chan Signal)
	}
	h.subscribers[conversationID][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// NotifyActivity announces that conversationID reached watermark. It never
// blocks: a subscriber whose buffer is full misses the signal and catches up
// on its next poll.
func (h *Hub) NotifyActivity(conversationID string, watermark int64) {
	sig := Signal{
		Type:           SignalTypeActivity,
		ConversationID: conversationID,
		Watermark:      store.FormatWatermark(watermark),
	}

	h.mu.RLock()
	targets := make([]chan Signal, 0, len(h.subscribers[conversationID])+len(h.subscribers[allConversations]))
	for _, ch := range h.subscribers[conversationID] {
		targets = append(targets, ch)
	}
	if conversationID != allConversations {
		for _, ch := range h.subscribers[allConversations] {
			targets = append(targets, ch)
		}
	}

	// sends happen under the read lock so Unsubscribe cannot close a channel mid-send
	for _, ch := range targets {
		select {
		case ch <- sig:
		default:
			h.logger.Debug("dropped signal for slow subscriber",
				"conversation_id", conversationID,
				"watermark", watermark)
		}
	}
	h.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(conversationID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[conversationID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, conversationID)
	}

	h.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subs := range h.subscribers {
		n += len(subs)
	}
	return n
}

// Close shuts down the hub and closes all subscriber channels. Later
// NotifyActivity calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for convID, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, convID)
	}

	h.logger.Debug("hub closed")
}
