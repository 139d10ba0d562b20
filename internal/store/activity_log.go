// ABOUTME: Activity ordering engine: assigns per-conversation watermarks
// ABOUTME: Answers "activities since watermark W" range queries over an append-only log

package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ActivityLog is the ordered, append-only activity log of one conversation.
// Watermarks start at 1 and increase by exactly one per append.
//
// ActivityLog is not safe for concurrent use; the owning Conversation
// serializes access to it.
type ActivityLog struct {
	conversationID string
	entries        []*Activity
	watermark      int64
}

// NewActivityLog creates an empty log for the given conversation.
func NewActivityLog(conversationID string) *ActivityLog {
	return &ActivityLog{conversationID: conversationID}
}

// FormatActivityID derives the wire id of an activity from its watermark.
func FormatActivityID(conversationID string, watermark int64) string {
	return fmt.Sprintf("%s|%07d", conversationID, watermark)
}

// ParseWatermark turns a client supplied cursor into a watermark.
// Empty, malformed and negative values all mean "from the beginning" (0),
// which is what polling clients without a cursor expect.
func ParseWatermark(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	w, err := strconv.ParseInt(s, 10, 64)
	if err != nil || w < 0 {
		return 0
	}
	return w
}

// FormatWatermark renders a watermark the way poll responses carry it.
func FormatWatermark(w int64) string {
	return strconv.FormatInt(w, 10)
}

// Append assigns the next watermark to a copy of activity, stamps the
// server-owned fields and stores it. The stored copy is returned.
//
// Timestamps never decrease along the log. A timestamp supplied by the
// sender is kept as LocalTimestamp unless one is already set.
func (l *ActivityLog) Append(activity *Activity, now time.Time) *Activity {
	l.watermark++

	a := activity.Clone()
	a.Watermark = l.watermark
	a.ID = FormatActivityID(l.conversationID, l.watermark)
	a.Conversation.ID = l.conversationID
	a.ChannelID = ChannelID
	if !a.Timestamp.IsZero() && a.LocalTimestamp == nil {
		local := a.Timestamp
		a.LocalTimestamp = &local
	}
	a.Timestamp = now.UTC()
	if n := len(l.entries); n > 0 && a.Timestamp.Before(l.entries[n-1].Timestamp) {
		a.Timestamp = l.entries[n-1].Timestamp
	}

	l.entries = append(l.entries, a)
	return a.Clone()
}

// Since returns copies of the activities with watermark > w in ascending order.
// A w at or beyond the current watermark yields an empty slice.
func (l *ActivityLog) Since(w int64) []*Activity {
	if w < 0 {
		w = 0
	}
	start := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Watermark > w
	})
	out := make([]*Activity, 0, len(l.entries)-start)
	for _, a := range l.entries[start:] {
		out = append(out, a.Clone())
	}
	return out
}

// Snapshot returns a deep copy of the whole log.
func (l *ActivityLog) Snapshot() []*Activity {
	return l.Since(0)
}

// Watermark returns the watermark of the most recent activity (0 when empty).
func (l *ActivityLog) Watermark() int64 {
	return l.watermark
}

// Len returns the number of activities in the log.
func (l *ActivityLog) Len() int {
	return len(l.entries)
}

// Find returns a copy of the activity with the given id, or nil.
func (l *ActivityLog) Find(activityID string) *Activity {
	for _, a := range l.entries {
		if a.ID == activityID {
			return a.Clone()
		}
	}
	return nil
}

// FindByClientActivityID returns a copy of the most recent activity carrying
// the given client activity id, or nil.
func (l *ActivityLog) FindByClientActivityID(clientActivityID string) *Activity {
	if clientActivityID == "" {
		return nil
	}
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ClientActivityID() == clientActivityID {
			return l.entries[i].Clone()
		}
	}
	return nil
}
