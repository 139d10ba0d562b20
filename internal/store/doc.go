// Package store holds conversation state for the directline gateway.
//
// # Architecture
//
// Two interfaces split live state from saved state:
//
//   - ConversationStore: the registry of live conversations, their activity
//     logs and uploaded attachments. MemoryStore is the only implementation;
//     conversations are gone after a restart.
//   - TranscriptStore: immutable snapshots of activity logs. MemoryTranscriptStore
//     is the default, SQLiteTranscriptStore persists them with modernc.org/sqlite.
//
// # Ordering
//
// Every Conversation owns an ActivityLog. Appends take the conversation's
// mutex, so two concurrent appends on the same conversation never receive the
// same watermark. Different conversations never share a lock beyond the brief
// registry lookup.
//
// Watermarks start at 1 and increase by one per append. ListActivitiesSince(w)
// returns exactly the activities with watermark > w in ascending order:
//
//	acts, wm, err := s.ListActivitiesSince(ctx, convID, 0)  // full log
//	acts, wm, err = s.ListActivitiesSince(ctx, convID, wm)  // empty until the next append
//
// ParseWatermark maps empty, malformed and negative cursors to 0.
//
// # Error Handling
//
// Typed errors, wrapped with context; match with errors.Is:
//
//   - ErrConversationNotFound
//   - ErrActivityNotFound
//   - ErrAttachmentNotFound
//   - ErrTranscriptNotFound
//   - ErrConversationClosed
//
// # Testing
//
// Use NewMemoryStore(nil) and NewMemoryTranscriptStore() for unit tests, or
// NewSQLiteTranscriptStore(":memory:") to exercise SQL persistence.
package store
