// ABOUTME: In-memory transcript store keyed by conversation id
// ABOUTME: Transcripts are deep-copied on the way in and out so snapshots stay immutable

package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryTranscriptStore keeps saved transcripts for the life of the process.
type MemoryTranscriptStore struct {
	mu          sync.RWMutex
	transcripts map[string][]*Transcript // conversation ID -> transcripts, oldest first
}

// NewMemoryTranscriptStore creates an empty transcript store.
func NewMemoryTranscriptStore() *MemoryTranscriptStore {
	return &MemoryTranscriptStore{
		transcripts: make(map[string][]*Transcript),
	}
}

// SaveTranscript stores a copy of transcript.
func (m *MemoryTranscriptStore) SaveTranscript(ctx context.Context, transcript *Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[transcript.ConversationID] = append(m.transcripts[transcript.ConversationID], cloneTranscript(transcript))
	return nil
}

// LatestTranscript returns the most recently saved transcript of a conversation.
func (m *MemoryTranscriptStore) LatestTranscript(ctx context.Context, conversationID string) (*Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.transcripts[conversationID]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTranscriptNotFound, conversationID)
	}
	return cloneTranscript(list[len(list)-1]), nil
}

// ListTranscripts returns every saved transcript of a conversation, oldest first.
func (m *MemoryTranscriptStore) ListTranscripts(ctx context.Context, conversationID string) ([]*Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.transcripts[conversationID]
	out := make([]*Transcript, 0, len(list))
	for _, t := range list {
		out = append(out, cloneTranscript(t))
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (m *MemoryTranscriptStore) Close() error {
	return nil
}

func cloneTranscript(t *Transcript) *Transcript {
	c := *t
	c.Activities = make([]*Activity, len(t.Activities))
	for i, a := range t.Activities {
		c.Activities[i] = a.Clone()
	}
	return &c
}
