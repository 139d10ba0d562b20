// ABOUTME: Tests for the in-memory conversation registry
// ABOUTME: Covers not-found handling, concurrent appends, replies, close, and attachments

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConversation(t *testing.T, s *MemoryStore) *Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), CreateConversationParams{
		Bot:     ChannelAccount{ID: "bot-1", Role: RoleBot},
		Members: []ChannelAccount{{ID: "user-1", Role: RoleUser}},
	})
	require.NoError(t, err)
	return conv
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	conv := newTestConversation(t, s)
	assert.NotEmpty(t, conv.ID)
	assert.False(t, conv.CreatedAt.IsZero())

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Same(t, conv, got)
	assert.Equal(t, int64(0), got.Watermark())
}

func TestMemoryStore_IDsAreUnique(t *testing.T) {
	s := NewMemoryStore(nil)
	seen := make(map[string]bool)
	for range 50 {
		conv := newTestConversation(t, s)
		assert.False(t, seen[conv.ID], "duplicate conversation id %s", conv.ID)
		seen[conv.ID] = true
	}
}

func TestMemoryStore_UnknownConversation(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	_, err := s.GetConversation(ctx, "nope")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = s.AppendActivity(ctx, "nope", messageFrom(RoleUser, "hi"))
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, _, err = s.ListActivitiesSince(ctx, "nope", 0)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	err = s.CloseConversation(ctx, "nope")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = s.SaveAttachment(ctx, "nope", &Attachment{Type: "text/plain"})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = s.SnapshotActivities(ctx, "nope")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestMemoryStore_AppendAndListSince(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	hello, err := s.AppendActivity(ctx, conv.ID, messageFrom(RoleUser, "hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hello.Watermark)

	acts, wm, err := s.ListActivitiesSince(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "hello", acts[0].Text)
	assert.Equal(t, int64(1), wm)

	_, err = s.AppendActivity(ctx, conv.ID, messageFrom(RoleBot, "hi there"))
	require.NoError(t, err)

	acts, wm, err = s.ListActivitiesSince(ctx, conv.ID, 1)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "hi there", acts[0].Text)
	assert.Equal(t, int64(2), wm)

	// beyond the max: empty, and the cursor reports the real max
	acts, wm, err = s.ListActivitiesSince(ctx, conv.ID, 50)
	require.NoError(t, err)
	assert.Empty(t, acts)
	assert.Equal(t, int64(2), wm)
}

func TestMemoryStore_ConcurrentAppendsGetDistinctWatermarks(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	const workers, perWorker = 16, 50
	var (
		mu         sync.Mutex
		watermarks []int64
		wg         sync.WaitGroup
	)
	for range workers {
		wg.Go(func() {
			for range perWorker {
				a, err := s.AppendActivity(ctx, conv.ID, messageFrom(RoleUser, "x"))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				watermarks = append(watermarks, a.Watermark)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	sort.Slice(watermarks, func(i, j int) bool { return watermarks[i] < watermarks[j] })
	require.Len(t, watermarks, workers*perWorker)
	for i, w := range watermarks {
		assert.Equal(t, int64(i+1), w)
	}

	acts, wm, err := s.ListActivitiesSince(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, acts, workers*perWorker)
	assert.Equal(t, int64(workers*perWorker), wm)
}

func TestMemoryStore_ConversationsAreIsolated(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	a := newTestConversation(t, s)
	b := newTestConversation(t, s)

	var wg sync.WaitGroup
	for _, id := range []string{a.ID, b.ID} {
		wg.Go(func() {
			for range 100 {
				_, err := s.AppendActivity(ctx, id, messageFrom(RoleUser, id))
				assert.NoError(t, err)
			}
		})
	}
	wg.Wait()

	for _, id := range []string{a.ID, b.ID} {
		acts, wm, err := s.ListActivitiesSince(ctx, id, 0)
		require.NoError(t, err)
		assert.Len(t, acts, 100)
		assert.Equal(t, int64(100), wm)
		for _, act := range acts {
			assert.Equal(t, id, act.Text)
			assert.Equal(t, id, act.Conversation.ID)
		}
	}
}

func TestMemoryStore_ReplyRequiresExistingTarget(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	first, err := s.AppendActivity(ctx, conv.ID, messageFrom(RoleUser, "question"))
	require.NoError(t, err)

	reply := messageFrom(RoleBot, "answer")
	reply.ReplyToID = first.ID
	stored, err := s.AppendActivity(ctx, conv.ID, reply)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ReplyToID)

	orphan := messageFrom(RoleBot, "answer to nothing")
	orphan.ReplyToID = conv.ID + "|0000042"
	_, err = s.AppendActivity(ctx, conv.ID, orphan)
	assert.ErrorIs(t, err, ErrActivityNotFound)

	// a failed append consumes no watermark
	assert.Equal(t, int64(2), conv.Watermark())
}

func TestMemoryStore_FindActivity(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	a, err := s.AppendActivity(ctx, conv.ID, messageFrom(RoleUser, "find me"))
	require.NoError(t, err)

	found, err := s.FindActivity(ctx, conv.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "find me", found.Text)

	_, err = s.FindActivity(ctx, conv.ID, "missing")
	assert.ErrorIs(t, err, ErrActivityNotFound)
}

func TestMemoryStore_CloseConversation(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	_, err := s.AppendActivity(ctx, conv.ID, messageFrom(RoleUser, "before"))
	require.NoError(t, err)

	require.NoError(t, s.CloseConversation(ctx, conv.ID))
	require.NoError(t, s.CloseConversation(ctx, conv.ID))
	assert.True(t, conv.Closed())

	_, err = s.AppendActivity(ctx, conv.ID, messageFrom(RoleUser, "after"))
	assert.True(t, errors.Is(err, ErrConversationClosed))

	acts, wm, err := s.ListActivitiesSince(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, acts, 1)
	assert.Equal(t, int64(1), wm)
}

func TestMemoryStore_EndConversationOnce(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	const n = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range n {
		wg.Go(func() {
			_, err := s.EndConversation(ctx, conv.ID, &Activity{
				Type: ActivityTypeEndOfConversation,
				From: ChannelAccount{ID: "user-1", Role: RoleUser},
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrConversationClosed)
		})
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.True(t, conv.Closed())

	acts, wm, err := s.ListActivitiesSince(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, int64(1), wm)
	assert.Equal(t, ActivityTypeEndOfConversation, acts[0].Type)
}

func TestMemoryStore_Attachments(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	saved, err := s.SaveAttachment(ctx, conv.ID, &Attachment{
		Name:     "note.txt",
		Type:     "text/plain",
		Original: []byte("hello bytes"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, conv.ID, saved.ConversationID)

	got, err := s.GetAttachment(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", got.Type)
	assert.Equal(t, []byte("hello bytes"), got.Original)

	_, err = s.GetAttachment(ctx, "missing")
	assert.ErrorIs(t, err, ErrAttachmentNotFound)
}

func TestMemoryStore_ListConversations(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	a := newTestConversation(t, s)
	b := newTestConversation(t, s)

	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	ids := []string{convs[0].ID, convs[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
}
