// ABOUTME: Tests for the SQLite message store: ranges, bounds, isolation, reopen.
// ABOUTME: Uses a temp-dir database per test; redis coverage lives in integration.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-hub/internal/messaging"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "hub.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func storedMessage(convID string, seq uint64) *messaging.Message {
	return &messaging.Message{
		ID:             fmt.Sprintf("%s-m%d", convID, seq),
		ConversationID: convID,
		SenderID:       "agent-a",
		Sequence:       seq,
		Type:           messaging.TypeSpeech,
		Topic:          "deploys",
		Payload:        json.RawMessage(`{"text":"hello"}`),
		AcceptedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestAppendAndReadBack(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	want := storedMessage("conv-1", 1)
	require.NoError(t, s.Append(ctx, want))

	got, err := s.ReadRange(ctx, "conv-1", 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want.ID, got[0].ID)
	assert.Equal(t, want.SenderID, got[0].SenderID)
	assert.Equal(t, want.Sequence, got[0].Sequence)
	assert.Equal(t, want.Type, got[0].Type)
	assert.Equal(t, want.Topic, got[0].Topic)
	assert.JSONEq(t, string(want.Payload), string(got[0].Payload))
	assert.True(t, want.AcceptedAt.Equal(got[0].AcceptedAt))
}

func TestReadRangeBounds(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, s.Append(ctx, storedMessage("conv-1", seq)))
	}

	// Inclusive on both ends.
	got, err := s.ReadRange(ctx, "conv-1", 3, 6, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(3), got[0].Sequence)
	assert.Equal(t, uint64(6), got[3].Sequence)

	// Open-ended upper bound.
	got, err = s.ReadRange(ctx, "conv-1", 8, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Limit caps the page, oldest first.
	got, err = s.ReadRange(ctx, "conv-1", 1, 0, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, uint64(4), got[3].Sequence)

	// Past the end.
	got, err = s.ReadRange(ctx, "conv-1", 11, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMaxSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	max, err := s.MaxSequence(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), max)

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, s.Append(ctx, storedMessage("conv-1", seq)))
	}

	max, err = s.MaxSequence(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), max)
}

func TestConversationsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.Append(ctx, storedMessage("conv-1", 1)))
	require.NoError(t, s.Append(ctx, storedMessage("conv-2", 1)))
	require.NoError(t, s.Append(ctx, storedMessage("conv-2", 2)))

	got, err := s.ReadRange(ctx, "conv-1", 1, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, s.DeleteConversation(ctx, "conv-2"))

	max, err := s.MaxSequence(ctx, "conv-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), max)

	// conv-1 untouched by the delete.
	max, err = s.MaxSequence(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), max)
}

func TestReopenKeepsHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, storedMessage("conv-1", 1)))
	require.NoError(t, s.Append(ctx, storedMessage("conv-1", 2)))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	max, err := reopened.MaxSequence(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), max)
}
