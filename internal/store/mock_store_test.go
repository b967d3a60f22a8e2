// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on copy isolation and edge cases specific to the in-memory implementation

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_CreateConversation_Duplicate(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	conv := waitingConversation("conv-1", "acme", 1, time.Now().UTC())
	require.NoError(t, store.CreateConversation(ctx, conv))

	err := store.CreateConversation(ctx, conv)
	assert.Error(t, err, "duplicate id should fail like the SQLite primary key")
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.CreateConversation(ctx, waitingConversation("conv-1", "acme", 1, now)))
	got, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	*got.QueuePosition = 99

	again, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, *again.QueuePosition)

	require.NoError(t, store.CreateMessage(ctx, newTestMessage("m1", "conv-1", now, "hello")))
	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	msg.Payload.AddReaction("👍", "user-9")

	fresh, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, fresh.Payload.Reactions)
}

func TestMockStore_UpdateConversationIf_KeepsImmutableFields(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	started := time.Now().UTC()

	require.NoError(t, store.CreateConversation(ctx, waitingConversation("conv-1", "acme", 1, started)))
	conv, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)

	conv.CompanyID = "hijack"
	conv.StartedAt = started.Add(time.Hour)
	pos := 2
	conv.QueuePosition = &pos
	require.NoError(t, store.UpdateConversationIf(ctx, conv, StatusWaiting))

	got, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.CompanyID)
	assert.True(t, started.Equal(got.StartedAt))
	assert.Equal(t, 2, *got.QueuePosition)
}

func TestMockStore_Ping(t *testing.T) {
	store := NewMockStore()
	assert.NoError(t, store.Ping(context.Background()))

	store.PingErr = errors.New("down")
	assert.Error(t, store.Ping(context.Background()))
}
