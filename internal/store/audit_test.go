// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append and List with filtering for the audit_log table

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		ActorID:    "agent-123",
		Action:     AuditAssignConversation,
		TargetType: "conversation",
		TargetID:   "conv-456",
		Detail:     map[string]any{"from": "waiting"},
	}

	err := store.AppendAuditLog(ctx, entry)
	require.NoError(t, err)

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "waiting", entries[0].Detail["from"])
}

func TestAuditStore_Append_UnknownAction(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			err := newStore(t).AppendAuditLog(context.Background(), &AuditEntry{
				ActorID: "agent-1", Action: "approve_principal", TargetType: "conversation", TargetID: "c",
			})
			assert.Error(t, err)
		})
	}
}

func TestAuditStore_List_NoFilter(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			for i, action := range []AuditAction{AuditAssignConversation, AuditTransferConversation, AuditCloseConversation} {
				entry := &AuditEntry{
					ActorID:    "agent-123",
					Action:     action,
					TargetType: "conversation",
					TargetID:   generateTestID("target", i),
					Timestamp:  time.Now().UTC().Add(time.Duration(i) * time.Second),
				}
				require.NoError(t, store.AppendAuditLog(ctx, entry))
			}

			entries, err := store.ListAuditLog(ctx, AuditFilter{})
			require.NoError(t, err)
			assert.Len(t, entries, 3)

			// Newest first
			assert.Equal(t, AuditCloseConversation, entries[0].Action)
		})
	}
}

func TestAuditStore_List_BySince(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	baseTime := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		entry := &AuditEntry{
			ActorID:    "agent-123",
			Action:     AuditCloseConversation,
			TargetType: "conversation",
			TargetID:   generateTestID("target", i),
			Timestamp:  baseTime.Add(time.Duration(i) * 10 * time.Minute),
		}
		require.NoError(t, store.AppendAuditLog(ctx, entry))
	}

	since := baseTime.Add(15 * time.Minute)
	entries, err := store.ListAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, entries, 1) // Only entry at 20 minutes
}

func TestAuditStore_List_ByActorAndAction(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			rows := []struct {
				actor  string
				action AuditAction
			}{
				{"agent-1", AuditEditMessage},
				{"agent-2", AuditEditMessage},
				{"agent-1", AuditDeleteMessage},
				{"agent-1", AuditEditMessage},
			}
			for i, r := range rows {
				require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
					ActorID:    r.actor,
					Action:     r.action,
					TargetType: "message",
					TargetID:   generateTestID("msg", i),
				}))
			}

			actor := "agent-1"
			entries, err := store.ListAuditLog(ctx, AuditFilter{ActorID: &actor})
			require.NoError(t, err)
			assert.Len(t, entries, 3)

			action := AuditEditMessage
			entries, err = store.ListAuditLog(ctx, AuditFilter{ActorID: &actor, Action: &action})
			require.NoError(t, err)
			assert.Len(t, entries, 2)
			for _, e := range entries {
				assert.Equal(t, "agent-1", e.ActorID)
				assert.Equal(t, AuditEditMessage, e.Action)
			}
		})
	}
}

func TestAuditStore_List_ByTarget(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	targets := []struct {
		targetType string
		targetID   string
	}{
		{"conversation", "c-1"},
		{"message", "m-1"},
		{"conversation", "c-1"},
	}
	for _, tg := range targets {
		require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
			ActorID:    "system",
			Action:     AuditReopenConversation,
			TargetType: tg.targetType,
			TargetID:   tg.targetID,
		}))
	}

	targetType := "conversation"
	targetID := "c-1"
	results, err := store.ListAuditLog(ctx, AuditFilter{
		TargetType: &targetType,
		TargetID:   &targetID,
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestAuditStore_List_Limit(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
					ActorID:    "agent-123",
					Action:     AuditAssignConversation,
					TargetType: "conversation",
					TargetID:   generateTestID("target", i),
				}))
			}

			entries, err := store.ListAuditLog(ctx, AuditFilter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, entries, 2)
		})
	}
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 100, normalizeAuditLimit(-3))
	assert.Equal(t, 50, normalizeAuditLimit(50))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
}

func TestAuditStore_List_ByCompany(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			for i, company := range []string{"co1", "co2", "co1"} {
				require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
					ActorID:    "agent-1",
					CompanyID:  company,
					Action:     AuditCloseConversation,
					TargetType: "conversation",
					TargetID:   generateTestID("conv", i),
				}))
			}

			co1 := "co1"
			entries, err := store.ListAuditLog(ctx, AuditFilter{CompanyID: &co1})
			require.NoError(t, err)
			require.Len(t, entries, 2)
			for _, e := range entries {
				assert.Equal(t, "co1", e.CompanyID)
			}

			none := "co3"
			entries, err = store.ListAuditLog(ctx, AuditFilter{CompanyID: &none})
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}
