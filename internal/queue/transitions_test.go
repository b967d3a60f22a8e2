package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/bus"
	"github.com/2389/parley-gateway/internal/store"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []store.AuditEntry
}

func (r *recordingSink) Record(_ context.Context, e store.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingSink) actions() []store.AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.AuditAction, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

func TestScenario_StartTwoAssignFirst(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	base := time.Now().UTC()

	assert.Equal(t, 1, enqueueAt(t, m, "first", "co1", "Ana", base))
	assert.Equal(t, 2, enqueueAt(t, m, "second", "co1", "", base.Add(time.Second)))

	conv, err := m.Assign(ctx, "first", Actor{ID: "ag1", Name: "Agent One"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusAssigned, conv.Status)
	assert.Nil(t, conv.QueuePosition)

	first, _ := s.GetConversation(ctx, "first")
	assert.Equal(t, store.StatusAssigned, first.Status)
	assert.Nil(t, first.QueuePosition)
	require.NotNil(t, first.AssignedAgentID)
	assert.Equal(t, "ag1", *first.AssignedAgentID)
	assert.Equal(t, "Agent One", first.AssignedAgentName)

	second, _ := s.GetConversation(ctx, "second")
	require.NotNil(t, second.QueuePosition)
	assert.Equal(t, 1, *second.QueuePosition)
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from  store.ConversationStatus
		event Event
		ok    bool
	}{
		{store.StatusWaiting, EventAssign, true},
		{store.StatusWaiting, EventClose, true},
		{store.StatusWaiting, EventReopen, false},
		{store.StatusWaiting, EventTransfer, false},
		{store.StatusOpen, EventClose, true},
		{store.StatusOpen, EventAssign, false},
		{store.StatusAssigned, EventClose, true},
		{store.StatusAssigned, EventTransfer, true},
		{store.StatusAssigned, EventAssign, false},
		{store.StatusClosed, EventReopen, true},
		{store.StatusClosed, EventClose, false},
		{store.StatusClosed, EventAssign, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			_, ok := nextStatus(tt.from, tt.event)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestInvalidTransition_LeavesConversationUnchanged(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	enqueueAt(t, m, "a", "co1", "", time.Now().UTC())

	before, _ := s.GetConversation(ctx, "a")

	_, err := m.Reopen(ctx, "a", Actor{ID: "ag1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, store.StatusWaiting, te.From)
	assert.Equal(t, EventReopen, te.Event)

	_, err = m.Transfer(ctx, "a", Actor{ID: "ag2"}, Actor{ID: "ag1"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	after, _ := s.GetConversation(ctx, "a")
	assert.Equal(t, before, after)
}

func TestAssign_NotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Assign(context.Background(), "missing", Actor{ID: "ag1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAssign_Twice(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	enqueueAt(t, m, "a", "co1", "", time.Now().UTC())

	_, err := m.Assign(ctx, "a", Actor{ID: "ag1"})
	require.NoError(t, err)
	_, err = m.Assign(ctx, "a", Actor{ID: "ag2"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAssign_ConcurrentExactlyOnce(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	enqueueAt(t, m, "a", "co1", "", time.Now().UTC())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, agent := range []string{"ag1", "ag2", "ag3", "ag4"} {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			_, err := m.Assign(ctx, "a", Actor{ID: agent})
			if err == nil {
				mu.Lock()
				winners = append(winners, agent)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}(agent)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	conv, _ := s.GetConversation(ctx, "a")
	assert.Equal(t, winners[0], *conv.AssignedAgentID)
}

func TestClose_FromEachOpenState(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	base := time.Now().UTC()

	enqueueAt(t, m, "w", "co1", "", base)
	enqueueAt(t, m, "a", "co1", "", base.Add(time.Second))
	enqueueAt(t, m, "tail", "co1", "", base.Add(2*time.Second))
	_, err := m.Assign(ctx, "a", Actor{ID: "ag1"})
	require.NoError(t, err)
	require.NoError(t, s.CreateConversation(ctx, &store.Conversation{
		ID: "o", CompanyID: "co1", Status: store.StatusOpen, StartedAt: base,
	}))

	for _, id := range []string{"w", "a", "o"} {
		conv, err := m.Close(ctx, id, Actor{ID: "ag1"})
		require.NoError(t, err, id)
		assert.Equal(t, store.StatusClosed, conv.Status)
		assert.NotNil(t, conv.ClosedAt)
		assert.Nil(t, conv.QueuePosition)
	}

	tail, _ := s.GetConversation(ctx, "tail")
	assert.Equal(t, 1, *tail.QueuePosition, "closing a waiting conversation renumbers the rest")
	assertDense(t, s, "co1")

	_, err = m.Close(ctx, "w", Actor{ID: "ag1"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReopen_ReentersQueueAtTail(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	base := time.Now().UTC()

	enqueueAt(t, m, "a", "co1", "", base)
	enqueueAt(t, m, "b", "co1", "", base.Add(time.Second))
	_, err := m.Assign(ctx, "a", Actor{ID: "ag1"})
	require.NoError(t, err)
	_, err = m.Close(ctx, "a", Actor{ID: "ag1"})
	require.NoError(t, err)

	conv, err := m.Reopen(ctx, "a", Actor{ID: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, conv.Status)
	require.NotNil(t, conv.QueuePosition)
	assert.Equal(t, 2, *conv.QueuePosition)
	assert.Nil(t, conv.ClosedAt)
	assert.Nil(t, conv.AssignedAgentID)

	assertDense(t, s, "co1")
}

func TestTransfer(t *testing.T) {
	sink := &recordingSink{}
	s := store.NewMockStore()
	m := NewManager(s, Options{Audit: sink})
	ctx := context.Background()
	enqueueAt(t, m, "a", "co1", "", time.Now().UTC())

	_, err := m.Assign(ctx, "a", Actor{ID: "ag1", Name: "One"})
	require.NoError(t, err)

	conv, err := m.Transfer(ctx, "a", Actor{ID: "ag2", Name: "Two"}, Actor{ID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusAssigned, conv.Status)
	assert.Equal(t, "ag2", *conv.AssignedAgentID)
	assert.Equal(t, "Two", conv.AssignedAgentName)

	_, err = m.Transfer(ctx, "a", Actor{ID: "ag2"}, Actor{ID: "admin-1"})
	assert.ErrorIs(t, err, ErrInvalidTransition, "transfer to the current agent is rejected")

	assert.Equal(t, []store.AuditAction{store.AuditAssignConversation, store.AuditTransferConversation}, sink.actions())

	sink.mu.Lock()
	last := sink.entries[1]
	sink.mu.Unlock()
	assert.Equal(t, "admin-1", last.ActorID)
	assert.Equal(t, "co1", last.CompanyID)
	assert.Equal(t, "ag1", last.Detail["previous_agent_id"])
	assert.Equal(t, "ag2", last.Detail["agent_id"])
}

func TestTransition_PublishesEvents(t *testing.T) {
	s := store.NewMockStore()
	b := bus.NewLocalBus(nil)
	defer b.Close()
	m := NewManager(s, Options{Bus: b})
	ctx := context.Background()

	ch, _ := b.Subscribe(t.Context(), bus.TopicConversationAssigned, bus.TopicConversationClosed)

	enqueueAt(t, m, "a", "co1", "", time.Now().UTC())
	_, err := m.Assign(ctx, "a", Actor{ID: "ag1", Name: "One"})
	require.NoError(t, err)
	_, err = m.Close(ctx, "a", Actor{})
	require.NoError(t, err)

	for _, want := range []bus.Topic{bus.TopicConversationAssigned, bus.TopicConversationClosed} {
		select {
		case ev := <-ch:
			assert.Equal(t, want, ev.Topic)
			assert.Equal(t, "co1", ev.CompanyID)
			var change bus.ConversationChange
			require.NoError(t, ev.Decode(&change))
			assert.Equal(t, "a", change.ConversationID)
			assert.Equal(t, "ag1", change.AgentID)
			if want == bus.TopicConversationClosed {
				assert.Equal(t, SystemActor, change.ActorID)
				assert.NotNil(t, change.ClosedAt)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", want)
		}
	}
}

func TestStoreAuditSink(t *testing.T) {
	s := store.NewMockStore()
	sink := NewStoreAuditSink(s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sink.Record(ctx, store.AuditEntry{
		ActorID: "ag1", Action: store.AuditCloseConversation, TargetType: "conversation", TargetID: "a",
	})
	cancel() // caller cancellation does not drop the entry
	sink.Wait()

	entries, err := s.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditCloseConversation, entries[0].Action)
}
