// ABOUTME: Queue Manager: per-company queue positions, renumbering and wait estimates
// ABOUTME: All queue mutations for one company run under that company's lock

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/bus"
	"github.com/2389/parley-gateway/internal/metrics"
	"github.com/2389/parley-gateway/internal/store"
)

const (
	// DefaultMinutesPerPosition is the advisory wait per queue slot.
	DefaultMinutesPerPosition = 5

	// AnonymousName is shown for clients that did not give a name.
	AnonymousName = "Anônimo"

	previewRunes = 100
)

// Store defines what the queue needs from storage.
type Store interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpdateConversationIf(ctx context.Context, conv *store.Conversation, expected store.ConversationStatus) error
	ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error)
	EnqueueConversation(ctx context.Context, conv *store.Conversation) error
	MaxQueuePosition(ctx context.Context, companyID string) (int, error)
	SetQueuePositions(ctx context.Context, companyID string, positions map[string]int) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
}

// Options configures a Manager. Zero values pick defaults; a nil Bus or
// Audit disables notifications or auditing. A nil Locker serializes
// companies within this process only.
type Options struct {
	MinutesPerPosition int
	Bus                bus.Bus
	Audit              AuditSink
	Locker             Locker
	Logger             *slog.Logger
}

// Manager owns queue positions and conversation status transitions.
type Manager struct {
	store              Store
	bus                bus.Bus
	audit              AuditSink
	minutesPerPosition int
	locks              Locker
	logger             *slog.Logger
}

// NewManager creates a queue manager.
func NewManager(s Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mpp := opts.MinutesPerPosition
	if mpp <= 0 {
		mpp = DefaultMinutesPerPosition
	}
	locks := opts.Locker
	if locks == nil {
		locks = NewLocalLocker()
	}
	return &Manager{
		store:              s,
		bus:                opts.Bus,
		audit:              opts.Audit,
		minutesPerPosition: mpp,
		locks:              locks,
		logger:             logger.With("component", "queue"),
	}
}

// QueueEntry is one row of a company's active queue.
type QueueEntry struct {
	Rank           int                      `json:"rank"`
	ConversationID string                   `json:"conversationId"`
	Position       *int                     `json:"position"`
	Status         store.ConversationStatus `json:"status"`
	ClientName     string                   `json:"clientName"`
	LastMessage    string                   `json:"lastMessage,omitempty"`
	StartedAt      time.Time                `json:"startedAt"`
	EstimatedWait  int                      `json:"estimatedWait"`
}

// NextPosition returns the slot a new conversation would get: the highest
// position among the company's waiting/open conversations plus one.
func (m *Manager) NextPosition(ctx context.Context, companyID string) (int, error) {
	maxPos, err := m.store.MaxQueuePosition(ctx, companyID)
	if err != nil {
		return 0, fmt.Errorf("reading queue tail: %w", err)
	}
	return maxPos + 1, nil
}

// Enqueue creates conv as a waiting conversation at the tail of its
// company's queue and returns the assigned position. ID and StartedAt are
// filled in when empty.
func (m *Manager) Enqueue(ctx context.Context, conv *store.Conversation) (int, error) {
	if conv.CompanyID == "" {
		return 0, fmt.Errorf("company id is required")
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.StartedAt.IsZero() {
		conv.StartedAt = time.Now().UTC()
	}

	unlock, err := m.locks.Lock(ctx, conv.CompanyID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if err := m.store.EnqueueConversation(ctx, conv); err != nil {
		return 0, fmt.Errorf("creating conversation: %w", err)
	}
	pos := *conv.QueuePosition

	m.logger.Info("conversation enqueued",
		"conversation_id", conv.ID,
		"company_id", conv.CompanyID,
		"position", pos)

	m.publish(ctx, bus.TopicQueueUpdated, conv.ID, conv.CompanyID, bus.QueueChange{
		ConversationID: conv.ID,
		Position:       pos,
		EstimatedWait:  m.EstimateWait(pos),
	})
	return pos, nil
}

// Reorganize renumbers the company's waiting conversations as 1..N by start
// time. Reapplying it without queue changes is a no-op.
func (m *Manager) Reorganize(ctx context.Context, companyID string) error {
	unlock, err := m.locks.Lock(ctx, companyID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.reorganizeLocked(ctx, companyID)
}

// reorganizeLocked must be called with the company lock held.
func (m *Manager) reorganizeLocked(ctx context.Context, companyID string) error {
	waiting, err := m.store.ListConversations(ctx, store.ConversationFilter{
		CompanyID: companyID,
		Statuses:  []store.ConversationStatus{store.StatusWaiting},
	})
	if err != nil {
		return fmt.Errorf("listing waiting conversations: %w", err)
	}

	changed := make(map[string]int)
	for i, conv := range waiting {
		want := i + 1
		if conv.QueuePosition == nil || *conv.QueuePosition != want {
			changed[conv.ID] = want
		}
	}
	if len(changed) == 0 {
		return nil
	}

	if err := m.store.SetQueuePositions(ctx, companyID, changed); err != nil {
		return fmt.Errorf("writing queue positions: %w", err)
	}
	metrics.Reorganizations.Inc()

	m.logger.Debug("queue reorganized", "company_id", companyID, "changed", len(changed))

	for _, conv := range waiting {
		pos, ok := changed[conv.ID]
		if !ok {
			continue
		}
		m.publish(ctx, bus.TopicQueueUpdated, conv.ID, companyID, bus.QueueChange{
			ConversationID: conv.ID,
			Position:       pos,
			EstimatedWait:  m.EstimateWait(pos),
		})
	}
	return nil
}

// EstimateWait returns the advisory wait in minutes for a queue position.
func (m *Manager) EstimateWait(position int) int {
	if position <= 0 {
		return 0
	}
	return position * m.minutesPerPosition
}

// Position returns the conversation's queue position, or nil when it is not waiting.
func (m *Manager) Position(ctx context.Context, conversationID string) (*int, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.StatusWaiting {
		return nil, nil
	}
	return conv.QueuePosition, nil
}

// ActiveQueue lists the company's waiting and open conversations by position.
// An unknown company yields an empty list.
func (m *Manager) ActiveQueue(ctx context.Context, companyID string) ([]QueueEntry, error) {
	convs, err := m.store.ListConversations(ctx, store.ConversationFilter{
		CompanyID: companyID,
		Statuses:  []store.ConversationStatus{store.StatusWaiting, store.StatusOpen},
	})
	if err != nil {
		return nil, fmt.Errorf("listing active queue: %w", err)
	}

	// Already ordered by start time; positioned rows go first by position.
	sort.SliceStable(convs, func(i, j int) bool {
		pi, pj := convs[i].QueuePosition, convs[j].QueuePosition
		switch {
		case pi != nil && pj != nil:
			return *pi < *pj
		case pi != nil:
			return true
		default:
			return false
		}
	})

	entries := make([]QueueEntry, 0, len(convs))
	for i, conv := range convs {
		entry := QueueEntry{
			Rank:           i + 1,
			ConversationID: conv.ID,
			Position:       conv.QueuePosition,
			Status:         conv.Status,
			ClientName:     DisplayName(conv),
			StartedAt:      conv.StartedAt,
		}
		if conv.QueuePosition != nil {
			entry.EstimatedWait = m.EstimateWait(*conv.QueuePosition)
		}

		last, err := m.store.RecentMessages(ctx, conv.ID, 1)
		if err != nil {
			return nil, fmt.Errorf("reading last message of %s: %w", conv.ID, err)
		}
		if len(last) > 0 {
			entry.LastMessage = Preview(last[0].Content)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DisplayName returns the client's name or the anonymous placeholder.
func DisplayName(conv *store.Conversation) string {
	if conv.ClientName != "" {
		return conv.ClientName
	}
	return AnonymousName
}

// Preview truncates s to the preview length in runes.
func Preview(s string) string {
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes])
}

func (m *Manager) publish(ctx context.Context, topic bus.Topic, convID, companyID string, data any) {
	if m.bus == nil {
		return
	}
	ev, err := bus.NewEvent(topic, convID, companyID, data)
	if err != nil {
		m.logger.Error("building event", "topic", topic, "error", err)
		return
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("publishing event", "topic", topic, "conversation_id", convID, "error", err)
	}
}
