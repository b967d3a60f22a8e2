// ABOUTME: In-memory fan-out event bus for a single gateway instance
// ABOUTME: Delivers published events to every subscriber; message events wait briefly before dropping

package bus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/metrics"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 256

	// messageSendGrace is how long a message.* publish waits on a full
	// subscriber before dropping. A subscriber that used up its grace is
	// lagging and gets no further waits until a send succeeds again.
	messageSendGrace = 250 * time.Millisecond
)

type subscription struct {
	topics  []Topic
	ch      chan *Event
	lagging atomic.Bool
}

// waitsWhenFull reports whether a topic's events are worth a short wait on a
// full subscriber. Conversation and queue events are superseded by the next
// snapshot; a lost message is only recovered by reloading history.
func waitsWhenFull(t Topic) bool {
	return t == TopicMessageCreated || t == TopicMessageUpdated
}

// LocalBus provides in-memory pub/sub for notification events. Each
// subscription receives events in publish order on its own channel.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription // subID -> subscription
	closed      bool
	logger      *slog.Logger
}

// NewLocalBus creates a bus. Pass nil logger for default.
func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{
		subscribers: make(map[string]*subscription),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber for the given topics (all topics when none
// are given). Returns a channel that receives events and a subscription ID
// for later unsubscription. The subscription is automatically cleaned up
// when ctx is cancelled.
func (b *LocalBus) Subscribe(ctx context.Context, topics ...Topic) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)
	if len(topics) == 0 {
		topics = AllTopics
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = &subscription{topics: slices.Clone(topics), ch: ch}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "topics", topics)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of its topic. Events are
// dropped for subscribers whose channels are full; message events first
// wait up to messageSendGrace for room.
func (b *LocalBus) Publish(_ context.Context, ev *Event) error {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if slices.Contains(sub.topics, ev.Topic) {
			targets = append(targets, sub)
		}
	}
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	for _, sub := range targets {
		if !b.deliver(sub, ev) {
			metrics.BusEventsDropped.WithLabelValues(string(ev.Topic)).Inc()
			b.logger.Warn("dropped event for slow subscriber",
				"topic", ev.Topic,
				"event_id", ev.ID,
				"conversation_id", ev.ConversationID)
		}
	}
	b.mu.RUnlock()

	metrics.BusEventsPublished.WithLabelValues(string(ev.Topic)).Inc()
	return nil
}

func (b *LocalBus) deliver(sub *subscription, ev *Event) bool {
	select {
	case sub.ch <- ev:
		sub.lagging.Store(false)
		return true
	default:
	}
	if !waitsWhenFull(ev.Topic) || sub.lagging.Load() {
		return false
	}

	timer := time.NewTimer(messageSendGrace)
	defer timer.Stop()
	select {
	case sub.ch <- ev:
		return true
	case <-timer.C:
		sub.lagging.Store(true)
		return false
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *LocalBus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, subID)
	}
	b.closed = true

	b.logger.Debug("bus closed")
}

var _ Bus = (*LocalBus)(nil)
