// ABOUTME: Background job that snapshots a transcript when a conversation closes
// ABOUTME: Driven by conversation.closed events on the bus

package transcript

import (
	"context"
	"log/slog"

	"github.com/2389/parley-gateway/internal/bus"
)

// Job saves one transcript per closed conversation.
type Job struct {
	builder *Builder
	bus     bus.Bus
	logger  *slog.Logger
}

func NewJob(builder *Builder, b bus.Bus, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{builder: builder, bus: b, logger: logger.With("component", "transcript")}
}

// Run subscribes to conversation.closed and saves transcripts until ctx is
// done. ready, if non-nil, is closed once the subscription is in place.
func (j *Job) Run(ctx context.Context, ready chan<- struct{}) {
	events, _ := j.bus.Subscribe(ctx, bus.TopicConversationClosed)
	if ready != nil {
		close(ready)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			j.handle(ctx, ev)
		}
	}
}

func (j *Job) handle(ctx context.Context, ev *bus.Event) {
	saved, err := j.builder.Save(ctx, ev.ConversationID)
	if err != nil {
		j.logger.Error("saving transcript",
			"conversation_id", ev.ConversationID,
			"error", err)
		return
	}
	if !saved {
		j.logger.Debug("transcript already stored", "conversation_id", ev.ConversationID)
		return
	}
	j.logger.Info("transcript saved", "conversation_id", ev.ConversationID)
}
