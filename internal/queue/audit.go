// ABOUTME: Fire-and-forget audit sink for conversation transitions
// ABOUTME: StoreAuditSink writes entries to the store's audit log without blocking callers

package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley-gateway/internal/store"
)

// AuditSink records audit events. Implementations must not block the caller
// on slow or failing storage.
type AuditSink interface {
	Record(ctx context.Context, entry store.AuditEntry)
}

// AuditAppender is the store method StoreAuditSink writes through.
type AuditAppender interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// StoreAuditSink appends entries asynchronously and logs failures.
type StoreAuditSink struct {
	store   AuditAppender
	timeout time.Duration
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewStoreAuditSink creates a sink that writes to s.
func NewStoreAuditSink(s AuditAppender, logger *slog.Logger) *StoreAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreAuditSink{
		store:   s,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "audit"),
	}
}

// Record appends entry in the background. The caller's cancellation does not
// abort the write.
func (a *StoreAuditSink) Record(ctx context.Context, entry store.AuditEntry) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.store.AppendAuditLog(ctx, &entry); err != nil {
			a.logger.Error("failed to write audit entry",
				"action", entry.Action,
				"target", entry.TargetType+"/"+entry.TargetID,
				"error", err)
		}
	}()
}

// Wait blocks until every pending write has finished.
func (a *StoreAuditSink) Wait() {
	a.wg.Wait()
}
