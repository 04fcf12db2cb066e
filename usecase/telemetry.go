package usecase

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/domain/entities"
	"github.com/maswadkar/krishi/server/domain/repositories"
)

const (
	clickQueueSize    = 256
	clickWriteTimeout = 5 * time.Second
)

// ClickTracker records supplier contact clicks for the pay-per-lead model.
// Recording is fire-and-forget: a full queue or a failed write drops the
// click with a log line and never blocks the caller.
type ClickTracker struct {
	clicks  repositories.ClickRepository
	logger  *zap.Logger
	queue   chan entities.SupplierClick
	done    chan struct{}
	dropped atomic.Int64
}

// NewClickTracker starts the background writer.
func NewClickTracker(clicks repositories.ClickRepository, logger *zap.Logger) *ClickTracker {
	t := &ClickTracker{
		clicks: clicks,
		logger: logger,
		queue:  make(chan entities.SupplierClick, clickQueueSize),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

// Record enqueues one click. Never blocks.
func (t *ClickTracker) Record(userID, supplierID, offerID string, clickType entities.ClickType) {
	click := entities.SupplierClick{
		SupplierID: supplierID,
		OfferID:    offerID,
		ClickType:  clickType,
		UserID:     userID,
		Timestamp:  time.Now(),
	}
	select {
	case t.queue <- click:
	default:
		n := t.dropped.Add(1)
		t.logger.Warn("Click queue full, dropping click",
			zap.String("supplier_id", supplierID),
			zap.Int64("dropped_total", n))
	}
}

// Dropped returns how many clicks were discarded because the queue was full.
func (t *ClickTracker) Dropped() int64 {
	return t.dropped.Load()
}

// Close drains the queue and stops the writer.
func (t *ClickTracker) Close() {
	close(t.queue)
	<-t.done
}

func (t *ClickTracker) run() {
	defer close(t.done)
	for click := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), clickWriteTimeout)
		if err := t.clicks.Insert(ctx, click); err != nil {
			t.logger.Warn("Failed to record click",
				zap.String("supplier_id", click.SupplierID),
				zap.Error(err))
		} else {
			t.logger.Debug("Click recorded",
				zap.String("supplier_id", click.SupplierID),
				zap.String("click_type", string(click.ClickType)))
		}
		cancel()
	}
}
