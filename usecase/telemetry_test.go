package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/domain/entities"
)

type fakeClickRepository struct {
	mu      sync.Mutex
	inserts []entities.SupplierClick
	err     error
	block   chan struct{}
}

func (r *fakeClickRepository) Insert(_ context.Context, click entities.SupplierClick) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.inserts = append(r.inserts, click)
	return nil
}

func (r *fakeClickRepository) recorded() []entities.SupplierClick {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entities.SupplierClick, len(r.inserts))
	copy(out, r.inserts)
	return out
}

func TestClickTracker_RecordsInBackground(t *testing.T) {
	repo := &fakeClickRepository{}
	tracker := NewClickTracker(repo, zap.NewNop())

	tracker.Record("farmer-1", "supplier-7", "offer-3", entities.ClickTypeWhatsApp)
	tracker.Record("", "supplier-7", "offer-3", entities.ClickTypeCall)
	tracker.Close()

	got := repo.recorded()
	if len(got) != 2 {
		t.Fatalf("recorded = %d, want 2", len(got))
	}
	if got[0].SupplierID != "supplier-7" || got[0].ClickType != entities.ClickTypeWhatsApp {
		t.Errorf("first click = %+v", got[0])
	}
	if got[1].UserID != "" {
		t.Errorf("anonymous click kept user %q", got[1].UserID)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestClickTracker_InsertFailureIsSwallowed(t *testing.T) {
	repo := &fakeClickRepository{err: errors.New("write concern failed")}
	tracker := NewClickTracker(repo, zap.NewNop())

	tracker.Record("farmer-1", "supplier-1", "offer-1", entities.ClickTypeCall)
	tracker.Close()

	if got := repo.recorded(); len(got) != 0 {
		t.Errorf("recorded = %d, want 0", len(got))
	}
}

func TestClickTracker_FullQueueDropsWithoutBlocking(t *testing.T) {
	repo := &fakeClickRepository{block: make(chan struct{})}
	tracker := NewClickTracker(repo, zap.NewNop())

	// One click parks in the writer, clickQueueSize fill the channel, the
	// rest must drop immediately.
	for i := 0; i < clickQueueSize+10; i++ {
		tracker.Record("farmer-1", "supplier-1", "offer-1", entities.ClickTypeWhatsApp)
	}
	if tracker.Dropped() == 0 {
		t.Error("expected drops once the queue filled")
	}

	close(repo.block)
	tracker.Close()

	if got := int64(len(repo.recorded())) + tracker.Dropped(); got != clickQueueSize+10 {
		t.Errorf("recorded+dropped = %d, want %d", got, clickQueueSize+10)
	}
}
