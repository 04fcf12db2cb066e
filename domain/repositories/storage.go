package repositories

import (
	"context"
	"io"

	"github.com/maswadkar/krishi/server/domain/entities"
)

// UsageRepository defines data access for per-user voice usage documents.
type UsageRepository interface {
	// Get returns the stored usage, or a zero-valued record when the user
	// has no document yet.
	Get(ctx context.Context, userID string) (entities.VoiceUsage, error)
	// Set overwrites the whole document (last-writer-wins).
	Set(ctx context.Context, usage entities.VoiceUsage) error
}

// ConversationRepository defines data access for chat conversations.
type ConversationRepository interface {
	Save(ctx context.Context, conversation *entities.Conversation) (string, error)
	GetByID(ctx context.Context, id string) (*entities.Conversation, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*entities.Conversation, error)
	Delete(ctx context.Context, id string) error
}

// PriceRepository defines data access for mandi price records.
type PriceRepository interface {
	// UpsertBatch writes a page of synced records keyed by MandiPrice.Key.
	UpsertBatch(ctx context.Context, prices []entities.MandiPrice) error
	// Query returns latest-first records, both filters optional.
	Query(ctx context.Context, commodity, district string, limit int) ([]entities.MandiPrice, error)
	// DeleteOlderThan purges records synced more than the given days ago.
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
	SetSyncMetadata(ctx context.Context, meta entities.SyncMetadata) error
}

// ClickRepository records supplier contact clicks for lead billing.
type ClickRepository interface {
	Insert(ctx context.Context, click entities.SupplierClick) error
}

// ObjectStorage stores chat image attachments. Keys follow
// user_images/{userId}/{conversationId}/{filename}.
type ObjectStorage interface {
	Upload(ctx context.Context, key string, r io.Reader) error
	Download(ctx context.Context, key string, w io.Writer) error
	Delete(ctx context.Context, key string) error
}

// AppConfig serves remotely managed configuration values with compiled-in
// fallbacks.
type AppConfig interface {
	// SupplierContactNumber returns the supplier WhatsApp number, falling
	// back to the build default when the remote value is unavailable.
	SupplierContactNumber(ctx context.Context) string
}
