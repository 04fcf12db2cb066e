package appconfig

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/domain/repositories"
)

const (
	// defaultSupplierNumber is the compiled-in fallback, used until a remote
	// value is available.
	defaultSupplierNumber = "919403513382"

	// fetchInterval is how long a fetched value is served before the store
	// is consulted again.
	fetchInterval = 12 * time.Hour
)

// Store serves remotely managed configuration from the app_config collection
// with compiled-in fallbacks. Lookups are cached; a store failure serves the
// last known (or default) value and never surfaces to the caller.
type Store struct {
	collection *mongo.Collection
	logger     *zap.Logger

	mu        sync.Mutex
	supplier  string
	fetchedAt time.Time
	interval  time.Duration
}

var _ repositories.AppConfig = (*Store)(nil)

// NewStore creates the config store.
func NewStore(db *mongo.Database, logger *zap.Logger) *Store {
	return &Store{
		collection: db.Collection("app_config"),
		logger:     logger,
		supplier:   defaultSupplierNumber,
		interval:   fetchInterval,
	}
}

// SupplierContactNumber implements repositories.AppConfig.
func (s *Store) SupplierContactNumber(ctx context.Context) string {
	s.mu.Lock()
	fresh := time.Since(s.fetchedAt) < s.interval
	value := s.supplier
	s.mu.Unlock()
	if fresh {
		return value
	}

	var doc struct {
		SupplierWhatsAppNumber string `bson:"supplier_whatsapp_number"`
	}
	err := s.collection.FindOne(ctx, bson.M{"_id": "app"}).Decode(&doc)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			s.logger.Warn("Failed to fetch remote config, serving cached value", zap.Error(err))
			return value
		}
		// No remote override configured; remember that for the interval.
		doc.SupplierWhatsAppNumber = defaultSupplierNumber
	}
	if doc.SupplierWhatsAppNumber == "" {
		doc.SupplierWhatsAppNumber = defaultSupplierNumber
	}

	s.mu.Lock()
	s.supplier = doc.SupplierWhatsAppNumber
	s.fetchedAt = time.Now()
	value = s.supplier
	s.mu.Unlock()

	s.logger.Debug("Remote config refreshed",
		zap.String("supplier_whatsapp_number", value))
	return value
}
