package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/maswadkar/krishi/server/domain/entities"
	"github.com/maswadkar/krishi/server/domain/repositories"
)

const defaultPriceLimit = 100

type PriceRepository struct {
	collection *mongo.Collection
	metadata   *mongo.Collection
}

// NewPriceRepository creates a new MongoDB mandi price repository
func NewPriceRepository(db *mongo.Database) repositories.PriceRepository {
	return &PriceRepository{
		collection: db.Collection("mandi_prices"),
		metadata:   db.Collection("sync_metadata"),
	}
}

// UpsertBatch implements repositories.PriceRepository. Each record is keyed
// by its market/commodity/date identity so daily re-syncs overwrite.
func (r *PriceRepository) UpsertBatch(ctx context.Context, prices []entities.MandiPrice) error {
	if len(prices) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(prices))
	for _, price := range prices {
		price.ID = price.Key()
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": price.ID}).
			SetReplacement(price).
			SetUpsert(true))
	}

	_, err := r.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("failed to upsert %d price records: %w", len(prices), err)
	}

	return nil
}

// Query implements repositories.PriceRepository, latest arrivals first.
// Both filters match case-insensitively because the upstream feed is not
// consistent about casing.
func (r *PriceRepository) Query(ctx context.Context, commodity, district string, limit int) ([]entities.MandiPrice, error) {
	if limit <= 0 {
		limit = defaultPriceLimit
	}

	filter := bson.M{}
	if commodity != "" {
		filter["commodity"] = bson.M{"$regex": "^" + regexp.QuoteMeta(commodity) + "$", "$options": "i"}
	}
	if district != "" {
		filter["district"] = bson.M{"$regex": "^" + regexp.QuoteMeta(district) + "$", "$options": "i"}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "arrival_date", Value: -1}, {Key: "market", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer cursor.Close(ctx)

	var prices []entities.MandiPrice
	if err := cursor.All(ctx, &prices); err != nil {
		return nil, fmt.Errorf("failed to decode price records: %w", err)
	}

	return prices, nil
}

// DeleteOlderThan implements repositories.PriceRepository
func (r *PriceRepository) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, errors.New("retention days must be positive")
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	result, err := r.collection.DeleteMany(ctx, bson.M{"synced_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to purge price records: %w", err)
	}

	return result.DeletedCount, nil
}

// SetSyncMetadata implements repositories.PriceRepository
func (r *PriceRepository) SetSyncMetadata(ctx context.Context, meta entities.SyncMetadata) error {
	_, err := r.metadata.ReplaceOne(
		ctx,
		bson.M{"_id": "mandi_prices"},
		bson.M{
			"_id":             "mandi_prices",
			"last_sync_at":    meta.LastSyncAt,
			"records_written": meta.RecordsWritten,
		},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store sync metadata: %w", err)
	}

	return nil
}
