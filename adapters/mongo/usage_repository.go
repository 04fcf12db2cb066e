package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/maswadkar/krishi/server/domain/entities"
	"github.com/maswadkar/krishi/server/domain/repositories"
)

type UsageRepository struct {
	collection *mongo.Collection
}

// NewUsageRepository creates a new MongoDB voice usage repository
func NewUsageRepository(db *mongo.Database) repositories.UsageRepository {
	return &UsageRepository{
		collection: db.Collection("voice_usage"),
	}
}

// Get implements repositories.UsageRepository. A user with no document yet
// gets a zero-valued record, not an error.
func (r *UsageRepository) Get(ctx context.Context, userID string) (entities.VoiceUsage, error) {
	if userID == "" {
		return entities.VoiceUsage{}, errors.New("user ID cannot be empty")
	}

	var usage entities.VoiceUsage
	err := r.collection.FindOne(ctx, bson.M{"_id": userID}).Decode(&usage)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return entities.VoiceUsage{UserID: userID}, nil
		}
		return entities.VoiceUsage{}, fmt.Errorf("failed to get usage for user %s: %w", userID, err)
	}

	return usage, nil
}

// Set implements repositories.UsageRepository. The whole document is replaced
// so the last writer wins.
func (r *UsageRepository) Set(ctx context.Context, usage entities.VoiceUsage) error {
	if usage.UserID == "" {
		return errors.New("user ID cannot be empty")
	}

	_, err := r.collection.ReplaceOne(
		ctx,
		bson.M{"_id": usage.UserID},
		usage,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to set usage for user %s: %w", usage.UserID, err)
	}

	return nil
}
