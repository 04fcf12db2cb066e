package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/maswadkar/krishi/server/domain/entities"
	"github.com/maswadkar/krishi/server/domain/repositories"
)

const defaultConversationLimit = 50

type ConversationRepository struct {
	collection *mongo.Collection
}

// NewConversationRepository creates a new MongoDB conversation repository
func NewConversationRepository(db *mongo.Database) repositories.ConversationRepository {
	return &ConversationRepository{
		collection: db.Collection("conversations"),
	}
}

// Save implements repositories.ConversationRepository. A conversation without
// an ID gets one assigned; an existing one is replaced wholesale.
func (r *ConversationRepository) Save(ctx context.Context, conversation *entities.Conversation) (string, error) {
	if conversation == nil {
		return "", errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return "", err
	}

	if conversation.ID == "" {
		conversation.ID = primitive.NewObjectID().Hex()
	}

	_, err := r.collection.ReplaceOne(
		ctx,
		bson.M{"_id": conversation.ID},
		conversation,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save conversation: %w", err)
	}

	return conversation.ID, nil
}

// GetByID implements repositories.ConversationRepository
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	if id == "" {
		return nil, errors.New("conversation ID cannot be empty")
	}

	var conversation entities.Conversation
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&conversation)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %s not found", id)
		}
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}

	return &conversation, nil
}

// ListByUser implements repositories.ConversationRepository, most recently
// updated first.
func (r *ConversationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*entities.Conversation, error) {
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}
	if limit <= 0 {
		limit = defaultConversationLimit
	}

	opts := options.Find().
		SetSort(bson.M{"updated_at": -1}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations for user %s: %w", userID, err)
	}
	defer cursor.Close(ctx)

	var conversations []*entities.Conversation
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}

	return conversations, nil
}

// Delete implements repositories.ConversationRepository
func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("conversation ID cannot be empty")
	}

	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}

	return nil
}
