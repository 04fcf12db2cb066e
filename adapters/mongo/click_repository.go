package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/maswadkar/krishi/server/domain/entities"
	"github.com/maswadkar/krishi/server/domain/repositories"
)

type ClickRepository struct {
	collection *mongo.Collection
}

// NewClickRepository creates a new MongoDB supplier click repository
func NewClickRepository(db *mongo.Database) repositories.ClickRepository {
	return &ClickRepository{
		collection: db.Collection("supplier_clicks"),
	}
}

// Insert implements repositories.ClickRepository
func (r *ClickRepository) Insert(ctx context.Context, click entities.SupplierClick) error {
	if click.SupplierID == "" {
		return errors.New("supplier ID cannot be empty")
	}
	if click.Timestamp.IsZero() {
		click.Timestamp = time.Now()
	}

	_, err := r.collection.InsertOne(ctx, click)
	if err != nil {
		return fmt.Errorf("failed to record supplier click: %w", err)
	}

	return nil
}
