package mongo

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/maswadkar/krishi/server/domain/repositories"
)

// GridFSStorage stores chat image attachments in a GridFS bucket. Keys are
// GridFS filenames, shaped user_images/{userId}/{conversationId}/{filename}.
type GridFSStorage struct {
	bucket *gridfs.Bucket
}

// NewGridFSStorage creates the image bucket on the given database.
func NewGridFSStorage(db *mongo.Database) (repositories.ObjectStorage, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName("user_images"))
	if err != nil {
		return nil, fmt.Errorf("failed to create GridFS bucket: %w", err)
	}
	return &GridFSStorage{bucket: bucket}, nil
}

// Upload implements repositories.ObjectStorage. Re-uploading a key removes
// the previous revision first so downloads never pick a stale file.
func (s *GridFSStorage) Upload(ctx context.Context, key string, r io.Reader) error {
	if key == "" {
		return errors.New("storage key cannot be empty")
	}

	// Remove any earlier upload under the same key.
	if err := s.Delete(ctx, key); err != nil {
		return err
	}

	if _, err := s.bucket.UploadFromStream(key, r); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Download implements repositories.ObjectStorage
func (s *GridFSStorage) Download(ctx context.Context, key string, w io.Writer) error {
	if key == "" {
		return errors.New("storage key cannot be empty")
	}

	if _, err := s.bucket.DownloadToStreamByName(key, w); err != nil {
		return fmt.Errorf("failed to download %s: %w", key, err)
	}
	return nil
}

// Delete implements repositories.ObjectStorage
func (s *GridFSStorage) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("storage key cannot be empty")
	}

	cursor, err := s.bucket.Find(bson.M{"filename": key})
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", key, err)
	}
	defer cursor.Close(ctx)

	var files []struct {
		ID interface{} `bson:"_id"`
	}
	if err := cursor.All(ctx, &files); err != nil {
		return fmt.Errorf("failed to decode file listing for %s: %w", key, err)
	}

	for _, file := range files {
		if err := s.bucket.Delete(file.ID); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return nil
}
