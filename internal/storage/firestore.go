package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/bot-auth-bridge/internal/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStorage implements Store using Google Cloud Firestore.
//
// Layout: one document per bucket in the configured collection, with a
// "values" subcollection holding one document per key. Bucket and key names
// are path-escaped because Firestore document IDs cannot contain '/'.
type FirestoreStorage struct {
	client     *firestore.Client
	projectID  string
	collection string
}

// Ensure FirestoreStorage implements Store interface
var _ Store = (*FirestoreStorage)(nil)

// valueDoc represents a stored value in Firestore
type valueDoc struct {
	Bucket    string    `firestore:"bucket"`
	Key       string    `firestore:"key"`
	Value     []byte    `firestore:"value"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// NewFirestoreStorage creates a new Firestore storage instance
func NewFirestoreStorage(ctx context.Context, projectID, database, collection string) (*FirestoreStorage, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	// Firestore client with custom database
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})

	return &FirestoreStorage{
		client:     client,
		projectID:  projectID,
		collection: collection,
	}, nil
}

func (s *FirestoreStorage) doc(bucket, key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).
		Doc(url.PathEscape(bucket)).
		Collection("values").
		Doc(url.PathEscape(key))
}

func (s *FirestoreStorage) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	snap, err := s.doc(bucket, key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get value from Firestore: %w", err)
	}

	var doc valueDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return doc.Value, nil
}

func (s *FirestoreStorage) Put(ctx context.Context, bucket, key string, value []byte) error {
	doc := valueDoc{
		Bucket:    bucket,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	if _, err := s.doc(bucket, key).Set(ctx, doc); err != nil {
		log.LogErrorWithFields("storage", "Failed to write value to Firestore", map[string]any{
			"bucket": bucket,
			"key":    key,
			"error":  err.Error(),
		})
		return fmt.Errorf("failed to store value in Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.doc(bucket, key).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete value from Firestore: %w", err)
	}
	return nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
