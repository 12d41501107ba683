// Package docstore talks to the document store behind the data service. It
// writes marker documents so callers can tell whether storage survived a
// restart.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Store reads and writes probe documents in one collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	owned  bool
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// URI builds a connection string for a store published on host:port.
func URI(host string, port int) string {
	return fmt.Sprintf("mongodb://%s:%d/?directConnection=true", host, port)
}

// Connect opens a client for uri. The driver connects lazily, so a store
// that is still starting is not an error here; Ping reports it.
func Connect(ctx context.Context, uri, database, collection string, opts ...Option) (*Store, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to document store: %w", err)
	}
	s := New(client, database, collection, opts...)
	s.owned = true
	return s, nil
}

// New wraps an existing client. Close leaves a client passed here open.
func New(client *mongo.Client, database, collection string, opts ...Option) *Store {
	s := &Store{
		client: client,
		coll:   client.Database(database).Collection(collection),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks that the primary answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("document store ping failed: %w", err)
	}
	return nil
}

// InsertProbe writes a new marker document and returns its id.
func (s *Store) InsertProbe(ctx context.Context) (string, error) {
	id := uuid.NewString()
	doc := bson.D{
		{Key: "_id", Value: id},
		{Key: "kind", Value: "dataharness-probe"},
		{Key: "created", Value: time.Now().UTC()},
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to insert probe document: %w", err)
	}
	s.logger.Debug("Inserted probe document", "id", id, "collection", s.coll.Name())
	return id, nil
}

// HasProbe reports whether the marker document with id exists.
func (s *Store) HasProbe(ctx context.Context, id string) (bool, error) {
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return false, nil
	default:
		return false, fmt.Errorf("failed to look up probe document %s: %w", id, err)
	}
}

// DeleteProbe removes a marker document. A missing document is not an error.
func (s *Store) DeleteProbe(ctx context.Context, id string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return fmt.Errorf("failed to delete probe document %s: %w", id, err)
	}
	return nil
}

// Close disconnects a client opened by Connect.
func (s *Store) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from document store: %w", err)
	}
	return nil
}
