// Package mongodb implements the idempotency store and the poller status
// sink using MongoDB.
//
// Idempotency records are keyed by their idempotency key and carry a TTL
// index on expires_at, so the server removes expired records on its own.
// Reads still check the expiry because the TTL monitor runs periodically.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-ecf/internal/poller"
	"github.com/sirosfoundation/go-ecf/pkg/idempotency"
)

// Store implements idempotency.Store and poller.StatusSink using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time

	// Collections
	records  *mongo.Collection
	statuses *mongo.Collection
}

// Config holds MongoDB connection settings
type Config struct {
	URI        string
	Database   string
	Collection string
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "ecf"
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "idempotency"
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		db:       db,
		now:      time.Now,
		records:  db.Collection(collection),
		statuses: db.Collection("submission_status"),
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	// Idempotency records expire through the TTL monitor
	_, err := s.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	})
	if err != nil {
		return fmt.Errorf("idempotency indexes: %w", err)
	}

	// Status lookups by outcome
	_, err = s.statuses.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "final", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "document_type", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("status indexes: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// ============================================================================
// Idempotency records
// ============================================================================

// Get returns the record for key, or nil if it is absent or expired
func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	var rec idempotency.Record
	err := s.records.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding idempotency record: %w", err)
	}
	if rec.Expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

// Put stores rec, replacing any earlier record for the same key
func (s *Store) Put(ctx context.Context, rec *idempotency.Record) error {
	_, err := s.records.ReplaceOne(ctx, bson.M{"_id": rec.Key}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("saving idempotency record: %w", err)
	}
	return nil
}

// Delete removes key
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.records.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("deleting idempotency record: %w", err)
	}
	return nil
}

// ============================================================================
// Submission status
// ============================================================================

// SaveStatus records the latest status of a tracked submission
func (s *Store) SaveStatus(ctx context.Context, st *poller.Status) error {
	_, err := s.statuses.ReplaceOne(ctx, bson.M{"_id": st.TrackID}, st, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("saving status: %w", err)
	}
	return nil
}

// GetStatus returns the latest status for trackID, or nil if none was seen
func (s *Store) GetStatus(ctx context.Context, trackID string) (*poller.Status, error) {
	var st poller.Status
	err := s.statuses.FindOne(ctx, bson.M{"_id": trackID}).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding status: %w", err)
	}
	return &st, nil
}

// ListPendingStatuses returns up to limit non-final statuses, most recently
// updated first.
func (s *Store) ListPendingStatuses(ctx context.Context, limit int) ([]*poller.Status, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.statuses.Find(ctx, bson.M{"final": false, "exhausted": bson.M{"$ne": true}}, opts)
	if err != nil {
		return nil, fmt.Errorf("listing statuses: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*poller.Status
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding statuses: %w", err)
	}
	return out, nil
}

var (
	_ idempotency.Store = (*Store)(nil)
	_ poller.StatusSink = (*Store)(nil)
)
