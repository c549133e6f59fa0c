// Package mongodb implements the lifecycle ledger using MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aguimaraes/bedm/internal/storage"
	"github.com/aguimaraes/bedm/pkg/manifest"
)

// Store implements storage.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	lots      *mongo.Collection
	receipts  *mongo.Collection
	protocols *mongo.Collection
	counters  *mongo.Collection
	locks     *mongo.Collection
}

// Config holds MongoDB connection settings.
type Config struct {
	URI      string
	Database string
}

// NewStore connects to MongoDB and prepares the ledger collections.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	s := &Store{
		client:    client,
		db:        db,
		lots:      db.Collection("lots"),
		receipts:  db.Collection("receipts"),
		protocols: db.Collection("protocols"),
		counters:  db.Collection("counters"),
		locks:     db.Collection("submission_locks"),
	}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.lots.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "environment", Value: 1}, {Key: "document_key", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating lot indexes: %w", err)
	}

	_, err = s.receipts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "environment", Value: 1}, {Key: "document_key", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "receipt_number", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating receipt indexes: %w", err)
	}

	_, err = s.protocols.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "environment", Value: 1}, {Key: "document_key", Value: 1}, {Key: "status_code", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating protocol indexes: %w", err)
	}

	// Stale locks expire rather than wedging the key forever.
	_, err = s.locks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(300)},
	})
	if err != nil {
		return fmt.Errorf("creating lock indexes: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// nextLotID atomically increments the lot sequence counter.
func (s *Store) nextLotID(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "lots"},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("incrementing lot sequence: %w", err)
	}
	return doc.Seq, nil
}

// CreateLot assigns the next sequential ID and inserts the lot.
func (s *Store) CreateLot(ctx context.Context, lot *Lot) error {
	id, err := s.nextLotID(ctx)
	if err != nil {
		return err
	}
	lot.ID = id
	now := time.Now().UTC()
	lot.CreatedAt = now
	lot.UpdatedAt = now

	if _, err := s.lots.InsertOne(ctx, lot); err != nil {
		return fmt.Errorf("inserting lot: %w", err)
	}
	return nil
}

// UpdateLot writes the acknowledgement fields back onto a lot.
func (s *Store) UpdateLot(ctx context.Context, lot *Lot) error {
	lot.UpdatedAt = time.Now().UTC()
	res, err := s.lots.UpdateOne(ctx,
		bson.M{"_id": lot.ID},
		bson.M{"$set": bson.M{
			"receipt_number": lot.ReceiptNumber,
			"status_code":    lot.StatusCode,
			"status_msg":     lot.StatusMessage,
			"updated_at":     lot.UpdatedAt,
		}},
	)
	if err != nil {
		return fmt.Errorf("updating lot: %w", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetLot retrieves a lot by ID.
func (s *Store) GetLot(ctx context.Context, env manifest.Environment, id int64) (*Lot, error) {
	var lot Lot
	err := s.lots.FindOne(ctx, bson.M{"_id": id, "environment": env}).Decode(&lot)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding lot: %w", err)
	}
	return &lot, nil
}

// LatestLot returns the most recent lot for a document key.
func (s *Store) LatestLot(ctx context.Context, env manifest.Environment, key manifest.Key) (*Lot, error) {
	var lot Lot
	err := s.lots.FindOne(ctx,
		bson.M{"environment": env, "document_key": key.String()},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&lot)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding latest lot: %w", err)
	}
	return &lot, nil
}

// AppendReceipt inserts one poll outcome.
func (s *Store) AppendReceipt(ctx context.Context, receipt *Receipt) error {
	receipt.CreatedAt = time.Now().UTC()
	if _, err := s.receipts.InsertOne(ctx, receipt); err != nil {
		return fmt.Errorf("inserting receipt: %w", err)
	}
	return nil
}

// LatestReceipt returns the most recent receipt for a document key.
func (s *Store) LatestReceipt(ctx context.Context, env manifest.Environment, key manifest.Key) (*Receipt, error) {
	var receipt Receipt
	err := s.receipts.FindOne(ctx,
		bson.M{"environment": env, "document_key": key.String()},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&receipt)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding latest receipt: %w", err)
	}
	return &receipt, nil
}

// ListReceipts returns all receipts for a document key, oldest first.
func (s *Store) ListReceipts(ctx context.Context, env manifest.Environment, key manifest.Key) ([]*Receipt, error) {
	cursor, err := s.receipts.Find(ctx,
		bson.M{"environment": env, "document_key": key.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	defer cursor.Close(ctx)

	var receipts []*Receipt
	if err := cursor.All(ctx, &receipts); err != nil {
		return nil, fmt.Errorf("decoding receipts: %w", err)
	}
	return receipts, nil
}

// CreateProtocol inserts a terminal per-document outcome.
func (s *Store) CreateProtocol(ctx context.Context, protocol *Protocol) error {
	protocol.CreatedAt = time.Now().UTC()
	if _, err := s.protocols.InsertOne(ctx, protocol); err != nil {
		return fmt.Errorf("inserting protocol: %w", err)
	}
	return nil
}

// AuthorizedProtocol returns the authorized protocol for a document
// key.
func (s *Store) AuthorizedProtocol(ctx context.Context, env manifest.Environment, key manifest.Key) (*Protocol, error) {
	var protocol Protocol
	err := s.protocols.FindOne(ctx, bson.M{
		"environment":  env,
		"document_key": key.String(),
		"status_code":  "100",
	}).Decode(&protocol)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding authorized protocol: %w", err)
	}
	return &protocol, nil
}

// ListProtocols returns all protocols for a document key, oldest
// first.
func (s *Store) ListProtocols(ctx context.Context, env manifest.Environment, key manifest.Key) ([]*Protocol, error) {
	cursor, err := s.protocols.Find(ctx,
		bson.M{"environment": env, "document_key": key.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("listing protocols: %w", err)
	}
	defer cursor.Close(ctx)

	var protocols []*Protocol
	if err := cursor.All(ctx, &protocols); err != nil {
		return nil, fmt.Errorf("decoding protocols: %w", err)
	}
	return protocols, nil
}

// AcquireSubmissionLock inserts a lock document whose _id is unique
// per environment and key. A duplicate-key error means another
// invocation holds the lock.
func (s *Store) AcquireSubmissionLock(ctx context.Context, env manifest.Environment, key manifest.Key) (func(context.Context) error, error) {
	lockID := fmt.Sprintf("%d:%s", env, key)
	_, err := s.locks.InsertOne(ctx, bson.M{
		"_id":        lockID,
		"created_at": time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil, storage.ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring submission lock: %w", err)
	}

	release := func(ctx context.Context) error {
		_, err := s.locks.DeleteOne(ctx, bson.M{"_id": lockID})
		return err
	}
	return release, nil
}

// Aliases keep the exported API in terms of the ledger records.
type (
	Lot      = storage.Lot
	Receipt  = storage.Receipt
	Protocol = storage.Protocol
)
