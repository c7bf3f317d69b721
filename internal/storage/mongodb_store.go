package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/CedrosPay/facilitator/internal/metrics"
)

// MongoDBStore implements Store using MongoDB. Records are keyed by _id = SettlementKey.String().
type MongoDBStore struct {
	client      *mongo.Client
	settlements *mongo.Collection
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewMongoDBStore connects, pings and creates the ledger indexes.
func NewMongoDBStore(connectionString, database, collection string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	if collection == "" {
		collection = DefaultSettlementsTable
	}

	store := &MongoDBStore{
		client:      client,
		settlements: client.Database(database).Collection(collection),
		now:         time.Now,
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

// WithMetrics attaches query duration metrics.
func (s *MongoDBStore) WithMetrics(m *metrics.Metrics) *MongoDBStore {
	s.metrics = m
	return s
}

func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.settlements.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "payer", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "tx_hash", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	if err != nil {
		return fmt.Errorf("create settlements indexes: %w", err)
	}
	return nil
}

// RecordSettlement upserts rec. The filter skips final documents; the upsert then
// collides on _id, which is treated as "already final".
func (s *MongoDBStore) RecordSettlement(ctx context.Context, rec SettlementRecord) error {
	if err := prepareRecord(&rec, s.now()); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "record_settlement", "mongodb")()

	filter := bson.M{"_id": rec.Key}
	if !rec.Status.Final() {
		filter["status"] = bson.M{"$nin": bson.A{StatusSettled, StatusConsumed}}
	}

	set := bson.M{
		"chain_id":   rec.ChainID,
		"network":    rec.Network,
		"token":      rec.Token,
		"payer":      rec.Payer,
		"recipient":  rec.Recipient,
		"nonce":      rec.Nonce,
		"amount":     rec.Amount,
		"fee_amount": rec.FeeAmount,
		"net_amount": rec.NetAmount,
		"status":     rec.Status,
		"updated_at": rec.UpdatedAt,
	}
	if rec.TxHash != "" {
		set["tx_hash"] = rec.TxHash
		set["block_number"] = rec.BlockNumber
	}

	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"id":         rec.ID,
			"created_at": rec.CreatedAt,
		},
	}

	_, err := s.settlements.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record settlement: %w", err)
	}
	return nil
}

// GetSettlement returns the record for key.
func (s *MongoDBStore) GetSettlement(ctx context.Context, key SettlementKey) (SettlementRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_settlement", "mongodb")()

	var rec SettlementRecord
	err := s.settlements.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return SettlementRecord{}, ErrNotFound
	}
	if err != nil {
		return SettlementRecord{}, fmt.Errorf("get settlement: %w", err)
	}
	return rec, nil
}

// Ping checks server connectivity.
func (s *MongoDBStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
