package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/metrics"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// Store is the settlement ledger. It records what the facilitator submitted and
// observed so status queries and repeat settles can be answered without a chain
// round trip. The chain stays authoritative: the ledger is never consulted to
// reject an authorization the token contract would still accept.
type Store interface {
	// RecordSettlement upserts rec by its key. Settled and consumed records are
	// never downgraded by a later write.
	RecordSettlement(ctx context.Context, rec SettlementRecord) error

	// GetSettlement returns ErrNotFound when nothing was recorded for key.
	GetSettlement(ctx context.Context, key SettlementKey) (SettlementRecord, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg config.StorageConfig, m *metrics.Metrics) (Store, error) {
	return NewStoreWithDB(cfg, m, nil)
}

// NewStoreWithDB creates a Store with an optional shared database pool.
// If sharedDB is non-nil for the postgres backend it is used instead of opening a new pool.
func NewStoreWithDB(cfg config.StorageConfig, m *metrics.Metrics, sharedDB *sql.DB) (Store, error) {
	table := cfg.SettlementsTable
	if table == "" {
		table = DefaultSettlementsTable
	}

	switch cfg.Backend {
	case "memory", "":
		// Memory loses the ledger on restart; the chain still prevents double spends.
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		var store *PostgresStore
		var err error
		if sharedDB != nil {
			store, err = NewPostgresStoreWithDB(sharedDB, table)
		} else {
			store, err = NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool, table)
		}
		if err != nil {
			return nil, err
		}
		return store.WithMetrics(m), nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		store, err := NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase, table)
		if err != nil {
			return nil, err
		}
		return store.WithMetrics(m), nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file backend requires file_path")
		}
		return NewFileStore(cfg.FilePath)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// MemoryStore is an in-memory Store implementation suitable for tests and single-instance deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	settlements map[string]SettlementRecord // key -> record
	now         func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settlements: make(map[string]SettlementRecord),
		now:         time.Now,
	}
}

// RecordSettlement upserts rec.
func (m *MemoryStore) RecordSettlement(_ context.Context, rec SettlementRecord) error {
	if err := prepareRecord(&rec, m.now()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.settlements[rec.Key]; ok {
		merged, changed := mergeRecord(existing, rec)
		if !changed {
			return nil
		}
		rec = merged
	}
	m.settlements[rec.Key] = rec
	return nil
}

// GetSettlement returns the record for key.
func (m *MemoryStore) GetSettlement(_ context.Context, key SettlementKey) (SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.settlements[key.String()]
	if !ok {
		return SettlementRecord{}, ErrNotFound
	}
	return rec, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }

func newRecordID() string {
	return "stl_" + uuid.NewString()
}
