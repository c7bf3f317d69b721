package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/CedrosPay/facilitator/internal/config"
	"github.com/CedrosPay/facilitator/internal/metrics"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	ownsDB  bool   // Close only closes pools this store opened
	table   string // quoted identifier
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewPostgresStore opens a pool, applies the pool settings and creates the ledger table.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig, table string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store, err := newPostgresStore(ctx, db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// NewPostgresStoreWithDB creates a store on an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB, table string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return newPostgresStore(ctx, db, table)
}

func newPostgresStore(ctx context.Context, db *sql.DB, table string) (*PostgresStore, error) {
	if table == "" {
		table = DefaultSettlementsTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid settlements table name %q", table)
	}

	store := &PostgresStore{
		db:    db,
		table: pq.QuoteIdentifier(table),
		now:   time.Now,
	}
	if err := store.createTable(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// WithMetrics attaches query duration metrics.
func (s *PostgresStore) WithMetrics(m *metrics.Metrics) *PostgresStore {
	s.metrics = m
	return s
}

func (s *PostgresStore) createTable(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			key TEXT PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			chain_id BIGINT NOT NULL,
			network TEXT NOT NULL,
			token TEXT NOT NULL,
			payer TEXT NOT NULL,
			recipient TEXT NOT NULL,
			nonce TEXT NOT NULL,
			amount NUMERIC(78,0) NOT NULL,
			fee_amount NUMERIC(78,0) NOT NULL,
			net_amount NUMERIC(78,0) NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			block_number BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s(payer, created_at DESC);
		CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s(tx_hash) WHERE tx_hash <> '';
	`,
		s.table,
		pq.QuoteIdentifier("idx_"+unquoted(s.table)+"_payer"),
		pq.QuoteIdentifier("idx_"+unquoted(s.table)+"_tx_hash"),
	)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create settlements table: %w", err)
	}
	return nil
}

// RecordSettlement upserts rec. The WHERE clause keeps final rows final.
func (s *PostgresStore) RecordSettlement(ctx context.Context, rec SettlementRecord) error {
	if err := prepareRecord(&rec, s.now()); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "record_settlement", "postgres")()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (key, id, chain_id, network, token, payer, recipient, nonce,
			amount, fee_amount, net_amount, tx_hash, block_number, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (key) DO UPDATE SET
			network = EXCLUDED.network,
			recipient = EXCLUDED.recipient,
			amount = EXCLUDED.amount,
			fee_amount = EXCLUDED.fee_amount,
			net_amount = EXCLUDED.net_amount,
			tx_hash = CASE WHEN EXCLUDED.tx_hash = '' THEN %[1]s.tx_hash ELSE EXCLUDED.tx_hash END,
			block_number = CASE WHEN EXCLUDED.tx_hash = '' THEN %[1]s.block_number ELSE EXCLUDED.block_number END,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		WHERE %[1]s.status NOT IN ('settled', 'consumed')
			OR EXCLUDED.status IN ('settled', 'consumed')
	`, s.table)

	_, err := s.db.ExecContext(ctx, query,
		rec.Key,
		rec.ID,
		int64(rec.ChainID),
		rec.Network,
		rec.Token,
		rec.Payer,
		rec.Recipient,
		rec.Nonce,
		numericOrZero(rec.Amount),
		numericOrZero(rec.FeeAmount),
		numericOrZero(rec.NetAmount),
		rec.TxHash,
		int64(rec.BlockNumber),
		string(rec.Status),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record settlement: %w", err)
	}
	return nil
}

// GetSettlement returns the record for key.
func (s *PostgresStore) GetSettlement(ctx context.Context, key SettlementKey) (SettlementRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_settlement", "postgres")()

	query := fmt.Sprintf(`
		SELECT key, id, chain_id, network, token, payer, recipient, nonce,
			amount::text, fee_amount::text, net_amount::text, tx_hash, block_number, status,
			created_at, updated_at
		FROM %s WHERE key = $1
	`, s.table)

	var (
		rec         SettlementRecord
		chainID     int64
		blockNumber int64
		status      string
	)
	err := s.db.QueryRowContext(ctx, query, key.String()).Scan(
		&rec.Key,
		&rec.ID,
		&chainID,
		&rec.Network,
		&rec.Token,
		&rec.Payer,
		&rec.Recipient,
		&rec.Nonce,
		&rec.Amount,
		&rec.FeeAmount,
		&rec.NetAmount,
		&rec.TxHash,
		&blockNumber,
		&status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SettlementRecord{}, ErrNotFound
	}
	if err != nil {
		return SettlementRecord{}, fmt.Errorf("get settlement: %w", err)
	}

	rec.ChainID = uint64(chainID)
	rec.BlockNumber = uint64(blockNumber)
	rec.Status = SettlementStatus(status)
	return rec, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the pool if this store opened it.
func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func numericOrZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

// unquoted strips the double quotes pq.QuoteIdentifier adds.
func unquoted(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return ident[1 : len(ident)-1]
	}
	return ident
}
