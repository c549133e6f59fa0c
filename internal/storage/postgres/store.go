// Package postgres implements the lifecycle ledger using PostgreSQL
// via pgx.
//
// Expected schema:
//
//	CREATE TABLE lots (
//	    id             BIGSERIAL PRIMARY KEY,
//	    environment    SMALLINT    NOT NULL,
//	    document_key   VARCHAR(44) NOT NULL,
//	    receipt_number VARCHAR(15),
//	    status_code    VARCHAR(3),
//	    status_msg     TEXT,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE TABLE receipts (
//	    id             BIGSERIAL PRIMARY KEY,
//	    environment    SMALLINT    NOT NULL,
//	    document_key   VARCHAR(44) NOT NULL,
//	    receipt_number VARCHAR(15) NOT NULL,
//	    status_code    VARCHAR(3)  NOT NULL,
//	    status_msg     TEXT        NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE TABLE protocols (
//	    id             BIGSERIAL PRIMARY KEY,
//	    environment    SMALLINT    NOT NULL,
//	    document_key   VARCHAR(44) NOT NULL,
//	    receipt_number VARCHAR(15) NOT NULL,
//	    protocol       VARCHAR(15) NOT NULL,
//	    digval         TEXT,
//	    status_code    VARCHAR(3)  NOT NULL,
//	    status_msg     TEXT        NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aguimaraes/bedm/internal/storage"
	"github.com/aguimaraes/bedm/pkg/manifest"
)

// Store implements storage.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Config holds PostgreSQL connection settings.
type Config struct {
	DSN      string
	MaxConns int32
}

// NewStore connects to PostgreSQL.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateLot inserts a lot and reads back its assigned ID.
func (s *Store) CreateLot(ctx context.Context, lot *storage.Lot) error {
	now := time.Now().UTC()
	lot.CreatedAt = now
	lot.UpdatedAt = now
	err := s.pool.QueryRow(ctx, `
INSERT INTO lots(environment, document_key, created_at, updated_at)
VALUES($1, $2, $3, $4)
RETURNING id`,
		int(lot.Environment), lot.DocumentKey, lot.CreatedAt, lot.UpdatedAt,
	).Scan(&lot.ID)
	if err != nil {
		return fmt.Errorf("inserting lot: %w", err)
	}
	return nil
}

// UpdateLot writes the acknowledgement fields back onto a lot.
func (s *Store) UpdateLot(ctx context.Context, lot *storage.Lot) error {
	lot.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE lots SET receipt_number=$1, status_code=$2, status_msg=$3, updated_at=$4
WHERE id=$5`,
		lot.ReceiptNumber, lot.StatusCode, lot.StatusMessage, lot.UpdatedAt, lot.ID)
	if err != nil {
		return fmt.Errorf("updating lot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetLot retrieves a lot by ID.
func (s *Store) GetLot(ctx context.Context, env manifest.Environment, id int64) (*storage.Lot, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, environment, document_key, COALESCE(receipt_number,''), COALESCE(status_code,''), COALESCE(status_msg,''), created_at, updated_at
FROM lots WHERE id=$1 AND environment=$2`, id, int(env))
	return scanLot(row)
}

// LatestLot returns the most recent lot for a document key.
func (s *Store) LatestLot(ctx context.Context, env manifest.Environment, key manifest.Key) (*storage.Lot, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, environment, document_key, COALESCE(receipt_number,''), COALESCE(status_code,''), COALESCE(status_msg,''), created_at, updated_at
FROM lots WHERE environment=$1 AND document_key=$2
ORDER BY created_at DESC LIMIT 1`, int(env), key.String())
	return scanLot(row)
}

func scanLot(row pgx.Row) (*storage.Lot, error) {
	var lot storage.Lot
	var env int
	err := row.Scan(&lot.ID, &env, &lot.DocumentKey, &lot.ReceiptNumber, &lot.StatusCode, &lot.StatusMessage, &lot.CreatedAt, &lot.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning lot: %w", err)
	}
	lot.Environment = manifest.Environment(env)
	return &lot, nil
}

// AppendReceipt inserts one poll outcome.
func (s *Store) AppendReceipt(ctx context.Context, receipt *storage.Receipt) error {
	receipt.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
INSERT INTO receipts(environment, document_key, receipt_number, status_code, status_msg, created_at)
VALUES($1, $2, $3, $4, $5, $6)`,
		int(receipt.Environment), receipt.DocumentKey, receipt.ReceiptNumber,
		receipt.StatusCode, receipt.StatusMessage, receipt.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting receipt: %w", err)
	}
	return nil
}

// LatestReceipt returns the most recent receipt for a document key.
func (s *Store) LatestReceipt(ctx context.Context, env manifest.Environment, key manifest.Key) (*storage.Receipt, error) {
	row := s.pool.QueryRow(ctx, `
SELECT environment, document_key, receipt_number, status_code, status_msg, created_at
FROM receipts WHERE environment=$1 AND document_key=$2
ORDER BY created_at DESC, id DESC LIMIT 1`, int(env), key.String())
	return scanReceipt(row)
}

// ListReceipts returns all receipts for a document key, oldest first.
func (s *Store) ListReceipts(ctx context.Context, env manifest.Environment, key manifest.Key) ([]*storage.Receipt, error) {
	rows, err := s.pool.Query(ctx, `
SELECT environment, document_key, receipt_number, status_code, status_msg, created_at
FROM receipts WHERE environment=$1 AND document_key=$2
ORDER BY created_at ASC, id ASC`, int(env), key.String())
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*storage.Receipt
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

func scanReceipt(row pgx.Row) (*storage.Receipt, error) {
	var receipt storage.Receipt
	var env int
	err := row.Scan(&env, &receipt.DocumentKey, &receipt.ReceiptNumber, &receipt.StatusCode, &receipt.StatusMessage, &receipt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}
	receipt.Environment = manifest.Environment(env)
	return &receipt, nil
}

// CreateProtocol inserts a terminal per-document outcome.
func (s *Store) CreateProtocol(ctx context.Context, protocol *storage.Protocol) error {
	protocol.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
INSERT INTO protocols(environment, document_key, receipt_number, protocol, digval, status_code, status_msg, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		int(protocol.Environment), protocol.DocumentKey, protocol.ReceiptNumber,
		protocol.ProtocolNumber, protocol.DigestValue, protocol.StatusCode,
		protocol.StatusMessage, protocol.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting protocol: %w", err)
	}
	return nil
}

// AuthorizedProtocol returns the authorized protocol for a document
// key.
func (s *Store) AuthorizedProtocol(ctx context.Context, env manifest.Environment, key manifest.Key) (*storage.Protocol, error) {
	row := s.pool.QueryRow(ctx, `
SELECT environment, document_key, receipt_number, protocol, COALESCE(digval,''), status_code, status_msg, created_at
FROM protocols WHERE environment=$1 AND document_key=$2 AND status_code='100'
LIMIT 1`, int(env), key.String())
	return scanProtocol(row)
}

// ListProtocols returns all protocols for a document key, oldest
// first.
func (s *Store) ListProtocols(ctx context.Context, env manifest.Environment, key manifest.Key) ([]*storage.Protocol, error) {
	rows, err := s.pool.Query(ctx, `
SELECT environment, document_key, receipt_number, protocol, COALESCE(digval,''), status_code, status_msg, created_at
FROM protocols WHERE environment=$1 AND document_key=$2
ORDER BY created_at ASC, id ASC`, int(env), key.String())
	if err != nil {
		return nil, fmt.Errorf("listing protocols: %w", err)
	}
	defer rows.Close()

	var protocols []*storage.Protocol
	for rows.Next() {
		protocol, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		protocols = append(protocols, protocol)
	}
	return protocols, rows.Err()
}

func scanProtocol(row pgx.Row) (*storage.Protocol, error) {
	var protocol storage.Protocol
	var env int
	err := row.Scan(&env, &protocol.DocumentKey, &protocol.ReceiptNumber, &protocol.ProtocolNumber, &protocol.DigestValue, &protocol.StatusCode, &protocol.StatusMessage, &protocol.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning protocol: %w", err)
	}
	protocol.Environment = manifest.Environment(env)
	return &protocol, nil
}

// AcquireSubmissionLock takes a session-scoped advisory lock derived
// from the environment and key. The lock is held on a dedicated
// connection until released.
func (s *Store) AcquireSubmissionLock(ctx context.Context, env manifest.Environment, key manifest.Key) (func(context.Context) error, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}

	lockKey := advisoryKey(env, key)
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquiring advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, storage.ErrLocked
	}

	release := func(ctx context.Context) error {
		defer conn.Release()
		_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey)
		return err
	}
	return release, nil
}

func advisoryKey(env manifest.Environment, key manifest.Key) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%s", env, key)
	return int64(h.Sum64())
}
