// Package store is the document-store adapter: the single place that knows
// how audit intents, committed logs, partition/global chain state, anchors,
// and nodes are persisted. It is deliberately narrow — internal/audit and
// internal/join each declare their own Store interface naming only the
// methods they use, and *PGStore satisfies both.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrCASConflict is returned by conditional updates when the row's current
// state no longer matches the expected before-value.
var ErrCASConflict = errors.New("store: compare-and-swap conflict")

// ErrDuplicateKey is returned by inserts that collide on a unique
// constraint, the signal the synchronous fallback path retries once on.
var ErrDuplicateKey = errors.New("store: duplicate key")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// DBTX is the minimal surface PGStore needs from a connection, satisfied by
// both *pgxpool.Pool (non-transactional mode) and pgx.Tx (transactional
// mode). Every method on PGStore that participates in a co-commit takes a
// DBTX so callers can pass either.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore is the Postgres-backed document store. Its non-transactional
// methods (claiming, enqueueing, read-only lookups) use pool directly;
// methods that must co-commit with other writes accept an explicit DBTX so
// the caller can hand them a pgx.Tx instead.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Pool exposes the underlying pool for callers (telemetry, health checks)
// that need it directly.
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

// NonTx returns a DBTX usable for reads and writes outside of any explicit
// transaction — the non-transactional mode of the document-store
// collaborator.
func (s *PGStore) NonTx() DBTX {
	return s.pool
}

// WithTransaction runs fn inside a single Postgres transaction, committing
// on success and rolling back on any error (including a panic, which it
// re-panics after rollback). Both the Audit Pipeline's commit algorithm and
// the Join Controller's co-commit path use this for their all-or-nothing
// writes.
func (s *PGStore) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
