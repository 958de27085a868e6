package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"
)

// DB is the transactional execution wrapper around a pgx pool. Its embedded
// Queries run outside any explicit transaction; Run gives a unit of work its
// own transaction scope.
type DB struct {
	*Queries

	pool    *pgxpool.Pool
	resets  singleflight.Group
	onReset func()
}

// Option configures a DB.
type Option func(*DB)

// WithResetHook registers fn to be called each time the pool is reset after
// a lost connection.
func WithResetHook(fn func()) Option {
	return func(db *DB) {
		db.onReset = fn
	}
}

// NewDB wraps pool.
func NewDB(pool *pgxpool.Pool, opts ...Option) *DB {
	db := &DB{Queries: New(pool), pool: pool}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

var _ Store = (*DB)(nil)

// Ping checks database connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.Check(db.pool.Ping(ctx))
}

// Scope is the transaction handed to a unit of work by Run.
type Scope struct {
	*Queries
	tx pgx.Tx
}

// Commit commits the scope. Run still issues its final rollback afterwards,
// which is a no-op on a committed transaction.
func (s *Scope) Commit(ctx context.Context) error {
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Attempt runs fn inside a savepoint. If fn fails, only the changes made by
// fn are discarded and the scope stays usable.
func (s *Scope) Attempt(ctx context.Context, fn func(q *Queries) error) error {
	sp, err := s.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if err := fn(New(sp)); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback savepoint: %w", rbErr))
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// Run executes fn in a fresh read-committed transaction. The transaction is
// rolled back on every exit path, including after fn commits and when fn
// panics. Errors from a dead connection reset the pool and come back wrapped
// in ErrConnectionLost; Run never retries.
func (db *DB) Run(ctx context.Context, fn func(ctx context.Context, s *Scope) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return db.Check(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		// context.Background so a cancelled caller still releases the scope.
		if rbErr := tx.Rollback(context.Background()); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Warn("rollback failed", "error", rbErr)
			db.Check(rbErr)
		}
	}()

	return db.Check(fn(ctx, &Scope{Queries: New(tx), tx: tx}))
}

// Check classifies err. Dead-connection errors trigger a pool reset so the
// next call reconnects and are returned wrapped in ErrConnectionLost. Any
// other error is returned unchanged.
func (db *DB) Check(err error) error {
	if err == nil || errors.Is(err, ErrConnectionLost) || !IsConnectionLost(err) {
		return err
	}
	slog.Warn("forcing reconnection on next database access", "error", err)
	db.forceReconnect()
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

func (db *DB) forceReconnect() {
	db.resets.Do("reset", func() (any, error) {
		db.pool.Reset()
		if db.onReset != nil {
			db.onReset()
		}
		return nil, nil
	})
}

// Close closes the underlying pool.
func (db *DB) Close() {
	db.pool.Close()
}
