package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiranshivaraju/boardsched/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrClaimConflict means another device already holds the job being claimed.
var ErrClaimConflict = errors.New("job claimed by another device")

// ErrConnectionLost wraps errors that indicate the database connection is
// dead. The pool has already been reset when a caller sees it.
var ErrConnectionLost = errors.New("database connection lost")

// Store is the non-transactional surface used by the HTTP layer for
// authentication and health checks.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries holds the typed device, job and API key accessors. Which
// transaction they run in is decided by the DBTX they were built on.
type Queries struct {
	db DBTX
}

// New returns accessors bound to db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}
