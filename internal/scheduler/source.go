// Package scheduler matches queued jobs to idle devices and drives the
// device and job lifecycle. Every operation runs in its own database
// transaction on a bounded worker pool; the database's unique constraint on
// a device's current job is the only thing serializing claims.
package scheduler

import (
	"context"
	"io"
	"time"

	"github.com/kiranshivaraju/boardsched/internal/logsink"
	"github.com/kiranshivaraju/boardsched/internal/metrics"
	"github.com/kiranshivaraju/boardsched/internal/store"
	"github.com/kiranshivaraju/boardsched/internal/workpool"
)

// OOBKeyResultsLink is the only out-of-band key that changes state.
const OOBKeyResultsLink = "dashboard-put-result"

const defaultMaxClaimAttempts = 64

// JobSource is what a polling agent talks to. Each call returns at once;
// the result arrives through the future.
type JobSource interface {
	GetBoardList(ctx context.Context) *workpool.Future[[]string]
	GetJobForBoard(ctx context.Context, hostname string) *workpool.Future[map[string]any]
	GetLogFileForJobOnBoard(ctx context.Context, hostname string) *workpool.Future[io.WriteCloser]
	JobCompleted(ctx context.Context, hostname string, exitCode int) *workpool.Future[struct{}]
	JobOobData(ctx context.Context, hostname, key, value string) *workpool.Future[struct{}]
	JobCheckForCancellation(ctx context.Context, hostname string) *workpool.Future[bool]
}

// DatabaseJobSource implements JobSource on top of Postgres.
type DatabaseJobSource struct {
	db          *store.DB
	pool        *workpool.Pool
	logs        *logsink.Store
	metrics     *metrics.Metrics
	maxAttempts int
	now         func() time.Time
}

var _ JobSource = (*DatabaseJobSource)(nil)

// Option configures a DatabaseJobSource.
type Option func(*DatabaseJobSource)

// WithMaxClaimAttempts caps how many times one poll retries after losing a
// claim race.
func WithMaxClaimAttempts(n int) Option {
	return func(s *DatabaseJobSource) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *DatabaseJobSource) {
		s.metrics = m
	}
}

// WithClock overrides the time source used for start and end stamps.
func WithClock(now func() time.Time) Option {
	return func(s *DatabaseJobSource) {
		s.now = now
	}
}

// NewDatabaseJobSource creates a DatabaseJobSource.
func NewDatabaseJobSource(db *store.DB, pool *workpool.Pool, logs *logsink.Store, opts ...Option) *DatabaseJobSource {
	s := &DatabaseJobSource{
		db:          db,
		pool:        pool,
		logs:        logs,
		maxAttempts: defaultMaxClaimAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// deferForDB runs fn on the worker pool inside a fresh transaction scope.
func deferForDB[T any](ctx context.Context, s *DatabaseJobSource, fn func(ctx context.Context, sc *store.Scope) (T, error)) *workpool.Future[T] {
	return workpool.Submit(ctx, s.pool, func(ctx context.Context) (T, error) {
		var out T
		err := s.db.Run(ctx, func(ctx context.Context, sc *store.Scope) error {
			v, err := fn(ctx, sc)
			out = v
			return err
		})
		return out, err
	})
}

func (s *DatabaseJobSource) GetBoardList(ctx context.Context) *workpool.Future[[]string] {
	return deferForDB(ctx, s, func(ctx context.Context, sc *store.Scope) ([]string, error) {
		return sc.ListHostnames(ctx)
	})
}

// GetJobForBoard claims the best queued job for an idle device. The future
// resolves to the job definition with "target" set to hostname, or to nil
// when the device is busy or nothing qualifies.
func (s *DatabaseJobSource) GetJobForBoard(ctx context.Context, hostname string) *workpool.Future[map[string]any] {
	return deferForDB(ctx, s, func(ctx context.Context, sc *store.Scope) (map[string]any, error) {
		return s.getJobForBoard(ctx, sc, hostname)
	})
}

// GetLogFileForJobOnBoard opens the current job's log sink for writing. The
// sink is truncated: every call starts a new write session.
func (s *DatabaseJobSource) GetLogFileForJobOnBoard(ctx context.Context, hostname string) *workpool.Future[io.WriteCloser] {
	return deferForDB(ctx, s, func(ctx context.Context, sc *store.Scope) (io.WriteCloser, error) {
		return s.getLogFileForJobOnBoard(ctx, sc, hostname)
	})
}

func (s *DatabaseJobSource) JobCompleted(ctx context.Context, hostname string, exitCode int) *workpool.Future[struct{}] {
	return deferForDB(ctx, s, func(ctx context.Context, sc *store.Scope) (struct{}, error) {
		return struct{}{}, s.jobCompleted(ctx, sc, hostname, exitCode)
	})
}

func (s *DatabaseJobSource) JobOobData(ctx context.Context, hostname, key, value string) *workpool.Future[struct{}] {
	return deferForDB(ctx, s, func(ctx context.Context, sc *store.Scope) (struct{}, error) {
		return struct{}{}, s.jobOobData(ctx, sc, hostname, key, value)
	})
}

// JobCheckForCancellation resolves to true once the device's job has left
// the running state.
func (s *DatabaseJobSource) JobCheckForCancellation(ctx context.Context, hostname string) *workpool.Future[bool] {
	return deferForDB(ctx, s, func(ctx context.Context, sc *store.Scope) (bool, error) {
		return s.jobCheckForCancellation(ctx, sc, hostname)
	})
}
