package store_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/boardsched/internal/store"
	"github.com/kiranshivaraju/boardsched/internal/store/storetest"
	"github.com/kiranshivaraju/boardsched/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func newKey(name, prefix string) *models.APIKey {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: prefix,
		Scopes:    []string{models.ScopeAgent},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// --- API Key Tests ---

func TestAPIKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := storetest.DB(t)
	ctx := context.Background()

	t.Run("create and get by prefix", func(t *testing.T) {
		key := newKey("agent-1", "bs_abcd1")
		require.NoError(t, db.CreateAPIKey(ctx, key))

		keys, err := db.GetAPIKeyByPrefix(ctx, "bs_abcd1")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, key.ID, keys[0].ID)
		assert.Equal(t, "agent-1", keys[0].Name)
		assert.Equal(t, []string{models.ScopeAgent}, keys[0].Scopes)
	})

	t.Run("duplicate active name", func(t *testing.T) {
		require.NoError(t, db.CreateAPIKey(ctx, newKey("dup", "bs_dup01")))
		err := db.CreateAPIKey(ctx, newKey("dup", "bs_dup02"))
		assert.ErrorIs(t, err, store.ErrDuplicateKey)
	})

	t.Run("update last used", func(t *testing.T) {
		key := newKey("usage", "bs_used1")
		require.NoError(t, db.CreateAPIKey(ctx, key))
		require.NoError(t, db.UpdateAPIKeyLastUsed(ctx, key.ID))

		keys, err := db.GetAPIKeyByPrefix(ctx, "bs_used1")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.NotNil(t, keys[0].LastUsedAt)
	})

	t.Run("revoke hides key and frees name", func(t *testing.T) {
		key := newKey("revoke-me", "bs_revk1")
		require.NoError(t, db.CreateAPIKey(ctx, key))
		require.NoError(t, db.RevokeAPIKey(ctx, key.ID))

		keys, err := db.GetAPIKeyByPrefix(ctx, "bs_revk1")
		require.NoError(t, err)
		assert.Empty(t, keys)

		require.NoError(t, db.CreateAPIKey(ctx, newKey("revoke-me", "bs_revk2")))
	})

	t.Run("revoke unknown", func(t *testing.T) {
		assert.ErrorIs(t, db.RevokeAPIKey(ctx, uuid.New()), store.ErrNotFound)
	})
}

// --- Device Tests ---

func TestDevices(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := storetest.DB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertDevice(ctx, "board-b", "rpi4"))
	require.NoError(t, db.UpsertDevice(ctx, "board-a", "rpi4"))

	t.Run("list in name order", func(t *testing.T) {
		hostnames, err := db.ListHostnames(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"board-a", "board-b"}, hostnames)

		devices, err := db.ListDevices(ctx)
		require.NoError(t, err)
		require.Len(t, devices, 2)
		assert.Equal(t, models.DeviceStatusIdle, devices[0].Status)
		assert.Nil(t, devices[0].CurrentJobID)
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := db.GetDevice(ctx, "ghost")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("upsert keeps status", func(t *testing.T) {
		require.NoError(t, db.SetDeviceStatus(ctx, "board-b", models.DeviceStatusOffline))
		require.NoError(t, db.UpsertDevice(ctx, "board-b", "rpi5"))

		d, err := db.GetDevice(ctx, "board-b")
		require.NoError(t, err)
		assert.Equal(t, "rpi5", d.DeviceType)
		assert.Equal(t, models.DeviceStatusOffline, d.Status)
	})

	t.Run("set status on unknown", func(t *testing.T) {
		assert.ErrorIs(t, db.SetDeviceStatus(ctx, "ghost", models.DeviceStatusIdle), store.ErrNotFound)
		assert.ErrorIs(t, db.ReleaseDevice(ctx, "ghost", models.DeviceStatusIdle), store.ErrNotFound)
	})
}

// --- Job Tests ---

func TestJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := storetest.DB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertDevice(ctx, "board-a", "rpi4"))
	require.NoError(t, db.UpsertDevice(ctx, "board-b", "rpi4"))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mkJob := func(t *testing.T, device, deviceType *string, offset time.Duration) *models.Job {
		t.Helper()
		j := &models.Job{
			Definition:          `{"n":1}`,
			RequestedDevice:     device,
			RequestedDeviceType: deviceType,
			SubmitTime:          base.Add(offset),
		}
		require.NoError(t, db.CreateJob(ctx, j))
		require.NotZero(t, j.ID)
		return j
	}

	t.Run("create and get", func(t *testing.T) {
		j := mkJob(t, strPtr("board-a"), nil, 0)
		got, err := db.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusSubmitted, got.Status)
		assert.Equal(t, "board-a", *got.RequestedDevice)
		assert.Nil(t, got.StartTime)
		assert.True(t, got.SubmitTime.Equal(base))

		// leave the queue empty for the ranking test
		require.NoError(t, db.FinishJob(ctx, j.ID, models.JobStatusCanceled, base))
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := db.GetJob(ctx, 999999)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("target clause required", func(t *testing.T) {
		err := db.CreateJob(ctx, &models.Job{Definition: `{}`})
		assert.Error(t, err)
	})

	t.Run("ranking", func(t *testing.T) {
		device, err := db.GetDevice(ctx, "board-a")
		require.NoError(t, err)

		none, err := db.NextJobForDevice(ctx, device)
		require.NoError(t, err)
		assert.Nil(t, none)

		typed := mkJob(t, nil, strPtr("rpi4"), time.Minute)
		mkJob(t, strPtr("board-b"), strPtr("rpi4"), 0) // someone else's
		next, err := db.NextJobForDevice(ctx, device)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, typed.ID, next.ID)

		targeted := mkJob(t, strPtr("board-a"), nil, 2*time.Minute)
		next, err = db.NextJobForDevice(ctx, device)
		require.NoError(t, err)
		assert.Equal(t, targeted.ID, next.ID, "targeted jobs rank first regardless of age")

		olderTargeted := mkJob(t, strPtr("board-a"), nil, time.Minute)
		next, err = db.NextJobForDevice(ctx, device)
		require.NoError(t, err)
		assert.Equal(t, olderTargeted.ID, next.ID)
	})

	t.Run("finish keeps first end time", func(t *testing.T) {
		j := mkJob(t, nil, strPtr("none-such"), 0)
		first := base.Add(time.Hour)
		require.NoError(t, db.FinishJob(ctx, j.ID, models.JobStatusCanceled, first))
		require.NoError(t, db.FinishJob(ctx, j.ID, models.JobStatusComplete, first.Add(time.Hour)))

		got, err := db.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusComplete, got.Status)
		require.NotNil(t, got.EndTime)
		assert.True(t, got.EndTime.Equal(first))
	})

	t.Run("reject only touches submitted jobs", func(t *testing.T) {
		j := mkJob(t, nil, strPtr("none-such"), 0)
		at := base.Add(3 * time.Hour)
		require.NoError(t, db.RejectJob(ctx, j.ID, at))

		got, err := db.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusIncomplete, got.Status)
		require.NotNil(t, got.EndTime)
		assert.True(t, got.EndTime.Equal(at))
		assert.Nil(t, got.StartTime)

		assert.ErrorIs(t, db.RejectJob(ctx, j.ID, at), store.ErrClaimConflict)
	})

	t.Run("results link", func(t *testing.T) {
		j := mkJob(t, nil, strPtr("none-such"), 0)
		require.NoError(t, db.SetResultsLink(ctx, j.ID, "https://results/1"))
		got, err := db.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://results/1", *got.ResultsLink)
		assert.ErrorIs(t, db.SetResultsLink(ctx, 999999, "x"), store.ErrNotFound)
	})
}

// --- Claim Tests ---

func TestClaim(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := storetest.DB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertDevice(ctx, "board-a", "rpi4"))
	require.NoError(t, db.UpsertDevice(ctx, "board-b", "rpi4"))
	job := &models.Job{Definition: `{}`, RequestedDeviceType: strPtr("rpi4")}
	require.NoError(t, db.CreateJob(ctx, job))

	t.Run("second device conflicts", func(t *testing.T) {
		err := db.Run(ctx, func(ctx context.Context, sc *store.Scope) error {
			ok, err := sc.ClaimDevice(ctx, "board-a", job.ID)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, sc.StartJob(ctx, job.ID, "board-a", "job.log", time.Now()))
			return sc.Commit(ctx)
		})
		require.NoError(t, err)

		var conflict error
		err = db.Run(ctx, func(ctx context.Context, sc *store.Scope) error {
			conflict = sc.Attempt(ctx, func(q *store.Queries) error {
				_, err := q.ClaimDevice(ctx, "board-b", job.ID)
				return err
			})
			// the scope survives the failed savepoint
			_, err := sc.GetDevice(ctx, "board-b")
			return err
		})
		require.NoError(t, err)
		assert.ErrorIs(t, conflict, store.ErrClaimConflict)

		d, err := db.GetDevice(ctx, "board-b")
		require.NoError(t, err)
		assert.Equal(t, models.DeviceStatusIdle, d.Status)
	})

	t.Run("busy device reports false", func(t *testing.T) {
		other := &models.Job{Definition: `{}`, RequestedDevice: strPtr("board-a")}
		require.NoError(t, db.CreateJob(ctx, other))

		ok, err := db.ClaimDevice(ctx, "board-a", other.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("start on non-submitted job conflicts", func(t *testing.T) {
		err := db.StartJob(ctx, job.ID, "board-b", "job.log", time.Now())
		assert.ErrorIs(t, err, store.ErrClaimConflict)
	})

	t.Run("release clears current job", func(t *testing.T) {
		require.NoError(t, db.ReleaseDevice(ctx, "board-a", models.DeviceStatusIdle))
		d, err := db.GetDevice(ctx, "board-a")
		require.NoError(t, err)
		assert.Equal(t, models.DeviceStatusIdle, d.Status)
		assert.Nil(t, d.CurrentJobID)
	})
}

// --- Scope Tests ---

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	var resets atomic.Int32
	pool := storetest.Pool(t)
	db := store.NewDB(pool, store.WithResetHook(func() { resets.Add(1) }))
	ctx := context.Background()

	t.Run("uncommitted work is rolled back", func(t *testing.T) {
		err := db.Run(ctx, func(ctx context.Context, sc *store.Scope) error {
			return sc.UpsertDevice(ctx, "board-x", "rpi4")
		})
		require.NoError(t, err)

		_, err = db.GetDevice(ctx, "board-x")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("error is returned and work rolled back", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.Run(ctx, func(ctx context.Context, sc *store.Scope) error {
			require.NoError(t, sc.UpsertDevice(ctx, "board-y", "rpi4"))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = db.GetDevice(ctx, "board-y")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("panic still releases the connection", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = db.Run(ctx, func(ctx context.Context, sc *store.Scope) error {
				require.NoError(t, sc.UpsertDevice(ctx, "board-z", "rpi4"))
				panic("boom")
			})
		})
		_, err := db.GetDevice(ctx, "board-z")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("lost connection resets the pool", func(t *testing.T) {
		err := db.Run(ctx, func(ctx context.Context, sc *store.Scope) error {
			_, err := sc.ListHostnames(ctx)
			require.NoError(t, err)

			// Terminate this scope's backend from another connection.
			_, err = pool.Exec(ctx,
				`SELECT pg_terminate_backend(pid) FROM pg_stat_activity
				 WHERE datname = current_database()
				   AND pid <> pg_backend_pid()
				   AND state LIKE 'idle in transaction%'`)
			require.NoError(t, err)

			_, err = sc.ListHostnames(ctx)
			return err
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrConnectionLost)
		assert.GreaterOrEqual(t, resets.Load(), int32(1))

		require.Eventually(t, func() bool { return db.Ping(ctx) == nil }, 10*time.Second, 100*time.Millisecond)
	})
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := storetest.DB(t)
	assert.NoError(t, db.Ping(context.Background()))
}
