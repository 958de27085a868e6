package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/boardsched/internal/store"
	"github.com/kiranshivaraju/boardsched/pkg/models"
)

// getJobForBoard loops until it either claims a job for the device or
// finds there is nothing to claim. Each pass works inside a savepoint; a
// pass that loses the race for a job rolls back to it and selects again.
// Losing never removes a job from the queue, so every retry either finds a
// different candidate or runs out of them.
func (s *DatabaseJobSource) getJobForBoard(ctx context.Context, sc *store.Scope, hostname string) (map[string]any, error) {
	rejected := false
	// keep persists rejected jobs when the poll ends without a claim.
	keep := func() error {
		if !rejected {
			return nil
		}
		return sc.Commit(ctx)
	}

	for attempt := 1; ; attempt++ {
		if attempt > s.maxAttempts {
			slog.Error("giving up on claim after repeated conflicts",
				"board", hostname, "attempts", s.maxAttempts)
			if err := keep(); err != nil {
				return nil, err
			}
			return nil, ErrClaimRetriesExhausted
		}

		device, err := sc.GetDevice(ctx, hostname)
		if err != nil {
			return nil, err
		}
		if device.Status != models.DeviceStatusIdle {
			s.metrics.IncPoll(false)
			return nil, keep()
		}

		var c claim
		err = sc.Attempt(ctx, func(q *store.Queries) error {
			var err error
			c, err = s.claimNext(ctx, q, device)
			return err
		})
		if errors.Is(err, store.ErrClaimConflict) {
			slog.Info("job has been assigned to another board, rolling back",
				"board", hostname, "attempt", attempt)
			s.metrics.IncClaimConflict()
			continue
		}
		if err != nil {
			return nil, err
		}
		if c.job == nil {
			s.metrics.IncPoll(false)
			return nil, keep()
		}
		if c.definition == nil {
			slog.Error("job definition is not a JSON object, marking incomplete",
				"board", hostname, "job_id", c.job.ID)
			s.metrics.IncAnomaly("invalid_definition")
			s.metrics.IncJobFinished(models.JobStatusIncomplete)
			rejected = true
			continue
		}

		c.definition["target"] = device.Hostname
		if err := sc.Commit(ctx); err != nil {
			return nil, err
		}
		s.metrics.IncPoll(true)
		slog.Info("job claimed", "board", hostname, "job_id", c.job.ID)
		return c.definition, nil
	}
}

// claim is the outcome of one claimNext pass. A job with a nil definition
// was rejected instead of claimed.
type claim struct {
	job        *models.Job
	definition map[string]any
}

// claimNext picks the top candidate for device and claims it. It returns a
// zero claim when nothing qualifies or the device stopped being idle. The
// device row is written first so the unique constraint on current_job_id
// decides races before the job row is touched. A candidate whose definition
// cannot be decoded is moved to incomplete so it stops heading the queue.
func (s *DatabaseJobSource) claimNext(ctx context.Context, q *store.Queries, device *models.Device) (claim, error) {
	job, err := q.NextJobForDevice(ctx, device)
	if err != nil || job == nil {
		return claim{}, err
	}

	definition, err := decodeDefinition(job.Definition)
	if err != nil {
		if err := q.RejectJob(ctx, job.ID, s.now().UTC()); err != nil {
			return claim{}, err
		}
		return claim{job: job}, nil
	}

	ok, err := q.ClaimDevice(ctx, device.Hostname, job.ID)
	if err != nil {
		return claim{}, err
	}
	if !ok {
		return claim{}, nil
	}

	logFile, err := s.logs.Create(job.ID)
	if err != nil {
		return claim{}, err
	}
	if err := q.StartJob(ctx, job.ID, device.Hostname, logFile, s.now().UTC()); err != nil {
		return claim{}, err
	}
	return claim{job: job, definition: definition}, nil
}

// decodeDefinition parses a job definition that must be a single JSON
// object. Numbers are kept as json.Number so they re-encode exactly as
// submitted.
func decodeDefinition(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var def map[string]any
	if err := dec.Decode(&def); err != nil || def == nil {
		return nil, ErrInvalidDefinition
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrInvalidDefinition
	}
	return def, nil
}
