package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/boardsched/pkg/models"
)

const jobColumns = `id, definition, status, requested_device, requested_device_type,
	submit_time, start_time, end_time, actual_device, log_file, results_link`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Definition, &j.Status, &j.RequestedDevice, &j.RequestedDeviceType,
		&j.SubmitTime, &j.StartTime, &j.EndTime, &j.ActualDevice, &j.LogFile, &j.ResultsLink)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a submitted job and fills in its ID. A zero SubmitTime
// is replaced with the current time.
func (q *Queries) CreateJob(ctx context.Context, job *models.Job) error {
	if job.SubmitTime.IsZero() {
		job.SubmitTime = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = models.JobStatusSubmitted
	}
	err := q.db.QueryRow(ctx,
		`INSERT INTO jobs (definition, status, requested_device, requested_device_type, submit_time)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		job.Definition, job.Status, job.RequestedDevice, job.RequestedDeviceType, job.SubmitTime,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (q *Queries) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanJob(q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// NextJobForDevice returns the highest ranked submitted job the device may
// run, or nil when none qualifies. Jobs targeted at the device rank ahead of
// jobs that only name its type; within a tier the oldest submission wins.
func (q *Queries) NextJobForDevice(ctx context.Context, device *models.Device) (*models.Job, error) {
	j, err := scanJob(q.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = $1
		   AND (requested_device = $2
		        OR (requested_device IS NULL AND requested_device_type = $3))
		 ORDER BY (requested_device IS NOT NULL) DESC, submit_time ASC, id ASC
		 LIMIT 1`,
		models.JobStatusSubmitted, device.Hostname, device.DeviceType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next job for device: %w", err)
	}
	return j, nil
}

// StartJob marks a submitted job as running on hostname. It returns
// ErrClaimConflict if the job has left the submitted state.
func (q *Queries) StartJob(ctx context.Context, id int64, hostname, logFile string, at time.Time) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE jobs SET status = $2, start_time = $3, actual_device = $4, log_file = $5
		 WHERE id = $1 AND status = $6`,
		id, models.JobStatusRunning, at, hostname, logFile, models.JobStatusSubmitted)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimConflict
	}
	return nil
}

// FinishJob sets a final status and stamps end_time if it is not set yet.
func (q *Queries) FinishJob(ctx context.Context, id int64, status string, at time.Time) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE jobs SET status = $2, end_time = COALESCE(end_time, $3) WHERE id = $1`,
		id, status, at)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RejectJob moves a submitted job straight to incomplete without running
// it. It returns ErrClaimConflict if the job has left the submitted state.
func (q *Queries) RejectJob(ctx context.Context, id int64, at time.Time) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE jobs SET status = $2, end_time = $3 WHERE id = $1 AND status = $4`,
		id, models.JobStatusIncomplete, at, models.JobStatusSubmitted)
	if err != nil {
		return fmt.Errorf("reject job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimConflict
	}
	return nil
}

func (q *Queries) SetJobStatus(ctx context.Context, id int64, status string) error {
	tag, err := q.db.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) SetResultsLink(ctx context.Context, id int64, link string) error {
	tag, err := q.db.Exec(ctx, `UPDATE jobs SET results_link = $2 WHERE id = $1`, id, link)
	if err != nil {
		return fmt.Errorf("set results link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LockJob reads a job and holds a row lock on it until the transaction ends.
func (q *Queries) LockJob(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanJob(q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return j, nil
}
