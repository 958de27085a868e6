package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/kiranshivaraju/boardsched/internal/logsink"
	"github.com/kiranshivaraju/boardsched/internal/store"
	"github.com/kiranshivaraju/boardsched/pkg/models"
)

func (s *DatabaseJobSource) currentJob(ctx context.Context, q *store.Queries, hostname string) (*models.Job, error) {
	device, err := q.GetDevice(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if device.CurrentJobID == nil {
		return nil, ErrNoCurrentJob
	}
	return q.GetJob(ctx, *device.CurrentJobID)
}

func (s *DatabaseJobSource) getLogFileForJobOnBoard(ctx context.Context, sc *store.Scope, hostname string) (io.WriteCloser, error) {
	job, err := s.currentJob(ctx, sc.Queries, hostname)
	if err != nil {
		return nil, err
	}
	name := logsink.Name(job.ID)
	if job.LogFile != nil {
		name = *job.LogFile
	}
	return s.logs.OpenForWrite(name)
}

// completedDeviceStatus maps a device's status at completion time to the
// status it moves to.
func completedDeviceStatus(status string) (string, bool) {
	switch status {
	case models.DeviceStatusRunning:
		return models.DeviceStatusIdle, true
	case models.DeviceStatusOfflining:
		return models.DeviceStatusOffline, true
	default:
		return models.DeviceStatusIdle, false
	}
}

// completedJobStatus maps a job's status and the executor's exit code to
// the job's final status. A pending cancellation wins over the exit code.
func completedJobStatus(status string, exitCode int) (string, bool) {
	switch status {
	case models.JobStatusRunning:
		if exitCode == 0 {
			return models.JobStatusComplete, true
		}
		return models.JobStatusIncomplete, true
	case models.JobStatusCanceling:
		return models.JobStatusCanceled, true
	default:
		return models.JobStatusComplete, false
	}
}

func (s *DatabaseJobSource) jobCompleted(ctx context.Context, sc *store.Scope, hostname string, exitCode int) error {
	slog.Debug("marking job as complete", "board", hostname, "exit_code", exitCode)

	device, err := sc.LockDevice(ctx, hostname)
	if err != nil {
		return err
	}
	deviceStatus, ok := completedDeviceStatus(device.Status)
	if !ok {
		slog.Error("unexpected device state in job completion",
			"board", hostname, "status", device.Status)
		s.metrics.IncAnomaly("device_status")
	}

	if device.CurrentJobID == nil {
		slog.Error("job completion reported for a board with no current job",
			"board", hostname, "status", device.Status)
		s.metrics.IncAnomaly("missing_current_job")
		if err := sc.ReleaseDevice(ctx, hostname, deviceStatus); err != nil {
			return err
		}
		return sc.Commit(ctx)
	}

	job, err := sc.LockJob(ctx, *device.CurrentJobID)
	if err != nil {
		return err
	}
	jobStatus, ok := completedJobStatus(job.Status, exitCode)
	if !ok {
		slog.Error("unexpected job state in job completion",
			"board", hostname, "job_id", job.ID, "status", job.Status)
		s.metrics.IncAnomaly("job_status")
	}

	now := s.now().UTC()
	if err := sc.ReleaseDevice(ctx, hostname, deviceStatus); err != nil {
		return err
	}
	if err := sc.FinishJob(ctx, job.ID, jobStatus, now); err != nil {
		return err
	}
	if err := sc.Commit(ctx); err != nil {
		return err
	}

	s.metrics.IncJobFinished(jobStatus)
	if job.StartTime != nil {
		s.metrics.ObserveJobDuration(jobStatus, now.Sub(*job.StartTime))
	}
	slog.Info("job finished", "board", hostname, "job_id", job.ID,
		"status", jobStatus, "device_status", deviceStatus)
	return nil
}

// jobOobData records side-channel data about the device's running job.
// Keys other than OOBKeyResultsLink are logged and dropped.
func (s *DatabaseJobSource) jobOobData(ctx context.Context, sc *store.Scope, hostname, key, value string) error {
	slog.Info("oob data received", "board", hostname, "key", key, "value", value)
	if key != OOBKeyResultsLink {
		return nil
	}

	job, err := s.currentJob(ctx, sc.Queries, hostname)
	if err != nil {
		return err
	}
	if err := sc.SetResultsLink(ctx, job.ID, value); err != nil {
		return err
	}
	return sc.Commit(ctx)
}

// jobCheckForCancellation never writes. A device without a job reports true
// since there is nothing left that should keep running.
func (s *DatabaseJobSource) jobCheckForCancellation(ctx context.Context, sc *store.Scope, hostname string) (bool, error) {
	job, err := s.currentJob(ctx, sc.Queries, hostname)
	if errors.Is(err, ErrNoCurrentJob) {
		slog.Debug("cancellation check on a board with no current job", "board", hostname)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return job.Status != models.JobStatusRunning, nil
}
