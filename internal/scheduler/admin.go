package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/kiranshivaraju/boardsched/internal/store"
	"github.com/kiranshivaraju/boardsched/pkg/models"
)

// SubmitRequest describes a new job. At least one of RequestedDevice and
// RequestedDeviceType must be set.
type SubmitRequest struct {
	Definition          json.RawMessage
	RequestedDevice     *string
	RequestedDeviceType *string
}

// SubmitJob queues a new job.
func (s *DatabaseJobSource) SubmitJob(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if _, err := decodeDefinition(string(req.Definition)); err != nil {
		return nil, err
	}
	if isBlank(req.RequestedDevice) && isBlank(req.RequestedDeviceType) {
		return nil, ErrNoTarget
	}

	job := &models.Job{
		Definition: string(req.Definition),
		Status:     models.JobStatusSubmitted,
		SubmitTime: s.now().UTC(),
	}
	if !isBlank(req.RequestedDevice) {
		job.RequestedDevice = req.RequestedDevice
	}
	if !isBlank(req.RequestedDeviceType) {
		job.RequestedDeviceType = req.RequestedDeviceType
	}

	err := s.db.Run(ctx, func(ctx context.Context, sc *store.Scope) error {
		if job.RequestedDevice != nil {
			if _, err := sc.GetDevice(ctx, *job.RequestedDevice); err != nil {
				return err
			}
		}
		if err := sc.CreateJob(ctx, job); err != nil {
			return err
		}
		return sc.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("job submitted", "job_id", job.ID)
	return job, nil
}

// GetJob returns a job by ID.
func (s *DatabaseJobSource) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	job, err := s.db.GetJob(ctx, id)
	return job, s.db.Check(err)
}

// ListDevices returns every registered device ordered by hostname.
func (s *DatabaseJobSource) ListDevices(ctx context.Context) ([]*models.Device, error) {
	devices, err := s.db.ListDevices(ctx)
	return devices, s.db.Check(err)
}

// OpenJobLog opens a job's log for reading. A job that never started has
// no log and yields store.ErrNotFound.
func (s *DatabaseJobSource) OpenJobLog(ctx context.Context, id int64) (io.ReadCloser, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.LogFile == nil {
		return nil, store.ErrNotFound
	}
	return s.logs.Open(*job.LogFile)
}

// CancelJob cancels a queued job outright, or asks a running job to stop.
// A running job only becomes canceled when its device reports completion.
func (s *DatabaseJobSource) CancelJob(ctx context.Context, id int64) (*models.Job, error) {
	var job *models.Job
	err := s.db.Run(ctx, func(ctx context.Context, sc *store.Scope) error {
		j, err := sc.LockJob(ctx, id)
		if err != nil {
			return err
		}
		switch j.Status {
		case models.JobStatusSubmitted:
			if err := sc.FinishJob(ctx, id, models.JobStatusCanceled, s.now().UTC()); err != nil {
				return err
			}
		case models.JobStatusRunning:
			if err := sc.SetJobStatus(ctx, id, models.JobStatusCanceling); err != nil {
				return err
			}
		default:
			if j.IsTerminal() {
				return fmt.Errorf("job %d already %s: %w", id, j.Status, ErrInvalidTransition)
			}
			return fmt.Errorf("job %d is already being canceled: %w", id, ErrInvalidTransition)
		}
		if err := sc.Commit(ctx); err != nil {
			return err
		}
		job, err = s.db.GetJob(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("job cancellation requested", "job_id", id, "status", job.Status)
	return job, nil
}

// SetMaintenance takes a device out of rotation. A busy device finishes its
// job first and goes offline on completion.
func (s *DatabaseJobSource) SetMaintenance(ctx context.Context, hostname string) (*models.Device, error) {
	return s.setDeviceStatus(ctx, hostname, map[string]string{
		models.DeviceStatusIdle:    models.DeviceStatusOffline,
		models.DeviceStatusRunning: models.DeviceStatusOfflining,
	})
}

// SetOnline returns a device to rotation, withdrawing a pending maintenance
// request if its job is still running.
func (s *DatabaseJobSource) SetOnline(ctx context.Context, hostname string) (*models.Device, error) {
	return s.setDeviceStatus(ctx, hostname, map[string]string{
		models.DeviceStatusOffline:   models.DeviceStatusIdle,
		models.DeviceStatusOfflining: models.DeviceStatusRunning,
	})
}

// setDeviceStatus applies transitions to the device's current status.
// Statuses missing from transitions are left unchanged.
func (s *DatabaseJobSource) setDeviceStatus(ctx context.Context, hostname string, transitions map[string]string) (*models.Device, error) {
	var device *models.Device
	err := s.db.Run(ctx, func(ctx context.Context, sc *store.Scope) error {
		d, err := sc.LockDevice(ctx, hostname)
		if err != nil {
			return err
		}
		next, ok := transitions[d.Status]
		if !ok {
			device = d
			return nil
		}
		if err := sc.SetDeviceStatus(ctx, hostname, next); err != nil {
			return err
		}
		if err := sc.Commit(ctx); err != nil {
			return err
		}
		slog.Info("device status changed", "board", hostname, "from", d.Status, "to", next)
		d.Status = next
		device = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

func isBlank(s *string) bool {
	return s == nil || *s == ""
}
