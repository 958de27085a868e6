package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/boardsched/internal/api/response"
	"github.com/kiranshivaraju/boardsched/internal/scheduler"
	"github.com/kiranshivaraju/boardsched/pkg/models"
)

// Scheduler is the operator surface of the scheduler.
type Scheduler interface {
	SubmitJob(ctx context.Context, req scheduler.SubmitRequest) (*models.Job, error)
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	CancelJob(ctx context.Context, id int64) (*models.Job, error)
	OpenJobLog(ctx context.Context, id int64) (io.ReadCloser, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
	SetMaintenance(ctx context.Context, hostname string) (*models.Device, error)
	SetOnline(ctx context.Context, hostname string) (*models.Device, error)
}

// PollTimes reports when boards last polled.
type PollTimes interface {
	LastPolled(ctx context.Context, hostnames []string) (map[string]time.Time, error)
}

// Admin serves the operator endpoints.
type Admin struct {
	sched Scheduler
	polls PollTimes
}

// NewAdmin creates the admin handlers. polls may be nil.
func NewAdmin(sched Scheduler, polls PollTimes) *Admin {
	return &Admin{sched: sched, polls: polls}
}

type jobResponse struct {
	ID                  int64           `json:"id"`
	Definition          json.RawMessage `json:"definition"`
	Status              string          `json:"status"`
	RequestedDevice     *string         `json:"requested_device,omitempty"`
	RequestedDeviceType *string         `json:"requested_device_type,omitempty"`
	SubmitTime          time.Time       `json:"submit_time"`
	StartTime           *time.Time      `json:"start_time,omitempty"`
	EndTime             *time.Time      `json:"end_time,omitempty"`
	ActualDevice        *string         `json:"actual_device,omitempty"`
	ResultsLink         *string         `json:"results_link,omitempty"`
}

func toJobResponse(j *models.Job) jobResponse {
	return jobResponse{
		ID:                  j.ID,
		Definition:          json.RawMessage(j.Definition),
		Status:              j.Status,
		RequestedDevice:     j.RequestedDevice,
		RequestedDeviceType: j.RequestedDeviceType,
		SubmitTime:          j.SubmitTime,
		StartTime:           j.StartTime,
		EndTime:             j.EndTime,
		ActualDevice:        j.ActualDevice,
		ResultsLink:         j.ResultsLink,
	}
}

type deviceResponse struct {
	*models.Device
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
}

// SubmitJob handles POST /api/v1/admin/jobs.
func (a *Admin) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Definition          json.RawMessage `json:"definition"`
		RequestedDevice     *string         `json:"requested_device"`
		RequestedDeviceType *string         `json:"requested_device_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if len(req.Definition) == 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "definition is required", nil)
		return
	}

	job, err := a.sched.SubmitJob(r.Context(), scheduler.SubmitRequest{
		Definition:          req.Definition,
		RequestedDevice:     req.RequestedDevice,
		RequestedDeviceType: req.RequestedDeviceType,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, toJobResponse(job))
}

// GetJob handles GET /api/v1/admin/jobs/{jobID}.
func (a *Admin) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := a.sched.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, toJobResponse(job))
}

// CancelJob handles POST /api/v1/admin/jobs/{jobID}/cancel.
func (a *Admin) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := a.sched.CancelJob(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, toJobResponse(job))
}

// JobLog handles GET /api/v1/admin/jobs/{jobID}/log and streams the log as
// plain text.
func (a *Admin) JobLog(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	rc, err := a.sched.OpenJobLog(r.Context(), id)
	if errors.Is(err, fs.ErrNotExist) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Log not found", nil)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("job log stream interrupted", "job_id", id, "error", err)
	}
}

// ListDevices handles GET /api/v1/admin/devices.
func (a *Admin) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.sched.ListDevices(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var polled map[string]time.Time
	if a.polls != nil && len(devices) > 0 {
		hostnames := make([]string, len(devices))
		for i, d := range devices {
			hostnames[i] = d.Hostname
		}
		polled, err = a.polls.LastPolled(r.Context(), hostnames)
		if err != nil {
			slog.Warn("failed to read board poll times", "error", err)
		}
	}

	out := make([]deviceResponse, len(devices))
	for i, d := range devices {
		out[i] = deviceResponse{Device: d}
		if at, ok := polled[d.Hostname]; ok {
			out[i].LastPolledAt = &at
		}
	}
	response.JSON(w, out)
}

// SetMaintenance handles POST /api/v1/admin/devices/{hostname}/maintenance.
func (a *Admin) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	device, err := a.sched.SetMaintenance(r.Context(), chi.URLParam(r, "hostname"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, device)
}

// SetOnline handles POST /api/v1/admin/devices/{hostname}/online.
func (a *Admin) SetOnline(w http.ResponseWriter, r *http.Request) {
	device, err := a.sched.SetOnline(r.Context(), chi.URLParam(r, "hostname"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, device)
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a positive integer", nil)
		return 0, false
	}
	return id, true
}
