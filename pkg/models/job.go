package models

import "time"

const (
	JobStatusSubmitted  = "submitted"
	JobStatusRunning    = "running"
	JobStatusCanceling  = "canceling"
	JobStatusCanceled   = "canceled"
	JobStatusComplete   = "complete"
	JobStatusIncomplete = "incomplete"
)

// Job is a unit of submitted work. A job is claimed by exactly one device;
// RequestedDevice binds it to a specific board, RequestedDeviceType lets any
// idle board of that type take it.
type Job struct {
	ID                  int64      `db:"id"                    json:"id"`
	Definition          string     `db:"definition"            json:"definition"`
	Status              string     `db:"status"                json:"status"`
	RequestedDevice     *string    `db:"requested_device"      json:"requested_device,omitempty"`
	RequestedDeviceType *string    `db:"requested_device_type" json:"requested_device_type,omitempty"`
	SubmitTime          time.Time  `db:"submit_time"           json:"submit_time"`
	StartTime           *time.Time `db:"start_time"            json:"start_time,omitempty"`
	EndTime             *time.Time `db:"end_time"              json:"end_time,omitempty"`
	ActualDevice        *string    `db:"actual_device"         json:"actual_device,omitempty"`
	LogFile             *string    `db:"log_file"              json:"log_file,omitempty"`
	ResultsLink         *string    `db:"results_link"          json:"results_link,omitempty"`
}

// IsTerminal reports whether the job can no longer change status.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCanceled, JobStatusComplete, JobStatusIncomplete:
		return true
	}
	return false
}
