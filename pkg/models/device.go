package models

import "time"

const (
	DeviceStatusIdle      = "idle"
	DeviceStatusRunning   = "running"
	DeviceStatusOffline   = "offline"
	DeviceStatusOfflining = "offlining"
)

// Device is a board that polls for work. CurrentJobID is unique across all
// devices; the database enforces it and the claim path relies on it.
type Device struct {
	Hostname     string    `db:"hostname"       json:"hostname"`
	DeviceType   string    `db:"device_type"    json:"device_type"`
	Status       string    `db:"status"         json:"status"`
	CurrentJobID *int64    `db:"current_job_id" json:"current_job_id,omitempty"`
	CreatedAt    time.Time `db:"created_at"     json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"     json:"updated_at"`
}
