package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/boardsched/pkg/models"
)

const deviceColumns = `hostname, device_type, status, current_job_id, created_at, updated_at`

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	err := row.Scan(&d.Hostname, &d.DeviceType, &d.Status, &d.CurrentJobID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListHostnames returns every registered hostname in name order.
func (q *Queries) ListHostnames(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx, `SELECT hostname FROM devices ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list hostnames: %w", err)
	}
	defer rows.Close()

	hostnames := []string{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan hostname: %w", err)
		}
		hostnames = append(hostnames, h)
	}
	return hostnames, rows.Err()
}

func (q *Queries) ListDevices(ctx context.Context) ([]*models.Device, error) {
	rows, err := q.db.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (q *Queries) GetDevice(ctx context.Context, hostname string) (*models.Device, error) {
	d, err := scanDevice(q.db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE hostname = $1`, hostname))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// LockDevice is GetDevice with a row lock held until the transaction ends.
func (q *Queries) LockDevice(ctx context.Context, hostname string) (*models.Device, error) {
	d, err := scanDevice(q.db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE hostname = $1 FOR UPDATE`, hostname))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock device: %w", err)
	}
	return d, nil
}

// UpsertDevice registers a device, or updates the type of an existing one.
// Status and current job of an existing device are left alone.
func (q *Queries) UpsertDevice(ctx context.Context, hostname, deviceType string) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO devices (hostname, device_type) VALUES ($1, $2)
		 ON CONFLICT (hostname) DO UPDATE SET
		   device_type = EXCLUDED.device_type,
		   updated_at = NOW()
		 WHERE devices.device_type <> EXCLUDED.device_type`,
		hostname, deviceType)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// ClaimDevice attaches jobID to an idle device and marks it running. It
// reports false when the device is no longer idle, and ErrClaimConflict when
// another device already holds jobID.
func (q *Queries) ClaimDevice(ctx context.Context, hostname string, jobID int64) (bool, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE devices SET status = $3, current_job_id = $2, updated_at = NOW()
		 WHERE hostname = $1 AND status = $4`,
		hostname, jobID, models.DeviceStatusRunning, models.DeviceStatusIdle)
	if err != nil {
		if isCurrentJobConflict(err) {
			return false, ErrClaimConflict
		}
		return false, fmt.Errorf("claim device: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseDevice detaches the current job and sets the device status.
func (q *Queries) ReleaseDevice(ctx context.Context, hostname, status string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE devices SET status = $2, current_job_id = NULL, updated_at = NOW()
		 WHERE hostname = $1`, hostname, status)
	if err != nil {
		return fmt.Errorf("release device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) SetDeviceStatus(ctx context.Context, hostname, status string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE devices SET status = $2, updated_at = NOW() WHERE hostname = $1`, hostname, status)
	if err != nil {
		return fmt.Errorf("set device status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
