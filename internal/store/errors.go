package store

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeUniqueViolation = "23505"
	codeAdminShutdown   = "57P01"
	codeCrashShutdown   = "57P02"
)

// constraint guarding the one-job-per-device and one-device-per-job rule
const currentJobConstraint = "devices_current_job_id_key"

// connLostMessages are matched against error text when the driver does not
// give us a typed error to inspect.
var connLostMessages = []string{
	"conn closed",
	"connection already closed",
	"terminating connection due to administrator command",
	"connection refused",
}

// IsConnectionLost reports whether err means the underlying connection is
// unusable and the pool should reconnect before the next call.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeAdminShutdown || pgErr.Code == codeCrashShutdown
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := err.Error()
	for _, m := range connLostMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeUniqueViolation
	}
	return false
}

// isCurrentJobConflict reports a unique violation on devices.current_job_id.
func isCurrentJobConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == currentJobConstraint
	}
	return false
}
