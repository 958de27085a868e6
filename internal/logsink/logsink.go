// Package logsink keeps per-job output files on local disk.
package logsink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrInvalidName = errors.New("invalid log sink name")

// Store creates and opens job log files under a single directory.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Name returns the sink name for a job.
func Name(jobID int64) string {
	return fmt.Sprintf("job-%d.log", jobID)
}

// Create makes an empty sink for jobID if one does not exist yet and returns
// its name. Existing content is kept.
func (s *Store) Create(jobID int64) (string, error) {
	name := Name(jobID)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create log sink: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("create log sink: %w", err)
	}
	return name, nil
}

// OpenForWrite opens the named sink for writing and truncates it. Every call
// starts a new write session; earlier output is discarded.
func (s *Store) OpenForWrite(name string) (io.WriteCloser, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log sink: %w", err)
	}
	return f, nil
}

// Open opens the named sink for reading.
func (s *Store) Open(name string) (io.ReadCloser, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log sink: %w", err)
	}
	return f, nil
}

func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name), nil
}
