// Package registry loads the device list from a YAML file and registers it
// in the database at startup.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Device is one entry of the devices file.
type Device struct {
	Hostname   string `yaml:"hostname"`
	DeviceType string `yaml:"device_type"`
}

type file struct {
	Devices []Device `yaml:"devices"`
}

// Upserter is satisfied by *store.DB.
type Upserter interface {
	UpsertDevice(ctx context.Context, hostname, deviceType string) error
}

// Load reads and validates a devices file.
func Load(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read devices file: %w", err)
	}
	return Parse(data)
}

// Parse validates YAML device definitions. Hostnames must be non-empty and
// unique, and every device needs a type.
func Parse(data []byte) ([]Device, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse devices file: %w", err)
	}

	seen := make(map[string]bool, len(f.Devices))
	for i := range f.Devices {
		d := &f.Devices[i]
		d.Hostname = strings.TrimSpace(d.Hostname)
		d.DeviceType = strings.TrimSpace(d.DeviceType)
		if d.Hostname == "" {
			return nil, fmt.Errorf("device %d: hostname is required", i)
		}
		if d.DeviceType == "" {
			return nil, fmt.Errorf("device %q: device_type is required", d.Hostname)
		}
		if seen[d.Hostname] {
			return nil, fmt.Errorf("device %q: duplicate hostname", d.Hostname)
		}
		seen[d.Hostname] = true
	}
	return f.Devices, nil
}

// Sync registers every device. Devices already present keep their status
// and current job.
func Sync(ctx context.Context, u Upserter, devices []Device) error {
	for _, d := range devices {
		if err := u.UpsertDevice(ctx, d.Hostname, d.DeviceType); err != nil {
			return fmt.Errorf("register %s: %w", d.Hostname, err)
		}
	}
	slog.Info("devices registered", "count", len(devices))
	return nil
}
