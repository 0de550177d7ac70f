package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// FileRegistry implements domain.HostRegistry using a JSON file next to
// the command socket.
type FileRegistry struct {
	path           string
	processManager domain.ProcessManager
}

// NewFileRegistry creates a registry at path.
func NewFileRegistry(path string, pm domain.ProcessManager) *FileRegistry {
	return &FileRegistry{
		path:           path,
		processManager: pm,
	}
}

// Path returns the registry file path.
func (r *FileRegistry) Path() string {
	return r.path
}

// Register writes the record, filling in the execution mode.
func (r *FileRegistry) Register(rec domain.HostRecord) error {
	if rec.Mode == "" {
		if os.Geteuid() == 0 {
			rec.Mode = "system"
		} else {
			rec.Mode = "user"
		}
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	return r.atomicWrite(&rec)
}

// Get returns the recorded host, or nil if none is registered.
func (r *FileRegistry) Get() (*domain.HostRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var rec domain.HostRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt registry %s: %w", r.path, err)
	}
	return &rec, nil
}

// IsAlive checks the recorded PID. A missing record is not alive.
func (r *FileRegistry) IsAlive() (bool, error) {
	rec, err := r.Get()
	if err != nil || rec == nil {
		return false, err
	}
	return r.processManager.IsRunning(rec.PID), nil
}

// Clear removes the registry file. A missing file is not an error.
func (r *FileRegistry) Clear() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// atomicWrite writes registry to file atomically (write + rename).
func (r *FileRegistry) atomicWrite(rec *domain.HostRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	// Atomic rename
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return err
	}
	return nil
}

// Ensure FileRegistry implements domain.HostRegistry.
var _ domain.HostRegistry = (*FileRegistry)(nil)
