package infra

import (
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() *ProcessManagerImpl {
	return &ProcessManagerImpl{}
}

// FindByName returns PIDs of processes whose name contains pattern
// (case-insensitive). Exact matches are listed first.
func (pm *ProcessManagerImpl) FindByName(pattern string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var exact, partial []int
	patternLower := strings.ToLower(pattern)

	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // Process may have exited
		}
		switch {
		case strings.EqualFold(name, pattern):
			exact = append(exact, int(p.Pid))
		case strings.Contains(strings.ToLower(name), patternLower):
			partial = append(partial, int(p.Pid))
		}
	}

	return append(exact, partial...), nil
}

// IsRunning checks if a PID exists and is not a zombie.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return true // exists but status unreadable
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
