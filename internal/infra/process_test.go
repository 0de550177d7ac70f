package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessManager_FindByName_FindsSelf(t *testing.T) {
	pm := NewProcessManager()
	self := filepath.Base(os.Args[0])

	pids, err := pm.FindByName(self)
	require.NoError(t, err)
	assert.Contains(t, pids, os.Getpid())
}

func TestProcessManager_FindByName_NoMatch(t *testing.T) {
	pids, err := NewProcessManager().FindByName("no-such-process-7f3c9a")
	require.NoError(t, err)
	assert.Empty(t, pids)
}

func TestProcessManager_IsRunning(t *testing.T) {
	pm := NewProcessManager()

	tests := []struct {
		name string
		pid  int
		want bool
	}{
		{"current process", os.Getpid(), true},
		{"zero pid", 0, false},
		{"negative pid", -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pm.IsRunning(tt.pid))
		})
	}
}
