package cli

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/hiplan/internal/daemon"
)

func TestStatusCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()

		found := false
		for _, c := range cmd.Commands() {
			if c.Name() == "status" {
				found = true
				break
			}
		}
		assert.True(t, found, "status command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "status", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "status")
	})

	t.Run("stopped", func(t *testing.T) {
		path, _ := writeConfig(t, nil)

		output, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Equal(t, "Status: stopped\n", output)
	})

	t.Run("stale PID file", func(t *testing.T) {
		path, dir := writeConfig(t, nil)
		require.NoError(t, os.WriteFile(daemon.PIDFilePath(dir), []byte("2147483646"), 0o644))

		output, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Status: stopped")
	})

	t.Run("running", func(t *testing.T) {
		path, dir := writeConfig(t, map[string]any{
			"gateway": map[string]any{"enabled": true, "host": "127.0.0.1", "port": 9191, "shared_secret": "s"},
		})
		require.NoError(t, os.WriteFile(daemon.PIDFilePath(dir), []byte(strconv.Itoa(os.Getpid())), 0o644))

		output, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Status: running")
		assert.Contains(t, output, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, output, "Uptime: ")
		assert.Contains(t, output, "Gateway: 127.0.0.1:9191")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"rounds to seconds", 1500 * time.Millisecond, "2s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
