package cli

import (
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/hiplan/internal/daemon"
)

func TestStopCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()

		found := false
		for _, c := range cmd.Commands() {
			if c.Name() == "stop" {
				found = true
				break
			}
		}
		assert.True(t, found, "stop command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "stop", "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Stop the hiplan daemon service")
		assert.Contains(t, output, "timeout")
	})

	t.Run("not running", func(t *testing.T) {
		path, _ := writeConfig(t, nil)

		_, err := execute(t, "stop", "--config", path)
		assert.ErrorIs(t, err, daemon.ErrNotRunning)
	})

	t.Run("stops a live process", func(t *testing.T) {
		sleeper := exec.Command("sleep", "30")
		require.NoError(t, sleeper.Start())
		exited := make(chan struct{})
		go func() {
			_ = sleeper.Wait()
			close(exited)
		}()
		t.Cleanup(func() { _ = sleeper.Process.Kill() })

		path, dir := writeConfig(t, nil)
		require.NoError(t, os.WriteFile(daemon.PIDFilePath(dir), []byte(strconv.Itoa(sleeper.Process.Pid)), 0o644))

		output, err := execute(t, "stop", "--config", path, "--timeout", "5")
		require.NoError(t, err)
		assert.Contains(t, output, "Sent SIGTERM")
		assert.Contains(t, output, "Daemon stopped successfully")

		select {
		case <-exited:
		case <-time.After(5 * time.Second):
			t.Fatal("process did not exit")
		}
	})
}
