package cli

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/hiplan/internal/daemon"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServeCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "serve", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "long-lived service")
		assert.Contains(t, output, "--port")
	})

	t.Run("invalid config", func(t *testing.T) {
		path, _ := writeConfig(t, map[string]any{
			"gateway": map[string]any{"enabled": true, "port": 8484},
		})
		_, err := execute(t, "serve", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shared_secret is required")
	})

	t.Run("serves until cancelled", func(t *testing.T) {
		useTestDaemon(t)
		path, dir := writeConfig(t, map[string]any{
			"gateway": map[string]any{"enabled": true, "host": "127.0.0.1", "port": 1, "shared_secret": "test-secret"},
		})
		port := freePort(t)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		serveCmd.SetContext(ctx)
		t.Cleanup(func() { serveCmd.SetContext(context.Background()) })

		errCh := make(chan error, 1)
		go func() {
			_, err := execute(t, "serve", "--config", path, "--port", strconv.Itoa(port))
			errCh <- err
		}()

		url := "http://127.0.0.1:" + strconv.Itoa(port) + "/healthz"
		require.Eventually(t, func() bool {
			resp, err := http.Get(url)
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 10*time.Second, 50*time.Millisecond)

		pid, err := daemon.RunningPID(dir)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)

		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("serve did not stop")
		}

		_, err = os.Stat(daemon.PIDFilePath(dir))
		assert.True(t, os.IsNotExist(err), "PID file is removed on shutdown")
	})
}
