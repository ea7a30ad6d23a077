package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() { GetAuditLogger().Close() })

	ctx := context.Background()
	RecordCapabilityAudit(ctx, "sum", "session-1", "success", map[string]interface{}{"latency_ms": 3})
	RecordSecurityAudit(ctx, "ws_auth", "client-1", "failure", nil)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		lines = append(lines, entry)
	}

	require.Len(t, lines, 2)
	assert.Equal(t, "capability", lines[0]["type"])
	assert.Equal(t, "invoke:sum", lines[0]["action"])
	assert.Equal(t, "session-1", lines[0]["actor"])
	assert.Equal(t, "security", lines[1]["type"])
	assert.Equal(t, "failure", lines[1]["status"])
}

func TestAuditLoggerDefaultsToNop(t *testing.T) {
	a := &AuditLogger{}
	assert.NotPanics(t, func() {
		a.Record(context.Background(), AuditEvent{Type: "config", Action: "reload"})
	})
	assert.NoError(t, a.Close())
}
