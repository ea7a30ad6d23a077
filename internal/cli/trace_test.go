package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/harun/hiplan/pkg/tracestore"
)

// seedTraces writes one archived session into the sqlite store of dir.
func seedTraces(t *testing.T, dir string) {
	t.Helper()
	ctx := context.Background()

	store, err := tracestore.NewSQLiteStore(tracestore.SQLiteConfig{
		Path:     filepath.Join(dir, "traces.db"),
		Embedder: tracestore.NewHashingEmbedder(64),
	})
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC()
	records := []tracestore.StepRecord{
		{
			SessionID: "s1",
			Phase:     tracestore.PhasePlan,
			NodeID:    "root",
			Input:     json.RawMessage(`{"goal":"add 2 and 3"}`),
			Output:    json.RawMessage(`{"next":"root"}`),
			Outcome:   tracestore.OutcomeOK,
			Timestamp: now,
			Duration:  12 * time.Millisecond,
		},
		{
			SessionID: "s1",
			Phase:     tracestore.PhaseAct,
			NodeID:    "root",
			Input:     json.RawMessage(`{"capability":"sum","args":{"a":2,"b":3}}`),
			Outcome:   tracestore.OutcomeError,
			ErrorKind: "timeout",
			Error:     "sum timed out",
			Timestamp: now.Add(time.Millisecond),
			Duration:  time.Second,
		},
	}
	for _, rec := range records {
		_, err := store.Append(ctx, rec)
		require.NoError(t, err)
	}
	require.NoError(t, store.SaveSnapshot(ctx, tracestore.PlanSnapshot{
		SessionID: "s1",
		Iteration: 1,
		Tree:      json.RawMessage(`{"root":"root","nodes":{}}`),
		CreatedAt: now,
	}))
	require.NoError(t, store.SaveSession(ctx, tracestore.SessionRecord{
		ID:         "s1",
		Goal:       "add 2 and 3",
		Status:     "FAILED",
		Reason:     "capability_error",
		Iterations: 1,
		CreatedAt:  now,
		FinishedAt: now.Add(time.Second),
	}))
}

func TestTraceCommand(t *testing.T) {
	path, dir := writeConfig(t, nil)
	seedTraces(t, dir)

	t.Run("text", func(t *testing.T) {
		output, err := execute(t, "trace", "--config", path, "s1")
		require.NoError(t, err)

		assert.Contains(t, output, "Session: s1")
		assert.Contains(t, output, "Goal: add 2 and 3")
		assert.Contains(t, output, "Status: FAILED")
		assert.Contains(t, output, "Reason: capability_error")
		assert.Contains(t, output, "SEQ")
		assert.Contains(t, output, "plan")
		assert.Contains(t, output, "timeout: sum timed out")
	})

	t.Run("json", func(t *testing.T) {
		output, err := execute(t, "trace", "--config", path, "--format", "json", "s1")
		require.NoError(t, err)

		var report traceReport
		require.NoError(t, json.Unmarshal([]byte(output), &report))
		require.NotNil(t, report.Session)
		assert.Equal(t, "s1", report.Session.ID)
		require.Len(t, report.Records, 2)
		assert.Equal(t, int64(1), report.Records[0].Seq)
		assert.Equal(t, tracestore.PhaseAct, report.Records[1].Phase)
		assert.JSONEq(t, `{"root":"root","nodes":{}}`, string(report.Plan))
	})

	t.Run("yaml", func(t *testing.T) {
		output, err := execute(t, "trace", "--config", path, "-f", "yaml", "s1")
		require.NoError(t, err)

		var doc map[string]any
		require.NoError(t, yaml.Unmarshal([]byte(output), &doc))
		session, ok := doc["session"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "s1", session["id"])

		records, ok := doc["records"].([]any)
		require.True(t, ok)
		require.Len(t, records, 2)
		first := records[0].(map[string]any)
		assert.Equal(t, "plan", first["phase"])
		assert.Equal(t, map[string]any{"goal": "add 2 and 3"}, first["input"])
	})

	t.Run("query", func(t *testing.T) {
		output, err := execute(t, "trace", "--config", path, "--query", "sum timed out")
		require.NoError(t, err)
		assert.Contains(t, output, "SCORE")
		assert.Contains(t, output, "s1")
	})

	t.Run("query without matches", func(t *testing.T) {
		output, err := execute(t, "trace", "--config", path, "--query", "sum", "other-session")
		require.NoError(t, err)
		assert.Contains(t, output, "No matching records.")
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			name string
			args []string
			want string
		}{
			{"no session or query", []string{"trace", "--config", path}, "session ID or --query is required"},
			{"bad format", []string{"trace", "--config", path, "-f", "xml", "s1"}, "unsupported format"},
			{"unknown session", []string{"trace", "--config", path, "missing"}, "not found"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := execute(t, tt.args...)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.want)
			})
		}
	})
}

func TestRecordDetail(t *testing.T) {
	long := make([]byte, 0, 120)
	long = append(long, '"')
	for i := 0; i < 100; i++ {
		long = append(long, 'x')
	}
	long = append(long, '"')

	tests := []struct {
		name string
		rec  tracestore.StepRecord
		want string
	}{
		{"empty", tracestore.StepRecord{Outcome: tracestore.OutcomeOK}, "-"},
		{"output", tracestore.StepRecord{Outcome: tracestore.OutcomeOK, Output: json.RawMessage("{\n  \"a\": 1\n}")}, `{ "a": 1 }`},
		{"error", tracestore.StepRecord{Outcome: tracestore.OutcomeError, Error: "boom"}, "boom"},
		{"truncated", tracestore.StepRecord{Outcome: tracestore.OutcomeOK, Output: long}, `"` + string(long[1:77]) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recordDetail(tt.rec))
		})
	}
}
