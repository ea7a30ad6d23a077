package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/hiplan/pkg/agent"
	"github.com/harun/hiplan/pkg/generation"
)

func TestRunCommand(t *testing.T) {
	t.Run("completes", func(t *testing.T) {
		useTestDaemon(t, generation.Step{Text: sumPlan})
		path, _ := writeConfig(t, nil)

		output, err := execute(t, "run", "--config", path, "add", "2", "and", "3")
		require.NoError(t, err)
		assert.Contains(t, output, "Status: COMPLETED")
		assert.Contains(t, output, "Output:\n5\n")
	})

	t.Run("json output", func(t *testing.T) {
		useTestDaemon(t, generation.Step{Text: sumPlan})
		path, _ := writeConfig(t, nil)

		output, err := execute(t, "run", "--config", path, "-o", "json", "add 2 and 3")
		require.NoError(t, err)

		var res agent.Result
		require.NoError(t, json.Unmarshal([]byte(output), &res))
		assert.Equal(t, agent.StateCompleted, res.Status)
		assert.Equal(t, "add 2 and 3", res.Goal)
		assert.Equal(t, "5", res.Output)
		assert.NotEmpty(t, res.SessionID)
	})

	t.Run("failed session exits with an error", func(t *testing.T) {
		// An empty script fails the first planning call.
		useTestDaemon(t)
		path, _ := writeConfig(t, nil)

		output, err := execute(t, "run", "--config", path, "add 2 and 3")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed")
		assert.Contains(t, output, "Status: FAILED")
		assert.Contains(t, output, "Reason: ")
	})

	t.Run("argument errors", func(t *testing.T) {
		useTestDaemon(t)
		path, _ := writeConfig(t, nil)

		tests := []struct {
			name string
			args []string
			want string
		}{
			{"missing goal", []string{"run", "--config", path}, "requires at least 1 arg"},
			{"blank goal", []string{"run", "--config", path, "  "}, "goal is required"},
			{"bad output", []string{"run", "--config", path, "-o", "xml", "goal"}, "unsupported output format"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := execute(t, tt.args...)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.want)
			})
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("HIPLAN_GENERATION_API_KEY", "")
		useTestDaemon(t)
		path, _ := writeConfig(t, map[string]any{"generation": map[string]any{"provider": "openai"}})

		_, err := execute(t, "run", "--config", path, "goal")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "api_key is required")
	})

	t.Run("trace of a finished run", func(t *testing.T) {
		useTestDaemon(t, generation.Step{Text: sumPlan})
		path, _ := writeConfig(t, nil)

		output, err := execute(t, "run", "--config", path, "-o", "json", "add 2 and 3")
		require.NoError(t, err)
		var res agent.Result
		require.NoError(t, json.Unmarshal([]byte(output), &res))

		output, err = execute(t, "trace", "--config", path, res.SessionID)
		require.NoError(t, err)
		assert.Contains(t, output, "Session: "+res.SessionID)
		assert.Contains(t, output, "Goal: add 2 and 3")
		assert.Contains(t, output, "Result: 5")
		assert.Contains(t, output, "act")
	})
}
