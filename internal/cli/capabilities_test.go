package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/hiplan/pkg/capability"
)

func TestCapabilitiesCommand(t *testing.T) {
	useTestDaemon(t)
	path, _ := writeConfig(t, map[string]any{
		"capabilities": map[string]any{"required": []string{"sum"}},
	})

	t.Run("table", func(t *testing.T) {
		output, err := execute(t, "capabilities", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "NAME")
		assert.Contains(t, output, "sum")
		assert.Contains(t, output, "local")
		assert.Contains(t, output, "true")
		assert.Contains(t, output, "Add two numbers")
	})

	t.Run("alias and json", func(t *testing.T) {
		output, err := execute(t, "caps", "--config", path, "-o", "json")
		require.NoError(t, err)

		var descriptors []capability.Descriptor
		require.NoError(t, json.Unmarshal([]byte(output), &descriptors))
		require.Len(t, descriptors, 1)
		assert.Equal(t, "sum", descriptors[0].Name)
		assert.Equal(t, "local", descriptors[0].Provider)
		assert.True(t, descriptors[0].Required)
	})

	t.Run("bad output", func(t *testing.T) {
		_, err := execute(t, "capabilities", "--config", path, "-o", "csv")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported output format")
	})
}
