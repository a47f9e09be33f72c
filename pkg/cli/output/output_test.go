package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/LENAX/task-graph/pkg/core/types"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_RenderTo(t *testing.T) {
	color.NoColor = true
	table := NewTable([]string{"ID", "STATUS"})
	table.AddRow([]string{"graph-123", "running"})
	table.AddRow([]string{"g2", "succeeded"})

	var buf bytes.Buffer
	table.RenderTo(&buf)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "ID         STATUS     ", lines[0])
	assert.Equal(t, "---------  ---------  ", lines[1])
	assert.Equal(t, "g2         succeeded  ", lines[3])
}

func TestFormatState(t *testing.T) {
	assert.Equal(t, "✅ succeeded", FormatState(types.StateSucceeded))
	assert.Equal(t, "🛑", StateIcon(types.StateCancelled))
	assert.Equal(t, "❓", StateIcon(types.State("unknown")))
}
