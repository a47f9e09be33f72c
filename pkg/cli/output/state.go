package output

import "github.com/LENAX/task-graph/pkg/core/types"

// StateIcon 状态图标
func StateIcon(state types.State) string {
	switch state {
	case types.StateSucceeded:
		return "✅"
	case types.StateFailed:
		return "❌"
	case types.StateTimeout:
		return "⌛"
	case types.StateCancelled:
		return "🛑"
	case types.StateRunning:
		return "🔄"
	case types.StatePending, types.StateValid:
		return "⏳"
	default:
		return "❓"
	}
}

// FormatState 带图标的状态文本
func FormatState(state types.State) string {
	return StateIcon(state) + " " + string(state)
}
