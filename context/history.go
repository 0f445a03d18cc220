package context

import (
	"strings"

	"github.com/oasisflow/core/store"
)

// FormatHistoryFragment renders every message it is given, in order,
// as a single text block for the history Fragment.
func FormatHistoryFragment(messages []store.ChatMessage) string {
	var out strings.Builder
	out.WriteString("Conversation History:\n")
	for _, msg := range messages {
		out.WriteString(roleLabel(msg.Role))
		out.WriteString(": ")
		out.WriteString(msg.Content)
		out.WriteString("\n")
	}
	return out.String()
}

func roleLabel(role store.MessageRole) string {
	switch role {
	case store.RoleSystem:
		return "System"
	case store.RoleUser:
		return "User"
	case store.RoleAssistant:
		return "Assistant"
	case store.RoleTool:
		return "Tool"
	default:
		return string(role)
	}
}

// EstimateHistoryTokens sums the per-message token estimate across
// messages, matching HistoryManager.estimate_tokens in the original.
func EstimateHistoryTokens(messages []store.ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg.Content)
	}
	return total
}
