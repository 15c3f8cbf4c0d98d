package coordinator

import (
	"github.com/llmadapter/coordinator/pkg/protocol"
	"github.com/llmadapter/coordinator/pkg/settings"
)

const prunedResultText = "[earlier tool result removed to conserve context]"

// pruneMessages runs both pruning passes after a tool turn, before the
// follow-up call.
func pruneMessages(state *run, runtime settings.Runtime) {
	pruneToolResults(state.messages, runtime.PreserveToolResults)
	pruneReasoning(state.messages, runtime.PreserveReasoning)
}

// pruneToolResults keeps the last N tool-result messages intact and replaces
// earlier ones with a placeholder. Positions are preserved so every assistant
// tool call keeps its paired result.
func pruneToolResults(messages []protocol.Message, mode settings.PreserveMode) {
	if mode.All {
		return
	}
	keep := mode.N
	if mode.None {
		keep = 0
	}

	total := 0
	for _, msg := range messages {
		if msg.Role == protocol.RoleTool {
			total++
		}
	}
	replace := total - keep
	if replace <= 0 {
		return
	}

	for i := range messages {
		if replace == 0 {
			return
		}
		msg := &messages[i]
		if msg.Role != protocol.RoleTool {
			continue
		}
		toolName := ""
		for _, part := range msg.Content {
			if part.Type == protocol.ContentPartTypeToolResult && part.ToolResult != nil {
				toolName = part.ToolResult.ToolName
			}
		}
		msg.Content = []protocol.ContentPart{{
			Type: protocol.ContentPartTypeToolResult,
			ToolResult: &protocol.ToolResultContent{
				ToolName: toolName,
				Result:   prunedResultText,
			},
		}}
		replace--
	}
}

// pruneReasoning drops reasoning traces from all but the last N assistant
// messages that carry one.
func pruneReasoning(messages []protocol.Message, mode settings.PreserveMode) {
	if mode.All {
		return
	}
	keep := mode.N
	if mode.None {
		keep = 0
	}

	total := 0
	for _, msg := range messages {
		if msg.Role == protocol.RoleAssistant && msg.Reasoning != nil {
			total++
		}
	}
	drop := total - keep
	if drop <= 0 {
		return
	}

	for i := range messages {
		if drop == 0 {
			return
		}
		msg := &messages[i]
		if msg.Role == protocol.RoleAssistant && msg.Reasoning != nil {
			msg.Reasoning = nil
			drop--
		}
	}
}
