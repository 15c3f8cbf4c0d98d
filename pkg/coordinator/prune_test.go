package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmadapter/coordinator/pkg/protocol"
	"github.com/llmadapter/coordinator/pkg/settings"
)

func toolTurnMessages() []protocol.Message {
	return []protocol.Message{
		protocol.TextMessage(protocol.RoleUser, "question"),
		{Role: protocol.RoleAssistant, ToolCalls: []protocol.ToolCall{{ID: "c1", Name: "search"}}},
		protocol.ToolResultMessage("c1", "search", "first result"),
		{Role: protocol.RoleAssistant, ToolCalls: []protocol.ToolCall{{ID: "c2", Name: "search"}}},
		protocol.ToolResultMessage("c2", "search", "second result"),
		{Role: protocol.RoleAssistant, ToolCalls: []protocol.ToolCall{{ID: "c3", Name: "fetch"}}},
		protocol.ToolResultMessage("c3", "fetch", "third result"),
	}
}

func resultText(t *testing.T, msg protocol.Message) string {
	t.Helper()
	require.Len(t, msg.Content, 1)
	require.NotNil(t, msg.Content[0].ToolResult)
	return msg.Content[0].ToolResult.Result.(string)
}

func TestPruneToolResultsKeepsLastN(t *testing.T) {
	msgs := toolTurnMessages()
	pruneToolResults(msgs, settings.PreserveMode{N: 1})

	assert.Equal(t, prunedResultText, resultText(t, msgs[2]))
	assert.Equal(t, prunedResultText, resultText(t, msgs[4]))
	assert.Equal(t, "third result", resultText(t, msgs[6]))

	// Pairing survives: positions and call ids are untouched.
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "search", msgs[2].Content[0].ToolResult.ToolName)
}

func TestPruneToolResultsAllKeepsEverything(t *testing.T) {
	msgs := toolTurnMessages()
	pruneToolResults(msgs, settings.PreserveMode{All: true})
	assert.Equal(t, "first result", resultText(t, msgs[2]))
}

func TestPruneToolResultsNoneReplacesEverything(t *testing.T) {
	msgs := toolTurnMessages()
	pruneToolResults(msgs, settings.PreserveMode{None: true})
	for _, i := range []int{2, 4, 6} {
		assert.Equal(t, prunedResultText, resultText(t, msgs[i]))
	}
}

func TestPruneToolResultsNLargerThanTotal(t *testing.T) {
	msgs := toolTurnMessages()
	pruneToolResults(msgs, settings.PreserveMode{N: 10})
	assert.Equal(t, "first result", resultText(t, msgs[2]))
}

func TestPruneReasoningKeepsLastN(t *testing.T) {
	msgs := []protocol.Message{
		{Role: protocol.RoleAssistant, Reasoning: &protocol.ReasoningTrace{Text: "r1"}},
		protocol.TextMessage(protocol.RoleUser, "more"),
		{Role: protocol.RoleAssistant, Reasoning: &protocol.ReasoningTrace{Text: "r2"}},
		{Role: protocol.RoleAssistant, Reasoning: &protocol.ReasoningTrace{Text: "r3"}},
	}
	pruneReasoning(msgs, settings.PreserveMode{N: 1})

	assert.Nil(t, msgs[0].Reasoning)
	assert.Nil(t, msgs[2].Reasoning)
	require.NotNil(t, msgs[3].Reasoning)
	assert.Equal(t, "r3", msgs[3].Reasoning.Text)
}

func TestPruneReasoningNone(t *testing.T) {
	msgs := []protocol.Message{
		{Role: protocol.RoleAssistant, Reasoning: &protocol.ReasoningTrace{Text: "r1"}},
	}
	pruneReasoning(msgs, settings.PreserveMode{None: true})
	assert.Nil(t, msgs[0].Reasoning)
}

func TestPruneMessagesAppliesBothPasses(t *testing.T) {
	msgs := []protocol.Message{
		{Role: protocol.RoleAssistant, Reasoning: &protocol.ReasoningTrace{Text: "r1"},
			ToolCalls: []protocol.ToolCall{{ID: "c1", Name: "search"}}},
		protocol.ToolResultMessage("c1", "search", "result"),
	}
	state := &run{messages: msgs}
	pruneMessages(state, settings.Runtime{
		PreserveToolResults: settings.PreserveMode{None: true},
		PreserveReasoning:   settings.PreserveMode{None: true},
	})

	assert.Nil(t, state.messages[0].Reasoning)
	assert.Equal(t, prunedResultText, resultText(t, state.messages[1]))
}
