package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmadapter/coordinator/pkg/llms"
	"github.com/llmadapter/coordinator/pkg/protocol"
)

func TestAssemblerStartDeltaEnd(t *testing.T) {
	a := newAssembler()
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventCallStart, CallID: "c1", Name: "search", Index: 0})
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventArgsDelta, CallID: "c1", ArgsDelta: `{"query":`})
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventArgsDelta, CallID: "c1", ArgsDelta: `"hi"}`})
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventCallEnd, CallID: "c1"})

	calls := a.finalize()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "search", calls[0].Name)
	assert.Equal(t, map[string]any{"query": "hi"}, calls[0].Args)
}

func TestAssemblerDeltasByIndex(t *testing.T) {
	a := newAssembler()
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventCallStart, Name: "search", Index: 2})
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventArgsDelta, Index: 2, ArgsDelta: `{"q":"x"}`})

	calls := a.finalize()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"q": "x"}, calls[0].Args)
	// Missing id gets a synthetic one by order position.
	assert.Equal(t, "call_0", calls[0].ID)
}

func TestAssemblerEndWithoutStart(t *testing.T) {
	a := newAssembler()
	a.apply(protocol.ToolEvent{
		Kind:   protocol.ToolEventCallEnd,
		CallID: "c9",
		Name:   "fetch",
		Args:   map[string]any{"url": "http://example"},
	})

	calls := a.finalize()
	require.Len(t, calls, 1)
	assert.Equal(t, "c9", calls[0].ID)
	assert.Equal(t, "fetch", calls[0].Name)
	assert.Equal(t, map[string]any{"url": "http://example"}, calls[0].Args)
}

func TestAssemblerExplicitArgsBeatDeltas(t *testing.T) {
	a := newAssembler()
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventCallStart, CallID: "c1", Name: "search"})
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventArgsDelta, CallID: "c1", ArgsDelta: `{"q":"old"}`})
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventCallEnd, CallID: "c1",
		Args: map[string]any{"q": "final"}})

	calls := a.finalize()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"q": "final"}, calls[0].Args)
}

func TestAssemblerMalformedArgsFallBackToEmpty(t *testing.T) {
	a := newAssembler()
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventCallStart, CallID: "c1", Name: "search"})
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventArgsDelta, CallID: "c1", ArgsDelta: `{"q": truncat`})

	calls := a.finalize()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{}, calls[0].Args)
}

func TestAssemblerMetadataMerges(t *testing.T) {
	a := newAssembler()
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventCallStart, CallID: "c1", Name: "search",
		Metadata: map[string]any{"origin": "start"}})
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventCallEnd, CallID: "c1",
		Metadata: map[string]any{"signature": "sig"}})

	calls := a.finalize()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"origin": "start", "signature": "sig"}, calls[0].Metadata)
}

func TestAssemblerPreservesCallOrder(t *testing.T) {
	a := newAssembler()
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventCallStart, CallID: "c1", Name: "first"})
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventCallStart, CallID: "c2", Name: "second", Index: 1})
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventCallEnd, CallID: "c2"})
	a.apply(protocol.ToolEvent{Kind: protocol.ToolEventCallEnd, CallID: "c1"})

	calls := a.finalize()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Name)
	assert.Equal(t, "second", calls[1].Name)
}

func TestAssemblerEmpty(t *testing.T) {
	assert.Nil(t, newAssembler().finalize())
}

func TestMergeTurnUsage(t *testing.T) {
	// First chunk copies and derives the total.
	u := mergeTurnUsage(nil, &protocol.Usage{PromptTokens: 10})
	assert.Equal(t, 10, u.PromptTokens)
	assert.Equal(t, 10, u.TotalTokens)

	// A later chunk fills in the completion side.
	u = mergeTurnUsage(u, &protocol.Usage{CompletionTokens: 5})
	assert.Equal(t, 10, u.PromptTokens)
	assert.Equal(t, 5, u.CompletionTokens)
	assert.Equal(t, 15, u.TotalTokens)

	// Repeated fields are last-writer-wins, explicit totals stick.
	u = mergeTurnUsage(u, &protocol.Usage{PromptTokens: 12, TotalTokens: 20})
	assert.Equal(t, 12, u.PromptTokens)
	assert.Equal(t, 20, u.TotalTokens)
}

func TestStreamAggregateUsage(t *testing.T) {
	agg := &streamAggregate{}
	agg.addUsage(nil)
	assert.Nil(t, agg.usage)

	agg.addUsage(&protocol.Usage{PromptTokens: 10, CompletionTokens: 2})
	agg.addUsage(&protocol.Usage{PromptTokens: 4, CompletionTokens: 1})
	assert.Equal(t, 14, agg.usage.PromptTokens)
	assert.Equal(t, 3, agg.usage.CompletionTokens)
	assert.Equal(t, 17, agg.usage.TotalTokens)
}

func TestStreamAggregateReasoning(t *testing.T) {
	agg := &streamAggregate{}
	agg.addReasoning(&protocol.ReasoningTrace{Text: "step one. "})
	agg.addReasoning(&protocol.ReasoningTrace{Text: "step two.",
		Metadata: map[string]any{"signature": "sig"}})

	require.NotNil(t, agg.reasoning)
	assert.Equal(t, "step one. step two.", agg.reasoning.Text)
	assert.Equal(t, "sig", agg.reasoning.Metadata["signature"])
}

func TestObserveFinishDistinguishesToolTurns(t *testing.T) {
	agg := &streamAggregate{}

	// Ordinary delta chunks carry neither signal.
	assert.False(t, agg.observeFinish(llms.StreamChunk{Text: "hi"}))
	assert.Empty(t, agg.finishReason)

	// A tool-use finish marks the turn and records its reason.
	assert.True(t, agg.observeFinish(llms.StreamChunk{
		FinishedWithToolCalls: true,
		FinishReason:          "tool_calls",
	}))
	assert.Equal(t, "tool_calls", agg.finishReason)

	// A plain terminal chunk ends the stream without a tool turn; a
	// truncated call assembled from earlier deltas must not execute.
	assert.False(t, agg.observeFinish(llms.StreamChunk{
		Done:         true,
		FinishReason: "length",
	}))
	assert.Equal(t, "length", agg.finishReason)

	// A finish reason on a mid-stream chunk does not stick.
	assert.False(t, agg.observeFinish(llms.StreamChunk{FinishReason: "stop"}))
	assert.Equal(t, "length", agg.finishReason)
}

func TestStreamAggregateResponse(t *testing.T) {
	agg := &streamAggregate{finishReason: "stop"}
	agg.text.WriteString("hello")
	agg.addUsage(&protocol.Usage{PromptTokens: 3, CompletionTokens: 1})

	resp := agg.response("anthropic", "claude-sonnet-4-5", nil)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, "stop", resp.FinishReason)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hello", resp.Content[0].Text)

	// No text at all leaves content empty.
	empty := (&streamAggregate{}).response("anthropic", "m", nil)
	assert.Nil(t, empty.Content)
}
