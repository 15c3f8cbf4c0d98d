package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmadapter/coordinator/pkg/config"
	"github.com/llmadapter/coordinator/pkg/logger"
	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
	"github.com/llmadapter/coordinator/pkg/settings"
	"github.com/llmadapter/coordinator/pkg/tools"
)

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	catalog, err := plugins.NewRegistry(t.TempDir())
	require.NoError(t, err)
	return New(catalog, config.Builtin())
}

func testRouter(handlers map[string]tools.Handler) *tools.Router {
	r := tools.NewRouter(nil, nil, nil)
	for name, handler := range handlers {
		r.RegisterBuiltin(name, handler)
	}
	return r
}

func echoRouter() *tools.Router {
	return testRouter(map[string]tools.Handler{
		"echo": func(ctx context.Context, inv tools.Invocation) (any, error) {
			return inv.Args["value"], nil
		},
		"fail": func(ctx context.Context, inv tools.Invocation) (any, error) {
			return nil, errors.New("boom")
		},
	})
}

func call(id, name string, args map[string]any) protocol.ToolCall {
	return protocol.ToolCall{ID: id, Name: name, Args: args}
}

var testEntry = protocol.PriorityEntry{Provider: "anthropic", Model: "claude-sonnet-4-5"}

func TestBudgetConsumeAndRemaining(t *testing.T) {
	b := newBudget(2)

	n, ok := b.Consume()
	assert.Equal(t, 1, n)
	assert.True(t, ok)
	assert.Equal(t, 1, b.Remaining())

	n, ok = b.Consume()
	assert.Equal(t, 2, n)
	assert.True(t, ok)
	assert.Equal(t, 0, b.Remaining())

	n, ok = b.Consume()
	assert.Equal(t, 3, n)
	assert.False(t, ok)
	assert.Equal(t, 0, b.Remaining())
}

func TestExecuteToolTurnAppendsResults(t *testing.T) {
	c := testCoordinator(t)
	state := &run{budget: newBudget(5), router: echoRouter()}
	runtime := settings.Runtime{}

	denied := c.executeToolTurn(context.Background(), state, runtime, testEntry,
		[]protocol.ToolCall{
			call("c1", "echo", map[string]any{"value": "hello"}),
			call("c2", "echo", map[string]any{"value": float64(7)}),
		}, logger.GetLogger())

	assert.False(t, denied)
	require.Len(t, state.records, 2)
	require.Len(t, state.messages, 2)

	assert.Equal(t, "c1", state.records[0].CallID)
	assert.Equal(t, "hello", state.records[0].Result)
	assert.Equal(t, protocol.RoleTool, state.messages[0].Role)
	assert.Equal(t, "c1", state.messages[0].ToolCallID)
	assert.Equal(t, "hello", state.messages[0].Content[0].ToolResult.Result)

	// Non-string results are JSON-encoded for the model.
	assert.Equal(t, "7", state.messages[1].Content[0].ToolResult.Result)
}

func TestExecuteToolTurnErrorBecomesText(t *testing.T) {
	c := testCoordinator(t)
	state := &run{budget: newBudget(5), router: echoRouter()}

	denied := c.executeToolTurn(context.Background(), state, settings.Runtime{}, testEntry,
		[]protocol.ToolCall{call("c1", "fail", nil)}, logger.GetLogger())

	assert.False(t, denied, "failures do not deny; only the budget does")
	require.Len(t, state.records, 1)
	assert.Equal(t, "boom", state.records[0].Error)
	text := state.messages[0].Content[0].ToolResult.Result.(string)
	assert.Equal(t, "Tool execution failed: boom", text)
}

func TestExecuteToolTurnBudgetDenial(t *testing.T) {
	c := testCoordinator(t)
	state := &run{budget: newBudget(1), router: echoRouter()}

	denied := c.executeToolTurn(context.Background(), state, settings.Runtime{}, testEntry,
		[]protocol.ToolCall{
			call("c1", "echo", map[string]any{"value": "first"}),
			call("c2", "echo", map[string]any{"value": "second"}),
		}, logger.GetLogger())

	assert.True(t, denied)
	require.Len(t, state.records, 2)
	assert.Empty(t, state.records[0].Error)
	assert.Equal(t, budgetExhaustedText, state.records[1].Error)
	assert.Equal(t, budgetExhaustedText,
		state.messages[1].Content[0].ToolResult.Result)
}

func TestExecuteToolTurnParallelClaimsSlotsUpFront(t *testing.T) {
	c := testCoordinator(t)
	state := &run{budget: newBudget(2), router: echoRouter()}
	runtime := settings.Runtime{ParallelToolExecution: true}

	denied := c.executeToolTurn(context.Background(), state, runtime, testEntry,
		[]protocol.ToolCall{
			call("c1", "echo", map[string]any{"value": "a"}),
			call("c2", "echo", map[string]any{"value": "b"}),
			call("c3", "echo", map[string]any{"value": "c"}),
		}, logger.GetLogger())

	assert.True(t, denied)
	require.Len(t, state.records, 3)
	// Results keep call order even under parallel dispatch.
	assert.Equal(t, "c1", state.records[0].CallID)
	assert.Equal(t, "c2", state.records[1].CallID)
	assert.Equal(t, budgetExhaustedText, state.records[2].Error)
}

func TestExecuteToolTurnCountdown(t *testing.T) {
	c := testCoordinator(t)
	state := &run{budget: newBudget(3), router: echoRouter()}
	runtime := settings.Runtime{ToolCountdownEnabled: true}

	c.executeToolTurn(context.Background(), state, runtime, testEntry,
		[]protocol.ToolCall{call("c1", "echo", map[string]any{"value": "x"})},
		logger.GetLogger())

	text := state.messages[0].Content[0].ToolResult.Result.(string)
	assert.Equal(t, "x\n[Tool call 1 of 3, 2 remaining]", text)
}

func TestExecuteToolTurnTruncation(t *testing.T) {
	c := testCoordinator(t)
	long := strings.Repeat("z", 100)
	state := &run{budget: newBudget(3), router: testRouter(map[string]tools.Handler{
		"long": func(ctx context.Context, inv tools.Invocation) (any, error) {
			return long, nil
		},
	})}
	runtime := settings.Runtime{ToolResultMaxChars: 10}

	c.executeToolTurn(context.Background(), state, runtime, testEntry,
		[]protocol.ToolCall{call("c1", "long", nil)}, logger.GetLogger())

	text := state.messages[0].Content[0].ToolResult.Result.(string)
	assert.Equal(t, strings.Repeat("z", 10)+truncationSentinel, text)
	// The record keeps the full result.
	assert.Equal(t, long, state.records[0].Result)
}

func TestExecuteToolTurnCarriesRunContext(t *testing.T) {
	c := testCoordinator(t)
	var got tools.Invocation
	state := &run{budget: newBudget(3), router: testRouter(map[string]tools.Handler{
		"whoami": func(ctx context.Context, inv tools.Invocation) (any, error) {
			got = inv
			return "ok", nil
		},
	})}

	c.executeToolTurn(context.Background(), state, settings.Runtime{}, testEntry,
		[]protocol.ToolCall{{ID: "c1", Name: "whoami",
			Metadata: map[string]any{"signature": "sig"}}}, logger.GetLogger())

	assert.Equal(t, "anthropic", got.Provider)
	assert.Equal(t, "claude-sonnet-4-5", got.Model)
	assert.Equal(t, "sig", got.Metadata["signature"])
	assert.NotNil(t, got.Logger)
	assert.NotNil(t, got.Progress)
}

func TestStringifyResult(t *testing.T) {
	assert.Equal(t, "", stringifyResult(nil))
	assert.Equal(t, "plain", stringifyResult("plain"))
	assert.Equal(t, `{"n":1}`, stringifyResult(map[string]any{"n": 1}))
}

func TestCountdownText(t *testing.T) {
	b := newBudget(4)
	b.Consume()
	assert.Equal(t, "[Tool call 1 of 4, 3 remaining]", countdownText(1, b))
}

func TestDelaysFromMs(t *testing.T) {
	out := delaysFromMs([]int{100, 200})
	require.Len(t, out, 2)
	assert.Equal(t, "100ms", out[0].String())
	assert.Equal(t, "200ms", out[1].String())
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "Tool execution failed: nope", errorText(fmt.Errorf("nope")))
}
