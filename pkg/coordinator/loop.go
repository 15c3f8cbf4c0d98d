package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llmadapter/coordinator/pkg/protocol"
	"github.com/llmadapter/coordinator/pkg/settings"
	"github.com/llmadapter/coordinator/pkg/tools"
)

// budget is the per-run tool-invocation counter.
type budget struct {
	mu   sync.Mutex
	max  int
	used int
}

func newBudget(max int) *budget {
	return &budget{max: max}
}

// Consume takes one invocation slot. It returns the sequence number of the
// attempt and whether the slot was granted.
func (b *budget) Consume() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used++
	return b.used, b.used <= b.max
}

func (b *budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.max {
		return 0
	}
	return b.max - b.used
}

const budgetExhaustedText = "Tool call budget exhausted; this call was not executed."

const truncationSentinel = "... [truncated]"

// turnResult is one executed (or denied) call within a turn.
type turnResult struct {
	call   protocol.ToolCall
	result any
	err    error
	denied bool
	took   time.Duration
}

// executeToolTurn runs every call of one assistant turn and appends the tool
// result messages in call order. It reports whether the budget denied any
// call this turn.
func (c *Coordinator) executeToolTurn(ctx context.Context, state *run, runtime settings.Runtime, entry protocol.PriorityEntry, calls []protocol.ToolCall, log *slog.Logger) bool {
	results := make([]turnResult, len(calls))
	seq := make([]int, len(calls))

	// Budget slots are claimed up front so parallel execution cannot
	// over-consume.
	for i, call := range calls {
		n, ok := state.budget.Consume()
		results[i] = turnResult{call: call, denied: !ok}
		seq[i] = n
	}

	invoke := func(i int) {
		call := calls[i]
		start := time.Now()
		result, err := state.router.Invoke(ctx, call.Name, tools.Invocation{
			Args:     call.Args,
			Provider: entry.Provider,
			Model:    entry.Model,
			Metadata: call.Metadata,
			Logger:   log,
			Progress: func(message string) {
				log.Info("tool progress", "tool", call.Name, "message", message)
			},
		})
		results[i].result = result
		results[i].err = err
		results[i].took = time.Since(start)
		if err != nil {
			log.Warn("tool invocation failed", "tool", call.Name, "error", err)
		}
	}

	if runtime.ParallelToolExecution {
		g, _ := errgroup.WithContext(ctx)
		for i := range calls {
			if results[i].denied {
				continue
			}
			i := i
			g.Go(func() error {
				invoke(i)
				return nil
			})
		}
		g.Wait()
	} else {
		for i := range calls {
			if !results[i].denied {
				invoke(i)
			}
		}
	}

	denied := false
	for i, res := range results {
		record := protocol.ToolCallRecord{
			CallID:   res.call.ID,
			Name:     res.call.Name,
			Args:     res.call.Args,
			Duration: res.took.Milliseconds(),
		}

		var text string
		switch {
		case res.denied:
			denied = true
			record.Error = budgetExhaustedText
			text = budgetExhaustedText
		case res.err != nil:
			record.Error = res.err.Error()
			text = errorText(res.err)
		default:
			record.Result = res.result
			text = stringifyResult(res.result)
		}

		if runtime.ToolResultMaxChars > 0 && len(text) > runtime.ToolResultMaxChars {
			text = text[:runtime.ToolResultMaxChars] + truncationSentinel
		}
		if runtime.ToolCountdownEnabled {
			text += "\n" + countdownText(seq[i], state.budget)
		}

		state.records = append(state.records, record)
		state.messages = append(state.messages,
			protocol.ToolResultMessage(res.call.ID, res.call.Name, text))
	}
	return denied
}

func countdownText(n int, b *budget) string {
	return fmt.Sprintf("[Tool call %d of %d, %d remaining]", n, b.max, b.Remaining())
}

func stringifyResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}
