package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/llmadapter/coordinator/pkg/llms"
	"github.com/llmadapter/coordinator/pkg/logger"
	"github.com/llmadapter/coordinator/pkg/protocol"
)

// Stream executes one streaming run. The returned cancel stops the upstream
// producer and ends the event sequence; the channel always closes after the
// terminal done or error event.
func (c *Coordinator) Stream(ctx context.Context, spec *protocol.CallSpec) (<-chan protocol.StreamEvent, func(), error) {
	state, err := c.prepareRun(ctx, spec)
	if err != nil {
		return nil, nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	events := make(chan protocol.StreamEvent, 64)

	go func() {
		defer close(events)
		c.streamRun(streamCtx, state, events)
	}()

	return events, cancel, nil
}

func (c *Coordinator) streamRun(ctx context.Context, state *run, events chan<- protocol.StreamEvent) {
	emit := func(ev protocol.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	spec := state.spec
	var lastErr error
	for i, entry := range spec.LLMPriority {
		err := c.streamEntry(ctx, state, entry, emit)
		if err == nil {
			return
		}
		lastErr = err
		if llms.IsRateLimit(err) && i < len(spec.LLMPriority)-1 {
			c.logger.Warn("provider rate limited, trying next priority entry",
				"provider", entry.Provider, "model", entry.Model)
			continue
		}
		break
	}
	if lastErr != nil && ctx.Err() == nil {
		emit(protocol.ErrorEvent(errorCode(lastErr), lastErr.Error()))
	}
}

func errorCode(err error) string {
	var perr *llms.ProviderError
	if errors.As(err, &perr) {
		return "provider_error"
	}
	return "internal_error"
}

// streamAggregate accumulates the DONE-event payload across tool turns.
type streamAggregate struct {
	text         strings.Builder
	usage        *protocol.Usage
	reasoning    *protocol.ReasoningTrace
	finishReason string
}

func (a *streamAggregate) addUsage(u *protocol.Usage) {
	if u == nil {
		return
	}
	if a.usage == nil {
		a.usage = &protocol.Usage{}
	}
	a.usage.PromptTokens += u.PromptTokens
	a.usage.CompletionTokens += u.CompletionTokens
	a.usage.TotalTokens = a.usage.PromptTokens + a.usage.CompletionTokens
}

// observeFinish records the terminal finish reason and reports whether the
// chunk declared a tool-use finish. Partial tool events without that signal
// never start a tool turn.
func (a *streamAggregate) observeFinish(chunk llms.StreamChunk) bool {
	if chunk.FinishReason != "" && (chunk.Done || chunk.FinishedWithToolCalls) {
		a.finishReason = chunk.FinishReason
	}
	return chunk.FinishedWithToolCalls
}

func (a *streamAggregate) addReasoning(r *protocol.ReasoningTrace) {
	if r == nil {
		return
	}
	if a.reasoning == nil {
		a.reasoning = &protocol.ReasoningTrace{}
	}
	a.reasoning.Text += r.Text
	if len(r.Metadata) > 0 {
		if a.reasoning.Metadata == nil {
			a.reasoning.Metadata = make(map[string]any, len(r.Metadata))
		}
		for k, v := range r.Metadata {
			a.reasoning.Metadata[k] = v
		}
	}
}

func (a *streamAggregate) response(provider, model string, calls []protocol.ToolCall) *protocol.Response {
	resp := &protocol.Response{
		Provider:     provider,
		Model:        model,
		Role:         protocol.RoleAssistant,
		FinishReason: a.finishReason,
		Usage:        a.usage,
		Reasoning:    a.reasoning,
		ToolCalls:    calls,
	}
	if text := a.text.String(); text != "" {
		resp.Content = []protocol.ContentPart{{Type: protocol.ContentPartTypeText, Text: text}}
	}
	return resp
}

func (c *Coordinator) streamEntry(ctx context.Context, state *run, entry protocol.PriorityEntry, emit func(protocol.StreamEvent) bool) error {
	parts, runtime, err := c.entrySettings(state.spec, entry)
	if err != nil {
		return err
	}
	log := logger.WithBatch(c.logger, runtime.BatchID)

	manifest, err := c.catalog.GetProvider(entry.Provider)
	if err != nil {
		return err
	}

	if state.budget == nil {
		state.budget = newBudget(runtime.MaxToolIterations)
	}

	agg := &streamAggregate{}
	turnTools := state.tools
	turnChoice := state.spec.ToolChoice
	finalTurn := false

	for {
		chunks, cancelTurn, err := c.manager.Stream(ctx, llms.CallRequest{
			Manifest:         manifest,
			Model:            entry.Model,
			ProviderSettings: parts.Provider,
			Extras:           parts.Extras,
			Messages:         state.messages,
			Tools:            turnTools,
			ToolChoice:       turnChoice,
			RetryDelays:      state.retryDelays,
		})
		if err != nil {
			return err
		}

		turn := newAssembler()
		turnText := ""
		toolTurn := false
		var turnUsage *protocol.Usage
		var streamErr error

		for chunk := range chunks {
			if chunk.Err != nil {
				streamErr = chunk.Err
				break
			}
			if chunk.Text != "" {
				turnText += chunk.Text
				agg.text.WriteString(chunk.Text)
				if !emit(protocol.DeltaEvent(chunk.Text)) {
					cancelTurn()
					return ctx.Err()
				}
			}
			if chunk.Usage != nil {
				turnUsage = mergeTurnUsage(turnUsage, chunk.Usage)
				if !emit(protocol.TokenEvent(chunk.Usage)) {
					cancelTurn()
					return ctx.Err()
				}
			}
			agg.addReasoning(chunk.Reasoning)
			for _, te := range chunk.ToolEvents {
				turn.apply(te)
				ev := te
				if !emit(protocol.StreamEvent{Type: protocol.EventTool, Tool: &ev}) {
					cancelTurn()
					return ctx.Err()
				}
			}
			if agg.observeFinish(chunk) {
				toolTurn = true
			}
		}
		cancelTurn()

		if streamErr != nil {
			return streamErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		agg.addUsage(turnUsage)
		calls := turn.finalize()

		if len(calls) == 0 || !toolTurn || finalTurn {
			resp := agg.response(entry.Provider, entry.Model, calls)
			if resp.Usage == nil {
				resp.Usage = llms.EstimateUsage(state.messages, agg.text.String())
			}
			resp.AppendToolRecords(state.records)
			emit(protocol.DoneEvent(resp))
			return nil
		}

		// Tool turn: append the assistant call message, execute and stream
		// the results, then issue the follow-up.
		assistant := protocol.Message{
			Role:      protocol.RoleAssistant,
			ToolCalls: calls,
		}
		if turnText != "" {
			assistant.Content = []protocol.ContentPart{{Type: protocol.ContentPartTypeText, Text: turnText}}
		}
		state.messages = append(state.messages, assistant)

		before := len(state.records)
		denied := c.executeToolTurn(ctx, state, runtime, entry, calls, log)
		for _, record := range state.records[before:] {
			result := record.Error
			if result == "" {
				result = stringifyResult(record.Result)
			}
			ev := protocol.ToolEvent{
				Kind:   protocol.ToolEventResult,
				CallID: record.CallID,
				Name:   record.Name,
				Result: result,
			}
			if !emit(protocol.StreamEvent{Type: protocol.EventTool, Tool: &ev}) {
				return ctx.Err()
			}
		}
		pruneMessages(state, runtime)

		if denied {
			turnTools = nil
			turnChoice = "none"
			finalTurn = true
			if runtime.ToolFinalPromptEnabled {
				state.messages = append(state.messages,
					protocol.TextMessage(protocol.RoleUser, finalPromptText))
			}
		}
	}
}

// mergeTurnUsage folds partial usage chunks within one stream. Providers that
// split prompt and completion counts across chunks still sum correctly;
// repeated fields are last-writer-wins.
func mergeTurnUsage(dst, src *protocol.Usage) *protocol.Usage {
	if dst == nil {
		out := *src
		if out.TotalTokens == 0 {
			out.TotalTokens = out.PromptTokens + out.CompletionTokens
		}
		return &out
	}
	if src.PromptTokens > 0 {
		dst.PromptTokens = src.PromptTokens
	}
	if src.CompletionTokens > 0 {
		dst.CompletionTokens = src.CompletionTokens
	}
	if src.TotalTokens > 0 {
		dst.TotalTokens = src.TotalTokens
	} else {
		dst.TotalTokens = dst.PromptTokens + dst.CompletionTokens
	}
	return dst
}

// pendingCall is one tool call mid-assembly.
type pendingCall struct {
	id       string
	name     string
	index    int
	args     strings.Builder
	argsMap  map[string]any
	metadata map[string]any
	ended    bool
}

// assembler is the per-call-id state machine for one stream turn.
type assembler struct {
	order   []*pendingCall
	byID    map[string]*pendingCall
	byIndex map[int]*pendingCall
}

func newAssembler() *assembler {
	return &assembler{
		byID:    make(map[string]*pendingCall),
		byIndex: make(map[int]*pendingCall),
	}
}

func (a *assembler) lookup(callID string, index int) *pendingCall {
	if callID != "" {
		if p, ok := a.byID[callID]; ok {
			return p
		}
	}
	if p, ok := a.byIndex[index]; ok {
		return p
	}
	return nil
}

func (a *assembler) apply(ev protocol.ToolEvent) {
	switch ev.Kind {
	case protocol.ToolEventCallStart:
		p := &pendingCall{
			id:       ev.CallID,
			name:     ev.Name,
			index:    ev.Index,
			metadata: cloneMeta(ev.Metadata),
		}
		a.order = append(a.order, p)
		if p.id != "" {
			a.byID[p.id] = p
		}
		a.byIndex[p.index] = p
	case protocol.ToolEventArgsDelta:
		if p := a.lookup(ev.CallID, ev.Index); p != nil {
			p.args.WriteString(ev.ArgsDelta)
		}
	case protocol.ToolEventCallEnd:
		p := a.lookup(ev.CallID, ev.Index)
		if p == nil {
			// End without a start still yields a call.
			p = &pendingCall{id: ev.CallID, index: ev.Index}
			a.order = append(a.order, p)
		}
		if ev.Name != "" {
			p.name = ev.Name
		}
		if ev.Args != nil {
			p.argsMap = ev.Args
		}
		for k, v := range ev.Metadata {
			if p.metadata == nil {
				p.metadata = make(map[string]any)
			}
			p.metadata[k] = v
		}
		p.ended = true
	}
}

// finalize closes out every call, including pending ones when the provider
// signaled tool use without explicit end events. Metadata survives either
// path.
func (a *assembler) finalize() []protocol.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	calls := make([]protocol.ToolCall, 0, len(a.order))
	for i, p := range a.order {
		args := p.argsMap
		if args == nil {
			args = map[string]any{}
			if raw := p.args.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					args = map[string]any{}
				}
			}
		}
		id := p.id
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		calls = append(calls, protocol.ToolCall{
			ID:       id,
			Name:     p.name,
			Args:     args,
			Metadata: p.metadata,
		})
	}
	return calls
}

func cloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
