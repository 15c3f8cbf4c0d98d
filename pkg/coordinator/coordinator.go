// Package coordinator drives one LLM run end to end: provider selection with
// rate-limit fallback, the budgeted tool loop, context pruning and RAG
// injection, in unary and streaming modes.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/llmadapter/coordinator/pkg/config"
	"github.com/llmadapter/coordinator/pkg/embedders"
	"github.com/llmadapter/coordinator/pkg/llms"
	"github.com/llmadapter/coordinator/pkg/logger"
	"github.com/llmadapter/coordinator/pkg/mcp"
	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
	"github.com/llmadapter/coordinator/pkg/rag"
	"github.com/llmadapter/coordinator/pkg/settings"
	"github.com/llmadapter/coordinator/pkg/tools"
	"github.com/llmadapter/coordinator/pkg/vector"
)

// Coordinator owns the transient adapter state of one run scope: the LLM
// manager, the tool-server pool and the vector manager. HTTP handlers create
// one per request and close it when done.
type Coordinator struct {
	catalog  *plugins.Registry
	defaults config.Defaults

	manager   *llms.Manager
	pool      *mcp.Pool
	embedders *embedders.Registry
	vectors   *vector.Manager

	logger *slog.Logger
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

func WithManager(m *llms.Manager) Option {
	return func(c *Coordinator) {
		c.manager = m
	}
}

func New(catalog *plugins.Registry, defaults config.Defaults, opts ...Option) *Coordinator {
	c := &Coordinator{
		catalog:  catalog,
		defaults: defaults,
		logger:   logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.manager == nil {
		c.manager = llms.NewManager(llms.WithLogger(c.logger))
	}
	c.pool = mcp.NewPool(catalog, mcp.WithLogger(c.logger))
	c.embedders = embedders.NewRegistry(catalog)
	c.vectors = vector.NewManager(catalog, c.embedders, vector.WithManagerLogger(c.logger))
	return c
}

// Vectors exposes the vector manager for the sibling coordinators.
func (c *Coordinator) Vectors() *vector.Manager {
	return c.vectors
}

// Close tears down every child resource, best effort.
func (c *Coordinator) Close() error {
	var firstErr error
	if err := c.pool.Close(); err != nil {
		firstErr = err
	}
	if err := c.vectors.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.embedders.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// run is the mutable state one run threads through its provider attempts.
// Messages and the budget survive a mid-loop provider fallback.
type run struct {
	spec     *protocol.CallSpec
	messages []protocol.Message
	tools    []llms.ToolDefinition
	router   *tools.Router
	budget   *budget
	records  []protocol.ToolCallRecord

	retryDelays []time.Duration
}

func (c *Coordinator) prepareRun(ctx context.Context, spec *protocol.CallSpec) (*run, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	messages := make([]protocol.Message, 0, len(spec.Messages)+1)
	if spec.SystemPrompt != "" {
		messages = append(messages, protocol.TextMessage(protocol.RoleSystem, spec.SystemPrompt))
	}
	for _, msg := range spec.Messages {
		messages = append(messages, msg.Clone())
	}

	toolDefs, err := c.declaredTools(spec.Tools)
	if err != nil {
		return nil, err
	}
	toolDefs = append(toolDefs, c.serverTools(ctx, spec.ToolServers)...)

	router := tools.NewRouter(c.catalog.GetProcessRoutes(), c.pool, spec.ToolServers,
		tools.WithRouterLogger(c.logger))

	if vc := spec.VectorContext; vc != nil {
		inj := rag.NewInjector(vc, spec.VectorStores, c.vectors, rag.WithInjectorLogger(c.logger))
		if inj.ExposesTool() {
			searchTool, err := rag.BuildSearchTool(inj)
			if err != nil {
				return nil, err
			}
			router.RegisterBuiltin(searchTool.Definition.Name, searchTool.Handler)
			toolDefs = append(toolDefs, searchTool.Definition)
		}
		if inj.Active() {
			injected, err := inj.InjectContext(ctx, messages)
			if err != nil {
				// Context injection is best effort; the run proceeds without it.
				c.logger.Warn("vector context injection failed", "error", err)
			} else {
				messages = injected
			}
		}
	}

	retryDelays := delaysFromMs(spec.RetryDelaysMs)
	if retryDelays == nil {
		retryDelays = delaysFromMs(c.defaults.Retry.DelaysMs)
	}

	return &run{
		spec:        spec,
		messages:    messages,
		tools:       toolDefs,
		router:      router,
		retryDelays: retryDelays,
	}, nil
}

func (c *Coordinator) declaredTools(ids []string) ([]llms.ToolDefinition, error) {
	manifests, err := c.catalog.GetTools(ids)
	if err != nil {
		return nil, err
	}
	defs := make([]llms.ToolDefinition, 0, len(manifests))
	for _, m := range manifests {
		defs = append(defs, llms.ToolDefinition{
			Name:        m.ID,
			Description: m.Description,
			Parameters:  m.Parameters,
		})
	}
	return defs, nil
}

// serverTools lists every tool a run's servers expose, prefixed with the
// server id so the router's fallback heuristic can resolve them. A server
// that fails to connect is skipped; its tools simply never reach the model.
func (c *Coordinator) serverTools(ctx context.Context, serverIDs []string) []llms.ToolDefinition {
	var defs []llms.ToolDefinition
	for _, id := range serverIDs {
		serverDefs, err := c.pool.Tools(ctx, id)
		if err != nil {
			c.logger.Warn("tool server unavailable", "server", id, "error", err)
			continue
		}
		for _, def := range serverDefs {
			def.Name = id + "_" + def.Name
			defs = append(defs, def)
		}
	}
	return defs
}

func (c *Coordinator) runtimeDefaults() settings.Runtime {
	return settings.Runtime{
		ToolCountdownEnabled:   c.defaults.Tools.ToolCountdownEnabled,
		ToolFinalPromptEnabled: c.defaults.Tools.ToolFinalPromptEnabled,
		MaxToolIterations:      c.defaults.Tools.MaxToolIterations,
		ParallelToolExecution:  c.defaults.Tools.ParallelToolExecution,
		ToolResultMaxChars:     c.defaults.Tools.ToolResultMaxChars,
		PreserveToolResults:    settings.PreserveMode{All: true},
		PreserveReasoning:      settings.PreserveMode{All: true},
	}
}

// entrySettings resolves the partitioned settings for one priority entry.
func (c *Coordinator) entrySettings(spec *protocol.CallSpec, entry protocol.PriorityEntry) (settings.Partitioned, settings.Runtime, error) {
	merged := settings.Merge(spec.Settings, entry.Settings)
	parts := settings.Partition(merged)
	runtime, err := settings.DecodeRuntime(parts.Runtime, c.runtimeDefaults())
	if err != nil {
		return parts, runtime, err
	}
	return parts, runtime, nil
}

// Run executes one unary call, walking the priority list on rate limits.
func (c *Coordinator) Run(ctx context.Context, spec *protocol.CallSpec) (*protocol.Response, error) {
	state, err := c.prepareRun(ctx, spec)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, entry := range spec.LLMPriority {
		resp, err := c.runEntry(ctx, state, entry)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if llms.IsRateLimit(err) && i < len(spec.LLMPriority)-1 {
			c.logger.Warn("provider rate limited, trying next priority entry",
				"provider", entry.Provider, "model", entry.Model)
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// runEntry drives the tool loop against one provider until a terminal
// response or an error.
func (c *Coordinator) runEntry(ctx context.Context, state *run, entry protocol.PriorityEntry) (*protocol.Response, error) {
	parts, runtime, err := c.entrySettings(state.spec, entry)
	if err != nil {
		return nil, err
	}
	log := logger.WithBatch(c.logger, runtime.BatchID)

	manifest, err := c.catalog.GetProvider(entry.Provider)
	if err != nil {
		return nil, err
	}

	// The budget spans the whole run; a provider fallback must not refill it.
	if state.budget == nil {
		state.budget = newBudget(runtime.MaxToolIterations)
	}

	turnTools := state.tools
	turnChoice := state.spec.ToolChoice
	finalTurn := false

	for {
		resp, err := c.manager.Call(ctx, llms.CallRequest{
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
			return nil, err
		}
		resp.Model = entry.Model

		if len(resp.ToolCalls) == 0 || finalTurn {
			resp.AppendToolRecords(state.records)
			return resp, nil
		}

		appendAssistantTurn(state, resp)

		denied := c.executeToolTurn(ctx, state, runtime, entry, resp.ToolCalls, log)
		pruneMessages(state, runtime)

		if denied {
			// Budget ran out during this turn; the follow-up call carries no
			// tools so the model has to conclude.
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

const finalPromptText = "The tool call budget is exhausted. Summarize your findings and answer without further tool use."

func appendAssistantTurn(state *run, resp *protocol.Response) {
	state.messages = append(state.messages, protocol.Message{
		Role:      protocol.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
		Reasoning: resp.Reasoning,
	})
}

func delaysFromMs(ms []int) []time.Duration {
	if len(ms) == 0 {
		return nil
	}
	out := make([]time.Duration, len(ms))
	for i, v := range ms {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}

// errorText renders an in-band tool failure payload.
func errorText(err error) string {
	return fmt.Sprintf("Tool execution failed: %s", err.Error())
}
