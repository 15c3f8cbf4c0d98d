// Package rag synthesizes retrieval context for LLM runs: the injector
// prepends vector-search results to the conversation and the tool builder
// exposes a vector_search tool the model can call directly.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/llmadapter/coordinator/pkg/logger"
	"github.com/llmadapter/coordinator/pkg/protocol"
	"github.com/llmadapter/coordinator/pkg/vector"
)

// Injector runs the auto/both context-injection path for one spec.
type Injector struct {
	config  *protocol.VectorContextConfig
	stores  []string
	manager *vector.Manager
	logger  *slog.Logger
}

type InjectorOption func(*Injector)

func WithInjectorLogger(l *slog.Logger) InjectorOption {
	return func(i *Injector) {
		i.logger = l
	}
}

// NewInjector binds a vector-context config to the run's store list. The
// config's own store list wins over the spec-level one.
func NewInjector(config *protocol.VectorContextConfig, specStores []string, manager *vector.Manager, opts ...InjectorOption) *Injector {
	stores := config.Stores
	if len(stores) == 0 {
		stores = specStores
	}
	inj := &Injector{
		config:  config,
		stores:  stores,
		manager: manager,
		logger:  logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(inj)
	}
	return inj
}

// Active reports whether auto injection applies for this config.
func (i *Injector) Active() bool {
	return i.config.Mode == "auto" || i.config.Mode == "both"
}

// ExposesTool reports whether the vector_search tool should be added.
func (i *Injector) ExposesTool() bool {
	return i.config.Mode == "tool" || i.config.Mode == "both"
}

// InjectContext searches the configured stores and inserts the rendered
// context message. The returned slice is a new list; the input is never
// mutated.
func (i *Injector) InjectContext(ctx context.Context, messages []protocol.Message) ([]protocol.Message, error) {
	query := i.buildQuery(messages)
	if strings.TrimSpace(query) == "" {
		return messages, nil
	}

	results, err := i.search(ctx, query, nil)
	if err != nil {
		return messages, err
	}
	if len(results) == 0 {
		i.logger.Debug("vector context: no results above threshold", "query", query)
		return messages, nil
	}

	rendered := renderTemplate(i.config.Template, i.config.ResultFormat, results)

	switch i.config.InjectAs {
	case "user_context":
		return insertBeforeLastUser(messages, protocol.TextMessage(protocol.RoleUser, rendered)), nil
	default:
		// system placement keeps any existing system prompt and adds its own
		// message after the leading system run.
		return insertAfterSystem(messages, protocol.TextMessage(protocol.RoleSystem, rendered)), nil
	}
}

// buildQuery assembles the embedding query from the conversation.
func (i *Injector) buildQuery(messages []protocol.Message) string {
	if i.config.OverrideEmbeddingQuery != "" {
		return i.config.OverrideEmbeddingQuery
	}

	qc := i.config.QueryConstruction
	if qc == nil {
		qc = &protocol.QueryConstruction{}
	}
	separator := qc.Separator
	if separator == "" {
		separator = "\n"
	}
	includeSystem := qc.IncludeSystemPrompt
	if includeSystem == "" {
		includeSystem = "if-in-range"
	}

	window := messages
	if qc.MessagesToInclude > 0 && qc.MessagesToInclude < len(messages) {
		window = messages[len(messages)-qc.MessagesToInclude:]
	}

	var parts []string
	systemInWindow := false
	for _, msg := range window {
		switch msg.Role {
		case protocol.RoleUser:
		case protocol.RoleAssistant:
			if !qc.IncludeAssistantMessages {
				continue
			}
		case protocol.RoleSystem:
			if includeSystem == "never" {
				continue
			}
			systemInWindow = true
		default:
			continue
		}
		if text := msg.TextContent(); text != "" {
			parts = append(parts, text)
		}
	}

	// "always" pulls the system prompt in even when the window missed it.
	if includeSystem == "always" && !systemInWindow {
		for _, msg := range messages {
			if msg.Role == protocol.RoleSystem {
				if text := msg.TextContent(); text != "" {
					parts = append([]string{text}, parts...)
				}
				break
			}
		}
	}

	return strings.Join(parts, separator)
}

// search embeds the query once and fans out to every effective store. args
// carries caller-provided overrides from the tool path; nil on the auto path.
func (i *Injector) search(ctx context.Context, query string, args *searchArgs) ([]protocol.VectorResult, error) {
	stores := i.effectiveStores(args)
	if len(stores) == 0 {
		return nil, fmt.Errorf("no vector stores configured")
	}

	priority, err := i.manager.ResolveEmbeddingPriority(i.config.EmbeddingPriority, stores)
	if err != nil {
		return nil, err
	}
	embedded, err := i.manager.Embed(ctx, priority, []string{query})
	if err != nil {
		return nil, err
	}

	var merged []protocol.VectorResult
	overallTopK := 0
	for _, storeID := range stores {
		params, err := i.effectiveParams(storeID, args)
		if err != nil {
			return nil, err
		}
		if params.topK > overallTopK {
			overallTopK = params.topK
		}
		store, err := i.manager.Store(storeID)
		if err != nil {
			return nil, err
		}
		results, err := store.Query(ctx, params.collection, embedded.Vectors[0], params.topK, params.scoreThreshold, params.filter)
		if err != nil {
			return nil, err
		}
		merged = append(merged, results...)
	}

	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].Score > merged[b].Score
	})
	if overallTopK > 0 && len(merged) > overallTopK {
		merged = merged[:overallTopK]
	}
	return merged, nil
}

// searchArgs are the caller-provided vector_search arguments after alias
// translation.
type searchArgs struct {
	store          string
	collection     string
	topK           int
	scoreThreshold float64
	filter         map[string]any
}

type searchParams struct {
	collection     string
	topK           int
	scoreThreshold float64
	filter         map[string]any
}

// effectiveStores applies the lock > caller > config order to store choice.
func (i *Injector) effectiveStores(args *searchArgs) []string {
	if locks := i.config.Locks; locks != nil && locks.Store != nil {
		return []string{*locks.Store}
	}
	if args != nil && args.store != "" {
		return []string{args.store}
	}
	return i.stores
}

// effectiveParams resolves each parameter as lock > caller arg > config
// default > store default.
func (i *Injector) effectiveParams(storeID string, args *searchArgs) (searchParams, error) {
	defaults, err := i.manager.StoreDefaults(storeID)
	if err != nil {
		return searchParams{}, err
	}
	locks := i.config.Locks

	params := searchParams{}

	switch {
	case locks != nil && locks.Collection != nil:
		params.collection = *locks.Collection
	case args != nil && args.collection != "":
		params.collection = args.collection
	case i.config.Collection != "":
		params.collection = i.config.Collection
	default:
		params.collection = defaults.Collection
	}
	if params.collection == "" {
		return searchParams{}, fmt.Errorf("vector store %s: no collection configured", storeID)
	}

	switch {
	case locks != nil && locks.TopK != nil:
		params.topK = *locks.TopK
	case args != nil && args.topK > 0:
		params.topK = args.topK
	case i.config.TopK > 0:
		params.topK = i.config.TopK
	case defaults.TopK > 0:
		params.topK = defaults.TopK
	default:
		params.topK = vector.DefaultTopK
	}

	switch {
	case locks != nil && locks.ScoreThreshold != nil:
		params.scoreThreshold = *locks.ScoreThreshold
	case args != nil && args.scoreThreshold > 0:
		params.scoreThreshold = args.scoreThreshold
	case i.config.ScoreThreshold > 0:
		params.scoreThreshold = i.config.ScoreThreshold
	default:
		params.scoreThreshold = defaults.ScoreThreshold
	}

	switch {
	case locks != nil && locks.Filter != nil:
		params.filter = locks.Filter
	case args != nil && args.filter != nil:
		params.filter = args.filter
	default:
		params.filter = i.config.Filter
	}

	return params, nil
}

func insertAfterSystem(messages []protocol.Message, msg protocol.Message) []protocol.Message {
	idx := 0
	for idx < len(messages) && messages[idx].Role == protocol.RoleSystem {
		idx++
	}
	out := make([]protocol.Message, 0, len(messages)+1)
	out = append(out, messages[:idx]...)
	out = append(out, msg)
	out = append(out, messages[idx:]...)
	return out
}

func insertBeforeLastUser(messages []protocol.Message, msg protocol.Message) []protocol.Message {
	idx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return append(append([]protocol.Message{}, messages...), msg)
	}
	out := make([]protocol.Message, 0, len(messages)+1)
	out = append(out, messages[:idx]...)
	out = append(out, msg)
	out = append(out, messages[idx:]...)
	return out
}
