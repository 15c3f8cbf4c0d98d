package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
)

func init() {
	RegisterCompat("anthropic", func() Compat { return &AnthropicCompat{} })
}

// AnthropicCompat speaks the Anthropic messages wire format. It also carries
// the SDK path, which the manager prefers when an API key can be resolved
// from the manifest.
type AnthropicCompat struct{}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    any                `json:"tool_choice,omitempty"`
	Thinking      *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *anthropicSource `json:"source,omitempty"`

	// tool_use fields
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// thinking fields
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	FileID    string `json:"file_id,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      *anthropicUsage         `json:"usage"`
	Error      *anthropicAPIError      `json:"error,omitempty"`
}

type anthropicAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	Message      *anthropicResponse     `json:"message,omitempty"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        *anthropicStreamDelta  `json:"delta,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
	Error        *anthropicAPIError     `json:"error,omitempty"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

const anthropicDefaultMaxTokens = 4096

func (c *AnthropicCompat) Kind() string { return "anthropic" }

func (c *AnthropicCompat) BuildPayload(model string, providerSettings map[string]any, messages []protocol.Message, tools []ToolDefinition, toolChoice string) (map[string]any, error) {
	req := anthropicRequest{
		Model:     model,
		MaxTokens: anthropicDefaultMaxTokens,
		System:    systemText(messages),
		Messages:  convertAnthropicMessages(messages),
	}

	applyAnthropicSettings(&req, providerSettings)

	if len(tools) > 0 {
		req.Tools = serializeAnthropicTools(tools)
	}
	if toolChoice != "" {
		req.ToolChoice = serializeAnthropicToolChoice(toolChoice)
	}

	return toPayloadMap(req)
}

func applyAnthropicSettings(req *anthropicRequest, providerSettings map[string]any) {
	if v, ok := numberValue(providerSettings["temperature"]); ok {
		req.Temperature = &v
	}
	if v, ok := numberValue(providerSettings["topP"]); ok {
		req.TopP = &v
	}
	if v, ok := intValue(providerSettings["maxTokens"]); ok {
		req.MaxTokens = v
	}
	req.StopSequences = stringSlice(providerSettings["stop"])
	if budget, ok := intValue(providerSettings["reasoningBudget"]); ok && budget > 0 {
		req.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
	} else if enabled, ok := providerSettings["reasoning"].(bool); ok && enabled {
		req.Thinking = &anthropicThinking{Type: "enabled"}
	}
}

// systemText collects system-role turns; the messages wire format carries the
// system prompt outside the messages array.
func systemText(messages []protocol.Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == protocol.RoleSystem {
			if text := msg.TextContent(); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func convertAnthropicMessages(messages []protocol.Message) []anthropicMessage {
	var out []anthropicMessage
	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleSystem:
			continue

		case protocol.RoleTool:
			// Tool results travel as user-role tool_result blocks.
			block := anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   toolResultText(msg),
			}
			out = append(out, anthropicMessage{Role: "user", Content: []anthropicContentBlock{block}})

		default:
			m := anthropicMessage{Role: string(msg.Role)}
			if msg.Reasoning != nil && msg.Reasoning.Text != "" {
				block := anthropicContentBlock{Type: "thinking", Thinking: msg.Reasoning.Text}
				if sig, ok := msg.Reasoning.Metadata["signature"].(string); ok {
					block.Signature = sig
				}
				m.Content = append(m.Content, block)
			}
			m.Content = append(m.Content, convertAnthropicParts(msg.Content)...)
			for _, call := range msg.ToolCalls {
				m.Content = append(m.Content, anthropicContentBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Name,
					Input: call.Args,
				})
			}
			if len(m.Content) == 0 {
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

func convertAnthropicParts(parts []protocol.ContentPart) []anthropicContentBlock {
	var out []anthropicContentBlock
	for _, part := range parts {
		switch part.Type {
		case protocol.ContentPartTypeText:
			if part.Text != "" {
				out = append(out, anthropicContentBlock{Type: "text", Text: part.Text})
			}
		case protocol.ContentPartTypeImage:
			if part.Image != nil {
				out = append(out, anthropicContentBlock{
					Type:   "image",
					Source: &anthropicSource{Type: "url", URL: part.Image.URL},
				})
			}
		case protocol.ContentPartTypeDocument:
			if block := anthropicDocumentBlock(part.Document); block != nil {
				out = append(out, *block)
			}
		}
	}
	return out
}

func anthropicDocumentBlock(doc *protocol.DocumentSource) *anthropicContentBlock {
	if doc == nil {
		return nil
	}
	switch doc.Kind {
	case protocol.DocumentSourceBase64:
		return &anthropicContentBlock{
			Type:   "document",
			Source: &anthropicSource{Type: "base64", MediaType: doc.MediaType, Data: doc.Data},
		}
	case protocol.DocumentSourceURL:
		return &anthropicContentBlock{
			Type:   "document",
			Source: &anthropicSource{Type: "url", URL: doc.URL},
		}
	case protocol.DocumentSourceFileID:
		return &anthropicContentBlock{
			Type:   "document",
			Source: &anthropicSource{Type: "file", FileID: doc.FileID},
		}
	default:
		return nil
	}
}

func (c *AnthropicCompat) ParseResponse(raw []byte, model string) (*protocol.Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}

	out := &protocol.Response{
		Model:        model,
		Role:         protocol.RoleAssistant,
		FinishReason: resp.StopReason,
	}

	var text string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "thinking":
			trace := &protocol.ReasoningTrace{Text: block.Thinking}
			if block.Signature != "" {
				trace.Metadata = map[string]any{"signature": block.Signature}
			}
			out.Reasoning = trace
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	if text != "" {
		out.Content = []protocol.ContentPart{{Type: protocol.ContentPartTypeText, Text: text}}
	}

	if resp.Usage != nil {
		out.Usage = &protocol.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}

	return out, nil
}

func (c *AnthropicCompat) ParseStreamChunk(chunk []byte) (*StreamChunk, error) {
	line := strings.TrimSpace(string(chunk))
	if line == "" || strings.HasPrefix(line, "event:") {
		return nil, nil
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if line == "" {
		return nil, nil
	}

	var event anthropicStreamEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		return nil, fmt.Errorf("failed to parse stream event: %w", err)
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil && event.Message.Usage != nil {
			return &StreamChunk{Usage: &protocol.Usage{
				PromptTokens: event.Message.Usage.InputTokens,
				TotalTokens:  event.Message.Usage.InputTokens,
			}}, nil
		}
		return nil, nil

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			return &StreamChunk{ToolEvents: []protocol.ToolEvent{{
				Kind:   protocol.ToolEventCallStart,
				CallID: event.ContentBlock.ID,
				Index:  event.Index,
				Name:   event.ContentBlock.Name,
			}}}, nil
		}
		return nil, nil

	case "content_block_delta":
		if event.Delta == nil {
			return nil, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return &StreamChunk{Text: event.Delta.Text}, nil
		case "thinking_delta":
			return &StreamChunk{Reasoning: &protocol.ReasoningTrace{Text: event.Delta.Thinking}}, nil
		case "signature_delta":
			return &StreamChunk{Reasoning: &protocol.ReasoningTrace{
				Metadata: map[string]any{"signature": event.Delta.Signature},
			}}, nil
		case "input_json_delta":
			return &StreamChunk{ToolEvents: []protocol.ToolEvent{{
				Kind:      protocol.ToolEventArgsDelta,
				Index:     event.Index,
				ArgsDelta: event.Delta.PartialJSON,
			}}}, nil
		}
		return nil, nil

	case "message_delta":
		out := &StreamChunk{}
		if event.Usage != nil {
			out.Usage = &protocol.Usage{CompletionTokens: event.Usage.OutputTokens}
		}
		if event.Delta != nil && event.Delta.StopReason != "" {
			out.FinishReason = event.Delta.StopReason
			if event.Delta.StopReason == "tool_use" {
				out.FinishedWithToolCalls = true
			}
		}
		return out, nil

	case "message_stop":
		return &StreamChunk{Done: true}, nil

	case "error":
		msg := "stream error"
		if event.Error != nil {
			msg = event.Error.Message
		}
		return nil, fmt.Errorf("API error: %s", msg)

	default:
		// ping, content_block_stop and unknown event types carry nothing
		// observable.
		return nil, nil
	}
}

func (c *AnthropicCompat) SerializeTools(tools []ToolDefinition) any {
	return serializeAnthropicTools(tools)
}

func serializeAnthropicTools(tools []ToolDefinition) []anthropicTool {
	out := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return out
}

func (c *AnthropicCompat) SerializeToolChoice(choice string) any {
	return serializeAnthropicToolChoice(choice)
}

func serializeAnthropicToolChoice(choice string) any {
	switch choice {
	case "":
		return nil
	case "auto":
		return map[string]any{"type": "auto"}
	case "none":
		return map[string]any{"type": "none"}
	case "required":
		return map[string]any{"type": "any"}
	default:
		return map[string]any{"type": "tool", "name": choice}
	}
}

// CallSDK sends a non-streaming request through the official SDK.
func (c *AnthropicCompat) CallSDK(ctx context.Context, manifest plugins.ProviderManifest, model string, providerSettings map[string]any, messages []protocol.Message, tools []ToolDefinition, toolChoice string, extras map[string]any) (*protocol.Response, error) {
	client, err := anthropicClient(manifest)
	if err != nil {
		return nil, err
	}

	params, err := anthropicSDKParams(model, providerSettings, messages, tools, toolChoice)
	if err != nil {
		return nil, err
	}

	message, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode SDK response: %w", err)
	}
	return c.ParseResponse(raw, model)
}

// StreamSDK opens an SDK stream and re-emits each event as its raw JSON so
// the chunks flow through the same ParseStreamChunk path as HTTP streaming.
func (c *AnthropicCompat) StreamSDK(ctx context.Context, manifest plugins.ProviderManifest, model string, providerSettings map[string]any, messages []protocol.Message, tools []ToolDefinition, toolChoice string, extras map[string]any) (<-chan []byte, func(), error) {
	client, err := anthropicClient(manifest)
	if err != nil {
		return nil, nil, err
	}

	params, err := anthropicSDKParams(model, providerSettings, messages, tools, toolChoice)
	if err != nil {
		return nil, nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := client.Messages.NewStreaming(streamCtx, params)

	chunks := make(chan []byte, 64)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			select {
			case chunks <- []byte(event.RawJSON()):
			case <-streamCtx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && streamCtx.Err() == nil {
			payload, _ := json.Marshal(anthropicStreamEvent{
				Type:  "error",
				Error: &anthropicAPIError{Type: "stream_error", Message: err.Error()},
			})
			select {
			case chunks <- payload:
			case <-streamCtx.Done():
			}
		}
	}()

	return chunks, cancel, nil
}

func anthropicClient(manifest plugins.ProviderManifest) (*anthropic.Client, error) {
	apiKey := manifest.Endpoint.Headers["x-api-key"]
	if apiKey == "" {
		if key, ok := manifest.Config["apiKey"].(string); ok {
			apiKey = key
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("provider %s: no API key in manifest", manifest.ID)
	}

	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if base, ok := manifest.Config["baseUrl"].(string); ok && base != "" {
		options = append(options, option.WithBaseURL(base))
	}
	client := anthropic.NewClient(options...)
	return &client, nil
}

func anthropicSDKParams(model string, providerSettings map[string]any, messages []protocol.Message, tools []ToolDefinition, toolChoice string) (anthropic.MessageNewParams, error) {
	maxTokens := anthropicDefaultMaxTokens
	if v, ok := intValue(providerSettings["maxTokens"]); ok {
		maxTokens = v
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}

	if system := systemText(messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	converted, err := convertAnthropicSDKMessages(messages)
	if err != nil {
		return params, err
	}
	params.Messages = converted

	if v, ok := numberValue(providerSettings["temperature"]); ok {
		params.Temperature = anthropic.Float(v)
	}
	if v, ok := numberValue(providerSettings["topP"]); ok {
		params.TopP = anthropic.Float(v)
	}
	if stops := stringSlice(providerSettings["stop"]); len(stops) > 0 {
		params.StopSequences = stops
	}
	if budget, ok := intValue(providerSettings["reasoningBudget"]); ok && budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}

	if len(tools) > 0 {
		sdkTools, err := convertAnthropicSDKTools(tools)
		if err != nil {
			return params, err
		}
		params.Tools = sdkTools
	}
	if choice := anthropicSDKToolChoice(toolChoice); choice != nil {
		params.ToolChoice = *choice
	}

	return params, nil
}

func convertAnthropicSDKMessages(messages []protocol.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleSystem:
			continue

		case protocol.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, toolResultText(msg), false),
			))

		default:
			var content []anthropic.ContentBlockParamUnion
			for _, part := range msg.Content {
				switch part.Type {
				case protocol.ContentPartTypeText:
					if part.Text != "" {
						content = append(content, anthropic.NewTextBlock(part.Text))
					}
				case protocol.ContentPartTypeImage:
					if part.Image != nil {
						content = append(content, anthropic.NewImageBlock(anthropic.URLImageSourceParam{
							URL: part.Image.URL,
						}))
					}
				}
			}
			for _, call := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(call.ID, call.Args, call.Name))
			}
			if len(content) == 0 {
				continue
			}
			if msg.Role == protocol.RoleAssistant {
				out = append(out, anthropic.NewAssistantMessage(content...))
			} else {
				out = append(out, anthropic.NewUserMessage(content...))
			}
		}
	}
	return out, nil
}

func convertAnthropicSDKTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil && tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func anthropicSDKToolChoice(choice string) *anthropic.ToolChoiceUnionParam {
	switch choice {
	case "":
		return nil
	case "auto":
		return &anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	case "none":
		return &anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case "required":
		return &anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		return &anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: choice}}
	}
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case string:
		if s == "" {
			return nil
		}
		return []string{s}
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
