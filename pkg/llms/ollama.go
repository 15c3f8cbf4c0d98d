package llms

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/llmadapter/coordinator/pkg/protocol"
)

func init() {
	RegisterCompat("ollama", func() Compat { return &OllamaCompat{} })
}

// OllamaCompat speaks the ollama /api/chat format. Streaming is NDJSON, one
// complete object per line, no SSE framing.
type OllamaCompat struct{}

type ollamaRequest struct {
	Model      string          `json:"model"`
	Messages   []ollamaMessage `json:"messages"`
	Stream     bool            `json:"stream"`
	Format     any             `json:"format,omitempty"`
	Options    *ollamaOptions  `json:"options,omitempty"`
	Tools      []ollamaTool    `json:"tools,omitempty"`
	ToolChoice string          `json:"tool_choice,omitempty"`
	Think      any             `json:"think,omitempty"`
}

type ollamaMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Thinking   string           `json:"thinking,omitempty"`
	ToolCalls  []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaToolCall struct {
	Type     string                 `json:"type"`
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Index     int            `json:"index,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func (c *OllamaCompat) Kind() string { return "ollama" }

func (c *OllamaCompat) BuildPayload(model string, providerSettings map[string]any, messages []protocol.Message, tools []ToolDefinition, toolChoice string) (map[string]any, error) {
	req := ollamaRequest{
		Model:    model,
		Messages: convertOllamaMessages(messages),
	}

	applyOllamaSettings(&req, providerSettings)

	if len(tools) > 0 {
		req.Tools = serializeOllamaTools(tools)
	}
	// Only the simple modes exist on this wire; a forced tool name is not
	// expressible and degrades to auto.
	switch toolChoice {
	case "auto", "none", "required":
		req.ToolChoice = toolChoice
	}

	return toPayloadMap(req)
}

func applyOllamaSettings(req *ollamaRequest, providerSettings map[string]any) {
	opts := &ollamaOptions{}
	used := false

	if v, ok := numberValue(providerSettings["temperature"]); ok {
		opts.Temperature = &v
		used = true
	}
	if v, ok := numberValue(providerSettings["topP"]); ok {
		opts.TopP = &v
		used = true
	}
	if v, ok := intValue(providerSettings["maxTokens"]); ok {
		opts.NumPredict = v
		used = true
	}
	if stops := stringSlice(providerSettings["stop"]); len(stops) > 0 {
		opts.Stop = stops
		used = true
	}
	if v, ok := intValue(providerSettings["seed"]); ok {
		opts.Seed = &v
		used = true
	}
	if used {
		req.Options = opts
	}

	if v, ok := providerSettings["responseFormat"]; ok {
		req.Format = v
	}
	if v, ok := providerSettings["reasoning"]; ok {
		req.Think = v
	}
}

func convertOllamaMessages(messages []protocol.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		m := ollamaMessage{Role: string(msg.Role)}

		if msg.Role == protocol.RoleTool {
			m.ToolCallID = msg.ToolCallID
			m.Content = toolResultText(msg)
			for _, part := range msg.Content {
				if part.Type == protocol.ContentPartTypeToolResult && part.ToolResult != nil {
					m.ToolName = part.ToolResult.ToolName
				}
			}
			out = append(out, m)
			continue
		}

		m.Content = msg.TextContent()
		if msg.Reasoning != nil {
			m.Thinking = msg.Reasoning.Text
		}
		for _, call := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, ollamaToolCall{
				Type: "function",
				Function: ollamaToolCallFunction{
					Name:      call.Name,
					Arguments: call.Args,
				},
			})
		}
		out = append(out, m)
	}
	return out
}

func (c *OllamaCompat) ParseResponse(raw []byte, model string) (*protocol.Response, error) {
	var resp ollamaResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("API error: %s", resp.Error)
	}

	out := &protocol.Response{
		Model:        model,
		Role:         protocol.RoleAssistant,
		FinishReason: resp.DoneReason,
	}

	if resp.Message.Content != "" {
		out.Content = []protocol.ContentPart{{
			Type: protocol.ContentPartTypeText,
			Text: resp.Message.Content,
		}}
	}
	if resp.Message.Thinking != "" {
		out.Reasoning = &protocol.ReasoningTrace{Text: resp.Message.Thinking}
	}

	for i, call := range resp.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{
			// This wire carries no call ids; synthesize stable ones.
			ID:   fmt.Sprintf("call_%d", i),
			Name: call.Function.Name,
			Args: call.Function.Arguments,
		})
	}

	if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
		out.Usage = &protocol.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		}
	}

	return out, nil
}

func (c *OllamaCompat) ParseStreamChunk(chunk []byte) (*StreamChunk, error) {
	line := strings.TrimSpace(string(chunk))
	if line == "" {
		return nil, nil
	}

	var parsed ollamaResponse
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse stream chunk: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("API error: %s", parsed.Error)
	}

	out := &StreamChunk{Text: parsed.Message.Content}
	if parsed.Message.Thinking != "" {
		out.Reasoning = &protocol.ReasoningTrace{Text: parsed.Message.Thinking}
	}

	// Tool calls arrive whole in a single chunk, never as deltas.
	for i, call := range parsed.Message.ToolCalls {
		index := call.Function.Index
		if index == 0 {
			index = i
		}
		callID := fmt.Sprintf("call_%d", index)
		out.ToolEvents = append(out.ToolEvents,
			protocol.ToolEvent{
				Kind:   protocol.ToolEventCallStart,
				CallID: callID,
				Index:  index,
				Name:   call.Function.Name,
			},
			protocol.ToolEvent{
				Kind:   protocol.ToolEventCallEnd,
				CallID: callID,
				Index:  index,
				Name:   call.Function.Name,
				Args:   call.Function.Arguments,
			},
		)
	}

	if parsed.Done {
		if len(parsed.Message.ToolCalls) > 0 || parsed.DoneReason == "tool_calls" {
			out.FinishedWithToolCalls = true
		} else {
			out.Done = true
		}
		out.FinishReason = parsed.DoneReason
		if parsed.PromptEvalCount > 0 || parsed.EvalCount > 0 {
			out.Usage = &protocol.Usage{
				PromptTokens:     parsed.PromptEvalCount,
				CompletionTokens: parsed.EvalCount,
				TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
			}
		}
	}

	return out, nil
}

func (c *OllamaCompat) SerializeTools(tools []ToolDefinition) any {
	return serializeOllamaTools(tools)
}

func serializeOllamaTools(tools []ToolDefinition) []ollamaTool {
	out := make([]ollamaTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func (c *OllamaCompat) SerializeToolChoice(choice string) any {
	switch choice {
	case "auto", "none", "required":
		return choice
	default:
		return nil
	}
}
