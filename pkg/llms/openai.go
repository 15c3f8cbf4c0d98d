package llms

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/llmadapter/coordinator/pkg/protocol"
)

func init() {
	RegisterCompat("openai", func() Compat { return &OpenAICompat{} })
}

// OpenAICompat speaks the OpenAI chat-completions wire format, which a large
// family of providers implements verbatim.
type OpenAICompat struct{}

type openAIRequest struct {
	Model            string           `json:"model"`
	Messages         []openAIMessage  `json:"messages"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	Stop             any              `json:"stop,omitempty"`
	Seed             *int             `json:"seed,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	LogitBias        map[string]any   `json:"logit_bias,omitempty"`
	Logprobs         *bool            `json:"logprobs,omitempty"`
	TopLogprobs      *int             `json:"top_logprobs,omitempty"`
	ResponseFormat   any              `json:"response_format,omitempty"`
	Stream           bool             `json:"stream,omitempty"`
	Tools            []openAITool     `json:"tools,omitempty"`
	ToolChoice       any              `json:"tool_choice,omitempty"`
	ReasoningEffort  string           `json:"reasoning_effort,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"` // string or []openAIContentPart
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role      string           `json:"role"`
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
			Reasoning string           `json:"reasoning"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
			Reasoning string           `json:"reasoning"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (c *OpenAICompat) Kind() string { return "openai" }

func (c *OpenAICompat) BuildPayload(model string, providerSettings map[string]any, messages []protocol.Message, tools []ToolDefinition, toolChoice string) (map[string]any, error) {
	req := openAIRequest{
		Model:    model,
		Messages: convertOpenAIMessages(messages),
	}

	applyOpenAISettings(&req, providerSettings)

	if len(tools) > 0 {
		req.Tools = serializeOpenAITools(tools)
	}
	if toolChoice != "" {
		req.ToolChoice = serializeOpenAIToolChoice(toolChoice)
	}

	return toPayloadMap(req)
}

func applyOpenAISettings(req *openAIRequest, providerSettings map[string]any) {
	if v, ok := numberValue(providerSettings["temperature"]); ok {
		req.Temperature = &v
	}
	if v, ok := numberValue(providerSettings["topP"]); ok {
		req.TopP = &v
	}
	if v, ok := intValue(providerSettings["maxTokens"]); ok {
		req.MaxTokens = &v
	}
	if v, ok := providerSettings["stop"]; ok {
		req.Stop = v
	}
	if v, ok := intValue(providerSettings["seed"]); ok {
		req.Seed = &v
	}
	if v, ok := numberValue(providerSettings["frequencyPenalty"]); ok {
		req.FrequencyPenalty = &v
	}
	if v, ok := numberValue(providerSettings["presencePenalty"]); ok {
		req.PresencePenalty = &v
	}
	if v, ok := providerSettings["logitBias"].(map[string]any); ok {
		req.LogitBias = v
	}
	if v, ok := providerSettings["logprobs"].(bool); ok {
		req.Logprobs = &v
	}
	if v, ok := intValue(providerSettings["topLogprobs"]); ok {
		req.TopLogprobs = &v
	}
	if v, ok := providerSettings["responseFormat"]; ok {
		req.ResponseFormat = v
	}
	if reasoning, ok := providerSettings["reasoning"].(map[string]any); ok {
		if effort, ok := reasoning["effort"].(string); ok {
			req.ReasoningEffort = effort
		}
	}
}

func convertOpenAIMessages(messages []protocol.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, msg := range messages {
		m := openAIMessage{Role: string(msg.Role)}

		if msg.Role == protocol.RoleTool {
			m.ToolCallID = msg.ToolCallID
			m.Content = toolResultText(msg)
			out = append(out, m)
			continue
		}

		if parts := convertOpenAIParts(msg.Content); parts != nil {
			m.Content = parts
		} else {
			m.Content = msg.TextContent()
		}

		for _, call := range msg.ToolCalls {
			args, _ := json.Marshal(call.Args)
			m.ToolCalls = append(m.ToolCalls, openAIToolCall{
				ID:   call.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}

		out = append(out, m)
	}
	return out
}

// convertOpenAIParts returns a part array when the message carries anything
// beyond plain text, nil otherwise (plain text stays a string for
// compatibility with strict gateways).
func convertOpenAIParts(parts []protocol.ContentPart) []openAIContentPart {
	multimodal := false
	for _, part := range parts {
		if part.Type == protocol.ContentPartTypeImage || part.Type == protocol.ContentPartTypeDocument {
			multimodal = true
			break
		}
	}
	if !multimodal {
		return nil
	}

	out := make([]openAIContentPart, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case protocol.ContentPartTypeText:
			out = append(out, openAIContentPart{Type: "text", Text: part.Text})
		case protocol.ContentPartTypeImage:
			if part.Image != nil {
				out = append(out, openAIContentPart{
					Type:     "image_url",
					ImageURL: &openAIImageURL{URL: part.Image.URL},
				})
			}
		case protocol.ContentPartTypeDocument:
			if part.Document == nil {
				continue
			}
			switch part.Document.Kind {
			case protocol.DocumentSourceURL:
				out = append(out, openAIContentPart{
					Type:     "image_url",
					ImageURL: &openAIImageURL{URL: part.Document.URL},
				})
			case protocol.DocumentSourceBase64:
				uri := fmt.Sprintf("data:%s;base64,%s", part.Document.MediaType, part.Document.Data)
				out = append(out, openAIContentPart{
					Type:     "image_url",
					ImageURL: &openAIImageURL{URL: uri},
				})
			}
		}
	}
	return out
}

func toolResultText(msg protocol.Message) string {
	for _, part := range msg.Content {
		if part.Type == protocol.ContentPartTypeToolResult && part.ToolResult != nil {
			if s, ok := part.ToolResult.Result.(string); ok {
				return s
			}
			data, _ := json.Marshal(part.ToolResult.Result)
			return string(data)
		}
	}
	return msg.TextContent()
}

func (c *OpenAICompat) ParseResponse(raw []byte, model string) (*protocol.Response, error) {
	var resp openAIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := resp.Choices[0]
	out := &protocol.Response{
		Model:        model,
		Role:         protocol.RoleAssistant,
		FinishReason: choice.FinishReason,
	}

	if choice.Message.Content != "" {
		out.Content = []protocol.ContentPart{{
			Type: protocol.ContentPartTypeText,
			Text: choice.Message.Content,
		}}
	}
	if choice.Message.Reasoning != "" {
		out.Reasoning = &protocol.ReasoningTrace{Text: choice.Message.Reasoning}
	}

	for _, call := range choice.Message.ToolCalls {
		parsed, err := parseOpenAIToolCall(call)
		if err != nil {
			return nil, err
		}
		out.ToolCalls = append(out.ToolCalls, parsed)
	}

	if resp.Usage != nil {
		out.Usage = &protocol.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return out, nil
}

func parseOpenAIToolCall(call openAIToolCall) (protocol.ToolCall, error) {
	args := make(map[string]any)
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return protocol.ToolCall{}, fmt.Errorf("tool call %s: invalid arguments: %w", call.ID, err)
		}
	}
	return protocol.ToolCall{
		ID:   call.ID,
		Name: call.Function.Name,
		Args: args,
	}, nil
}

func (c *OpenAICompat) ParseStreamChunk(chunk []byte) (*StreamChunk, error) {
	line := strings.TrimSpace(string(chunk))
	line = strings.TrimPrefix(line, "data:")
	line = strings.TrimSpace(line)

	if line == "" {
		return nil, nil
	}
	if line == "[DONE]" {
		return &StreamChunk{Done: true}, nil
	}

	var parsed openAIStreamChunk
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse stream chunk: %w", err)
	}

	out := &StreamChunk{}
	if parsed.Usage != nil {
		out.Usage = &protocol.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}

	if len(parsed.Choices) == 0 {
		return out, nil
	}
	choice := parsed.Choices[0]

	out.Text = choice.Delta.Content
	if choice.Delta.Reasoning != "" {
		out.Reasoning = &protocol.ReasoningTrace{Text: choice.Delta.Reasoning}
	}

	for _, call := range choice.Delta.ToolCalls {
		index := 0
		if call.Index != nil {
			index = *call.Index
		}
		if call.ID != "" || call.Function.Name != "" {
			out.ToolEvents = append(out.ToolEvents, protocol.ToolEvent{
				Kind:   protocol.ToolEventCallStart,
				CallID: call.ID,
				Index:  index,
				Name:   call.Function.Name,
			})
		}
		if call.Function.Arguments != "" {
			out.ToolEvents = append(out.ToolEvents, protocol.ToolEvent{
				Kind:      protocol.ToolEventArgsDelta,
				Index:     index,
				ArgsDelta: call.Function.Arguments,
			})
		}
	}

	switch choice.FinishReason {
	case "tool_calls":
		out.FinishedWithToolCalls = true
		out.FinishReason = choice.FinishReason
	case "":
	default:
		out.Done = true
		out.FinishReason = choice.FinishReason
	}

	return out, nil
}

func (c *OpenAICompat) SerializeTools(tools []ToolDefinition) any {
	return serializeOpenAITools(tools)
}

func serializeOpenAITools(tools []ToolDefinition) []openAITool {
	out := make([]openAITool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func (c *OpenAICompat) SerializeToolChoice(choice string) any {
	return serializeOpenAIToolChoice(choice)
}

func serializeOpenAIToolChoice(choice string) any {
	switch choice {
	case "", "auto", "none", "required":
		if choice == "" {
			return nil
		}
		return choice
	default:
		// A concrete tool name forces that tool.
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice},
		}
	}
}

// ApplyProviderExtensions copies leftover extras into the payload root so
// provider-specific knobs without a declared extension still pass through.
func (c *OpenAICompat) ApplyProviderExtensions(payload map[string]any, extras map[string]any) {
	for key, value := range extras {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}
}

// toPayloadMap converts a typed request into the mutable map the extension
// engine operates on.
func toPayloadMap(req any) (map[string]any, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	payload := make(map[string]any)
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
