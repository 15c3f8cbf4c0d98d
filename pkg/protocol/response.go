package protocol

// Usage is the token accounting snapshot reported by a provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ToolCallRecord captures one executed tool invocation for the run audit
// trail surfaced under Response.Raw["toolResults"].
type ToolCallRecord struct {
	CallID   string         `json:"callId"`
	Name     string         `json:"name"`
	Args     map[string]any `json:"arguments"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration int64          `json:"durationMs"`
}

// Response is the unified, provider-agnostic response document.
type Response struct {
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Role         Role            `json:"role"`
	Content      []ContentPart   `json:"content"`
	ToolCalls    []ToolCall      `json:"toolCalls,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Reasoning    *ReasoningTrace `json:"reasoning,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`

	// Raw carries run-level extras: the provider's raw body under "response"
	// and the aggregated tool records under "toolResults".
	Raw map[string]any `json:"raw,omitempty"`
}

// Text concatenates the textual content parts.
func (r *Response) Text() string {
	var out string
	for _, part := range r.Content {
		if part.Type == ContentPartTypeText {
			out += part.Text
		}
	}
	return out
}

// AppendToolRecords accumulates executed tool-call records onto the response.
func (r *Response) AppendToolRecords(records []ToolCallRecord) {
	if len(records) == 0 {
		return
	}
	if r.Raw == nil {
		r.Raw = make(map[string]any)
	}
	existing, _ := r.Raw["toolResults"].([]ToolCallRecord)
	r.Raw["toolResults"] = append(existing, records...)
}
