package protocol

// EventType tags a stream event. The five variants below are the sole
// observable vocabulary of a streamed run.
type EventType string

const (
	EventDelta EventType = "delta"
	EventToken EventType = "token"
	EventTool  EventType = "tool"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// ToolEventKind discriminates the tool sub-events.
type ToolEventKind string

const (
	ToolEventCallStart ToolEventKind = "tool_call_start"
	ToolEventArgsDelta ToolEventKind = "tool_call_arguments_delta"
	ToolEventCallEnd   ToolEventKind = "tool_call_end"
	ToolEventResult    ToolEventKind = "tool_result"
)

// ToolEvent carries one step of tool-call assembly or a finished result.
// CallID is always set; Name and Args are set on call_end; Result is the
// JSON-encoded payload on tool_result events.
type ToolEvent struct {
	Kind   ToolEventKind `json:"kind"`
	CallID string        `json:"callId"`

	// Index correlates argument deltas with their call on providers that
	// stream by position instead of id. Internal to stream assembly.
	Index int `json:"-"`

	Name      string         `json:"name,omitempty"`
	ArgsDelta string         `json:"argsDelta,omitempty"`
	Args      map[string]any `json:"arguments,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Result    string         `json:"result,omitempty"`
}

// StreamError is the payload of a terminal error event.
type StreamError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// StreamEvent is a tagged variant; the field matching Type is set.
type StreamEvent struct {
	Type     EventType   `json:"type"`
	Delta    string      `json:"delta,omitempty"`
	Usage    *Usage      `json:"usage,omitempty"`
	Tool     *ToolEvent  `json:"tool,omitempty"`
	Response *Response   `json:"response,omitempty"`
	Error    *StreamError `json:"error,omitempty"`
}

func DeltaEvent(text string) StreamEvent {
	return StreamEvent{Type: EventDelta, Delta: text}
}

func TokenEvent(usage *Usage) StreamEvent {
	return StreamEvent{Type: EventToken, Usage: usage}
}

func DoneEvent(resp *Response) StreamEvent {
	return StreamEvent{Type: EventDone, Response: resp}
}

func ErrorEvent(code, message string) StreamEvent {
	return StreamEvent{Type: EventError, Error: &StreamError{Code: code, Message: message}}
}
