// Package protocol defines the provider-agnostic data model: messages and
// their content parts, tool calls, the unified response and the stream event
// vocabulary. Compat adapters translate between these types and concrete
// upstream wire formats; nothing in here names a specific provider.
package protocol

import "encoding/json"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ContentPartType string

const (
	ContentPartTypeText       ContentPartType = "text"
	ContentPartTypeImage      ContentPartType = "image"
	ContentPartTypeDocument   ContentPartType = "document"
	ContentPartTypeToolResult ContentPartType = "tool_result"
)

// ContentPart is a tagged variant; exactly one of the payload fields matching
// Type is set.
type ContentPart struct {
	Type       ContentPartType    `json:"type"`
	Text       string             `json:"text,omitempty"`
	Image      *ImageSource       `json:"image,omitempty"`
	Document   *DocumentSource    `json:"document,omitempty"`
	ToolResult *ToolResultContent `json:"toolResult,omitempty"`
}

type ImageSource struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
}

// DocumentSourceKind selects where the document bytes come from.
type DocumentSourceKind string

const (
	DocumentSourcePath   DocumentSourceKind = "path"
	DocumentSourceBase64 DocumentSourceKind = "base64"
	DocumentSourceURL    DocumentSourceKind = "url"
	DocumentSourceFileID DocumentSourceKind = "fileId"
)

type DocumentSource struct {
	Kind      DocumentSourceKind `json:"kind"`
	Path      string             `json:"path,omitempty"`
	Data      string             `json:"data,omitempty"`
	URL       string             `json:"url,omitempty"`
	FileID    string             `json:"fileId,omitempty"`
	MediaType string             `json:"mediaType,omitempty"`
	Filename  string             `json:"filename,omitempty"`

	// Hints carries provider-specific loading hints verbatim.
	Hints map[string]any `json:"hints,omitempty"`
}

type ToolResultContent struct {
	ToolName string `json:"toolName"`
	Result   any    `json:"result"`
}

// ToolCall is one requested tool invocation. Metadata is opaque provider
// state (some providers attach cryptographic signatures) and must round-trip
// unchanged into follow-up requests.
type ToolCall struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Args     map[string]any `json:"arguments"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ReasoningTrace is an aggregated provider reasoning block.
type ReasoningTrace struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message is one conversation turn. Ordering of messages and of content
// parts is significant and preserved end to end.
type Message struct {
	Role       Role            `json:"role"`
	Content    []ContentPart   `json:"content"`
	ToolCalls  []ToolCall      `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Reasoning  *ReasoningTrace `json:"reasoning,omitempty"`
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{
		Role:    role,
		Content: []ContentPart{{Type: ContentPartTypeText, Text: text}},
	}
}

// ToolResultMessage builds the tool-role reply for one tool call.
func ToolResultMessage(callID, toolName string, result any) Message {
	return Message{
		Role:       RoleTool,
		ToolCallID: callID,
		Content: []ContentPart{{
			Type:       ContentPartTypeToolResult,
			ToolResult: &ToolResultContent{ToolName: toolName, Result: result},
		}},
	}
}

// TextContent concatenates the textual parts of a message.
func (m Message) TextContent() string {
	var out string
	for _, part := range m.Content {
		if part.Type == ContentPartTypeText {
			out += part.Text
		}
	}
	return out
}

// Clone returns a deep copy of the message. Opaque maps are copied via JSON
// round-trip so later mutation of one copy never leaks into the other.
func (m Message) Clone() Message {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out Message
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}
