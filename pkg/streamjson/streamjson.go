// Package streamjson provides types and helpers for the newline-delimited
// JSON protocol spoken by agent child processes over stdio. Each line is one
// frame; the frame type determines which fields are populated.
package streamjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Frame types emitted by agent processes
const (
	// TypeSystem is the initial system frame with session info
	TypeSystem = "system"
	// TypeUser is a user frame (prompt), written to the child
	TypeUser = "user"
	// TypeAssistant contains text or thinking content from the agent
	TypeAssistant = "assistant"
	// TypeToolUse is a tool invocation frame
	TypeToolUse = "tool_use"
	// TypeToolResult is a tool output frame
	TypeToolResult = "tool_result"
	// TypeResult is the final frame of an exchange
	TypeResult = "result"
)

// System frame subtypes
const (
	// SubtypeInit marks the child as ready after spawn
	SubtypeInit = "init"
)

// Result frame subtypes
const (
	// SubtypeSuccess is a normal completion
	SubtypeSuccess = "success"
	// SubtypeError is a completion with an error result
	SubtypeError = "error"
)

// Frame is one parsed line of the stream protocol.
// The Type field determines which of the remaining fields carry data.
type Frame struct {
	Type string `json:"type"`

	// For system frames
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	CWD       string `json:"cwd,omitempty"`

	// For user and assistant frames
	Message *MessageBody `json:"message,omitempty"`

	// For result frames. Result can be a string or an object.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`

	// For standalone tool_use / tool_result frames
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// Raw is the original line the frame was parsed from.
	Raw json.RawMessage `json:"-"`
}

// MessageBody is the payload of a user or assistant frame.
// Content is either a plain string or an array of content blocks.
type MessageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Model   string          `json:"model,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// ContentBlock is one element of an array-valued message content.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage contains token accounting from the child.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ParseLine parses one newline-delimited frame.
// Returns an error for blank lines and lines that are not JSON objects;
// callers log and discard those.
func ParseLine(line []byte) (*Frame, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var frame Frame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("frame missing type field")
	}

	frame.Raw = make(json.RawMessage, len(trimmed))
	copy(frame.Raw, trimmed)
	return &frame, nil
}

// IsInit reports whether the frame is the system/init handshake.
func (f *Frame) IsInit() bool {
	return f.Type == TypeSystem && f.Subtype == SubtypeInit
}

// IsResult reports whether the frame terminates the current exchange.
func (f *Frame) IsResult() bool {
	return f.Type == TypeResult
}

// ContentBlocks parses the message content as an array of blocks.
// Returns nil when the content is absent, a plain string, or malformed.
func (m *MessageBody) ContentBlocks() []ContentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// TextContent concatenates the text blocks of the frame's message.
// Used for assistant frames when assembling the final reply.
func (f *Frame) TextContent() string {
	if f.Message == nil {
		return ""
	}
	blocks := f.Message.ContentBlocks()
	if blocks == nil {
		// Content may be a plain string
		var s string
		if err := json.Unmarshal(f.Message.Content, &s); err == nil {
			return s
		}
		return ""
	}
	var sb strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// ResultText returns the result payload as a string. Handles both the
// string form (error messages) and the object form with a text field.
func (f *Frame) ResultText() string {
	if len(f.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Result, &s); err == nil {
		return s
	}
	var data struct {
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(f.Result, &data); err == nil {
		return data.Text
	}
	return ""
}

// UserFrame is the frame written to a child to introduce a prompt.
type UserFrame struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody carries the prompt text as a single text block.
type UserMessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// EncodeUserFrame marshals a user frame for the given text, newline
// terminated so it can be written directly to the child's stdin.
func EncodeUserFrame(text string) ([]byte, error) {
	frame := UserFrame{
		Type: TypeUser,
		Message: UserMessageBody{
			Role: "user",
			Content: []ContentBlock{
				{Type: "text", Text: text},
			},
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user frame: %w", err)
	}
	return append(data, '\n'), nil
}
