package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/irislabs/iris/pkg/streamjson"
)

var (
	toolCallCounter int
	turnCounter     int
)

func nextToolID() string {
	toolCallCounter++
	return fmt.Sprintf("mock_tool_%04d", toolCallCounter)
}

func defaultUsage() *streamjson.Usage {
	return &streamjson.Usage{
		InputTokens:  1200,
		OutputTokens: 350,
	}
}

// blocksJSON marshals content blocks into the raw form the frame carries.
func blocksJSON(blocks ...streamjson.ContentBlock) json.RawMessage {
	data, err := json.Marshal(blocks)
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return data
}

func rawString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// emitInit writes the system/init handshake frame. The server holds the
// spawn until it sees this.
func emitInit(enc *json.Encoder) {
	wd, _ := os.Getwd()
	_ = enc.Encode(streamjson.Frame{
		Type:      streamjson.TypeSystem,
		Subtype:   streamjson.SubtypeInit,
		SessionID: agentSession,
		Model:     agentModel,
		CWD:       wd,
	})
}

// emitAssistant writes an assistant frame carrying the given blocks.
func emitAssistant(enc *json.Encoder, blocks ...streamjson.ContentBlock) {
	_ = enc.Encode(streamjson.Frame{
		Type:      streamjson.TypeAssistant,
		SessionID: agentSession,
		Message: &streamjson.MessageBody{
			Role:    "assistant",
			Content: blocksJSON(blocks...),
			Model:   agentModel,
			Usage:   defaultUsage(),
		},
	})
}

func emitText(enc *json.Encoder, text string) {
	emitAssistant(enc, streamjson.ContentBlock{Type: "text", Text: text})
}

func emitThinking(enc *json.Encoder, thought string) {
	emitAssistant(enc, streamjson.ContentBlock{Type: "thinking", Thinking: thought})
}

// emitToolUse writes an assistant frame invoking a tool and returns the
// tool use id the result must reference.
func emitToolUse(enc *json.Encoder, tool string, input map[string]any) string {
	id := nextToolID()
	emitAssistant(enc, streamjson.ContentBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  tool,
		Input: input,
	})
	return id
}

// emitToolResult writes the user frame carrying a tool's output.
func emitToolResult(enc *json.Encoder, toolUseID, output string) {
	_ = enc.Encode(streamjson.Frame{
		Type:      streamjson.TypeUser,
		SessionID: agentSession,
		Message: &streamjson.MessageBody{
			Role: "user",
			Content: blocksJSON(streamjson.ContentBlock{
				Type:      "tool_result",
				ToolUseID: toolUseID,
				Content:   rawString(output),
			}),
		},
	})
}

// emitResult closes the turn with a success result frame.
func emitResult(enc *json.Encoder, started time.Time, text string) {
	turnCounter++
	_ = enc.Encode(streamjson.Frame{
		Type:       streamjson.TypeResult,
		Subtype:    streamjson.SubtypeSuccess,
		SessionID:  agentSession,
		Result:     rawString(text),
		DurationMS: time.Since(started).Milliseconds(),
		NumTurns:   turnCounter,
		CostUSD:    0.0042,
		Usage: &streamjson.Usage{
			InputTokens:  1500,
			OutputTokens: 500,
		},
	})
}

// emitErrorResult closes the turn with an error result frame.
func emitErrorResult(enc *json.Encoder, started time.Time, message string) {
	turnCounter++
	_ = enc.Encode(streamjson.Frame{
		Type:       streamjson.TypeResult,
		Subtype:    streamjson.SubtypeError,
		SessionID:  agentSession,
		Result:     rawString(message),
		IsError:    true,
		DurationMS: time.Since(started).Milliseconds(),
		NumTurns:   turnCounter,
		CostUSD:    0.0042,
		Usage:      defaultUsage(),
	})
}
