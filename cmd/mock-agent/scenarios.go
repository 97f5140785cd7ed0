package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"
)

// delayRange returns the per-frame delay bounds in milliseconds for a
// model name. mock-fast keeps e2e tests quick; mock-slow approximates a
// real agent mulling things over.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 1, 10
	case "mock-slow":
		return 500, 3000
	default:
		return 50, 250
	}
}

func randomDelay() {
	lo, hi := delayRange(agentModel)
	ms := lo + rand.Intn(hi-lo+1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// handleTurn answers one user frame. Directive prompts select a scripted
// behavior; everything else gets the default acknowledgment. Every path
// except the deliberately broken ones ends with a result frame.
func handleTurn(enc *json.Encoder, prompt string) {
	started := time.Now()

	switch {
	case prompt == "/silent":
		// No frames at all: the turn stalls and the server's response
		// watcher has to clean up.
		return

	case prompt == "/stall":
		// Partial output then silence: exercises timeout reporting with
		// a partial response attached.
		emitText(enc, "Starting work on the request...")
		return

	case strings.HasPrefix(prompt, "/exit"):
		scenarioExit(enc, prompt)

	case strings.HasPrefix(prompt, "/error"):
		scenarioError(enc, started, prompt)

	case strings.HasPrefix(prompt, "/slow"):
		scenarioSlow(enc, started, prompt)

	case prompt == "/thinking":
		scenarioThinking(enc, started)

	case prompt == "/tools":
		scenarioTools(enc, started)

	case prompt == "/multi":
		scenarioMulti(enc, started)

	case strings.HasPrefix(prompt, "/"):
		// Unrecognized slash commands (/compact and friends) are
		// acknowledged like the real CLI acknowledges its own.
		emitText(enc, "Executed "+prompt+" (mock).")
		emitResult(enc, started, "Command "+prompt+" completed.")

	default:
		scenarioDefault(enc, started, prompt)
	}
}

// scenarioDefault is the ordinary conversational reply: a beat of
// thinking, sometimes a tool call, then text that quotes the prompt so
// tests can assert on the round trip.
func scenarioDefault(enc *json.Encoder, started time.Time, prompt string) {
	randomDelay()
	emitThinking(enc, "Considering the request and how to answer it...")

	if rand.Intn(3) == 0 {
		randomDelay()
		runReadTool(enc)
	}

	randomDelay()
	reply := fmt.Sprintf("Mock reply to: %q. All done.", prompt)
	emitText(enc, reply)
	emitResult(enc, started, reply)
}

// scenarioExit terminates the process mid-turn. "/exit" uses code 1; an
// explicit code rides along as "/exit 3".
func scenarioExit(enc *json.Encoder, prompt string) {
	code := 1
	if parts := strings.Fields(prompt); len(parts) >= 2 {
		if n, err := strconv.Atoi(parts[1]); err == nil {
			code = n
		}
	}
	emitText(enc, fmt.Sprintf("Exiting with code %d.", code))
	os.Exit(code)
}

// scenarioError emits a turn that fails. Detail text after the directive
// becomes the error message.
func scenarioError(enc *json.Encoder, started time.Time, prompt string) {
	detail := strings.TrimSpace(strings.TrimPrefix(prompt, "/error"))
	if detail == "" {
		detail = "mock error: something went wrong during processing"
	}
	randomDelay()
	emitText(enc, "Hitting a simulated failure...")
	emitErrorResult(enc, started, detail)
}

// scenarioSlow spreads the turn over a total duration, default 5s:
// "/slow 30s" paces frames across 30 seconds. Frames keep flowing the
// whole time, so only a caller-side timeout can give up on it.
func scenarioSlow(enc *json.Encoder, started time.Time, prompt string) {
	total := 5 * time.Second
	if parts := strings.Fields(prompt); len(parts) >= 2 {
		if d, err := time.ParseDuration(parts[1]); err == nil && d > 0 {
			total = d
		}
	}

	steps := 5
	step := total / time.Duration(steps)

	emitThinking(enc, "This will take a while...")
	time.Sleep(step)
	emitText(enc, fmt.Sprintf("Working slowly (%s total)...", total))
	time.Sleep(step)
	runReadTool(enc)
	time.Sleep(step)
	runGrepTool(enc)
	time.Sleep(step)
	emitText(enc, "Slow work complete.")
	time.Sleep(step)
	emitResult(enc, started, fmt.Sprintf("Finished after %s.", total))
}

// scenarioThinking emits extended reasoning before the reply.
func scenarioThinking(enc *json.Encoder, started time.Time) {
	thoughts := []string{
		"Let me work through this step by step...",
		"First, the components involved and how they interact.",
		"Edge cases: empty input, concurrent access, partial failure.",
		"A channel-based approach with explicit ownership looks right.",
	}
	for _, thought := range thoughts {
		randomDelay()
		emitThinking(enc, thought)
	}
	randomDelay()
	reply := "After careful reasoning: the approach is sound and the edge cases are covered."
	emitText(enc, reply)
	emitResult(enc, started, reply)
}

// scenarioTools runs one of each tool shape so caches and reports see a
// realistic mix of frames.
func scenarioTools(enc *json.Encoder, started time.Time) {
	randomDelay()
	emitThinking(enc, "Running through the toolbox...")
	randomDelay()
	runReadTool(enc)
	randomDelay()
	runGrepTool(enc)
	randomDelay()
	id := emitToolUse(enc, "Bash", map[string]any{
		"command":     "go test ./...",
		"description": "Run all tests",
	})
	randomDelay()
	emitToolResult(enc, id, "ok  \tgithub.com/example/project\t0.042s\nPASS")
	randomDelay()
	reply := "All tools exercised successfully."
	emitText(enc, reply)
	emitResult(enc, started, reply)
}

// scenarioMulti spreads the reply across several assistant frames, the
// way a streaming agent does on a long answer.
func scenarioMulti(enc *json.Encoder, started time.Time) {
	parts := []string{
		"Part one of the answer. ",
		"Part two follows with more detail. ",
		"And part three wraps it up.",
	}
	for _, part := range parts {
		randomDelay()
		emitText(enc, part)
	}
	emitResult(enc, started, strings.Join(parts, ""))
}

// runReadTool emits a Read tool_use / tool_result pair against a real
// file from the working directory.
func runReadTool(enc *json.Encoder) {
	f := randomFile()
	id := emitToolUse(enc, "Read", map[string]any{"file_path": f.absPath})
	randomDelay()
	emitToolResult(enc, id, readFileSnippet(f.absPath, 30))
}

// runGrepTool emits a Grep tool_use / tool_result pair with hits built
// from real workspace paths.
func runGrepTool(enc *json.Encoder) {
	patterns := []string{"func ", "import ", "return ", "error"}
	pattern := patterns[toolCallCounter%len(patterns)]

	id := emitToolUse(enc, "Grep", map[string]any{"pattern": pattern})
	randomDelay()

	var hits []string
	for i, p := range randomFilePaths(3) {
		hits = append(hits, fmt.Sprintf("%s:%d:%s found here", p, (i+1)*10, strings.TrimSpace(pattern)))
	}
	emitToolResult(enc, id, strings.Join(hits, "\n"))
}
