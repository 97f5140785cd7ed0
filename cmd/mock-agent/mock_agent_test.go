package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/irislabs/iris/pkg/streamjson"
)

// withIdentity pins the process globals for a test and restores them.
func withIdentity(t *testing.T, session, model string) {
	t.Helper()
	prevSession, prevModel := agentSession, agentModel
	agentSession, agentModel = session, model
	t.Cleanup(func() {
		agentSession, agentModel = prevSession, prevModel
	})
}

// runPrompt feeds one prompt through handleTurn and parses every frame
// written in response.
func runPrompt(t *testing.T, prompt string) []*streamjson.Frame {
	t.Helper()
	withIdentity(t, "sess-test", "mock-fast")

	var out bytes.Buffer
	handleTurn(json.NewEncoder(&out), prompt)

	var frames []*streamjson.Frame
	scanner := bufio.NewScanner(&out)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		frame, err := streamjson.ParseLine(scanner.Bytes())
		if err != nil {
			t.Fatalf("unparseable frame %q: %v", scanner.Text(), err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantModel   string
		wantSession string
	}{
		{
			name:        "defaults",
			args:        []string{"mock-agent"},
			wantModel:   "mock-default",
			wantSession: "pid-fallback",
		},
		{
			name:        "model flag",
			args:        []string{"mock-agent", "--model", "mock-slow"},
			wantModel:   "mock-slow",
			wantSession: "pid-fallback",
		},
		{
			name:        "model equals syntax",
			args:        []string{"mock-agent", "--model=mock-fast"},
			wantModel:   "mock-fast",
			wantSession: "pid-fallback",
		},
		{
			name:        "session id among agent flags",
			args:        []string{"mock-agent", "--input-format", "stream-json", "--session-id", "sess-7", "--verbose"},
			wantModel:   "mock-default",
			wantSession: "sess-7",
		},
		{
			name:        "resume sets the session",
			args:        []string{"mock-agent", "--resume", "sess-9"},
			wantModel:   "mock-default",
			wantSession: "sess-9",
		},
		{
			name:        "dangling flag without value",
			args:        []string{"mock-agent", "--session-id"},
			wantModel:   "mock-default",
			wantSession: "pid-fallback",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withIdentity(t, "pid-fallback", "mock-default")
			parseArgs(tt.args)
			if agentModel != tt.wantModel {
				t.Errorf("parseArgs(%v) model = %q, want %q", tt.args, agentModel, tt.wantModel)
			}
			if agentSession != tt.wantSession {
				t.Errorf("parseArgs(%v) session = %q, want %q", tt.args, agentSession, tt.wantSession)
			}
		})
	}
}

func TestEmitInit(t *testing.T) {
	withIdentity(t, "sess-init", "mock-fast")

	var out bytes.Buffer
	emitInit(json.NewEncoder(&out))

	frame, err := streamjson.ParseLine(out.Bytes())
	if err != nil {
		t.Fatalf("parse init frame: %v", err)
	}
	if !frame.IsInit() {
		t.Errorf("init frame not recognized: type=%q subtype=%q", frame.Type, frame.Subtype)
	}
	if frame.SessionID != "sess-init" {
		t.Errorf("init session_id = %q, want sess-init", frame.SessionID)
	}
	if frame.Model != "mock-fast" {
		t.Errorf("init model = %q, want mock-fast", frame.Model)
	}
}

func TestDefaultTurnEndsWithResult(t *testing.T) {
	frames := runPrompt(t, "hello over there")

	if len(frames) < 2 {
		t.Fatalf("expected at least 2 frames, got %d", len(frames))
	}
	last := frames[len(frames)-1]
	if !last.IsResult() {
		t.Fatalf("last frame type = %q, want result", last.Type)
	}
	if last.IsError {
		t.Error("default turn should not be an error")
	}
	if last.SessionID != "sess-test" {
		t.Errorf("result session_id = %q, want sess-test", last.SessionID)
	}

	var text string
	for _, f := range frames {
		if f.Type == streamjson.TypeAssistant {
			text += f.TextContent()
		}
	}
	if !bytes.Contains([]byte(text), []byte("hello over there")) {
		t.Errorf("assistant text %q does not quote the prompt", text)
	}
}

func TestErrorTurn(t *testing.T) {
	frames := runPrompt(t, "/error disk on fire")

	last := frames[len(frames)-1]
	if !last.IsResult() || !last.IsError {
		t.Fatalf("want error result, got type=%q is_error=%v", last.Type, last.IsError)
	}
	if last.Subtype != streamjson.SubtypeError {
		t.Errorf("result subtype = %q, want %q", last.Subtype, streamjson.SubtypeError)
	}
	if got := last.ResultText(); got != "disk on fire" {
		t.Errorf("result text = %q, want the directive detail", got)
	}
}

func TestSilentTurnEmitsNothing(t *testing.T) {
	frames := runPrompt(t, "/silent")
	if len(frames) != 0 {
		t.Errorf("silent turn emitted %d frames, want 0", len(frames))
	}
}

func TestStallTurnHasNoResult(t *testing.T) {
	frames := runPrompt(t, "/stall")
	if len(frames) == 0 {
		t.Fatal("stall turn should emit partial output")
	}
	for _, f := range frames {
		if f.IsResult() {
			t.Error("stall turn must not emit a result frame")
		}
	}
}

func TestToolsTurnCarriesToolFrames(t *testing.T) {
	frames := runPrompt(t, "/tools")

	var sawToolUse, sawToolResult bool
	for _, f := range frames {
		for _, block := range f.Message.ContentBlocks() {
			switch block.Type {
			case "tool_use":
				sawToolUse = true
			case "tool_result":
				sawToolResult = true
			}
		}
	}
	if !sawToolUse || !sawToolResult {
		t.Errorf("tools turn missing frames: tool_use=%v tool_result=%v", sawToolUse, sawToolResult)
	}
	if !frames[len(frames)-1].IsResult() {
		t.Error("tools turn should end with a result")
	}
}

func TestSlowTurnHonorsDuration(t *testing.T) {
	start := time.Now()
	frames := runPrompt(t, "/slow 250ms")
	elapsed := time.Since(start)

	if elapsed < 250*time.Millisecond {
		t.Errorf("slow turn finished in %s, want at least 250ms", elapsed)
	}
	if !frames[len(frames)-1].IsResult() {
		t.Error("slow turn should end with a result")
	}
}

func TestCommandTurnAcknowledges(t *testing.T) {
	frames := runPrompt(t, "/compact")

	last := frames[len(frames)-1]
	if !last.IsResult() || last.IsError {
		t.Fatalf("command turn should succeed, got type=%q is_error=%v", last.Type, last.IsError)
	}
	var text string
	for _, f := range frames {
		if f.Type == streamjson.TypeAssistant {
			text += f.TextContent()
		}
	}
	if !bytes.Contains([]byte(text), []byte("/compact")) {
		t.Errorf("command acknowledgment %q does not name the command", text)
	}
}

func TestReadFileSnippet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	if err := os.WriteFile(path, []byte("line1\nline2\nline3\nline4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := readFileSnippet(path, 2); got != "line1\nline2\n" {
		t.Errorf("readFileSnippet(path, 2) = %q", got)
	}
	if got := readFileSnippet(path, 100); got != "line1\nline2\nline3\nline4\n" {
		t.Errorf("readFileSnippet(path, 100) = %q", got)
	}
	if got := readFileSnippet("/nonexistent/file.txt", 10); got != "// (file not readable)\n" {
		t.Errorf("readFileSnippet(missing) = %q, want fallback", got)
	}
}

func TestDiscoverFiles(t *testing.T) {
	workspaceFiles = nil
	t.Cleanup(func() { workspaceFiles = nil })

	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })

	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	for _, f := range []struct{ name, content string }{
		{"main.go", "package main"},
		{"notes.md", "# notes"},
		{"image.png", "fake png"},
	} {
		if err := os.WriteFile(filepath.Join(dir, f.name), []byte(f.content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node_modules", "lib.js"), []byte("//"), 0o644); err != nil {
		t.Fatal(err)
	}

	found := map[string]bool{}
	for _, f := range discoverFiles() {
		found[filepath.Base(f.absPath)] = true
	}

	if !found["main.go"] || !found["notes.md"] {
		t.Errorf("expected main.go and notes.md, found %v", found)
	}
	if found["image.png"] {
		t.Error("should not pick up non-text extensions")
	}
	if found["lib.js"] {
		t.Error("should not descend into node_modules")
	}
}
