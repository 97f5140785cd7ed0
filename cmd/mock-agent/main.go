// Package main implements a mock agent binary that speaks the stream-json
// protocol over stdin/stdout. It stands in for the real agent CLI in
// development and e2e tests: it answers the spawn ping with the init
// handshake, generates simulated responses for ordinary tells, and offers
// directive prompts (/slow, /error, /stall, ...) that reproduce the failure
// modes the server has to survive.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/irislabs/iris/pkg/streamjson"
)

// agentSession is the session identity reported in the init frame. The
// launch argv overrides it; the PID fallback keeps parallel ad-hoc runs
// distinguishable.
var agentSession = fmt.Sprintf("mock-session-%d", os.Getpid())

// agentModel selects the response pacing and is echoed on every frame.
var agentModel = "mock-default"

func main() {
	parseArgs(os.Args)

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)

	initSent := false
	for scanner.Scan() {
		line := scanner.Bytes()
		// A cancel is a bare ESC byte with no newline of its own, so it
		// arrives glued to the front of the next frame.
		for len(line) > 0 && line[0] == 0x1B {
			line = line[1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		frame, err := streamjson.ParseLine(line)
		if err != nil || frame.Type != streamjson.TypeUser {
			continue
		}

		if !initSent {
			emitInit(enc)
			initSent = true
		}
		handleTurn(enc, strings.TrimSpace(frame.TextContent()))
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// parseArgs walks the launch argv by hand: the server passes flags meant
// for the real agent CLI (--input-format, --mcp-config, ...) and a flag
// package would choke on them. Only the identity and model flags matter
// here; everything else is accepted and ignored.
func parseArgs(args []string) {
	value := func(i int, name string) (string, bool) {
		arg := args[i]
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v, true
		}
		if arg == name && i+1 < len(args) {
			return args[i+1], true
		}
		return "", false
	}

	for i := 1; i < len(args); i++ {
		if v, ok := value(i, "--model"); ok {
			agentModel = v
		}
		if v, ok := value(i, "--session-id"); ok {
			agentSession = v
		}
		if v, ok := value(i, "--resume"); ok {
			agentSession = v
		}
	}
}
