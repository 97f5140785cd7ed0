package transport

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irislabs/iris/internal/common/config"
	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/session"
	"github.com/irislabs/iris/internal/teams"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func testBuilder(t *testing.T, sessionsDir string, mcpPort int) *Builder {
	t.Helper()
	cfg := &config.Config{}
	cfg.Sessions.Dir = sessionsDir
	cfg.Server.McpPort = mcpPort
	cfg.Agent.Executable = "claude"

	b, err := NewBuilder(cfg, testLogger(t))
	require.NoError(t, err)
	return b
}

func TestBuilder_LocalCommand(t *testing.T) {
	sessionsDir := t.TempDir()
	b := testBuilder(t, sessionsDir, 8900)

	team := teams.Team{
		Path:      "/srv/backend",
		ExtraArgs: []string{"--model", "opus"},
		Env:       []string{"FOO=bar"},
	}
	sess := &session.Session{SessionID: "11111111-2222-3333-4444-555555555555"}

	info, cleanup, err := b.Build(context.Background(), team, sess)
	require.NoError(t, err)
	assert.Nil(t, cleanup)

	assert.Equal(t, "claude", info.Executable)
	assert.Equal(t, "/srv/backend", info.WorkingDir)
	assert.Equal(t, []string{"FOO=bar"}, info.Env)

	configPath := filepath.Join(sessionsDir, sess.SessionID, "mcp-config.json")
	assert.Equal(t, []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--session-id", sess.SessionID,
		"--permission-prompt-tool", "mcp__iris__permissions__approve",
		"--mcp-config", configPath,
		"--model", "opus",
	}, info.Args)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	var doc mcpServersConfig
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Contains(t, doc.McpServers, "iris")
	assert.Equal(t, "sse", doc.McpServers["iris"].Type)
	assert.Equal(t, "http://localhost:8900/sse?session_id="+sess.SessionID, doc.McpServers["iris"].URL)
}

func TestBuilder_ResumesSessionsWithTraffic(t *testing.T) {
	b := testBuilder(t, t.TempDir(), 8900)

	team := teams.Team{Path: "/srv/backend"}
	sess := &session.Session{SessionID: "aaaa", MessageCount: 3}

	info, _, err := b.Build(context.Background(), team, sess)
	require.NoError(t, err)

	assert.Contains(t, strings.Join(info.Args, " "), "--resume aaaa")
	assert.NotContains(t, strings.Join(info.Args, " "), "--session-id")
}

func TestBuilder_TeamExecutableOverride(t *testing.T) {
	b := testBuilder(t, t.TempDir(), 8900)

	team := teams.Team{Path: "/srv/backend", Executable: "/opt/agent/bin/agent"}
	info, _, err := b.Build(context.Background(), team, &session.Session{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "/opt/agent/bin/agent", info.Executable)
}

func TestBuilder_SSHCommand(t *testing.T) {
	b := testBuilder(t, "~/.iris/sessions", 8900)

	var pushedArgs []string
	var pushedBody []byte
	b.runRemote = func(ctx context.Context, name string, args []string, stdin io.Reader) error {
		require.Equal(t, "ssh", name)
		pushedArgs = args
		var err error
		pushedBody, err = io.ReadAll(stdin)
		return err
	}

	team := teams.Team{
		Path: "/srv/edge",
		Remote: &teams.SSHConfig{
			Host:           "deploy@edge-1",
			IdentityFile:   "~/.ssh/edge",
			Port:           2222,
			Compression:    true,
			ForwardAgent:   true,
			ExtraOptions:   []string{"-o", "ConnectTimeout=10"},
			ReverseMcpPort: 8421,
		},
	}
	sess := &session.Session{SessionID: "s-remote"}

	info, cleanup, err := b.Build(context.Background(), team, sess)
	require.NoError(t, err)
	require.NotNil(t, cleanup)

	assert.Equal(t, "ssh", info.Executable)
	assert.Empty(t, info.WorkingDir)

	joined := strings.Join(info.Args, " ")
	assert.True(t, strings.HasPrefix(joined,
		"-T -o ServerAliveInterval=30 -o ServerAliveCountMax=3 -o BatchMode=yes"), joined)
	assert.Contains(t, joined, "-i ~/.ssh/edge")
	assert.Contains(t, joined, "-p 2222")
	assert.Contains(t, joined, " -C ")
	assert.Contains(t, joined, " -A ")
	assert.Contains(t, joined, "-o ConnectTimeout=10")
	assert.Contains(t, joined, "-R 8421:localhost:8900")
	assert.Contains(t, joined, "-- deploy@edge-1")

	// The last argument is the whole remote command.
	remoteCmd := info.Args[len(info.Args)-1]
	assert.True(t, strings.HasPrefix(remoteCmd, "cd /srv/edge && claude "), remoteCmd)
	assert.Contains(t, remoteCmd, "--session-id s-remote")
	assert.Contains(t, remoteCmd, "--mcp-config ~/.iris/sessions/s-remote/mcp-config.json")

	// The config was pushed over ssh and points at the reverse tunnel.
	require.NotNil(t, pushedArgs)
	assert.Contains(t, strings.Join(pushedArgs, " "),
		"mkdir -p ~/.iris/sessions/s-remote && cat > ~/.iris/sessions/s-remote/mcp-config.json")

	var doc mcpServersConfig
	require.NoError(t, json.Unmarshal(pushedBody, &doc))
	assert.Equal(t, "http://localhost:8421/sse?session_id=s-remote", doc.McpServers["iris"].URL)
}

func TestBuilder_RemoteWithoutReversePortSkipsMCP(t *testing.T) {
	b := testBuilder(t, "~/.iris/sessions", 8900)
	b.runRemote = func(ctx context.Context, name string, args []string, stdin io.Reader) error {
		t.Fatal("no remote push expected")
		return nil
	}

	team := teams.Team{
		Path:   "/srv/edge",
		Remote: &teams.SSHConfig{Host: "edge-1"},
	}

	info, cleanup, err := b.Build(context.Background(), team, &session.Session{SessionID: "s2"})
	require.NoError(t, err)
	require.NotNil(t, cleanup)

	joined := strings.Join(info.Args, " ")
	assert.NotContains(t, joined, "--mcp-config")
	assert.NotContains(t, joined, "--permission-prompt-tool")
	assert.NotContains(t, joined, "-R ")
}

func TestBuilder_CleanupCommand(t *testing.T) {
	b := testBuilder(t, "~/.iris/sessions", 8900)

	team := teams.Team{
		Path:   "/srv/edge",
		Remote: &teams.SSHConfig{Host: "edge-1"},
	}

	rc := b.CleanupCommand(team, "s3")
	require.NotNil(t, rc)
	assert.Equal(t, "ssh", rc.Executable)
	assert.Equal(t, "rm -rf ~/.iris/sessions/s3", rc.Args[len(rc.Args)-1])

	assert.Nil(t, b.CleanupCommand(teams.Team{Path: "/local"}, "s3"))
}

func TestBuilder_ForkCommand(t *testing.T) {
	b := testBuilder(t, "~/.iris/sessions", 8900)
	sess := &session.Session{SessionID: "abc-123"}

	local := teams.Team{Path: "/srv/app"}
	assert.Equal(t, "cd /srv/app && claude --resume abc-123", b.ForkCommand(local, sess))

	spaced := teams.Team{Path: "/srv/my app"}
	assert.Equal(t, "cd '/srv/my app' && claude --resume abc-123", b.ForkCommand(spaced, sess))

	remote := teams.Team{
		Path: "/srv/edge",
		Remote: &teams.SSHConfig{
			Host:         "deploy@edge-1",
			IdentityFile: "~/.ssh/edge",
			Port:         2222,
		},
	}
	assert.Equal(t,
		"ssh -t -i ~/.ssh/edge -p 2222 deploy@edge-1 'cd /srv/edge && claude --resume abc-123'",
		b.ForkCommand(remote, sess))
}

func TestBuilder_RemoteEnvAssignments(t *testing.T) {
	b := testBuilder(t, "~/.iris/sessions", 8900)

	team := teams.Team{
		Path:   "/srv/edge",
		Remote: &teams.SSHConfig{Host: "edge-1"},
		Env:    []string{"API_KEY=secret value"},
	}

	info, _, err := b.Build(context.Background(), team, &session.Session{SessionID: "s4"})
	require.NoError(t, err)

	remoteCmd := info.Args[len(info.Args)-1]
	assert.Contains(t, remoteCmd, "API_KEY='secret value' claude")
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"/srv/app-v2", "/srv/app-v2"},
		{"~/.iris/sessions", "~/.iris/sessions"},
		{"--session-id", "--session-id"},
		{"", "''"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"a$b", "'a$b'"},
		{"`cmd`", "'`cmd`'"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, shellQuote(tt.in), "quoting %q", tt.in)
	}
}

func TestCommandInfoString(t *testing.T) {
	info := CommandInfo{
		Executable: "claude",
		Args:       []string{"--verbose", "--mcp-config", "/tmp/a b/mcp.json"},
	}
	assert.Equal(t, "claude --verbose --mcp-config '/tmp/a b/mcp.json'", info.String())
}

func TestSnapshot(t *testing.T) {
	team := teams.Team{
		Path:           "/srv/edge",
		PermissionMode: teams.PermissionAsk,
		Remote:         &teams.SSHConfig{Host: "edge-1"},
	}
	info := CommandInfo{Executable: "ssh", Args: []string{"-T", "edge-1"}}

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(Snapshot("edge", team, info)), &doc))
	assert.Equal(t, "edge", doc["team"])
	assert.Equal(t, "/srv/edge", doc["path"])
	assert.Equal(t, "ask", doc["permissionMode"])
	assert.Equal(t, "edge-1", doc["remoteHost"])
}
