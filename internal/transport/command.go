package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/irislabs/iris/internal/common/config"
	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/session"
	"github.com/irislabs/iris/internal/teams"
)

const (
	defaultAgentExecutable = "claude"
	mcpConfigFileName      = "mcp-config.json"

	// permissionPromptTool is the fully qualified MCP tool name the agent
	// calls to have Iris arbitrate a permission request.
	permissionPromptTool = "mcp__iris__permissions__approve"

	// remoteExecTimeout bounds the ssh side calls that push and remove
	// per-session artifacts on remote hosts.
	remoteExecTimeout = 15 * time.Second
)

// CommandInfo describes how to launch one agent child.
type CommandInfo struct {
	Executable string
	Args       []string
	// WorkingDir is set for local children only; remote commands change
	// directory inside the wrapped shell string.
	WorkingDir string
	// Env holds extra KEY=VALUE pairs appended to the parent environment.
	Env []string
}

// String renders the launch command the way a shell would accept it.
func (c CommandInfo) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, shellQuote(c.Executable))
	for _, arg := range c.Args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// RemoteCleanup removes a session's artifacts from a remote host. It is
// built alongside the launch command so termination and session deletion
// can unlink the pushed MCP config even without a live transport.
type RemoteCleanup struct {
	Executable string
	Args       []string
	Timeout    time.Duration
}

// Run executes the cleanup. It uses its own deadline so a cancelled
// shutdown context does not skip artifact removal.
func (rc *RemoteCleanup) Run(log *logger.Logger) error {
	timeout := rc.Timeout
	if timeout <= 0 {
		timeout = remoteExecTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runCommand(ctx, rc.Executable, rc.Args, nil); err != nil {
		log.Warn("remote artifact cleanup failed", zap.Error(err))
		return err
	}
	return nil
}

// Builder assembles agent launch commands and the per-session MCP config
// artifacts they reference.
type Builder struct {
	localSessionsDir  string
	remoteSessionsDir string
	mcpPort           int
	agentExecutable   string
	agentExtraArgs    []string
	sshExecutable     string
	logger            *logger.Logger

	// runRemote is swapped out in tests to avoid real ssh invocations.
	runRemote func(ctx context.Context, name string, args []string, stdin io.Reader) error
}

// NewBuilder derives a command builder from the server configuration.
func NewBuilder(cfg *config.Config, log *logger.Logger) (*Builder, error) {
	localDir, err := cfg.Sessions.ExpandedSessionsDir()
	if err != nil {
		return nil, fmt.Errorf("resolve sessions dir: %w", err)
	}

	exe := cfg.Agent.Executable
	if exe == "" {
		exe = defaultAgentExecutable
	}

	return &Builder{
		localSessionsDir: localDir,
		// Remote hosts get the unexpanded form: a leading ~ resolves in
		// the remote shell, against the remote home.
		remoteSessionsDir: cfg.Sessions.Dir,
		mcpPort:           cfg.Server.McpPort,
		agentExecutable:   exe,
		agentExtraArgs:    cfg.Agent.ExtraArgs,
		sshExecutable:     "ssh",
		logger:            log.WithFields(zap.String("component", "command-builder")),
		runRemote:         runCommand,
	}, nil
}

// Build assembles the launch command for a session's agent child and
// writes the MCP config artifact it references. For remote teams the
// artifact is pushed over ssh and a cleanup command is returned with the
// launch command.
func (b *Builder) Build(ctx context.Context, team teams.Team, sess *session.Session) (CommandInfo, *RemoteCleanup, error) {
	if team.IsRemote() {
		return b.buildRemote(ctx, team, sess)
	}
	return b.buildLocal(team, sess)
}

func (b *Builder) buildLocal(team teams.Team, sess *session.Session) (CommandInfo, *RemoteCleanup, error) {
	mcpPath, err := b.writeLocalConfig(sess.SessionID)
	if err != nil {
		return CommandInfo{}, nil, err
	}

	info := CommandInfo{
		Executable: b.executable(team),
		Args:       b.agentArgs(team, sess, mcpPath),
		WorkingDir: team.Path,
		Env:        team.Env,
	}
	return info, nil, nil
}

func (b *Builder) buildRemote(ctx context.Context, team teams.Team, sess *session.Session) (CommandInfo, *RemoteCleanup, error) {
	var mcpPath string
	if team.Remote.ReverseMcpPort > 0 {
		remotePath, err := b.pushRemoteConfig(ctx, team, sess.SessionID)
		if err != nil {
			return CommandInfo{}, nil, fmt.Errorf("push remote mcp config: %w", err)
		}
		mcpPath = remotePath
	} else {
		// Without a reverse tunnel the remote agent cannot reach this
		// server, so it gets no MCP wiring and arbitrates nothing.
		b.logger.Warn("remote team has no reverseMcpPort; agent runs without permission arbitration",
			zap.String("host", team.Remote.Host))
	}

	sshArgs := sshConnectionArgs(team.Remote)
	if team.Remote.ReverseMcpPort > 0 {
		sshArgs = append(sshArgs, "-R", fmt.Sprintf("%d:localhost:%d", team.Remote.ReverseMcpPort, b.mcpPort))
	}
	sshArgs = append(sshArgs, "--", team.Remote.Host,
		remoteCommand(team, b.executable(team), b.agentArgs(team, sess, mcpPath)))

	info := CommandInfo{
		Executable: b.sshExecutable,
		Args:       sshArgs,
	}
	return info, b.CleanupCommand(team, sess.SessionID), nil
}

func (b *Builder) executable(team teams.Team) string {
	if team.Executable != "" {
		return team.Executable
	}
	return b.agentExecutable
}

// agentArgs assembles the agent argv: stream-JSON stdio, the session
// identity (fresh sessions are named, resumed ones resumed), permission
// arbitration wiring, then configured extras.
func (b *Builder) agentArgs(team teams.Team, sess *session.Session, mcpConfigPath string) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}

	if sess.MessageCount > 0 {
		args = append(args, "--resume", sess.SessionID)
	} else {
		args = append(args, "--session-id", sess.SessionID)
	}

	if mcpConfigPath != "" {
		args = append(args,
			"--permission-prompt-tool", permissionPromptTool,
			"--mcp-config", mcpConfigPath,
		)
	}

	args = append(args, b.agentExtraArgs...)
	args = append(args, team.ExtraArgs...)
	return args
}

// writeLocalConfig writes <sessionsDir>/<sessionID>/mcp-config.json and
// returns its path. The file points the agent back at this server's MCP
// endpoint.
func (b *Builder) writeLocalConfig(sessionID string) (string, error) {
	dir := filepath.Join(b.localSessionsDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	data, err := mcpConfigJSON(b.mcpPort, sessionID)
	if err != nil {
		return "", err
	}

	configPath := filepath.Join(dir, mcpConfigFileName)
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return configPath, nil
}

// pushRemoteConfig writes the MCP config under the remote sessions dir
// via ssh and returns the remote path. The URL points at the remote end
// of the reverse tunnel.
func (b *Builder) pushRemoteConfig(ctx context.Context, team teams.Team, sessionID string) (string, error) {
	data, err := mcpConfigJSON(team.Remote.ReverseMcpPort, sessionID)
	if err != nil {
		return "", err
	}

	dir := path.Join(b.remoteSessionsDir, sessionID)
	configPath := path.Join(dir, mcpConfigFileName)
	pushCmd := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(dir), shellQuote(configPath))

	args := sshConnectionArgs(team.Remote)
	args = append(args, "--", team.Remote.Host, pushCmd)

	execCtx, cancel := context.WithTimeout(ctx, remoteExecTimeout)
	defer cancel()
	if err := b.runRemote(execCtx, b.sshExecutable, args, bytes.NewReader(data)); err != nil {
		return "", err
	}

	b.logger.Debug("pushed remote mcp config",
		zap.String("host", team.Remote.Host),
		zap.String("path", configPath))
	return configPath, nil
}

// CleanupCommand returns the ssh command that removes a session's remote
// artifacts, or nil for local teams.
func (b *Builder) CleanupCommand(team teams.Team, sessionID string) *RemoteCleanup {
	if !team.IsRemote() {
		return nil
	}

	args := sshConnectionArgs(team.Remote)
	args = append(args, "--", team.Remote.Host,
		"rm -rf "+shellQuote(path.Join(b.remoteSessionsDir, sessionID)))

	return &RemoteCleanup{
		Executable: b.sshExecutable,
		Args:       args,
		Timeout:    remoteExecTimeout,
	}
}

// ForkCommand renders a copy-pasteable shell command that opens the
// same conversation interactively in a new terminal. Unlike the spawn
// wrapper this allocates a PTY for remote teams and skips the
// stream-JSON plumbing; the agent resumes by session id.
func (b *Builder) ForkCommand(team teams.Team, sess *session.Session) string {
	local := fmt.Sprintf("cd %s && %s --resume %s",
		shellQuote(team.Path), shellQuote(b.executable(team)), sess.SessionID)
	if !team.IsRemote() {
		return local
	}

	parts := []string{b.sshExecutable, "-t"}
	if team.Remote.IdentityFile != "" {
		parts = append(parts, "-i", shellQuote(team.Remote.IdentityFile))
	}
	if team.Remote.Port > 0 {
		parts = append(parts, "-p", strconv.Itoa(team.Remote.Port))
	}
	parts = append(parts, team.Remote.Host, shellQuote(local))
	return strings.Join(parts, " ")
}

// Snapshot renders the launch configuration as JSON for the session's
// debug fields.
func Snapshot(teamName string, team teams.Team, cmd CommandInfo) string {
	doc := struct {
		Team           string   `json:"team"`
		Path           string   `json:"path"`
		PermissionMode string   `json:"permissionMode"`
		RemoteHost     string   `json:"remoteHost,omitempty"`
		Executable     string   `json:"executable"`
		Args           []string `json:"args"`
	}{
		Team:           teamName,
		Path:           team.Path,
		PermissionMode: team.PermissionMode,
		Executable:     cmd.Executable,
		Args:           cmd.Args,
	}
	if team.Remote != nil {
		doc.RemoteHost = team.Remote.Host
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(data)
}

type mcpServersConfig struct {
	McpServers map[string]mcpServerEntry `json:"mcpServers"`
}

type mcpServerEntry struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

func mcpConfigJSON(port int, sessionID string) ([]byte, error) {
	// The session id rides the URL so the server can attribute tool
	// calls (the permission prompt above all) to the calling child
	// without the agent having to know its own session.
	doc := mcpServersConfig{
		McpServers: map[string]mcpServerEntry{
			"iris": {
				Type: "sse",
				URL:  fmt.Sprintf("http://localhost:%d/sse?session_id=%s", port, url.QueryEscape(sessionID)),
			},
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal mcp config: %w", err)
	}
	return append(data, '\n'), nil
}

// sshConnectionArgs builds the option set shared by the spawn wrapper and
// the artifact side calls: no PTY, keepalives, and strictly
// non-interactive auth.
func sshConnectionArgs(ssh *teams.SSHConfig) []string {
	args := []string{
		"-T",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-o", "BatchMode=yes",
	}
	if ssh.IdentityFile != "" {
		args = append(args, "-i", ssh.IdentityFile)
	}
	if ssh.Port > 0 {
		args = append(args, "-p", strconv.Itoa(ssh.Port))
	}
	if ssh.Compression {
		args = append(args, "-C")
	}
	if ssh.ForwardAgent {
		args = append(args, "-A")
	}
	args = append(args, ssh.ExtraOptions...)
	return args
}

// remoteCommand renders the single shell string executed on the remote
// host: cd into the team path, apply env overrides, launch the agent.
func remoteCommand(team teams.Team, executable string, args []string) string {
	parts := []string{"cd", shellQuote(team.Path), "&&"}
	for _, kv := range team.Env {
		parts = append(parts, shellQuoteAssignment(kv))
	}
	parts = append(parts, shellQuote(executable))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// shellSafe matches strings that need no quoting. ~ is deliberately in
// the set so home-relative paths still expand on the remote side.
var shellSafe = regexp.MustCompile(`^[A-Za-z0-9@%+=:,./~_-]+$`)

// shellQuote single-quotes s for a POSIX shell unless it is already
// safe. An embedded single quote becomes the sequence '\''.
func shellQuote(s string) string {
	if s != "" && shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellQuoteAssignment quotes the value half of a KEY=VALUE pair so the
// assignment survives the remote shell.
func shellQuoteAssignment(kv string) string {
	key, value, found := strings.Cut(kv, "=")
	if !found {
		return shellQuote(kv)
	}
	return key + "=" + shellQuote(value)
}

func runCommand(ctx context.Context, name string, args []string, stdin io.Reader) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
