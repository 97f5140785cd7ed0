package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/orchestrator"
)

func registerTools(s *server.MCPServer, orch *orchestrator.Orchestrator, cfg Config, log *logger.Logger) {
	// Messaging tools
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription(
				"Send a message to another team's agent and wait for its reply. "+
					"The conversation is persistent: the same (from_team, to_team) pair always "+
					"reaches the same agent session.\n"+
					"timeout_ms controls how long YOU wait, never how long the agent works: "+
					"-1 returns immediately (poll the session cache for the result), "+
					"0 waits until the agent finishes, a positive value waits that long and "+
					"then returns mcp_timeout while the agent keeps going.",
			),
			mcp.WithString("from_team",
				mcp.Required(),
				mcp.Description("Your team name"),
			),
			mcp.WithString("to_team",
				mcp.Required(),
				mcp.Description("The team whose agent receives the message"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message text"),
			),
			mcp.WithNumber("timeout_ms",
				mcp.Description("How long to wait for the reply in milliseconds: -1 async, 0 indefinite, positive bounded (default 30000)"),
			),
		),
		sendMessageHandler(orch, cfg, log),
	)

	s.AddTool(
		mcp.NewTool("quick_message",
			mcp.WithDescription(
				"Send a message without waiting for the reply. Returns the cache entry id "+
					"to poll; equivalent to send_message with timeout_ms=-1.",
			),
			mcp.WithString("from_team", mcp.Required(), mcp.Description("Your team name")),
			mcp.WithString("to_team", mcp.Required(), mcp.Description("The team whose agent receives the message")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The message text")),
		),
		fixedTimeoutHandler(orch, log, -time.Millisecond),
	)

	s.AddTool(
		mcp.NewTool("ask_message",
			mcp.WithDescription(
				"Send a message and wait for the reply however long it takes; "+
					"equivalent to send_message with timeout_ms=0.",
			),
			mcp.WithString("from_team", mcp.Required(), mcp.Description("Your team name")),
			mcp.WithString("to_team", mcp.Required(), mcp.Description("The team whose agent receives the message")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The message text")),
		),
		fixedTimeoutHandler(orch, log, 0),
	)

	// Session tools
	s.AddTool(
		mcp.NewTool("session_report",
			mcp.WithDescription("Summarize a session: its state, cache counters, recent messages and live process, if any."),
			mcp.WithString("from_team", mcp.Required(), mcp.Description("The session's originating team")),
			mcp.WithString("to_team", mcp.Required(), mcp.Description("The session's target team")),
			mcp.WithNumber("limit", mcp.Description("How many recent messages to include (default 20)")),
		),
		sessionReportHandler(orch, log),
	)

	s.AddTool(
		mcp.NewTool("session_cancel",
			mcp.WithDescription("Cancel the tell currently in flight on a session. The agent stays alive and ready for the next message."),
			mcp.WithString("from_team", mcp.Required(), mcp.Description("The session's originating team")),
			mcp.WithString("to_team", mcp.Required(), mcp.Description("The session's target team")),
		),
		sessionCancelHandler(orch, log),
	)

	s.AddTool(
		mcp.NewTool("session_reboot",
			mcp.WithDescription("Destroy a session and start a fresh one. The conversation history and the agent's memory of it are gone."),
			mcp.WithString("from_team", mcp.Required(), mcp.Description("The session's originating team")),
			mcp.WithString("to_team", mcp.Required(), mcp.Description("The session's target team")),
		),
		sessionRebootHandler(orch, log),
	)

	s.AddTool(
		mcp.NewTool("session_delete",
			mcp.WithDescription("Destroy a session without recreating it: terminates the agent, drops the cache and removes the stored row."),
			mcp.WithString("from_team", mcp.Required(), mcp.Description("The session's originating team")),
			mcp.WithString("to_team", mcp.Required(), mcp.Description("The session's target team")),
		),
		sessionDeleteHandler(orch, log),
	)

	s.AddTool(
		mcp.NewTool("session_fork",
			mcp.WithDescription("Render the shell command that opens the session's conversation interactively in a terminal. Changes nothing."),
			mcp.WithString("from_team", mcp.Required(), mcp.Description("The session's originating team")),
			mcp.WithString("to_team", mcp.Required(), mcp.Description("The session's target team")),
		),
		sessionForkHandler(orch, log),
	)

	// Team tools
	s.AddTool(
		mcp.NewTool("list_teams",
			mcp.WithDescription("List the configured teams."),
		),
		listTeamsHandler(orch),
	)

	s.AddTool(
		mcp.NewTool("team_status",
			mcp.WithDescription("Describe one team, or every team when omitted, including the live agent processes serving it."),
			mcp.WithString("team", mcp.Description("Team name; omit for all teams")),
		),
		teamStatusHandler(orch, log),
	)

	s.AddTool(
		mcp.NewTool("team_wake",
			mcp.WithDescription("Start a team's agent for this pair without sending it anything."),
			mcp.WithString("from_team", mcp.Required(), mcp.Description("Your team name")),
			mcp.WithString("to_team", mcp.Required(), mcp.Description("The team whose agent to start")),
		),
		teamWakeHandler(orch, log),
	)

	s.AddTool(
		mcp.NewTool("team_sleep",
			mcp.WithDescription("Stop a team's agent for this pair. The session and its history survive; the next message starts a fresh process."),
			mcp.WithString("from_team", mcp.Required(), mcp.Description("Your team name")),
			mcp.WithString("to_team", mcp.Required(), mcp.Description("The team whose agent to stop")),
		),
		teamSleepHandler(orch, log),
	)

	s.AddTool(
		mcp.NewTool("team_wake_all",
			mcp.WithDescription("Start the agents of every active session originating from a team."),
			mcp.WithString("from_team", mcp.Required(), mcp.Description("The originating team")),
		),
		teamWakeAllHandler(orch, log),
	)

	// Permission prompt tool; the agent is launched with
	// --permission-prompt-tool pointing here.
	s.AddTool(
		mcp.NewTool("permissions__approve",
			mcp.WithDescription(
				"Arbitrate a tool-use request against the target team's permission "+
					"mode. Called automatically by the agent runtime; returns the "+
					"permission-prompt JSON verdict.",
			),
			mcp.WithString("tool_name", mcp.Required(), mcp.Description("The tool the agent wants to use")),
			mcp.WithObject("input", mcp.Description("The tool input, echoed back on approval")),
			mcp.WithString("reason", mcp.Description("Why the agent wants to use the tool")),
			mcp.WithString("session_id", mcp.Description("Calling session; normally inferred from the connection")),
		),
		permissionPromptHandler(orch, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 14))
}

// toolJSON renders any value as an indented JSON text result.
func toolJSON(v any) *mcp.CallToolResult {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(formatted))
}

// sendResult renders a send outcome: plain text on success, the
// structured status object otherwise.
func sendResult(res *orchestrator.SendResult) *mcp.CallToolResult {
	if res.Success() {
		return mcp.NewToolResultText(res.Text)
	}
	return toolJSON(res)
}

func requirePair(req mcp.CallToolRequest) (string, string, error) {
	fromTeam, err := req.RequireString("from_team")
	if err != nil {
		return "", "", err
	}
	toTeam, err := req.RequireString("to_team")
	if err != nil {
		return "", "", err
	}
	return fromTeam, toTeam, nil
}

func sendMessageHandler(orch *orchestrator.Orchestrator, cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromTeam, toTeam, err := requirePair(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		timeoutMs := req.GetInt("timeout_ms", int(cfg.DefaultSendTimeout.Milliseconds()))
		timeout, err := orchestrator.ParseTimeout(int64(timeoutMs))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, err := orch.SendMessage(ctx, fromTeam, toTeam, message, timeout)
		if err != nil {
			log.Error("send_message failed",
				zap.String("from_team", fromTeam),
				zap.String("to_team", toTeam),
				zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return sendResult(res), nil
	}
}

func fixedTimeoutHandler(orch *orchestrator.Orchestrator, log *logger.Logger, timeout time.Duration) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromTeam, toTeam, err := requirePair(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, err := orch.SendMessage(ctx, fromTeam, toTeam, message, timeout)
		if err != nil {
			log.Error("message failed",
				zap.String("from_team", fromTeam),
				zap.String("to_team", toTeam),
				zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return sendResult(res), nil
	}
}

func sessionReportHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromTeam, toTeam, err := requirePair(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		rep, err := orch.Report(ctx, fromTeam, toTeam, req.GetInt("limit", 0))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(rep), nil
	}
}

func sessionCancelHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromTeam, toTeam, err := requirePair(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		cancelled, err := orch.Cancel(ctx, fromTeam, toTeam)
		if err != nil {
			log.Error("session_cancel failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(map[string]any{"cancelled": cancelled}), nil
	}
}

func sessionRebootHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromTeam, toTeam, err := requirePair(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sess, err := orch.Reboot(ctx, fromTeam, toTeam)
		if err != nil {
			log.Error("session_reboot failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(sess), nil
	}
}

func sessionDeleteHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromTeam, toTeam, err := requirePair(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := orch.DeleteSession(ctx, fromTeam, toTeam); err != nil {
			log.Error("session_delete failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("session %s→%s deleted", fromTeam, toTeam)), nil
	}
}

func sessionForkHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromTeam, toTeam, err := requirePair(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		fork, err := orch.Fork(ctx, fromTeam, toTeam)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(fork), nil
	}
}

func listTeamsHandler(orch *orchestrator.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return toolJSON(orch.Teams()), nil
	}
}

func teamStatusHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, err := orch.TeamStatus(req.GetString("team", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(status), nil
	}
}

func teamWakeHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromTeam, toTeam, err := requirePair(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sess, info, err := orch.Wake(ctx, fromTeam, toTeam)
		if err != nil {
			log.Error("team_wake failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(map[string]any{"session": sess, "transport": info}), nil
	}
}

func teamSleepHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromTeam, toTeam, err := requirePair(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		stopped, err := orch.Sleep(ctx, fromTeam, toTeam)
		if err != nil {
			log.Error("team_sleep failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(map[string]any{"stopped": stopped}), nil
	}
}

func teamWakeAllHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromTeam, err := req.RequireString("from_team")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		results, err := orch.WakeAll(ctx, fromTeam)
		if err != nil {
			log.Error("team_wake_all failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(results), nil
	}
}

// permissionPromptHandler answers the agent runtime's permission prompt.
// The verdict is always well-formed prompt JSON, even for bad requests,
// because the runtime treats anything else as a broken prompt tool.
func permissionPromptHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		deny := func(msg string) *mcp.CallToolResult {
			return toolJSON(map[string]any{"behavior": "deny", "message": msg})
		}

		sessionID := req.GetString("session_id", "")
		if sessionID == "" {
			sessionID = sessionIDFromContext(ctx)
		}
		if sessionID == "" {
			return deny("no session identity on this connection"), nil
		}

		toolName, err := req.RequireString("tool_name")
		if err != nil {
			return deny("tool_name is required"), nil
		}

		inputRaw := req.GetArguments()["input"]
		var inputJSON string
		if inputRaw != nil {
			if data, merr := json.Marshal(inputRaw); merr == nil {
				inputJSON = string(data)
			}
		}

		dec := orch.Permission(ctx, sessionID, toolName, inputJSON, req.GetString("reason", ""))
		log.Info("permission verdict",
			zap.String("session_id", sessionID),
			zap.String("tool", toolName),
			zap.Bool("allow", dec.Allow),
			zap.String("mode", dec.Mode))

		if !dec.Allow {
			return deny(dec.Message), nil
		}
		if inputRaw == nil {
			inputRaw = map[string]any{}
		}
		return toolJSON(map[string]any{"behavior": "allow", "updatedInput": inputRaw}), nil
	}
}
