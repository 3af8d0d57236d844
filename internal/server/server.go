// Package server exposes the execution engine as an MCP (Model Context
// Protocol) stdio server with a single shell_execute tool. The transport
// layer stays thin: argument decoding and output shaping happen here, every
// security decision happens in the executor.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/shellfence/internal/executor"
	"github.com/jkaninda/shellfence/internal/policy"
)

const toolName = "shell_execute"

// Shell job-control noise emitted by interactive shells without a TTY.
// Filtered from the stderr surfaced to MCP clients; the payload stderr
// inside the result is untouched.
var stderrNoise = []string{
	"cannot set terminal process group",
	"no job control in this shell",
}

// Server is the MCP stdio server.
type Server struct {
	executor *executor.Executor
	logger   *slog.Logger
	mcp      *mcpserver.MCPServer
}

// New creates the MCP server and registers the shell_execute tool. The tool
// description advertises the allowed commands so clients can present them.
func New(exec *executor.Executor, pol *policy.Policy, version string, logger *slog.Logger) *Server {
	s := &Server{
		executor: exec,
		logger:   logger,
	}

	m := mcpserver.NewMCPServer(
		"shellfence",
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)

	m.AddTool(mcp.NewTool(toolName,
		mcp.WithDescription(toolDescription(pol)),
		mcp.WithArray("command",
			mcp.Required(),
			mcp.Description("Command and its arguments as array"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("directory",
			mcp.Required(),
			mcp.Description("Absolute path to the working directory where the command will be executed"),
		),
		mcp.WithString("stdin",
			mcp.Description("Input to be passed to the command via stdin"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Maximum execution time in seconds"),
		),
	), s.handleExecute)

	s.mcp = m
	return s
}

// Serve runs the stdio transport until ctx is canceled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// handleExecute decodes tool arguments, runs the request, and shapes the
// result. Engine rejections come back as MCP tool errors with the engine's
// exact message.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	command, err := stringSliceArg(args, "command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(command) == 0 {
		return mcp.NewToolResultError("No commands provided"), nil
	}

	request := executor.Request{
		Command:   command,
		Directory: stringArg(args, "directory"),
		Stdin:     stringArg(args, "stdin"),
		Timeout:   durationArg(args, "timeout"),
	}

	s.logger.InfoContext(ctx, "tool call",
		slog.String("tool", toolName),
		slog.Int("argc", len(command)),
	)

	res := s.executor.Execute(ctx, request)
	if res.Error != "" {
		return mcp.NewToolResultError(res.Error), nil
	}

	content := []mcp.Content{mcp.NewTextContent(res.Stdout)}
	if filtered := filterStderr(res.Stderr); filtered != "" {
		content = append(content, mcp.NewTextContent(filtered))
	}
	return &mcp.CallToolResult{Content: content}, nil
}

// toolDescription builds the tool help text, listing the allowed commands.
func toolDescription(pol *policy.Policy) string {
	desc := "Execute a shell command in a guarded environment. " +
		"Only explicitly allowed commands can run; pipes between allowed " +
		"commands and file redirections are supported."
	if names := pol.AllowedCommands(); len(names) > 0 {
		desc += " Allowed commands: " + strings.Join(names, ", ")
	}
	return desc
}

// filterStderr drops shell job-control noise lines.
func filterStderr(stderr string) string {
	if stderr == "" {
		return ""
	}
	lines := strings.Split(stderr, "\n")
	kept := lines[:0]
lineLoop:
	for _, line := range lines {
		for _, noise := range stderrNoise {
			if strings.Contains(line, noise) {
				continue lineLoop
			}
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func durationArg(args map[string]any, key string) time.Duration {
	switch v := args[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}

// stringSliceArg decodes a JSON array of strings.
func stringSliceArg(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		// Already-typed slices arrive from in-process callers.
		if typed, isTyped := raw.([]string); isTyped {
			return typed, nil
		}
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be an array of strings", key)
		}
		out = append(out, str)
	}
	return out, nil
}
