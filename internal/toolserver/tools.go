package toolserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/validate"
	"github.com/claudesmith/claudesmith/pkg/agent"
)

func registerWorkspaceTools(s *server.MCPServer, cfg Config, executor Executor, log *logger.Logger) {
	limits := cfg.Limits.Normalized()

	s.AddTool(
		mcp.NewTool("Read",
			mcp.WithDescription("Read a file from the workspace. Paths must be under /scratch, /skills, or /claude-cache."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Absolute path of the file to read"),
			),
		),
		readHandler(cfg, executor, limits, log),
	)

	s.AddTool(
		mcp.NewTool("Write",
			mcp.WithDescription("Write a file in the workspace. Only paths under /scratch are writable; parent directories are created."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Absolute path of the file to write"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The full file content"),
			),
		),
		writeHandler(cfg, executor, limits, log),
	)

	s.AddTool(
		mcp.NewTool("Bash",
			mcp.WithDescription("Run an allow-listed shell command in the workspace. The working directory is /scratch."),
			mcp.WithString("command",
				mcp.Required(),
				mcp.Description("The shell command to run"),
			),
			mcp.WithNumber("timeout",
				mcp.Description("Timeout in milliseconds (capped by the session limit)"),
			),
		),
		bashHandler(cfg, executor, limits, log),
	)

	s.AddTool(
		mcp.NewTool("Find",
			mcp.WithDescription("Find files by name pattern under a workspace directory."),
			mcp.WithString("pattern",
				mcp.Required(),
				mcp.Description("Glob pattern to match file names against, e.g. '*.go'"),
			),
			mcp.WithString("path",
				mcp.Description("Directory to search from (default /scratch)"),
			),
		),
		findHandler(cfg, executor, limits, log),
	)

	s.AddTool(
		mcp.NewTool("Grep",
			mcp.WithDescription("Search file contents under a workspace directory."),
			mcp.WithString("pattern",
				mcp.Required(),
				mcp.Description("Pattern to search for"),
			),
			mcp.WithString("path",
				mcp.Description("Directory to search from (default /scratch)"),
			),
			mcp.WithString("include",
				mcp.Description("Only search files matching this glob, e.g. '*.go'"),
			),
			mcp.WithBoolean("case_insensitive",
				mcp.Description("Match case-insensitively"),
			),
		),
		grepHandler(cfg, executor, limits, log),
	)

	log.Info("registered workspace tools", zap.Int("count", 5))
}

func readHandler(cfg Config, executor Executor, limits agent.ResourceLimits, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		// Host cache paths are silently remapped to the read-only mount;
		// other host paths get a diagnostic instead of a bare rejection.
		if validate.LooksLikeHostPath(path) {
			if translated, ok := validate.TranslateHostCachePath(path); ok {
				path = translated
			} else {
				return toolError(limits,
					fmt.Sprintf("%s is a host path and is not visible inside the sandbox", path),
					"host files are not mounted; workspace files live under /scratch"), nil
			}
		}

		res := validate.ValidateRead(path)
		if !res.Valid {
			return toolError(limits, res.Reason, hintForCode(apperrors.ErrCodePathRejected)), nil
		}

		content, err := executor.ReadFile(ctx, cfg.SessionID, res.Sanitized)
		if err != nil {
			log.Warn("read failed", zap.String("path", res.Sanitized), zap.Error(err))
			return toolError(limits, err.Error(), hintFor(err)), nil
		}

		return mcp.NewToolResultText(truncateResult(content, limits.MaxResultSize)), nil
	}
}

func writeHandler(cfg Config, executor Executor, limits agent.ResourceLimits, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res := validate.ValidateWrite(path)
		if !res.Valid {
			return toolError(limits, res.Reason, hintForCode(apperrors.ErrCodePathRejected)), nil
		}

		if err := executor.WriteFile(ctx, cfg.SessionID, res.Sanitized, content); err != nil {
			log.Warn("write failed", zap.String("path", res.Sanitized), zap.Error(err))
			return toolError(limits, err.Error(), hintFor(err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Wrote %d bytes to %s", len(content), res.Sanitized)), nil
	}
}

func bashHandler(cfg Config, executor Executor, limits agent.ResourceLimits, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		command, err := req.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res := validate.ValidateCommand(command)
		if !res.Valid {
			return toolError(limits, res.Reason, hintForCode(apperrors.ErrCodeCommandRejected)), nil
		}

		timeout := limits.MaxToolTimeout()
		if requested := req.GetFloat("timeout", 0); requested > 0 {
			if d := time.Duration(requested) * time.Millisecond; d < timeout {
				timeout = d
			}
		}

		exec, err := executor.Exec(ctx, cfg.SessionID, res.Sanitized, timeout)
		if err != nil {
			log.Warn("command failed", zap.Error(err))
			return toolError(limits, err.Error(), hintFor(err)), nil
		}

		return mcp.NewToolResultText(truncateResult(formatExecOutput(exec.Stdout, exec.Stderr, exec.ExitCode), limits.MaxResultSize)), nil
	}
}

func findHandler(cfg Config, executor Executor, limits agent.ResourceLimits, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pattern, err := req.RequireString("pattern")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		dir := req.GetString("path", "/scratch")

		res := validate.ValidateRead(dir)
		if !res.Valid {
			return toolError(limits, res.Reason, hintForCode(apperrors.ErrCodePathRejected)), nil
		}

		command := fmt.Sprintf("find %s -name %s", quoteArg(res.Sanitized), quoteArg(pattern))
		exec, err := executor.Exec(ctx, cfg.SessionID, command, limits.MaxToolTimeout())
		if err != nil {
			return toolError(limits, err.Error(), hintFor(err)), nil
		}
		if exec.ExitCode != 0 && exec.Stdout == "" {
			return toolError(limits, strings.TrimSpace(exec.Stderr), ""), nil
		}

		return mcp.NewToolResultText(truncateResult(exec.Stdout, limits.MaxResultSize)), nil
	}
}

func grepHandler(cfg Config, executor Executor, limits agent.ResourceLimits, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pattern, err := req.RequireString("pattern")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		dir := req.GetString("path", "/scratch")

		res := validate.ValidateRead(dir)
		if !res.Valid {
			return toolError(limits, res.Reason, hintForCode(apperrors.ErrCodePathRejected)), nil
		}

		flags := "-rn"
		if req.GetBool("case_insensitive", false) {
			flags = "-rni"
		}
		command := fmt.Sprintf("grep %s", flags)
		if include := req.GetString("include", ""); include != "" {
			command += fmt.Sprintf(" --include=%s", quoteArg(include))
		}
		command += fmt.Sprintf(" -e %s %s", quoteArg(pattern), quoteArg(res.Sanitized))

		exec, err := executor.Exec(ctx, cfg.SessionID, command, limits.MaxToolTimeout())
		if err != nil {
			return toolError(limits, err.Error(), hintFor(err)), nil
		}
		// grep exits 1 on no matches
		if exec.ExitCode > 1 {
			return toolError(limits, strings.TrimSpace(exec.Stderr), ""), nil
		}
		if exec.Stdout == "" {
			return mcp.NewToolResultText("No matches found"), nil
		}

		return mcp.NewToolResultText(truncateResult(exec.Stdout, limits.MaxResultSize)), nil
	}
}

// formatExecOutput merges command output streams into one tool result.
func formatExecOutput(stdout, stderr string, exitCode int) string {
	var b strings.Builder
	b.WriteString(stdout)
	if stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(stdout, "\n") {
			b.WriteString("\n")
		}
		b.WriteString(stderr)
	}
	if exitCode != 0 {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "(exit code %d)", exitCode)
	}
	return b.String()
}

// truncateResult caps a tool result at max characters, appending a marker
// with the original size so the model knows content was dropped.
func truncateResult(content string, max int) string {
	if max <= 0 || len(content) <= max {
		return content
	}
	return content[:max] + fmt.Sprintf("\n[output truncated: showing %d of %d characters]", max, len(content))
}

// toolError builds a tool error result, appending a remediation hint when
// the session's limits ask for them.
func toolError(limits agent.ResourceLimits, message, hint string) *mcp.CallToolResult {
	if limits.IncludeErrorHints && hint != "" {
		message = message + "\nHint: " + hint
	}
	return mcp.NewToolResultError(message)
}

func hintFor(err error) string {
	switch {
	case apperrors.IsCode(err, apperrors.ErrCodePathRejected):
		return hintForCode(apperrors.ErrCodePathRejected)
	case apperrors.IsCode(err, apperrors.ErrCodeCommandRejected):
		return hintForCode(apperrors.ErrCodeCommandRejected)
	default:
		return ""
	}
}

func hintForCode(code string) string {
	switch code {
	case apperrors.ErrCodePathRejected:
		return "writable files live under /scratch; /skills and /claude-cache are read-only"
	case apperrors.ErrCodeCommandRejected:
		return "only allow-listed commands can run, and output redirection must target /scratch or /dev/null"
	default:
		return ""
	}
}

// quoteArg single-quotes a shell argument.
func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
