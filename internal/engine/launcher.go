package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/compiler"
	"github.com/claudesmith/claudesmith/pkg/claudecode"
)

// CLISession is the slice of the stream-json client the engine drives.
// *claudecode.Client satisfies it; tests substitute an in-memory fake.
type CLISession interface {
	SetRequestHandler(claudecode.RequestHandler)
	SetMessageHandler(claudecode.MessageHandler)
	Start(ctx context.Context) <-chan struct{}
	Stop()
	Initialize(ctx context.Context, hooks map[string]any, timeout time.Duration) (*claudecode.InitializeResponseData, error)
	Interrupt(ctx context.Context, timeout time.Duration) error
	SetPermissionMode(ctx context.Context, mode string, timeout time.Duration) error
	SetModel(ctx context.Context, model string, timeout time.Duration) error
	RewindFiles(ctx context.Context, messageUUID string, dryRun bool, timeout time.Duration) error
	SendControlResponse(resp *claudecode.ControlResponseMessage) error
	SendUserMessage(content string) error
}

// Launcher produces a live CLI session for a compiled plan.
type Launcher interface {
	Launch(ctx context.Context, sessionID string, plan *compiler.Plan) (CLISession, error)
}

// CLILauncher spawns the Claude Code CLI on the host in stream-json mode.
// Filesystem tools never touch the host directly: they route through the
// plan's tool server into the session container.
type CLILauncher struct {
	Binary string
	Logger *logger.Logger
}

// NewCLILauncher creates a launcher for the given CLI binary ("claude" when
// empty).
func NewCLILauncher(binary string, log *logger.Logger) *CLILauncher {
	if binary == "" {
		binary = "claude"
	}
	return &CLILauncher{Binary: binary, Logger: log}
}

// Launch starts the CLI process and wires a stream-json client to its pipes.
func (l *CLILauncher) Launch(ctx context.Context, sessionID string, plan *compiler.Plan) (CLISession, error) {
	args := buildCLIArgs(plan)

	cmd := exec.CommandContext(ctx, l.Binary, args...)
	if plan.WorkingDirectory != "" {
		cmd.Dir = plan.WorkingDirectory
	}
	cmd.Env = append(os.Environ(), envList(plan.Env)...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.LLMClientFailed(fmt.Errorf("failed to open stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.LLMClientFailed(fmt.Errorf("failed to open stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return nil, apperrors.LLMClientFailed(fmt.Errorf("failed to start %s: %w", l.Binary, err))
	}

	l.Logger.Info("launched CLI process",
		zap.String("session_id", sessionID),
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("args", args))

	return &cliProcess{
		Client: claudecode.NewClient(stdin, stdout, l.Logger),
		cmd:    cmd,
	}, nil
}

// cliProcess pairs the stream-json client with its OS process.
type cliProcess struct {
	*claudecode.Client
	cmd *exec.Cmd
}

// Stop closes the client and reaps the CLI process.
func (p *cliProcess) Stop() {
	p.Client.Stop()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
}

// buildCLIArgs maps a compiled plan onto CLI flags.
func buildCLIArgs(plan *compiler.Plan) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--model", plan.Model,
	}
	if plan.PermissionMode != "" {
		args = append(args, "--permission-mode", plan.PermissionMode)
	}
	if plan.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(plan.MaxTurns))
	}
	if plan.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", plan.SystemPrompt)
	}
	if len(plan.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(plan.AllowedTools, ","))
	}
	if len(plan.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(plan.DisallowedTools, ","))
	}
	if len(plan.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(plan.SettingSources, ","))
	}
	if plan.ToolServer != nil {
		mcpConfig := map[string]any{
			"mcpServers": map[string]any{
				"claudesmith": map[string]any{
					"type": "sse",
					"url":  fmt.Sprintf("http://127.0.0.1:%d/sse", plan.ToolServer.Port()),
				},
			},
		}
		if data, err := json.Marshal(mcpConfig); err == nil {
			args = append(args, "--mcp-config", string(data))
		}
	}
	return args
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
