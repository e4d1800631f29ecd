// Package compiler turns a declarative agent configuration into an
// execution plan: the resolved tool surface, compiled hooks and custom
// tools, subagent profiles, the effective system prompt, and the permission
// decision callback consumed by the protocol client.
package compiler

import (
	"context"
	"time"

	"github.com/claudesmith/claudesmith/internal/scriptengine"
	"github.com/claudesmith/claudesmith/internal/toolserver"
	"github.com/claudesmith/claudesmith/pkg/agent"
)

// Tool name prefixes used to qualify non-built-in tools in the plan.
const (
	SandboxToolPrefix   = "sandbox:"
	CustomToolPrefix    = "custom:"
	ConnectorToolPrefix = "connectors:"
)

// sandboxTools are the host-side tool names that route into the container.
var sandboxTools = []string{"Read", "Write", "Bash", "Find", "Grep"}

// orchestrationTools is the restricted surface an orchestrator parent keeps.
var orchestrationTools = []string{"Task", "TodoWrite", "AskUserQuestion"}

// webTools are built-ins served by the CLI itself.
var webTools = []string{"WebSearch", "WebFetch"}

// Decision behaviors for permission callbacks.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// ToolCall describes one tool invocation presented to the decision callback.
type ToolCall struct {
	ToolName string
	Input    map[string]any
	// SubagentID is empty when the call originates from the parent agent.
	SubagentID string
}

// Decision is the outcome of a permission callback.
type Decision struct {
	Behavior     string
	UpdatedInput map[string]any
	Message      string
}

// DecisionFunc decides whether a tool call may proceed.
type DecisionFunc func(ctx context.Context, call ToolCall) (Decision, error)

// CompiledHook pairs a tool-name matcher with compiled callbacks.
type CompiledHook struct {
	Matcher   string
	Callbacks []scriptengine.Callback
}

// CompiledTool is a custom tool ready for registration.
type CompiledTool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     scriptengine.Callback
}

// SubagentPlan is a resolved worker profile.
type SubagentPlan struct {
	Name        string
	Description string
	Prompt      string
	// Tools nil means the subagent inherits the full parent registry.
	Tools []string
	Model string
}

// Metadata is consulted by the execution engine, never forwarded to the CLI.
type Metadata struct {
	IsOrchestrator           bool
	OrchestratorBlockedTools []string
	CompiledAt               time.Time
	Warnings                 []string
}

// Plan is the compiled execution plan for one session.
type Plan struct {
	AgentID      string
	AgentName    string
	SystemPrompt string
	Model        string

	AllowedTools    []string
	DisallowedTools []string

	PermissionMode    string
	MaxTurns          int
	MaxBudgetUSD      float64
	MaxThinkingTokens int
	FileCheckpointing bool
	WorkingDirectory  string
	Env               map[string]string
	Betas             []string
	SettingSources    []string
	OutputSchema      map[string]any

	Hooks       map[string][]CompiledHook
	CustomTools []CompiledTool
	Subagents   map[string]SubagentPlan
	Connectors  []agent.ConnectorRef

	// ToolServer is non-nil when the plan needs a sandbox container.
	ToolServer *toolserver.Server

	// CanUseTool is the permission decision callback (rule order:
	// AskUserQuestion bridging, orchestrator blocking, user callback).
	CanUseTool DecisionFunc

	Metadata Metadata
}

// HasTool reports whether a tool name is in the allowed list.
func (p *Plan) HasTool(name string) bool {
	for _, t := range p.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// IsBlocked reports whether a tool name is orchestrator-blocked.
func (p *Plan) IsBlocked(name string) bool {
	for _, t := range p.Metadata.OrchestratorBlockedTools {
		if t == name {
			return true
		}
	}
	return false
}
