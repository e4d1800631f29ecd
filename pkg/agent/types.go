// Package agent defines the declarative agent configuration model.
// A Config is produced by external callers (UI, API) and consumed immutably
// by the plan compiler; nothing in this package executes anything.
package agent

import (
	"time"
)

// Model names accepted in agent and subagent definitions.
const (
	ModelSonnet  = "sonnet"
	ModelOpus    = "opus"
	ModelHaiku   = "haiku"
	ModelInherit = "inherit"
)

// Permission modes forwarded to the protocol client.
const (
	PermissionDefault     = "default"
	PermissionAcceptEdits = "acceptEdits"
	PermissionPlan        = "plan"
	PermissionBypass      = "bypassPermissions"
)

// Hook event names. Legacy aliases are migrated by the compiler.
const (
	HookPreToolUse         = "PreToolUse"
	HookPostToolUse        = "PostToolUse"
	HookPostToolUseFailure = "PostToolUseFailure"
	HookSubagentStart      = "SubagentStart"
	HookSubagentStop       = "SubagentStop"
	HookUserPromptSubmit   = "UserPromptSubmit"
	HookStop               = "Stop"
)

// DefaultResourceLimits are applied when a config leaves limits unset.
var DefaultResourceLimits = ResourceLimits{
	MaxResultSize:     50000,
	MaxToolTimeoutMS:  60000,
	IncludeErrorHints: true,
}

// ResourceLimits bound every tool invocation made on behalf of an agent.
type ResourceLimits struct {
	MaxResultSize     int  `json:"maxResultSize,omitempty" yaml:"maxResultSize,omitempty"`
	MaxToolTimeoutMS  int  `json:"maxToolTimeoutMs,omitempty" yaml:"maxToolTimeoutMs,omitempty"`
	IncludeErrorHints bool `json:"includeErrorHints" yaml:"includeErrorHints"`
}

// MaxToolTimeout returns the timeout cap as a duration.
func (r ResourceLimits) MaxToolTimeout() time.Duration {
	return time.Duration(r.MaxToolTimeoutMS) * time.Millisecond
}

// Normalized returns a copy with zero fields replaced by defaults.
func (r ResourceLimits) Normalized() ResourceLimits {
	out := r
	if out.MaxResultSize <= 0 {
		out.MaxResultSize = DefaultResourceLimits.MaxResultSize
	}
	if out.MaxToolTimeoutMS <= 0 {
		out.MaxToolTimeoutMS = DefaultResourceLimits.MaxToolTimeoutMS
	}
	return out
}

// Settings carries per-agent execution settings.
type Settings struct {
	MaxTurns          int            `json:"maxTurns,omitempty" yaml:"maxTurns,omitempty"`
	MaxBudgetUSD      float64        `json:"maxBudgetUsd,omitempty" yaml:"maxBudgetUsd,omitempty"`
	MaxThinkingTokens int            `json:"maxThinkingTokens,omitempty" yaml:"maxThinkingTokens,omitempty"`
	PermissionMode    string         `json:"permissionMode,omitempty" yaml:"permissionMode,omitempty"`
	FileCheckpointing bool           `json:"fileCheckpointing,omitempty" yaml:"fileCheckpointing,omitempty"`
	WorkingDirectory  string         `json:"workingDirectory,omitempty" yaml:"workingDirectory,omitempty"`
	ResourceLimits    ResourceLimits `json:"resourceLimits,omitempty" yaml:"resourceLimits,omitempty"`
}

// ToolSet declares which tools an agent may use.
type ToolSet struct {
	Enabled  []string `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Disabled []string `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Subagent is a named worker definition invocable from a parent via Task.
type Subagent struct {
	Description string   `json:"description" yaml:"description"`
	Prompt      string   `json:"prompt" yaml:"prompt"`
	Tools       []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
}

// HookEntry pairs a tool-name matcher with a user-supplied code snippet.
type HookEntry struct {
	Matcher string `json:"matcher,omitempty" yaml:"matcher,omitempty"`
	Code    string `json:"code" yaml:"code"`
}

// CustomTool is a user-defined tool with a JSON schema and handler snippet.
type CustomTool struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty" yaml:"inputSchema,omitempty"`
	HandlerCode string         `json:"handlerCode" yaml:"handlerCode"`
}

// ConnectorRef references an OAuth connector connection by id.
type ConnectorRef struct {
	ConnectionID string `json:"connectionId" yaml:"connectionId"`
	Provider     string `json:"provider" yaml:"provider"`
}

// ContextConfig carries static context text plus an optional dynamic loader snippet.
type ContextConfig struct {
	Static        map[string]string `json:"static,omitempty" yaml:"static,omitempty"`
	DynamicLoader string            `json:"dynamicLoader,omitempty" yaml:"dynamicLoader,omitempty"`
}

// Advanced holds rarely-used escape hatches.
type Advanced struct {
	Betas                     []string          `json:"betas,omitempty" yaml:"betas,omitempty"`
	CanUseToolCode            string            `json:"canUseToolCode,omitempty" yaml:"canUseToolCode,omitempty"`
	SettingSources            []string          `json:"settingSources,omitempty" yaml:"settingSources,omitempty"`
	Env                       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	DisablePlatformGuidelines bool              `json:"disablePlatformGuidelines,omitempty" yaml:"disablePlatformGuidelines,omitempty"`
}

// Config is the declarative definition of an agent.
type Config struct {
	ID           string                 `json:"id" yaml:"id"`
	Name         string                 `json:"name" yaml:"name"`
	Description  string                 `json:"description,omitempty" yaml:"description,omitempty"`
	SystemPrompt string                 `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	Model        string                 `json:"model,omitempty" yaml:"model,omitempty"`
	Tools        ToolSet                `json:"tools,omitempty" yaml:"tools,omitempty"`
	Subagents    map[string]Subagent    `json:"subagents,omitempty" yaml:"subagents,omitempty"`
	Settings     Settings               `json:"settings,omitempty" yaml:"settings,omitempty"`
	Hooks        map[string][]HookEntry `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	OutputSchema map[string]any         `json:"outputSchema,omitempty" yaml:"outputSchema,omitempty"`
	MCPServers   []string               `json:"mcpServers,omitempty" yaml:"mcpServers,omitempty"`
	Connectors   []ConnectorRef         `json:"connectors,omitempty" yaml:"connectors,omitempty"`
	CustomTools  []CustomTool           `json:"customTools,omitempty" yaml:"customTools,omitempty"`
	ErrorPolicy  string                 `json:"errorPolicy,omitempty" yaml:"errorPolicy,omitempty"`
	Context      *ContextConfig         `json:"context,omitempty" yaml:"context,omitempty"`
	Advanced     *Advanced              `json:"advanced,omitempty" yaml:"advanced,omitempty"`
	Skills       []string               `json:"skills,omitempty" yaml:"skills,omitempty"`
}

// IsOrchestrator reports whether this agent coordinates subagents.
// An agent is an orchestrator iff its subagents map is non-empty.
func (c *Config) IsOrchestrator() bool {
	return len(c.Subagents) > 0
}

// Limits returns the effective resource limits for this agent.
func (c *Config) Limits() ResourceLimits {
	return c.Settings.ResourceLimits.Normalized()
}

// SubagentNames returns the sorted-insertion set of declared subagent names.
func (c *Config) SubagentNames() []string {
	names := make([]string, 0, len(c.Subagents))
	for name := range c.Subagents {
		names = append(names, name)
	}
	return names
}
