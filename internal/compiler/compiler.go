package compiler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/scriptengine"
	"github.com/claudesmith/claudesmith/internal/toolserver"
	"github.com/claudesmith/claudesmith/pkg/agent"
)

// legacyHookNames maps retired hook-event names to their replacements.
var legacyHookNames = map[string]string{
	"BeforeToolUse":      agent.HookPreToolUse,
	"AfterToolUse":       agent.HookPostToolUse,
	"BeforeSubagentCall": agent.HookSubagentStart,
	"AfterSubagentCall":  agent.HookSubagentStop,
	"OnError":            agent.HookPostToolUseFailure,
}

// currentHookNames is the set of supported hook events.
var currentHookNames = map[string]bool{
	agent.HookPreToolUse:         true,
	agent.HookPostToolUse:        true,
	agent.HookPostToolUseFailure: true,
	agent.HookSubagentStart:      true,
	agent.HookSubagentStop:       true,
	agent.HookUserPromptSubmit:   true,
	agent.HookStop:               true,
}

// hostPathMarkers flag host-machine paths in orchestrator task prompts.
var hostPathMarkers = []string{"/Users/", "/home/", `C:\`}

// QuestionBridge delivers AskUserQuestion calls to an out-of-band answer
// channel and blocks until the user responds or the session is interrupted.
type QuestionBridge interface {
	Ask(ctx context.Context, input map[string]any) (map[string]any, error)
}

// ConnectorChecker reports whether a connector connection is usable
// (connected, with decryptable tokens).
type ConnectorChecker interface {
	Connected(ctx context.Context, connectionID string) bool
}

// ContainerBinding ties a plan to a provisioned sandbox container.
type ContainerBinding struct {
	SessionID string
	Executor  toolserver.Executor
}

// Deps are the collaborators the compiler wires into the plan.
type Deps struct {
	Evaluator   *scriptengine.Engine
	Questions   QuestionBridge
	Connectors  ConnectorChecker
	TokenSource toolserver.TokenSource
	Logger      *logger.Logger
}

// Compile produces an execution plan from an agent configuration.
// Validation is atomic: every offense is collected and reported together,
// and no partially-valid plan is ever returned.
func Compile(ctx context.Context, cfg *agent.Config, container *ContainerBinding, deps Deps) (*Plan, error) {
	log := deps.Logger.WithFields(zap.String("component", "compiler"), zap.String("agent_id", cfg.ID))
	var warnings []string

	// 1. Legacy hook migration
	hooks, hookWarnings := migrateHooks(cfg.Hooks)
	warnings = append(warnings, hookWarnings...)

	// 9. FileManager auto-injection happens before validation so the
	// injected subagent participates in every later rule.
	subagents := make(map[string]agent.Subagent, len(cfg.Subagents))
	for name, sa := range cfg.Subagents {
		subagents[name] = sa
	}
	isOrchestrator := len(subagents) > 0
	if isOrchestrator {
		if _, ok := subagents["FileManager"]; !ok {
			subagents["FileManager"] = agent.Subagent{
				Description: fileManagerDescription,
				Prompt:      fileManagerPrompt,
				Model:       agent.ModelHaiku,
			}
		}
	}

	// 2. Atomic validation
	needsSandbox := NeedsSandbox(cfg)
	if offenses := validateConfig(cfg, subagents, needsSandbox, container); len(offenses) > 0 {
		return nil, apperrors.ConfigInvalid(offenses)
	}

	plan := &Plan{
		AgentID:           cfg.ID,
		AgentName:         cfg.Name,
		Model:             modelOrDefault(cfg.Model),
		PermissionMode:    cfg.Settings.PermissionMode,
		MaxTurns:          cfg.Settings.MaxTurns,
		MaxBudgetUSD:      cfg.Settings.MaxBudgetUSD,
		MaxThinkingTokens: cfg.Settings.MaxThinkingTokens,
		FileCheckpointing: cfg.Settings.FileCheckpointing,
		WorkingDirectory:  cfg.Settings.WorkingDirectory,
		OutputSchema:      cfg.OutputSchema,
		Hooks:             make(map[string][]CompiledHook),
		Subagents:         make(map[string]SubagentPlan),
	}
	if cfg.Advanced != nil {
		plan.Env = cfg.Advanced.Env
		plan.Betas = cfg.Advanced.Betas
		plan.SettingSources = append([]string(nil), cfg.Advanced.SettingSources...)
	}

	// 6. Connectors: only usable connections contribute tools.
	connected := usableConnectors(ctx, cfg.Connectors, deps.Connectors)
	plan.Connectors = connected

	// 5. Custom tools
	plan.CustomTools = compileCustomTools(cfg.CustomTools, deps.Evaluator, log, &warnings)

	// 3 + 4. Tool surface
	resolveToolSurface(plan, cfg, connected, isOrchestrator)

	// 4. Sandbox plumbing: tool server bound to the container.
	if needsSandbox {
		plan.ToolServer = toolserver.New(toolserver.Config{
			SessionID:   container.SessionID,
			Limits:      cfg.Limits(),
			Connectors:  connected,
			TokenSource: deps.TokenSource,
		}, container.Executor, deps.Logger)
	}

	// 7. Hooks
	compileHooks(plan, hooks, deps.Evaluator, log, &warnings)
	if isOrchestrator {
		guard := CompiledHook{
			Matcher:   "Task",
			Callbacks: []scriptengine.Callback{taskGuard(subagentNames(subagents))},
		}
		// synthesized guards come first so user hooks cannot shadow them
		plan.Hooks[agent.HookPreToolUse] = append([]CompiledHook{guard}, plan.Hooks[agent.HookPreToolUse]...)
	}

	// 8. Subagent compilation
	for name, sa := range subagents {
		plan.Subagents[name] = compileSubagent(name, sa, cfg.CustomTools)
	}

	// 10-12. System prompt assembly
	plan.SystemPrompt = assemblePrompt(ctx, cfg, subagents, isOrchestrator, deps.Evaluator, log, &warnings)

	// 14. Setting sources
	if len(cfg.Skills) > 0 {
		plan.SettingSources = ensureSources(plan.SettingSources, "project", "user")
	}

	// 13. Permission decision callback
	plan.CanUseTool = buildCanUseTool(plan, cfg, isOrchestrator, subagentNames(subagents), deps, log)

	// 15. Engine metadata
	plan.Metadata = Metadata{
		IsOrchestrator:           isOrchestrator,
		OrchestratorBlockedTools: plan.Metadata.OrchestratorBlockedTools,
		CompiledAt:               time.Now().UTC(),
		Warnings:                 warnings,
	}

	log.Info("plan compiled",
		zap.Bool("orchestrator", isOrchestrator),
		zap.Int("allowed_tools", len(plan.AllowedTools)),
		zap.Int("subagents", len(plan.Subagents)),
		zap.Int("warnings", len(warnings)))
	return plan, nil
}

// NeedsSandbox reports whether an agent requires a session container.
// Orchestrators always do; otherwise any filesystem or shell tool does.
func NeedsSandbox(cfg *agent.Config) bool {
	return cfg.IsOrchestrator() || anySandboxTool(cfg.Tools.Enabled)
}

// migrateHooks rewrites legacy event names and drops unsupported events.
func migrateHooks(hooks map[string][]agent.HookEntry) (map[string][]agent.HookEntry, []string) {
	if len(hooks) == 0 {
		return nil, nil
	}
	out := make(map[string][]agent.HookEntry, len(hooks))
	var warnings []string
	for event, entries := range hooks {
		name := event
		if replacement, ok := legacyHookNames[event]; ok {
			name = replacement
		}
		if !currentHookNames[name] {
			warnings = append(warnings, fmt.Sprintf("dropped hooks for unsupported event %q", event))
			continue
		}
		out[name] = append(out[name], entries...)
	}
	return out, warnings
}

// validateConfig collects every configuration offense.
func validateConfig(cfg *agent.Config, subagents map[string]agent.Subagent, needsSandbox bool, container *ContainerBinding) []string {
	var offenses []string

	if cfg.ID == "" {
		offenses = append(offenses, "agent id is required")
	}
	if !validModel(cfg.Model) {
		offenses = append(offenses, fmt.Sprintf("unknown model %q", cfg.Model))
	}

	customNames := make(map[string]bool, len(cfg.CustomTools))
	for _, t := range cfg.CustomTools {
		if t.Name == "" {
			offenses = append(offenses, "custom tool with empty name")
			continue
		}
		if customNames[t.Name] {
			offenses = append(offenses, fmt.Sprintf("duplicate custom tool %q", t.Name))
		}
		customNames[t.Name] = true
	}

	for _, name := range cfg.Tools.Enabled {
		if !knownTool(name, customNames) {
			offenses = append(offenses, fmt.Sprintf("unknown tool %q", name))
		}
	}

	for name, sa := range subagents {
		if !validModel(sa.Model) {
			offenses = append(offenses, fmt.Sprintf("subagent %q: unknown model %q", name, sa.Model))
		}
		for _, tool := range sa.Tools {
			if !knownTool(tool, customNames) {
				offenses = append(offenses, fmt.Sprintf("subagent %q: unknown tool %q", name, tool))
			}
		}
	}

	if needsSandbox && container == nil {
		offenses = append(offenses, "agent requires a sandbox container but none was provided")
	}

	return offenses
}

func validModel(model string) bool {
	switch model {
	case "", agent.ModelSonnet, agent.ModelOpus, agent.ModelHaiku, agent.ModelInherit:
		return true
	}
	return false
}

func modelOrDefault(model string) string {
	if model == "" {
		return agent.ModelSonnet
	}
	return model
}

// knownTool reports whether a tool name is resolvable: a built-in, a sandbox
// tool, a declared custom tool, or deferred to an external MCP server.
func knownTool(name string, customNames map[string]bool) bool {
	for _, t := range orchestrationTools {
		if name == t {
			return true
		}
	}
	for _, t := range webTools {
		if name == t {
			return true
		}
	}
	for _, t := range sandboxTools {
		if name == t {
			return true
		}
	}
	if customNames[name] || customNames[strings.TrimPrefix(name, CustomToolPrefix)] {
		return true
	}
	return strings.HasPrefix(name, "mcp__")
}

func anySandboxTool(enabled []string) bool {
	for _, name := range enabled {
		for _, t := range sandboxTools {
			if name == t {
				return true
			}
		}
	}
	return false
}

// resolveToolSurface computes the allowed and disallowed tool lists and the
// orchestrator-blocked set.
func resolveToolSurface(plan *Plan, cfg *agent.Config, connected []agent.ConnectorRef, isOrchestrator bool) {
	disabled := make(map[string]bool, len(cfg.Tools.Disabled))
	for _, name := range cfg.Tools.Disabled {
		disabled[name] = true
	}

	// the full registry the session exposes, independent of who may call it
	var registry []string
	enabled := cfg.Tools.Enabled
	if len(enabled) == 0 {
		// an unrestricted config gets the whole surface
		enabled = append(append([]string(nil), sandboxTools...), webTools...)
	}
	for _, name := range enabled {
		if disabled[name] {
			continue
		}
		if isSandboxTool(name) {
			registry = append(registry, SandboxToolPrefix+name)
			continue
		}
		if isOrchestration(name) {
			continue // handled below
		}
		registry = append(registry, name)
	}
	for _, t := range plan.CustomTools {
		registry = append(registry, t.Name)
	}
	for _, ref := range connected {
		registry = append(registry, ConnectorToolPrefix+ref.Provider)
	}

	if isOrchestrator {
		// 3. parent keeps only the orchestration set; the registry remains
		// available to subagents through inheritance
		plan.AllowedTools = append([]string(nil), orchestrationTools...)
		plan.Metadata.OrchestratorBlockedTools = registry
	} else {
		plan.AllowedTools = registry
		for _, name := range cfg.Tools.Enabled {
			if isOrchestration(name) && !disabled[name] {
				plan.AllowedTools = append(plan.AllowedTools, name)
			}
		}
	}

	// 4. host-side sandbox names are always denied so name-collision tools
	// cannot bypass the container
	plan.DisallowedTools = append([]string(nil), sandboxTools...)
	for _, name := range cfg.Tools.Disabled {
		if !isSandboxTool(name) {
			plan.DisallowedTools = append(plan.DisallowedTools, name)
		}
	}
}

func isSandboxTool(name string) bool {
	for _, t := range sandboxTools {
		if name == t {
			return true
		}
	}
	return false
}

func isOrchestration(name string) bool {
	for _, t := range orchestrationTools {
		if name == t {
			return true
		}
	}
	return false
}

// usableConnectors filters connector references down to usable connections.
func usableConnectors(ctx context.Context, refs []agent.ConnectorRef, checker ConnectorChecker) []agent.ConnectorRef {
	if len(refs) == 0 {
		return nil
	}
	out := make([]agent.ConnectorRef, 0, len(refs))
	for _, ref := range refs {
		if checker != nil && !checker.Connected(ctx, ref.ConnectionID) {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// compileCustomTools wraps handler snippets in the evaluator. A handler that
// fails prevalidation becomes a stub that always errors, so the tool stays
// visible but unusable.
func compileCustomTools(tools []agent.CustomTool, evaluator *scriptengine.Engine, log *logger.Logger, warnings *[]string) []CompiledTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]CompiledTool, 0, len(tools))
	for _, t := range tools {
		compiled := CompiledTool{
			Name:        CustomToolPrefix + t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
		handler, err := evaluator.Compile(scriptengine.KindToolHandler, t.HandlerCode)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("custom tool %q: %v", t.Name, err))
			log.Warn("custom tool handler rejected", zap.String("tool", t.Name), zap.Error(err))
			compiled.Handler = erroringHandler(t.Name, err)
		} else {
			compiled.Handler = handler
		}
		out = append(out, compiled)
	}
	return out
}

func erroringHandler(name string, cause error) scriptengine.Callback {
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("tool %q is unavailable: handler code was rejected: %v", name, cause)
	}
}

// compileHooks wraps hook snippets in the evaluator.
func compileHooks(plan *Plan, hooks map[string][]agent.HookEntry, evaluator *scriptengine.Engine, log *logger.Logger, warnings *[]string) {
	for event, entries := range hooks {
		for _, entry := range entries {
			cb, err := evaluator.Compile(scriptengine.KindHook, entry.Code)
			if err != nil {
				*warnings = append(*warnings, fmt.Sprintf("hook on %s: %v", event, err))
				log.Warn("hook code rejected", zap.String("event", event), zap.Error(err))
				cb = erroringHandler("hook:"+event, err)
			}
			plan.Hooks[event] = append(plan.Hooks[event], CompiledHook{
				Matcher:   entry.Matcher,
				Callbacks: []scriptengine.Callback{cb},
			})
		}
	}
}

// taskGuard is the synthesized PreToolUse hook for orchestrator Task calls.
func taskGuard(validSubagents []string) scriptengine.Callback {
	valid := make(map[string]bool, len(validSubagents))
	for _, name := range validSubagents {
		valid[name] = true
	}
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		toolInput, _ := input["tool_input"].(map[string]any)

		subagentType, _ := toolInput["subagent_type"].(string)
		if subagentType == "" {
			return deny("Task calls must set subagent_type to one of: " + strings.Join(validSubagents, ", ")), nil
		}
		if !valid[subagentType] {
			return deny(fmt.Sprintf("unknown subagent %q; valid subagents: %s",
				subagentType, strings.Join(validSubagents, ", "))), nil
		}
		prompt, _ := toolInput["prompt"].(string)
		for _, marker := range hostPathMarkers {
			if strings.Contains(prompt, marker) {
				return deny("task prompts may not reference host machine paths; use /scratch workspace paths"), nil
			}
		}
		return map[string]any{"decision": BehaviorAllow}, nil
	}
}

func deny(reason string) map[string]any {
	return map[string]any{"decision": BehaviorDeny, "reason": reason}
}

// compileSubagent resolves a worker profile.
func compileSubagent(name string, sa agent.Subagent, customTools []agent.CustomTool) SubagentPlan {
	customNames := make(map[string]bool, len(customTools))
	for _, t := range customTools {
		customNames[t.Name] = true
	}

	plan := SubagentPlan{
		Name:        name,
		Description: sa.Description,
		Prompt:      sa.Prompt + workspaceAwareness,
		Model:       sa.Model,
	}
	if sa.Tools != nil {
		plan.Tools = make([]string, 0, len(sa.Tools))
		for _, tool := range sa.Tools {
			switch {
			case isSandboxTool(tool):
				plan.Tools = append(plan.Tools, SandboxToolPrefix+tool)
			case customNames[tool]:
				plan.Tools = append(plan.Tools, CustomToolPrefix+tool)
			default:
				plan.Tools = append(plan.Tools, tool)
			}
		}
	}
	return plan
}

// assemblePrompt builds the effective system prompt (rules 10, 11, 12).
func assemblePrompt(ctx context.Context, cfg *agent.Config, subagents map[string]agent.Subagent, isOrchestrator bool, evaluator *scriptengine.Engine, log *logger.Logger, warnings *[]string) string {
	prompt := cfg.SystemPrompt

	if isOrchestrator {
		prompt += delegationGuidelines(subagentNames(subagents))
	}

	entries := map[string]string{}
	if cfg.Context != nil {
		for k, v := range cfg.Context.Static {
			entries[k] = v
		}
		if cfg.Context.DynamicLoader != "" {
			out, err := evaluator.Evaluate(ctx, scriptengine.KindContextLoader, cfg.Context.DynamicLoader, map[string]any{})
			if err != nil {
				*warnings = append(*warnings, fmt.Sprintf("context loader: %v", err))
				log.Warn("dynamic context loader failed", zap.Error(err))
			} else {
				for k, v := range out {
					if s, ok := v.(string); ok {
						entries[k] = s
					} else {
						entries[k] = fmt.Sprintf("%v", v)
					}
				}
			}
		}
	}
	prompt += contextSection(entries)

	if cfg.Advanced == nil || !cfg.Advanced.DisablePlatformGuidelines {
		prompt += platformGuidelines
	}
	return prompt
}

// buildCanUseTool installs the permission decision callback (rule 13).
func buildCanUseTool(plan *Plan, cfg *agent.Config, isOrchestrator bool, subagents []string, deps Deps, log *logger.Logger) DecisionFunc {
	blocked := make(map[string]bool, len(plan.Metadata.OrchestratorBlockedTools))
	for _, name := range plan.Metadata.OrchestratorBlockedTools {
		blocked[name] = true
	}
	sort.Strings(subagents)

	var userCallback scriptengine.Callback
	if cfg.Advanced != nil && cfg.Advanced.CanUseToolCode != "" {
		cb, err := deps.Evaluator.Compile(scriptengine.KindPermission, cfg.Advanced.CanUseToolCode)
		if err != nil {
			log.Warn("canUseTool code rejected, falling back to allow", zap.Error(err))
		} else {
			userCallback = cb
		}
	}

	return func(ctx context.Context, call ToolCall) (Decision, error) {
		if call.ToolName == "AskUserQuestion" {
			if deps.Questions == nil {
				return Decision{Behavior: BehaviorDeny, Message: "no question channel available"}, nil
			}
			answers, err := deps.Questions.Ask(ctx, call.Input)
			if err != nil {
				return Decision{}, err
			}
			updated := make(map[string]any, len(call.Input)+1)
			for k, v := range call.Input {
				updated[k] = v
			}
			updated["answers"] = answers
			return Decision{Behavior: BehaviorAllow, UpdatedInput: updated}, nil
		}

		if isOrchestrator && blocked[call.ToolName] {
			if call.SubagentID == "" {
				return Decision{
					Behavior: BehaviorDeny,
					Message: fmt.Sprintf("orchestrators delegate instead of acting: use Task with one of %s",
						strings.Join(subagents, ", ")),
				}, nil
			}
			// subagents keep full access to the registry
			return Decision{Behavior: BehaviorAllow, UpdatedInput: call.Input}, nil
		}

		if userCallback != nil {
			out, err := userCallback(ctx, map[string]any{
				"tool_name": call.ToolName,
				"input":     call.Input,
			})
			if err != nil {
				return Decision{Behavior: BehaviorDeny, Message: fmt.Sprintf("permission callback failed: %v", err)}, nil
			}
			return parseDecision(out, call.Input), nil
		}

		return Decision{Behavior: BehaviorAllow, UpdatedInput: call.Input}, nil
	}
}

// parseDecision interprets a user callback result. Anything other than an
// explicit deny allows the call.
func parseDecision(out map[string]any, input map[string]any) Decision {
	behavior := BehaviorAllow
	if b, ok := out["behavior"].(string); ok {
		behavior = b
	} else if d, ok := out["decision"].(string); ok {
		behavior = d
	}
	if behavior != BehaviorDeny {
		behavior = BehaviorAllow
	}

	decision := Decision{Behavior: behavior, UpdatedInput: input}
	if msg, ok := out["message"].(string); ok {
		decision.Message = msg
	} else if msg, ok := out["reason"].(string); ok {
		decision.Message = msg
	}
	if updated, ok := out["updatedInput"].(map[string]any); ok {
		decision.UpdatedInput = updated
	}
	return decision
}

func ensureSources(sources []string, required ...string) []string {
	have := make(map[string]bool, len(sources))
	for _, s := range sources {
		have[s] = true
	}
	for _, r := range required {
		if !have[r] {
			sources = append(sources, r)
		}
	}
	return sources
}

func subagentNames(subagents map[string]agent.Subagent) []string {
	names := make([]string, 0, len(subagents))
	for name := range subagents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
