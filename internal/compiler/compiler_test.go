package compiler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudesmith/claudesmith/internal/common/config"
	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/sandbox"
	"github.com/claudesmith/claudesmith/internal/scriptengine"
	"github.com/claudesmith/claudesmith/pkg/agent"
)

// nopExecutor satisfies toolserver.Executor for plans compiled in tests.
type nopExecutor struct{}

func (nopExecutor) Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}
func (nopExecutor) ReadFile(ctx context.Context, sessionID, path string) (string, error) {
	return "", nil
}
func (nopExecutor) WriteFile(ctx context.Context, sessionID, path, content string) error {
	return nil
}

// fakeQuestions answers every AskUserQuestion immediately.
type fakeQuestions struct {
	answers map[string]any
	err     error
	asked   []map[string]any
}

func (f *fakeQuestions) Ask(ctx context.Context, input map[string]any) (map[string]any, error) {
	f.asked = append(f.asked, input)
	return f.answers, f.err
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return Deps{
		Evaluator: scriptengine.NewEngine(config.EvaluatorConfig{}, log),
		Questions: &fakeQuestions{answers: map[string]any{"choice": "a"}},
		Logger:    log,
	}
}

func testContainer() *ContainerBinding {
	return &ContainerBinding{SessionID: "sess-1", Executor: nopExecutor{}}
}

func orchestratorConfig() *agent.Config {
	return &agent.Config{
		ID:           "orch-1",
		Name:         "research lead",
		SystemPrompt: "Coordinate the research.",
		Tools:        agent.ToolSet{Enabled: []string{"Read", "Write", "Bash", "WebSearch"}},
		Subagents: map[string]agent.Subagent{
			"Researcher": {Description: "digs through sources", Prompt: "Research things.", Tools: []string{"Read", "Grep", "WebSearch"}},
			"Writer":     {Description: "writes the report", Prompt: "Write it up."},
		},
	}
}

func TestOrchestratorToolRestriction(t *testing.T) {
	plan, err := Compile(context.Background(), orchestratorConfig(), testContainer(), testDeps(t))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"Task", "TodoWrite", "AskUserQuestion"}, plan.AllowedTools)
	assert.True(t, plan.Metadata.IsOrchestrator)

	// everything else stays registered but blocked for the parent
	assert.Contains(t, plan.Metadata.OrchestratorBlockedTools, "sandbox:Read")
	assert.Contains(t, plan.Metadata.OrchestratorBlockedTools, "sandbox:Bash")
	assert.Contains(t, plan.Metadata.OrchestratorBlockedTools, "WebSearch")

	// host-side sandbox names are always denied
	for _, name := range []string{"Read", "Write", "Bash", "Find", "Grep"} {
		assert.Contains(t, plan.DisallowedTools, name)
	}
}

func TestFileManagerAutoInjection(t *testing.T) {
	plan, err := Compile(context.Background(), orchestratorConfig(), testContainer(), testDeps(t))
	require.NoError(t, err)

	fm, ok := plan.Subagents["FileManager"]
	require.True(t, ok, "FileManager must be injected for orchestrators")
	assert.Equal(t, agent.ModelHaiku, fm.Model)
	assert.Contains(t, fm.Description, "cloning")
	assert.Contains(t, fm.Prompt, "/scratch")

	// a user-defined FileManager is never overwritten
	cfg := orchestratorConfig()
	cfg.Subagents["FileManager"] = agent.Subagent{Description: "custom", Prompt: "mine", Model: agent.ModelSonnet}
	plan, err = Compile(context.Background(), cfg, testContainer(), testDeps(t))
	require.NoError(t, err)
	assert.Equal(t, agent.ModelSonnet, plan.Subagents["FileManager"].Model)
}

func TestDelegationGuidelinesInPrompt(t *testing.T) {
	plan, err := Compile(context.Background(), orchestratorConfig(), testContainer(), testDeps(t))
	require.NoError(t, err)

	assert.Contains(t, plan.SystemPrompt, "Coordinate the research.")
	assert.Contains(t, plan.SystemPrompt, "You are an orchestrator")
	assert.Contains(t, plan.SystemPrompt, "- Researcher")
	assert.Contains(t, plan.SystemPrompt, "- Writer")
	assert.Contains(t, plan.SystemPrompt, "- FileManager")
}

func TestTaskGuardHook(t *testing.T) {
	plan, err := Compile(context.Background(), orchestratorConfig(), testContainer(), testDeps(t))
	require.NoError(t, err)

	hooks := plan.Hooks[agent.HookPreToolUse]
	require.NotEmpty(t, hooks)
	guard := hooks[0]
	assert.Equal(t, "Task", guard.Matcher)
	require.Len(t, guard.Callbacks, 1)
	cb := guard.Callbacks[0]

	// missing subagent_type
	out, err := cb(context.Background(), map[string]any{"tool_input": map[string]any{"prompt": "do it"}})
	require.NoError(t, err)
	assert.Equal(t, BehaviorDeny, out["decision"])

	// unknown subagent_type
	out, err = cb(context.Background(), map[string]any{"tool_input": map[string]any{"subagent_type": "Ghost", "prompt": "x"}})
	require.NoError(t, err)
	assert.Equal(t, BehaviorDeny, out["decision"])
	assert.Contains(t, out["reason"], "Ghost")

	// host path in prompt
	out, err = cb(context.Background(), map[string]any{"tool_input": map[string]any{
		"subagent_type": "Researcher",
		"prompt":        "read /Users/alice/data.csv",
	}})
	require.NoError(t, err)
	assert.Equal(t, BehaviorDeny, out["decision"])

	// valid call
	out, err = cb(context.Background(), map[string]any{"tool_input": map[string]any{
		"subagent_type": "Researcher",
		"prompt":        "summarize /scratch/data.csv",
	}})
	require.NoError(t, err)
	assert.Equal(t, BehaviorAllow, out["decision"])
}

func TestUserHooksDoNotShadowGuard(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.Hooks = map[string][]agent.HookEntry{
		"PreToolUse": {{Matcher: "Task", Code: `return { decision: 'allow' };`}},
	}
	plan, err := Compile(context.Background(), cfg, testContainer(), testDeps(t))
	require.NoError(t, err)

	hooks := plan.Hooks[agent.HookPreToolUse]
	require.Len(t, hooks, 2)
	// the synthesized guard runs first
	out, err := hooks[0].Callbacks[0](context.Background(), map[string]any{"tool_input": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, BehaviorDeny, out["decision"])
}

func TestCanUseToolOrchestratorDenial(t *testing.T) {
	plan, err := Compile(context.Background(), orchestratorConfig(), testContainer(), testDeps(t))
	require.NoError(t, err)

	// parent call to a blocked tool is denied with remediation
	decision, err := plan.CanUseTool(context.Background(), ToolCall{ToolName: "sandbox:Bash"})
	require.NoError(t, err)
	assert.Equal(t, BehaviorDeny, decision.Behavior)
	assert.Contains(t, decision.Message, "Researcher")

	// the same call from a subagent is allowed
	decision, err = plan.CanUseTool(context.Background(), ToolCall{ToolName: "sandbox:Bash", SubagentID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, BehaviorAllow, decision.Behavior)

	// orchestration tools stay available to the parent
	decision, err = plan.CanUseTool(context.Background(), ToolCall{ToolName: "Task"})
	require.NoError(t, err)
	assert.Equal(t, BehaviorAllow, decision.Behavior)
}

func TestCanUseToolQuestionBridging(t *testing.T) {
	deps := testDeps(t)
	questions := deps.Questions.(*fakeQuestions)
	plan, err := Compile(context.Background(), orchestratorConfig(), testContainer(), deps)
	require.NoError(t, err)

	input := map[string]any{"prompt": "which format?", "options": []any{"csv", "json"}}
	decision, err := plan.CanUseTool(context.Background(), ToolCall{ToolName: "AskUserQuestion", Input: input})
	require.NoError(t, err)
	assert.Equal(t, BehaviorAllow, decision.Behavior)
	assert.Equal(t, map[string]any{"choice": "a"}, decision.UpdatedInput["answers"])
	assert.Equal(t, "which format?", decision.UpdatedInput["prompt"])
	require.Len(t, questions.asked, 1)

	// a failed bridge propagates the error to the engine
	questions.err = errors.New("interrupted")
	_, err = plan.CanUseTool(context.Background(), ToolCall{ToolName: "AskUserQuestion", Input: input})
	require.Error(t, err)
}

func TestUserCanUseToolCallback(t *testing.T) {
	cfg := &agent.Config{
		ID:    "plain-1",
		Tools: agent.ToolSet{Enabled: []string{"WebSearch"}},
		Advanced: &agent.Advanced{
			CanUseToolCode: `if (input.tool_name === 'WebSearch') { return { behavior: 'deny', message: 'no web' }; } return { behavior: 'allow' };`,
		},
	}
	deps := testDeps(t)
	plan, err := Compile(context.Background(), cfg, nil, deps)
	require.NoError(t, err)
	require.NotNil(t, plan.CanUseTool)
	// the callback snippet itself runs in the evaluator subprocess; here we
	// only verify it compiled and is installed
	assert.False(t, plan.Metadata.IsOrchestrator)
}

func TestLegacyHookMigration(t *testing.T) {
	cfg := &agent.Config{
		ID:    "legacy-1",
		Tools: agent.ToolSet{Enabled: []string{"WebSearch"}},
		Hooks: map[string][]agent.HookEntry{
			"BeforeToolUse": {{Code: `return { decision: 'allow' };`}},
			"OnError":       {{Code: `return { decision: 'allow' };`}},
			"OnBanana":      {{Code: `return { decision: 'allow' };`}},
		},
	}
	plan, err := Compile(context.Background(), cfg, nil, testDeps(t))
	require.NoError(t, err)

	assert.Len(t, plan.Hooks[agent.HookPreToolUse], 1)
	assert.Len(t, plan.Hooks[agent.HookPostToolUseFailure], 1)
	assert.NotContains(t, plan.Hooks, "OnBanana")
	require.NotEmpty(t, plan.Metadata.Warnings)
	assert.Contains(t, plan.Metadata.Warnings[0], "OnBanana")
}

func TestValidationIsAtomic(t *testing.T) {
	cfg := &agent.Config{
		ID:    "",
		Model: "gpt-5",
		Tools: agent.ToolSet{Enabled: []string{"Teleport", "WebSearch"}},
	}
	_, err := Compile(context.Background(), cfg, nil, testDeps(t))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid))
	assert.Contains(t, err.Error(), "agent id")
	assert.Contains(t, err.Error(), "gpt-5")
	assert.Contains(t, err.Error(), "Teleport")
}

func TestSandboxRequiresContainer(t *testing.T) {
	cfg := &agent.Config{ID: "a1", Tools: agent.ToolSet{Enabled: []string{"Bash"}}}
	_, err := Compile(context.Background(), cfg, nil, testDeps(t))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid))
	assert.Contains(t, err.Error(), "container")
}

func TestNonOrchestratorToolSurface(t *testing.T) {
	cfg := &agent.Config{
		ID:    "worker-1",
		Tools: agent.ToolSet{Enabled: []string{"Read", "Bash", "WebSearch"}},
	}
	plan, err := Compile(context.Background(), cfg, testContainer(), testDeps(t))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"sandbox:Read", "sandbox:Bash", "WebSearch"}, plan.AllowedTools)
	assert.NotNil(t, plan.ToolServer)
	assert.Empty(t, plan.Metadata.OrchestratorBlockedTools)
}

func TestCustomToolStubOnBadHandler(t *testing.T) {
	cfg := &agent.Config{
		ID:    "tools-1",
		Tools: agent.ToolSet{Enabled: []string{"WebSearch"}},
		CustomTools: []agent.CustomTool{
			{Name: "summarize", Description: "ok tool", HandlerCode: `return { summary: input.text };`},
			{Name: "evil", Description: "bad tool", HandlerCode: `require('child_process').exec('id')`},
		},
	}
	plan, err := Compile(context.Background(), cfg, nil, testDeps(t))
	require.NoError(t, err)
	require.Len(t, plan.CustomTools, 2)

	byName := map[string]CompiledTool{}
	for _, ct := range plan.CustomTools {
		byName[ct.Name] = ct
	}
	require.Contains(t, byName, "custom:evil")

	_, handlerErr := byName["custom:evil"].Handler(context.Background(), map[string]any{})
	require.Error(t, handlerErr)
	assert.Contains(t, handlerErr.Error(), "rejected")
	require.NotEmpty(t, plan.Metadata.Warnings)
}

func TestSubagentToolQualification(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.CustomTools = []agent.CustomTool{{Name: "summarize", HandlerCode: `return {};`}}
	cfg.Subagents["Researcher"] = agent.Subagent{
		Description: "digs",
		Prompt:      "Research.",
		Tools:       []string{"Read", "summarize", "WebSearch"},
	}
	plan, err := Compile(context.Background(), cfg, testContainer(), testDeps(t))
	require.NoError(t, err)

	researcher := plan.Subagents["Researcher"]
	assert.Equal(t, []string{"sandbox:Read", "custom:summarize", "WebSearch"}, researcher.Tools)
	assert.Contains(t, researcher.Prompt, "/scratch")

	// absent tools list means inherit: stays nil
	writer := plan.Subagents["Writer"]
	assert.Nil(t, writer.Tools)
	assert.Contains(t, writer.Prompt, "Workspace")
}

func TestSettingSourcesWithSkills(t *testing.T) {
	cfg := &agent.Config{
		ID:     "skilled-1",
		Tools:  agent.ToolSet{Enabled: []string{"WebSearch"}},
		Skills: []string{"pdf"},
	}
	plan, err := Compile(context.Background(), cfg, nil, testDeps(t))
	require.NoError(t, err)
	assert.Contains(t, plan.SettingSources, "project")
	assert.Contains(t, plan.SettingSources, "user")

	// without skills the user-configured list is left alone
	cfg = &agent.Config{
		ID:       "plain-2",
		Tools:    agent.ToolSet{Enabled: []string{"WebSearch"}},
		Advanced: &agent.Advanced{SettingSources: []string{"project"}},
	}
	plan, err = Compile(context.Background(), cfg, nil, testDeps(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"project"}, plan.SettingSources)
}

func TestPlatformGuidelines(t *testing.T) {
	cfg := &agent.Config{ID: "p1", Tools: agent.ToolSet{Enabled: []string{"WebSearch"}}}
	plan, err := Compile(context.Background(), cfg, nil, testDeps(t))
	require.NoError(t, err)
	assert.Contains(t, plan.SystemPrompt, "Working effectively")

	cfg.Advanced = &agent.Advanced{DisablePlatformGuidelines: true}
	plan, err = Compile(context.Background(), cfg, nil, testDeps(t))
	require.NoError(t, err)
	assert.NotContains(t, plan.SystemPrompt, "Working effectively")
}

func TestContextInjection(t *testing.T) {
	cfg := &agent.Config{
		ID:    "ctx-1",
		Tools: agent.ToolSet{Enabled: []string{"WebSearch"}},
		Context: &agent.ContextConfig{
			Static: map[string]string{"project": "quarterly report", "audience": "executives"},
		},
	}
	plan, err := Compile(context.Background(), cfg, nil, testDeps(t))
	require.NoError(t, err)
	assert.Contains(t, plan.SystemPrompt, "## Context")
	assert.Contains(t, plan.SystemPrompt, "### audience\nexecutives")
	assert.Contains(t, plan.SystemPrompt, "### project\nquarterly report")
}
