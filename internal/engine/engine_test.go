package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/compiler"
	"github.com/claudesmith/claudesmith/internal/progress"
	"github.com/claudesmith/claudesmith/internal/sandbox"
	"github.com/claudesmith/claudesmith/internal/tracker"
	"github.com/claudesmith/claudesmith/pkg/agent"
	"github.com/claudesmith/claudesmith/pkg/claudecode"
)

// fakeSession is an in-memory CLI session driven by the tests.
type fakeSession struct {
	mu             sync.Mutex
	requestHandler claudecode.RequestHandler
	messageHandler claudecode.MessageHandler
	responses      []*claudecode.ControlResponseMessage
	prompts        []string
	interrupts     int
	stopped        bool
	onPrompt       func()
}

func (s *fakeSession) SetRequestHandler(h claudecode.RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestHandler = h
}

func (s *fakeSession) SetMessageHandler(h claudecode.MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageHandler = h
}

func (s *fakeSession) Start(context.Context) <-chan struct{} {
	ready := make(chan struct{})
	close(ready)
	return ready
}

func (s *fakeSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *fakeSession) Initialize(context.Context, map[string]any, time.Duration) (*claudecode.InitializeResponseData, error) {
	return &claudecode.InitializeResponseData{}, nil
}

func (s *fakeSession) Interrupt(context.Context, time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	return nil
}

func (s *fakeSession) SetPermissionMode(_ context.Context, mode string, _ time.Duration) error {
	return nil
}

func (s *fakeSession) SetModel(_ context.Context, model string, _ time.Duration) error {
	return nil
}

func (s *fakeSession) RewindFiles(_ context.Context, _ string, _ bool, _ time.Duration) error {
	return nil
}

func (s *fakeSession) SendControlResponse(resp *claudecode.ControlResponseMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	return nil
}

func (s *fakeSession) SendUserMessage(content string) error {
	s.mu.Lock()
	s.prompts = append(s.prompts, content)
	onPrompt := s.onPrompt
	s.mu.Unlock()
	if onPrompt != nil {
		go onPrompt()
	}
	return nil
}

// deliver feeds a message into the engine as if the CLI had emitted it.
func (s *fakeSession) deliver(msg *claudecode.CLIMessage) {
	s.mu.Lock()
	h := s.messageHandler
	s.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// request feeds a control request into the engine.
func (s *fakeSession) request(id string, req *claudecode.ControlRequest) {
	s.mu.Lock()
	h := s.requestHandler
	s.mu.Unlock()
	if h != nil {
		h(id, req)
	}
}

func (s *fakeSession) lastResponse() *claudecode.ControlResponseMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return nil
	}
	return s.responses[len(s.responses)-1]
}

func (s *fakeSession) responseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

type fakeLauncher struct {
	session *fakeSession
}

func (l *fakeLauncher) Launch(context.Context, string, *compiler.Plan) (CLISession, error) {
	return l.session, nil
}

// fakeSandbox satisfies SandboxController without Docker.
type fakeSandbox struct {
	mu       sync.Mutex
	created  int
	removed  int
	files    map[string]string
	execFn   func(command string) (*sandbox.ExecResult, error)
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: make(map[string]string)}
}

func (f *fakeSandbox) Create(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return "container-1", nil
}

func (f *fakeSandbox) Destroy(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	return nil
}

func (f *fakeSandbox) Exec(_ context.Context, _ string, command string, _ time.Duration) (*sandbox.ExecResult, error) {
	if f.execFn != nil {
		return f.execFn(command)
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

func (f *fakeSandbox) ReadFile(_ context.Context, _ string, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return "", apperrors.NotFound("file", path)
	}
	return content, nil
}

func (f *fakeSandbox) WriteFile(_ context.Context, _ string, path string, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func newTestEngine(t *testing.T, cfg *agent.Config) (*Engine, *fakeSession, *fakeSandbox, *Registry) {
	t.Helper()
	session := &fakeSession{}
	sbx := newFakeSandbox()
	registry := NewRegistry()
	e := New("sess-1", cfg, Deps{
		Sandbox:  sbx,
		Launcher: &fakeLauncher{session: session},
		Registry: registry,
		Logger:   testLogger(),
	})
	return e, session, sbx, registry
}

func plainConfig() *agent.Config {
	return &agent.Config{
		ID:    "agent-1",
		Name:  "helper",
		Model: agent.ModelSonnet,
		Tools: agent.ToolSet{Enabled: []string{"WebSearch", "AskUserQuestion"}},
	}
}

func waitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed before %s event", want)
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestExecuteStreamsToCompletion(t *testing.T) {
	e, session, _, _ := newTestEngine(t, plainConfig())

	session.onPrompt = func() {
		session.deliver(&claudecode.CLIMessage{
			Type:  claudecode.MessageTypeSystem,
			Model: "claude-sonnet", Tools: []string{"WebSearch"},
		})
		session.deliver(&claudecode.CLIMessage{
			Type: claudecode.MessageTypeAssistant,
			Message: &claudecode.AssistantMessage{
				Role:    "assistant",
				Content: []claudecode.ContentBlock{{Type: "text", Text: "done looking"}},
				Usage:   &claudecode.Usage{InputTokens: 1000, OutputTokens: 200},
			},
		})
		session.deliver(&claudecode.CLIMessage{Type: claudecode.MessageTypeResult})
	}

	events, err := e.Execute(context.Background(), "look something up")
	require.NoError(t, err)

	waitEvent(t, events, EventSystem)
	text := waitEvent(t, events, EventAssistantText)
	assert.Equal(t, "done looking", text.Text)

	result := waitEvent(t, events, EventResult)
	assert.Equal(t, tracker.StatusCompleted, result.Status)
	require.NotNil(t, result.Metrics)
	assert.Equal(t, 1, result.Metrics.Turns)
	assert.Equal(t, int64(1000), result.Metrics.InputTokens)
	assert.InDelta(t, 0.006, result.Metrics.CostUSD, 1e-9)

	_, open := <-events
	assert.False(t, open, "stream should close after the result event")
	assert.Equal(t, []string{"look something up"}, session.prompts)
}

func TestExecuteRejectsSecondRun(t *testing.T) {
	e, _, _, _ := newTestEngine(t, plainConfig())

	_, err := e.Execute(context.Background(), "first")
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "second")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeBadRequest))

	_ = e.Interrupt(context.Background())
}

func TestInterruptEndsStream(t *testing.T) {
	e, session, _, _ := newTestEngine(t, plainConfig())

	events, err := e.Execute(context.Background(), "hang forever")
	require.NoError(t, err)
	waitEvent(t, events, EventStatus)

	require.NoError(t, e.Interrupt(context.Background()))

	result := waitEvent(t, events, EventResult)
	assert.Equal(t, tracker.StatusInterrupted, result.Status)
	assert.Equal(t, 1, session.interrupts)
}

func TestQuestionRoundTrip(t *testing.T) {
	e, session, _, _ := newTestEngine(t, plainConfig())

	events, err := e.Execute(context.Background(), "ask me something")
	require.NoError(t, err)
	waitEvent(t, events, EventStatus)

	questions := map[string]any{"questions": []any{map[string]any{"q": "which env?"}}}
	session.request("req-1", &claudecode.ControlRequest{
		Subtype:  claudecode.SubtypeCanUseTool,
		ToolName: claudecode.ToolAskUserQuestion,
		Input:    questions,
	})

	q := waitEvent(t, events, EventQuestion)
	assert.NotEmpty(t, q.RequestID)

	require.NoError(t, e.ResolveQuestion("pending", map[string]any{"q1": "prod"}))

	require.Eventually(t, func() bool { return session.lastResponse() != nil }, 5*time.Second, 5*time.Millisecond)
	resp := session.lastResponse()
	require.NotNil(t, resp.Response.Result)
	assert.Equal(t, claudecode.BehaviorAllow, resp.Response.Result.Behavior)

	updated, ok := resp.Response.Result.UpdatedInput.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"q1": "prod"}, updated["answers"])
	assert.NotNil(t, updated["questions"], "original questions survive alongside the answers")

	_ = e.Interrupt(context.Background())
}

func TestResolveQuestionWithoutPending(t *testing.T) {
	e, _, _, _ := newTestEngine(t, plainConfig())
	err := e.ResolveQuestion("req-9", map[string]any{"q1": "prod"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestInterruptDropsPendingQuestion(t *testing.T) {
	e, session, _, _ := newTestEngine(t, plainConfig())

	events, err := e.Execute(context.Background(), "ask and abandon")
	require.NoError(t, err)
	waitEvent(t, events, EventStatus)

	session.request("req-1", &claudecode.ControlRequest{
		Subtype:  claudecode.SubtypeCanUseTool,
		ToolName: claudecode.ToolAskUserQuestion,
		Input:    map[string]any{"questions": []any{}},
	})
	waitEvent(t, events, EventQuestion)

	require.NoError(t, e.Interrupt(context.Background()))

	result := waitEvent(t, events, EventResult)
	assert.Equal(t, tracker.StatusInterrupted, result.Status)

	require.Eventually(t, func() bool { return session.lastResponse() != nil }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "error", session.lastResponse().Response.Subtype)
}

func TestSubagentKeepsSandboxToolAccess(t *testing.T) {
	cfg := plainConfig()
	cfg.Tools.Enabled = []string{"Read"}
	cfg.Subagents = map[string]agent.Subagent{
		"Analyzer": {Description: "inspects files", Prompt: "Analyze the code.", Tools: []string{"Read"}},
	}

	e, session, _, _ := newTestEngine(t, cfg)
	events, err := e.Execute(context.Background(), "delegate the analysis")
	require.NoError(t, err)
	waitEvent(t, events, EventStatus)

	// Subagent-origin request: the parent tool use id names the Task call
	// that spawned it.
	session.request("req-1", &claudecode.ControlRequest{
		Subtype:         claudecode.SubtypeCanUseTool,
		ToolName:        "sandbox:Read",
		Input:           map[string]any{"path": "/scratch/main.go"},
		ParentToolUseID: "toolu_01",
	})
	require.Eventually(t, func() bool { return session.responseCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	resp := session.lastResponse()
	require.NotNil(t, resp.Response.Result)
	assert.Equal(t, claudecode.BehaviorAllow, resp.Response.Result.Behavior)

	// The orchestrator itself stays restricted to delegation.
	session.request("req-2", &claudecode.ControlRequest{
		Subtype:  claudecode.SubtypeCanUseTool,
		ToolName: "sandbox:Read",
		Input:    map[string]any{"path": "/scratch/main.go"},
	})
	require.Eventually(t, func() bool { return session.responseCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	resp = session.lastResponse()
	require.NotNil(t, resp.Response.Result)
	assert.Equal(t, claudecode.BehaviorDeny, resp.Response.Result.Behavior)
	assert.Contains(t, resp.Response.Result.Message, "Task")

	_ = e.Interrupt(context.Background())
}

func TestSubagentTaskBuildsChildNode(t *testing.T) {
	e, session, _, _ := newTestEngine(t, plainConfig())

	session.onPrompt = func() {
		session.deliver(&claudecode.CLIMessage{
			Type: claudecode.MessageTypeAssistant,
			Message: &claudecode.AssistantMessage{
				Role: "assistant",
				Content: []claudecode.ContentBlock{{
					Type: "tool_use", ID: "toolu_01", Name: claudecode.ToolTask,
					Input: map[string]any{"subagent_type": "researcher", "prompt": "dig in"},
				}},
			},
		})
		session.deliver(&claudecode.CLIMessage{
			Type: claudecode.MessageTypeUser,
			Message: &claudecode.AssistantMessage{
				Role: "user",
				Content: []claudecode.ContentBlock{{
					Type: "tool_result", ToolUseID: "toolu_01", Content: "findings",
				}},
			},
		})
		session.deliver(&claudecode.CLIMessage{Type: claudecode.MessageTypeResult})
	}

	events, err := e.Execute(context.Background(), "delegate")
	require.NoError(t, err)
	waitEvent(t, events, EventResult)

	root := e.Tracker().Root()
	require.Len(t, root.Children, 1)
	child := root.Children[0]
	assert.Equal(t, "toolu_01", child.ID)
	assert.Equal(t, "researcher", child.AgentName)
	assert.Equal(t, tracker.StatusCompleted, child.Status)
	assert.Equal(t, 1, root.Metrics.Subagents)
}

func TestExecuteProvisionsSandboxAndJournal(t *testing.T) {
	cfg := plainConfig()
	cfg.Tools.Enabled = []string{"Read", "Bash"}

	e, session, sbx, _ := newTestEngine(t, cfg)
	session.onPrompt = func() {
		session.deliver(&claudecode.CLIMessage{Type: claudecode.MessageTypeResult})
	}

	events, err := e.Execute(context.Background(), "touch the filesystem")
	require.NoError(t, err)
	waitEvent(t, events, EventResult)

	assert.Equal(t, 1, sbx.created)
	assert.Equal(t, 0, sbx.removed, "container survives normal completion")
	assert.Contains(t, sbx.files[progress.FilePath], "completed")
}

func TestExecuteDestroysContainerOnCompileFailure(t *testing.T) {
	cfg := plainConfig()
	cfg.Tools.Enabled = []string{"Read", "NotARealTool"}

	e, _, sbx, registry := newTestEngine(t, cfg)
	_, err := e.Execute(context.Background(), "doomed")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid))
	assert.Equal(t, 1, sbx.created)
	assert.Equal(t, 1, sbx.removed)

	_, ok := registry.Get("sess-1")
	assert.False(t, ok)
}

func TestRewindFilesRequiresCheckpointing(t *testing.T) {
	e, _, _, _ := newTestEngine(t, plainConfig())

	_, err := e.Execute(context.Background(), "run")
	require.NoError(t, err)

	err = e.RewindFiles(context.Background(), "msg-1", true)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeBadRequest))

	_ = e.Interrupt(context.Background())
}

func TestRegistryLifecycle(t *testing.T) {
	e, session, sbx, registry := newTestEngine(t, plainConfig())

	events, err := e.Execute(context.Background(), "run")
	require.NoError(t, err)
	waitEvent(t, events, EventStatus)

	got, ok := registry.Get("sess-1")
	require.True(t, ok)
	assert.Same(t, e, got)

	require.NoError(t, e.Destroy(context.Background()))
	_, ok = registry.Get("sess-1")
	assert.False(t, ok)
	assert.Equal(t, 0, sbx.removed, "no container was provisioned for this agent")
	_ = session
}
