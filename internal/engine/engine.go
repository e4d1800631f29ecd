// Package engine drives a single agent session end to end: it provisions
// the sandbox, initializes the progress journal, compiles the plan, launches
// the CLI, and streams normalized events to the caller while fielding
// permission decisions, hooks, and out-of-band control.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/compiler"
	"github.com/claudesmith/claudesmith/internal/progress"
	"github.com/claudesmith/claudesmith/internal/scriptengine"
	"github.com/claudesmith/claudesmith/internal/toolserver"
	"github.com/claudesmith/claudesmith/internal/tracker"
	"github.com/claudesmith/claudesmith/pkg/agent"
	"github.com/claudesmith/claudesmith/pkg/claudecode"
)

// controlTimeout bounds round-trips to the CLI for control requests.
const controlTimeout = 30 * time.Second

// eventBuffer is the stream buffer; a full buffer drops events rather than
// stalling the read loop.
const eventBuffer = 256

// SandboxController is the slice of the sandbox layer the engine needs.
// *sandbox.Controller satisfies it.
type SandboxController interface {
	toolserver.Executor
	Create(ctx context.Context, sessionID string) (string, error)
	Destroy(ctx context.Context, sessionID string) error
}

// Deps are the engine's collaborators.
type Deps struct {
	Sandbox     SandboxController
	Launcher    Launcher
	Evaluator   *scriptengine.Engine
	Connectors  compiler.ConnectorChecker
	TokenSource toolserver.TokenSource
	Registry    *Registry
	Logger      *logger.Logger
}

// pendingQuestion is the single outstanding AskUserQuestion for a session.
type pendingQuestion struct {
	id string
	ch chan map[string]any
}

// Engine owns one session's container handle, progress journal, and event
// stream. Execute runs at most once per engine; out-of-band control
// (Interrupt, ResolveQuestion, mode setters) arrives through the Registry.
type Engine struct {
	sessionID string
	cfg       *agent.Config
	deps      Deps
	logger    *logger.Logger

	mu            sync.Mutex
	running       bool
	hasContainer  bool
	client        CLISession
	plan          *compiler.Plan
	tracker       *tracker.Tracker
	journal       *progress.Journal
	pending       *pendingQuestion
	hookCallbacks map[string]scriptengine.Callback
	events        chan Event

	interrupted   chan struct{}
	interruptOnce sync.Once
}

// New creates an engine for one session.
func New(sessionID string, cfg *agent.Config, deps Deps) *Engine {
	return &Engine{
		sessionID:     sessionID,
		cfg:           cfg,
		deps:          deps,
		logger:        deps.Logger.WithSessionID(sessionID),
		hookCallbacks: make(map[string]scriptengine.Callback),
		interrupted:   make(chan struct{}),
	}
}

// SessionID returns the session this engine drives.
func (e *Engine) SessionID() string { return e.sessionID }

// Tracker returns the execution tree, nil before Execute.
func (e *Engine) Tracker() *tracker.Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker
}

// Execute runs the session and returns its event stream. The stream is
// finite and non-restartable: it ends with a result or error event. Setup
// failures (container, compile, launch) are returned synchronously.
func (e *Engine) Execute(ctx context.Context, prompt string) (<-chan Event, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, apperrors.BadRequest("session is already executing")
	}
	e.running = true
	e.mu.Unlock()

	if e.deps.Registry != nil {
		e.deps.Registry.Register(e.sessionID, e)
	}

	cleanupOnErr := func(destroyContainer bool) {
		if destroyContainer && e.hasContainer {
			if err := e.deps.Sandbox.Destroy(context.Background(), e.sessionID); err != nil {
				e.logger.Warn("failed to destroy container after setup failure", zap.Error(err))
			}
		}
		if e.deps.Registry != nil {
			e.deps.Registry.Unregister(e.sessionID)
		}
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}

	// 1. Container, when the tool surface needs one.
	var binding *compiler.ContainerBinding
	if compiler.NeedsSandbox(e.cfg) {
		if _, err := e.deps.Sandbox.Create(ctx, e.sessionID); err != nil {
			cleanupOnErr(false)
			return nil, err
		}
		e.hasContainer = true
		binding = &compiler.ContainerBinding{SessionID: e.sessionID, Executor: e.deps.Sandbox}

		// 2. Progress journal: adopt or create.
		e.journal = progress.NewJournal(e.sessionID, e.deps.Sandbox, e.deps.Logger)
		e.journal.Init(ctx, prompt)
	}

	// 3. Plan compilation.
	plan, err := compiler.Compile(ctx, e.cfg, binding, compiler.Deps{
		Evaluator:   e.deps.Evaluator,
		Questions:   e,
		Connectors:  e.deps.Connectors,
		TokenSource: e.deps.TokenSource,
		Logger:      e.deps.Logger,
	})
	if err != nil {
		cleanupOnErr(true)
		return nil, err
	}

	// 4. Resume block for sessions with prior progress.
	if e.journal != nil {
		if resume := e.journal.ResumeContext(); resume != "" {
			plan.SystemPrompt = plan.SystemPrompt + "\n\n" + resume
			e.logger.Info("resuming session from progress journal")
		}
	}

	if plan.ToolServer != nil {
		if err := plan.ToolServer.Start(ctx); err != nil {
			cleanupOnErr(true)
			return nil, err
		}
	}

	client, err := e.deps.Launcher.Launch(ctx, e.sessionID, plan)
	if err != nil {
		e.stopToolServer(plan)
		cleanupOnErr(true)
		return nil, err
	}

	agentType := "worker"
	if plan.Metadata.IsOrchestrator {
		agentType = "orchestrator"
	}

	e.mu.Lock()
	e.plan = plan
	e.client = client
	e.tracker = tracker.New(e.sessionID, plan.AgentName, agentType, plan.Model)
	e.events = make(chan Event, eventBuffer)
	e.mu.Unlock()

	go e.run(ctx, prompt)
	return e.events, nil
}

// run is the session's event loop. It owns the tracker exclusively: control
// methods invoked through the Registry never touch tracker state.
func (e *Engine) run(ctx context.Context, prompt string) {
	plan, client, tr := e.plan, e.client, e.tracker
	rootID := tr.Root().ID

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine panicked", zap.Any("panic", r))
			e.failAndTeardown(fmt.Sprintf("internal error: %v", r))
		}
	}()

	messages := make(chan *claudecode.CLIMessage, eventBuffer)
	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		select {
		case messages <- msg:
		case <-e.interrupted:
		}
	})
	client.SetRequestHandler(func(requestID string, req *claudecode.ControlRequest) {
		go e.handleControlRequest(ctx, requestID, req)
	})
	<-client.Start(ctx)

	if _, err := client.Initialize(ctx, e.registerHooks(plan), controlTimeout); err != nil {
		e.logger.Error("initialize failed", zap.Error(err))
		e.failAndTeardown(fmt.Sprintf("initialize failed: %v", err))
		return
	}

	tr.SetStatus(rootID, tracker.StatusRunning)
	e.emit(Event{Type: EventStatus, Status: tracker.StatusRunning})

	if err := client.SendUserMessage(prompt); err != nil {
		e.logger.Error("failed to send prompt", zap.Error(err))
		e.failAndTeardown(fmt.Sprintf("failed to send prompt: %v", err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = client.Interrupt(context.Background(), controlTimeout)
			e.finish(tracker.StatusInterrupted, "caller cancelled", nil)
			return
		case <-e.interrupted:
			e.finish(tracker.StatusInterrupted, "interrupted", nil)
			return
		case msg := <-messages:
			if terminal, status, reason := e.dispatch(msg); terminal {
				e.finish(status, reason, msg)
				return
			}
		}
	}
}

// dispatch classifies one CLI message, updates the tracker, and emits
// normalized events. It reports whether the message ends the session.
func (e *Engine) dispatch(msg *claudecode.CLIMessage) (bool, tracker.Status, string) {
	tr := e.tracker
	if raw := rawPayload(msg); raw != nil {
		tr.RecordEvent(raw)
	}

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		e.emit(Event{Type: EventSystem, Model: msg.Model, Tools: msg.Tools})

	case claudecode.MessageTypeAssistant:
		e.dispatchAssistant(msg)

	case claudecode.MessageTypeUser:
		e.dispatchToolResults(msg)

	case claudecode.MessageTypeResult:
		if msg.TotalInputTokens > 0 || msg.TotalOutputTokens > 0 {
			tr.AddUsage(tr.Root().ID, msg.TotalInputTokens, msg.TotalOutputTokens)
		}
		if msg.IsError {
			reason := msg.GetResultString()
			if reason == "" {
				reason = msg.Subtype
			}
			return true, tracker.StatusFailed, reason
		}
		return true, tracker.StatusCompleted, ""
	}
	return false, "", ""
}

func (e *Engine) dispatchAssistant(msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	tr := e.tracker
	var textParts []string

	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
			e.emit(Event{Type: EventAssistantText, Text: block.Text})
		case "thinking":
			e.emit(Event{Type: EventThinking, Text: block.Thinking})
		case "tool_use":
			if block.Name == claudecode.ToolTask {
				name, _ := block.Input["subagent_type"].(string)
				node := tr.StartSubagent(block.ID, name, subagentModel(e.plan, name))
				e.logger.Info("subagent started",
					zap.String("subagent", name),
					zap.String("node_id", node.ID))
			}
			tr.AddToolCall(msg.ParentToolUseID, tracker.ToolCall{
				ID:     block.ID,
				Name:   block.Name,
				Input:  block.Input,
				Status: tracker.ToolCallRunning,
			})
			e.emit(Event{
				Type:      EventToolUse,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				Input:     block.Input,
			})
		}
	}

	tr.AddMessage(tracker.Message{
		UUID:            msg.UUID,
		SessionID:       e.sessionID,
		Type:            "assistant",
		Content:         strings.Join(textParts, "\n"),
		ParentToolUseID: msg.ParentToolUseID,
	})
	if msg.Message.Usage != nil {
		tr.AddUsage(msg.ParentToolUseID, msg.Message.Usage.InputTokens, msg.Message.Usage.OutputTokens)
	}
}

func (e *Engine) dispatchToolResults(msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	tr := e.tracker
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		status := tracker.ToolCallCompleted
		errMsg := ""
		if block.IsError {
			status = tracker.ToolCallFailed
			errMsg = block.Content
		}
		tr.CompleteToolCall(block.ToolUseID, block.Content, status, errMsg)

		// A finished Task closes its subagent node; unknown ids no-op.
		nodeStatus := tracker.StatusCompleted
		if block.IsError {
			nodeStatus = tracker.StatusFailed
		}
		tr.SetStatus(block.ToolUseID, nodeStatus)

		e.emit(Event{
			Type:      EventToolResult,
			ToolUseID: block.ToolUseID,
			Content:   block.Content,
			IsError:   block.IsError,
		})
	}
}

// finish closes the stream with a terminal event and tears down the CLI and
// tool server. The container survives normal termination so the session can
// be resumed; Destroy removes it.
func (e *Engine) finish(status tracker.Status, reason string, msg *claudecode.CLIMessage) {
	metrics := e.tracker.Finish(status)

	if e.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		switch status {
		case tracker.StatusCompleted:
			e.journal.SetPhase(ctx, "completed")
		case tracker.StatusFailed:
			e.journal.SetNotes(ctx, "last run failed: "+reason)
		case tracker.StatusInterrupted:
			e.journal.SetNotes(ctx, "last run was interrupted")
		}
		cancel()
	}

	e.dropPendingQuestion()

	ev := Event{Type: EventResult, Status: status, Reason: reason, Metrics: &metrics}
	if msg != nil {
		if data := msg.GetResultData(); data != nil {
			ev.Text = data.Text
		} else {
			ev.Text = msg.GetResultString()
		}
	}
	e.emit(ev)

	e.logger.Info("session finished",
		zap.String("status", string(status)),
		zap.Int("turns", metrics.Turns),
		zap.Float64("cost_usd", metrics.CostUSD))

	e.teardown(false)
}

// failAndTeardown handles unrecoverable failures: the container is destroyed
// and the stream ends with an error event.
func (e *Engine) failAndTeardown(reason string) {
	e.tracker.Finish(tracker.StatusFailed)
	e.dropPendingQuestion()
	e.emit(Event{Type: EventError, Status: tracker.StatusFailed, Reason: reason})
	e.teardown(true)
}

// teardown stops the CLI and tool server, optionally destroys the
// container, and closes the event stream.
func (e *Engine) teardown(destroyContainer bool) {
	e.mu.Lock()
	client, plan, events := e.client, e.plan, e.events
	e.client = nil
	e.events = nil
	e.running = false
	e.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	e.stopToolServer(plan)

	if destroyContainer && e.hasContainer {
		if err := e.deps.Sandbox.Destroy(context.Background(), e.sessionID); err != nil {
			e.logger.Warn("failed to destroy container", zap.Error(err))
		}
		e.hasContainer = false
		if e.deps.Registry != nil {
			e.deps.Registry.Unregister(e.sessionID)
		}
	}

	if events != nil {
		close(events)
	}
}

func (e *Engine) stopToolServer(plan *compiler.Plan) {
	if plan == nil || plan.ToolServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := plan.ToolServer.Stop(ctx); err != nil {
		e.logger.Warn("failed to stop tool server", zap.Error(err))
	}
}

// Interrupt stops the current run: it forwards the interrupt to the CLI,
// drops any pending question, and lets the event loop emit the terminal
// interrupted event.
func (e *Engine) Interrupt(ctx context.Context) error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	var err error
	if client != nil {
		err = client.Interrupt(ctx, controlTimeout)
	}
	e.interruptOnce.Do(func() { close(e.interrupted) })
	return err
}

// SetPermissionMode forwards a permission-mode change to the CLI.
func (e *Engine) SetPermissionMode(ctx context.Context, mode string) error {
	client, err := e.liveClient()
	if err != nil {
		return err
	}
	return client.SetPermissionMode(ctx, mode, controlTimeout)
}

// SetModel switches the session's model mid-run.
func (e *Engine) SetModel(ctx context.Context, model string) error {
	client, err := e.liveClient()
	if err != nil {
		return err
	}
	return client.SetModel(ctx, model, controlTimeout)
}

// RewindFiles restores workspace files to their state at a message.
// Requires file checkpointing in the agent's settings.
func (e *Engine) RewindFiles(ctx context.Context, messageUUID string, dryRun bool) error {
	e.mu.Lock()
	plan := e.plan
	e.mu.Unlock()
	if plan == nil || !plan.FileCheckpointing {
		return apperrors.BadRequest("file checkpointing is not enabled for this session")
	}
	client, err := e.liveClient()
	if err != nil {
		return err
	}
	return client.RewindFiles(ctx, messageUUID, dryRun, controlTimeout)
}

func (e *Engine) liveClient() (CLISession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, apperrors.BadRequest("session is not running")
	}
	return e.client, nil
}

// Destroy removes the session's container and unregisters the engine. A
// running session is interrupted first.
func (e *Engine) Destroy(ctx context.Context) error {
	_ = e.Interrupt(ctx)

	e.mu.Lock()
	hasContainer := e.hasContainer
	e.hasContainer = false
	e.mu.Unlock()

	var err error
	if hasContainer {
		err = e.deps.Sandbox.Destroy(ctx, e.sessionID)
	}
	if e.deps.Registry != nil {
		e.deps.Registry.Unregister(e.sessionID)
	}
	return err
}

// Ask suspends an AskUserQuestion tool call until an out-of-band answer
// arrives via ResolveQuestion, or the session is interrupted. Exactly one
// question may be pending per session.
func (e *Engine) Ask(ctx context.Context, input map[string]any) (map[string]any, error) {
	e.mu.Lock()
	if e.pending != nil {
		e.mu.Unlock()
		return nil, apperrors.BadRequest("a question is already pending for this session")
	}
	q := &pendingQuestion{id: uuid.New().String(), ch: make(chan map[string]any, 1)}
	e.pending = q
	tr := e.tracker
	e.mu.Unlock()

	if tr != nil {
		tr.RecordQuestion(map[string]any{"request_id": q.id, "input": input})
		tr.SetStatus(tr.Root().ID, tracker.StatusWaitingForUser)
	}
	e.emit(Event{Type: EventQuestion, RequestID: q.id, Questions: input})

	defer func() {
		e.mu.Lock()
		e.pending = nil
		e.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.interrupted:
		return nil, apperrors.AnswerMissing(q.id)
	case answers := <-q.ch:
		if tr != nil {
			tr.SetStatus(tr.Root().ID, tracker.StatusRunning)
		}
		return answers, nil
	}
}

// ResolveQuestion delivers the user's answers to the pending question.
// "pending" (or empty) matches whichever question is outstanding.
func (e *Engine) ResolveQuestion(requestID string, answers map[string]any) error {
	e.mu.Lock()
	q := e.pending
	e.mu.Unlock()

	if q == nil {
		return apperrors.NotFound("pending question", requestID)
	}
	if requestID != "" && requestID != "pending" && requestID != q.id {
		return apperrors.NotFound("pending question", requestID)
	}
	select {
	case q.ch <- answers:
		return nil
	default:
		return apperrors.BadRequest("question was already answered")
	}
}

// dropPendingQuestion unblocks a suspended Ask with AnswerMissing. Closing
// the interrupted channel after the loop has exited is harmless.
func (e *Engine) dropPendingQuestion() {
	e.interruptOnce.Do(func() { close(e.interrupted) })
}

// handleControlRequest services can_use_tool and hook_callback requests
// from the CLI. It runs off the read loop so a suspended permission
// decision (question bridging) cannot stall the stream.
func (e *Engine) handleControlRequest(ctx context.Context, requestID string, req *claudecode.ControlRequest) {
	e.mu.Lock()
	plan, client, tr := e.plan, e.client, e.tracker
	e.mu.Unlock()
	if plan == nil || client == nil {
		return
	}

	switch req.Subtype {
	case claudecode.SubtypeCanUseTool:
		e.handleCanUseTool(ctx, requestID, req, plan, client, tr)

	case claudecode.SubtypeHookCallback:
		e.handleHookCallback(ctx, requestID, req, client)

	default:
		e.respondError(client, requestID, fmt.Sprintf("unsupported control request subtype: %s", req.Subtype))
	}
}

func (e *Engine) handleCanUseTool(ctx context.Context, requestID string, req *claudecode.ControlRequest, plan *compiler.Plan, client CLISession, tr *tracker.Tracker) {
	rootID := tr.Root().ID
	if req.ToolName != claudecode.ToolAskUserQuestion {
		tr.SetStatus(rootID, tracker.StatusWaitingForPermission)
	}

	decision, err := plan.CanUseTool(ctx, compiler.ToolCall{
		ToolName:   req.ToolName,
		Input:      req.Input,
		SubagentID: req.ParentToolUseID,
	})
	tr.SetStatus(rootID, tracker.StatusRunning)

	if err != nil {
		e.logger.Warn("permission callback failed",
			zap.String("tool", req.ToolName),
			zap.Error(err))
		e.respondError(client, requestID, err.Error())
		return
	}

	tr.RecordPermission(map[string]any{
		"tool":     req.ToolName,
		"behavior": decision.Behavior,
		"message":  decision.Message,
	})

	result := &claudecode.PermissionResult{Behavior: decision.Behavior}
	if decision.Behavior == compiler.BehaviorAllow {
		if decision.UpdatedInput != nil {
			result.UpdatedInput = decision.UpdatedInput
		} else {
			result.UpdatedInput = req.Input
		}
	} else {
		result.Message = decision.Message
	}

	if err := client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &claudecode.ControlResponse{
			Subtype: "success",
			Result:  result,
		},
	}); err != nil {
		e.logger.Warn("failed to send permission response", zap.Error(err))
	}
}

func (e *Engine) handleHookCallback(ctx context.Context, requestID string, req *claudecode.ControlRequest, client CLISession) {
	e.mu.Lock()
	cb, ok := e.hookCallbacks[req.CallbackID]
	e.mu.Unlock()
	if !ok {
		e.respondError(client, requestID, fmt.Sprintf("unknown hook callback: %s", req.CallbackID))
		return
	}

	out, err := cb(ctx, req.HookInput)
	if err != nil {
		e.respondError(client, requestID, err.Error())
		return
	}
	if err := client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &claudecode.ControlResponse{
			Subtype:  "success",
			Response: out,
		},
	}); err != nil {
		e.logger.Warn("failed to send hook response", zap.Error(err))
	}
}

func (e *Engine) respondError(client CLISession, requestID, message string) {
	if err := client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &claudecode.ControlResponse{Subtype: "error", Error: message},
	}); err != nil {
		e.logger.Warn("failed to send error response", zap.Error(err))
	}
}

// registerHooks flattens the plan's compiled hooks into the initialize
// payload and indexes their callbacks by id for hook_callback dispatch.
func (e *Engine) registerHooks(plan *compiler.Plan) map[string]any {
	if len(plan.Hooks) == 0 {
		return nil
	}
	payload := make(map[string]any, len(plan.Hooks))
	e.mu.Lock()
	defer e.mu.Unlock()
	for event, hooks := range plan.Hooks {
		entries := make([]map[string]any, 0, len(hooks))
		for i, hook := range hooks {
			ids := make([]string, 0, len(hook.Callbacks))
			for j, cb := range hook.Callbacks {
				id := fmt.Sprintf("%s_%d_%d", event, i, j)
				e.hookCallbacks[id] = cb
				ids = append(ids, id)
			}
			entries = append(entries, map[string]any{
				"matcher":         hook.Matcher,
				"hookCallbackIds": ids,
			})
		}
		payload[event] = entries
	}
	return payload
}

// emit pushes an event to the stream without blocking the loop; a full
// buffer drops the event with a warning.
func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	events := e.events
	e.mu.Unlock()
	if events == nil {
		return
	}
	ev.SessionID = e.sessionID
	ev.Timestamp = time.Now().UTC()
	select {
	case events <- ev:
	default:
		e.logger.Warn("event buffer full, dropping event", zap.String("type", string(ev.Type)))
	}
}

// subagentModel resolves the model a subagent will run on.
func subagentModel(plan *compiler.Plan, name string) string {
	if sa, ok := plan.Subagents[name]; ok && sa.Model != "" && sa.Model != agent.ModelInherit {
		return sa.Model
	}
	return plan.Model
}

func rawPayload(msg *claudecode.CLIMessage) map[string]any {
	if len(msg.RawContent) == 0 {
		return map[string]any{"type": msg.Type}
	}
	var payload map[string]any
	if err := json.Unmarshal(msg.RawContent, &payload); err != nil {
		return map[string]any{"type": msg.Type}
	}
	return payload
}
