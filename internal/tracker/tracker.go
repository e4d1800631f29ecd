// Package tracker builds the execution node tree for a session: one root
// node for the parent agent, one child node per spawned subagent, with
// messages and tool calls routed to the right node. It also keeps bounded
// in-memory stores of raw events, permissions, questions, and checkpoints.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of an execution node. Terminal statuses are never overwritten.
type Status string

const (
	StatusInitializing         Status = "initializing"
	StatusRunning              Status = "running"
	StatusWaitingForUser       Status = "waiting_for_user"
	StatusWaitingForPermission Status = "waiting_for_permission"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusInterrupted          Status = "interrupted"
)

// Terminal reports whether a status ends a node's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

// Tool call statuses.
const (
	ToolCallPending   = "pending"
	ToolCallRunning   = "running"
	ToolCallCompleted = "completed"
	ToolCallFailed    = "failed"
)

// FIFO caps for the ephemeral stores.
const (
	maxEvents      = 500
	maxToolCalls   = 200
	maxCheckpoints = 100
	maxPermissions = 50
	maxQuestions   = 50
	maxMessages    = 1000
)

// ToolCall records one tool invocation on a node.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Message records one message routed to a node.
type Message struct {
	UUID            string    `json:"uuid"`
	SessionID       string    `json:"session_id"`
	Type            string    `json:"type"` // user|assistant|system|tool_result|partial
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	ParentToolUseID string    `json:"parent_tool_use_id,omitempty"`
}

// Metrics are computed at completion by recursive traversal.
type Metrics struct {
	Turns        int     `json:"turns"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	ToolCalls    int     `json:"tool_calls"`
	Subagents    int     `json:"subagents"`
	CostUSD      float64 `json:"cost_usd"`
}

// Node is one agent run in the execution tree.
type Node struct {
	ID        string     `json:"id"`
	ParentID  string     `json:"parent_id,omitempty"`
	SessionID string     `json:"session_id"`
	AgentType string     `json:"agent_type"` // orchestrator|worker|subagent
	AgentName string     `json:"agent_name"`
	Status    Status     `json:"status"`
	Model     string     `json:"model,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at,omitempty"`
	Messages  []Message  `json:"messages,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Children  []*Node    `json:"children,omitempty"`
	Metrics   Metrics    `json:"metrics"`

	turns        int
	inputTokens  int64
	outputTokens int64
}

// TimelineEvent is one entry of the flattened, time-sorted session view.
type TimelineEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"` // start|message|tool_call|subagent|end
	NodeID    string    `json:"node_id"`
	AgentName string    `json:"agent_name"`
	Detail    string    `json:"detail,omitempty"`
}

// Record is one entry of an ephemeral store (raw event, permission
// decision, question, checkpoint).
type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// modelPricing is USD per million tokens, keyed by model alias.
var modelPricing = map[string]struct{ input, output float64 }{
	"sonnet": {3.0, 15.0},
	"opus":   {15.0, 75.0},
	"haiku":  {1.0, 5.0},
}

// Tracker owns the node tree for one session. All methods are safe for
// concurrent use, though within a session the engine mutates sequentially.
type Tracker struct {
	mu    sync.Mutex
	root  *Node
	nodes map[string]*Node

	events      []Record
	permissions []Record
	questions   []Record
	checkpoints []Record
}

// New creates a tracker with a root node for the parent agent.
func New(sessionID, agentName, agentType, model string) *Tracker {
	root := &Node{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		AgentType: agentType,
		AgentName: agentName,
		Model:     model,
		Status:    StatusInitializing,
		StartedAt: time.Now().UTC(),
	}
	return &Tracker{
		root:  root,
		nodes: map[string]*Node{root.ID: root},
	}
}

// Root returns the root node.
func (t *Tracker) Root() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Node returns the node with the given id, or nil.
func (t *Tracker) Node(id string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[id]
}

// StartSubagent creates a child node linked under the parent. The node's id
// is the spawning tool-use id, so later messages carrying that id as
// parent_tool_use_id route to this node.
func (t *Tracker) StartSubagent(toolUseID, name, model string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := &Node{
		ID:        toolUseID,
		ParentID:  t.root.ID,
		SessionID: t.root.SessionID,
		AgentType: "subagent",
		AgentName: name,
		Model:     model,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	t.root.Children = append(t.root.Children, node)
	t.nodes[node.ID] = node
	return node
}

// AddMessage routes a message to the node whose id equals its
// parent_tool_use_id, falling back to root.
func (t *Tracker) AddMessage(msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	if msg.ParentToolUseID != "" {
		if n, ok := t.nodes[msg.ParentToolUseID]; ok {
			node = n
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	node.Messages = fifoAppend(node.Messages, msg, maxMessages)
	if msg.Type == "assistant" {
		node.turns++
	}
}

// AddToolCall appends a tool call to the given node (root when empty).
func (t *Tracker) AddToolCall(nodeID string, call ToolCall) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	if nodeID != "" {
		if n, ok := t.nodes[nodeID]; ok {
			node = n
		}
	}
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now().UTC()
	}
	if call.Status == "" {
		call.Status = ToolCallPending
	}
	node.ToolCalls = fifoAppend(node.ToolCalls, call, maxToolCalls)
}

// CompleteToolCall updates a tool call in place wherever it lives.
func (t *Tracker) CompleteToolCall(callID, output, status, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, node := range t.nodes {
		for i := range node.ToolCalls {
			if node.ToolCalls[i].ID != callID {
				continue
			}
			call := &node.ToolCalls[i]
			call.Output = output
			call.Status = status
			call.Error = errMsg
			call.Duration = time.Since(call.Timestamp)
			return
		}
	}
}

// AddUsage accumulates token usage on a node.
func (t *Tracker) AddUsage(nodeID string, inputTokens, outputTokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	if n, ok := t.nodes[nodeID]; ok {
		node = n
	}
	node.inputTokens += inputTokens
	node.outputTokens += outputTokens
}

// SetStatus transitions a node's status. Terminal statuses stick: a later
// transition on a finished node is ignored.
func (t *Tracker) SetStatus(nodeID string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		return
	}
	if node.Status.Terminal() {
		return
	}
	node.Status = status
	if status.Terminal() {
		node.EndedAt = time.Now().UTC()
	}
}

// Finish moves the root (and any still-running children) to the terminal
// status and computes metrics over the whole tree. Child intervals are kept
// inside the parent's by extending the parent's end time when needed.
func (t *Tracker) Finish(status Status) Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	for _, node := range t.nodes {
		if !node.Status.Terminal() {
			node.Status = status
			node.EndedAt = now
		}
	}
	finalizeIntervals(t.root)
	computeMetrics(t.root)
	return t.root.Metrics
}

// finalizeIntervals extends each parent's end time to cover its children.
func finalizeIntervals(node *Node) {
	for _, child := range node.Children {
		finalizeIntervals(child)
		if child.EndedAt.After(node.EndedAt) {
			node.EndedAt = child.EndedAt
		}
	}
}

// computeMetrics fills Metrics bottom-up; each node's metrics include its
// whole subtree.
func computeMetrics(node *Node) {
	m := Metrics{
		Turns:        node.turns,
		InputTokens:  node.inputTokens,
		OutputTokens: node.outputTokens,
		ToolCalls:    len(node.ToolCalls),
		Subagents:    len(node.Children),
		CostUSD:      estimateCost(node.Model, node.inputTokens, node.outputTokens),
	}
	for _, child := range node.Children {
		computeMetrics(child)
		m.Turns += child.Metrics.Turns
		m.InputTokens += child.Metrics.InputTokens
		m.OutputTokens += child.Metrics.OutputTokens
		m.ToolCalls += child.Metrics.ToolCalls
		m.Subagents += child.Metrics.Subagents
		m.CostUSD += child.Metrics.CostUSD
	}
	node.Metrics = m
}

// estimateCost applies the fixed pricing table; unknown models cost zero.
func estimateCost(model string, inputTokens, outputTokens int64) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*pricing.input + float64(outputTokens)/1e6*pricing.output
}

// Timeline returns the flattened tree as time-sorted events.
func (t *Tracker) Timeline() []TimelineEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []TimelineEvent
	var walk func(node *Node)
	walk = func(node *Node) {
		kind := "start"
		if node.ParentID != "" {
			kind = "subagent"
		}
		events = append(events, TimelineEvent{
			Timestamp: node.StartedAt,
			Kind:      kind,
			NodeID:    node.ID,
			AgentName: node.AgentName,
		})
		for _, msg := range node.Messages {
			events = append(events, TimelineEvent{
				Timestamp: msg.Timestamp,
				Kind:      "message",
				NodeID:    node.ID,
				AgentName: node.AgentName,
				Detail:    msg.Type,
			})
		}
		for _, call := range node.ToolCalls {
			events = append(events, TimelineEvent{
				Timestamp: call.Timestamp,
				Kind:      "tool_call",
				NodeID:    node.ID,
				AgentName: node.AgentName,
				Detail:    call.Name,
			})
		}
		if !node.EndedAt.IsZero() {
			events = append(events, TimelineEvent{
				Timestamp: node.EndedAt,
				Kind:      "end",
				NodeID:    node.ID,
				AgentName: node.AgentName,
				Detail:    string(node.Status),
			})
		}
		for _, child := range node.Children {
			walk(child)
		}
	}
	walk(t.root)

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}

// RecordEvent stores a raw protocol event (FIFO, capped).
func (t *Tracker) RecordEvent(payload map[string]any) {
	t.record(&t.events, payload, maxEvents)
}

// RecordPermission stores a permission decision (FIFO, capped).
func (t *Tracker) RecordPermission(payload map[string]any) {
	t.record(&t.permissions, payload, maxPermissions)
}

// RecordQuestion stores an AskUserQuestion exchange (FIFO, capped).
func (t *Tracker) RecordQuestion(payload map[string]any) {
	t.record(&t.questions, payload, maxQuestions)
}

// RecordCheckpoint stores a file checkpoint reference (FIFO, capped).
func (t *Tracker) RecordCheckpoint(payload map[string]any) {
	t.record(&t.checkpoints, payload, maxCheckpoints)
}

func (t *Tracker) record(store *[]Record, payload map[string]any, cap int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	*store = fifoAppend(*store, Record{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}, cap)
}

// Events returns a copy of the raw event store.
func (t *Tracker) Events() []Record { return t.copyStore(&t.events) }

// Permissions returns a copy of the permission store.
func (t *Tracker) Permissions() []Record { return t.copyStore(&t.permissions) }

// Questions returns a copy of the question store.
func (t *Tracker) Questions() []Record { return t.copyStore(&t.questions) }

// Checkpoints returns a copy of the checkpoint store.
func (t *Tracker) Checkpoints() []Record { return t.copyStore(&t.checkpoints) }

func (t *Tracker) copyStore(store *[]Record) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(*store))
	copy(out, *store)
	return out
}

// fifoAppend appends to a bounded slice, evicting the oldest entries.
func fifoAppend[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
