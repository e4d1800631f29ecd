// Package progress maintains the session progress journal: a JSON file at
// /scratch/claude-progress.json inside the sandbox that survives agent
// restarts, letting a resumed session pick up where the last run stopped.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/sandbox"
)

// FilePath is the journal location inside the session container.
const FilePath = sandbox.ScratchDir + "/claude-progress.json"

// InitialPhase is the phase a fresh journal starts in.
const InitialPhase = "gathering_context"

// Step is one completed step and its outcome. Journals written by earlier
// agent generations record bare strings; both shapes unmarshal.
type Step struct {
	Step   string `json:"step"`
	Result string `json:"result,omitempty"`
}

// UnmarshalJSON accepts either `"step text"` or `{"step":..., "result":...}`.
func (s *Step) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.Step)
	}
	type plain Step
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Step(p)
	return nil
}

// State is the persisted journal shape.
type State struct {
	SessionID       string    `json:"sessionId"`
	TaskDescription string    `json:"taskDescription"`
	StartedAt       time.Time `json:"startedAt"`
	LastUpdatedAt   time.Time `json:"lastUpdatedAt"`
	CurrentPhase    string    `json:"currentPhase"`
	CompletedSteps  []Step    `json:"completedSteps"`
	PendingSteps    []string  `json:"pendingSteps"`
	Notes           string    `json:"notes,omitempty"`
}

// fileIO is the slice of the sandbox controller the journal needs.
type fileIO interface {
	ReadFile(ctx context.Context, sessionID string, filePath string) (string, error)
	WriteFile(ctx context.Context, sessionID string, filePath string, content string) error
}

// Journal reads and writes one session's progress state. Writes are
// best-effort: a failed flush logs a warning and keeps the in-memory state.
type Journal struct {
	sessionID string
	files     fileIO
	logger    *logger.Logger
	state     *State
}

// NewJournal creates a journal bound to a session's sandbox.
func NewJournal(sessionID string, files fileIO, log *logger.Logger) *Journal {
	return &Journal{
		sessionID: sessionID,
		files:     files,
		logger:    log.WithFields(zap.String("session_id", sessionID)),
	}
}

// Init adopts an existing journal file or creates a fresh one. A fresh
// journal starts in the gathering_context phase with no steps; an adopted
// journal keeps its history so the agent can resume.
func (j *Journal) Init(ctx context.Context, taskDescription string) *State {
	state, err := j.load(ctx)
	if err != nil {
		j.logger.Error("progress journal unparseable, starting fresh", zap.Error(err))
	}
	if state != nil {
		j.logger.Info("adopted existing progress journal",
			zap.String("phase", state.CurrentPhase),
			zap.Int("completed_steps", len(state.CompletedSteps)))
		j.state = state
		j.touch()
		j.flush(ctx)
		return state
	}

	now := time.Now().UTC()
	j.state = &State{
		SessionID:       j.sessionID,
		TaskDescription: taskDescription,
		StartedAt:       now,
		LastUpdatedAt:   now,
		CurrentPhase:    InitialPhase,
		CompletedSteps:  []Step{},
		PendingSteps:    []string{},
	}
	j.flush(ctx)
	return j.state
}

// State returns the current in-memory state, or nil before Init.
func (j *Journal) State() *State {
	return j.state
}

// SetPhase records a phase transition and flushes.
func (j *Journal) SetPhase(ctx context.Context, phase string) {
	if j.state == nil || phase == "" || phase == j.state.CurrentPhase {
		return
	}
	j.state.CurrentPhase = phase
	j.touch()
	j.flush(ctx)
}

// CompleteStep moves a step from pending to completed. Completed steps are
// append-only: a step is never removed once recorded.
func (j *Journal) CompleteStep(ctx context.Context, step string) {
	if j.state == nil || step == "" {
		return
	}
	for _, done := range j.state.CompletedSteps {
		if done.Step == step {
			return
		}
	}
	j.state.CompletedSteps = append(j.state.CompletedSteps, Step{Step: step, Result: "success"})
	for i, pending := range j.state.PendingSteps {
		if pending == step {
			j.state.PendingSteps = append(j.state.PendingSteps[:i], j.state.PendingSteps[i+1:]...)
			break
		}
	}
	j.touch()
	j.flush(ctx)
}

// AddPendingSteps appends steps the agent still plans to do.
func (j *Journal) AddPendingSteps(ctx context.Context, steps ...string) {
	if j.state == nil || len(steps) == 0 {
		return
	}
	j.state.PendingSteps = append(j.state.PendingSteps, steps...)
	j.touch()
	j.flush(ctx)
}

// SetNotes replaces the free-form notes and flushes.
func (j *Journal) SetNotes(ctx context.Context, notes string) {
	if j.state == nil {
		return
	}
	j.state.Notes = notes
	j.touch()
	j.flush(ctx)
}

func (j *Journal) touch() {
	now := time.Now().UTC()
	if now.Before(j.state.StartedAt) {
		now = j.state.StartedAt
	}
	j.state.LastUpdatedAt = now
}

// load reads and parses the journal file. A missing file yields (nil, nil);
// an unparseable one yields the parse error so the caller can report it.
func (j *Journal) load(ctx context.Context) (*State, error) {
	content, err := j.files.ReadFile(ctx, j.sessionID, FilePath)
	if err != nil {
		return nil, nil
	}
	var state State
	if err := json.Unmarshal([]byte(content), &state); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FilePath, err)
	}
	if state.SessionID == "" {
		state.SessionID = j.sessionID
	}
	if state.CompletedSteps == nil {
		state.CompletedSteps = []Step{}
	}
	if state.PendingSteps == nil {
		state.PendingSteps = []string{}
	}
	return &state, nil
}

// flush writes the state to the sandbox. Failures are logged, not returned:
// the journal must never take down an otherwise healthy session.
func (j *Journal) flush(ctx context.Context) {
	data, err := json.MarshalIndent(j.state, "", "  ")
	if err != nil {
		j.logger.Warn("failed to marshal progress state", zap.Error(err))
		return
	}
	if err := j.files.WriteFile(ctx, j.sessionID, FilePath, string(data)); err != nil {
		j.logger.Warn("failed to write progress journal", zap.Error(err))
	}
}

// ResumeContext renders the journal as a prompt block for a resumed session,
// or "" when there is nothing to resume.
func (j *Journal) ResumeContext() string {
	if j.state == nil || len(j.state.CompletedSteps) == 0 {
		return ""
	}
	data, err := json.MarshalIndent(j.state, "", "  ")
	if err != nil {
		return ""
	}
	return fmt.Sprintf("## Resumed session\n\nA previous run of this task was interrupted. Its progress journal:\n\n```json\n%s\n```\n\nDo not repeat completed steps. Continue from the current phase.", string(data))
}
