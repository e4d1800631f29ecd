package api

import "github.com/claudesmith/claudesmith/pkg/agent"

// ExecuteRequest starts a session. AgentConfig may be omitted when a
// configuration was stored for this session id by a previous call.
type ExecuteRequest struct {
	AgentConfig *agent.Config `json:"agentConfig,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
}

// AnswerRequest resolves a pending AskUserQuestion.
type AnswerRequest struct {
	RequestID string         `json:"requestId"`
	Answers   map[string]any `json:"answers" binding:"required"`
}

// PermissionModeRequest switches the session's permission mode.
type PermissionModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// ModelRequest switches the session's model.
type ModelRequest struct {
	Model string `json:"model" binding:"required"`
}

// RewindRequest restores files to a message checkpoint.
type RewindRequest struct {
	MessageUUID string `json:"messageUuid" binding:"required"`
	DryRun      bool   `json:"dryRun,omitempty"`
}
