// Package sessionstore persists (agent config, prompt) pairs per session id
// on disk, so short-lived handler invocations can reconstitute an execution
// without carrying the full configuration in every request.
package sessionstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
	"github.com/claudesmith/claudesmith/pkg/agent"
)

// storeDirName lives under the scratch root next to session scratch dirs.
const storeDirName = "_session_configs"

// unsafeChars collapses anything outside [A-Za-z0-9_-] in a session id.
var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Entry is one persisted session configuration.
type Entry struct {
	SessionID   string        `json:"sessionId"`
	AgentConfig *agent.Config `json:"agentConfig"`
	Prompt      string        `json:"prompt"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Store is a file-backed session id → (config, prompt) map.
type Store struct {
	dir string
}

// New creates a store rooted at <root>/_session_configs. An empty root
// defaults to <cwd>/.scratch.
func New(root string) (*Store, error) {
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, apperrors.InternalError("failed to resolve store root", err)
		}
		root = filepath.Join(cwd, ".scratch")
	}
	dir := filepath.Join(root, storeDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.InternalError("failed to create session store dir", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes a session's configuration, replacing any previous entry.
func (s *Store) Save(sessionID string, cfg *agent.Config, prompt string) error {
	entry := Entry{
		SessionID:   sessionID,
		AgentConfig: cfg,
		Prompt:      prompt,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return apperrors.InternalError("failed to marshal session config", err)
	}
	return os.WriteFile(s.path(sessionID), data, 0o644)
}

// Load returns a session's saved configuration.
func (s *Store) Load(sessionID string) (*Entry, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("session config", sessionID)
		}
		return nil, apperrors.InternalError("failed to read session config", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, apperrors.InternalError("failed to parse session config", err)
	}
	return &entry, nil
}

// Delete removes a session's entry; deleting an absent entry is a no-op.
func (s *Store) Delete(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return apperrors.InternalError("failed to delete session config", err)
	}
	return nil
}

// List returns the sanitized ids of all stored sessions.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperrors.InternalError("failed to list session configs", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, Sanitize(sessionID)+".json")
}

// Sanitize maps a session id onto a safe filename component.
func Sanitize(sessionID string) string {
	return unsafeChars.ReplaceAllString(sessionID, "_")
}
