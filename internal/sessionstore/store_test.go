package sessionstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
	"github.com/claudesmith/claudesmith/pkg/agent"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	return store
}

func sampleConfig() *agent.Config {
	return &agent.Config{
		ID:    "agent-1",
		Name:  "helper",
		Model: agent.ModelSonnet,
		Tools: agent.ToolSet{Enabled: []string{"Read", "Bash"}},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save("sess-1", sampleConfig(), "do the thing"))

	entry, err := store.Load("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", entry.SessionID)
	assert.Equal(t, "do the thing", entry.Prompt)
	assert.Equal(t, "helper", entry.AgentConfig.Name)
	assert.Equal(t, []string{"Read", "Bash"}, entry.AgentConfig.Tools.Enabled)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestLoadMissingSession(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load("nope")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestSaveOverwritesPreviousEntry(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("sess-1", sampleConfig(), "first"))
	require.NoError(t, store.Save("sess-1", sampleConfig(), "second"))

	entry, err := store.Load("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "second", entry.Prompt)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("sess-1", sampleConfig(), "prompt"))

	require.NoError(t, store.Delete("sess-1"))
	require.NoError(t, store.Delete("sess-1"))

	_, err := store.Load("sess-1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestListReturnsStoredSessions(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("sess-a", sampleConfig(), "a"))
	require.NoError(t, store.Save("sess-b", sampleConfig(), "b"))

	ids, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sess-a", "sess-b"}, ids)
}

func TestSanitizeSessionIDs(t *testing.T) {
	cases := map[string]string{
		"sess-1":            "sess-1",
		"a/b\\c":            "a_b_c",
		"../../etc/passwd":  "______etc_passwd",
		"id with spaces!":   "id_with_spaces_",
		"UPPER_lower-09":    "UPPER_lower-09",
		"dots.and.colons::": "dots_and_colons__",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "input %q", in)
	}
}

func TestSanitizedPathStaysInStoreDir(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("../escape", sampleConfig(), "p"))

	entry, err := store.Load("../escape")
	require.NoError(t, err)
	assert.Equal(t, "p", entry.Prompt)

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"___escape"}, ids)
}
