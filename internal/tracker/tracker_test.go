package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *Tracker {
	return New("sess-1", "orchestrator", "orchestrator", "sonnet")
}

func TestRootNodeStartsInitializing(t *testing.T) {
	tr := newTestTracker()
	root := tr.Root()

	assert.Equal(t, StatusInitializing, root.Status)
	assert.Equal(t, "sess-1", root.SessionID)
	assert.Empty(t, root.ParentID)
	assert.False(t, root.StartedAt.IsZero())
}

func TestMessageRoutingByParentToolUseID(t *testing.T) {
	tr := newTestTracker()
	child := tr.StartSubagent("toolu_01", "researcher", "haiku")

	tr.AddMessage(Message{UUID: "m1", Type: "assistant", Content: "root message"})
	tr.AddMessage(Message{UUID: "m2", Type: "assistant", Content: "child message", ParentToolUseID: "toolu_01"})
	tr.AddMessage(Message{UUID: "m3", Type: "user", Content: "unknown parent", ParentToolUseID: "toolu_99"})

	root := tr.Root()
	require.Len(t, root.Messages, 2)
	assert.Equal(t, "m1", root.Messages[0].UUID)
	assert.Equal(t, "m3", root.Messages[1].UUID)

	require.Len(t, child.Messages, 1)
	assert.Equal(t, "m2", child.Messages[0].UUID)
}

func TestTerminalStatusIsSticky(t *testing.T) {
	tr := newTestTracker()
	rootID := tr.Root().ID

	tr.SetStatus(rootID, StatusRunning)
	tr.SetStatus(rootID, StatusFailed)
	tr.SetStatus(rootID, StatusRunning)

	assert.Equal(t, StatusFailed, tr.Root().Status)
	assert.False(t, tr.Root().EndedAt.IsZero())
}

func TestCompleteToolCallUpdatesInPlace(t *testing.T) {
	tr := newTestTracker()
	child := tr.StartSubagent("toolu_01", "coder", "sonnet")

	tr.AddToolCall(child.ID, ToolCall{ID: "call-1", Name: "Bash", Status: ToolCallRunning})
	tr.CompleteToolCall("call-1", "done", ToolCallCompleted, "")

	require.Len(t, child.ToolCalls, 1)
	call := child.ToolCalls[0]
	assert.Equal(t, ToolCallCompleted, call.Status)
	assert.Equal(t, "done", call.Output)
	assert.GreaterOrEqual(t, call.Duration, time.Duration(0))
}

func TestFinishComputesRecursiveMetrics(t *testing.T) {
	tr := newTestTracker()
	root := tr.Root()
	child := tr.StartSubagent("toolu_01", "researcher", "haiku")

	tr.AddMessage(Message{UUID: "m1", Type: "assistant"})
	tr.AddMessage(Message{UUID: "m2", Type: "assistant", ParentToolUseID: child.ID})
	tr.AddToolCall("", ToolCall{ID: "c1", Name: "Task"})
	tr.AddToolCall(child.ID, ToolCall{ID: "c2", Name: "Read"})
	tr.AddToolCall(child.ID, ToolCall{ID: "c3", Name: "Grep"})
	tr.AddUsage(root.ID, 1_000_000, 100_000)
	tr.AddUsage(child.ID, 2_000_000, 200_000)

	metrics := tr.Finish(StatusCompleted)

	assert.Equal(t, 2, metrics.Turns)
	assert.Equal(t, int64(3_000_000), metrics.InputTokens)
	assert.Equal(t, int64(300_000), metrics.OutputTokens)
	assert.Equal(t, 3, metrics.ToolCalls)
	assert.Equal(t, 1, metrics.Subagents)

	// root on sonnet: 1M*3 + 0.1M*15 = 4.5; child on haiku: 2M*1 + 0.2M*5 = 3.0
	assert.InDelta(t, 7.5, metrics.CostUSD, 1e-9)

	assert.Equal(t, StatusCompleted, root.Status)
	assert.Equal(t, StatusCompleted, child.Status)
}

func TestFinishExtendsParentIntervalOverChildren(t *testing.T) {
	tr := newTestTracker()
	root := tr.Root()
	child := tr.StartSubagent("toolu_01", "coder", "sonnet")

	// Parent finished before the child did.
	tr.SetStatus(root.ID, StatusCompleted)
	time.Sleep(2 * time.Millisecond)
	tr.SetStatus(child.ID, StatusCompleted)

	tr.Finish(StatusCompleted)

	assert.False(t, root.EndedAt.Before(child.EndedAt))
	assert.False(t, child.EndedAt.Before(child.StartedAt))
}

func TestUnknownModelCostsZero(t *testing.T) {
	tr := New("sess-2", "agent", "worker", "mystery-model")
	tr.AddUsage(tr.Root().ID, 5_000_000, 5_000_000)

	metrics := tr.Finish(StatusCompleted)
	assert.Zero(t, metrics.CostUSD)
}

func TestTimelineSortedByTimestamp(t *testing.T) {
	tr := newTestTracker()
	// Recorded timestamps sit between the root's start and the Finish call
	// so the synthetic start/end events bracket them.
	base := tr.Root().StartedAt

	tr.AddToolCall("", ToolCall{ID: "c1", Name: "Task", Timestamp: base.Add(3 * time.Millisecond)})
	tr.AddMessage(Message{UUID: "m1", Type: "assistant", Timestamp: base.Add(1 * time.Millisecond)})
	tr.StartSubagent("toolu_01", "researcher", "haiku")
	tr.AddMessage(Message{UUID: "m2", Type: "assistant", Timestamp: base.Add(2 * time.Millisecond), ParentToolUseID: "toolu_01"})

	time.Sleep(10 * time.Millisecond)
	tr.Finish(StatusCompleted)

	events := tr.Timeline()
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp),
			"timeline out of order at %d: %s before %s", i, events[i].Kind, events[i-1].Kind)
	}

	assert.Equal(t, "start", events[0].Kind)
	last := events[len(events)-1]
	assert.Equal(t, "end", last.Kind)
}

func TestEphemeralStoresEvictOldest(t *testing.T) {
	tr := newTestTracker()
	for i := 0; i < maxPermissions+10; i++ {
		tr.RecordPermission(map[string]any{"seq": i})
	}

	perms := tr.Permissions()
	require.Len(t, perms, maxPermissions)
	assert.Equal(t, 10, perms[0].Payload["seq"])
	assert.Equal(t, maxPermissions+9, perms[len(perms)-1].Payload["seq"])
}

func TestMessageCapEvictsOldest(t *testing.T) {
	tr := newTestTracker()
	for i := 0; i < maxMessages+5; i++ {
		tr.AddMessage(Message{UUID: fmt.Sprintf("m%d", i), Type: "user"})
	}

	msgs := tr.Root().Messages
	require.Len(t, msgs, maxMessages)
	assert.Equal(t, "m5", msgs[0].UUID)
}
