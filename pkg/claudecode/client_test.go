package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudesmith/claudesmith/internal/common/logger"
)

// syncBuffer is a goroutine-safe buffer standing in for the CLI's stdin.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw := bytes.TrimSpace(b.buf.Bytes())
	if len(raw) == 0 {
		return nil
	}
	return bytes.Split(raw, []byte("\n"))
}

func newTestClient(t *testing.T) (*Client, *syncBuffer, io.WriteCloser) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	stdin := &syncBuffer{}
	stdoutR, stdoutW := io.Pipe()
	client := NewClient(stdin, stdoutR, log)
	t.Cleanup(func() {
		client.Stop()
		stdoutW.Close()
	})
	return client, stdin, stdoutW
}

func TestSendUserMessage(t *testing.T) {
	client, stdin, _ := newTestClient(t)

	require.NoError(t, client.SendUserMessage("build me a report"))

	lines := stdin.Lines()
	require.Len(t, lines, 1)

	var msg UserMessage
	require.NoError(t, json.Unmarshal(lines[0], &msg))
	assert.Equal(t, MessageTypeUser, msg.Type)
	assert.Equal(t, "user", msg.Message.Role)
	assert.Equal(t, "build me a report", msg.Message.Content)
}

func TestControlRequestDispatchedToHandler(t *testing.T) {
	client, _, stdoutW := newTestClient(t)

	received := make(chan *ControlRequest, 1)
	client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		assert.Equal(t, "req-1", requestID)
		received <- req
	})

	<-client.Start(context.Background())

	line := `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls /scratch"}}}` + "\n"
	_, err := stdoutW.Write([]byte(line))
	require.NoError(t, err)

	select {
	case req := <-received:
		assert.Equal(t, SubtypeCanUseTool, req.Subtype)
		assert.Equal(t, ToolBash, req.ToolName)
		assert.Equal(t, "ls /scratch", req.Input["command"])
	case <-time.After(time.Second):
		t.Fatal("control request never reached handler")
	}
}

func TestControlRequestCarriesParentToolUseID(t *testing.T) {
	client, _, stdoutW := newTestClient(t)

	received := make(chan *ControlRequest, 1)
	client.SetRequestHandler(func(_ string, req *ControlRequest) {
		received <- req
	})

	<-client.Start(context.Background())

	// The CLI puts parent_tool_use_id on the envelope, not the request body.
	line := `{"type":"control_request","request_id":"req-2","parent_tool_use_id":"toolu_01","request":{"subtype":"can_use_tool","tool_name":"Read","input":{"path":"/scratch/a.go"}}}` + "\n"
	_, err := stdoutW.Write([]byte(line))
	require.NoError(t, err)

	select {
	case req := <-received:
		assert.Equal(t, "toolu_01", req.ParentToolUseID)
	case <-time.After(time.Second):
		t.Fatal("control request never reached handler")
	}
}

func TestStreamingMessageDispatched(t *testing.T) {
	client, _, stdoutW := newTestClient(t)

	received := make(chan *CLIMessage, 1)
	client.SetMessageHandler(func(msg *CLIMessage) { received <- msg })

	<-client.Start(context.Background())

	line := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"working on it"}]}}` + "\n"
	_, err := stdoutW.Write([]byte(line))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, MessageTypeAssistant, msg.Type)
		require.NotNil(t, msg.Message)
		require.Len(t, msg.Message.Content, 1)
		assert.Equal(t, "working on it", msg.Message.Content[0].Text)
		assert.NotEmpty(t, msg.RawContent)
	case <-time.After(time.Second):
		t.Fatal("message never reached handler")
	}
}

// respondToControlRequests reads control requests off stdin and answers each
// with a success control response, imitating the CLI side of the protocol.
func respondToControlRequests(t *testing.T, stdin *syncBuffer, stdoutW io.Writer, stop <-chan struct{}) {
	t.Helper()
	seen := 0
	for {
		select {
		case <-stop:
			return
		case <-time.After(5 * time.Millisecond):
		}
		lines := stdin.Lines()
		for ; seen < len(lines); seen++ {
			var req SDKControlRequest
			if err := json.Unmarshal(lines[seen], &req); err != nil || req.Type != MessageTypeControlRequest {
				continue
			}
			resp := map[string]any{
				"type": MessageTypeControlResponse,
				"response": map[string]any{
					"request_id": req.RequestID,
					"subtype":    "success",
				},
			}
			data, err := json.Marshal(resp)
			require.NoError(t, err)
			_, _ = stdoutW.Write(append(data, '\n'))
		}
	}
}

func TestInterruptRoundTrip(t *testing.T) {
	client, stdin, stdoutW := newTestClient(t)
	<-client.Start(context.Background())

	stop := make(chan struct{})
	defer close(stop)
	go respondToControlRequests(t, stdin, stdoutW, stop)

	require.NoError(t, client.Interrupt(context.Background(), 2*time.Second))

	var req SDKControlRequest
	require.NoError(t, json.Unmarshal(stdin.Lines()[0], &req))
	assert.Equal(t, SubtypeInterrupt, req.Request.Subtype)
}

func TestSetPermissionModeRoundTrip(t *testing.T) {
	client, stdin, stdoutW := newTestClient(t)
	<-client.Start(context.Background())

	stop := make(chan struct{})
	defer close(stop)
	go respondToControlRequests(t, stdin, stdoutW, stop)

	require.NoError(t, client.SetPermissionMode(context.Background(), PermissionModePlan, 2*time.Second))

	var req SDKControlRequest
	require.NoError(t, json.Unmarshal(stdin.Lines()[0], &req))
	assert.Equal(t, SubtypeSetPermissionMode, req.Request.Subtype)
	assert.Equal(t, PermissionModePlan, req.Request.Mode)
}

func TestRoundTripTimesOutWithoutResponse(t *testing.T) {
	client, _, _ := newTestClient(t)
	<-client.Start(context.Background())

	err := client.Interrupt(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestNoHandlerAutoErrors(t *testing.T) {
	client, stdin, stdoutW := newTestClient(t)
	<-client.Start(context.Background())

	line := `{"type":"control_request","request_id":"req-9","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"
	_, err := stdoutW.Write([]byte(line))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(stdin.Lines()) == 1
	}, time.Second, 5*time.Millisecond)

	var resp ControlResponseMessage
	require.NoError(t, json.Unmarshal(stdin.Lines()[0], &resp))
	assert.Equal(t, "req-9", resp.RequestID)
	assert.Equal(t, "error", resp.Response.Subtype)
}
