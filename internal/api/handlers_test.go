package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/compiler"
	"github.com/claudesmith/claudesmith/internal/engine"
	"github.com/claudesmith/claudesmith/internal/events"
	"github.com/claudesmith/claudesmith/internal/events/bus"
	"github.com/claudesmith/claudesmith/internal/sandbox"
	"github.com/claudesmith/claudesmith/internal/sessionstore"
	"github.com/claudesmith/claudesmith/pkg/agent"
	"github.com/claudesmith/claudesmith/pkg/claudecode"
)

// stubSession completes immediately after receiving a prompt.
type stubSession struct {
	mu             sync.Mutex
	messageHandler claudecode.MessageHandler
}

func (s *stubSession) SetRequestHandler(claudecode.RequestHandler) {}

func (s *stubSession) SetMessageHandler(h claudecode.MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageHandler = h
}

func (s *stubSession) Start(context.Context) <-chan struct{} {
	ready := make(chan struct{})
	close(ready)
	return ready
}

func (s *stubSession) Stop() {}

func (s *stubSession) Initialize(context.Context, map[string]any, time.Duration) (*claudecode.InitializeResponseData, error) {
	return &claudecode.InitializeResponseData{}, nil
}

func (s *stubSession) Interrupt(context.Context, time.Duration) error         { return nil }
func (s *stubSession) SetPermissionMode(context.Context, string, time.Duration) error { return nil }
func (s *stubSession) SetModel(context.Context, string, time.Duration) error  { return nil }
func (s *stubSession) RewindFiles(context.Context, string, bool, time.Duration) error {
	return nil
}
func (s *stubSession) SendControlResponse(*claudecode.ControlResponseMessage) error { return nil }

func (s *stubSession) SendUserMessage(string) error {
	s.mu.Lock()
	h := s.messageHandler
	s.mu.Unlock()
	go h(&claudecode.CLIMessage{Type: claudecode.MessageTypeResult})
	return nil
}

type stubLauncher struct{}

func (stubLauncher) Launch(context.Context, string, *compiler.Plan) (engine.CLISession, error) {
	return &stubSession{}, nil
}

// nopSandbox satisfies engine.SandboxController without Docker.
type nopSandbox struct{}

func (nopSandbox) Create(context.Context, string) (string, error) { return "c-1", nil }
func (nopSandbox) Destroy(context.Context, string) error          { return nil }
func (nopSandbox) Exec(context.Context, string, string, time.Duration) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}
func (nopSandbox) ReadFile(context.Context, string, string) (string, error) { return "", assertErr }
func (nopSandbox) WriteFile(context.Context, string, string, string) error  { return nil }

var assertErr = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

func newTestServer(t *testing.T) (*gin.Engine, *Service, *bus.MemoryEventBus) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	store, err := sessionstore.New(t.TempDir())
	require.NoError(t, err)

	registry := engine.NewRegistry()
	memBus := bus.NewMemoryEventBus(log)

	factory := func(sessionID string, cfg *agent.Config) *engine.Engine {
		return engine.New(sessionID, cfg, engine.Deps{
			Sandbox:  nopSandbox{},
			Launcher: stubLauncher{},
			Registry: registry,
			Logger:   log,
		})
	}

	service := NewService(registry, store, memBus, factory, log)
	router := gin.New()
	SetupRoutes(router, service, memBus, log)
	return router, service, memBus
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestExecuteStartsSessionAndPublishesEvents(t *testing.T) {
	router, _, memBus := newTestServer(t)

	var mu sync.Mutex
	var types []string
	_, err := memBus.Subscribe(events.SessionSubject("sess-1"), func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
		return nil
	})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/sess-1/execute", ExecuteRequest{
		AgentConfig: &agent.Config{
			ID: "a1", Name: "helper", Model: agent.ModelSonnet,
			Tools: agent.ToolSet{Enabled: []string{"WebSearch"}},
		},
		Prompt: "go",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ty := range types {
			if ty == events.SessionFinished {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, types, events.SessionStarted)
}

func TestExecuteReusesStoredConfig(t *testing.T) {
	router, service, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/sess-2/execute", ExecuteRequest{
		AgentConfig: &agent.Config{
			ID: "a1", Name: "helper", Model: agent.ModelSonnet,
			Tools: agent.ToolSet{Enabled: []string{"WebSearch"}},
		},
		Prompt: "first run",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	// Wait for the first run to finish so the session is not busy.
	require.Eventually(t, func() bool {
		_, err := service.Timeline("sess-2")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// No config this time: the stored one is used.
	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/sess-2/execute", ExecuteRequest{})
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestExecuteUnknownSessionWithoutConfig(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/ghost/execute", ExecuteRequest{Prompt: "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInterruptUnknownSession(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/ghost/interrupt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnswerValidation(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/sess-1/answer", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDestroyUnknownSessionIsIdempotent(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodDelete, "/api/v1/sessions/ghost", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListSessions(t *testing.T) {
	router, _, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sessions")
}
