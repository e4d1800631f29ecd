// Package api exposes the session runtime over HTTP and WebSocket: execute,
// interrupt, question answering, permission/model control, and event
// streaming.
package api

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/engine"
	"github.com/claudesmith/claudesmith/internal/events"
	"github.com/claudesmith/claudesmith/internal/events/bus"
	"github.com/claudesmith/claudesmith/internal/sessionstore"
	"github.com/claudesmith/claudesmith/internal/tracker"
	"github.com/claudesmith/claudesmith/pkg/agent"
)

// EngineFactory builds an engine for a session. Injected so tests can
// substitute fakes for the Docker and CLI dependencies.
type EngineFactory func(sessionID string, cfg *agent.Config) *engine.Engine

// Service coordinates engines, the session config store, and the event bus.
type Service struct {
	registry *engine.Registry
	store    *sessionstore.Store
	bus      bus.EventBus
	factory  EngineFactory
	logger   *logger.Logger
}

// NewService wires the API service.
func NewService(registry *engine.Registry, store *sessionstore.Store, eventBus bus.EventBus, factory EngineFactory, log *logger.Logger) *Service {
	return &Service{
		registry: registry,
		store:    store,
		bus:      eventBus,
		factory:  factory,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// Execute starts a session. When cfg is nil the stored configuration for the
// session id is used; when non-nil it is persisted so later invocations can
// reconstitute the session. Events flow to the bus; the call returns once
// the stream is established.
func (s *Service) Execute(ctx context.Context, sessionID string, cfg *agent.Config, prompt string) error {
	if cfg == nil {
		entry, err := s.store.Load(sessionID)
		if err != nil {
			return err
		}
		cfg = entry.AgentConfig
		if prompt == "" {
			prompt = entry.Prompt
		}
	} else {
		if err := s.store.Save(sessionID, cfg, prompt); err != nil {
			s.logger.Warn("failed to persist session config", zap.Error(err))
		}
	}
	if prompt == "" {
		return apperrors.BadRequest("prompt is required")
	}

	eng := s.factory(sessionID, cfg)

	// The stream outlives the HTTP request that started it.
	stream, err := eng.Execute(context.Background(), prompt)
	if err != nil {
		return err
	}

	s.publish(sessionID, events.SessionStarted, map[string]any{"prompt": prompt})
	go s.pump(sessionID, stream)
	return nil
}

// pump forwards engine events to the bus until the stream closes.
func (s *Service) pump(sessionID string, stream <-chan engine.Event) {
	for ev := range stream {
		s.publish(sessionID, eventType(ev), map[string]any{"event": ev})
	}
}

func eventType(ev engine.Event) string {
	switch ev.Type {
	case engine.EventQuestion:
		return events.SessionQuestion
	case engine.EventResult, engine.EventError:
		if ev.Status == tracker.StatusInterrupted {
			return events.SessionInterrupted
		}
		return events.SessionFinished
	default:
		return events.SessionEvent
	}
}

func (s *Service) publish(sessionID, eventType string, data map[string]any) {
	event := bus.NewEvent(eventType, "engine", data)
	if err := s.bus.Publish(context.Background(), events.SessionSubject(sessionID), event); err != nil {
		s.logger.Warn("failed to publish session event",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// Interrupt stops a running session.
func (s *Service) Interrupt(ctx context.Context, sessionID string) error {
	eng, err := s.engine(sessionID)
	if err != nil {
		return err
	}
	return eng.Interrupt(ctx)
}

// Answer delivers answers to a session's pending question.
func (s *Service) Answer(sessionID, requestID string, answers map[string]any) error {
	eng, err := s.engine(sessionID)
	if err != nil {
		return err
	}
	return eng.ResolveQuestion(requestID, answers)
}

// SetPermissionMode changes a running session's permission mode.
func (s *Service) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	eng, err := s.engine(sessionID)
	if err != nil {
		return err
	}
	return eng.SetPermissionMode(ctx, mode)
}

// SetModel switches a running session's model.
func (s *Service) SetModel(ctx context.Context, sessionID, model string) error {
	eng, err := s.engine(sessionID)
	if err != nil {
		return err
	}
	return eng.SetModel(ctx, model)
}

// RewindFiles restores a session's workspace files to a message checkpoint.
func (s *Service) RewindFiles(ctx context.Context, sessionID, messageUUID string, dryRun bool) error {
	eng, err := s.engine(sessionID)
	if err != nil {
		return err
	}
	return eng.RewindFiles(ctx, messageUUID, dryRun)
}

// Destroy tears down a session: container, registry entry, stored config.
func (s *Service) Destroy(ctx context.Context, sessionID string) error {
	if eng, ok := s.registry.Get(sessionID); ok {
		if err := eng.Destroy(ctx); err != nil {
			return err
		}
	}
	return s.store.Delete(sessionID)
}

// Timeline returns a session's time-sorted execution events.
func (s *Service) Timeline(sessionID string) ([]tracker.TimelineEvent, error) {
	eng, err := s.engine(sessionID)
	if err != nil {
		return nil, err
	}
	tr := eng.Tracker()
	if tr == nil {
		return nil, apperrors.BadRequest("session has not executed yet")
	}
	return tr.Timeline(), nil
}

// Sessions lists the ids of live sessions.
func (s *Service) Sessions() []string {
	return s.registry.Sessions()
}

func (s *Service) engine(sessionID string) (*engine.Engine, error) {
	eng, ok := s.registry.Get(sessionID)
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return eng, nil
}
