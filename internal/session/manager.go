package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vigil/internal/checklist"
	"vigil/internal/config"
	"vigil/internal/dispatch"
	"vigil/internal/log"
	"vigil/internal/media"
	"vigil/internal/policy"
	"vigil/internal/ws"
)

// Collaborators are the external model services a manager dispatches
// to. Transcriber is optional.
type Collaborators struct {
	Describer   dispatch.Describer
	Evaluator   dispatch.Evaluator
	Transcriber dispatch.Transcriber
}

// fileOpener and liveOpener let tests substitute synthetic sources.
type fileOpener func(ctx context.Context, path string, cfg config.Config) (media.Source, *media.Metadata, error)
type liveOpener func(uri string, cfg config.Config) (media.Source, error)

// Manager creates and tracks sessions. Sessions share nothing mutable
// except the process-global rate limiter and the checklist store.
type Manager struct {
	cfg     config.Config
	collab  Collaborators
	store   *checklist.Store
	hub     *ws.ProgressHub
	limiter *dispatch.Limiter

	openFile fileOpener
	openLive liveOpener

	mu       sync.Mutex
	sessions map[string]*Session

	logger zerolog.Logger
}

// NewManager wires a manager. store and hub may be nil.
func NewManager(cfg config.Config, collab Collaborators, store *checklist.Store, hub *ws.ProgressHub) *Manager {
	return &Manager{
		cfg:     cfg,
		collab:  collab,
		store:   store,
		hub:     hub,
		limiter: dispatch.ForProvider("vlm", cfg.RateLimitPerMinute, cfg.RateLimitPerHour),
		openFile: func(ctx context.Context, path string, cfg config.Config) (media.Source, *media.Metadata, error) {
			src, err := media.OpenFile(ctx, path, cfg.SampleInterval)
			if err != nil {
				return nil, nil, err
			}
			return src, src.Metadata(), nil
		},
		openLive: func(uri string, cfg config.Config) (media.Source, error) {
			return media.OpenLive(uri, cfg.SampleInterval, cfg.LiveIdleTimeout)
		},
		sessions: make(map[string]*Session),
		logger:   log.WithComponent("session"),
	}
}

// StartFileAnalysis analyzes a bounded file to a single report. The
// session runs to completion on its own goroutines.
func (m *Manager) StartFileAnalysis(ctx context.Context, path string, pol *policy.Policy) (*Session, error) {
	src, meta, err := m.openFile(ctx, path, m.cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	s := m.newSession(src, meta, path, pol, false)
	m.logger.Info().Str("session_id", s.ID).Str("path", path).Msg("file analysis started")
	go s.runFile(s.runContext())
	return s, nil
}

// StartLiveMonitoring monitors a live device or URL until stopped,
// emitting one report per window.
func (m *Manager) StartLiveMonitoring(uri string, pol *policy.Policy) (*Session, error) {
	src, err := m.openLive(uri, m.cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", uri, err)
	}

	s := m.newSession(src, nil, uri, pol, true)
	m.logger.Info().Str("session_id", s.ID).Str("uri", uri).Msg("live monitoring started")
	go s.runLive(s.runContext())
	return s, nil
}

func (m *Manager) newSession(src media.Source, meta *media.Metadata, uri string, pol *policy.Policy, live bool) *Session {
	pol.Normalize()

	id := uuid.New().String()
	runCtx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ID:     id,
		live:   live,
		uri:    uri,
		cfg:    m.cfg,
		pol:    pol,
		source: src,
		meta:   meta,
		engine: dispatch.NewEngine(m.collab.Describer, m.collab.Evaluator, m.limiter, dispatch.Options{
			BatchSize:       m.cfg.DispatchBatchSize,
			DescribeTimeout: m.cfg.DescribeTimeout,
			EvaluateTimeout: m.cfg.EvaluateTimeout,
		}),
		transcriber: m.collab.Transcriber,
		hub:         m.hub,
		progress:    make(chan ProgressEvent, progressBuffer),
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      newSessionLogger(id),
	}
	s.pipeline = &verdictPipeline{
		pol:    pol,
		store:  m.store,
		state:  newWindowState(),
		now:    time.Now,
		logger: s.logger,
	}
	s.runCtx = runCtx

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	// Reap the registry entry once the session tears down.
	go func() {
		<-s.done
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}()

	return s
}

// Get returns a running session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Stop cancels a session by id.
func (m *Manager) Stop(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.Stop()
	return nil
}

// StopAll cancels every running session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}

// ResetState wipes the process-wide checklist state.
func (m *Manager) ResetState() error {
	if m.store == nil {
		return nil
	}
	return m.store.Reset()
}
