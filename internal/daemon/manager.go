// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package daemon owns the process lifecycle: the HTTP server, the background
// loops, and an ordered shutdown. Components register shutdown hooks; hooks
// run LIFO so dependents stop before their dependencies.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownHook is one cleanup step of the graceful shutdown.
type ShutdownHook func(ctx context.Context) error

// BackgroundTask is a loop the manager runs until shutdown. It must return
// promptly when its context ends.
type BackgroundTask func(ctx context.Context) error

// ServerConfig carries the HTTP listener tuning.
type ServerConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c *ServerConfig) withDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// SSE responses stream for a long time; the write timeout must not
		// cut them off. Per-handler deadlines bound everything else.
		c.WriteTimeout = 0
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

type namedHook struct {
	name string
	hook ShutdownHook
}

type namedTask struct {
	name string
	task BackgroundTask
}

// Manager runs the HTTP server and background tasks and coordinates their
// shutdown.
type Manager struct {
	cfg     ServerConfig
	handler http.Handler
	logger  zerolog.Logger

	server *http.Server

	mu       sync.Mutex
	started  bool
	stopping bool
	hooks    []namedHook
	tasks    []namedTask
	taskWG   sync.WaitGroup
}

// NewManager builds a Manager for the given handler.
func NewManager(cfg ServerConfig, handler http.Handler, logger zerolog.Logger) (*Manager, error) {
	if handler == nil {
		return nil, ErrMissingAPIHandler
	}
	cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "daemon").Logger(),
	}, nil
}

// RegisterShutdownHook adds a named cleanup step. Hooks run in reverse
// registration order.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}

// RegisterTask adds a named background loop started by Start.
func (m *Manager) RegisterTask(name string, task BackgroundTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, namedTask{name: name, task: task})
}

// Start launches the server and tasks and blocks until ctx is cancelled or a
// server failure occurs, then performs the shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("daemon: already started")
	}
	m.started = true
	tasks := m.tasks
	m.mu.Unlock()

	errChan := make(chan error, 1)

	m.server = &http.Server{
		Addr:              m.cfg.ListenAddr,
		Handler:           m.handler,
		ReadTimeout:       m.cfg.ReadTimeout,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
		WriteTimeout:      m.cfg.WriteTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
	}
	go func() {
		m.logger.Info().Str("addr", m.cfg.ListenAddr).Msg("api server listening")
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errChan <- fmt.Errorf("api server: %w", err):
			default:
			}
		}
	}()

	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()
	for _, t := range tasks {
		m.taskWG.Add(1)
		go func() {
			defer m.taskWG.Done()
			m.logger.Debug().Str("task", t.name).Msg("background task started")
			if err := t.task(taskCtx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error().Err(err).Str("task", t.name).Msg("background task failed")
			}
		}()
	}

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("server failure, shutting down")
		cancelTasks()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
		defer cancel()
		if serr := m.Shutdown(shutdownCtx); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		cancelTasks()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
		defer cancel()
		return m.Shutdown(shutdownCtx)
	}
}

// Shutdown stops the server, waits for the background tasks, and runs the
// hooks LIFO. Safe to call once; later calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	hooks := m.hooks
	m.mu.Unlock()

	var errs []error

	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}

	waitDone := make(chan struct{})
	go func() {
		m.taskWG.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("background tasks did not stop in time"))
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(ctx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Dur("duration", time.Since(start)).Msg("shutdown hook done")
	}

	if len(errs) > 0 {
		return fmt.Errorf("daemon shutdown: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}
