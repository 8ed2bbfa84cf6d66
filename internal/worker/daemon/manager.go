// Package daemon runs the worker agent as an OS service (systemd, launchd
// or the Windows service manager) through kardianos/service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	kardianos "github.com/kardianos/service"
	"go.uber.org/zap"

	"github.com/rzapply/rzapply/internal/common/logger"
	"github.com/rzapply/rzapply/internal/worker/config"
)

const stopTimeout = 30 * time.Second

// RunFunc is the agent main loop. It must return once ctx is cancelled.
type RunFunc func(ctx context.Context) error

// Manager is the kardianos program wrapping the agent
type Manager struct {
	cfg       config.ServiceConfig
	arguments []string
	run       RunFunc
	logger    *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewManager creates a service manager. arguments are passed to the
// installed binary, normally []string{"run"}.
func NewManager(cfg config.ServiceConfig, arguments []string, run RunFunc, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		arguments: arguments,
		run:       run,
		logger:    log.WithFields(zap.String("component", "daemon")),
	}
}

func (m *Manager) newService() (kardianos.Service, error) {
	return kardianos.New(m, &kardianos.Config{
		Name:        m.cfg.Name,
		DisplayName: m.cfg.DisplayName,
		Description: m.cfg.Description,
		Arguments:   m.arguments,
	})
}

// Start implements kardianos.Interface. It must not block.
func (m *Manager) Start(s kardianos.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return errors.New("agent already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done

	go func() {
		defer close(done)
		err := m.run(ctx)
		if err != nil {
			m.logger.Error("agent stopped with error", zap.Error(err))
		}
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
	}()
	m.logger.Info("agent service started")
	return nil
}

// Stop implements kardianos.Interface. It waits for the running task to
// report before returning.
func (m *Manager) Stop(s kardianos.Service) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		m.logger.Warn("agent did not stop in time")
	}

	m.mu.Lock()
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	m.logger.Info("agent service stopped")
	return nil
}

// Err returns the error the last run ended with
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Install registers the service with the OS
func (m *Manager) Install() error {
	s, err := m.newService()
	if err != nil {
		return err
	}
	if err := s.Install(); err != nil {
		if runtime.GOOS == "windows" {
			return fmt.Errorf("failed to install Windows service (requires administrator privileges): %w", err)
		}
		return fmt.Errorf("failed to install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service
func (m *Manager) Uninstall() error {
	s, err := m.newService()
	if err != nil {
		return err
	}
	// The service may already be stopped.
	_ = s.Stop()
	return s.Uninstall()
}

// StartService asks the OS to start the installed service
func (m *Manager) StartService() error {
	s, err := m.newService()
	if err != nil {
		return err
	}
	return s.Start()
}

// StopService asks the OS to stop the installed service
func (m *Manager) StopService() error {
	s, err := m.newService()
	if err != nil {
		return err
	}
	return s.Stop()
}

// Status reports the installed service state
func (m *Manager) Status() (string, error) {
	s, err := m.newService()
	if err != nil {
		return "", err
	}
	st, err := s.Status()
	if err != nil {
		if errors.Is(err, kardianos.ErrNotInstalled) {
			return "not installed", nil
		}
		return "", err
	}
	return StatusString(st), nil
}

// Run runs the agent under the service manager, or in the foreground when
// started interactively. It blocks until the service is stopped.
func (m *Manager) Run() error {
	s, err := m.newService()
	if err != nil {
		return err
	}
	if err := s.Run(); err != nil {
		return err
	}
	return m.Err()
}

// StatusString names a kardianos status
func StatusString(st kardianos.Status) string {
	switch st {
	case kardianos.StatusRunning:
		return "running"
	case kardianos.StatusStopped:
		return "stopped"
	}
	return "unknown"
}
