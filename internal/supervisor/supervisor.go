// Package supervisor spawns, monitors and stops cell services, and runs
// template setup sequences under per-cell and per-service locks.
package supervisor

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hiverun/hive/internal/common/config"
	"github.com/hiverun/hive/internal/common/keyedmutex"
	"github.com/hiverun/hive/internal/common/logger"
	"github.com/hiverun/hive/internal/events"
	"github.com/hiverun/hive/internal/ports"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/template"
	"github.com/hiverun/hive/internal/terminal"
)

// autoRestartStatuses are the service statuses bootstrap restarts.
var autoRestartStatuses = map[store.ServiceStatus]bool{
	store.ServiceStatusRunning:     true,
	store.ServiceStatusStarting:    true,
	store.ServiceStatusNeedsResume: true,
}

// TimingFunc receives one timing measurement per step. Callers decide
// how to publish it; a nil callback disables timing.
type TimingFunc func(step, status string, duration time.Duration, stepErr error, metadata map[string]any)

// serviceHandle tracks one live child process.
type serviceHandle struct {
	pid     int
	session *terminal.Session
	done    chan struct{} // closed when the exit watcher has reaped the process
}

// Supervisor is the service lifecycle engine.
type Supervisor struct {
	store     *store.Store
	ports     *ports.Manager
	terminals *terminal.Runtime
	templates *template.Loader
	publisher *events.Publisher
	setupCfg  *config.SetupConfig
	logger    *logger.Logger

	cellLocks    *keyedmutex.KeyedMutex
	serviceLocks *keyedmutex.KeyedMutex

	mu     sync.Mutex
	active map[string]*serviceHandle // serviceID -> handle
}

// New creates a Supervisor.
func New(st *store.Store, pm *ports.Manager, term *terminal.Runtime, tpl *template.Loader,
	pub *events.Publisher, setupCfg *config.SetupConfig, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	return &Supervisor{
		store:        st,
		ports:        pm,
		terminals:    term,
		templates:    tpl,
		publisher:    pub,
		setupCfg:     setupCfg,
		logger:       log.WithFields(zap.String("component", "supervisor")),
		cellLocks:    keyedmutex.New(),
		serviceLocks: keyedmutex.New(),
		active:       make(map[string]*serviceHandle),
	}
}

// Bootstrap restarts services that were running when the previous
// process died. Called once on startup.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	rows, err := s.store.ListServicesWithCells(ctx)
	if err != nil {
		return err
	}

	byCell := make(map[string][]*store.ServiceWithCell)
	order := make([]string, 0)
	for _, row := range rows {
		if _, seen := byCell[row.Cell.ID]; !seen {
			order = append(order, row.Cell.ID)
		}
		byCell[row.Cell.ID] = append(byCell[row.Cell.ID], row)
	}

	for _, cellID := range order {
		for _, row := range byCell[cellID] {
			svc := row.Service
			if !autoRestartStatuses[svc.Status] {
				continue
			}
			if svc.PID != nil && processAlive(*svc.PID) {
				s.logger.Info("service still alive, leaving as-is",
					zap.String("service_id", svc.ID),
					zap.Int("pid", *svc.PID))
				if svc.Port != nil {
					s.ports.RememberSpecificPort(svc.ID, *svc.Port)
				}
				continue
			}
			if svc.Port != nil && !s.ports.IsPortFree(*svc.Port) {
				s.logger.Warn("persisted port occupied, skipping restart",
					zap.String("service_id", svc.ID),
					zap.String("service", svc.Name),
					zap.Int("port", *svc.Port))
				continue
			}

			var noPID *int
			needsResume := store.ServiceStatusNeedsResume
			if err := s.store.UpdateService(ctx, svc.ID, store.ServiceUpdate{
				PID:    &noPID,
				Status: &needsResume,
			}); err != nil {
				s.logger.Error("failed to mark service for resume", zap.Error(err))
				continue
			}

			if err := s.StartCellService(ctx, svc.ID); err != nil {
				s.logger.Error("failed to restart service during bootstrap",
					zap.String("service_id", svc.ID),
					zap.String("service", svc.Name),
					zap.Error(err))
			}
		}
	}
	return nil
}

// StopAll gracefully stops every service, marking non-stopped rows
// needs_resume so the next bootstrap restarts them, and releases ports
// and terminal buffers.
func (s *Supervisor) StopAll(ctx context.Context) {
	rows, err := s.store.ListServicesWithCells(ctx)
	if err != nil {
		s.logger.Error("failed to list services for shutdown", zap.Error(err))
		rows = nil
	}

	for _, row := range rows {
		svc := row.Service
		if svc.Status == store.ServiceStatusStopped {
			s.ports.ReleasePortFor(svc.ID)
			continue
		}

		s.killService(&svc)

		var noPID *int
		needsResume := store.ServiceStatusNeedsResume
		if err := s.store.UpdateService(ctx, svc.ID, store.ServiceUpdate{
			PID:    &noPID,
			Status: &needsResume,
		}); err != nil {
			s.logger.Error("failed to mark service needs_resume", zap.Error(err))
		}
		s.ports.ReleasePortFor(svc.ID)
	}

	s.mu.Lock()
	s.active = make(map[string]*serviceHandle)
	s.mu.Unlock()

	s.terminals.StopAll()
}

// killService terminates a service's process without touching the row.
func (s *Supervisor) killService(svc *store.CellService) {
	s.mu.Lock()
	handle := s.active[svc.ID]
	delete(s.active, svc.ID)
	s.mu.Unlock()

	if handle != nil {
		terminateProcessGroup(handle.pid, 2*time.Second, handle.done)
		return
	}
	if svc.PID != nil && processAlive(*svc.PID) {
		terminateProcessGroup(*svc.PID, 250*time.Millisecond, nil)
	}
}

// terminateProcessGroup sends SIGTERM to the group (falling back to the
// pid), waits for grace, then SIGKILLs. done, when non-nil, signals the
// process has been reaped.
func terminateProcessGroup(pid int, grace time.Duration, done chan struct{}) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	if done != nil {
		select {
		case <-done:
			return
		case <-time.After(grace):
		}
	} else {
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if !processAlive(pid) {
				return
			}
			time.Sleep(25 * time.Millisecond)
		}
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// chooseShell returns the shell used for service and setup commands.
func chooseShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}
