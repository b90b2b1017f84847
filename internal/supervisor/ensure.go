package supervisor

import (
	"bytes"
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hiverun/hive/internal/common/apperr"
	"github.com/hiverun/hive/internal/events"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/template"
)

// EnsureCellServices is the idempotent path to a fully running cell:
// template setup, service row reconciliation, port allocation in a
// single pass, then sequential starts. Safe to invoke concurrently;
// callers serialize on the cell lock.
func (s *Supervisor) EnsureCellServices(ctx context.Context, cell *store.Cell, tpl *template.Template, onTiming TimingFunc) error {
	return s.cellLocks.WithLock(cell.ID, func() error {
		return s.ensureCellServicesLocked(ctx, cell, tpl, onTiming)
	})
}

func (s *Supervisor) ensureCellServicesLocked(ctx context.Context, cell *store.Cell, tpl *template.Template, onTiming TimingFunc) error {
	if err := s.runTemplateSetup(ctx, cell, tpl, onTiming); err != nil {
		return err
	}

	services, err := s.reconcileServiceRows(ctx, cell, tpl)
	if err != nil {
		return err
	}

	// Single-pass port allocation so sibling env interpolation sees
	// every port before the first process starts.
	portMap, err := s.allocateServicePorts(ctx, services)
	if err != nil {
		return err
	}

	for _, svc := range services {
		start := time.Now()
		err := s.startService(ctx, cell, tpl, svc.ID, portMap)
		emitTiming(onTiming, events.ServiceStartStep(svc.Name), time.Since(start), err, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// allocateServicePorts builds the sibling port map in one pass. A
// service whose own process is still alive keeps its persisted port
// untouched: probing it would find the port bound and trip the
// stale-pid reclaim, killing a healthy process.
func (s *Supervisor) allocateServicePorts(ctx context.Context, services []*store.CellService) (map[string]int, error) {
	portMap := make(map[string]int, len(services))
	for _, svc := range services {
		if port, ok := s.livePort(svc); ok {
			s.ports.RememberSpecificPort(svc.ID, port)
			portMap[svc.Name] = port
			continue
		}
		port, err := s.ports.EnsureServicePort(ctx, svc)
		if err != nil {
			return nil, err
		}
		portMap[svc.Name] = port
	}
	return portMap, nil
}

// livePort returns the persisted port of a service whose process is
// known to be alive, either through an in-process handle or a recorded
// pid, and whose status says it should be running.
func (s *Supervisor) livePort(svc *store.CellService) (int, bool) {
	if svc.Port == nil {
		return 0, false
	}
	switch svc.Status {
	case store.ServiceStatusRunning, store.ServiceStatusStarting, store.ServiceStatusNeedsResume:
	default:
		return 0, false
	}
	s.mu.Lock()
	_, active := s.active[svc.ID]
	s.mu.Unlock()
	if active {
		return *svc.Port, true
	}
	if svc.PID != nil && processAlive(*svc.PID) {
		return *svc.Port, true
	}
	return 0, false
}

// reconcileServiceRows upserts one row per process-type template
// service, applying drift detection, and returns the rows in template
// order (sorted by name for determinism).
func (s *Supervisor) reconcileServiceRows(ctx context.Context, cell *store.Cell, tpl *template.Template) ([]*store.CellService, error) {
	names := make([]string, 0, len(tpl.Services))
	for name := range tpl.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	var result []*store.CellService
	for _, name := range names {
		def := tpl.Services[name]
		normalized, err := template.NormalizeDefinition(def)
		if err != nil {
			return nil, err
		}
		cwd := resolveCwd(cell.WorkspacePath, def.Cwd)

		existing, err := s.store.FindService(ctx, cell.ID, name)
		if apperr.IsNotFound(err) {
			svc := &store.CellService{
				CellID:         cell.ID,
				Name:           name,
				Type:           store.ServiceTypeProcess,
				Command:        def.Run,
				Cwd:            cwd,
				Env:            def.Env,
				Definition:     normalized,
				ReadyTimeoutMs: def.ReadyTimeoutMs,
				Status:         store.ServiceStatusPending,
			}
			if err := s.store.CreateService(ctx, svc); err != nil {
				return nil, err
			}
			result = append(result, svc)
			continue
		}
		if err != nil {
			return nil, err
		}

		if serviceDrifted(existing, def, cwd, normalized) {
			update := store.ServiceUpdate{
				Command:        &def.Run,
				Cwd:            &cwd,
				Definition:     &normalized,
				ReadyTimeoutMs: &def.ReadyTimeoutMs,
			}
			if err := s.store.UpdateService(ctx, existing.ID, update); err != nil {
				return nil, err
			}
			s.logger.Info("service definition drifted, row updated",
				zap.String("cell_id", cell.ID),
				zap.String("service", name))
			existing, err = s.store.GetService(ctx, existing.ID)
			if err != nil {
				return nil, err
			}
		}
		result = append(result, existing)
	}
	return result, nil
}

// serviceDrifted reports whether the persisted row no longer matches
// the template entry. Rows are left untouched otherwise so user-visible
// state (status, pid, port) survives re-ensures.
func serviceDrifted(existing *store.CellService, def *template.ServiceDefinition, cwd string, normalized []byte) bool {
	if existing.Command != def.Run {
		return true
	}
	if existing.Cwd != cwd {
		return true
	}
	if !intPtrEqual(existing.ReadyTimeoutMs, def.ReadyTimeoutMs) {
		return true
	}
	return !bytes.Equal(existing.Definition, normalized)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func emitTiming(onTiming TimingFunc, step string, duration time.Duration, err error, metadata map[string]any) {
	if onTiming == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	onTiming(step, status, duration, err, metadata)
}
