package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hiverun/hive/internal/common/apperr"
	"github.com/hiverun/hive/internal/ports"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/template"
	"github.com/hiverun/hive/internal/terminal"
)

// StartCellService starts one service under its cell and service locks.
func (s *Supervisor) StartCellService(ctx context.Context, serviceID string) error {
	svc, err := s.store.GetService(ctx, serviceID)
	if err != nil {
		return err
	}
	cell, err := s.store.GetCell(ctx, svc.CellID)
	if err != nil {
		return err
	}
	tpl := s.loadTemplate(cell)

	return s.cellLocks.WithLock(cell.ID, func() error {
		portMap, err := s.cellPortMap(ctx, cell.ID)
		if err != nil {
			return err
		}
		return s.startService(ctx, cell, tpl, serviceID, portMap)
	})
}

// StartCellServices allocates ports in one pass and starts every
// service of a cell sequentially.
func (s *Supervisor) StartCellServices(ctx context.Context, cellID string) error {
	cell, err := s.store.GetCell(ctx, cellID)
	if err != nil {
		return err
	}
	tpl := s.loadTemplate(cell)

	return s.cellLocks.WithLock(cellID, func() error {
		services, err := s.store.ListServicesByCell(ctx, cellID)
		if err != nil {
			return err
		}
		portMap, err := s.allocateServicePorts(ctx, services)
		if err != nil {
			return err
		}
		for _, svc := range services {
			if err := s.startService(ctx, cell, tpl, svc.ID, portMap); err != nil {
				return err
			}
		}
		return nil
	})
}

// startService starts one service under the service lock. The caller
// holds the cell lock.
func (s *Supervisor) startService(ctx context.Context, cell *store.Cell, tpl *template.Template, serviceID string, portMap map[string]int) error {
	return s.serviceLocks.WithLock(serviceID, func() error {
		// Re-load under the lock so concurrent ensures observe each
		// other's writes.
		svc, err := s.store.GetService(ctx, serviceID)
		if err != nil {
			return err
		}

		s.mu.Lock()
		_, isActive := s.active[serviceID]
		s.mu.Unlock()
		if isActive {
			return nil
		}
		if svc.PID != nil && processAlive(*svc.PID) {
			return nil
		}
		if svc.Port != nil && !s.ports.IsPortFree(*svc.Port) {
			switch svc.Status {
			case store.ServiceStatusRunning, store.ServiceStatusStarting, store.ServiceStatusNeedsResume:
				return nil
			}
		}

		port, err := s.ports.EnsureServicePort(ctx, svc)
		if err != nil {
			return err
		}
		if portMap == nil {
			portMap = map[string]int{}
		}
		portMap[svc.Name] = port

		def, tplEnv := s.resolveDefinition(tpl, svc)
		cwd := svc.Cwd
		if cwd == "" {
			cwd = cell.WorkspacePath
		}
		if _, statErr := os.Stat(cwd); statErr != nil {
			return s.failService(ctx, cell, svc, "Service working directory not found")
		}

		env, err := s.computeServiceEnv(cell, svc, tplEnv, def, port, portMap)
		if err != nil {
			return err
		}

		starting := store.ServiceStatusStarting
		var noPID *int
		var noErr *string
		if err := s.store.UpdateService(ctx, svc.ID, store.ServiceUpdate{
			Status:         &starting,
			Env:            &env,
			Port:           ptrTo(&port),
			PID:            &noPID,
			LastKnownError: &noErr,
		}); err != nil {
			return err
		}
		s.publishServiceUpdate(ctx, cell, svc.ID, svc.Name, starting, &port, nil, nil)

		session := s.terminals.Session(terminal.ServiceTopic(svc.ID))
		s.attachServiceLog(session, cell.WorkspacePath, svc.Name)

		// Service-level setup runs over the same PTY before the main
		// command.
		if def != nil && def.Setup != "" {
			exitCode, setupErr := s.runSetupCommand(ctx, session, def.Setup, cwd, mergedEnviron(env), s.setupCfg.SetupCommandTimeout())
			if setupErr != nil || exitCode != 0 {
				cmdErr := &apperr.CommandExecutionError{
					Command:  def.Setup,
					Cwd:      cwd,
					ExitCode: exitCode,
					Err:      setupErr,
				}
				return s.failService(ctx, cell, svc, cmdErr.Error())
			}
		}

		cmd := exec.Command(chooseShell(), "-lc", svc.Command)
		cmd.Dir = cwd
		cmd.Env = append(mergedEnviron(env), "TERM=xterm-256color")

		if _, err := session.StartCommand(cmd); err != nil {
			return s.failService(ctx, cell, svc, fmt.Sprintf("Failed to start service: %v", err))
		}

		pid := cmd.Process.Pid
		handle := &serviceHandle{pid: pid, session: session, done: make(chan struct{})}
		s.mu.Lock()
		s.active[svc.ID] = handle
		s.mu.Unlock()

		running := store.ServiceStatusRunning
		if err := s.store.UpdateService(ctx, svc.ID, store.ServiceUpdate{
			Status: &running,
			PID:    ptrTo(&pid),
		}); err != nil {
			return err
		}
		s.publishServiceUpdate(ctx, cell, svc.ID, svc.Name, running, &port, &pid, nil)
		s.logger.Info("service started",
			zap.String("cell_id", cell.ID),
			zap.String("service", svc.Name),
			zap.Int("pid", pid),
			zap.Int("port", port))

		go s.watchExit(cell, svc.ID, svc.Name, port, cmd, handle)
		return nil
	})
}

// watchExit reaps the child and records its final status.
func (s *Supervisor) watchExit(cell *store.Cell, serviceID, name string, port int, cmd *exec.Cmd, handle *serviceHandle) {
	waitErr := cmd.Wait()
	close(handle.done)
	code := exitCodeOf(waitErr, cmd)

	s.mu.Lock()
	stillActive := s.active[serviceID] == handle
	if stillActive {
		delete(s.active, serviceID)
	}
	s.mu.Unlock()
	if !stillActive {
		// A concurrent stop already owns the row.
		return
	}

	ctx := context.Background()
	var noPID *int
	if code == 0 {
		stopped := store.ServiceStatusStopped
		var noErr *string
		if err := s.store.UpdateService(ctx, serviceID, store.ServiceUpdate{
			Status:         &stopped,
			PID:            &noPID,
			LastKnownError: &noErr,
		}); err != nil {
			s.logger.Error("failed to record clean exit", zap.Error(err))
		}
		s.publishServiceUpdate(ctx, cell, serviceID, name, stopped, &port, nil, nil)
	} else {
		errStatus := store.ServiceStatusError
		message := fmt.Sprintf("Exited with code %d", code)
		if err := s.store.UpdateService(ctx, serviceID, store.ServiceUpdate{
			Status:         &errStatus,
			PID:            &noPID,
			LastKnownError: ptrTo(&message),
		}); err != nil {
			s.logger.Error("failed to record exit error", zap.Error(err))
		}
		s.publishServiceUpdate(ctx, cell, serviceID, name, errStatus, &port, nil, &message)
	}
	handle.session.MarkExit(code)
}

// StopCellService stops one service. With releasePorts the reservation
// and terminal ring are freed too.
func (s *Supervisor) StopCellService(ctx context.Context, serviceID string, releasePorts bool) error {
	svc, err := s.store.GetService(ctx, serviceID)
	if err != nil {
		return err
	}
	cell, err := s.store.GetCell(ctx, svc.CellID)
	if err != nil {
		return err
	}
	return s.cellLocks.WithLock(cell.ID, func() error {
		return s.stopService(ctx, cell, serviceID, releasePorts)
	})
}

// StopCellServices stops every service of a cell.
func (s *Supervisor) StopCellServices(ctx context.Context, cellID string, releasePorts bool) error {
	cell, err := s.store.GetCell(ctx, cellID)
	if err != nil {
		return err
	}
	return s.cellLocks.WithLock(cellID, func() error {
		services, err := s.store.ListServicesByCell(ctx, cellID)
		if err != nil {
			return err
		}
		for _, svc := range services {
			if err := s.stopService(ctx, cell, svc.ID, releasePorts); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Supervisor) stopService(ctx context.Context, cell *store.Cell, serviceID string, releasePorts bool) error {
	return s.serviceLocks.WithLock(serviceID, func() error {
		svc, err := s.store.GetService(ctx, serviceID)
		if err != nil {
			return err
		}

		tpl := s.loadTemplate(cell)
		def, _ := s.resolveDefinition(tpl, svc)
		if def != nil && def.Stop != "" {
			s.runStopCommand(ctx, svc, def.Stop)
		}

		s.killService(svc)

		stopped := store.ServiceStatusStopped
		var noPID *int
		if err := s.store.UpdateService(ctx, serviceID, store.ServiceUpdate{
			Status: &stopped,
			PID:    &noPID,
		}); err != nil {
			return err
		}
		s.publishServiceUpdate(ctx, cell, serviceID, svc.Name, stopped, svc.Port, nil, nil)

		if session, ok := s.terminals.Lookup(terminal.ServiceTopic(serviceID)); ok {
			session.MarkExit(0)
		}
		if releasePorts {
			s.ports.ReleasePortFor(serviceID)
			s.terminals.Clear(terminal.ServiceTopic(serviceID))
		}
		return nil
	})
}

// runStopCommand runs the template's stop hook. Failures are logged,
// never fatal.
func (s *Supervisor) runStopCommand(ctx context.Context, svc *store.CellService, stopCommand string) {
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(stopCtx, chooseShell(), "-lc", stopCommand)
	cmd.Dir = svc.Cwd
	cmd.Env = append(os.Environ(), envSlice(svc.Env)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		s.logger.Warn("stop command failed",
			zap.String("service", svc.Name),
			zap.String("output", string(output)),
			zap.Error(err))
	}
}

// failService marks a row errored and surfaces the message.
func (s *Supervisor) failService(ctx context.Context, cell *store.Cell, svc *store.CellService, message string) error {
	errStatus := store.ServiceStatusError
	var noPID *int
	if err := s.store.UpdateService(ctx, svc.ID, store.ServiceUpdate{
		Status:         &errStatus,
		PID:            &noPID,
		LastKnownError: ptrTo(&message),
	}); err != nil {
		s.logger.Error("failed to persist service error", zap.Error(err))
	}
	s.publishServiceUpdate(ctx, cell, svc.ID, svc.Name, errStatus, svc.Port, nil, &message)
	return fmt.Errorf("service %s: %s", svc.Name, message)
}

// computeServiceEnv builds the child environment: hive identity vars,
// template env, service env, sibling ports and PORT interpolation.
func (s *Supervisor) computeServiceEnv(cell *store.Cell, svc *store.CellService, tplEnv map[string]string, def *template.ServiceDefinition, port int, portMap map[string]int) (map[string]string, error) {
	hiveHome := filepath.Join(cell.WorkspacePath, ".hive", "home")
	if err := os.MkdirAll(hiveHome, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create hive home: %w", err)
	}

	env := map[string]string{
		"HIVE_CELL_ID":     cell.ID,
		"HIVE_SERVICE":     svc.Name,
		"HIVE_HOME":        hiveHome,
		"HIVE_BROWSE_ROOT": cell.WorkspacePath,
		"FORCE_COLOR":      "1",
	}
	for k, v := range tplEnv {
		env[k] = v
	}
	if def != nil {
		for k, v := range def.Env {
			env[k] = v
		}
	}

	for name, siblingPort := range portMap {
		env[ports.PortEnvVar(name)] = strconv.Itoa(siblingPort)
	}
	env[ports.PortEnvVar(svc.Name)] = strconv.Itoa(port)
	env["PORT"] = strconv.Itoa(port)
	env["SERVICE_PORT"] = strconv.Itoa(port)

	ports.InterpolateEnv(env, port, portMap)
	return env, nil
}

// cellPortMap returns the persisted port of every sibling service.
func (s *Supervisor) cellPortMap(ctx context.Context, cellID string) (map[string]int, error) {
	services, err := s.store.ListServicesByCell(ctx, cellID)
	if err != nil {
		return nil, err
	}
	portMap := make(map[string]int, len(services))
	for _, svc := range services {
		if svc.Port != nil {
			portMap[svc.Name] = *svc.Port
		}
	}
	return portMap, nil
}

// loadTemplate fetches the cell's template from workspace config.
// Missing config degrades to the persisted definition snapshots.
func (s *Supervisor) loadTemplate(cell *store.Cell) *template.Template {
	if s.templates == nil {
		return nil
	}
	cfg, err := s.templates.Load(cell.WorkspaceRootPath)
	if err != nil {
		s.logger.Debug("workspace config unavailable",
			zap.String("cell_id", cell.ID),
			zap.Error(err))
		return nil
	}
	tpl, err := cfg.Template(cell.TemplateID)
	if err != nil {
		return nil
	}
	return tpl
}

// resolveDefinition finds the template entry for a service, falling
// back to the row's persisted definition snapshot.
func (s *Supervisor) resolveDefinition(tpl *template.Template, svc *store.CellService) (*template.ServiceDefinition, map[string]string) {
	if tpl != nil {
		if def, ok := tpl.Services[svc.Name]; ok {
			return def, tpl.Env
		}
	}
	if len(svc.Definition) > 0 {
		var def template.ServiceDefinition
		if err := json.Unmarshal(svc.Definition, &def); err == nil {
			return &def, nil
		}
	}
	return nil, nil
}

// attachServiceLog opens the best-effort log sink for a service.
func (s *Supervisor) attachServiceLog(session *terminal.Session, workspacePath, serviceName string) {
	logDir := filepath.Join(workspacePath, ".hive", "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(logDir, serviceName+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	session.SetLogFile(f)
}

func (s *Supervisor) publishServiceUpdate(ctx context.Context, cell *store.Cell, serviceID, name string, status store.ServiceStatus, port, pid *int, lastError *string) {
	if s.publisher == nil {
		return
	}
	data := map[string]any{
		"id":     serviceID,
		"cellId": cell.ID,
		"name":   name,
		"status": string(status),
	}
	if port != nil {
		data["port"] = *port
	}
	if pid != nil {
		data["pid"] = *pid
	}
	if lastError != nil {
		data["error"] = *lastError
	}
	s.publisher.PublishServiceUpdate(ctx, cell.ID, data)
}

// mergedEnviron overlays env on the parent environment.
func mergedEnviron(env map[string]string) []string {
	return append(os.Environ(), envSlice(env)...)
}

func resolveCwd(workspacePath, cwd string) string {
	if cwd == "" {
		return workspacePath
	}
	if filepath.IsAbs(cwd) {
		return cwd
	}
	return filepath.Join(workspacePath, cwd)
}

func ptrTo[T any](v *T) **T {
	return &v
}
