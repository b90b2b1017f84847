package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/hiverun/hive/internal/common/apperr"
	"github.com/hiverun/hive/internal/events"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/template"
	"github.com/hiverun/hive/internal/terminal"
)

// setupExitTimeout is the exit code recorded for timed-out setup
// commands, mirroring the timeout(1) convention.
const setupExitTimeout = 124

// runTemplateSetup runs the template's setup commands sequentially
// under the cell's setup terminal. The first failure aborts the whole
// sequence with a TemplateSetupError.
func (s *Supervisor) runTemplateSetup(ctx context.Context, cell *store.Cell, tpl *template.Template, onTiming TimingFunc) error {
	if len(tpl.Setup) == 0 {
		return nil
	}

	session := s.terminals.Session(terminal.SetupTopic(cell.ID))
	timeout := s.setupCfg.SetupCommandTimeout()

	// Template env first so the reserved setup vars cannot be shadowed.
	env := append(os.Environ(), envSlice(tpl.Env)...)
	env = append(env, envSlice(map[string]string{
		"HIVE_WORKTREE_SETUP": "true",
		"HIVE_MAIN_REPO":      cell.WorkspaceRootPath,
		"FORCE_COLOR":         "1",
	})...)

	setupStart := time.Now()
	runErr := func() error {
		for _, command := range tpl.Setup {
			start := time.Now()
			session.AppendLine(fmt.Sprintf("[setup] $ %s", command))

			exitCode, err := s.runSetupCommand(ctx, session, command, cell.WorkspacePath, env, timeout)
			if err != nil || exitCode != 0 {
				emitTiming(onTiming, events.TemplateSetupStep(command), time.Since(start),
					fmt.Errorf("exit code %d", exitCode), nil)
				session.AppendLine(fmt.Sprintf("[setup] command failed with exit code %d", exitCode))
				return &apperr.TemplateSetupError{
					Command:       command,
					TemplateID:    tpl.ID,
					WorkspacePath: cell.WorkspacePath,
					ExitCode:      exitCode,
					Err:           err,
				}
			}

			emitTiming(onTiming, events.TemplateSetupStep(command), time.Since(start), nil, nil)
			session.AppendLine(fmt.Sprintf("[setup] done (%s)", time.Since(start).Round(time.Millisecond)))
		}
		return nil
	}()

	if runErr != nil {
		var setupErr *apperr.TemplateSetupError
		if !errors.As(runErr, &setupErr) {
			runErr = &apperr.TemplateSetupError{
				TemplateID:    tpl.ID,
				WorkspacePath: cell.WorkspacePath,
				ExitCode:      1,
				Err:           runErr,
			}
			setupErr = runErr.(*apperr.TemplateSetupError)
		}
		session.MarkExit(setupErr.ExitCode)
		return runErr
	}

	session.AppendLine("[setup] Template setup finished")
	session.MarkExit(0)
	emitTiming(onTiming, events.StepTemplateSetupTotal, time.Since(setupStart), nil, map[string]any{
		"commandCount": len(tpl.Setup),
		"timeoutMs":    timeout.Milliseconds(),
	})
	return nil
}

// runSetupCommand runs one command under the setup PTY and races its
// exit against the per-command timeout. On timeout the process group
// gets SIGTERM, two seconds, then SIGKILL, and exit 124 is recorded.
func (s *Supervisor) runSetupCommand(ctx context.Context, session *terminal.Session, command, cwd string, env []string, timeout time.Duration) (int, error) {
	cmd := exec.Command(chooseShell(), "-lc", command)
	cmd.Dir = cwd
	cmd.Env = append(env, "TERM=xterm-256color")

	ptyFile, err := session.StartCommand(cmd)
	if err != nil {
		return 1, err
	}
	defer func() { _ = ptyFile.Close() }()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-waitCh:
		return exitCodeOf(waitErr, cmd), nil
	case <-ctx.Done():
		terminateProcessGroup(cmd.Process.Pid, 2*time.Second, nil)
		<-waitCh
		return 1, ctx.Err()
	case <-timer.C:
		s.logger.Warn("setup command timed out",
			zap.String("command", command),
			zap.Duration("timeout", timeout))
		done := make(chan struct{})
		go func() { <-waitCh; close(done) }()
		terminateProcessGroup(cmd.Process.Pid, 2*time.Second, done)
		<-done
		return setupExitTimeout, nil
	}
}

func exitCodeOf(waitErr error, cmd *exec.Cmd) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			return 1
		}
		return code
	}
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
