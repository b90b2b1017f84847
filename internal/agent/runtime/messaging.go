package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/hiverun/hive/internal/common/apperr"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/pkg/opencode"
)

// SendMessage posts a prompt to the bound session in the current mode.
// A MessageAbortedError raced against our own interrupt is swallowed.
func (r *Runtime) SendMessage(ctx context.Context, sessionID, content string) error {
	handle, ok := r.lookupBySession(sessionID)
	if !ok {
		return apperr.NotFound("session", sessionID)
	}

	handle.mu.Lock()
	prevStatus := handle.status
	prevMessage := handle.statusMessage
	handle.status = StatusWorking
	handle.statusMessage = ""
	mode := handle.currentMode
	handle.mu.Unlock()

	err := handle.client.SendPrompt(ctx, sessionID, content, handle.modelSpec(), string(mode))
	if err == nil {
		return nil
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	if opencode.IsAborted(err) && handle.pendingInterrupt {
		handle.status = prevStatus
		handle.statusMessage = prevMessage
		return nil
	}
	handle.status = StatusError
	handle.statusMessage = err.Error()
	return err
}

// Interrupt asks the server to abort the session's current operation.
func (r *Runtime) Interrupt(ctx context.Context, sessionID string) error {
	handle, ok := r.lookupBySession(sessionID)
	if !ok {
		return apperr.NotFound("session", sessionID)
	}

	handle.mu.Lock()
	handle.pendingInterrupt = true
	handle.mu.Unlock()

	if err := handle.client.Abort(ctx, sessionID); err != nil {
		handle.mu.Lock()
		handle.pendingInterrupt = false
		handle.mu.Unlock()
		return err
	}

	handle.setStatus(StatusAwaitingInput, "")
	return nil
}

// StopOptions control session teardown.
type StopOptions struct {
	DeleteRemote bool
}

// StopSession tears a runtime down: the event stream is cancelled, the
// remote session optionally deleted, and the handle unregistered.
func (r *Runtime) StopSession(ctx context.Context, sessionID string, opts StopOptions) error {
	handle, ok := r.lookupBySession(sessionID)
	if !ok {
		return apperr.NotFound("session", sessionID)
	}
	r.stopHandle(ctx, handle, opts)
	return nil
}

func (r *Runtime) stopHandle(ctx context.Context, handle *Handle, opts StopOptions) {
	if handle.cancel != nil {
		handle.cancel()
	}
	if opts.DeleteRemote {
		// The client treats 404 as success; a vanished session is fine.
		if err := handle.client.DeleteSession(ctx, handle.session.ID); err != nil {
			r.logger.Warn("failed to delete remote session",
				zap.String("session_id", handle.session.ID), zap.Error(err))
		}
	}
	handle.setStatus(StatusCompleted, "")
	r.remove(handle)
	handle.client.Close()
}

// CloseAll stops every registered runtime.
func (r *Runtime) CloseAll(ctx context.Context, opts StopOptions) {
	for _, handle := range r.snapshot() {
		r.stopHandle(ctx, handle, opts)
	}
}

// MarkSessionsForResume flags every cell whose agent is mid-task so the
// next boot can pick the work back up. Called on shutdown before
// CloseAll.
func (r *Runtime) MarkSessionsForResume(ctx context.Context) {
	flag := true
	for _, handle := range r.snapshot() {
		handle.mu.Lock()
		working := handle.status == StatusWorking && !handle.pendingInterrupt
		handle.mu.Unlock()
		if !working {
			continue
		}
		if err := r.collab.Store.UpdateCell(ctx, handle.cell.ID, store.CellUpdate{
			ResumeAgentSessionOnStartup: &flag,
		}); err != nil {
			r.logger.Warn("failed to flag cell for agent resume",
				zap.String("cell_id", handle.cell.ID), zap.Error(err))
		}
	}
}

// ResumeSessionsOnStartup reopens runtimes for cells flagged at the
// last shutdown. When the last assistant turn never completed, the
// agent is nudged to continue.
func (r *Runtime) ResumeSessionsOnStartup(ctx context.Context) {
	cells, err := r.collab.Store.ListCells(ctx)
	if err != nil {
		r.logger.Error("failed to list cells for agent resume", zap.Error(err))
		return
	}

	cleared := false
	for _, cell := range cells {
		if !cell.ResumeAgentSessionOnStartup {
			continue
		}

		handle, err := r.EnsureSession(ctx, cell.ID, EnsureOptions{})
		if err != nil {
			r.logger.Warn("failed to resume agent session",
				zap.String("cell_id", cell.ID), zap.Error(err))
		} else if r.lastAssistantTurnIncomplete(ctx, handle) {
			if err := r.SendMessage(ctx, handle.session.ID, "Please continue"); err != nil {
				r.logger.Warn("continue prompt failed",
					zap.String("session_id", handle.session.ID), zap.Error(err))
			}
		}

		if err := r.collab.Store.UpdateCell(ctx, cell.ID, store.CellUpdate{
			ResumeAgentSessionOnStartup: &cleared,
		}); err != nil {
			r.logger.Warn("failed to clear agent resume flag",
				zap.String("cell_id", cell.ID), zap.Error(err))
		}
	}
}

func (r *Runtime) lastAssistantTurnIncomplete(ctx context.Context, handle *Handle) bool {
	messages, err := handle.client.ListMessages(ctx, handle.session.ID)
	if err != nil {
		return false
	}
	for i := len(messages) - 1; i >= 0; i-- {
		info := messages[i].Info
		if info.Role != "assistant" {
			continue
		}
		completed := info.Time != nil && info.Time.Completed != 0
		return !completed && info.Error == nil
	}
	return false
}
