// Package provision runs the resumable cell provisioning state machine:
// worktree creation, template setup and service startup, with timing
// events published for every step.
package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hiverun/hive/internal/common/logger"
	"github.com/hiverun/hive/internal/events"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/supervisor"
	"github.com/hiverun/hive/internal/template"
	"github.com/hiverun/hive/internal/worktree"
)

const workflowCreate = "create"

// Engine drives cells from spawning to ready.
type Engine struct {
	store      *store.Store
	supervisor *supervisor.Supervisor
	worktrees  worktree.Adapter
	templates  *template.Loader
	publisher  *events.Publisher
	logger     *logger.Logger
}

// New creates a provisioning engine.
func New(st *store.Store, sup *supervisor.Supervisor, wt worktree.Adapter,
	tpl *template.Loader, pub *events.Publisher, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		store:      st,
		supervisor: sup,
		worktrees:  wt,
		templates:  tpl,
		publisher:  pub,
		logger:     log.WithFields(zap.String("component", "provision")),
	}
}

// CreateOptions carries user preferences persisted for the agent
// runtime alongside the provisioning run.
type CreateOptions struct {
	ModelIDOverride    *string
	ProviderIDOverride *string
	StartMode          *store.StartMode
}

// ProvisionCell runs the state machine for a cell from its last
// completed step. attempt counts resumes, starting at 1.
func (e *Engine) ProvisionCell(ctx context.Context, cellID string, opts CreateOptions) error {
	cell, err := e.store.GetCell(ctx, cellID)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	attempt := 1
	var lastStep string
	if prev, err := e.store.GetProvisioningState(ctx, cellID); err == nil {
		attempt = prev.Attempt + 1
		lastStep = prev.Step
		if opts.ModelIDOverride == nil {
			opts.ModelIDOverride = prev.ModelIDOverride
		}
		if opts.ProviderIDOverride == nil {
			opts.ProviderIDOverride = prev.ProviderIDOverride
		}
		if opts.StartMode == nil {
			opts.StartMode = prev.StartMode
		}
	}

	run := &run{engine: e, cell: cell, runID: runID, attempt: attempt, opts: opts}

	if err := run.execute(ctx, lastStep); err != nil {
		message := err.Error()
		errStatus := store.CellStatusError
		if updateErr := e.store.UpdateCell(ctx, cellID, store.CellUpdate{
			Status:         &errStatus,
			LastSetupError: ptrTo(&message),
		}); updateErr != nil {
			e.logger.Error("failed to persist provisioning failure", zap.Error(updateErr))
		}
		e.publishCellStatus(ctx, cell, store.CellStatusError, &message)
		return err
	}
	return nil
}

// ResumeOnStartup re-enters the state machine for every cell left in
// spawning by a previous process.
func (e *Engine) ResumeOnStartup(ctx context.Context) {
	cells, err := e.store.ListCells(ctx)
	if err != nil {
		e.logger.Error("failed to list cells for resume", zap.Error(err))
		return
	}
	for _, cell := range cells {
		if cell.Status != store.CellStatusSpawning {
			continue
		}
		e.logger.Info("resuming provisioning", zap.String("cell_id", cell.ID))
		if err := e.ProvisionCell(ctx, cell.ID, CreateOptions{}); err != nil {
			e.logger.Error("provisioning resume failed",
				zap.String("cell_id", cell.ID),
				zap.Error(err))
		}
	}
}

// DeleteCell tears a cell down: services stopped with ports released,
// worktree removed, row deleted. Remote agent session cleanup is the
// agent runtime's concern and happens before this is called.
func (e *Engine) DeleteCell(ctx context.Context, cellID string) error {
	cell, err := e.store.GetCell(ctx, cellID)
	if err != nil {
		return err
	}

	if err := e.supervisor.StopCellServices(ctx, cellID, true); err != nil {
		e.logger.Warn("failed to stop services during delete",
			zap.String("cell_id", cellID),
			zap.Error(err))
	}
	if err := e.worktrees.Remove(ctx, cell.WorkspaceRootPath, cellID); err != nil {
		e.logger.Warn("failed to remove worktree during delete",
			zap.String("cell_id", cellID),
			zap.Error(err))
	}

	stopped := store.CellStatusStopped
	_ = e.store.UpdateCell(ctx, cellID, store.CellUpdate{Status: &stopped})
	e.publishCellStatus(ctx, cell, store.CellStatusStopped, nil)
	return e.store.DeleteCell(ctx, cellID)
}

// run is one pass of the state machine.
type run struct {
	engine  *Engine
	cell    *store.Cell
	runID   string
	attempt int
	opts    CreateOptions
}

// steps in program order. lastStep marks the most recent completed or
// in-progress step; execution restarts from it since every step is
// idempotent.
var stepOrder = []string{events.StepCreateWorktree, events.StepEnsureServices, events.StepMarkReady}

func (r *run) execute(ctx context.Context, lastStep string) error {
	startIdx := 0
	for i, step := range stepOrder {
		if step == lastStep {
			startIdx = i
			break
		}
	}

	for _, step := range stepOrder[startIdx:] {
		if err := r.runStep(ctx, step); err != nil {
			r.persistState(ctx, step, "error", err)
			return err
		}
		r.persistState(ctx, step, "ok", nil)
	}
	return nil
}

func (r *run) runStep(ctx context.Context, step string) error {
	start := time.Now()
	var err error
	switch step {
	case events.StepCreateWorktree:
		err = r.createWorktree(ctx)
	case events.StepEnsureServices:
		err = r.ensureServices(ctx)
	case events.StepMarkReady:
		err = r.markReady(ctx)
	default:
		err = fmt.Errorf("unknown provisioning step %q", step)
	}
	r.emitTiming(ctx, step, time.Since(start), err, nil)
	return err
}

func (r *run) createWorktree(ctx context.Context) error {
	path, err := r.engine.worktrees.Create(ctx, r.cell.WorkspaceRootPath, r.cell.ID)
	if err != nil {
		return err
	}
	if r.cell.WorkspacePath != path {
		// Persist the adapter's actual path so consumers that reload
		// the row after a restart find the worktree.
		if err := r.engine.store.UpdateCell(ctx, r.cell.ID, store.CellUpdate{
			WorkspacePath: &path,
		}); err != nil {
			return err
		}
		r.cell.WorkspacePath = path
	}
	return nil
}

func (r *run) ensureServices(ctx context.Context) error {
	cfg, err := r.engine.templates.Load(r.cell.WorkspaceRootPath)
	if err != nil {
		return err
	}
	tpl, err := cfg.Template(r.cell.TemplateID)
	if err != nil {
		return err
	}

	// Nested setup/service timing events share this run's id.
	onTiming := func(step, status string, duration time.Duration, stepErr error, metadata map[string]any) {
		r.emitTiming(ctx, step, duration, stepErr, metadata)
	}
	return r.engine.supervisor.EnsureCellServices(ctx, r.cell, tpl, onTiming)
}

func (r *run) markReady(ctx context.Context) error {
	ready := store.CellStatusReady
	var noErr *string
	if err := r.engine.store.UpdateCell(ctx, r.cell.ID, store.CellUpdate{
		Status:         &ready,
		LastSetupError: &noErr,
	}); err != nil {
		return err
	}
	r.engine.publishCellStatus(ctx, r.cell, store.CellStatusReady, nil)
	return nil
}

func (r *run) persistState(ctx context.Context, step, status string, stepErr error) {
	state := &store.CellProvisioningState{
		CellID:             r.cell.ID,
		RunID:              r.runID,
		Step:               step,
		Status:             status,
		Attempt:            r.attempt,
		ModelIDOverride:    r.opts.ModelIDOverride,
		ProviderIDOverride: r.opts.ProviderIDOverride,
		StartMode:          r.opts.StartMode,
	}
	if stepErr != nil {
		message := stepErr.Error()
		state.LastError = &message
	}
	if err := r.engine.store.UpsertProvisioningState(ctx, state); err != nil {
		r.engine.logger.Error("failed to persist provisioning state", zap.Error(err))
	}
}

func (r *run) emitTiming(ctx context.Context, step string, duration time.Duration, stepErr error, metadata map[string]any) {
	status := "ok"
	errMessage := ""
	if stepErr != nil {
		status = "error"
		errMessage = stepErr.Error()
	}
	r.engine.publisher.PublishTiming(ctx, events.TimingEvent{
		CellID:     r.cell.ID,
		Workflow:   workflowCreate,
		RunID:      r.runID,
		Step:       step,
		Status:     status,
		DurationMs: duration.Milliseconds(),
		CreatedAt:  r.engine.store.Now(),
		Error:      errMessage,
		Metadata:   metadata,
	})
}

func (e *Engine) publishCellStatus(ctx context.Context, cell *store.Cell, status store.CellStatus, lastError *string) {
	data := map[string]any{
		"cellId": cell.ID,
		"status": string(status),
	}
	if lastError != nil {
		data["lastSetupError"] = *lastError
	}
	e.publisher.PublishCellStatus(ctx, cell.WorkspaceID, data)
}

func ptrTo[T any](v *T) **T {
	return &v
}
