package provision

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverun/hive/internal/common/config"
	"github.com/hiverun/hive/internal/common/logger"
	"github.com/hiverun/hive/internal/db"
	"github.com/hiverun/hive/internal/events"
	"github.com/hiverun/hive/internal/events/bus"
	"github.com/hiverun/hive/internal/ports"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/supervisor"
	"github.com/hiverun/hive/internal/template"
	"github.com/hiverun/hive/internal/terminal"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// fakeWorktree materializes plain directories instead of git worktrees.
type fakeWorktree struct {
	created []string
	removed []string
}

func (f *fakeWorktree) Path(root, cellID string) string {
	return filepath.Join(root, ".hive", "cells", cellID)
}

func (f *fakeWorktree) Create(_ context.Context, root, cellID string) (string, error) {
	path := f.Path(root, cellID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	f.created = append(f.created, cellID)
	return path, nil
}

func (f *fakeWorktree) Remove(_ context.Context, root, cellID string) error {
	f.removed = append(f.removed, cellID)
	return os.RemoveAll(f.Path(root, cellID))
}

type testRig struct {
	engine    *Engine
	store     *store.Store
	bus       *bus.MemoryEventBus
	worktrees *fakeWorktree
	root      string
}

func newTestRig(t *testing.T, workspaceConfig string) *testRig {
	t.Helper()
	writer, err := db.OpenSQLiteInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	require.NoError(t, db.Migrate(writer.DB, ""))

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hive.config.json"), []byte(workspaceConfig), 0o644))

	st := store.New(writer, writer, nil)
	memBus := bus.NewMemoryEventBus(newTestLogger())
	publisher := events.NewPublisher(memBus, newTestLogger())
	loader := template.NewLoader(newTestLogger())
	sup := supervisor.New(st, ports.NewManager(st, newTestLogger()), terminal.NewRuntime(newTestLogger()),
		loader, publisher, &config.SetupConfig{CommandTimeoutMs: 0}, newTestLogger())
	wt := &fakeWorktree{}

	engine := New(st, sup, wt, loader, publisher, newTestLogger())
	return &testRig{engine: engine, store: st, bus: memBus, worktrees: wt, root: root}
}

func (r *testRig) newCell(t *testing.T, templateID string) *store.Cell {
	t.Helper()
	cell := &store.Cell{
		Name:              "feature-x",
		TemplateID:        templateID,
		WorkspaceRootPath: r.root,
		WorkspacePath:     r.worktrees.Path(r.root, "pending"),
		WorkspaceID:       "ws-1",
	}
	require.NoError(t, r.store.CreateCell(context.Background(), cell))
	return cell
}

const basicConfig = `{
  "templates": {
    "web-stack": {
      "label": "Web stack",
      "type": "process",
      "setup": ["echo setting up"],
      "services": {
        "web": {"run": "sleep 30"}
      }
    },
    "broken": {
      "label": "Broken",
      "type": "process",
      "setup": ["exit 5"]
    }
  }
}`

func collectTimings(t *testing.T, b *bus.MemoryEventBus, cellID string) *[]map[string]any {
	t.Helper()
	var timings []map[string]any
	_, err := b.Subscribe(events.CellTimingSubject(cellID), func(ctx context.Context, event *bus.Event) error {
		timings = append(timings, event.Data)
		return nil
	})
	require.NoError(t, err)
	return &timings
}

func TestProvisionCellReachesReady(t *testing.T) {
	rig := newTestRig(t, basicConfig)
	cell := rig.newCell(t, "web-stack")
	ctx := context.Background()

	timings := collectTimings(t, rig.bus, cell.ID)

	require.NoError(t, rig.engine.ProvisionCell(ctx, cell.ID, CreateOptions{}))
	defer rig.engine.supervisor.StopAll(ctx)

	after, err := rig.store.GetCell(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CellStatusReady, after.Status)
	assert.Nil(t, after.LastSetupError)
	assert.Equal(t, []string{cell.ID}, rig.worktrees.created)

	svc, err := rig.store.FindService(ctx, cell.ID, "web")
	require.NoError(t, err)
	assert.Equal(t, store.ServiceStatusRunning, svc.Status)

	// All timing events share one runId and cover every step.
	steps := map[string]bool{}
	runIDs := map[string]bool{}
	for _, timing := range *timings {
		steps[timing["step"].(string)] = true
		runIDs[timing["runId"].(string)] = true
	}
	assert.True(t, steps[events.StepCreateWorktree])
	assert.True(t, steps[events.StepEnsureServices])
	assert.True(t, steps[events.StepMarkReady])
	assert.True(t, steps["template_setup:echo setting up"])
	assert.True(t, steps["service_start:web"])
	assert.Len(t, runIDs, 1)

	state, err := rig.store.GetProvisioningState(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, events.StepMarkReady, state.Step)
	assert.Equal(t, "ok", state.Status)
	assert.Equal(t, 1, state.Attempt)
}

func TestProvisionCellSetupFailure(t *testing.T) {
	rig := newTestRig(t, basicConfig)
	cell := rig.newCell(t, "broken")
	ctx := context.Background()

	err := rig.engine.ProvisionCell(ctx, cell.ID, CreateOptions{})
	require.Error(t, err)

	after, getErr := rig.store.GetCell(ctx, cell.ID)
	require.NoError(t, getErr)
	assert.Equal(t, store.CellStatusError, after.Status)
	require.NotNil(t, after.LastSetupError)
	assert.Contains(t, *after.LastSetupError, "exitCode=5")

	state, stateErr := rig.store.GetProvisioningState(ctx, cell.ID)
	require.NoError(t, stateErr)
	assert.Equal(t, events.StepEnsureServices, state.Step)
	assert.Equal(t, "error", state.Status)
}

func TestProvisionResumeIncrementsAttempt(t *testing.T) {
	rig := newTestRig(t, basicConfig)
	cell := rig.newCell(t, "web-stack")
	ctx := context.Background()

	require.NoError(t, rig.engine.ProvisionCell(ctx, cell.ID, CreateOptions{}))
	require.NoError(t, rig.engine.ProvisionCell(ctx, cell.ID, CreateOptions{}))
	defer rig.engine.supervisor.StopAll(ctx)

	state, err := rig.store.GetProvisioningState(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Attempt)
}

func TestResumeOnStartupProvisionsSpawningCells(t *testing.T) {
	rig := newTestRig(t, basicConfig)
	cell := rig.newCell(t, "web-stack")
	ctx := context.Background()

	rig.engine.ResumeOnStartup(ctx)
	defer rig.engine.supervisor.StopAll(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		after, err := rig.store.GetCell(ctx, cell.ID)
		require.NoError(t, err)
		if after.Status == store.CellStatusReady {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("cell never became ready")
}

func TestProvisionPersistsOverrides(t *testing.T) {
	rig := newTestRig(t, basicConfig)
	cell := rig.newCell(t, "web-stack")
	ctx := context.Background()

	modelID := "gpt-5.3-codex"
	providerID := "opencode"
	buildMode := store.StartModeBuild
	require.NoError(t, rig.engine.ProvisionCell(ctx, cell.ID, CreateOptions{
		ModelIDOverride:    &modelID,
		ProviderIDOverride: &providerID,
		StartMode:          &buildMode,
	}))
	defer rig.engine.supervisor.StopAll(ctx)

	state, err := rig.store.GetProvisioningState(ctx, cell.ID)
	require.NoError(t, err)
	require.NotNil(t, state.ModelIDOverride)
	assert.Equal(t, modelID, *state.ModelIDOverride)
	require.NotNil(t, state.ProviderIDOverride)
	assert.Equal(t, providerID, *state.ProviderIDOverride)
	require.NotNil(t, state.StartMode)
	assert.Equal(t, buildMode, *state.StartMode)
}

func TestDeleteCellCascades(t *testing.T) {
	rig := newTestRig(t, basicConfig)
	cell := rig.newCell(t, "web-stack")
	ctx := context.Background()

	require.NoError(t, rig.engine.ProvisionCell(ctx, cell.ID, CreateOptions{}))
	require.NoError(t, rig.engine.DeleteCell(ctx, cell.ID))

	_, err := rig.store.GetCell(ctx, cell.ID)
	require.Error(t, err)
	assert.Equal(t, []string{cell.ID}, rig.worktrees.removed)

	services, err := rig.store.ListServicesByCell(ctx, cell.ID)
	require.NoError(t, err)
	assert.Empty(t, services)
}

func TestProvisionPersistsWorktreePath(t *testing.T) {
	rig := newTestRig(t, basicConfig)
	cell := rig.newCell(t, "web-stack")
	ctx := context.Background()

	// The row starts with a provisional path; the adapter's actual path
	// must be written back so reloads after a restart find the worktree.
	require.NoError(t, rig.engine.ProvisionCell(ctx, cell.ID, CreateOptions{}))
	defer rig.engine.supervisor.StopAll(ctx)

	after, err := rig.store.GetCell(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, rig.worktrees.Path(rig.root, cell.ID), after.WorkspacePath)
	assert.DirExists(t, after.WorkspacePath)
}
