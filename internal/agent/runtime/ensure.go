package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hiverun/hive/internal/agent/credentials"
	"github.com/hiverun/hive/internal/common/apperr"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/template"
	"github.com/hiverun/hive/pkg/opencode"
)

// EnsureOptions control how a runtime is bound to a cell. Empty ids
// mean "no preference".
type EnsureOptions struct {
	Force      bool
	ProviderID string
	ModelID    string
	StartMode  store.StartMode
}

// EnsureSession returns the runtime handle for a cell, opening a remote
// session when none is bound yet. With Force set, any existing binding
// is replaced by a fresh session.
func (r *Runtime) EnsureSession(ctx context.Context, cellID string, opts EnsureOptions) (*Handle, error) {
	if handle, ok := r.lookupByCell(cellID); ok && !opts.Force {
		if err := r.refreshInstructions(ctx, handle.cell); err != nil {
			r.logger.Warn("failed to refresh instructions file",
				zap.String("cell_id", cellID), zap.Error(err))
		}
		return handle, nil
	}

	cell, err := r.collab.Store.GetCell(ctx, cellID)
	if err != nil {
		return nil, err
	}

	cfg, err := r.collab.LoadConfig(cell.WorkspaceRootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace config: %w", err)
	}
	var agentCfg *template.AgentDefaults
	if tpl, tplErr := cfg.Template(cell.TemplateID); tplErr == nil {
		agentCfg = tpl.Agent
	}

	client := r.collab.AcquireClient(cell.WorkspacePath)
	catalog, err := r.collab.LoadModelConfig(ctx, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to load model catalog: %w", err)
	}

	// Try the persisted session up front: whether it is restorable
	// decides if stale provisioning overrides still apply.
	var existing *opencode.Session
	if !opts.Force && cell.OpencodeSessionID != nil {
		existing, err = client.GetSession(ctx, *cell.OpencodeSessionID)
		if err != nil {
			r.logger.Info("persisted session not restorable, creating a new one",
				zap.String("cell_id", cellID),
				zap.String("session_id", *cell.OpencodeSessionID),
				zap.Error(err))
			existing = nil
		}
	}

	state, stateErr := r.collab.Store.GetProvisioningState(ctx, cellID)
	if stateErr != nil && !apperr.IsNotFound(stateErr) {
		client.Close()
		return nil, stateErr
	}

	explicit := candidate{providerID: opts.ProviderID, modelID: opts.ModelID}
	if explicit.empty() && state != nil && existing == nil {
		if state.ModelIDOverride != nil {
			explicit.modelID = *state.ModelIDOverride
		}
		if state.ProviderIDOverride != nil {
			explicit.providerID = *state.ProviderIDOverride
		}
	}

	workspaceDefault := candidate{}
	if cfg.Opencode != nil {
		workspaceDefault = candidate{
			providerID: cfg.Opencode.DefaultProvider,
			modelID:    cfg.Opencode.DefaultModel,
		}
	}

	selection, err := selectModel(catalog, explicit, agentCfg, workspaceDefault)
	if err != nil {
		client.Close()
		return nil, err
	}

	startMode := r.resolveStartMode(opts, state, cfg)

	if err := r.validateCredentials(selection.ProviderID); err != nil {
		client.Close()
		return nil, err
	}

	session := existing
	created := false
	if session == nil {
		session, err = client.CreateSession(ctx, cell.Name)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create agent session: %w", err)
		}
		created = true
	}
	if cell.OpencodeSessionID == nil || *cell.OpencodeSessionID != session.ID {
		sessionID := session.ID
		if err := r.collab.Store.UpdateCell(ctx, cell.ID, store.CellUpdate{
			OpencodeSessionID: ptrTo(&sessionID),
		}); err != nil {
			client.Close()
			return nil, err
		}
		cell.OpencodeSessionID = &sessionID
	}

	var spec *opencode.ModelSpec
	if selection.ModelID != "" {
		spec = &opencode.ModelSpec{ProviderID: selection.ProviderID, ModelID: selection.ModelID}
	}

	// Seed prompt primes the server-side mode for fresh plan sessions.
	if created && startMode == store.StartModePlan {
		if err := client.SendPrompt(ctx, session.ID, "", spec, string(store.StartModePlan)); err != nil {
			r.logger.Warn("plan seed prompt failed", zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	recoveredModel, recoveredMode := r.recoverFromHistory(ctx, client, session.ID)
	if opts.ModelID == "" && recoveredModel.modelID != "" {
		if sel, ok := resolveCandidate(catalog, recoveredModel); ok {
			selection = sel
			spec = &opencode.ModelSpec{ProviderID: sel.ProviderID, ModelID: sel.ModelID}
		}
	}

	currentMode := startMode
	if recoveredMode != "" {
		currentMode = recoveredMode
	}

	// A brand-new session has no history carrying the caller's model
	// choice, so persist it with a no-reply prompt.
	if created && opts.ModelID != "" && opts.ModelID != recoveredModel.modelID && spec != nil {
		if err := client.SendPrompt(ctx, session.ID, "", spec, string(currentMode)); err != nil {
			r.logger.Warn("model preference prompt failed",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	handle := &Handle{
		session:     session,
		cell:        cell,
		client:      client,
		providerID:  selection.ProviderID,
		modelID:     selection.ModelID,
		status:      StatusAwaitingInput,
		startMode:   startMode,
		currentMode: currentMode,
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	handle.cancel = cancel
	if err := client.SubscribeEvents(streamCtx, session.ID, r.ingestHandler(handle)); err != nil {
		r.logger.Warn("event subscription failed",
			zap.String("session_id", session.ID), zap.Error(err))
	}

	r.register(handle)

	if err := r.refreshInstructions(ctx, cell); err != nil {
		r.logger.Warn("failed to write instructions file",
			zap.String("cell_id", cellID), zap.Error(err))
	}

	r.logger.Info("agent session ready",
		zap.String("cell_id", cellID),
		zap.String("session_id", session.ID),
		zap.String("provider_id", selection.ProviderID),
		zap.String("model_id", selection.ModelID),
		zap.String("mode", string(currentMode)),
		zap.Bool("created", created))
	return handle, nil
}

// resolveStartMode picks the agent posture: explicit option, persisted
// provisioning preference, workspace default mode, workspace
// default_agent, else plan.
func (r *Runtime) resolveStartMode(opts EnsureOptions, state *store.CellProvisioningState,
	cfg *template.HiveConfig) store.StartMode {
	if opts.StartMode != "" {
		return opts.StartMode
	}
	if state != nil && state.StartMode != nil && *state.StartMode != "" {
		return *state.StartMode
	}
	if cfg.Opencode != nil {
		if mode := normalizeMode(cfg.Opencode.DefaultMode); mode != "" {
			return mode
		}
	}
	if raw, ok := cfg.Defaults["default_agent"].(string); ok {
		if mode := normalizeMode(raw); mode != "" {
			return mode
		}
	}
	return store.StartModePlan
}

func normalizeMode(raw string) store.StartMode {
	switch store.StartMode(raw) {
	case store.StartModePlan, store.StartModeBuild:
		return store.StartMode(raw)
	}
	return ""
}

func (r *Runtime) validateCredentials(providerID string) error {
	if !credentials.Required(providerID) {
		return nil
	}
	creds, err := r.collab.LoadCredentials()
	if err != nil {
		return err
	}
	if !creds.Has(providerID) {
		return apperr.CredentialMissing(providerID)
	}
	return nil
}

// recoverFromHistory inspects the remote history: the latest user
// message carries the last-used model, the latest assistant message the
// current mode. Best-effort; failures leave both empty.
func (r *Runtime) recoverFromHistory(ctx context.Context, client AgentClient,
	sessionID string) (candidate, store.StartMode) {
	messages, err := client.ListMessages(ctx, sessionID)
	if err != nil {
		r.logger.Debug("failed to list session messages",
			zap.String("session_id", sessionID), zap.Error(err))
		return candidate{}, ""
	}

	var model candidate
	var mode store.StartMode
	for i := len(messages) - 1; i >= 0; i-- {
		info := messages[i].Info
		if model.modelID == "" && info.Role == "user" && info.ModelID != "" {
			model = candidate{providerID: info.ProviderID, modelID: info.ModelID}
		}
		if mode == "" && info.Role == "assistant" {
			mode = normalizeMode(info.Mode)
		}
		if model.modelID != "" && mode != "" {
			break
		}
	}
	return model, mode
}

func ptrTo[T any](v *T) **T {
	return &v
}
