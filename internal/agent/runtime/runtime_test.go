package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverun/hive/internal/agent/credentials"
	"github.com/hiverun/hive/internal/common/apperr"
	"github.com/hiverun/hive/internal/common/logger"
	"github.com/hiverun/hive/internal/db"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/template"
	"github.com/hiverun/hive/pkg/opencode"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

type promptCall struct {
	SessionID string
	Prompt    string
	Model     *opencode.ModelSpec
	Agent     string
}

type fakeClient struct {
	mu        sync.Mutex
	sessions  map[string]*opencode.Session
	messages  map[string][]opencode.Message
	prompts   []promptCall
	aborted   []string
	deleted   []string
	handler   opencode.EventHandler
	subCtx    context.Context
	promptErr error
	nextID    int
	closed    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		sessions: map[string]*opencode.Session{},
		messages: map[string][]opencode.Message{},
	}
}

func (f *fakeClient) Directory() string { return "/tmp" }

func (f *fakeClient) CreateSession(_ context.Context, title string) (*opencode.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	session := &opencode.Session{ID: fmt.Sprintf("ses_%d", f.nextID), Title: title}
	f.sessions[session.ID] = session
	return session, nil
}

func (f *fakeClient) GetSession(_ context.Context, sessionID string) (*opencode.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return session, nil
}

func (f *fakeClient) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeClient) ListMessages(_ context.Context, sessionID string) ([]opencode.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[sessionID], nil
}

func (f *fakeClient) Providers(_ context.Context) (*opencode.ProvidersResponse, error) {
	return catalogWith(), nil
}

func (f *fakeClient) SendPrompt(_ context.Context, sessionID, prompt string, model *opencode.ModelSpec, agent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, promptCall{SessionID: sessionID, Prompt: prompt, Model: model, Agent: agent})
	return f.promptErr
}

func (f *fakeClient) Abort(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionID)
	return nil
}

func (f *fakeClient) SubscribeEvents(ctx context.Context, _ string, handler opencode.EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	f.subCtx = ctx
	return nil
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) subscriptionCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCtx != nil && f.subCtx.Err() != nil
}

func (f *fakeClient) emit(t *testing.T, eventType string, properties any) {
	t.Helper()
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	require.NotNil(t, handler, "no event handler subscribed")

	raw, err := json.Marshal(properties)
	require.NoError(t, err)
	handler(&opencode.EventEnvelope{Type: eventType, Properties: raw})
}

func (f *fakeClient) promptCalls() []promptCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]promptCall, len(f.prompts))
	copy(out, f.prompts)
	return out
}

type runtimeRig struct {
	runtime *Runtime
	store   *store.Store
	client  *fakeClient
	acquire func(string) AgentClient
	config  *template.HiveConfig
	catalog *opencode.ProvidersResponse
	events  []publishedEvent
	evMu    sync.Mutex
}

type publishedEvent struct {
	SessionID string
	Type      string
	Data      map[string]any
}

func newRuntimeRig(t *testing.T) *runtimeRig {
	t.Helper()
	writer, err := db.OpenSQLiteInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	require.NoError(t, db.Migrate(writer.DB, ""))

	rig := &runtimeRig{
		store:  store.New(writer, writer, nil),
		client: newFakeClient(),
		config: &template.HiveConfig{
			Templates: map[string]*template.Template{
				"web-stack": {Label: "Web stack", Type: "process"},
			},
		},
		catalog: catalogWith(opencode.Provider{
			ID: "opencode",
			Models: map[string]opencode.ProviderModel{
				"gpt-5.3-codex":    {ID: "opencode/gpt-5.3-codex"},
				"template-default": {ID: "template-default"},
			},
		}),
	}
	rig.catalog.Default["opencode"] = "template-default"

	credPath := filepath.Join(t.TempDir(), "auth.json")
	collab := Collaborators{
		Store: rig.store,
		LoadConfig: func(string) (*template.HiveConfig, error) {
			return rig.config, nil
		},
		LoadModelConfig: func(context.Context, AgentClient) (*opencode.ProvidersResponse, error) {
			return rig.catalog, nil
		},
		LoadCredentials: func() (*credentials.Store, error) {
			return credentials.Load(credPath)
		},
		PublishEvent: func(_ context.Context, sessionID, eventType string, data map[string]any) {
			rig.evMu.Lock()
			defer rig.evMu.Unlock()
			rig.events = append(rig.events, publishedEvent{SessionID: sessionID, Type: eventType, Data: data})
		},
		AcquireClient: func(path string) AgentClient {
			if rig.acquire != nil {
				return rig.acquire(path)
			}
			return rig.client
		},
	}
	rig.runtime = New(collab, newTestLogger())
	return rig
}

func (r *runtimeRig) newCell(t *testing.T) *store.Cell {
	t.Helper()
	workspace := t.TempDir()
	cell := &store.Cell{
		Name:              "fix-login",
		TemplateID:        "web-stack",
		WorkspaceRootPath: workspace,
		WorkspacePath:     workspace,
		WorkspaceID:       "ws-1",
	}
	require.NoError(t, r.store.CreateCell(context.Background(), cell))
	return cell
}

func (r *runtimeRig) published(eventType string) []publishedEvent {
	r.evMu.Lock()
	defer r.evMu.Unlock()
	var out []publishedEvent
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestEnsureSessionCreatesAndRegisters(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	handle, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{})
	require.NoError(t, err)

	status, _ := handle.Status()
	assert.Equal(t, StatusAwaitingInput, status)
	assert.Equal(t, store.StartModePlan, handle.Mode())

	// Session titled with the cell name and persisted onto the row.
	session, err := rig.client.GetSession(ctx, handle.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "fix-login", session.Title)

	after, err := rig.store.GetCell(ctx, cell.ID)
	require.NoError(t, err)
	require.NotNil(t, after.OpencodeSessionID)
	assert.Equal(t, handle.SessionID(), *after.OpencodeSessionID)

	// Fresh plan sessions get a seed prompt priming the mode.
	calls := rig.client.promptCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "", calls[0].Prompt)
	assert.Equal(t, "plan", calls[0].Agent)

	// Instructions file is regenerated on ensure.
	content, err := os.ReadFile(filepath.Join(cell.WorkspacePath, ".hive", "instructions.md"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "fix-login")
	assert.Contains(t, string(content), "## Cell")
	assert.Contains(t, string(content), "## Services")
	assert.Contains(t, string(content), "## Tools")
	assert.Contains(t, string(content), "## Conventions")

	again, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{})
	require.NoError(t, err)
	assert.Same(t, handle, again)
}

func TestEnsureSessionModelOverride(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	handle, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{
		ProviderID: "opencode",
		ModelID:    "opencode/gpt-5.3-codex",
		StartMode:  store.StartModeBuild,
	})
	require.NoError(t, err)

	providerID, modelID := handle.Model()
	assert.Equal(t, "opencode", providerID)
	assert.Equal(t, "gpt-5.3-codex", modelID)
	assert.Equal(t, store.StartModeBuild, handle.Mode())

	// The explicit model is persisted server-side with a no-reply prompt.
	calls := rig.client.promptCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "", calls[0].Prompt)
	require.NotNil(t, calls[0].Model)
	assert.Equal(t, "opencode", calls[0].Model.ProviderID)
	assert.Equal(t, "gpt-5.3-codex", calls[0].Model.ModelID)
}

func TestEnsureSessionInvalidModelOverride(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.catalog = catalogWith(opencode.Provider{
		ID:     "opencode",
		Models: map[string]opencode.ProviderModel{"minimax-m2.1": {}},
	})
	cell := rig.newCell(t)

	_, err := rig.runtime.EnsureSession(context.Background(), cell.ID, EnsureOptions{
		ProviderID: "opencode",
		ModelID:    "gpt-5.2-xhigh",
	})
	require.Error(t, err)

	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t,
		`Selected model override is invalid: model "gpt-5.2-xhigh" is unavailable for provider "opencode". Available models: minimax-m2.1. Refresh the model catalog and try again.`,
		appErr.Message)
}

func TestEnsureSessionMissingCredentials(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.catalog = catalogWith(opencode.Provider{
		ID:     "anthropic",
		Models: map[string]opencode.ProviderModel{"sonnet": {}},
	})
	cell := rig.newCell(t)

	_, err := rig.runtime.EnsureSession(context.Background(), cell.ID, EnsureOptions{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindCredentialMissing))
	assert.Contains(t, err.Error(), "Missing authentication for anthropic. Run opencode auth login anthropic.")
}

func TestEnsureSessionReusesPersistedSession(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	remote, err := rig.client.CreateSession(ctx, "previous")
	require.NoError(t, err)
	require.NoError(t, rig.store.UpdateCell(ctx, cell.ID, store.CellUpdate{
		OpencodeSessionID: ptrTo(&remote.ID),
	}))

	handle, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{})
	require.NoError(t, err)
	assert.Equal(t, remote.ID, handle.SessionID())
	// Reused sessions get no seed prompt.
	assert.Empty(t, rig.client.promptCalls())
}

func TestEnsureSessionRecoversModeFromHistory(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	remote, err := rig.client.CreateSession(ctx, "previous")
	require.NoError(t, err)
	rig.client.messages[remote.ID] = []opencode.Message{
		{Info: opencode.MessageInfo{Role: "user", ProviderID: "opencode", ModelID: "gpt-5.3-codex"}},
		{Info: opencode.MessageInfo{Role: "assistant", Mode: "build"}},
	}
	require.NoError(t, rig.store.UpdateCell(ctx, cell.ID, store.CellUpdate{
		OpencodeSessionID: ptrTo(&remote.ID),
	}))

	handle, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.StartModeBuild, handle.Mode())

	providerID, modelID := handle.Model()
	assert.Equal(t, "opencode", providerID)
	assert.Equal(t, "gpt-5.3-codex", modelID)
}

func TestIngestionStatusTransitions(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	handle, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{})
	require.NoError(t, err)
	sessionID := handle.SessionID()

	rig.client.emit(t, opencode.EventMessageUpdated, opencode.MessageUpdatedProperties{
		Info: opencode.MessageInfo{SessionID: sessionID, Role: "assistant"},
	})
	status, _ := handle.Status()
	assert.Equal(t, StatusWorking, status)

	rig.client.emit(t, opencode.EventPermissionAsked, map[string]any{"sessionID": sessionID})
	status, _ = handle.Status()
	assert.Equal(t, StatusAwaitingInput, status)

	rig.client.emit(t, opencode.EventPermissionReplied, map[string]any{"sessionID": sessionID})
	status, _ = handle.Status()
	assert.Equal(t, StatusWorking, status)

	rig.client.emit(t, opencode.EventSessionStatus, opencode.SessionStatusProperties{
		SessionID: sessionID,
		Status:    opencode.SessionStatus{Type: "idle"},
	})
	status, _ = handle.Status()
	assert.Equal(t, StatusWorking, status, "inner idle must not force working")

	rig.client.emit(t, opencode.EventSessionIdle, map[string]any{"sessionID": sessionID})
	status, _ = handle.Status()
	assert.Equal(t, StatusAwaitingInput, status)

	rig.client.emit(t, opencode.EventSessionError, opencode.SessionErrorProperties{
		SessionID: sessionID,
		Error:     &opencode.ServerError{Name: "ProviderError", Message: "rate limited"},
	})
	status, message := handle.Status()
	assert.Equal(t, StatusError, status)
	assert.Equal(t, "rate limited", message)
}

func TestIngestionModeChangePublishes(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)

	handle, err := rig.runtime.EnsureSession(context.Background(), cell.ID, EnsureOptions{})
	require.NoError(t, err)

	rig.client.emit(t, opencode.EventMessageUpdated, opencode.MessageUpdatedProperties{
		Info: opencode.MessageInfo{SessionID: handle.SessionID(), Role: "assistant", Mode: "build"},
	})

	assert.Equal(t, store.StartModeBuild, handle.Mode())
	modeEvents := rig.published("mode")
	require.Len(t, modeEvents, 1)
	assert.Equal(t, "build", modeEvents[0].Data["mode"])
}

func TestIngestionCompactionCount(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)

	handle, err := rig.runtime.EnsureSession(context.Background(), cell.ID, EnsureOptions{})
	require.NoError(t, err)
	sessionID := handle.SessionID()

	five := 5
	rig.client.emit(t, opencode.EventSessionCompacted, opencode.SessionCompactedProperties{
		SessionID: sessionID, Compacted: &five,
	})
	count, _ := handle.Compaction()
	assert.Equal(t, 5, count)

	// No counter in the payload increments the previous count.
	rig.client.emit(t, opencode.EventSessionCompacted, opencode.SessionCompactedProperties{
		SessionID: sessionID,
	})
	count, at := handle.Compaction()
	assert.Equal(t, 6, count)
	assert.False(t, at.IsZero())

	require.Len(t, rig.published("session.compaction"), 2)
}

func TestInterruptGatesMessageUpdates(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	handle, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{})
	require.NoError(t, err)
	sessionID := handle.SessionID()

	require.NoError(t, rig.runtime.Interrupt(ctx, sessionID))
	assert.Equal(t, []string{sessionID}, rig.client.aborted)
	status, _ := handle.Status()
	assert.Equal(t, StatusAwaitingInput, status)

	// Trailing assistant updates must not flip the status back.
	rig.client.emit(t, opencode.EventMessageUpdated, opencode.MessageUpdatedProperties{
		Info: opencode.MessageInfo{SessionID: sessionID, Role: "assistant"},
	})
	status, _ = handle.Status()
	assert.Equal(t, StatusAwaitingInput, status)

	// The abort echo resolves the interrupt instead of erroring.
	rig.client.emit(t, opencode.EventSessionError, opencode.SessionErrorProperties{
		SessionID: sessionID,
		Error:     &opencode.ServerError{Name: "MessageAbortedError", Message: "aborted"},
	})
	status, _ = handle.Status()
	assert.Equal(t, StatusAwaitingInput, status)

	rig.client.emit(t, opencode.EventMessageUpdated, opencode.MessageUpdatedProperties{
		Info: opencode.MessageInfo{SessionID: sessionID, Role: "assistant"},
	})
	status, _ = handle.Status()
	assert.Equal(t, StatusWorking, status, "interrupt resolved, updates apply again")
}

func TestSendMessageAbortDuringInterruptIsSwallowed(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	handle, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{})
	require.NoError(t, err)
	sessionID := handle.SessionID()

	handle.mu.Lock()
	handle.pendingInterrupt = true
	handle.mu.Unlock()
	rig.client.promptErr = &opencode.ServerError{Name: "MessageAbortedError"}

	require.NoError(t, rig.runtime.SendMessage(ctx, sessionID, "do the thing"))
	status, _ := handle.Status()
	assert.Equal(t, StatusAwaitingInput, status, "status reverts after a raced abort")
}

func TestSendMessageErrorSetsStatus(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	handle, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{})
	require.NoError(t, err)

	rig.client.promptErr = fmt.Errorf("connection refused")
	err = rig.runtime.SendMessage(ctx, handle.SessionID(), "hello")
	require.Error(t, err)
	status, message := handle.Status()
	assert.Equal(t, StatusError, status)
	assert.Contains(t, message, "connection refused")
}

func TestStopSessionDeletesRemoteAndUnregisters(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	handle, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{})
	require.NoError(t, err)
	sessionID := handle.SessionID()

	require.NoError(t, rig.runtime.StopSession(ctx, sessionID, StopOptions{DeleteRemote: true}))
	assert.Equal(t, []string{sessionID}, rig.client.deleted)
	assert.True(t, rig.client.closed)

	_, ok := rig.runtime.lookupBySession(sessionID)
	assert.False(t, ok)
	_, ok = rig.runtime.lookupByCell(cell.ID)
	assert.False(t, ok)

	err = rig.runtime.SendMessage(ctx, sessionID, "gone")
	assert.True(t, apperr.IsNotFound(err))
}

func TestMarkSessionsForResume(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	handle, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{})
	require.NoError(t, err)

	// Idle runtimes are not flagged.
	rig.runtime.MarkSessionsForResume(ctx)
	after, err := rig.store.GetCell(ctx, cell.ID)
	require.NoError(t, err)
	assert.False(t, after.ResumeAgentSessionOnStartup)

	handle.setStatus(StatusWorking, "")
	rig.runtime.MarkSessionsForResume(ctx)
	after, err = rig.store.GetCell(ctx, cell.ID)
	require.NoError(t, err)
	assert.True(t, after.ResumeAgentSessionOnStartup)
}

func TestResumeSessionsOnStartup(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	remote, err := rig.client.CreateSession(ctx, "previous")
	require.NoError(t, err)
	rig.client.messages[remote.ID] = []opencode.Message{
		{Info: opencode.MessageInfo{Role: "user", ModelID: "template-default", ProviderID: "opencode"}},
		{Info: opencode.MessageInfo{Role: "assistant", Time: &opencode.MessageTime{Created: 1}}},
	}
	flag := true
	require.NoError(t, rig.store.UpdateCell(ctx, cell.ID, store.CellUpdate{
		OpencodeSessionID:           ptrTo(&remote.ID),
		ResumeAgentSessionOnStartup: &flag,
	}))

	rig.runtime.ResumeSessionsOnStartup(ctx)

	// The incomplete assistant turn triggers a continue prompt.
	calls := rig.client.promptCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Please continue", calls[0].Prompt)

	after, err := rig.store.GetCell(ctx, cell.ID)
	require.NoError(t, err)
	assert.False(t, after.ResumeAgentSessionOnStartup, "resume flag cleared")

	_, ok := rig.runtime.lookupByCell(cell.ID)
	assert.True(t, ok)
}

func TestResumeSkipsCompletedTurn(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	remote, err := rig.client.CreateSession(ctx, "previous")
	require.NoError(t, err)
	rig.client.messages[remote.ID] = []opencode.Message{
		{Info: opencode.MessageInfo{Role: "assistant", Time: &opencode.MessageTime{Created: 1, Completed: 2}}},
	}
	flag := true
	require.NoError(t, rig.store.UpdateCell(ctx, cell.ID, store.CellUpdate{
		OpencodeSessionID:           ptrTo(&remote.ID),
		ResumeAgentSessionOnStartup: &flag,
	}))

	rig.runtime.ResumeSessionsOnStartup(ctx)
	assert.Empty(t, rig.client.promptCalls())

	after, err := rig.store.GetCell(ctx, cell.ID)
	require.NoError(t, err)
	assert.False(t, after.ResumeAgentSessionOnStartup)
}

func TestForceEnsureTearsDownDisplacedHandle(t *testing.T) {
	rig := newRuntimeRig(t)
	cell := rig.newCell(t)
	ctx := context.Background()

	var clients []*fakeClient
	rig.acquire = func(string) AgentClient {
		c := newFakeClient()
		c.nextID = len(clients) * 10
		clients = append(clients, c)
		return c
	}

	first, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{})
	require.NoError(t, err)
	require.Len(t, clients, 1)

	second, err := rig.runtime.EnsureSession(ctx, cell.ID, EnsureOptions{Force: true})
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.NotEqual(t, first.SessionID(), second.SessionID())

	// The displaced binding is fully torn down: stream cancelled, client
	// closed, terminal status recorded, session unresolvable.
	assert.True(t, clients[0].subscriptionCancelled())
	assert.True(t, clients[0].isClosed())
	status, _ := first.Status()
	assert.Equal(t, StatusCompleted, status)
	err = rig.runtime.SendMessage(ctx, first.SessionID(), "hello")
	assert.True(t, apperr.IsNotFound(err))

	// The replacement stays live.
	assert.False(t, clients[1].isClosed())
	handle, ok := rig.runtime.lookupByCell(cell.ID)
	require.True(t, ok)
	assert.Equal(t, second.SessionID(), handle.SessionID())
}
