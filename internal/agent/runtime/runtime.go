// Package runtime binds cells to remote coding-agent sessions: one
// in-memory handle per live session, fed by the server's event stream.
package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hiverun/hive/internal/agent/credentials"
	"github.com/hiverun/hive/internal/common/config"
	"github.com/hiverun/hive/internal/common/logger"
	"github.com/hiverun/hive/internal/events"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/template"
	"github.com/hiverun/hive/pkg/opencode"
)

// Status is the observed state of a runtime handle.
type Status string

const (
	StatusAwaitingInput Status = "awaiting_input"
	StatusWorking       Status = "working"
	StatusCompleted     Status = "completed"
	StatusError         Status = "error"
)

// AgentClient is the slice of the opencode client the runtime depends
// on. *opencode.Client satisfies it; tests substitute fakes.
type AgentClient interface {
	Directory() string
	CreateSession(ctx context.Context, title string) (*opencode.Session, error)
	GetSession(ctx context.Context, sessionID string) (*opencode.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ListMessages(ctx context.Context, sessionID string) ([]opencode.Message, error)
	Providers(ctx context.Context) (*opencode.ProvidersResponse, error)
	SendPrompt(ctx context.Context, sessionID, prompt string, model *opencode.ModelSpec, agent string) error
	Abort(ctx context.Context, sessionID string) error
	SubscribeEvents(ctx context.Context, sessionID string, handler opencode.EventHandler) error
	Close()
}

// Collaborators are the runtime's swappable dependencies. Defaults are
// supplied at bootstrap via DefaultCollaborators; tests override
// individual members.
type Collaborators struct {
	Store           *store.Store
	LoadConfig      func(workspaceRoot string) (*template.HiveConfig, error)
	LoadModelConfig func(ctx context.Context, client AgentClient) (*opencode.ProvidersResponse, error)
	LoadCredentials func() (*credentials.Store, error)
	PublishEvent    func(ctx context.Context, sessionID, eventType string, data map[string]any)
	AcquireClient   func(workspacePath string) AgentClient
}

// DefaultCollaborators wires the production dependencies.
func DefaultCollaborators(cfg *config.Config, st *store.Store, loader *template.Loader,
	pub *events.Publisher, log *logger.Logger) Collaborators {
	return Collaborators{
		Store: st,
		LoadConfig: func(workspaceRoot string) (*template.HiveConfig, error) {
			return loader.Load(workspaceRoot)
		},
		LoadModelConfig: func(ctx context.Context, client AgentClient) (*opencode.ProvidersResponse, error) {
			return client.Providers(ctx)
		},
		LoadCredentials: func() (*credentials.Store, error) {
			path, err := credentials.DefaultPath(cfg.Agent.CredentialDir)
			if err != nil {
				return nil, err
			}
			return credentials.Load(path)
		},
		PublishEvent: pub.PublishAgentEvent,
		AcquireClient: func(workspacePath string) AgentClient {
			return opencode.NewClient(cfg.Agent.ServerURL, workspacePath, cfg.Agent.Password, log)
		},
	}
}

// Handle is the in-memory binding between a cell and its remote session.
type Handle struct {
	mu sync.Mutex

	session *opencode.Session
	cell    *store.Cell
	client  AgentClient
	cancel  context.CancelFunc

	providerID string
	modelID    string

	status        Status
	statusMessage string

	pendingInterrupt bool

	compactionCount  int
	lastCompactionAt time.Time

	startMode     store.StartMode
	currentMode   store.StartMode
	modeUpdatedAt time.Time
}

// SessionID returns the bound remote session id.
func (h *Handle) SessionID() string {
	return h.session.ID
}

// CellID returns the bound cell id.
func (h *Handle) CellID() string {
	return h.cell.ID
}

// Status returns the handle status and the last error message, if any.
func (h *Handle) Status() (Status, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.statusMessage
}

// Model returns the resolved provider/model pair. Both are empty when
// the catalog offered no models.
func (h *Handle) Model() (providerID, modelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.providerID, h.modelID
}

// Mode returns the agent's current operational posture.
func (h *Handle) Mode() store.StartMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentMode
}

// Compaction returns the observed compaction count and its last
// occurrence.
func (h *Handle) Compaction() (int, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.compactionCount, h.lastCompactionAt
}

func (h *Handle) setStatus(status Status, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.statusMessage = message
}

func (h *Handle) modelSpec() *opencode.ModelSpec {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.modelID == "" {
		return nil
	}
	return &opencode.ModelSpec{ProviderID: h.providerID, ModelID: h.modelID}
}

// Runtime owns every live agent session. The session and cell indexes
// are only ever mutated together, under one lock, so they cannot
// desync.
type Runtime struct {
	collab Collaborators
	logger *logger.Logger

	mu           sync.Mutex
	handles      map[string]*Handle // sessionID -> handle
	cellSessions map[string]string  // cellID -> sessionID
}

// New creates a Runtime with the given collaborators.
func New(collab Collaborators, log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	return &Runtime{
		collab:       collab,
		logger:       log.WithFields(zap.String("component", "agent-runtime")),
		handles:      make(map[string]*Handle),
		cellSessions: make(map[string]string),
	}
}

// lookupByCell returns the handle bound to a cell, if any.
func (r *Runtime) lookupByCell(cellID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.cellSessions[cellID]
	if !ok {
		return nil, false
	}
	handle, ok := r.handles[sessionID]
	return handle, ok
}

// lookupBySession returns the handle for a remote session id.
func (r *Runtime) lookupBySession(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[sessionID]
	return handle, ok
}

// register installs a handle in both indexes. A previous binding for
// the same cell is displaced and torn down: its event stream is
// cancelled and its client closed so the stale session stops ingesting.
func (r *Runtime) register(handle *Handle) {
	r.mu.Lock()
	var displaced *Handle
	if prev, ok := r.cellSessions[handle.cell.ID]; ok && prev != handle.session.ID {
		displaced = r.handles[prev]
		delete(r.handles, prev)
	}
	r.handles[handle.session.ID] = handle
	r.cellSessions[handle.cell.ID] = handle.session.ID
	r.mu.Unlock()

	if displaced != nil {
		if displaced.cancel != nil {
			displaced.cancel()
		}
		displaced.setStatus(StatusCompleted, "")
		displaced.client.Close()
	}
}

// remove drops a handle from both indexes.
func (r *Runtime) remove(handle *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, handle.session.ID)
	if r.cellSessions[handle.cell.ID] == handle.session.ID {
		delete(r.cellSessions, handle.cell.ID)
	}
}

// snapshot returns all live handles.
func (r *Runtime) snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, handle := range r.handles {
		out = append(out, handle)
	}
	return out
}
