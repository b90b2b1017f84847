// Package store provides typed persistence for cells, services and
// provisioning state over SQLite.
package store

import (
	"encoding/json"
	"time"
)

// CellStatus is the lifecycle status of a cell.
type CellStatus string

const (
	CellStatusSpawning CellStatus = "spawning"
	CellStatusReady    CellStatus = "ready"
	CellStatusError    CellStatus = "error"
	CellStatusStopped  CellStatus = "stopped"
)

// ServiceStatus is the lifecycle status of a cell service.
type ServiceStatus string

const (
	ServiceStatusPending     ServiceStatus = "pending"
	ServiceStatusStarting    ServiceStatus = "starting"
	ServiceStatusRunning     ServiceStatus = "running"
	ServiceStatusStopped     ServiceStatus = "stopped"
	ServiceStatusNeedsResume ServiceStatus = "needs_resume"
	ServiceStatusError       ServiceStatus = "error"
)

// ServiceType classifies a service definition. Only processes are
// supported today; other variants are reserved for forward compatibility.
type ServiceType string

const (
	ServiceTypeProcess ServiceType = "process"
)

// StartMode is the agent posture applied when a runtime binds to a cell.
type StartMode string

const (
	StartModePlan  StartMode = "plan"
	StartModeBuild StartMode = "build"
)

// Cell is an isolated per-task environment: a worktree, its services and
// an optional agent session binding.
type Cell struct {
	ID                string     `db:"id"`
	Name              string     `db:"name"`
	TemplateID        string     `db:"template_id"`
	WorkspacePath     string     `db:"workspace_path"`
	WorkspaceRootPath string     `db:"workspace_root_path"`
	WorkspaceID       string     `db:"workspace_id"`
	Description       *string    `db:"description"`
	Status            CellStatus `db:"status"`

	// OpencodeSessionID is the durable binding to a remote agent session.
	// Cleared only on explicit delete.
	OpencodeSessionID *string `db:"opencode_session_id"`

	ResumeAgentSessionOnStartup bool    `db:"resume_agent_session_on_startup"`
	LastSetupError              *string `db:"last_setup_error"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// CellService is a long-running child process managed on behalf of a cell.
type CellService struct {
	ID     string      `db:"id"`
	CellID string      `db:"cell_id"`
	Name   string      `db:"name"`
	Type   ServiceType `db:"type"`

	Command string            `db:"command"`
	Cwd     string            `db:"cwd"`
	Env     map[string]string `db:"-"`

	// Definition is an opaque structured snapshot of the template service
	// entry, used only for drift detection.
	Definition json.RawMessage `db:"-"`

	// Port is a preference, not a guarantee: the port manager may reassign
	// it when the free-port probe fails.
	Port *int `db:"port"`
	PID  *int `db:"pid"`

	Status         ServiceStatus `db:"status"`
	ReadyTimeoutMs *int          `db:"ready_timeout_ms"`
	LastKnownError *string       `db:"last_known_error"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ServiceWithCell joins a service row with its owning cell.
type ServiceWithCell struct {
	Service CellService
	Cell    Cell
}

// CellProvisioningState tracks the resumable provisioning workflow of a
// cell, plus user preferences applied the next time the agent runtime is
// bound to the cell.
type CellProvisioningState struct {
	CellID    string  `db:"cell_id"`
	RunID     string  `db:"run_id"`
	Step      string  `db:"step"`
	Status    string  `db:"status"`
	Attempt   int     `db:"attempt"`
	LastError *string `db:"last_error"`

	ModelIDOverride    *string    `db:"model_id_override"`
	ProviderIDOverride *string    `db:"provider_id_override"`
	StartMode          *StartMode `db:"start_mode"`

	StartedAt time.Time `db:"started_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// CellUpdate is a partial update of mutable cell fields; nil members are
// left untouched. Pointers-to-pointers distinguish "set to null" from
// "leave alone" for nullable columns.
type CellUpdate struct {
	Name                        *string
	Description                 **string
	Status                      *CellStatus
	WorkspacePath               *string
	OpencodeSessionID           **string
	ResumeAgentSessionOnStartup *bool
	LastSetupError              **string
}

// ServiceUpdate is a partial update of mutable service fields.
type ServiceUpdate struct {
	Command        *string
	Cwd            *string
	Env            *map[string]string
	Definition     *json.RawMessage
	Port           **int
	PID            **int
	Status         *ServiceStatus
	ReadyTimeoutMs **int
	LastKnownError **string
}
