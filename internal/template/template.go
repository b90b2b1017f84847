// Package template loads workspace configuration and the cell templates
// it declares.
package template

import (
	"encoding/json"
	"fmt"

	"github.com/hiverun/hive/internal/common/apperr"
)

// AgentDefaults is a template's preferred coding-agent binding.
type AgentDefaults struct {
	ProviderID string `json:"providerId" yaml:"providerId"`
	ModelID    string `json:"modelId,omitempty" yaml:"modelId"`
}

// ServiceDefinition describes one long-running process declared by a
// template. Ports lists the env variable names bound to the allocated
// port (PORT is always injected regardless).
type ServiceDefinition struct {
	Run            string            `json:"run" yaml:"run"`
	Cwd            string            `json:"cwd,omitempty" yaml:"cwd"`
	Env            map[string]string `json:"env,omitempty" yaml:"env"`
	Stop           string            `json:"stop,omitempty" yaml:"stop"`
	Setup          string            `json:"setup,omitempty" yaml:"setup"`
	ReadyTimeoutMs *int              `json:"readyTimeoutMs,omitempty" yaml:"readyTimeoutMs"`
	Ports          []string          `json:"ports,omitempty" yaml:"ports"`
}

// Template is a declarative recipe for provisioning a cell.
type Template struct {
	ID       string                        `json:"id" yaml:"id"`
	Label    string                        `json:"label" yaml:"label"`
	Type     string                        `json:"type" yaml:"type"`
	Setup    []string                      `json:"setup,omitempty" yaml:"setup"`
	Services map[string]*ServiceDefinition `json:"services,omitempty" yaml:"services"`
	Env      map[string]string             `json:"env,omitempty" yaml:"env"`
	Agent    *AgentDefaults                `json:"agent,omitempty" yaml:"agent"`
}

// OpencodeDefaults carries workspace-level agent preferences.
type OpencodeDefaults struct {
	DefaultProvider string `json:"defaultProvider,omitempty" yaml:"defaultProvider"`
	DefaultModel    string `json:"defaultModel,omitempty" yaml:"defaultModel"`
	DefaultMode     string `json:"defaultMode,omitempty" yaml:"defaultMode"`
}

// HiveConfig is the workspace-scoped configuration file.
type HiveConfig struct {
	Opencode      *OpencodeDefaults    `json:"opencode,omitempty" yaml:"opencode"`
	PromptSources []string             `json:"promptSources,omitempty" yaml:"promptSources"`
	Templates     map[string]*Template `json:"templates" yaml:"templates"`
	Defaults      map[string]any       `json:"defaults,omitempty" yaml:"defaults"`
}

// Template returns the named template with its ID populated from the
// map key.
func (c *HiveConfig) Template(id string) (*Template, error) {
	tpl, ok := c.Templates[id]
	if !ok {
		return nil, apperr.NotFound("template", id)
	}
	if tpl.ID == "" {
		tpl.ID = id
	}
	return tpl, nil
}

// NormalizeDefinition produces a canonical JSON form of a service
// definition, used to detect template drift against persisted rows.
// Map keys marshal in sorted order so the output is deterministic.
func NormalizeDefinition(def *ServiceDefinition) (json.RawMessage, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize service definition: %w", err)
	}
	return data, nil
}
