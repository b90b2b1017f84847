package runtime

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hiverun/hive/internal/common/apperr"
	"github.com/hiverun/hive/internal/template"
	"github.com/hiverun/hive/pkg/opencode"
)

// Selection is a resolved provider/model pair. ModelID is always a
// catalog key, never a provider-prefixed alias.
type Selection struct {
	ProviderID string
	ModelID    string
}

// candidate is an unresolved model preference.
type candidate struct {
	providerID string
	modelID    string
}

func (c candidate) empty() bool {
	return c.modelID == "" && c.providerID == ""
}

// selectModel resolves the model to bind a session to. Attempts run in
// strict order: the explicit override, the template's agent block, the
// workspace default, then the catalog's own default. Only the explicit
// override is allowed to fail loudly.
func selectModel(catalog *opencode.ProvidersResponse, explicit candidate,
	agentCfg *template.AgentDefaults, workspaceDefault candidate) (Selection, error) {

	if !explicit.empty() {
		if sel, ok := resolveCandidate(catalog, explicit); ok {
			return sel, nil
		}
		return Selection{}, apperr.ModelOverrideInvalid(overrideInvalidMessage(catalog, explicit))
	}

	agentCandidate := candidate{}
	if agentCfg != nil {
		agentCandidate = candidate{providerID: agentCfg.ProviderID, modelID: agentCfg.ModelID}
		if agentCandidate.modelID == "" && agentCandidate.providerID != "" {
			agentCandidate.modelID = catalog.Default[agentCandidate.providerID]
		}
		if sel, ok := resolveCandidate(catalog, agentCandidate); ok {
			return sel, nil
		}
	}

	// The workspace default only applies when it does not contradict the
	// template's provider choice.
	if workspaceDefault.modelID != "" &&
		(agentCandidate.providerID == "" || workspaceDefault.providerID == "" ||
			workspaceDefault.providerID == agentCandidate.providerID) {
		if sel, ok := resolveCandidate(catalog, workspaceDefault); ok {
			return sel, nil
		}
	}

	return catalogDefault(catalog), nil
}

// resolveCandidate matches a candidate against the catalog. A model
// matches a provider when it equals a model key or any model's id
// alias; the resolved ModelID is the matched key.
func resolveCandidate(catalog *opencode.ProvidersResponse, c candidate) (Selection, bool) {
	if c.modelID == "" {
		return Selection{}, false
	}
	if c.providerID != "" {
		provider, ok := findProvider(catalog, c.providerID)
		if !ok {
			return Selection{}, false
		}
		if key, ok := matchModel(provider, c.modelID); ok {
			return Selection{ProviderID: provider.ID, ModelID: key}, true
		}
		return Selection{}, false
	}
	for _, provider := range catalog.Providers {
		if key, ok := matchModel(provider, c.modelID); ok {
			return Selection{ProviderID: provider.ID, ModelID: key}, true
		}
	}
	return Selection{}, false
}

func findProvider(catalog *opencode.ProvidersResponse, providerID string) (opencode.Provider, bool) {
	for _, provider := range catalog.Providers {
		if provider.ID == providerID {
			return provider, true
		}
	}
	return opencode.Provider{}, false
}

func matchModel(provider opencode.Provider, modelID string) (string, bool) {
	if _, ok := provider.Models[modelID]; ok {
		return modelID, true
	}
	for key, model := range provider.Models {
		if model.ID == modelID {
			return key, true
		}
	}
	return "", false
}

// catalogDefault falls back to the first provider's default model, or
// its first model key. A catalog with no models yields an empty
// selection and the runtime operates without one.
func catalogDefault(catalog *opencode.ProvidersResponse) Selection {
	for _, provider := range catalog.Providers {
		if len(provider.Models) == 0 {
			continue
		}
		if key := catalog.Default[provider.ID]; key != "" {
			if _, ok := provider.Models[key]; ok {
				return Selection{ProviderID: provider.ID, ModelID: key}
			}
		}
		return Selection{ProviderID: provider.ID, ModelID: sortedModelKeys(provider)[0]}
	}
	return Selection{}
}

func overrideInvalidMessage(catalog *opencode.ProvidersResponse, c candidate) string {
	if c.providerID != "" {
		provider, ok := findProvider(catalog, c.providerID)
		if !ok {
			return fmt.Sprintf("provider %q is unavailable. Available providers: %s. Refresh the model catalog and try again.",
				c.providerID, strings.Join(providerIDs(catalog), ", "))
		}
		return fmt.Sprintf("model %q is unavailable for provider %q. Available models: %s. Refresh the model catalog and try again.",
			c.modelID, c.providerID, strings.Join(sortedModelKeys(provider), ", "))
	}
	var all []string
	for _, provider := range catalog.Providers {
		for _, key := range sortedModelKeys(provider) {
			all = append(all, provider.ID+"/"+key)
		}
	}
	return fmt.Sprintf("model %q is unavailable. Available models: %s. Refresh the model catalog and try again.",
		c.modelID, strings.Join(all, ", "))
}

func providerIDs(catalog *opencode.ProvidersResponse) []string {
	ids := make([]string, 0, len(catalog.Providers))
	for _, provider := range catalog.Providers {
		ids = append(ids, provider.ID)
	}
	return ids
}

func sortedModelKeys(provider opencode.Provider) []string {
	keys := make([]string, 0, len(provider.Models))
	for key := range provider.Models {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
