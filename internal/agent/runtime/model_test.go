package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverun/hive/internal/common/apperr"
	"github.com/hiverun/hive/internal/template"
	"github.com/hiverun/hive/pkg/opencode"
)

func catalogWith(providers ...opencode.Provider) *opencode.ProvidersResponse {
	return &opencode.ProvidersResponse{Providers: providers, Default: map[string]string{}}
}

func TestSelectModelExplicitOverrideByKey(t *testing.T) {
	catalog := catalogWith(opencode.Provider{
		ID: "opencode",
		Models: map[string]opencode.ProviderModel{
			"gpt-5.3-codex": {ID: "opencode/gpt-5.3-codex"},
		},
	})

	sel, err := selectModel(catalog, candidate{providerID: "opencode", modelID: "gpt-5.3-codex"}, nil, candidate{})
	require.NoError(t, err)
	assert.Equal(t, Selection{ProviderID: "opencode", ModelID: "gpt-5.3-codex"}, sel)
}

func TestSelectModelExplicitOverrideByAlias(t *testing.T) {
	catalog := catalogWith(opencode.Provider{
		ID: "opencode",
		Models: map[string]opencode.ProviderModel{
			"gpt-5.3-codex":    {ID: "opencode/gpt-5.3-codex"},
			"template-default": {ID: "template-default"},
		},
	})
	catalog.Default["opencode"] = "template-default"

	// The alias resolves to the catalog key, not the alias itself.
	sel, err := selectModel(catalog, candidate{providerID: "opencode", modelID: "opencode/gpt-5.3-codex"}, nil, candidate{})
	require.NoError(t, err)
	assert.Equal(t, Selection{ProviderID: "opencode", ModelID: "gpt-5.3-codex"}, sel)
}

func TestSelectModelExplicitOverrideWithoutProviderScansCatalog(t *testing.T) {
	catalog := catalogWith(
		opencode.Provider{ID: "zen", Models: map[string]opencode.ProviderModel{"fast": {}}},
		opencode.Provider{ID: "opencode", Models: map[string]opencode.ProviderModel{"deep": {}}},
	)

	sel, err := selectModel(catalog, candidate{modelID: "deep"}, nil, candidate{})
	require.NoError(t, err)
	assert.Equal(t, Selection{ProviderID: "opencode", ModelID: "deep"}, sel)
}

func TestSelectModelInvalidOverrideMessage(t *testing.T) {
	catalog := catalogWith(opencode.Provider{
		ID: "opencode",
		Models: map[string]opencode.ProviderModel{
			"minimax-m2.1": {},
		},
	})

	_, err := selectModel(catalog, candidate{providerID: "opencode", modelID: "gpt-5.2-xhigh"}, nil, candidate{})
	require.Error(t, err)

	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindModelOverrideInvalid, appErr.Kind)
	assert.Equal(t,
		`Selected model override is invalid: model "gpt-5.2-xhigh" is unavailable for provider "opencode". Available models: minimax-m2.1. Refresh the model catalog and try again.`,
		appErr.Message)
}

func TestSelectModelInvalidOverrideUnknownProvider(t *testing.T) {
	catalog := catalogWith(opencode.Provider{ID: "opencode", Models: map[string]opencode.ProviderModel{"m": {}}})

	_, err := selectModel(catalog, candidate{providerID: "ghost", modelID: "m"}, nil, candidate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `provider "ghost" is unavailable`)
	assert.Contains(t, err.Error(), "Available providers: opencode")
}

func TestSelectModelTemplateAgentFallback(t *testing.T) {
	catalog := catalogWith(opencode.Provider{
		ID:     "anthropic",
		Models: map[string]opencode.ProviderModel{"sonnet": {}},
	})

	sel, err := selectModel(catalog, candidate{},
		&template.AgentDefaults{ProviderID: "anthropic", ModelID: "sonnet"}, candidate{})
	require.NoError(t, err)
	assert.Equal(t, Selection{ProviderID: "anthropic", ModelID: "sonnet"}, sel)
}

func TestSelectModelTemplateAgentUsesProviderDefault(t *testing.T) {
	catalog := catalogWith(opencode.Provider{
		ID:     "anthropic",
		Models: map[string]opencode.ProviderModel{"sonnet": {}},
	})
	catalog.Default["anthropic"] = "sonnet"

	sel, err := selectModel(catalog, candidate{},
		&template.AgentDefaults{ProviderID: "anthropic"}, candidate{})
	require.NoError(t, err)
	assert.Equal(t, Selection{ProviderID: "anthropic", ModelID: "sonnet"}, sel)
}

func TestSelectModelWorkspaceDefaultGatedByTemplateProvider(t *testing.T) {
	catalog := catalogWith(
		opencode.Provider{ID: "anthropic", Models: map[string]opencode.ProviderModel{"sonnet": {}}},
		opencode.Provider{ID: "openai", Models: map[string]opencode.ProviderModel{"gpt": {}}},
	)

	// Template names a provider with no resolvable model; the workspace
	// default points at a different provider and must not apply.
	sel, err := selectModel(catalog, candidate{},
		&template.AgentDefaults{ProviderID: "anthropic", ModelID: "missing"},
		candidate{providerID: "openai", modelID: "gpt"})
	require.NoError(t, err)
	assert.Equal(t, Selection{ProviderID: "anthropic", ModelID: "sonnet"}, sel)
}

func TestSelectModelWorkspaceDefaultApplies(t *testing.T) {
	catalog := catalogWith(
		opencode.Provider{ID: "anthropic", Models: map[string]opencode.ProviderModel{"sonnet": {}}},
		opencode.Provider{ID: "openai", Models: map[string]opencode.ProviderModel{"gpt": {}}},
	)

	sel, err := selectModel(catalog, candidate{}, nil,
		candidate{providerID: "openai", modelID: "gpt"})
	require.NoError(t, err)
	assert.Equal(t, Selection{ProviderID: "openai", ModelID: "gpt"}, sel)
}

func TestSelectModelCatalogDefaultFallback(t *testing.T) {
	catalog := catalogWith(opencode.Provider{
		ID: "opencode",
		Models: map[string]opencode.ProviderModel{
			"b-model": {},
			"a-model": {},
		},
	})
	catalog.Default["opencode"] = "b-model"

	sel, err := selectModel(catalog, candidate{}, nil, candidate{})
	require.NoError(t, err)
	assert.Equal(t, Selection{ProviderID: "opencode", ModelID: "b-model"}, sel)
}

func TestSelectModelEmptyCatalog(t *testing.T) {
	sel, err := selectModel(catalogWith(), candidate{}, nil, candidate{})
	require.NoError(t, err)
	assert.Equal(t, Selection{}, sel)
}
