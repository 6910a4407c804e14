package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OverClawApp/releases-sub001/internal/config"
	"github.com/OverClawApp/releases-sub001/internal/registry"
)

type keyCounts map[string]int

func (k keyCounts) Count(env string) int { return k[env] }

func ids(models []registry.ModelDef) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		out = append(out, m.ID)
	}
	return out
}

func TestCandidates_CategoryFirstThenRegistryOrder(t *testing.T) {
	r := registry.Default()
	keys := keyCounts{"OPENAI_API_KEY": 1, "KIMI_API_KEY": 2, "ANTHROPIC_API_KEY": 1}

	got := ids(r.Candidates(registry.CategoryCodingSimple, keys))
	assert.Equal(t, []string{"kimi-k2", "gpt-4.1-mini", "claude-sonnet-4", "gpt-4.1"}, got)
}

func TestCandidates_OnlyCredentialedModels(t *testing.T) {
	r := registry.Default()
	keys := keyCounts{"DEEPSEEK_API_KEY": 1}

	for _, cat := range registry.Categories() {
		chain := r.Candidates(cat, keys)
		require.NotEmpty(t, chain, cat)
		route := map[string]bool{}
		for _, id := range r.Route(cat) {
			route[id] = true
		}
		seenFallback := false
		for _, m := range chain {
			assert.Equal(t, "DEEPSEEK_API_KEY", m.KeyEnv)
			if !route[m.ID] {
				seenFallback = true
			} else {
				assert.False(t, seenFallback, "category model %s after fallback model in %s", m.ID, cat)
			}
		}
	}
}

func TestCandidates_NoKeys(t *testing.T) {
	r := registry.Default()
	assert.Empty(t, r.Candidates(registry.CategoryChat, keyCounts{}))
}

func TestCandidates_UnknownCategoryUsesChat(t *testing.T) {
	r := registry.Default()
	keys := keyCounts{"KIMI_API_KEY": 1, "GOOGLE_API_KEY": 1}
	assert.Equal(t,
		ids(r.Candidates(registry.CategoryChat, keys)),
		ids(r.Candidates(registry.TaskCategory("poetry"), keys)))
}

func TestParseCategory(t *testing.T) {
	c, ok := registry.ParseCategory(" Coding-Hard ")
	require.True(t, ok)
	assert.Equal(t, registry.CategoryCodingHard, c)

	_, ok = registry.ParseCategory("sports")
	assert.False(t, ok)
}

func TestNew_RejectsBadInput(t *testing.T) {
	m := registry.DefaultModels()[0]

	_, err := registry.New([]registry.ModelDef{m, m}, nil)
	assert.Error(t, err)

	bad := m
	bad.Protocol = "grpc"
	_, err = registry.New([]registry.ModelDef{bad}, nil)
	assert.Error(t, err)

	_, err = registry.New([]registry.ModelDef{m}, map[registry.TaskCategory][]string{registry.CategoryChat: {"missing"}})
	assert.Error(t, err)
}

func TestFromConfig_OverridesAndAppends(t *testing.T) {
	r, err := registry.FromConfig([]config.ModelConfig{
		{ID: "kimi-k2", Provider: "kimi", BaseURL: "https://proxy.local/v1/", KeyEnv: "KIMI_API_KEY", CostPer1KInput: 3},
		{ID: "local", Provider: "local", Protocol: "openai", BaseURL: "http://127.0.0.1:8000/v1", KeyEnv: "LOCAL_KEY", Capabilities: []string{"Chat"}},
	}, map[string][]string{"chat": {"local", "kimi-k2"}})
	require.NoError(t, err)

	kimi, ok := r.Lookup("kimi-k2")
	require.True(t, ok)
	assert.Equal(t, "https://proxy.local/v1", kimi.BaseURL)
	assert.Equal(t, "kimi-k2", kimi.UpstreamModel)
	assert.Equal(t, registry.ProtocolOpenAI, kimi.Protocol)

	local, ok := r.Lookup("local")
	require.True(t, ok)
	assert.True(t, local.Has(registry.CapChat))
	assert.Equal(t, []string{"local", "kimi-k2"}, r.Route(registry.CategoryChat))
	assert.Len(t, r.Models(), len(registry.DefaultModels())+1)

	_, err = registry.FromConfig(nil, map[string][]string{"gossip": {"kimi-k2"}})
	assert.Error(t, err)
}

func TestKeyEnvsAndProviderKeyEnv(t *testing.T) {
	r := registry.Default()
	assert.Equal(t, []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GOOGLE_API_KEY", "DEEPSEEK_API_KEY", "KIMI_API_KEY"}, r.KeyEnvs())
	assert.Equal(t, "GOOGLE_API_KEY", r.ProviderKeyEnv("google"))
	assert.Empty(t, r.ProviderKeyEnv("mistral"))
}
