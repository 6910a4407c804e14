package registry

import (
	"fmt"
	"strings"

	"github.com/OverClawApp/releases-sub001/internal/config"
)

// KeyCounter reports how many credentials a key namespace holds.
type KeyCounter interface {
	Count(keyEnv string) int
}

type Registry struct {
	models []ModelDef
	byID   map[string]int
	routes map[TaskCategory][]string
}

// New validates models and routes. Routes may only reference known model ids.
func New(models []ModelDef, routes map[TaskCategory][]string) (*Registry, error) {
	r := &Registry{
		models: make([]ModelDef, 0, len(models)),
		byID:   make(map[string]int, len(models)),
		routes: make(map[TaskCategory][]string, len(routes)),
	}
	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("model without id")
		}
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		if !m.Protocol.Valid() {
			return nil, fmt.Errorf("model %q: unknown protocol %q", m.ID, m.Protocol)
		}
		if m.BaseURL == "" || m.KeyEnv == "" || m.Provider == "" {
			return nil, fmt.Errorf("model %q: provider, base_url and key_env are required", m.ID)
		}
		m.BaseURL = strings.TrimRight(m.BaseURL, "/")
		m.Capabilities = append([]Capability(nil), m.Capabilities...)
		if m.UpstreamModel == "" {
			m.UpstreamModel = m.ID
		}
		r.byID[m.ID] = len(r.models)
		r.models = append(r.models, m)
	}
	for cat, ids := range routes {
		for _, id := range ids {
			if _, ok := r.byID[id]; !ok {
				return nil, fmt.Errorf("route %s references unknown model %q", cat, id)
			}
		}
		r.routes[cat] = append([]string(nil), ids...)
	}
	return r, nil
}

// Default returns the built-in catalog and routing table.
func Default() *Registry {
	r, err := New(DefaultModels(), DefaultRoutes())
	if err != nil {
		panic(err)
	}
	return r
}

// FromConfig starts from the built-in catalog, replaces or appends configured
// models, and overrides routes per category.
func FromConfig(models []config.ModelConfig, routes map[string][]string) (*Registry, error) {
	defs := DefaultModels()
	index := make(map[string]int, len(defs))
	for i, m := range defs {
		index[m.ID] = i
	}
	for _, mc := range models {
		def := ModelDef{
			ID:              strings.TrimSpace(mc.ID),
			Provider:        strings.TrimSpace(mc.Provider),
			Protocol:        Protocol(strings.ToLower(strings.TrimSpace(mc.Protocol))),
			UpstreamModel:   strings.TrimSpace(mc.UpstreamModel),
			BaseURL:         strings.TrimSpace(mc.BaseURL),
			KeyEnv:          strings.TrimSpace(mc.KeyEnv),
			CostPer1KInput:  mc.CostPer1KInput,
			CostPer1KOutput: mc.CostPer1KOutput,
			MaxContext:      mc.MaxContext,
		}
		if def.Protocol == "" {
			def.Protocol = ProtocolOpenAI
		}
		for _, c := range mc.Capabilities {
			def.Capabilities = append(def.Capabilities, Capability(strings.ToLower(strings.TrimSpace(c))))
		}
		if i, ok := index[def.ID]; ok {
			defs[i] = def
			continue
		}
		index[def.ID] = len(defs)
		defs = append(defs, def)
	}

	table := DefaultRoutes()
	for raw, ids := range routes {
		cat, ok := ParseCategory(raw)
		if !ok {
			return nil, fmt.Errorf("routes: unknown category %q", raw)
		}
		table[cat] = ids
	}
	return New(defs, table)
}

// Models returns the catalog in registry order.
func (r *Registry) Models() []ModelDef {
	return append([]ModelDef(nil), r.models...)
}

func (r *Registry) Lookup(id string) (ModelDef, bool) {
	i, ok := r.byID[id]
	if !ok {
		return ModelDef{}, false
	}
	return r.models[i], true
}

// Route returns the preferred model ids for cat. Unknown categories use the
// chat route.
func (r *Registry) Route(cat TaskCategory) []string {
	ids, ok := r.routes[cat]
	if !ok {
		ids = r.routes[CategoryChat]
	}
	return append([]string(nil), ids...)
}

// Routes returns a copy of the whole routing table.
func (r *Registry) Routes() map[TaskCategory][]string {
	out := make(map[TaskCategory][]string, len(r.routes))
	for cat, ids := range r.routes {
		out[cat] = append([]string(nil), ids...)
	}
	return out
}

// KeyEnvs lists the distinct credential namespaces in registry order.
func (r *Registry) KeyEnvs() []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range r.models {
		if !seen[m.KeyEnv] {
			seen[m.KeyEnv] = true
			out = append(out, m.KeyEnv)
		}
	}
	return out
}

// ProviderKeyEnv returns the credential namespace of the first model served
// by provider.
func (r *Registry) ProviderKeyEnv(provider string) string {
	for _, m := range r.models {
		if m.Provider == provider {
			return m.KeyEnv
		}
	}
	return ""
}

// Available returns the models whose key namespace holds at least one key.
func (r *Registry) Available(keys KeyCounter) []ModelDef {
	var out []ModelDef
	for _, m := range r.models {
		if keys.Count(m.KeyEnv) > 0 {
			out = append(out, m)
		}
	}
	return out
}

// Candidates builds the fallback chain for cat: the category's route first,
// then every other credentialed model in registry order. Models without any
// key are skipped; a key in cooldown still counts.
func (r *Registry) Candidates(cat TaskCategory, keys KeyCounter) []ModelDef {
	seen := make(map[string]bool, len(r.models))
	out := make([]ModelDef, 0, len(r.models))
	add := func(m ModelDef) {
		if seen[m.ID] || keys.Count(m.KeyEnv) == 0 {
			return
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	for _, id := range r.Route(cat) {
		if m, ok := r.Lookup(id); ok {
			add(m)
		}
	}
	for _, m := range r.models {
		add(m)
	}
	return out
}
