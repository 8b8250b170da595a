// Package router resolves logical agent identifiers to executable models,
// honoring capability, health, budget, and tenant-authorization
// constraints, and runs the bounded tool-call loop.
package router

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/omnigate/backend/internal/errcode"
	"github.com/omnigate/backend/internal/pricing"
)

// Budget policies applied when a scope is over its limit.
const (
	BudgetPolicyReject    = "reject"
	BudgetPolicyDowngrade = "downgrade"
)

// Capabilities is the feature set an agent requires or a model supports.
type Capabilities struct {
	NativeRuntime  bool `yaml:"native_runtime" json:"native_runtime,omitempty"`
	ToolCalling    bool `yaml:"tool_calling" json:"tool_calling,omitempty"`
	ThinkingTraces bool `yaml:"thinking_traces" json:"thinking_traces,omitempty"`
	Vision         bool `yaml:"vision" json:"vision,omitempty"`
	Streaming      bool `yaml:"streaming" json:"streaming,omitempty"`
}

// Satisfies reports whether a model with caps m can serve an agent
// requiring caps r.
func (m Capabilities) Satisfies(r Capabilities) bool {
	if r.NativeRuntime && !m.NativeRuntime {
		return false
	}
	if r.ToolCalling && !m.ToolCalling {
		return false
	}
	if r.ThinkingTraces && !m.ThinkingTraces {
		return false
	}
	if r.Vision && !m.Vision {
		return false
	}
	if r.Streaming && !m.Streaming {
		return false
	}
	return true
}

// Missing names the capabilities in r that m lacks, for rejection messages.
func (m Capabilities) Missing(r Capabilities) []string {
	var out []string
	if r.NativeRuntime && !m.NativeRuntime {
		out = append(out, "native_runtime")
	}
	if r.ToolCalling && !m.ToolCalling {
		out = append(out, "tool_calling")
	}
	if r.ThinkingTraces && !m.ThinkingTraces {
		out = append(out, "thinking_traces")
	}
	if r.Vision && !m.Vision {
		out = append(out, "vision")
	}
	if r.Streaming && !m.Streaming {
		out = append(out, "streaming")
	}
	return out
}

// AgentBinding maps one agent to a model alias plus its requirements.
type AgentBinding struct {
	Agent       string       `yaml:"agent"`
	ModelAlias  string       `yaml:"model"`
	Temperature *float64     `yaml:"temperature"`
	PersonaRef  string       `yaml:"persona"`
	Requires    Capabilities `yaml:"requires"`
}

// ModelInfo describes one canonical provider:model pair.
type ModelInfo struct {
	Provider      string       `yaml:"provider"`
	ModelID       string       `yaml:"model_id"`
	Type          string       `yaml:"type"` // adapter type tag
	Capabilities  Capabilities `yaml:"capabilities"`
	ContextWindow int          `yaml:"context_window"` // tokens
}

// Key is the canonical provider:model identity, also the cycle-set key.
func (m ModelInfo) Key() string { return m.Provider + ":" + m.ModelID }

// Table is the full routing configuration.
type Table struct {
	Bindings          map[string]AgentBinding `yaml:"bindings"`
	Aliases           map[string]string       `yaml:"aliases"` // alias -> provider:model
	Models            map[string]ModelInfo    `yaml:"models"`  // provider:model -> info
	DowngradeChains   map[string][]string     `yaml:"downgrade_chains"`
	FallbackChains    map[string][]string     `yaml:"fallback_chains"`
	DisabledProviders []string                `yaml:"disabled_providers"`
	DefaultModel      string                  `yaml:"default_model"`
	BudgetPolicy      string                  `yaml:"budget_policy"`

	// Pool authorization, consumed by the pool selector.
	Pools        []Pool            `yaml:"pools"`
	TierDefaults map[string]string `yaml:"tier_defaults"`
	DefaultPool  string            `yaml:"default_pool"`

	disabled map[string]bool
}

// LoadTable reads and validates a routing table from a YAML file.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errcode.Wrap(errcode.ConfigInvalid, err, "read routing table %s", path)
	}
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, errcode.Wrap(errcode.ConfigInvalid, err, "parse routing table %s", path)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks referential integrity of the table: every alias must
// land on a known model and every model key must parse.
func (t *Table) Validate() error {
	if t.BudgetPolicy == "" {
		t.BudgetPolicy = BudgetPolicyReject
	}
	if t.BudgetPolicy != BudgetPolicyReject && t.BudgetPolicy != BudgetPolicyDowngrade {
		return errcode.New(errcode.ConfigInvalid, "unknown budget policy %q", t.BudgetPolicy)
	}

	for key, info := range t.Models {
		provider, modelID, ok := splitModelKey(key)
		if !ok {
			return errcode.New(errcode.ConfigInvalid, "model key %q is not provider:model", key)
		}
		if info.Provider == "" {
			info.Provider = provider
		}
		if info.ModelID == "" {
			info.ModelID = modelID
		}
		if info.Provider != provider || info.ModelID != modelID {
			return errcode.New(errcode.ConfigInvalid, "model key %q disagrees with its entry %s:%s", key, info.Provider, info.ModelID)
		}
		t.Models[key] = info
	}

	for alias, target := range t.Aliases {
		if _, ok := t.Models[target]; !ok {
			return errcode.New(errcode.ConfigInvalid, "alias %q points to unknown model %q", alias, target)
		}
	}
	for agent, b := range t.Bindings {
		if b.Agent == "" {
			b.Agent = agent
			t.Bindings[agent] = b
		}
		if _, err := t.Canonical(b.ModelAlias); err != nil {
			return errcode.Wrap(errcode.ConfigInvalid, err, "binding for agent %q", agent)
		}
	}

	t.disabled = make(map[string]bool, len(t.DisabledProviders))
	for _, p := range t.DisabledProviders {
		t.disabled[p] = true
	}
	return nil
}

// Canonical resolves an alias (or a literal provider:model reference) to
// its ModelInfo.
func (t *Table) Canonical(ref string) (ModelInfo, error) {
	key := ref
	if target, ok := t.Aliases[ref]; ok {
		key = target
	}
	info, ok := t.Models[key]
	if !ok {
		return ModelInfo{}, fmt.Errorf("model reference %q resolves to nothing", ref)
	}
	return info, nil
}

// ProviderDisabled reports whether a provider is administratively off.
func (t *Table) ProviderDisabled(provider string) bool {
	if t.disabled == nil {
		t.disabled = make(map[string]bool, len(t.DisabledProviders))
		for _, p := range t.DisabledProviders {
			t.disabled[p] = true
		}
	}
	return t.disabled[provider]
}

func splitModelKey(key string) (provider, modelID string, ok bool) {
	provider, modelID, ok = strings.Cut(key, ":")
	if !ok || provider == "" || modelID == "" {
		return "", "", false
	}
	return provider, modelID, true
}

// ResolvedModel is an executable routing decision.
type ResolvedModel struct {
	Provider    string
	ModelID     string
	Type        string
	Alias       string // the alias that selected it
	Pricing     *pricing.Entry
	Temperature *float64
	Downgraded  bool // budget downgrade was applied
	FellBack    bool // health fallback was applied
}

// Key is the provider:model identity.
func (r ResolvedModel) Key() string { return r.Provider + ":" + r.ModelID }
