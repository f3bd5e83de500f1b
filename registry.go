package conduit

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed models.toml
var bundledManifest []byte

// Capability flags a model's feature support in the manifest.
type Capability string

const (
	CapTools         Capability = "tools"
	CapVision        Capability = "vision"
	CapStructured    Capability = "structured"
	CapImage         Capability = "image"
	CapAudio         Capability = "audio"
	CapTranscription Capability = "transcription"
)

// providerManifest is the TOML shape of one provider block.
type providerManifest struct {
	Name           string              `toml:"name"`
	Models         []string            `toml:"models"`
	Aliases        map[string]string   `toml:"aliases"`
	ContextWindows map[string]int      `toml:"context_windows"`
	Capabilities   map[string][]string `toml:"capabilities"`
}

type manifest struct {
	Providers []providerManifest `toml:"provider"`
}

// ModelRegistry is the canonical catalog of model identities: aliases,
// per-provider membership, context windows, and capability flags. It is
// read-mostly; the only mutators are local-model discovery, operator
// overrides, and the reconcile maintenance call.
type ModelRegistry struct {
	mu         sync.RWMutex
	providers  []string            // manifest order, decides provider ties
	members    map[string][]string // provider name to model names, manifest order
	providerOf map[string]string   // model name to first provider claiming it
	aliases    map[string]string
	windows    map[string]int
	overrides  map[string]int
	caps       map[string]map[Capability]bool
}

// NewModelRegistry loads the bundled manifest.
func NewModelRegistry() (*ModelRegistry, error) {
	return NewModelRegistryFrom(bundledManifest)
}

// NewModelRegistryFrom loads a registry from TOML manifest bytes.
func NewModelRegistryFrom(data []byte) (*ModelRegistry, error) {
	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, WrapErr(KindValidation, err, "parse model manifest")
	}
	r := &ModelRegistry{
		members:    make(map[string][]string),
		providerOf: make(map[string]string),
		aliases:    make(map[string]string),
		windows:    make(map[string]int),
		overrides:  make(map[string]int),
		caps:       make(map[string]map[Capability]bool),
	}
	for _, p := range m.Providers {
		r.providers = append(r.providers, p.Name)
		r.members[p.Name] = append([]string(nil), p.Models...)
		for _, name := range p.Models {
			if _, claimed := r.providerOf[name]; !claimed {
				r.providerOf[name] = p.Name
			}
		}
		for alias, target := range p.Aliases {
			r.aliases[alias] = target
		}
		for name, w := range p.ContextWindows {
			r.windows[name] = w
		}
		for name, caps := range p.Capabilities {
			set := make(map[Capability]bool, len(caps))
			for _, c := range caps {
				set[Capability(c)] = true
			}
			r.caps[name] = set
		}
	}
	return r, nil
}

// Resolve maps an alias or canonical name to the canonical name. Aliases
// resolve transitively once; unknown names fail with an unknown-model error.
func (r *ModelRegistry) Resolve(nameOrAlias string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name := nameOrAlias
	if target, ok := r.aliases[name]; ok {
		name = target
		// one more transitive hop, never beyond
		if target2, ok := r.aliases[name]; ok {
			name = target2
		}
	}
	if _, ok := r.providerOf[name]; !ok {
		return "", E(KindUnknownModel, "unknown model %q", nameOrAlias)
	}
	return name, nil
}

// ProviderOf returns the provider serving a canonical model name. When more
// than one provider lists the model, the first in manifest order wins.
func (r *ModelRegistry) ProviderOf(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providerOf[name]
	if !ok {
		return "", E(KindUnknownModel, "unknown model %q", name)
	}
	return p, nil
}

// ContextWindow returns the model's context window in tokens. Operator
// overrides win over the manifest value; 0 means unknown.
func (r *ModelRegistry) ContextWindow(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.overrides[name]; ok {
		return w
	}
	return r.windows[name]
}

// IsSupported reports whether the name (or alias) resolves to a known model.
func (r *ModelRegistry) IsSupported(nameOrAlias string) bool {
	_, err := r.Resolve(nameOrAlias)
	return err == nil
}

// Supports reports whether the model declares a capability.
func (r *ModelRegistry) Supports(name string, c Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[name][c]
}

// Models lists every known canonical model name, sorted.
func (r *ModelRegistry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providerOf))
	for name := range r.providerOf {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SetContextWindow records an operator override for a model's context window.
func (r *ModelRegistry) SetContextWindow(name string, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = tokens
}

// RegisterLocalModels adds models discovered on a local inference host to the
// given provider's membership. Already-claimed names keep their original
// provider.
func (r *ModelRegistry) RegisterLocalModels(provider string, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.members[provider]; !known {
		r.providers = append(r.providers, provider)
	}
	for _, name := range names {
		if _, claimed := r.providerOf[name]; claimed {
			continue
		}
		r.members[provider] = append(r.members[provider], name)
		r.providerOf[name] = provider
	}
}

// DiscoverLocalModels probes a local inference host's native tag listing
// (GET {host}/api/tags) and registers every model it serves under the given
// provider. The base URL may carry the OpenAI-compatible /v1 suffix; it is
// stripped before probing. A ":latest" tag on a model name is dropped so the
// registered name matches what users type.
func (r *ModelRegistry) DiscoverLocalModels(ctx context.Context, provider, baseURL string) ([]string, error) {
	host := strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/api/tags", nil)
	if err != nil {
		return nil, WrapErr(KindValidation, err, "build tag listing request for %s", provider)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, WrapErr(KindNetwork, err, "probe %s tag listing", provider)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, E(KindUpstream, "%s tag listing returned %s", provider, resp.Status)
	}
	var listing struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, WrapErr(KindUpstream, err, "decode %s tag listing", provider)
	}
	names := make([]string, 0, len(listing.Models))
	for _, m := range listing.Models {
		if m.Name == "" {
			continue
		}
		names = append(names, strings.TrimSuffix(m.Name, ":latest"))
	}
	r.RegisterLocalModels(provider, names)
	return names, nil
}

// ModelRecordStore is the persistence collaborator for Reconcile. The
// registry deletes records absent from the manifest and creates missing ones.
type ModelRecordStore interface {
	ListModelRecords(ctx context.Context) ([]string, error)
	CreateModelRecord(ctx context.Context, name, provider string) error
	DeleteModelRecord(ctx context.Context, name string) error
}

// Reconcile synchronizes a record store with the manifest: records not in
// the manifest are deleted, manifest models without records are created.
func (r *ModelRegistry) Reconcile(ctx context.Context, store ModelRecordStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := store.ListModelRecords(ctx)
	if err != nil {
		return WrapErr(KindInternal, err, "list model records")
	}
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
		if _, ok := r.providerOf[name]; !ok {
			if err := store.DeleteModelRecord(ctx, name); err != nil {
				return WrapErr(KindInternal, err, "delete model record %s", name)
			}
		}
	}
	for name, provider := range r.providerOf {
		if !have[name] {
			if err := store.CreateModelRecord(ctx, name, provider); err != nil {
				return WrapErr(KindInternal, err, "create model record %s", name)
			}
		}
	}
	return nil
}
