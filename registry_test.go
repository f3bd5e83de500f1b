package conduit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBundledManifestLoads(t *testing.T) {
	r, err := NewModelRegistry()
	if err != nil {
		t.Fatal(err)
	}
	name, err := r.Resolve("4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	if name != "gpt-4o-mini" {
		t.Errorf("Resolve(4o-mini) = %q", name)
	}
	provider, err := r.ProviderOf("claude-sonnet-4-0")
	if err != nil {
		t.Fatal(err)
	}
	if provider != "anthropic" {
		t.Errorf("ProviderOf(claude-sonnet-4-0) = %q", provider)
	}
}

func TestResolveAliasAndUnknown(t *testing.T) {
	r := testRegistry(t)
	name, err := r.Resolve("tm")
	if err != nil || name != "test-model" {
		t.Errorf("Resolve(tm) = (%q, %v)", name, err)
	}
	// canonical names resolve to themselves
	name, err = r.Resolve("test-model")
	if err != nil || name != "test-model" {
		t.Errorf("Resolve(test-model) = (%q, %v)", name, err)
	}
	_, err = r.Resolve("nope")
	if err == nil {
		t.Fatal("unknown model resolved")
	}
	if KindOf(err) != KindUnknownModel {
		t.Errorf("kind = %s", KindOf(err))
	}
}

func TestProviderTieFirstInManifestWins(t *testing.T) {
	r := testRegistry(t)
	provider, err := r.ProviderOf("shared-model")
	if err != nil {
		t.Fatal(err)
	}
	if provider != "testprov" {
		t.Errorf("ProviderOf(shared-model) = %q, want testprov", provider)
	}
}

func TestContextWindowOverride(t *testing.T) {
	r := testRegistry(t)
	if w := r.ContextWindow("test-model"); w != 8192 {
		t.Errorf("ContextWindow = %d", w)
	}
	r.SetContextWindow("test-model", 4096)
	if w := r.ContextWindow("test-model"); w != 4096 {
		t.Errorf("override lost: %d", w)
	}
	if w := r.ContextWindow("other-model"); w != 0 {
		t.Errorf("unknown window = %d, want 0", w)
	}
}

func TestSupports(t *testing.T) {
	r := testRegistry(t)
	if !r.Supports("test-model", CapTools) {
		t.Error("test-model should support tools")
	}
	if r.Supports("test-model", CapVision) {
		t.Error("test-model should not support vision")
	}
	if r.Supports("other-model", CapTools) {
		t.Error("model without capability block supports nothing")
	}
}

func TestRegisterLocalModels(t *testing.T) {
	r := testRegistry(t)
	r.RegisterLocalModels("ollama", []string{"llama3.1:8b", "test-model"})
	provider, err := r.ProviderOf("llama3.1:8b")
	if err != nil || provider != "ollama" {
		t.Errorf("ProviderOf(llama3.1:8b) = (%q, %v)", provider, err)
	}
	// already-claimed names keep their provider
	provider, _ = r.ProviderOf("test-model")
	if provider != "testprov" {
		t.Errorf("test-model reassigned to %q", provider)
	}
}

func TestDiscoverLocalModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/tags" {
			t.Errorf("path = %q", req.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"llama3.2:latest"},{"name":"qwen2.5:7b"},{"name":"test-model"}]}`))
	}))
	defer srv.Close()

	r := testRegistry(t)
	// discovery accepts the OpenAI-compatible base URL and strips /v1
	names, err := r.DiscoverLocalModels(context.Background(), "ollama", srv.URL+"/v1")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 || names[0] != "llama3.2" {
		t.Errorf("names = %v", names)
	}
	provider, err := r.ProviderOf("llama3.2")
	if err != nil || provider != "ollama" {
		t.Errorf("ProviderOf(llama3.2) = (%q, %v)", provider, err)
	}
	// already-claimed names keep their provider
	provider, _ = r.ProviderOf("test-model")
	if provider != "testprov" {
		t.Errorf("test-model reassigned to %q", provider)
	}
}

func TestDiscoverLocalModelsHostDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))
	srv.Close()

	r := testRegistry(t)
	_, err := r.DiscoverLocalModels(context.Background(), "ollama", srv.URL)
	if err == nil {
		t.Fatal("expected error for unreachable host")
	}
	if KindOf(err) != KindNetwork {
		t.Errorf("kind = %s", KindOf(err))
	}
}

// fakeRecordStore is an in-memory ModelRecordStore.
type fakeRecordStore struct {
	records map[string]string
	created []string
	deleted []string
}

func (s *fakeRecordStore) ListModelRecords(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(s.records))
	for name := range s.records {
		out = append(out, name)
	}
	return out, nil
}

func (s *fakeRecordStore) CreateModelRecord(ctx context.Context, name, provider string) error {
	s.records[name] = provider
	s.created = append(s.created, name)
	return nil
}

func (s *fakeRecordStore) DeleteModelRecord(ctx context.Context, name string) error {
	delete(s.records, name)
	s.deleted = append(s.deleted, name)
	return nil
}

func TestReconcile(t *testing.T) {
	r := testRegistry(t)
	store := &fakeRecordStore{records: map[string]string{
		"test-model":     "testprov", // stays
		"retired-model":  "testprov", // deleted
		"obsolete-model": "gone",     // deleted
	}}
	if err := r.Reconcile(context.Background(), store); err != nil {
		t.Fatal(err)
	}
	if len(store.deleted) != 2 {
		t.Errorf("deleted %v", store.deleted)
	}
	if _, ok := store.records["other-model"]; !ok {
		t.Error("manifest model not created")
	}
	if _, ok := store.records["retired-model"]; ok {
		t.Error("stale record survived")
	}
}

func TestModelsSorted(t *testing.T) {
	r := testRegistry(t)
	models := r.Models()
	for i := 1; i < len(models); i++ {
		if models[i-1] > models[i] {
			t.Fatalf("models not sorted: %v", models)
		}
	}
}
