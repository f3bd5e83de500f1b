package conduit

import (
	"testing"
)

func keyFor(t *testing.T, req *GenerationRequest, provider string) string {
	t.Helper()
	key, err := CacheKey(req, provider)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestCacheKeyIgnoresVolatileIdentity(t *testing.T) {
	// two requests with identical content but distinct message ids and
	// timestamps must collide
	r1 := &GenerationRequest{
		Messages: []Message{NewSystemMessage("sys"), NewUserMessage("hello")},
		Params:   Params{Model: "test-model"},
	}
	r2 := &GenerationRequest{
		Messages: []Message{NewSystemMessage("sys"), NewUserMessage("hello")},
		Params:   Params{Model: "test-model"},
	}
	if keyFor(t, r1, "testprov") != keyFor(t, r2, "testprov") {
		t.Error("identical content produced different keys")
	}
}

func TestCacheKeyIgnoresOptions(t *testing.T) {
	r1 := &GenerationRequest{
		Messages: []Message{NewUserMessage("hello")},
		Params:   Params{Model: "test-model"},
	}
	r2 := &GenerationRequest{
		Messages: []Message{NewUserMessage("hello")},
		Params:   Params{Model: "test-model"},
		Options:  Options{ProjectName: "other", Verbosity: VerbosityDebug, IncludeHistory: true},
	}
	if keyFor(t, r1, "testprov") != keyFor(t, r2, "testprov") {
		t.Error("options leaked into the cache key")
	}
}

func TestCacheKeySensitivity(t *testing.T) {
	base := func() *GenerationRequest {
		return &GenerationRequest{
			Messages: []Message{NewUserMessage("hello")},
			Params:   Params{Model: "test-model"},
		}
	}
	ref := keyFor(t, base(), "testprov")

	temp := 0.7
	variants := map[string]*GenerationRequest{}

	r := base()
	r.Params.Model = "other-model"
	variants["model"] = r

	r = base()
	r.Messages = []Message{NewUserMessage("goodbye")}
	variants["content"] = r

	r = base()
	r.Params.Temperature = &temp
	variants["temperature"] = r

	r = base()
	r.Params.NumCtx = 4096
	variants["num_ctx"] = r

	r = base()
	r.Params.ClientParams = map[string]any{"top_k": 40}
	variants["client_params"] = r

	r = base()
	model, err := SchemaFromJSON("out", []byte(`{"type":"object"}`))
	if err != nil {
		t.Fatal(err)
	}
	r.Params.ResponseModel = model
	variants["response_model"] = r

	for name, v := range variants {
		if keyFor(t, v, "testprov") == ref {
			t.Errorf("changing %s did not change the key", name)
		}
	}
	if keyFor(t, base(), "otherprov") == ref {
		t.Error("changing provider did not change the key")
	}
}

func TestCacheKeyClientParamOrderInsensitive(t *testing.T) {
	r1 := &GenerationRequest{
		Messages: []Message{NewUserMessage("x")},
		Params:   Params{Model: "test-model", ClientParams: map[string]any{"a": 1, "b": 2}},
	}
	r2 := &GenerationRequest{
		Messages: []Message{NewUserMessage("x")},
		Params:   Params{Model: "test-model", ClientParams: map[string]any{"b": 2, "a": 1}},
	}
	if keyFor(t, r1, "testprov") != keyFor(t, r2, "testprov") {
		t.Error("map insertion order affected the key")
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalJSON([]byte(`{"b":1,"a":{"d":2,"c":3}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalJSON([]byte(`{"a":{"c":3,"d":2},"b":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("canonical forms differ: %s vs %s", a, b)
	}
}
