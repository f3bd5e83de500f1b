package conduit

import (
	"strings"
	"testing"
)

type recipe struct {
	Name     string   `json:"name" jsonschema:"required"`
	Servings int      `json:"servings" jsonschema:"required"`
	Steps    []string `json:"steps"`
}

func TestReflectResponseModel(t *testing.T) {
	m, err := ReflectResponseModel("recipe", &recipe{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Validate([]byte(`{"name":"soup","servings":4,"steps":["boil"]}`)); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
	err = m.Validate([]byte(`{"servings":4}`))
	if err == nil {
		t.Fatal("missing required field accepted")
	}
	if KindOf(err) != KindSchemaMismatch {
		t.Errorf("kind = %s", KindOf(err))
	}
}

func TestValidateWrongType(t *testing.T) {
	m, err := ReflectResponseModel("recipe", &recipe{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Validate([]byte(`{"name":"soup","servings":"four"}`)); err == nil {
		t.Error("wrong-typed field accepted")
	}
	if err := m.Validate([]byte(`not json`)); KindOf(err) != KindSchemaMismatch {
		t.Errorf("invalid JSON kind = %s", KindOf(err))
	}
}

func TestSchemaFromJSON(t *testing.T) {
	m, err := SchemaFromJSON("thing", []byte(`{"type":"object","properties":{"x":{"type":"integer"}},"required":["x"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Validate([]byte(`{"x":1}`)); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
	if err := m.Validate([]byte(`{}`)); err == nil {
		t.Error("missing required accepted")
	}
	if _, err := SchemaFromJSON("bad", []byte(`{broken`)); err == nil {
		t.Error("invalid schema JSON accepted")
	}
}

func TestDigestStability(t *testing.T) {
	m1, _ := SchemaFromJSON("s", []byte(`{"type":"object","properties":{"a":{}}}`))
	m2, _ := SchemaFromJSON("s", []byte(`{"properties":{"a":{}},"type":"object"}`))
	if m1.Digest() != m2.Digest() {
		t.Error("key-order variation changed the digest")
	}
	m3, _ := SchemaFromJSON("s", []byte(`{"type":"array"}`))
	if m1.Digest() == m3.Digest() {
		t.Error("different schemas share a digest")
	}
	var nilModel *ResponseModel
	if nilModel.Digest() != "none" {
		t.Errorf("nil digest = %q", nilModel.Digest())
	}
}

func TestPromptInstruction(t *testing.T) {
	m, _ := SchemaFromJSON("s", []byte(`{"type":"object"}`))
	got := m.PromptInstruction()
	if !strings.Contains(got, `{"type":"object"}`) {
		t.Errorf("instruction missing schema: %q", got)
	}
	if !strings.Contains(got, "JSON") {
		t.Errorf("instruction missing directive: %q", got)
	}
}
