package conduit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
	tekuri "github.com/santhosh-tekuri/jsonschema/v6"
)

// ResponseModel is a caller-supplied JSON Schema that structured replies are
// validated against. Build one from a Go struct with ReflectResponseModel or
// from raw schema bytes with SchemaFromJSON.
type ResponseModel struct {
	Name   string
	Schema json.RawMessage

	compileOnce sync.Once
	compiled    *tekuri.Schema
	compileErr  error
}

// ReflectResponseModel derives a ResponseModel from a Go struct type.
// Required fields come from `jsonschema:"required"` tags; the schema is
// inlined without $ref indirection so it can travel in a single wire field.
func ReflectResponseModel(name string, v any) (*ResponseModel, error) {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := r.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, WrapErr(KindValidation, err, "marshal reflected schema for %s", name)
	}
	return &ResponseModel{Name: name, Schema: raw}, nil
}

// SchemaFromJSON wraps a raw JSON Schema document.
func SchemaFromJSON(name string, schema []byte) (*ResponseModel, error) {
	if !json.Valid(schema) {
		return nil, E(KindValidation, "schema %s is not valid JSON", name)
	}
	return &ResponseModel{Name: name, Schema: append([]byte(nil), schema...)}, nil
}

// Digest returns a stable hex digest of the canonicalized schema document.
// Used as one component of the cache key.
func (m *ResponseModel) Digest() string {
	if m == nil {
		return "none"
	}
	canon, err := CanonicalJSON(m.Schema)
	if err != nil {
		canon = m.Schema
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

func (m *ResponseModel) compile() (*tekuri.Schema, error) {
	m.compileOnce.Do(func() {
		doc, err := tekuri.UnmarshalJSON(bytes.NewReader(m.Schema))
		if err != nil {
			m.compileErr = WrapErr(KindValidation, err, "parse schema %s", m.Name)
			return
		}
		c := tekuri.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			m.compileErr = WrapErr(KindValidation, err, "register schema %s", m.Name)
			return
		}
		m.compiled, m.compileErr = c.Compile("schema.json")
		if m.compileErr != nil {
			m.compileErr = WrapErr(KindValidation, m.compileErr, "compile schema %s", m.Name)
		}
	})
	return m.compiled, m.compileErr
}

// Validate checks a JSON payload against the schema. Returns a
// schema-mismatch error describing the first violation.
func (m *ResponseModel) Validate(payload []byte) error {
	schema, err := m.compile()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return WrapErr(KindSchemaMismatch, err, "payload for %s is not valid JSON", m.Name)
	}
	if err := schema.Validate(doc); err != nil {
		return WrapErr(KindSchemaMismatch, err, "payload does not satisfy %s", m.Name)
	}
	return nil
}

// PromptInstruction renders the schema as a system-prompt fragment for
// providers without native schema enforcement.
func (m *ResponseModel) PromptInstruction() string {
	return "Respond with a single JSON object that satisfies this JSON Schema, with no surrounding prose:\n" + string(m.Schema)
}
