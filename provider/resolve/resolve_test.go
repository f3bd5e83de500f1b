package resolve

import (
	"fmt"
	"testing"

	conduit "github.com/conduitdev/conduit"
)

var allSecrets = conduit.SecretMap{
	"OPENAI_API_KEY":     "sk-openai",
	"ANTHROPIC_API_KEY":  "sk-ant",
	"GEMINI_API_KEY":     "sk-gem",
	"PERPLEXITY_API_KEY": "pplx",
}

func TestFactoryRoutesProviders(t *testing.T) {
	factory := Factory(allSecrets)
	for provider, model := range map[string]string{
		"openai":     "gpt-4o",
		"anthropic":  "claude-sonnet-4-0",
		"googleai":   "gemini-2.0-flash",
		"perplexity": "sonar",
		"ollama":     "llama3.2",
	} {
		a, err := factory(provider, model)
		if err != nil {
			t.Fatalf("%s: %v", provider, err)
		}
		if a.Name() != provider {
			t.Errorf("%s: adapter name = %q", provider, a.Name())
		}
	}
}

func TestFactoryMissingCredential(t *testing.T) {
	factory := Factory(conduit.SecretMap{})
	_, err := factory("anthropic", "claude-sonnet-4-0")
	if conduit.KindOf(err) != conduit.KindAuth {
		t.Errorf("kind = %s", conduit.KindOf(err))
	}
}

func TestFactorySecretLookupFailure(t *testing.T) {
	factory := Factory(failingSecrets{})
	_, err := factory("openai", "gpt-4o")
	if conduit.KindOf(err) != conduit.KindAuth {
		t.Errorf("kind = %s", conduit.KindOf(err))
	}
}

type failingSecrets struct{}

func (failingSecrets) Secret(name string) (string, error) {
	return "", fmt.Errorf("vault unreachable")
}

func TestFactoryUnknownProvider(t *testing.T) {
	factory := Factory(allSecrets)
	_, err := factory("madeup", "some-model")
	if conduit.KindOf(err) != conduit.KindUnknownModel {
		t.Errorf("kind = %s", conduit.KindOf(err))
	}
}

func TestFactoryCustomBaseURLFallthrough(t *testing.T) {
	// an unknown provider with a declared base URL gets the compatible adapter
	factory := Factory(allSecrets, WithBaseURL("vllm", "http://localhost:8000/v1"))
	a, err := factory("vllm", "qwen2.5")
	if err != nil {
		t.Fatal(err)
	}
	if a.Name() != "vllm" {
		t.Errorf("name = %q", a.Name())
	}
}

func TestFactoryLocalProvidersNeedNoKey(t *testing.T) {
	factory := Factory(conduit.SecretMap{})
	if _, err := factory("ollama", "llama3.2"); err != nil {
		t.Errorf("ollama should not require a credential: %v", err)
	}
}
