// Package resolve builds the adapter for a provider and model, wiring
// credentials from a secret source. It is the only package that knows
// every adapter; the client stays provider-agnostic.
package resolve

import (
	"log/slog"
	"net/http"

	conduit "github.com/conduitdev/conduit"
	"github.com/conduitdev/conduit/provider/anthropic"
	"github.com/conduitdev/conduit/provider/googleai"
	"github.com/conduitdev/conduit/provider/openaicompat"
	"github.com/conduitdev/conduit/provider/perplexity"
)

// secretName maps a provider to its conventional credential name.
func secretName(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "googleai":
		return "GEMINI_API_KEY"
	case "perplexity":
		return "PERPLEXITY_API_KEY"
	default:
		return ""
	}
}

// baseURL returns the API base for OpenAI-compatible providers.
func baseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}

// Option configures the factory.
type Option func(*factoryConfig)

type factoryConfig struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURLs   map[string]string
}

// WithLogger passes a structured logger to every constructed adapter.
func WithLogger(l *slog.Logger) Option {
	return func(c *factoryConfig) { c.logger = l }
}

// WithHTTPClient passes a shared HTTP client to every constructed adapter.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *factoryConfig) { c.httpClient = hc }
}

// WithBaseURL overrides the API base for one provider (e.g. a local proxy
// or a test server).
func WithBaseURL(provider, url string) Option {
	return func(c *factoryConfig) {
		if c.baseURLs == nil {
			c.baseURLs = make(map[string]string)
		}
		c.baseURLs[provider] = url
	}
}

// Factory returns an AdapterFactory that constructs the adapter for each
// (provider, model) pair, looking up credentials in secrets. Unknown
// providers that advertise an OpenAI-compatible base URL fall through to
// the openaicompat adapter.
func Factory(secrets conduit.SecretSource, opts ...Option) conduit.AdapterFactory {
	var cfg factoryConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(provider, model string) (conduit.Adapter, error) {
		key := ""
		if name := secretName(provider); name != "" {
			var err error
			key, err = secrets.Secret(name)
			if err != nil {
				return nil, conduit.WrapErr(conduit.KindAuth, err, "resolve: look up credential for %s", provider)
			}
			if key == "" {
				return nil, conduit.E(conduit.KindAuth, "resolve: no credential for provider %s", provider)
			}
		}
		base := baseURL(provider)
		if u, ok := cfg.baseURLs[provider]; ok {
			base = u
		}
		switch provider {
		case "anthropic":
			var aopts []anthropic.Option
			if cfg.logger != nil {
				aopts = append(aopts, anthropic.WithLogger(cfg.logger))
			}
			if cfg.httpClient != nil {
				aopts = append(aopts, anthropic.WithHTTPClient(cfg.httpClient))
			}
			if base != "" {
				aopts = append(aopts, anthropic.WithBaseURL(base))
			}
			return anthropic.New(key, model, aopts...), nil
		case "googleai":
			var gopts []googleai.Option
			if cfg.logger != nil {
				gopts = append(gopts, googleai.WithLogger(cfg.logger))
			}
			if cfg.httpClient != nil {
				gopts = append(gopts, googleai.WithHTTPClient(cfg.httpClient))
			}
			if base != "" {
				gopts = append(gopts, googleai.WithBaseURL(base))
			}
			return googleai.New(key, model, gopts...), nil
		case "perplexity":
			var popts []openaicompat.Option
			if cfg.logger != nil {
				popts = append(popts, openaicompat.WithLogger(cfg.logger))
			}
			if cfg.httpClient != nil {
				popts = append(popts, openaicompat.WithHTTPClient(cfg.httpClient))
			}
			if base == "" {
				return perplexity.New(key, model, popts...), nil
			}
			return perplexity.NewWithBaseURL(key, model, base, popts...), nil
		default:
			if base == "" {
				return nil, conduit.E(conduit.KindUnknownModel, "resolve: no adapter for provider %q", provider)
			}
			oopts := []openaicompat.Option{openaicompat.WithName(provider)}
			if cfg.logger != nil {
				oopts = append(oopts, openaicompat.WithLogger(cfg.logger))
			}
			if cfg.httpClient != nil {
				oopts = append(oopts, openaicompat.WithHTTPClient(cfg.httpClient))
			}
			return openaicompat.New(key, model, base, oopts...), nil
		}
	}
}
