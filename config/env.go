package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	conduit "github.com/conduitdev/conduit"
)

// LoadEnvFiles loads .env.local then .env from the working directory.
// Missing files are skipped; variables already set in the environment win.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("config: load %s: %w", file, err)
		}
	}
	return nil
}

// EnvSecrets reads credentials from the process environment. Combine with
// LoadEnvFiles to pick up a local .env file first.
type EnvSecrets struct{}

// Secret implements conduit.SecretSource. Missing variables return ("", nil).
func (EnvSecrets) Secret(name string) (string, error) {
	return os.Getenv(name), nil
}

var _ conduit.SecretSource = EnvSecrets{}
