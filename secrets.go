package conduit

// SecretSource looks up provider credentials by name. The runtime never
// implements credential storage itself; the config package provides an
// environment-backed source.
type SecretSource interface {
	// Secret returns the named credential. A missing credential returns
	// ("", nil); callers decide whether that is fatal.
	Secret(name string) (string, error)
}

// SecretMap is an in-memory SecretSource, convenient in tests.
type SecretMap map[string]string

func (m SecretMap) Secret(name string) (string, error) { return m[name], nil }
