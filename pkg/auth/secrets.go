package auth

import (
	"context"
	"errors"
	"os"
	"strings"
)

var (
	// ErrSecretNotConfigured means the policy names no secret.
	ErrSecretNotConfigured = errors.New("secret name not configured")
	// ErrSecretMissing means the named secret has no value.
	ErrSecretMissing = errors.New("secret not set")
	// ErrSecretTimeout means the lookup did not finish within its budget.
	ErrSecretTimeout = errors.New("secret lookup timed out")
)

// SecretSource resolves a named secret. Implementations must honor ctx.
type SecretSource interface {
	Secret(ctx context.Context, name string) (string, error)
}

// EnvSecrets reads secrets from process environment variables.
type EnvSecrets struct {
	Lookup func(string) (string, bool)
}

func (e EnvSecrets) Secret(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrSecretNotConfigured
	}
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok || v == "" {
		return "", ErrSecretMissing
	}
	return v, nil
}

// ChainSecrets tries each source in order and returns the first value found.
// Only ErrSecretMissing moves on to the next source.
type ChainSecrets []SecretSource

func (c ChainSecrets) Secret(ctx context.Context, name string) (string, error) {
	for _, src := range c {
		v, err := src.Secret(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretMissing) {
			return "", err
		}
	}
	return "", ErrSecretMissing
}
