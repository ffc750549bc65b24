// Package auth verifies shared-secret bearer tokens for templates that require them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"formgate/pkg/policy"
)

// ErrInvalidToken wraps every signature or claim failure.
var ErrInvalidToken = errors.New("invalid token")

const defaultSecretTimeout = 2 * time.Second

var allowedMethods = []string{"HS256", "HS384", "HS512"}

// Verifier checks HMAC-signed JWTs against a secret resolved per policy.
type Verifier struct {
	secrets SecretSource
	timeout time.Duration
	now     func() time.Time
}

func NewVerifier(secrets SecretSource, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = defaultSecretTimeout
	}
	if secrets == nil {
		secrets = EnvSecrets{}
	}
	return &Verifier{secrets: secrets, timeout: timeout, now: time.Now}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return token, token != ""
}

// Verify validates token for cfg. Secret resolution failures return the
// ErrSecret* sentinels so callers can separate configuration problems from bad tokens.
func (v *Verifier) Verify(ctx context.Context, token string, cfg policy.JWTAuth) (jwt.MapClaims, error) {
	secret, err := LookupSecret(ctx, v.secrets, cfg.SharedSecretEnv, v.timeout)
	if err != nil {
		return nil, err
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(allowedMethods),
		jwt.WithTimeFunc(v.now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// LookupSecret resolves name from src within timeout, even for sources that
// ignore ctx.
func LookupSecret(ctx context.Context, src SecretSource, name string, timeout time.Duration) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrSecretNotConfigured
	}
	if timeout <= 0 {
		timeout = defaultSecretTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		secret string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := src.Secret(ctx, name)
		done <- result{secret: s, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return "", ErrSecretTimeout
			}
			return "", r.err
		}
		return r.secret, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrSecretTimeout
		}
		return "", ctx.Err()
	}
}

// IsConfigError reports whether err stems from secret configuration rather
// than from the presented token.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrSecretNotConfigured) || errors.Is(err, ErrSecretMissing) || errors.Is(err, ErrSecretTimeout)
}
