// Package csrf issues and consumes one-time anti-forgery tokens bound to a template.
package csrf

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"formgate/pkg/store"
)

const tokenBytes = 32

// Store keeps tokens as sentinel keys; existence is validity.
type Store struct {
	kv     store.KV
	random io.Reader
}

func NewStore(kv store.KV) *Store {
	return &Store{kv: kv, random: rand.Reader}
}

func key(templateID, token string) string {
	return "csrf:" + templateID + ":" + token
}

// Issue stores a fresh token for templateID that lives for ttl.
func (s *Store) Issue(ctx context.Context, templateID string, ttl time.Duration) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("csrf token entropy: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	if err := s.kv.Set(ctx, key(templateID, token), "1", ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Consume deletes the token and reports whether this call was the one that did.
// Racing consumers of the same token see exactly one true.
func (s *Store) Consume(ctx context.Context, templateID, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}
	n, err := s.kv.Del(ctx, key(templateID, token))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
