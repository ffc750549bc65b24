package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VaultSecrets resolves secrets from a single Vault KV v2 document, one field per
// secret name.
type VaultSecrets struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Mount      string
	Path       string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (s VaultSecrets) Secret(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrSecretNotConfigured
	}
	addr := strings.TrimRight(strings.TrimSpace(s.Addr), "/")
	if addr == "" {
		return "", errors.New("vault addr required")
	}
	if strings.TrimSpace(s.Token) == "" {
		return "", errors.New("vault token required")
	}
	if strings.TrimSpace(s.Path) == "" {
		return "", errors.New("vault secret path required")
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	if s.Mount == "" {
		s.Mount = "secret"
	}
	if s.Timeout <= 0 {
		s.Timeout = 1500 * time.Millisecond
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	endpoint := addr + "/v1/" + strings.Trim(s.Mount, "/") + "/data/" + strings.Trim(s.Path, "/")

	var lastErr error
	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		body, status, err := s.fetch(ctx, client, endpoint)
		if err != nil {
			lastErr = err
			if ctx.Err() == nil && attempt < s.MaxRetries && s.RetryDelay > 0 {
				time.Sleep(s.RetryDelay)
				continue
			}
			break
		}
		if status == http.StatusNotFound {
			return "", ErrSecretMissing
		}
		if status >= 300 {
			lastErr = fmt.Errorf("vault secret lookup failed status=%d", status)
			if attempt < s.MaxRetries && s.RetryDelay > 0 {
				time.Sleep(s.RetryDelay)
				continue
			}
			break
		}
		return parseVaultSecret(body, name)
	}
	if lastErr == nil {
		lastErr = errors.New("vault secret lookup failed")
	}
	return "", lastErr
}

func (s VaultSecrets) fetch(ctx context.Context, client *http.Client, endpoint string) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-Vault-Token", s.Token)
	if strings.TrimSpace(s.Namespace) != "" {
		req.Header.Set("X-Vault-Namespace", s.Namespace)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func parseVaultSecret(body []byte, name string) (string, error) {
	var payload struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("invalid vault response: %w", err)
	}
	raw, ok := payload.Data.Data[name]
	if !ok {
		return "", ErrSecretMissing
	}
	v, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("vault field %q is not a string", name)
	}
	if v == "" {
		return "", ErrSecretMissing
	}
	return v, nil
}
