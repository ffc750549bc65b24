// Package hardening refuses to start a production-like deployment with unsafe settings.
package hardening

import (
	"fmt"
	"net/url"
	"strings"

	"formgate/pkg/policy"
)

type Options struct {
	Service     string
	Environment string
	// Relaxed skips every check even in production-like environments.
	Relaxed bool

	RedisRequireTLS       bool
	RedisTLSInsecure      bool
	RedisAllowInsecureTLS bool
	AuditDatabaseURL      string
	AuditRequireTLS       bool
	AdminToken            string
	EventsEnabled         bool
	Policies              policy.Set
	// SecretPresent reports whether a named secret resolves. Nil skips the check.
	SecretPresent func(name string) bool
}

func IsProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

// ValidateProduction returns the first violated rule, or nil outside production-like environments.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || o.Relaxed {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "formgate"
	}
	if !o.RedisRequireTLS {
		return fmt.Errorf("%s: strict production hardening requires redis.require_tls=true", service)
	}
	if o.RedisTLSInsecure || o.RedisAllowInsecureTLS {
		return fmt.Errorf("%s: strict production hardening forbids redis.tls.insecure/redis.tls.allow_insecure", service)
	}
	if strings.TrimSpace(o.AuditDatabaseURL) != "" && !o.AuditRequireTLS {
		return fmt.Errorf("%s: strict production hardening requires audit.require_tls=true", service)
	}
	if o.EventsEnabled && strings.TrimSpace(o.AdminToken) == "" {
		return fmt.Errorf("%s: strict production hardening requires admin.token when the event stream is enabled", service)
	}
	return ValidatePolicies(service, o.Policies, o.SecretPresent)
}

// ValidatePolicies applies the per-template production rules to set.
// secretPresent may be nil to check only that secrets are named.
func ValidatePolicies(service string, set policy.Set, secretPresent func(name string) bool) error {
	if len(set) == 0 {
		return fmt.Errorf("%s: strict production hardening requires at least one template policy", service)
	}
	for _, id := range set.IDs() {
		if err := validatePolicy(service, set[id], secretPresent); err != nil {
			return err
		}
	}
	return nil
}

func validatePolicy(service string, p *policy.TemplatePolicy, secretPresent func(string) bool) error {
	if len(p.AllowedOrigins) == 0 {
		return fmt.Errorf("%s: template %q: strict production hardening requires explicit allowedOrigins", service, p.ID)
	}
	for _, origin := range p.AllowedOrigins {
		if err := validateOrigin(strings.TrimSpace(origin)); err != nil {
			return fmt.Errorf("%s: template %q: %w", service, p.ID, err)
		}
	}
	var secrets []string
	if cfg, ok := p.Auth.(policy.JWTAuth); ok {
		secrets = append(secrets, cfg.SharedSecretEnv)
	}
	if cfg, ok := p.Captcha.(policy.CaptchaEnabled); ok {
		secrets = append(secrets, cfg.SecretEnv)
	}
	for _, name := range secrets {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s: template %q: strict production hardening requires a named secret", service, p.ID)
		}
		if secretPresent != nil && !secretPresent(name) {
			return fmt.Errorf("%s: template %q: strict production hardening requires secret %s", service, p.ID, name)
		}
	}
	return nil
}

func validateOrigin(origin string) error {
	if origin == "*" {
		return fmt.Errorf("strict production hardening forbids wildcard origin")
	}
	u, err := url.Parse(strings.ToLower(origin))
	if err != nil || u.Host == "" {
		return fmt.Errorf("strict production hardening requires absolute origin, got %q", origin)
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return fmt.Errorf("strict production hardening forbids localhost origin %q", origin)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("strict production hardening requires HTTPS origin, got %q", origin)
	}
	return nil
}
