package hardening

import (
	"strings"
	"testing"

	"formgate/pkg/policy"
)

func prodPolicy() *policy.TemplatePolicy {
	return &policy.TemplatePolicy{
		ID:             "contact",
		Name:           "Contact",
		AllowedOrigins: []string{"https://www.example.com"},
		MaxBodyBytes:   1024,
		Auth:           policy.JWTAuth{SharedSecretEnv: "CONTACT_JWT_SECRET", Required: true},
		Captcha:        policy.CaptchaEnabled{Provider: "hcaptcha", SecretEnv: "HCAPTCHA_SECRET"},
		Attachments:    policy.ObjectStoreAttachments{MaxCount: 1},
	}
}

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:         "gateway",
		Environment:     "production",
		RedisRequireTLS: true,
		Policies:        policy.Set{"contact": prodPolicy()},
		SecretPresent:   func(string) bool { return true },
	}

	t.Run("pass", func(t *testing.T) {
		if err := ValidateProduction(base); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("non_prod_skip", func(t *testing.T) {
		o := base
		o.Environment = "development"
		o.RedisRequireTLS = false
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected skip in non-production, got %v", err)
		}
	})

	t.Run("relaxed_skip", func(t *testing.T) {
		o := base
		o.Relaxed = true
		o.RedisRequireTLS = false
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected relaxed skip, got %v", err)
		}
	})

	cases := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"redis_tls_required", func(o *Options) { o.RedisRequireTLS = false }, "redis.require_tls"},
		{"redis_insecure_forbidden", func(o *Options) { o.RedisTLSInsecure = true }, "forbids redis.tls.insecure"},
		{"audit_tls_required", func(o *Options) { o.AuditDatabaseURL = "postgres://db/formgate" }, "audit.require_tls"},
		{"admin_token_required", func(o *Options) { o.EventsEnabled = true }, "admin.token"},
		{"no_policies", func(o *Options) { o.Policies = policy.Set{} }, "at least one template"},
		{"secret_missing", func(o *Options) { o.SecretPresent = func(n string) bool { return n != "HCAPTCHA_SECRET" } }, "HCAPTCHA_SECRET"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := base
			tc.mutate(&o)
			err := ValidateProduction(o)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateProductionOrigins(t *testing.T) {
	cases := []struct{ origin, want string }{
		{"*", "wildcard"},
		{"http://localhost:3000", "localhost"},
		{"https://127.0.0.1", "localhost"},
		{"http://www.example.com", "HTTPS"},
		{"example.com", "absolute origin"},
	}
	for _, tc := range cases {
		origin, want := tc.origin, tc.want
		p := prodPolicy()
		p.AllowedOrigins = []string{origin}
		err := ValidateProduction(Options{Environment: "staging", RedisRequireTLS: true, Policies: policy.Set{"contact": p}})
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: expected %q error, got %v", origin, want, err)
		}
	}

	p := prodPolicy()
	p.AllowedOrigins = nil
	if err := ValidateProduction(Options{Environment: "prod", RedisRequireTLS: true, Policies: policy.Set{"contact": p}}); err == nil {
		t.Fatal("expected empty allow-list to be rejected")
	}
}

func TestIsProductionLike(t *testing.T) {
	for env, want := range map[string]bool{"prod": true, " Production ": true, "stage": true, "dev": false, "": false} {
		if got := IsProductionLike(env); got != want {
			t.Fatalf("%q: want %v got %v", env, want, got)
		}
	}
}

func TestValidatePoliciesStandalone(t *testing.T) {
	if err := ValidatePolicies("formgatectl", policy.Set{"contact": prodPolicy()}, nil); err != nil {
		t.Fatalf("expected named secrets to pass without a lookup, got %v", err)
	}
	err := ValidatePolicies("formgatectl", policy.Set{"contact": prodPolicy()}, func(string) bool { return false })
	if err == nil || !strings.Contains(err.Error(), "CONTACT_JWT_SECRET") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	if err := ValidatePolicies("formgatectl", nil, nil); err == nil {
		t.Fatal("expected empty set to be rejected")
	}
}
