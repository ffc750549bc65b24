package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Set maps template identifiers to their resolved policies.
type Set map[string]*TemplatePolicy

// IDs returns the template identifiers in sorted order.
func (s Set) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type rawPolicy struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	AllowedOrigins   []string        `json:"allowedOrigins"`
	AllowCredentials *bool           `json:"allowCredentials"`
	MaxBodyBytes     int64           `json:"maxBodyBytes"`
	Auth             *rawAuth        `json:"auth"`
	Captcha          *rawCaptcha     `json:"captcha"`
	RateLimit        *rawRateLimit   `json:"rateLimit"`
	Idempotency      *rawIdempotency `json:"idempotency"`
	CSRF             *rawCSRF        `json:"csrf"`
	Attachments      *rawAttachments `json:"attachments"`
	Queue            *rawQueue       `json:"queue"`
}

type rawAuth struct {
	Type            string `json:"type"`
	Issuer          string `json:"issuer"`
	Audience        string `json:"audience"`
	SharedSecretEnv string `json:"sharedSecretEnv"`
	Required        *bool  `json:"required"`
}

type rawCaptcha struct {
	Enabled   bool   `json:"enabled"`
	Provider  string `json:"provider"`
	SecretEnv string `json:"secretEnv"`
}

type rawAttachments struct {
	Mode             string   `json:"mode"`
	MaxTotalMB       float64  `json:"maxTotalMb"`
	MaxCount         int      `json:"maxCount"`
	AllowedMimeTypes []string `json:"allowedMimeTypes"`
}

type rawRateLimit struct {
	WindowSeconds int    `json:"windowSeconds"`
	Max           int    `json:"max"`
	Scope         string `json:"scope"`
}

type rawIdempotency struct {
	Required   bool `json:"required"`
	TTLSeconds *int `json:"ttlSeconds"`
}

type rawCSRF struct {
	TTLSeconds *int `json:"ttlSeconds"`
}

type rawQueue struct {
	Priority *int `json:"priority"`
}

// LoadFile reads a JSON or YAML policy map from path.
func LoadFile(path string) (Set, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read template policies: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(contents)
	default:
		return ParseJSON(contents)
	}
}

func ParseYAML(contents []byte) (Set, error) {
	var generic map[string]interface{}
	if err := yaml.Unmarshal(contents, &generic); err != nil {
		return nil, fmt.Errorf("template policies are not valid YAML: %w", err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("template policies: %w", err)
	}
	return ParseJSON(asJSON)
}

func ParseJSON(contents []byte) (Set, error) {
	dec := json.NewDecoder(bytes.NewReader(contents))
	dec.DisallowUnknownFields()
	var raw map[string]rawPolicy
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("template policies are not valid JSON: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("template policies: no templates defined")
	}
	out := make(Set, len(raw))
	var errs []error
	for key, rp := range raw {
		p, err := rp.resolve(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("template %q: %w", key, err))
			continue
		}
		out[key] = p
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (rp rawPolicy) resolve(key string) (*TemplatePolicy, error) {
	id := strings.TrimSpace(rp.ID)
	if id == "" {
		id = key
	}
	if id != key {
		return nil, fmt.Errorf("id %q does not match map key", rp.ID)
	}
	if strings.TrimSpace(rp.Name) == "" {
		return nil, errors.New("name is required")
	}
	if rp.AllowedOrigins == nil {
		return nil, errors.New("allowedOrigins is required")
	}
	if rp.MaxBodyBytes <= 0 {
		return nil, errors.New("maxBodyBytes must be a positive integer")
	}
	p := &TemplatePolicy{
		ID:             id,
		Name:           rp.Name,
		AllowedOrigins: append([]string(nil), rp.AllowedOrigins...),
		MaxBodyBytes:   rp.MaxBodyBytes,
		CSRF:           CSRF{TTLSeconds: DefaultCSRFTTLSeconds},
	}
	if rp.AllowCredentials != nil {
		p.AllowCredentials = *rp.AllowCredentials
	}

	var err error
	if p.Auth, err = rp.Auth.resolve(); err != nil {
		return nil, err
	}
	if p.Captcha, err = rp.Captcha.resolve(); err != nil {
		return nil, err
	}
	if p.Attachments, err = rp.Attachments.resolve(); err != nil {
		return nil, err
	}
	if rp.RateLimit != nil {
		rl, err := rp.RateLimit.resolve()
		if err != nil {
			return nil, err
		}
		p.RateLimit = &rl
	}
	if rp.Idempotency != nil {
		ttl := DefaultIdempotencyTTLSeconds
		if rp.Idempotency.TTLSeconds != nil {
			ttl = *rp.Idempotency.TTLSeconds
		}
		if ttl <= 0 {
			return nil, errors.New("idempotency.ttlSeconds must be positive")
		}
		p.Idempotency = &Idempotency{Required: rp.Idempotency.Required, TTLSeconds: ttl}
	}
	if rp.CSRF != nil && rp.CSRF.TTLSeconds != nil {
		if *rp.CSRF.TTLSeconds <= 0 {
			return nil, errors.New("csrf.ttlSeconds must be positive")
		}
		p.CSRF.TTLSeconds = *rp.CSRF.TTLSeconds
	}
	if rp.Queue != nil && rp.Queue.Priority != nil {
		prio := *rp.Queue.Priority
		if prio < 1 || prio > 10 {
			return nil, fmt.Errorf("queue.priority %d outside 1-10", prio)
		}
		p.Queue.Priority = prio
	}
	return p, nil
}

func (ra *rawAuth) resolve() (Auth, error) {
	if ra == nil {
		return nil, errors.New("auth is required")
	}
	switch ra.Type {
	case "none":
		return NoAuth{}, nil
	case "jwt":
		required := true
		if ra.Required != nil {
			required = *ra.Required
		}
		return JWTAuth{
			Issuer:          ra.Issuer,
			Audience:        ra.Audience,
			SharedSecretEnv: ra.SharedSecretEnv,
			Required:        required,
		}, nil
	default:
		return nil, fmt.Errorf("auth.type %q is not one of none|jwt", ra.Type)
	}
}

func (rc *rawCaptcha) resolve() (Captcha, error) {
	if rc == nil || !rc.Enabled {
		return CaptchaDisabled{}, nil
	}
	provider := CaptchaProvider(rc.Provider)
	switch provider {
	case ProviderHCaptcha, ProviderReCaptcha:
	default:
		return nil, fmt.Errorf("captcha.provider %q is not one of hcaptcha|recaptcha", rc.Provider)
	}
	if strings.TrimSpace(rc.SecretEnv) == "" {
		return nil, errors.New("captcha.secretEnv is required when captcha is enabled")
	}
	return CaptchaEnabled{Provider: provider, SecretEnv: rc.SecretEnv}, nil
}

func (ra *rawAttachments) resolve() (Attachments, error) {
	if ra == nil {
		return nil, errors.New("attachments is required")
	}
	if ra.MaxCount <= 0 {
		return nil, errors.New("attachments.maxCount must be a positive integer")
	}
	mimes := append([]string{}, ra.AllowedMimeTypes...)
	switch ra.Mode {
	case "base64":
		if ra.MaxTotalMB <= 0 {
			return nil, errors.New("attachments.maxTotalMb must be positive")
		}
		return Base64Attachments{MaxTotalMB: ra.MaxTotalMB, MaxCount: ra.MaxCount, AllowedMimeTypes: mimes}, nil
	case "object-store":
		return ObjectStoreAttachments{MaxCount: ra.MaxCount, AllowedMimeTypes: mimes}, nil
	default:
		return nil, fmt.Errorf("attachments.mode %q is not one of base64|object-store", ra.Mode)
	}
}

func (rr *rawRateLimit) resolve() (RateLimit, error) {
	if rr.WindowSeconds <= 0 {
		return RateLimit{}, errors.New("rateLimit.windowSeconds must be positive")
	}
	if rr.Max <= 0 {
		return RateLimit{}, errors.New("rateLimit.max must be positive")
	}
	scope := RateLimitScope(rr.Scope)
	if scope == "" {
		scope = ScopeIP
	}
	switch scope {
	case ScopeIP, ScopeOrigin, ScopeTemplate:
	default:
		return RateLimit{}, fmt.Errorf("rateLimit.scope %q is not one of ip|origin|template", rr.Scope)
	}
	return RateLimit{WindowSeconds: rr.WindowSeconds, Max: rr.Max, Scope: scope}, nil
}
