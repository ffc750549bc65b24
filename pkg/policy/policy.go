// Package policy defines the per-template admission policy model and the
// resolver that maps template identifiers to policies.
package policy

import "time"

// TemplatePolicy is the immutable admission configuration bound to a template.
// Every field is fully resolved (defaults applied, variants validated) by the loader.
type TemplatePolicy struct {
	ID               string
	Name             string
	AllowedOrigins   []string
	AllowCredentials bool
	MaxBodyBytes     int64
	Auth             Auth
	Captcha          Captcha
	Attachments      Attachments
	RateLimit        *RateLimit
	Idempotency      *Idempotency
	CSRF             CSRF
	Queue            Queue
}

// AllowsOrigin reports whether origin is an exact member of the allow-list.
func (p *TemplatePolicy) AllowsOrigin(origin string) bool {
	for _, o := range p.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// Auth is one of NoAuth or JWTAuth.
type Auth interface{ isAuth() }

type NoAuth struct{}

// JWTAuth verifies bearer tokens signed with a shared secret read from SharedSecretEnv.
type JWTAuth struct {
	Issuer          string
	Audience        string
	SharedSecretEnv string
	// Required=false admits requests without an Authorization header; a presented
	// token must still verify.
	Required bool
}

func (NoAuth) isAuth()  {}
func (JWTAuth) isAuth() {}

// Captcha is one of CaptchaDisabled or CaptchaEnabled.
type Captcha interface{ isCaptcha() }

type CaptchaDisabled struct{}

type CaptchaEnabled struct {
	Provider  CaptchaProvider
	SecretEnv string
}

func (CaptchaDisabled) isCaptcha() {}
func (CaptchaEnabled) isCaptcha()  {}

type CaptchaProvider string

const (
	ProviderHCaptcha  CaptchaProvider = "hcaptcha"
	ProviderReCaptcha CaptchaProvider = "recaptcha"
)

// Attachments is one of Base64Attachments or ObjectStoreAttachments.
type Attachments interface {
	isAttachments()
	// Limits returns the count ceiling and mime allow-list shared by both modes.
	Limits() (maxCount int, allowedMimeTypes []string)
}

type Base64Attachments struct {
	MaxTotalMB       float64
	MaxCount         int
	AllowedMimeTypes []string
}

type ObjectStoreAttachments struct {
	MaxCount         int
	AllowedMimeTypes []string
}

func (Base64Attachments) isAttachments()      {}
func (ObjectStoreAttachments) isAttachments() {}

func (a Base64Attachments) Limits() (int, []string)      { return a.MaxCount, a.AllowedMimeTypes }
func (a ObjectStoreAttachments) Limits() (int, []string) { return a.MaxCount, a.AllowedMimeTypes }

type RateLimitScope string

const (
	ScopeIP       RateLimitScope = "ip"
	ScopeOrigin   RateLimitScope = "origin"
	ScopeTemplate RateLimitScope = "template"
)

type RateLimit struct {
	WindowSeconds int
	Max           int
	Scope         RateLimitScope
}

func (r RateLimit) Window() time.Duration { return time.Duration(r.WindowSeconds) * time.Second }

type Idempotency struct {
	Required   bool
	TTLSeconds int
}

func (i Idempotency) TTL() time.Duration { return time.Duration(i.TTLSeconds) * time.Second }

type CSRF struct {
	TTLSeconds int
}

func (c CSRF) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// Queue carries delivery hints; Priority 0 means unset.
type Queue struct {
	Priority int
}

const (
	DefaultCSRFTTLSeconds        = 300
	DefaultIdempotencyTTLSeconds = 300
)
