package admission

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"formgate/pkg/auth"
	"formgate/pkg/captcha"
	"formgate/pkg/httpx"
	"formgate/pkg/idempotency"
	"formgate/pkg/policy"
	"formgate/pkg/ratelimit"
)

const (
	HeaderCSRFToken      = "X-CSRF-Token"
	HeaderCaptchaToken   = "X-Captcha-Token"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// CORS admits requests without an Origin and origins on the template allow-list.
type CORS struct{}

func (CORS) Name() string          { return "cors" }
func (CORS) RunsOnPreflight() bool { return true }

func (CORS) Check(_ context.Context, req *Request, actx *Context) Result {
	origin := req.Origin()
	if origin == "" {
		return Continue()
	}
	if !actx.Policy.AllowsOrigin(origin) {
		return Reject(CodeCORSRejected)
	}
	res := Continue()
	res.Headers = http.Header{}
	httpx.ApplyCORS(res.Headers, origin, actx.Policy.AllowCredentials, req.Method == http.MethodOptions)
	return res
}

// BodySize compares the exact raw byte length with the template ceiling.
type BodySize struct{}

func (BodySize) Name() string { return "body_size" }

func (BodySize) Check(_ context.Context, req *Request, actx *Context) Result {
	if int64(len(req.Body)) > actx.Policy.MaxBodyBytes {
		return Reject(CodeAttachmentsTooLarge)
	}
	return Continue()
}

type TokenConsumer interface {
	Consume(ctx context.Context, templateID, token string) (bool, error)
}

// CSRF consumes the presented one-time token.
type CSRF struct {
	Tokens TokenConsumer
}

func (CSRF) Name() string { return "csrf" }

func (g CSRF) Check(ctx context.Context, req *Request, actx *Context) Result {
	token := strings.TrimSpace(req.Header.Get(HeaderCSRFToken))
	if token == "" {
		return Reject(CodeCSRFTokenMissing)
	}
	ok, err := g.Tokens.Consume(ctx, actx.TemplateID, token)
	if err != nil {
		return RejectErr(CodeStoreUnavailable, err)
	}
	if !ok {
		return Reject(CodeCSRFTokenInvalid)
	}
	return Continue()
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string, cfg policy.JWTAuth) (jwt.MapClaims, error)
}

// Auth enforces the template's bearer-token requirement.
type Auth struct {
	Verifier TokenVerifier
	Logger   *zap.Logger
}

func (Auth) Name() string { return "auth" }

func (g Auth) Check(ctx context.Context, req *Request, actx *Context) Result {
	cfg, ok := actx.Policy.Auth.(policy.JWTAuth)
	if !ok {
		return Continue()
	}
	header := req.Header.Get("Authorization")
	token, present := auth.BearerToken(header)
	if !present {
		if !cfg.Required && strings.TrimSpace(header) == "" {
			return Continue()
		}
		return Reject(CodeUnauthenticated)
	}
	if _, err := g.Verifier.Verify(ctx, token, cfg); err != nil {
		logger := orNop(g.Logger).With(zap.String("template_id", actx.TemplateID), zap.String("guard", "auth"))
		if auth.IsConfigError(err) {
			logger.Error("jwt secret configuration error", zap.String("secret_env", cfg.SharedSecretEnv), zap.Error(err))
		} else {
			logger.Warn("jwt verification failed", zap.Error(err))
		}
		return RejectErr(CodeUnauthorized, err)
	}
	return Continue()
}

// Captcha verifies the challenge response with the configured provider.
type Captcha struct {
	Verifier      captcha.Verifier
	Secrets       auth.SecretSource
	SecretTimeout time.Duration
	Logger        *zap.Logger
}

func (Captcha) Name() string { return "captcha" }

func (g Captcha) Check(ctx context.Context, req *Request, actx *Context) Result {
	cfg, ok := actx.Policy.Captcha.(policy.CaptchaEnabled)
	if !ok {
		return Continue()
	}
	token := strings.TrimSpace(req.Header.Get(HeaderCaptchaToken))
	if token == "" {
		return Reject(CodeCaptchaTokenMissing)
	}
	logger := orNop(g.Logger).With(zap.String("template_id", actx.TemplateID), zap.String("guard", "captcha"))
	secret, err := auth.LookupSecret(ctx, g.Secrets, cfg.SecretEnv, g.SecretTimeout)
	if err != nil {
		logger.Error("captcha secret not available", zap.String("secret_env", cfg.SecretEnv), zap.Error(err))
		return RejectErr(CodeCaptchaSecretMissing, err)
	}
	res, err := g.Verifier.Verify(ctx, cfg.Provider, secret, token, req.ClientIP)
	switch {
	case err == nil:
		return Continue()
	case errors.Is(err, captcha.ErrFailed):
		logger.Warn("captcha validation failed", zap.Strings("error_codes", res.ErrorCodes))
		return RejectErr(CodeCaptchaFailed, err)
	case errors.Is(err, captcha.ErrHTTPStatus):
		logger.Warn("captcha provider http error", zap.Error(err))
		return RejectErr(CodeCaptchaHTTPError, err)
	default:
		logger.Error("captcha request failed", zap.Error(err))
		return RejectErr(CodeCaptchaRequestFailed, err)
	}
}

// RateLimit counts the request against the template's fixed window.
type RateLimit struct {
	Limiter ratelimit.Limiter
	Now     func() time.Time
}

func (RateLimit) Name() string { return "rate_limit" }

func (g RateLimit) Check(ctx context.Context, req *Request, actx *Context) Result {
	rule := actx.Policy.RateLimit
	if rule == nil {
		return Continue()
	}
	scope := ratelimit.ScopeValue(rule.Scope, actx.TemplateID, req.ClientIP, req.Origin())
	decision, err := g.Limiter.Allow(ctx, actx.TemplateID, scope, *rule)
	if err != nil {
		return RejectErr(CodeStoreUnavailable, err)
	}
	if decision.Allowed {
		return Continue()
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return Reject(CodeRateLimited).withHeader("Retry-After", strconv.Itoa(decision.RetryAfter(now())))
}

type KeyRegistrar interface {
	Register(ctx context.Context, templateID, key, payloadHash string, ttl time.Duration) (idempotency.Outcome, error)
}

// Idempotency deduplicates submissions by client-supplied key.
type Idempotency struct {
	Keys KeyRegistrar
}

func (Idempotency) Name() string { return "idempotency" }

func (g Idempotency) Check(ctx context.Context, req *Request, actx *Context) Result {
	cfg := actx.Policy.Idempotency
	if cfg == nil {
		return Continue()
	}
	key := strings.TrimSpace(req.Header.Get(HeaderIdempotencyKey))
	if key == "" {
		if cfg.Required {
			return Reject(CodeIdempotencyKeyRequired)
		}
		return Continue()
	}
	hash, err := idempotency.HashPayload(req.Body)
	if err != nil {
		res := RejectErr(CodeValidationFailed, err)
		res.Reason = "body_not_json"
		return res
	}
	outcome, err := g.Keys.Register(ctx, actx.TemplateID, key, hash, cfg.TTL())
	if err != nil {
		return RejectErr(CodeStoreUnavailable, err)
	}
	switch outcome {
	case idempotency.Registered:
		return Continue()
	case idempotency.Duplicate:
		return Reject(CodeIdempotentRequestDuplicate)
	default:
		return Reject(CodeIdempotencyKeyConflict)
	}
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
