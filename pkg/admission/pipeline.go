package admission

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"formgate/pkg/auth"
	"formgate/pkg/captcha"
	"formgate/pkg/ratelimit"
	"formgate/pkg/store"
)

// Decision summarizes one pipeline run for observers.
type Decision struct {
	TemplateID string
	Guard      string
	Code       Code
	Preflight  bool
	Duration   time.Duration
}

type Observer func(Decision)

// Pipeline runs guards in order and stops at the first rejection.
// It holds no per-request mutable state.
type Pipeline struct {
	guards    []Guard
	logger    *zap.Logger
	observers []Observer
}

type Dependencies struct {
	Tokens        TokenConsumer
	Verifier      TokenVerifier
	Captcha       captcha.Verifier
	Secrets       auth.SecretSource
	SecretTimeout time.Duration
	Limiter       ratelimit.Limiter
	Keys          KeyRegistrar
	Logger        *zap.Logger
	Now           func() time.Time
}

// NewPipeline wires the fixed order CORS, body size, CSRF, auth, captcha,
// rate limit, idempotency. Local checks run before any network call.
func NewPipeline(deps Dependencies, observers ...Observer) *Pipeline {
	logger := orNop(deps.Logger)
	return NewPipelineWithGuards(logger, []Guard{
		CORS{},
		BodySize{},
		CSRF{Tokens: deps.Tokens},
		Auth{Verifier: deps.Verifier, Logger: logger},
		Captcha{Verifier: deps.Captcha, Secrets: deps.Secrets, SecretTimeout: deps.SecretTimeout, Logger: logger},
		RateLimit{Limiter: deps.Limiter, Now: deps.Now},
		Idempotency{Keys: deps.Keys},
	}, observers...)
}

func NewPipelineWithGuards(logger *zap.Logger, guards []Guard, observers ...Observer) *Pipeline {
	return &Pipeline{guards: guards, logger: orNop(logger), observers: observers}
}

// Guards returns the guard names in execution order.
func (p *Pipeline) Guards() []string {
	names := make([]string, len(p.guards))
	for i, g := range p.guards {
		names[i] = g.Name()
	}
	return names
}

// Run evaluates req. Preflight requests only run guards marked for preflight.
// Response headers from passing guards are merged into the returned result.
func (p *Pipeline) Run(ctx context.Context, req *Request, actx *Context) Result {
	start := time.Now()
	preflight := req.Method == http.MethodOptions
	if actx == nil || actx.Policy == nil {
		p.logger.Error("admission context missing", zap.String("method", req.Method))
		res := Reject(CodeTemplateContextMissing)
		p.notify(Decision{Code: res.Code, Preflight: preflight, Duration: time.Since(start)})
		return res
	}

	headers := http.Header{}
	for _, g := range p.guards {
		if preflight && !runsOnPreflight(g) {
			continue
		}
		res := g.Check(ctx, req, actx)
		for k, vs := range res.Headers {
			for _, v := range vs {
				headers.Add(k, v)
			}
		}
		if res.Rejected() {
			res.Headers = headers
			p.logRejection(actx, g.Name(), res)
			p.notify(Decision{TemplateID: actx.TemplateID, Guard: g.Name(), Code: res.Code, Preflight: preflight, Duration: time.Since(start)})
			return res
		}
	}
	p.notify(Decision{TemplateID: actx.TemplateID, Code: CodeNone, Preflight: preflight, Duration: time.Since(start)})
	return Result{Headers: headers}
}

func (p *Pipeline) logRejection(actx *Context, guard string, res Result) {
	fields := []zap.Field{
		zap.String("template_id", actx.TemplateID),
		zap.String("guard", guard),
		zap.String("code", res.Code.String()),
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	switch {
	case res.Code == CodeStoreUnavailable:
		if !errors.Is(res.Err, store.ErrUnavailable) {
			fields = append(fields, zap.Bool("unexpected_error", true))
		}
		p.logger.Error("store unavailable, rejecting", fields...)
	case res.Code.Status() >= http.StatusInternalServerError:
		p.logger.Error("admission rejected", fields...)
	default:
		p.logger.Debug("admission rejected", fields...)
	}
}

func (p *Pipeline) notify(d Decision) {
	for _, o := range p.observers {
		o(d)
	}
}
