package main

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"formgate/pkg/admission"
	"formgate/pkg/audit"
	"formgate/pkg/auth"
	"formgate/pkg/csrf"
	"formgate/pkg/httpx"
	"formgate/pkg/metrics"
	"formgate/pkg/policy"
	"formgate/pkg/queue"
	"formgate/pkg/stream"
)

type policyReloader interface {
	Reload() (policy.Set, error)
}

type Server struct {
	Policies     policy.Resolver
	Reloader     policyReloader
	Tokens       *csrf.Store
	Pipeline     *admission.Pipeline
	CSRFPipeline *admission.Pipeline
	Queue        queue.Enqueuer
	QueueBackend string
	Audit        audit.Sink
	Metrics      *metrics.Registry
	Events       *stream.Hub
	EventsOn     bool
	WSOrigins    []string
	Logger       *zap.Logger
	ClientIPs    httpx.ClientIPResolver
	Ready        func(ctx context.Context) error
	AdminToken   string
	MaxBodyBytes int64
	Now          func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	r.Get("/v1/csrf", s.issueCSRF)
	r.Options("/v1/csrf", s.issueCSRF)
	r.Post("/v1/mail/send", s.sendMail)
	r.Options("/v1/mail/send", s.sendMail)

	r.Route("/v1/admin", func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Post("/policies/reload", s.reloadPolicies)
		if s.EventsOn {
			admin.Method(http.MethodGet, "/events", stream.Handler{
				Hub:            s.Events,
				OriginPatterns: s.WSOrigins,
				Buffer:         64,
				Logger:         s.Logger,
			})
		}
	})
	return r
}

// observeDecision feeds metrics and the live stream. It is registered as a
// pipeline observer and also called for resolution failures.
func (s *Server) observeDecision(d admission.Decision) {
	if s.Metrics != nil {
		s.Metrics.IncDecision(d.TemplateID, d.Code.String())
	}
	if s.Events != nil {
		s.Events.PublishDecision(stream.Decision{
			TemplateID: d.TemplateID,
			Guard:      d.Guard,
			Code:       codeName(d.Code),
			Status:     d.Code.Status(),
			Preflight:  d.Preflight,
			DurationMs: d.Duration.Milliseconds(),
		})
	}
}

func codeName(c admission.Code) string {
	if c == admission.CodeNone {
		return "admitted"
	}
	return c.String()
}

func (s *Server) writeRejection(w http.ResponseWriter, res admission.Result) {
	copyHeaders(w, res.Headers)
	httpx.ErrorWithReason(w, res.Status(), res.Code.String(), res.Reason)
}

func copyHeaders(w http.ResponseWriter, h http.Header) {
	for k, vs := range h {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Hijack keeps websocket upgrades working behind the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.Metrics == nil {
			return
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.Metrics.ObserveHTTP(r.Method+" "+route, rec.code, time.Since(start))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken == "" {
			httpx.Error(w, http.StatusNotFound, "not_found")
			return
		}
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.AdminToken)) != 1 {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized_client")
			return
		}
		next.ServeHTTP(w, r)
	})
}
