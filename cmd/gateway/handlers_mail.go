package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"formgate/pkg/admission"
	"formgate/pkg/audit"
	"formgate/pkg/httpx"
	"formgate/pkg/mail"
	"formgate/pkg/queue"
)

const auditTimeout = 2 * time.Second

type csrfResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

type queuedResponse struct {
	Status string `json:"status"`
	JobID  string `json:"jobId"`
}

func (s *Server) newRequest(r *http.Request, body []byte, receivedAt time.Time) *admission.Request {
	return &admission.Request{
		Method:     r.Method,
		Header:     r.Header,
		Body:       body,
		ClientIP:   s.ClientIPs.ClientIP(r),
		ReceivedAt: receivedAt,
	}
}

// resolveTemplate writes the rejection itself and returns nil when the template cannot be bound.
func (s *Server) resolveTemplate(w http.ResponseWriter, r *http.Request, id string) (*admission.Context, admission.Result) {
	actx, res := admission.Resolve(r.Context(), s.Policies, id)
	if res.Rejected() {
		if res.Code == admission.CodePolicyUnavailable {
			s.Logger.Error("template policy lookup failed", zap.String("template_id", id), zap.Error(res.Err))
		}
		s.observeDecision(admission.Decision{TemplateID: id, Code: res.Code, Preflight: httpx.IsPreflight(r)})
		s.writeRejection(w, res)
		return nil, res
	}
	return actx, res
}

func (s *Server) issueCSRF(w http.ResponseWriter, r *http.Request) {
	actx, _ := s.resolveTemplate(w, r, admission.TemplateID(r.Header, r.URL.Query(), admission.FromQuery))
	if actx == nil {
		return
	}
	res := s.CSRFPipeline.Run(r.Context(), s.newRequest(r, nil, s.now()), actx)
	if res.Rejected() {
		s.writeRejection(w, res)
		return
	}
	copyHeaders(w, res.Headers)
	if httpx.IsPreflight(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ttl := actx.Policy.CSRF.TTL()
	token, err := s.Tokens.Issue(r.Context(), actx.TemplateID, ttl)
	if err != nil {
		s.Logger.Error("csrf token issue failed", zap.String("template_id", actx.TemplateID), zap.Error(err))
		httpx.Error(w, admission.CodeStoreUnavailable.Status(), admission.CodeStoreUnavailable.String())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, csrfResponse{Token: token, ExpiresIn: int(ttl / time.Second)})
}

func (s *Server) sendMail(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	templateID := admission.TemplateID(r.Header, r.URL.Query(), admission.FromHeader)
	actx, res := s.resolveTemplate(w, r, templateID)
	if actx == nil {
		s.audit(r, audit.Entry{TemplateID: templateID, ErrorCode: res.Code.String()}, start)
		return
	}
	req := s.newRequest(r, body, start)
	res = s.Pipeline.Run(r.Context(), req, actx)
	if res.Rejected() {
		s.writeRejection(w, res)
		s.audit(r, audit.Entry{
			TemplateID: actx.TemplateID,
			ClientIP:   req.ClientIP,
			ErrorCode:  res.Code.String(),
			Metadata:   reasonMeta(res.Reason),
		}, start)
		return
	}
	copyHeaders(w, res.Headers)
	if httpx.IsPreflight(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sub, err := mail.Parse(body, actx.Policy.Attachments)
	if err != nil {
		code := admission.CodeValidationFailed
		reason := mail.ReasonBodyInvalid
		var verr *mail.ValidationError
		if errors.As(err, &verr) {
			reason = verr.Reason
			if verr.TooLarge {
				code = admission.CodeAttachmentsTooLarge
				reason = ""
			}
		}
		s.Logger.Debug("submission rejected", zap.String("template_id", actx.TemplateID), zap.String("reason", reason), zap.Error(err))
		httpx.ErrorWithReason(w, code.Status(), code.String(), reason)
		s.audit(r, audit.Entry{TemplateID: actx.TemplateID, ClientIP: req.ClientIP, ErrorCode: code.String(), Metadata: reasonMeta(reason)}, start)
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(admission.HeaderIdempotencyKey))
	job := queue.NewJob(actx.TemplateID, sub, queue.Source{
		Origin:         req.Origin(),
		ClientIP:       req.ClientIP,
		IdempotencyKey: idemKey,
		ReceivedAt:     start,
	}, actx.Policy.Queue.Priority, s.now())
	entry := audit.Entry{
		TemplateID:         actx.TemplateID,
		ClientIP:           req.ClientIP,
		Recipients:         sub.To,
		IdempotencyKey:     idemKey,
		AttachmentsCount:   len(sub.Attachments),
		AttachmentsTotalMB: sub.TotalMB(),
	}
	jobID, err := s.Queue.Enqueue(r.Context(), job)
	if err != nil {
		s.Logger.Error("failed to enqueue mail job", zap.String("template_id", actx.TemplateID), zap.Error(err))
		httpx.Error(w, admission.CodeEnqueueFailed.Status(), admission.CodeEnqueueFailed.String())
		entry.ErrorCode = admission.CodeEnqueueFailed.String()
		s.audit(r, entry, start)
		return
	}
	if s.Metrics != nil {
		s.Metrics.IncEnqueued(actx.TemplateID, s.QueueBackend)
	}
	httpx.WriteJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", JobID: jobID})
	entry.OK = true
	entry.Metadata = map[string]any{"jobId": jobID}
	s.audit(r, entry, start)
}

// readBody enforces the global ceiling. Per-template limits are left to the body size guard.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		return nil, true
	}
	limit := s.MaxBodyBytes
	if limit <= 0 {
		limit = 25 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		httpx.Error(w, admission.CodeAttachmentsTooLarge.Status(), admission.CodeAttachmentsTooLarge.String())
		return nil, false
	}
	httpx.ErrorWithReason(w, admission.CodeValidationFailed.Status(), admission.CodeValidationFailed.String(), "body_unreadable")
	return nil, false
}

// audit records the outcome on a context detached from the request.
func (s *Server) audit(r *http.Request, e audit.Entry, start time.Time) {
	if s.Audit == nil {
		return
	}
	if r.Method == http.MethodOptions {
		return
	}
	e.Timestamp = start.UTC()
	e.Category = audit.CategoryMailSend
	e.Origin = strings.TrimSpace(r.Header.Get("Origin"))
	e.LatencyMs = s.now().Sub(start).Milliseconds()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditTimeout)
	defer cancel()
	s.Audit.Record(ctx, e)
}

func reasonMeta(reason string) map[string]any {
	if reason == "" {
		return nil
	}
	return map[string]any{"reason": reason}
}
