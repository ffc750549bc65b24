package admission

import (
	"fmt"
	"net/http"
)

// Code is the closed set of admission outcomes. The zero value means admitted.
type Code int

const (
	CodeNone Code = iota
	CodeTemplateIDMissing
	CodeTemplatePolicyNotFound
	CodeTemplateContextMissing
	CodePolicyUnavailable
	CodeCORSRejected
	CodeAttachmentsTooLarge
	CodeCSRFTokenMissing
	CodeCSRFTokenInvalid
	// CodeUnauthenticated and CodeUnauthorized share a wire name and differ in status.
	CodeUnauthenticated
	CodeUnauthorized
	CodeCaptchaTokenMissing
	CodeCaptchaSecretMissing
	CodeCaptchaHTTPError
	CodeCaptchaFailed
	CodeCaptchaRequestFailed
	CodeRateLimited
	CodeIdempotencyKeyRequired
	CodeIdempotentRequestDuplicate
	CodeIdempotencyKeyConflict
	CodeValidationFailed
	CodeStoreUnavailable
	CodeEnqueueFailed
)

type codeInfo struct {
	name   string
	status int
}

var codes = map[Code]codeInfo{
	CodeNone:                       {"", http.StatusOK},
	CodeTemplateIDMissing:          {"template_id_missing", http.StatusBadRequest},
	CodeTemplatePolicyNotFound:     {"template_policy_not_found", http.StatusNotFound},
	CodeTemplateContextMissing:     {"template_context_missing", http.StatusInternalServerError},
	CodePolicyUnavailable:          {"policy_unavailable", http.StatusServiceUnavailable},
	CodeCORSRejected:               {"cors_rejected", http.StatusForbidden},
	CodeAttachmentsTooLarge:        {"attachments_too_large", http.StatusRequestEntityTooLarge},
	CodeCSRFTokenMissing:           {"csrf_token_missing", http.StatusForbidden},
	CodeCSRFTokenInvalid:           {"csrf_token_invalid", http.StatusForbidden},
	CodeUnauthenticated:            {"unauthorized_client", http.StatusUnauthorized},
	CodeUnauthorized:               {"unauthorized_client", http.StatusForbidden},
	CodeCaptchaTokenMissing:        {"captcha_token_missing", http.StatusForbidden},
	CodeCaptchaSecretMissing:       {"captcha_secret_missing", http.StatusForbidden},
	CodeCaptchaHTTPError:           {"captcha_http_error", http.StatusForbidden},
	CodeCaptchaFailed:              {"captcha_failed", http.StatusForbidden},
	CodeCaptchaRequestFailed:       {"captcha_request_failed", http.StatusForbidden},
	CodeRateLimited:                {"rate_limited", http.StatusTooManyRequests},
	CodeIdempotencyKeyRequired:     {"idempotency_key_required", http.StatusBadRequest},
	CodeIdempotentRequestDuplicate: {"idempotent_request_duplicate", http.StatusConflict},
	CodeIdempotencyKeyConflict:     {"idempotency_key_conflict", http.StatusConflict},
	CodeValidationFailed:           {"validation_failed", http.StatusBadRequest},
	CodeStoreUnavailable:           {"store_unavailable", http.StatusServiceUnavailable},
	CodeEnqueueFailed:              {"enqueue_failed", http.StatusServiceUnavailable},
}

// String returns the wire error name.
func (c Code) String() string {
	if info, ok := codes[c]; ok {
		return info.name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Status maps the code to its HTTP status. Unknown codes are internal errors.
func (c Code) Status() int {
	if info, ok := codes[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}
