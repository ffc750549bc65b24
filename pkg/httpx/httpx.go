// Package httpx holds the HTTP plumbing shared by the gateway handlers.
package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// Fixed CORS surface advertised to every allowed origin.
var (
	CORSAllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	CORSAllowedHeaders = []string{"Content-Type", "X-CSRF-Token", "Authorization", "Idempotency-Key", "X-Captcha-Token", "X-Template-Id"}
	CORSExposedHeaders = []string{"Idempotency-Key"}
	CORSMaxAgeSeconds  = 600
)

// SecurityHeadersMiddleware applies baseline hardening headers to API responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// IsPreflight reports whether r is a CORS preflight request.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions
}

// ApplyCORS writes the response headers for an admitted origin. An empty origin
// writes nothing.
func ApplyCORS(h http.Header, origin string, allowCredentials, preflight bool) {
	if origin == "" {
		return
	}
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Origin", origin)
	if allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if !preflight {
		h.Set("Access-Control-Expose-Headers", strings.Join(CORSExposedHeaders, ","))
		return
	}
	h.Add("Vary", "Access-Control-Request-Method")
	h.Add("Vary", "Access-Control-Request-Headers")
	h.Set("Access-Control-Allow-Methods", strings.Join(CORSAllowedMethods, ","))
	h.Set("Access-Control-Allow-Headers", strings.Join(CORSAllowedHeaders, ","))
	h.Set("Access-Control-Max-Age", strconv.Itoa(CORSMaxAgeSeconds))
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorBody is the JSON shape of every rejection.
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func Error(w http.ResponseWriter, status int, code string) {
	WriteJSON(w, status, ErrorBody{Error: code})
}

func ErrorWithReason(w http.ResponseWriter, status int, code, reason string) {
	WriteJSON(w, status, ErrorBody{Error: code, Reason: reason})
}
