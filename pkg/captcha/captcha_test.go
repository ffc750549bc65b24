package captcha

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"formgate/pkg/policy"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(srv.Client(), time.Second)
	c.Endpoints = map[policy.CaptchaProvider]string{
		policy.ProviderHCaptcha:  srv.URL + "/hcaptcha",
		policy.ProviderReCaptcha: srv.URL + "/recaptcha",
	}
	return c
}

func TestVerifySuccessSendsForm(t *testing.T) {
	var gotPath, gotRemote string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotPath = r.URL.Path
		gotRemote = r.PostForm.Get("remoteip")
		if r.PostForm.Get("secret") != "sk" || r.PostForm.Get("response") != "tok" {
			_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-secret"]}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"hostname":"example.com"}`))
	})
	res, err := c.Verify(context.Background(), policy.ProviderReCaptcha, "sk", "tok", "203.0.113.1")
	if err != nil || !res.Success || res.Hostname != "example.com" {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if gotPath != "/recaptcha" || gotRemote != "203.0.113.1" {
		t.Fatalf("unexpected request path=%q remoteip=%q", gotPath, gotRemote)
	}
}

func TestVerifyOmitsEmptyRemoteIP(t *testing.T) {
	present := true
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		_, present = r.PostForm["remoteip"]
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	if _, err := c.Verify(context.Background(), policy.ProviderHCaptcha, "sk", "tok", ""); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if present {
		t.Fatal("remoteip must be omitted when unknown")
	}
}

func TestVerifyFailures(t *testing.T) {
	cases := []struct {
		name string
		h    http.HandlerFunc
		want error
	}{
		{"rejected", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
		}, ErrFailed},
		{"http error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, ErrHTTPStatus},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		}, ErrRequestFailed},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}, ErrRequestFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, tc.h)
			c.Timeout = 50 * time.Millisecond
			res, err := c.Verify(context.Background(), policy.ProviderHCaptcha, "sk", "tok", "")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if tc.want == ErrFailed && len(res.ErrorCodes) != 1 {
				t.Fatalf("expected provider error codes, got %+v", res)
			}
		})
	}
}

func TestVerifyUnknownProvider(t *testing.T) {
	c := NewClient(nil, 0)
	if c.Timeout != defaultTimeout {
		t.Fatalf("expected default timeout, got %v", c.Timeout)
	}
	if _, err := c.Verify(context.Background(), "turnstile", "sk", "tok", ""); !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected request failure, got %v", err)
	}
	if c.Endpoints[policy.ProviderHCaptcha] != HCaptchaEndpoint || c.Endpoints[policy.ProviderReCaptcha] != ReCaptchaEndpoint {
		t.Fatal("unexpected default endpoints")
	}
}
