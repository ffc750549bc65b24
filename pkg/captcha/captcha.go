// Package captcha verifies challenge responses with hCaptcha or reCAPTCHA.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"formgate/pkg/httpx"
	"formgate/pkg/policy"
)

const (
	HCaptchaEndpoint  = "https://hcaptcha.com/siteverify"
	ReCaptchaEndpoint = "https://www.google.com/recaptcha/api/siteverify"

	defaultTimeout = 5 * time.Second
)

var (
	// ErrHTTPStatus means the provider answered with a non-2xx status.
	ErrHTTPStatus = errors.New("captcha provider http error")
	// ErrFailed means the provider rejected the response token.
	ErrFailed = errors.New("captcha verification failed")
	// ErrRequestFailed covers transport errors, timeouts and undecodable replies.
	ErrRequestFailed = errors.New("captcha request failed")
)

// Result carries the provider's verdict details for logging.
type Result struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Hostname   string   `json:"hostname"`
}

type Verifier interface {
	Verify(ctx context.Context, provider policy.CaptchaProvider, secret, token, remoteIP string) (Result, error)
}

// Client posts to the provider's siteverify endpoint. It never retries.
type Client struct {
	HTTP      *http.Client
	Timeout   time.Duration
	Endpoints map[policy.CaptchaProvider]string
}

func NewClient(httpClient *http.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		HTTP:    httpClient,
		Timeout: timeout,
		Endpoints: map[policy.CaptchaProvider]string{
			policy.ProviderHCaptcha:  HCaptchaEndpoint,
			policy.ProviderReCaptcha: ReCaptchaEndpoint,
		},
	}
}

func (c *Client) Verify(ctx context.Context, provider policy.CaptchaProvider, secret, token, remoteIP string) (Result, error) {
	endpoint, ok := c.Endpoints[provider]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown provider %q", ErrRequestFailed, provider)
	}
	form := url.Values{}
	form.Set("secret", secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	status, body, err := httpx.PostForm(ctx, c.HTTP, endpoint, form, 0, 0)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	if status < 200 || status > 299 {
		return Result{}, fmt.Errorf("%w: status=%d", ErrHTTPStatus, status)
	}
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return Result{}, fmt.Errorf("%w: decode: %w", ErrRequestFailed, err)
	}
	if !res.Success {
		return res, ErrFailed
	}
	return res, nil
}
