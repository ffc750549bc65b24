// Package admission runs the ordered guard chain that decides whether a form
// submission may be enqueued.
package admission

import (
	"context"
	"net/http"
	"strconv"
)

// Result is a guard verdict. The zero Code means continue.
type Result struct {
	Code    Code
	Headers http.Header
	// Reason refines CodeValidationFailed.
	Reason string
	// Err is the upstream cause, logged but never sent to clients.
	Err error
}

func Continue() Result { return Result{} }

func Reject(code Code) Result { return Result{Code: code} }

func RejectErr(code Code, err error) Result { return Result{Code: code, Err: err} }

func (r Result) Rejected() bool { return r.Code != CodeNone }

func (r Result) Status() int { return r.Code.Status() }

func (r Result) withHeader(key, value string) Result {
	if r.Headers == nil {
		r.Headers = http.Header{}
	}
	r.Headers.Set(key, value)
	return r
}

// RetryAfter returns the Retry-After seconds when present.
func (r Result) RetryAfter() (int, bool) {
	if r.Headers == nil {
		return 0, false
	}
	v := r.Headers.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

// Guard is one stage of the chain.
type Guard interface {
	Name() string
	Check(ctx context.Context, req *Request, actx *Context) Result
}

// preflightGuard marks guards that also run for OPTIONS requests.
type preflightGuard interface {
	RunsOnPreflight() bool
}

func runsOnPreflight(g Guard) bool {
	p, ok := g.(preflightGuard)
	return ok && p.RunsOnPreflight()
}
