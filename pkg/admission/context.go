package admission

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"formgate/pkg/policy"
)

const (
	TemplateHeader = "X-Template-Id"
	TemplateQuery  = "templateId"
)

// Source designates where the template id is read from.
type Source int

const (
	FromHeader Source = iota
	FromQuery
)

// Context binds a request to its template policy. It is built once per request
// and treated as read-only afterwards.
type Context struct {
	TemplateID string
	Policy     *policy.TemplatePolicy
}

// Request is the transport-neutral view of an inbound submission.
type Request struct {
	Method     string
	Header     http.Header
	Body       []byte
	ClientIP   string
	ReceivedAt time.Time
}

func (r *Request) Origin() string { return strings.TrimSpace(r.Header.Get("Origin")) }

// TemplateID extracts the id from the designated source. A blank header falls
// back to the query parameter.
func TemplateID(header http.Header, query url.Values, source Source) string {
	if source == FromHeader {
		if id := strings.TrimSpace(header.Get(TemplateHeader)); id != "" {
			return id
		}
	}
	return strings.TrimSpace(query.Get(TemplateQuery))
}

// Resolve builds the admission context. Unknown templates are terminal and no
// guard runs for them.
func Resolve(ctx context.Context, resolver policy.Resolver, templateID string) (*Context, Result) {
	if templateID == "" {
		return nil, Reject(CodeTemplateIDMissing)
	}
	p, err := resolver.Resolve(ctx, templateID)
	if errors.Is(err, policy.ErrNotFound) {
		return nil, Reject(CodeTemplatePolicyNotFound)
	}
	if err != nil {
		return nil, RejectErr(CodePolicyUnavailable, err)
	}
	return &Context{TemplateID: templateID, Policy: p}, Continue()
}
