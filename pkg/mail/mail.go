// Package mail validates send requests against a template's attachment policy.
package mail

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"formgate/pkg/policy"
)

const bytesPerMB = 1024 * 1024

// Reasons reported with validation failures.
const (
	ReasonBodyInvalid         = "body_invalid"
	ReasonCountExceeded       = "attachments_count_exceeded"
	ReasonTypeNotAllowed      = "attachment_type_not_allowed"
	ReasonContentMissing      = "attachment_content_missing"
	ReasonURLMissing          = "attachment_url_missing"
	ReasonAttachmentsTooLarge = "attachments_too_large"
)

var validate = validator.New()

// ValidationError describes why a submission was refused. TooLarge selects the
// 413 response instead of a plain validation failure.
type ValidationError struct {
	Reason   string
	TooLarge bool
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

type sendRequest struct {
	To          []string          `json:"to" validate:"required,min=1,dive,email"`
	Cc          []string          `json:"cc" validate:"omitempty,dive,email"`
	Bcc         []string          `json:"bcc" validate:"omitempty,dive,email"`
	Subject     *string           `json:"subject" validate:"required,max=500"`
	Fields      map[string]any    `json:"fields" validate:"required"`
	Attachments []attachmentInput `json:"attachments" validate:"omitempty,dive"`
}

type attachmentInput struct {
	Filename *string `json:"filename" validate:"required"`
	Mimetype *string `json:"mimetype" validate:"required"`
	Content  string  `json:"content"`
	URL      string  `json:"url" validate:"omitempty,url"`
}

// Attachment is a validated attachment as handed to the delivery queue.
type Attachment struct {
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
	Size     int64  `json:"size"`
	Base64   string `json:"base64,omitempty"`
	URL      string `json:"url,omitempty"`
}

type Submission struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Fields      map[string]any
	Attachments []Attachment
	TotalBytes  int64
}

func (s *Submission) TotalMB() float64 {
	return float64(s.TotalBytes) / bytesPerMB
}

// Parse decodes and validates raw against the attachment policy.
func Parse(raw []byte, rules policy.Attachments) (*Submission, error) {
	var req sendRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&req); err != nil {
		return nil, &ValidationError{Reason: ReasonBodyInvalid, Err: err}
	}
	if err := validate.Struct(req); err != nil {
		return nil, &ValidationError{Reason: fieldReason(err), Err: err}
	}
	maxCount, allowed := rules.Limits()
	if len(req.Attachments) > maxCount {
		return nil, &ValidationError{Reason: ReasonCountExceeded}
	}

	sub := &Submission{
		To:      req.To,
		Cc:      req.Cc,
		Bcc:     req.Bcc,
		Subject: *req.Subject,
		Fields:  req.Fields,
	}
	for i, in := range req.Attachments {
		if len(allowed) > 0 && !contains(allowed, *in.Mimetype) {
			return nil, &ValidationError{Reason: ReasonTypeNotAllowed, Err: fmt.Errorf("attachment %d: %s", i, *in.Mimetype)}
		}
		out := Attachment{Filename: *in.Filename, Mimetype: *in.Mimetype}
		switch rules.(type) {
		case policy.Base64Attachments:
			if in.Content == "" {
				return nil, &ValidationError{Reason: ReasonContentMissing, Err: fmt.Errorf("attachment %d", i)}
			}
			out.Size = Base64Size(in.Content)
			out.Base64 = in.Content
			sub.TotalBytes += out.Size
		case policy.ObjectStoreAttachments:
			if in.URL == "" {
				return nil, &ValidationError{Reason: ReasonURLMissing, Err: fmt.Errorf("attachment %d", i)}
			}
			out.URL = in.URL
		default:
			return nil, &ValidationError{Reason: ReasonBodyInvalid, Err: fmt.Errorf("unsupported attachment mode %T", rules)}
		}
		sub.Attachments = append(sub.Attachments, out)
	}
	if b64, ok := rules.(policy.Base64Attachments); ok && sub.TotalMB() > b64.MaxTotalMB {
		return nil, &ValidationError{Reason: ReasonAttachmentsTooLarge, TooLarge: true}
	}
	if sub.Attachments == nil {
		sub.Attachments = []Attachment{}
	}
	return sub, nil
}

// Base64Size estimates the decoded length of a base64 string without decoding it.
func Base64Size(s string) int64 {
	padding := len(s) - len(strings.TrimRight(s, "="))
	return int64(math.Floor(float64(len(s))*0.75)) - int64(padding)
}

func fieldReason(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.StructField()
		if i := strings.IndexByte(field, '['); i >= 0 {
			field = field[:i]
		}
		return strings.ToLower(field) + "_" + fe.Tag()
	}
	return ReasonBodyInvalid
}

func contains(items []string, target string) bool {
	for _, it := range items {
		if it == target {
			return true
		}
	}
	return false
}
