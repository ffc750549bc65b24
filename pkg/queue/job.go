// Package queue hands admitted submissions to the asynchronous delivery backend.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"formgate/pkg/mail"
)

// ErrEnqueueFailed wraps every backend failure. Callers answer 503.
var ErrEnqueueFailed = errors.New("enqueue failed")

// Enqueuer accepts a job for delivery and returns its id.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) (string, error)
	Close() error
}

type Metadata struct {
	Origin     string `json:"origin,omitempty"`
	IPHash     string `json:"ipHash,omitempty"`
	IdemKey    string `json:"idemKey,omitempty"`
	ReceivedAt string `json:"receivedAt"`
	LatencyMs  int64  `json:"latencyMs"`
	ToHash     string `json:"toHash"`
}

// Job is the delivery worker's input. Caller addresses are kept in hashed form only.
type Job struct {
	ID          string            `json:"id"`
	TemplateID  string            `json:"templateId"`
	To          []string          `json:"to"`
	Cc          []string          `json:"cc,omitempty"`
	Bcc         []string          `json:"bcc,omitempty"`
	Subject     string            `json:"subject"`
	Fields      map[string]any    `json:"fields"`
	Attachments []mail.Attachment `json:"attachments"`
	Metadata    Metadata          `json:"metadata"`
	Priority    int               `json:"priority,omitempty"`
}

// Source carries request facts that end up hashed or copied into job metadata.
type Source struct {
	Origin         string
	ClientIP       string
	IdempotencyKey string
	ReceivedAt     time.Time
}

// NewJob builds a job for sub. now is used for the latency measurement.
func NewJob(templateID string, sub *mail.Submission, src Source, priority int, now time.Time) Job {
	meta := Metadata{
		Origin:     src.Origin,
		IdemKey:    src.IdempotencyKey,
		ReceivedAt: src.ReceivedAt.UTC().Format(time.RFC3339Nano),
		LatencyMs:  now.Sub(src.ReceivedAt).Milliseconds(),
		ToHash:     HashHex(strings.Join(sub.To, ",")),
	}
	if src.ClientIP != "" {
		meta.IPHash = HashHex(src.ClientIP)
	}
	return Job{
		TemplateID:  templateID,
		To:          sub.To,
		Cc:          sub.Cc,
		Bcc:         sub.Bcc,
		Subject:     sub.Subject,
		Fields:      sub.Fields,
		Attachments: sub.Attachments,
		Metadata:    meta,
		Priority:    priority,
	}
}

// HashHex returns the hex SHA-256 of s.
func HashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func assignID(job *Job) string {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return job.ID
}
