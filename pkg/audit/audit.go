// Package audit records admission outcomes in the relational mail_audit table.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const CategoryMailSend = "mail.send"

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS mail_audit (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		template_id TEXT NOT NULL,
		category TEXT NOT NULL,
		origin TEXT,
		ip_hash TEXT,
		to_hash TEXT,
		ok BOOLEAN NOT NULL,
		error_code TEXT,
		latency_ms INTEGER NOT NULL,
		idem_key TEXT,
		attachments_count INTEGER NOT NULL,
		attachments_total_mb NUMERIC(10, 3) NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb
	)
`

// DB is the subset of pgxpool.Pool the writer needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Sink receives one entry per admission outcome. Implementations never fail the request.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Entry is one audited submission. ClientIP and Recipients are hashed before storage.
type Entry struct {
	Timestamp          time.Time
	TemplateID         string
	Category           string
	Origin             string
	ClientIP           string
	Recipients         []string
	OK                 bool
	ErrorCode          string
	LatencyMs          int64
	IdempotencyKey     string
	AttachmentsCount   int
	AttachmentsTotalMB float64
	Metadata           map[string]any
}

// Row is the stored form of an Entry.
type Row struct {
	ID                 int64
	Timestamp          time.Time
	TemplateID         string
	Category           string
	Origin             *string
	IPHash             *string
	ToHash             *string
	OK                 bool
	ErrorCode          *string
	LatencyMs          int32
	IdempotencyKey     *string
	AttachmentsCount   int32
	AttachmentsTotalMB float64
	Metadata           json.RawMessage
}

type Writer struct {
	DB       DB
	HashSalt []byte
	Logger   *zap.Logger
}

func (w *Writer) EnsureTable(ctx context.Context) error {
	if _, err := w.DB.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("ensure mail_audit table: %w", err)
	}
	return nil
}

func (w *Writer) Append(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Category == "" {
		e.Category = CategoryMailSend
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaRaw, err := json.Marshal(redactMetadata(meta, w.HashSalt))
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO mail_audit
		(ts, template_id, category, origin, ip_hash, to_hash, ok, error_code, latency_ms, idem_key, attachments_count, attachments_total_mb, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, e.Timestamp, e.TemplateID, e.Category, nullable(e.Origin), nullable(hashString(e.ClientIP, w.HashSalt)),
		nullable(hashRecipients(e.Recipients, w.HashSalt)), e.OK, nullable(e.ErrorCode), e.LatencyMs,
		nullable(e.IdempotencyKey), e.AttachmentsCount, roundMB(e.AttachmentsTotalMB), metaRaw)
	if err != nil {
		return fmt.Errorf("insert mail_audit: %w", err)
	}
	return nil
}

// Record appends e and logs any failure.
func (w *Writer) Record(ctx context.Context, e Entry) {
	if err := w.Append(ctx, e); err != nil && w.Logger != nil {
		w.Logger.Error("failed to write audit log", zap.String("template_id", e.TemplateID), zap.Error(err))
	}
}

// Latest returns the newest row for templateID.
func (w *Writer) Latest(ctx context.Context, templateID string) (Row, error) {
	var r Row
	row := w.DB.QueryRow(ctx, `
		SELECT id, ts, template_id, category, origin, ip_hash, to_hash, ok, error_code, latency_ms, idem_key, attachments_count, attachments_total_mb::float8, metadata
		FROM mail_audit WHERE template_id=$1 ORDER BY id DESC LIMIT 1
	`, templateID)
	if err := row.Scan(&r.ID, &r.Timestamp, &r.TemplateID, &r.Category, &r.Origin, &r.IPHash, &r.ToHash, &r.OK,
		&r.ErrorCode, &r.LatencyMs, &r.IdempotencyKey, &r.AttachmentsCount, &r.AttachmentsTotalMB, &r.Metadata); err != nil {
		return r, err
	}
	return r, nil
}

// Nop discards entries. Used when no database is configured.
type Nop struct {
	Logger *zap.Logger
}

func (n Nop) Record(_ context.Context, e Entry) {
	if n.Logger != nil {
		n.Logger.Debug("skipping audit log (no database configured)", zap.String("template_id", e.TemplateID), zap.Bool("ok", e.OK))
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func roundMB(v float64) float64 {
	return math.Round(v*1000) / 1000
}
