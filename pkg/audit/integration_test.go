//go:build integration

package audit

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 120s ./pkg/audit/...
func TestWriterWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("formgate"),
		postgres.WithUsername("formgate"),
		postgres.WithPassword("formgate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	w := &Writer{DB: pool, HashSalt: []byte("salt")}
	if err := w.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	if err := w.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure table is not idempotent: %v", err)
	}

	entry := Entry{
		TemplateID:         "contact",
		Origin:             "https://app.example",
		ClientIP:           "203.0.113.7",
		Recipients:         []string{"a@example.com"},
		OK:                 false,
		ErrorCode:          "rate_limited",
		LatencyMs:          7,
		AttachmentsCount:   2,
		AttachmentsTotalMB: 1.23456,
		Metadata:           map[string]any{"guard": "rate_limit"},
	}
	if err := w.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	row, err := w.Latest(ctx, "contact")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if row.OK || row.ErrorCode == nil || *row.ErrorCode != "rate_limited" {
		t.Fatalf("unexpected row %+v", row)
	}
	if row.IPHash == nil || *row.IPHash != hashString("203.0.113.7", []byte("salt")) {
		t.Fatalf("unexpected ip hash %v", row.IPHash)
	}
	if row.IdempotencyKey != nil {
		t.Fatalf("expected NULL idem key, got %v", *row.IdempotencyKey)
	}
	if row.AttachmentsTotalMB != 1.235 || row.AttachmentsCount != 2 {
		t.Fatalf("unexpected attachment columns %+v", row)
	}
}
