package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"formgate/pkg/auth"
	"formgate/pkg/idempotency"
	"formgate/pkg/policy"
)

const samplePolicies = `{
  "contact": {
    "name": "Contact",
    "allowedOrigins": ["https://www.example.com"],
    "maxBodyBytes": 1024,
    "auth": {"type": "jwt", "sharedSecretEnv": "CONTACT_JWT_SECRET"},
    "attachments": {"mode": "object-store", "maxCount": 1}
  }
}`

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	orig := lookupEnv
	lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	t.Cleanup(func() { lookupEnv = orig })
}

func TestRunCommandRouting(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, &out); err == nil {
		t.Fatal("expected error when command is missing")
	}
	if !strings.Contains(out.String(), "formgatectl commands") {
		t.Fatalf("expected usage output, got %q", out.String())
	}

	out.Reset()
	if err := run([]string{"unknown"}, &out); err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(out.String(), "formgatectl commands") {
		t.Fatalf("expected usage output for unknown command, got %q", out.String())
	}
}

func TestValidatePolicies(t *testing.T) {
	path := writeFile(t, "policies.json", samplePolicies)

	var out bytes.Buffer
	if err := run([]string{"validate", "--policies", path}, &out); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out.String() != "1 templates ok: contact\n" {
		t.Fatalf("unexpected output %q", out.String())
	}

	withEnv(t, map[string]string{})
	if err := run([]string{"validate", "--policies", path, "--strict"}, &out); err == nil || !strings.Contains(err.Error(), "CONTACT_JWT_SECRET") {
		t.Fatalf("expected strict mode to require the secret, got %v", err)
	}
	withEnv(t, map[string]string{"CONTACT_JWT_SECRET": "s3cret"})
	if err := run([]string{"validate", "--policies", path, "--strict"}, &out); err != nil {
		t.Fatalf("expected strict validation to pass, got %v", err)
	}

	if err := run([]string{"validate"}, &out); err == nil {
		t.Fatal("expected error without --policies")
	}
	bad := writeFile(t, "bad.json", `{"contact":{"name":"x"}}`)
	if err := run([]string{"validate", "--policies", bad}, &out); err == nil {
		t.Fatal("expected invalid policy file to fail")
	}
}

func TestSignTokenVerifies(t *testing.T) {
	env := map[string]string{"CONTACT_JWT_SECRET": "s3cret"}
	withEnv(t, env)

	var out bytes.Buffer
	err := run([]string{"sign-token", "--secret-env", "CONTACT_JWT_SECRET", "--issuer", "app", "--audience", "formgate", "--subject", "user-1"}, &out)
	if err != nil {
		t.Fatalf("sign-token: %v", err)
	}
	token := strings.TrimSpace(out.String())

	verifier := auth.NewVerifier(auth.EnvSecrets{Lookup: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}, 0)
	claims, err := verifier.Verify(context.Background(), token, policy.JWTAuth{
		Issuer:          "app",
		Audience:        "formgate",
		SharedSecretEnv: "CONTACT_JWT_SECRET",
		Required:        true,
	})
	if err != nil {
		t.Fatalf("expected token to verify, got %v", err)
	}
	if claims["sub"] != "user-1" {
		t.Fatalf("unexpected claims %v", claims)
	}
}

func TestSignTokenErrors(t *testing.T) {
	withEnv(t, map[string]string{})
	var out bytes.Buffer
	cases := [][]string{
		{"sign-token"},
		{"sign-token", "--secret-env", "MISSING"},
		{"sign-token", "--secret-env", "MISSING", "--ttl", "-1s"},
		{"sign-token", "--bogus"},
	}
	for _, args := range cases {
		if err := run(args, &out); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}

func TestHashPayloadMatchesGateway(t *testing.T) {
	body := `{"b":2, "a":1}`
	path := writeFile(t, "body.json", body)
	var out bytes.Buffer
	if err := run([]string{"hash-payload", "--body", path}, &out); err != nil {
		t.Fatalf("hash-payload: %v", err)
	}
	want, err := idempotency.HashPayload([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if strings.TrimSpace(out.String()) != want {
		t.Fatalf("expected canonical hash %s, got %s", want, out.String())
	}

	if err := run([]string{"hash-payload"}, &out); err == nil {
		t.Fatal("expected error without --body")
	}
	if err := run([]string{"hash-payload", "--body", filepath.Join(t.TempDir(), "missing.json")}, &out); err == nil {
		t.Fatal("expected read error")
	}
	notJSON := writeFile(t, "body.txt", "not json")
	if err := run([]string{"hash-payload", "--body", notJSON}, &out); err == nil {
		t.Fatal("expected non-JSON body to fail")
	}
}

type fakePool struct {
	execErr error
	execs   []string
	closed  bool
}

func (f *fakePool) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (f *fakePool) Close() { f.closed = true }

func TestMigrateAudit(t *testing.T) {
	orig := openAuditDB
	t.Cleanup(func() { openAuditDB = orig })

	pool := &fakePool{}
	var gotDSN string
	openAuditDB = func(_ context.Context, dsn string, _ bool) (auditPool, error) {
		gotDSN = dsn
		return pool, nil
	}
	withEnv(t, map[string]string{"FORMGATE_AUDIT_DATABASE_URL": "postgres://env/audit"})

	var out bytes.Buffer
	if err := run([]string{"migrate-audit"}, &out); err != nil {
		t.Fatalf("migrate-audit: %v", err)
	}
	if gotDSN != "postgres://env/audit" || !pool.closed || len(pool.execs) != 1 || !strings.Contains(pool.execs[0], "mail_audit") {
		t.Fatalf("unexpected migration run dsn=%q pool=%+v", gotDSN, pool)
	}

	pool.execErr = errors.New("permission denied")
	if err := run([]string{"migrate-audit", "--database-url", "postgres://flag/audit"}, &out); err == nil || gotDSN != "postgres://flag/audit" {
		t.Fatalf("expected exec failure with flag dsn, got %v (%s)", err, gotDSN)
	}

	openAuditDB = func(context.Context, string, bool) (auditPool, error) { return nil, errors.New("refused") }
	if err := run([]string{"migrate-audit", "--database-url", "postgres://x"}, &out); err == nil || !strings.Contains(err.Error(), "db: refused") {
		t.Fatalf("expected open failure, got %v", err)
	}

	withEnv(t, map[string]string{})
	if err := run([]string{"migrate-audit"}, &out); err == nil {
		t.Fatal("expected error without a database url")
	}
}

func TestMainExitsOnError(t *testing.T) {
	origExit, origArgs := osExit, os.Args
	t.Cleanup(func() { osExit, os.Args = origExit, origArgs })

	code := 0
	osExit = func(c int) { code = c }
	os.Args = []string{"formgatectl"}
	main()
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}
