package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"formgate/pkg/audit"
	"formgate/pkg/hardening"
	"formgate/pkg/idempotency"
	"formgate/pkg/policy"
	"formgate/pkg/store"
)

type auditPool interface {
	audit.DB
	Close()
}

// Testable variables for main()
var (
	osExit      = os.Exit
	lookupEnv   = os.LookupEnv
	openAuditDB = func(ctx context.Context, dsn string, requireTLS bool) (auditPool, error) {
		return store.NewPostgresPool(ctx, dsn, requireTLS)
	}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "validate":
		return validatePolicies(args[1:], out)
	case "sign-token":
		return signToken(args[1:], out)
	case "hash-payload":
		return hashPayload(args[1:], out)
	case "migrate-audit":
		return migrateAudit(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "formgatectl commands:")
	fmt.Fprintln(out, "  validate --policies policies.json [--strict]")
	fmt.Fprintln(out, "  sign-token --secret-env CONTACT_JWT_SECRET [--issuer iss] [--audience aud] [--subject sub] [--ttl 5m]")
	fmt.Fprintln(out, "  hash-payload --body body.json")
	fmt.Fprintln(out, "  migrate-audit --database-url postgres://... [--require-tls]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func validatePolicies(args []string, out io.Writer) error {
	fs := newFlagSet("validate")
	path := fs.String("policies", "", "policy file (.json, .yaml, .yml)")
	strict := fs.Bool("strict", false, "apply production origin and secret rules")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("policies required")
	}
	set, err := policy.LoadFile(*path)
	if err != nil {
		return err
	}
	if *strict {
		present := func(name string) bool {
			v, ok := lookupEnv(name)
			return ok && v != ""
		}
		if err := hardening.ValidatePolicies("formgatectl", set, present); err != nil {
			return err
		}
	}
	ids := set.IDs()
	fmt.Fprintf(out, "%d templates ok: %s\n", len(ids), strings.Join(ids, ", "))
	return nil
}

func signToken(args []string, out io.Writer) error {
	fs := newFlagSet("sign-token")
	secretEnv := fs.String("secret-env", "", "environment variable holding the shared secret")
	issuer := fs.String("issuer", "", "iss claim")
	audience := fs.String("audience", "", "aud claim")
	subject := fs.String("subject", "", "sub claim")
	ttl := fs.Duration("ttl", 5*time.Minute, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secretEnv == "" {
		return errors.New("secret-env required")
	}
	if *ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	secret, ok := lookupEnv(*secretEnv)
	if !ok || secret == "" {
		return fmt.Errorf("secret %s not set", *secretEnv)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
		Issuer:    *issuer,
		Subject:   *subject,
	}
	if *audience != "" {
		claims.Audience = jwt.ClaimStrings{*audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(out, signed)
	return nil
}

func hashPayload(args []string, out io.Writer) error {
	fs := newFlagSet("hash-payload")
	bodyPath := fs.String("body", "", "request body file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bodyPath == "" {
		return errors.New("body required")
	}
	raw, err := os.ReadFile(*bodyPath)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	hash, err := idempotency.HashPayload(raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hash)
	return nil
}

func migrateAudit(args []string, out io.Writer) error {
	fs := newFlagSet("migrate-audit")
	dsn := fs.String("database-url", "", "audit database DSN")
	requireTLS := fs.Bool("require-tls", false, "refuse DSNs without sslmode=require|verify-ca|verify-full")
	timeout := fs.Duration("timeout", 20*time.Second, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dsn == "" {
		if v, ok := lookupEnv("FORMGATE_AUDIT_DATABASE_URL"); ok {
			*dsn = v
		}
	}
	if *dsn == "" {
		return errors.New("database-url required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := openAuditDB(ctx, *dsn, *requireTLS)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()
	w := &audit.Writer{DB: pool}
	if err := w.EnsureTable(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "mail_audit table ready")
	return nil
}
