package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"formgate/pkg/admission"
	"formgate/pkg/audit"
	"formgate/pkg/auth"
	"formgate/pkg/captcha"
	"formgate/pkg/config"
	"formgate/pkg/csrf"
	"formgate/pkg/hardening"
	"formgate/pkg/httpx"
	"formgate/pkg/idempotency"
	"formgate/pkg/logging"
	"formgate/pkg/metrics"
	"formgate/pkg/policy"
	"formgate/pkg/queue"
	"formgate/pkg/ratelimit"
	"formgate/pkg/store"
	"formgate/pkg/stream"
	"formgate/pkg/telemetry"
)

const serviceName = "formgate"

type gatewayDeps struct {
	initTelemetry func(ctx context.Context, opts telemetry.Options, logger *zap.Logger) (func(context.Context) error, error)
	openRedis     func(ctx context.Context, opts store.RedisOptions) (*redis.Client, error)
	openAudit     func(ctx context.Context, dsn string, requireTLS bool) (*pgxpool.Pool, error)
	listen        func(ctx context.Context, server *http.Server, shutdownTimeout time.Duration) error
}

// Testable variables for main()
var (
	logFatalf   = log.Fatalf
	loadConfig  = config.Load
	defaultDeps = gatewayDeps{
		initTelemetry: telemetry.Init,
		openRedis:     store.NewRedis,
		openAudit:     store.NewPostgresPool,
		listen:        serveUntilSignal,
	}
)

func main() {
	cfg, err := loadConfig(os.Getenv(config.EnvConfigPath))
	if err != nil {
		logFatalf("formgate: %v", err)
		return
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		logFatalf("formgate: logger: %v", err)
		return
	}
	defer func() { _ = logger.Sync() }()
	if err := runGateway(context.Background(), cfg, logger, defaultDeps); err != nil {
		logFatalf("formgate: %v", err)
	}
}

func runGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger, deps gatewayDeps) error {
	if deps.listen == nil {
		return errors.New("listen function required")
	}
	shutdown, err := deps.initTelemetry(ctx, telemetry.OptionsFromEnv(serviceName), logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := deps.openRedis(ctx, store.RedisOptions{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		RequireTLS: cfg.Redis.RequireTLS,
		TLS: store.TLSOptions{
			Enabled:       cfg.Redis.TLS.Enabled,
			Insecure:      cfg.Redis.TLS.Insecure,
			AllowInsecure: cfg.Redis.TLS.AllowInsecure,
			ServerName:    cfg.Redis.TLS.ServerName,
			CAFile:        cfg.Redis.TLS.CAFile,
			CertFile:      cfg.Redis.TLS.CertFile,
			KeyFile:       cfg.Redis.TLS.KeyFile,
		},
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()
	kv := store.NewRedisKV(redisClient, cfg.Redis.Namespace)

	httpClient := telemetry.InstrumentClient(&http.Client{})
	secrets := buildSecrets(cfg, httpClient)

	resolver := policy.NewFileResolver(cfg.Policies.Path, cfg.Policies.CacheTTL)
	policies, err := resolver.Policies()
	if err != nil {
		return fmt.Errorf("policies: %w", err)
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               serviceName,
		Environment:           cfg.Environment,
		Relaxed:               cfg.Hardening.Relaxed,
		RedisRequireTLS:       cfg.Redis.RequireTLS,
		RedisTLSInsecure:      cfg.Redis.TLS.Insecure,
		RedisAllowInsecureTLS: cfg.Redis.TLS.AllowInsecure,
		AuditDatabaseURL:      cfg.Audit.DatabaseURL,
		AuditRequireTLS:       cfg.Audit.RequireTLS,
		AdminToken:            cfg.Admin.Token,
		EventsEnabled:         cfg.WS.Enabled,
		Policies:              policies,
		SecretPresent: func(name string) bool {
			_, err := auth.LookupSecret(ctx, secrets, name, cfg.Auth.SecretTimeout)
			return err == nil
		},
	}); err != nil {
		return err
	}

	enqueuer, err := buildQueue(cfg, redisClient)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer func() { _ = enqueuer.Close() }()

	var sink audit.Sink = audit.Nop{Logger: logger}
	if cfg.Audit.DatabaseURL != "" {
		pool, err := deps.openAudit(ctx, cfg.Audit.DatabaseURL, cfg.Audit.RequireTLS)
		if err != nil {
			return fmt.Errorf("audit db: %w", err)
		}
		defer pool.Close()
		writer := &audit.Writer{DB: pool, HashSalt: []byte(cfg.Audit.HashSalt), Logger: logger}
		if err := writer.EnsureTable(ctx); err != nil {
			return err
		}
		sink = writer
	} else {
		logger.Warn("audit.database_url not set, audit rows are discarded")
	}

	tokens := csrf.NewStore(kv)
	s := &Server{
		Policies:     resolver,
		Reloader:     resolver,
		Tokens:       tokens,
		Queue:        enqueuer,
		QueueBackend: cfg.Queue.Backend,
		Audit:        sink,
		Metrics:      metrics.NewRegistry(),
		Events:       stream.NewHub(),
		EventsOn:     cfg.WS.Enabled,
		WSOrigins:    stream.OriginPatterns(cfg.WS.AllowedOrigins),
		Logger:       logger,
		ClientIPs:    httpx.ClientIPResolver{TrustedProxies: httpx.ParseCIDRs(cfg.TrustedProxyCIDRs)},
		Ready:        kv.Ping,
		AdminToken:   cfg.Admin.Token,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}
	s.Pipeline = admission.NewPipeline(admission.Dependencies{
		Tokens:        tokens,
		Verifier:      auth.NewVerifier(secrets, cfg.Auth.SecretTimeout),
		Captcha:       captcha.NewClient(httpClient, cfg.Captcha.Timeout),
		Secrets:       secrets,
		SecretTimeout: cfg.Auth.SecretTimeout,
		Limiter:       ratelimit.NewStoreLimiter(kv),
		Keys:          idempotency.NewStore(kv),
		Logger:        logger,
	}, s.observeDecision)
	s.CSRFPipeline = admission.NewPipelineWithGuards(logger, []admission.Guard{admission.CORS{}}, s.observeDecision)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           telemetry.HTTPMiddleware(serviceName)(s.Router()),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	logger.Info("formgate listening",
		zap.String("addr", cfg.Addr),
		zap.Strings("templates", policies.IDs()),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("namespace", kv.Namespace()),
	)
	return deps.listen(ctx, server, cfg.HTTP.ShutdownTimeout)
}

func buildSecrets(cfg *config.Config, httpClient *http.Client) auth.SecretSource {
	env := auth.EnvSecrets{}
	if cfg.Auth.Vault.Addr == "" {
		return env
	}
	return auth.ChainSecrets{env, auth.VaultSecrets{
		Client:     httpClient,
		Addr:       cfg.Auth.Vault.Addr,
		Token:      cfg.Auth.Vault.Token,
		Namespace:  cfg.Auth.Vault.Namespace,
		Mount:      cfg.Auth.Vault.Mount,
		Path:       cfg.Auth.Vault.Path,
		Timeout:    cfg.Auth.Vault.Timeout,
		MaxRetries: 1,
		RetryDelay: 100 * time.Millisecond,
	}}
}

func buildQueue(cfg *config.Config, client *redis.Client) (queue.Enqueuer, error) {
	switch cfg.Queue.Backend {
	case "kafka":
		return queue.NewKafka(queue.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
	case "redis", "":
		return queue.NewRedisStream(client, cfg.Redis.Namespace, cfg.Queue.Stream, cfg.Queue.MaxLen), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// serveUntilSignal runs server until ctx ends or SIGINT/SIGTERM arrives, then
// drains in-flight requests for at most shutdownTimeout.
func serveUntilSignal(ctx context.Context, server *http.Server, shutdownTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
