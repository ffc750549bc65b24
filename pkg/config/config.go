// Package config loads gateway settings from defaults, an optional YAML file and FORMGATE_* variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"formgate/pkg/logging"
)

const (
	EnvPrefix     = "FORMGATE_"
	EnvConfigPath = "FORMGATE_CONFIG"
)

type Config struct {
	Addr              string          `koanf:"addr"`
	Environment       string          `koanf:"environment"`
	Log               LogConfig       `koanf:"log"`
	Redis             RedisConfig     `koanf:"redis"`
	Policies          PoliciesConfig  `koanf:"policies"`
	HTTP              HTTPConfig      `koanf:"http"`
	Captcha           CaptchaConfig   `koanf:"captcha"`
	Auth              AuthConfig      `koanf:"auth"`
	Queue             QueueConfig     `koanf:"queue"`
	Kafka             KafkaConfig     `koanf:"kafka"`
	Audit             AuditConfig     `koanf:"audit"`
	TrustedProxyCIDRs []string        `koanf:"trusted_proxy_cidrs"`
	Admin             AdminConfig     `koanf:"admin"`
	WS                WSConfig        `koanf:"ws"`
	Hardening         HardeningConfig `koanf:"hardening"`
}

type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

type RedisConfig struct {
	Addr       string         `koanf:"addr"`
	Password   string         `koanf:"password"`
	DB         int            `koanf:"db"`
	Namespace  string         `koanf:"namespace"`
	RequireTLS bool           `koanf:"require_tls"`
	TLS        RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Insecure      bool   `koanf:"insecure"`
	AllowInsecure bool   `koanf:"allow_insecure"`
	ServerName    string `koanf:"server_name"`
	CAFile        string `koanf:"ca_file"`
	CertFile      string `koanf:"cert_file"`
	KeyFile       string `koanf:"key_file"`
}

type PoliciesConfig struct {
	Path     string        `koanf:"path"`
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

type HTTPConfig struct {
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	// MaxBodyBytes caps how much of any request body is read, whatever the template allows.
	MaxBodyBytes int64 `koanf:"max_body_bytes"`
}

type CaptchaConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

type AuthConfig struct {
	SecretTimeout time.Duration `koanf:"secret_timeout"`
	Vault         VaultConfig   `koanf:"vault"`
}

// VaultConfig enables a KV v2 secret source consulted after the environment.
type VaultConfig struct {
	Addr      string        `koanf:"addr"`
	Token     string        `koanf:"token"`
	Namespace string        `koanf:"namespace"`
	Mount     string        `koanf:"mount"`
	Path      string        `koanf:"path"`
	Timeout   time.Duration `koanf:"timeout"`
}

type QueueConfig struct {
	Backend string `koanf:"backend"`
	Stream  string `koanf:"stream"`
	MaxLen  int64  `koanf:"max_len"`
}

type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

type AuditConfig struct {
	DatabaseURL string `koanf:"database_url"`
	HashSalt    string `koanf:"hash_salt"`
	RequireTLS  bool   `koanf:"require_tls"`
}

type AdminConfig struct {
	Token string `koanf:"token"`
}

type WSConfig struct {
	Enabled        bool     `koanf:"enabled"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type HardeningConfig struct {
	Relaxed bool `koanf:"relaxed"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":                     ":8080",
		"environment":              "development",
		"log.level":                "info",
		"log.development":          false,
		"redis.addr":               "localhost:6379",
		"redis.password":           "",
		"redis.db":                 0,
		"redis.namespace":          "formgate",
		"redis.require_tls":        false,
		"redis.tls.enabled":        false,
		"redis.tls.insecure":       false,
		"redis.tls.allow_insecure": false,
		"redis.tls.server_name":    "",
		"redis.tls.ca_file":        "",
		"redis.tls.cert_file":      "",
		"redis.tls.key_file":       "",
		"policies.path":            "policies.json",
		"policies.cache_ttl":       time.Duration(0),
		"http.read_header_timeout": 5 * time.Second,
		"http.read_timeout":        15 * time.Second,
		"http.write_timeout":       30 * time.Second,
		"http.idle_timeout":        120 * time.Second,
		"http.shutdown_timeout":    10 * time.Second,
		"http.max_body_bytes":      int64(25 << 20),
		"captcha.timeout":          5 * time.Second,
		"auth.secret_timeout":      2 * time.Second,
		"auth.vault.addr":          "",
		"auth.vault.token":         "",
		"auth.vault.namespace":     "",
		"auth.vault.mount":         "secret",
		"auth.vault.path":          "formgate",
		"auth.vault.timeout":       2 * time.Second,
		"queue.backend":            "redis",
		"queue.stream":             "mail:queue",
		"queue.max_len":            int64(100000),
		"kafka.brokers":            []string{},
		"kafka.topic":              "formgate.mail",
		"audit.database_url":       "",
		"audit.hash_salt":          "",
		"audit.require_tls":        false,
		"trusted_proxy_cidrs":      []string{},
		"admin.token":              "",
		"ws.enabled":               false,
		"ws.allowed_origins":       []string{},
		"hardening.relaxed":        false,
	}
}

// Load reads defaults, then path when it exists, then the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to access config file %s: %w", path, err)
		}
	}

	// FORMGATE_REDIS_REQUIRE_TLS -> redis.require_tls. Known keys are matched
	// exactly so underscores inside a key survive.
	envKeys := make(map[string]string, len(k.Keys()))
	for _, key := range k.Keys() {
		envKeys[strings.ReplaceAll(key, ".", "_")] = key
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		if key, ok := envKeys[s]; ok {
			return key
		}
		return strings.ReplaceAll(s, "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.TrustedProxyCIDRs = splitList(cfg.TrustedProxyCIDRs)
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.WS.AllowedOrigins = splitList(cfg.WS.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, errors.New("redis.db must be >= 0"))
	}
	if strings.TrimSpace(c.Policies.Path) == "" {
		errs = append(errs, errors.New("policies.path is required"))
	}
	if c.Policies.CacheTTL < 0 {
		errs = append(errs, errors.New("policies.cache_ttl must be >= 0"))
	}
	for name, d := range map[string]time.Duration{
		"http.read_header_timeout": c.HTTP.ReadHeaderTimeout,
		"http.read_timeout":        c.HTTP.ReadTimeout,
		"http.write_timeout":       c.HTTP.WriteTimeout,
		"http.idle_timeout":        c.HTTP.IdleTimeout,
		"http.shutdown_timeout":    c.HTTP.ShutdownTimeout,
		"captcha.timeout":          c.Captcha.Timeout,
		"auth.secret_timeout":      c.Auth.SecretTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	switch c.Queue.Backend {
	case "redis":
		if c.Queue.MaxLen < 0 {
			errs = append(errs, errors.New("queue.max_len must be >= 0"))
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required when queue.backend=kafka"))
		}
		if strings.TrimSpace(c.Kafka.Topic) == "" {
			errs = append(errs, errors.New("kafka.topic is required when queue.backend=kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be redis or kafka, got %q", c.Queue.Backend))
	}
	for _, entry := range c.TrustedProxyCIDRs {
		if _, _, err := net.ParseCIDR(entry); err != nil && net.ParseIP(entry) == nil {
			errs = append(errs, fmt.Errorf("trusted_proxy_cidrs: invalid entry %q", entry))
		}
	}
	if c.Auth.Vault.Addr != "" && c.Auth.Vault.Token == "" {
		errs = append(errs, errors.New("auth.vault.token is required when auth.vault.addr is set"))
	}
	return errors.Join(errs...)
}

// splitList flattens comma-separated entries, as delivered by environment variables.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
