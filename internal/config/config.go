// Package config loads the api binary's settings from an optional YAML file
// and FIELDOPS_* environment variables. Environment values win.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fieldops.org/internal/notify"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the full runtime configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	// TrustedProxies are addresses or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Log   LogConfig   `yaml:"log"`
	Auth  AuthConfig  `yaml:"auth"`
	Store StoreConfig `yaml:"store"`
	Mail  MailConfig  `yaml:"mail"`
	Rate  RateConfig  `yaml:"rate_limit"`
}

type LogConfig struct {
	Env   string `yaml:"env"`
	Level string `yaml:"level"`
}

type AuthConfig struct {
	Secret        string        `yaml:"secret"`
	Issuer        string        `yaml:"issuer"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	BcryptCost    int           `yaml:"bcrypt_cost"`
	OTPTTL        time.Duration `yaml:"otp_ttl"`
	LivenessCheck bool          `yaml:"liveness_check"`
	SweepSchedule string        `yaml:"sweep_schedule"`
	RevokedCache  int           `yaml:"revoked_cache_size"`
	FrontendURL   string        `yaml:"frontend_url"`
	VerifyURL     string        `yaml:"verify_url"`
}

// StoreConfig selects where principals and codes live. RedisURL, when set,
// moves the revocation ledger and OTPs to Redis regardless of Backend.
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type MailConfig struct {
	SMTP       notify.SMTPConfig  `yaml:"smtp"`
	Queue      notify.QueueConfig `yaml:"queue"`
	MXCheck    bool               `yaml:"mx_check"`
	MXCacheTTL time.Duration      `yaml:"mx_cache_ttl"`
}

type RateConfig struct {
	Burst     int `yaml:"burst"`
	PerSecond int `yaml:"per_second"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Log:      LogConfig{Env: "prod", Level: "info"},
		Auth: AuthConfig{
			Issuer:        "fieldops",
			TokenTTL:      7 * 24 * time.Hour,
			OTPTTL:        10 * time.Minute,
			SweepSchedule: "@hourly",
			RevokedCache:  4096,
			FrontendURL:   "http://localhost:3000",
			VerifyURL:     "http://localhost:8080/auth/verify-email",
		},
		Store: StoreConfig{Backend: BackendMemory},
		Mail:  MailConfig{MXCheck: true, MXCacheTTL: time.Hour},
		Rate:  RateConfig{Burst: 10, PerSecond: 5},
	}
}

// Load reads path (if non-empty) over the defaults, then applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("FIELDOPS_HTTP_ADDR", &cfg.HTTPAddr)
	str("FIELDOPS_GRPC_ADDR", &cfg.GRPCAddr)
	if v, ok := lookup("FIELDOPS_TRUSTED_PROXIES"); ok && strings.TrimSpace(v) != "" {
		cfg.TrustedProxies = nil
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				cfg.TrustedProxies = append(cfg.TrustedProxies, item)
			}
		}
	}
	str("FIELDOPS_LOG_ENV", &cfg.Log.Env)
	str("FIELDOPS_LOG_LEVEL", &cfg.Log.Level)

	str("FIELDOPS_AUTH_SECRET", &cfg.Auth.Secret)
	str("FIELDOPS_AUTH_ISSUER", &cfg.Auth.Issuer)
	dur("FIELDOPS_TOKEN_TTL", &cfg.Auth.TokenTTL)
	num("FIELDOPS_BCRYPT_COST", &cfg.Auth.BcryptCost)
	dur("FIELDOPS_OTP_TTL", &cfg.Auth.OTPTTL)
	flag("FIELDOPS_LIVENESS_CHECK", &cfg.Auth.LivenessCheck)
	str("FIELDOPS_SWEEP_SCHEDULE", &cfg.Auth.SweepSchedule)
	str("FIELDOPS_FRONTEND_URL", &cfg.Auth.FrontendURL)
	str("FIELDOPS_VERIFY_URL", &cfg.Auth.VerifyURL)

	str("FIELDOPS_STORE", &cfg.Store.Backend)
	str("FIELDOPS_PG_DSN", &cfg.Store.PostgresDSN)
	str("FIELDOPS_REDIS_URL", &cfg.Store.RedisURL)
	str("FIELDOPS_REDIS_PREFIX", &cfg.Store.RedisPrefix)

	str("FIELDOPS_SMTP_HOST", &cfg.Mail.SMTP.Host)
	num("FIELDOPS_SMTP_PORT", &cfg.Mail.SMTP.Port)
	str("FIELDOPS_SMTP_USERNAME", &cfg.Mail.SMTP.Username)
	str("FIELDOPS_SMTP_PASSWORD", &cfg.Mail.SMTP.Password)
	str("FIELDOPS_SMTP_FROM", &cfg.Mail.SMTP.FromAddress)
	flag("FIELDOPS_SMTP_STARTTLS", &cfg.Mail.SMTP.StartTLS)
	flag("FIELDOPS_MX_CHECK", &cfg.Mail.MXCheck)
	num("FIELDOPS_MAIL_WORKERS", &cfg.Mail.Queue.Workers)
	num("FIELDOPS_MAIL_QUEUE_CAPACITY", &cfg.Mail.Queue.Capacity)

	num("FIELDOPS_RATE_BURST", &cfg.Rate.Burst)
	num("FIELDOPS_RATE_PER_SECOND", &cfg.Rate.PerSecond)

	if cfg.Store.PostgresDSN != "" {
		if _, explicit := lookup("FIELDOPS_STORE"); !explicit && cfg.Store.Backend == BackendMemory {
			cfg.Store.Backend = BackendPostgres
		}
	}
	return errors.Join(errs...)
}

// Validate reports settings the api cannot start with.
func (c Config) Validate() error {
	var errs []error
	if len(strings.TrimSpace(c.Auth.Secret)) < 16 {
		errs = append(errs, errors.New("auth.secret must be at least 16 bytes"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not supported", c.Store.Backend))
	}
	if c.Rate.Burst <= 0 || c.Rate.PerSecond <= 0 {
		errs = append(errs, errors.New("rate_limit burst and per_second must be positive"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted_proxies: %w", err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
