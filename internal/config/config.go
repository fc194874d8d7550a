// Package config loads familybankd settings: defaults, then an optional
// YAML file named by CONFIG_FILE, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	IPAllowlist     []string      `yaml:"ip_allowlist"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	TLSClientCAFile string        `yaml:"tls_client_ca_file"`

	Storage     string `yaml:"storage"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`

	JWTIssuer         string        `yaml:"jwt_issuer"`
	JWTPrivateKeyFile string        `yaml:"jwt_private_key_file"`
	TokenTTL          time.Duration `yaml:"token_ttl"`

	RateLimitCapacity int     `yaml:"rate_limit_capacity"`
	RateLimitRefill   float64 `yaml:"rate_limit_refill"`

	BootstrapAdminEmail    string `yaml:"bootstrap_admin_email"`
	BootstrapAdminPassword string `yaml:"bootstrap_admin_password"`

	MaturitySweepInterval time.Duration `yaml:"maturity_sweep_interval"`

	Rates RateDefaults `yaml:"rates"`
}

// RateDefaults seeds the rates of newly opened accounts, as fractions.
type RateDefaults struct {
	Checking          float64 `yaml:"checking"`
	Savings           float64 `yaml:"savings"`
	CollegeSavings    float64 `yaml:"college_savings"`
	Penalty           float64 `yaml:"penalty"`
	CDPenalty         float64 `yaml:"cd_penalty"`
	SavingsLockupDays int     `yaml:"savings_lockup_days"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Environment:           "development",
		LogLevel:              "info",
		HTTPAddr:              ":8080",
		GRPCAddr:              ":9090",
		ShutdownTimeout:       10 * time.Second,
		MaxBodyBytes:          1 << 20,
		Storage:               StorageMemory,
		JWTIssuer:             "family-bank",
		TokenTTL:              15 * time.Minute,
		RateLimitCapacity:     60,
		RateLimitRefill:       1,
		MaturitySweepInterval: time.Hour,
		Rates: RateDefaults{
			Savings:        0.02,
			CollegeSavings: 0.04,
			Penalty:        0.15,
			CDPenalty:      0.10,
		},
	}
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom is Load with an injectable environment lookup.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path := getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = strings.Split(v, ",")
		}
	}

	var problems []string
	parse := func(key string, fn func(string) error) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if err := fn(v); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", key, err))
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		parse(key, func(v string) (err error) { *dst, err = time.ParseDuration(v); return })
	}
	float := func(key string, dst *float64) {
		parse(key, func(v string) (err error) { *dst, err = strconv.ParseFloat(v, 64); return })
	}
	integer := func(key string, dst *int) {
		parse(key, func(v string) (err error) { *dst, err = strconv.Atoi(v); return })
	}

	str("APP_ENV", &c.Environment)
	str("LOG_LEVEL", &c.LogLevel)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	parse("MAX_BODY_BYTES", func(v string) (err error) { c.MaxBodyBytes, err = strconv.ParseInt(v, 10, 64); return })
	list("IP_ALLOWLIST", &c.IPAllowlist)
	list("TRUSTED_PROXIES", &c.TrustedProxies)
	str("TLS_CERT_FILE", &c.TLSCertFile)
	str("TLS_KEY_FILE", &c.TLSKeyFile)
	str("TLS_CLIENT_CA_FILE", &c.TLSClientCAFile)
	str("STORAGE", &c.Storage)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_ADDR", &c.RedisAddr)
	str("JWT_ISSUER", &c.JWTIssuer)
	str("JWT_PRIVATE_KEY_FILE", &c.JWTPrivateKeyFile)
	duration("TOKEN_TTL", &c.TokenTTL)
	integer("RATE_LIMIT_CAPACITY", &c.RateLimitCapacity)
	float("RATE_LIMIT_REFILL", &c.RateLimitRefill)
	str("BOOTSTRAP_ADMIN_EMAIL", &c.BootstrapAdminEmail)
	str("BOOTSTRAP_ADMIN_PASSWORD", &c.BootstrapAdminPassword)
	duration("MATURITY_SWEEP_INTERVAL", &c.MaturitySweepInterval)
	float("DEFAULT_CHECKING_RATE", &c.Rates.Checking)
	float("DEFAULT_SAVINGS_RATE", &c.Rates.Savings)
	float("DEFAULT_COLLEGE_SAVINGS_RATE", &c.Rates.CollegeSavings)
	float("DEFAULT_PENALTY_RATE", &c.Rates.Penalty)
	float("DEFAULT_CD_PENALTY_RATE", &c.Rates.CDPenalty)
	integer("DEFAULT_SAVINGS_LOCKUP_DAYS", &c.Rates.SavingsLockupDays)

	if len(problems) > 0 {
		return errors.New("invalid environment variables: " + strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction reports whether the environment needs durable, shared
// infrastructure.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.Storage == StoragePostgres && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if (c.BootstrapAdminEmail == "") != (c.BootstrapAdminPassword == "") {
		missing = append(missing, "BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD together")
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	switch c.Storage {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("STORAGE must be memory or postgres; got %q", c.Storage)
	}

	if c.IsProduction() {
		if c.Storage != StoragePostgres {
			return errors.New("STORAGE must be postgres in " + c.Environment)
		}
		if c.JWTPrivateKeyFile == "" {
			missing = append(missing, "JWT_PRIVATE_KEY_FILE")
		}
		if c.RedisAddr == "" {
			missing = append(missing, "REDIS_ADDR")
		}
		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}
	for name, r := range map[string]float64{
		"DEFAULT_CHECKING_RATE":        c.Rates.Checking,
		"DEFAULT_SAVINGS_RATE":         c.Rates.Savings,
		"DEFAULT_COLLEGE_SAVINGS_RATE": c.Rates.CollegeSavings,
		"DEFAULT_PENALTY_RATE":         c.Rates.Penalty,
		"DEFAULT_CD_PENALTY_RATE":      c.Rates.CDPenalty,
	} {
		if r < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	return nil
}
