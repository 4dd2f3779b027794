package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/crd/internal/platform/fhir"
)

// Definition store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Engine result shapes.
const (
	ResultShapeCarePlan   = "careplan"
	ResultShapeParameters = "parameters"
)

type Config struct {
	Port     string   `mapstructure:"PORT"`
	Env      string   `mapstructure:"ENV"`
	LogLevel string   `mapstructure:"LOG_LEVEL"`
	Store    string   `mapstructure:"DEFINITION_STORE"`
	DBSchema string   `mapstructure:"DB_SCHEMA"`
	SeedDirs []string `mapstructure:"SEED_DIRS"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	DTRLaunchURL          string        `mapstructure:"DTR_LAUNCH_URL"`
	EmptyPayerPolicy      string        `mapstructure:"EMPTY_PAYER_POLICY"`
	DefinitionPageSize    int           `mapstructure:"DEFINITION_PAGE_SIZE"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RemoteReadTimeout     time.Duration `mapstructure:"REMOTE_READ_TIMEOUT"`
	EngineTimeout         time.Duration `mapstructure:"ENGINE_TIMEOUT"`
	EngineResultShape     string        `mapstructure:"ENGINE_RESULT_SHAPE"`
	RemoteBreakerFailures uint32        `mapstructure:"REMOTE_BREAKER_FAILURES"`
	AutoPrefetch          bool          `mapstructure:"AUTO_PREFETCH"`

	CDSAuthEnabled    bool     `mapstructure:"CDS_AUTH_ENABLED"`
	CDSTrustedIssuers []string `mapstructure:"CDS_TRUSTED_ISSUERS"`
	CDSAuthAudience   string   `mapstructure:"CDS_AUTH_AUDIENCE"`
	CDSJWKSURL        string   `mapstructure:"CDS_JWKS_URL"`
	CDSSigningKey     string   `mapstructure:"CDS_SIGNING_KEY"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	MetricsEnabled bool     `mapstructure:"METRICS_ENABLED"`
	OTLPEndpoint   string   `mapstructure:"OTLP_ENDPOINT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DEFINITION_STORE", "DB_SCHEMA", "SEED_DIRS",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DTR_LAUNCH_URL", "EMPTY_PAYER_POLICY", "DEFINITION_PAGE_SIZE",
	"REQUEST_TIMEOUT", "REMOTE_READ_TIMEOUT", "ENGINE_TIMEOUT", "ENGINE_RESULT_SHAPE",
	"REMOTE_BREAKER_FAILURES", "AUTO_PREFETCH",
	"CDS_AUTH_ENABLED", "CDS_TRUSTED_ISSUERS", "CDS_AUTH_AUDIENCE", "CDS_JWKS_URL", "CDS_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "METRICS_ENABLED", "OTLP_ENDPOINT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEFINITION_STORE", StorePostgres)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DTR_LAUNCH_URL", "http://localhost:3005/launch")
	v.SetDefault("EMPTY_PAYER_POLICY", string(fhir.EmptyClauseMatchNone))
	v.SetDefault("DEFINITION_PAGE_SIZE", 50)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("REMOTE_READ_TIMEOUT", "5s")
	v.SetDefault("ENGINE_TIMEOUT", "10s")
	v.SetDefault("ENGINE_RESULT_SHAPE", ResultShapeCarePlan)
	v.SetDefault("REMOTE_BREAKER_FAILURES", 3)
	v.SetDefault("AUTO_PREFETCH", true)
	v.SetDefault("CDS_AUTH_ENABLED", false)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.SeedDirs = splitList(cfg.SeedDirs, v.GetString("SEED_DIRS"))
	cfg.CDSTrustedIssuers = splitList(cfg.CDSTrustedIssuers, v.GetString("CDS_TRUSTED_ISSUERS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList normalizes a comma separated setting, whether viper decoded it
// into a list or left it as one string.
func splitList(decoded []string, raw string) []string {
	if len(decoded) > 0 {
		raw = strings.Join(decoded, ",")
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PayerPolicy returns the parsed EMPTY_PAYER_POLICY.
func (c *Config) PayerPolicy() fhir.EmptyClausePolicy {
	p, err := fhir.ParseEmptyClausePolicy(c.EmptyPayerPolicy)
	if err != nil {
		return fhir.EmptyClauseMatchNone
	}
	return p
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DEFINITION_STORE is %q", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("DEFINITION_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if _, err := fhir.ParseEmptyClausePolicy(c.EmptyPayerPolicy); err != nil {
		return fmt.Errorf("EMPTY_PAYER_POLICY: %w", err)
	}
	if c.DefinitionPageSize <= 0 {
		return fmt.Errorf("DEFINITION_PAGE_SIZE must be positive, got %d", c.DefinitionPageSize)
	}
	if c.RequestTimeout <= 0 || c.RemoteReadTimeout <= 0 || c.EngineTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT, REMOTE_READ_TIMEOUT and ENGINE_TIMEOUT must be positive")
	}

	switch c.EngineResultShape {
	case "", ResultShapeCarePlan, ResultShapeParameters:
	default:
		return fmt.Errorf("ENGINE_RESULT_SHAPE must be %q or %q, got %q", ResultShapeCarePlan, ResultShapeParameters, c.EngineResultShape)
	}

	if c.CDSAuthEnabled {
		if len(c.CDSTrustedIssuers) == 0 {
			return fmt.Errorf("CDS_TRUSTED_ISSUERS is required when CDS_AUTH_ENABLED is true")
		}
		if c.CDSJWKSURL == "" && c.CDSSigningKey == "" {
			return fmt.Errorf("CDS_JWKS_URL or CDS_SIGNING_KEY is required when CDS_AUTH_ENABLED is true")
		}
		if c.CDSSigningKey != "" && c.IsProduction() {
			return fmt.Errorf("CDS_SIGNING_KEY is for development only; use CDS_JWKS_URL in production")
		}
	}
	return nil
}
