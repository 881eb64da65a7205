package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	FHIRServerURL        string        `mapstructure:"FHIR_SERVER_URL"`
	TerminologyServerURL string        `mapstructure:"TERMINOLOGY_SERVER_URL"`
	AnswerPolicy         string        `mapstructure:"VALUESET_ANSWER_POLICY"`
	FetchTimeout         time.Duration `mapstructure:"FETCH_TIMEOUT"`
	MaxTemplateDepth     int           `mapstructure:"MAX_TEMPLATE_DEPTH"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxBodySize          string        `mapstructure:"MAX_BODY_SIZE"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins          []string      `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TERMINOLOGY_SERVER_URL", "https://tx.ontoserver.csiro.au/fhir")
	v.SetDefault("VALUESET_ANSWER_POLICY", "strict")
	v.SetDefault("FETCH_TIMEOUT", "30s")
	v.SetDefault("MAX_TEMPLATE_DEPTH", 64)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("MAX_BODY_SIZE", "10M")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "*")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "FHIR_SERVER_URL", "TERMINOLOGY_SERVER_URL",
		"VALUESET_ANSWER_POLICY", "FETCH_TIMEOUT", "MAX_TEMPLATE_DEPTH",
		"REQUEST_TIMEOUT", "MAX_BODY_SIZE",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

// LocalTerminology reports whether ValueSet expansion uses the built-in
// terminology service instead of a remote server.
func (c *Config) LocalTerminology() bool {
	return c.TerminologyServerURL == "local"
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesDatabase reports whether questionnaires are stored in Postgres.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate rejects settings the populate service cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.AnswerPolicy) {
	case "", "strict", "lenient":
	default:
		return fmt.Errorf("VALUESET_ANSWER_POLICY must be \"strict\" or \"lenient\", got %q", c.AnswerPolicy)
	}
	if c.MaxTemplateDepth <= 0 {
		return fmt.Errorf("MAX_TEMPLATE_DEPTH must be positive, got %d", c.MaxTemplateDepth)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
