// Package config loads the gateway configuration: a YAML base file, a
// .env file for local development, and environment-variable overrides on
// top. Secrets only ever come from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Routing    RoutingConfig    `yaml:"routing"`
	Billing    BillingConfig    `yaml:"billing"`
	Settlement SettlementConfig `yaml:"settlement"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	Limits     LimitsConfig     `yaml:"limits"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"` // development | production
}

type ProvidersConfig struct {
	AnthropicBaseURL string   `yaml:"anthropic_base_url"`
	AnthropicAPIKey  string   `yaml:"-"`
	OpenAIBaseURL    string   `yaml:"openai_base_url"`
	OpenAIAPIKey     string   `yaml:"-"`
	Disabled         []string `yaml:"disabled"`
}

type RoutingConfig struct {
	TablePath    string `yaml:"table_path"`
	PricingPath  string `yaml:"pricing_path"`
	TenantsPath  string `yaml:"tenants_path"`
	BudgetPolicy string `yaml:"budget_policy"` // reject | downgrade
	DefaultModel string `yaml:"default_model"`
}

type BillingConfig struct {
	WALDir             string `yaml:"wal_dir"`
	MaxFinalizeRetries int    `yaml:"max_finalize_retries"`
	RetainParkedDays   int    `yaml:"retain_parked_days"`
}

type SettlementConfig struct {
	BaseURL       string `yaml:"base_url"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	SigningKeyPEM string `yaml:"-"` // ES256 private key, env only
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret       string `yaml:"-"`
	ChallengeSecret string `yaml:"-"`
	PayRecipient    string `yaml:"pay_recipient"`
	PayChainID      int64  `yaml:"pay_chain_id"`
}

type LimitsConfig struct {
	MaxCallsPerMinute int           `yaml:"max_calls_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	MaxWallTime       time.Duration `yaml:"max_wall_time"`
}

// Load reads path (optional), then .env, then environment overrides.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Port, "PORT")
	set(&c.Server.Env, "APP_ENV")
	set(&c.Providers.AnthropicBaseURL, "ANTHROPIC_BASE_URL")
	set(&c.Providers.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	set(&c.Providers.OpenAIBaseURL, "OPENAI_BASE_URL")
	set(&c.Providers.OpenAIAPIKey, "OPENAI_API_KEY")
	set(&c.Routing.TablePath, "ROUTING_TABLE_PATH")
	set(&c.Routing.PricingPath, "PRICING_TABLE_PATH")
	set(&c.Routing.TenantsPath, "TENANTS_PATH")
	set(&c.Routing.BudgetPolicy, "BUDGET_POLICY")
	set(&c.Billing.WALDir, "WAL_DIR")
	set(&c.Settlement.BaseURL, "SETTLEMENT_BASE_URL")
	set(&c.Settlement.SigningKeyPEM, "SETTLEMENT_SIGNING_KEY")
	set(&c.Redis.Addr, "REDIS_ADDR")
	set(&c.Redis.Password, "REDIS_PASSWORD")
	set(&c.Auth.JWTSecret, "JWT_SECRET")
	set(&c.Auth.ChallengeSecret, "CHALLENGE_SECRET")
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Providers.AnthropicBaseURL == "" {
		c.Providers.AnthropicBaseURL = "https://api.anthropic.com"
	}
	if c.Routing.BudgetPolicy == "" {
		c.Routing.BudgetPolicy = "reject"
	}
	if c.Billing.WALDir == "" {
		c.Billing.WALDir = "data/wal"
	}
	if c.Billing.MaxFinalizeRetries == 0 {
		c.Billing.MaxFinalizeRetries = 5
	}
	if c.Billing.RetainParkedDays == 0 {
		c.Billing.RetainParkedDays = 7
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Limits.MaxCallsPerMinute == 0 {
		c.Limits.MaxCallsPerMinute = 60
	}
	if c.Limits.MaxWallTime == 0 {
		c.Limits.MaxWallTime = 5 * time.Minute
	}
}

// Production reports whether the deployment environment is production;
// some startup failures are fatal only there.
func (c *Config) Production() bool { return c.Server.Env == "production" }

// Validate reports fatal configuration problems.
func (c *Config) Validate() error {
	if c.Routing.BudgetPolicy != "reject" && c.Routing.BudgetPolicy != "downgrade" {
		return fmt.Errorf("config: budget_policy must be reject or downgrade, got %q", c.Routing.BudgetPolicy)
	}
	if c.Routing.TablePath == "" {
		return fmt.Errorf("config: routing table_path is required")
	}
	if c.Production() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("config: JWT_SECRET is required in production")
		}
		if c.Settlement.BaseURL != "" && c.Settlement.SigningKeyPEM == "" {
			return fmt.Errorf("config: SETTLEMENT_SIGNING_KEY is required when settlement is configured")
		}
	}
	return nil
}
