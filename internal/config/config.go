// Package config loads medsim settings from an optional config file and
// MEDSIM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/abhisek/medsim/internal/llm"
	"github.com/abhisek/medsim/internal/logging"
	"github.com/abhisek/medsim/internal/remote"
)

// EnvPrefix prefixes every environment variable. Nested keys join with an
// underscore: llm.anthropic.api_key is MEDSIM_LLM_ANTHROPIC_API_KEY.
const EnvPrefix = "MEDSIM"

type Config struct {
	DBPath   string `mapstructure:"db"`
	DeviceID string `mapstructure:"device_id"`

	Log      LogConfig      `mapstructure:"log"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Sync     SyncConfig     `mapstructure:"sync"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Narrator NarratorConfig `mapstructure:"narrator"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RemoteConfig struct {
	Driver           string `mapstructure:"driver"`
	SupabaseURL      string `mapstructure:"supabase_url"`
	SupabaseKey      string `mapstructure:"supabase_key"`
	PostgresDSN      string `mapstructure:"postgres_dsn"`
	PostgresMaxConns int32  `mapstructure:"postgres_max_conns"`
	PostgresMinConns int32  `mapstructure:"postgres_min_conns"`
}

type FeedConfig struct {
	Type     string `mapstructure:"type"`
	RedisURL string `mapstructure:"redis_url"`
}

type SyncConfig struct {
	ParseWorkers int           `mapstructure:"parse_workers"`
	PushTimeout  time.Duration `mapstructure:"push_timeout"`
	RetryOnStart bool          `mapstructure:"retry_on_start"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type LLMConfig struct {
	Provider    string         `mapstructure:"provider"`
	Anthropic   ProviderConfig `mapstructure:"anthropic"`
	OpenAI      ProviderConfig `mapstructure:"openai"`
	Gemini      ProviderConfig `mapstructure:"gemini"`
	OpenRouter  ProviderConfig `mapstructure:"openrouter"`
	Timeout     time.Duration  `mapstructure:"timeout"`
	MaxAttempts int            `mapstructure:"max_attempts"`
}

type NarratorConfig struct {
	Language    string  `mapstructure:"language"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type HTTPConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	JWTSecret   string   `mapstructure:"jwt_secret"`
	JWTIssuer   string   `mapstructure:"jwt_issuer"`
}

func setDefaults(v *viper.Viper) {
	llmDef := llm.DefaultConfig()

	v.SetDefault("db", "")
	v.SetDefault("device_id", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatText)

	v.SetDefault("remote.driver", string(remote.DriverMemory))
	v.SetDefault("remote.supabase_url", "")
	v.SetDefault("remote.supabase_key", "")
	v.SetDefault("remote.postgres_dsn", "")
	v.SetDefault("remote.postgres_max_conns", 10)
	v.SetDefault("remote.postgres_min_conns", 1)

	v.SetDefault("feed.type", string(remote.FeedNone))
	v.SetDefault("feed.redis_url", "")

	v.SetDefault("sync.parse_workers", 4)
	v.SetDefault("sync.push_timeout", "15s")
	v.SetDefault("sync.retry_on_start", true)

	v.SetDefault("llm.provider", "")
	for name, model := range map[string]string{
		"anthropic":  llmDef.Anthropic.Model,
		"openai":     llmDef.OpenAI.Model,
		"gemini":     llmDef.Gemini.Model,
		"openrouter": llmDef.OpenRouter.Model,
	} {
		v.SetDefault("llm."+name+".api_key", "")
		v.SetDefault("llm."+name+".model", model)
		v.SetDefault("llm."+name+".base_url", "")
	}
	v.SetDefault("llm.timeout", llmDef.Timeout.String())
	v.SetDefault("llm.max_attempts", llmDef.Retry.MaxAttempts)

	v.SetDefault("narrator.language", "English")
	v.SetDefault("narrator.max_tokens", 400)
	v.SetDefault("narrator.temperature", 0.7)

	v.SetDefault("http.addr", "127.0.0.1:8080")
	v.SetDefault("http.cors_origins", "http://localhost:3000")
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("http.jwt_issuer", "medsim")
}

// Load reads configuration. When path is empty, medsim.yaml is looked up
// in the working directory and the user config directory and is optional.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("medsim")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "medsim"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.HTTP.CORSOrigins) == 1 && strings.Contains(cfg.HTTP.CORSOrigins[0], ",") {
		cfg.HTTP.CORSOrigins = strings.Split(cfg.HTTP.CORSOrigins[0], ",")
	}
	return cfg, nil
}

// Validate checks that the selected drivers have what they need.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("MEDSIM_LOG_FORMAT must be %q or %q, got %q", logging.FormatText, logging.FormatJSON, c.Log.Format)
	}

	switch remote.Driver(c.Remote.Driver) {
	case remote.DriverMemory:
	case remote.DriverSupabase:
		if c.Remote.SupabaseURL == "" || c.Remote.SupabaseKey == "" {
			return fmt.Errorf("MEDSIM_REMOTE_SUPABASE_URL and MEDSIM_REMOTE_SUPABASE_KEY are required for the supabase driver")
		}
	case remote.DriverPostgres:
		if c.Remote.PostgresDSN == "" {
			return fmt.Errorf("MEDSIM_REMOTE_POSTGRES_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("MEDSIM_REMOTE_DRIVER must be memory, supabase, or postgres, got %q", c.Remote.Driver)
	}

	switch remote.FeedType(c.Feed.Type) {
	case remote.FeedNone, remote.FeedMemory:
	case remote.FeedRedis:
		if c.Feed.RedisURL == "" {
			return fmt.Errorf("MEDSIM_FEED_REDIS_URL is required for the redis feed")
		}
	default:
		return fmt.Errorf("MEDSIM_FEED_TYPE must be none, memory, or redis, got %q", c.Feed.Type)
	}

	if c.Sync.ParseWorkers < 1 {
		return fmt.Errorf("MEDSIM_SYNC_PARSE_WORKERS must be at least 1, got %d", c.Sync.ParseWorkers)
	}
	if c.Sync.PushTimeout <= 0 {
		return fmt.Errorf("MEDSIM_SYNC_PUSH_TIMEOUT must be positive")
	}
	return nil
}

// ValidateServer additionally checks what the HTTP bridge needs.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("MEDSIM_HTTP_ADDR is required")
	}
	if len(c.HTTP.JWTSecret) < 32 {
		return fmt.Errorf("MEDSIM_HTTP_JWT_SECRET must be at least 32 characters")
	}
	return nil
}

// LLMConfig maps the LLM settings onto llm.Config, keeping the package
// defaults for anything unset.
func (c *Config) LLMConfig() llm.Config {
	out := llm.DefaultConfig()
	if c.LLM.Provider != "" {
		out.Provider = c.LLM.Provider
	}
	out.Anthropic.APIKey = c.LLM.Anthropic.APIKey
	out.OpenAI.APIKey = c.LLM.OpenAI.APIKey
	out.OpenAI.BaseURL = c.LLM.OpenAI.BaseURL
	out.Gemini.APIKey = c.LLM.Gemini.APIKey
	out.OpenRouter.APIKey = c.LLM.OpenRouter.APIKey
	out.OpenRouter.BaseURL = c.LLM.OpenRouter.BaseURL
	setIf(&out.Anthropic.Model, c.LLM.Anthropic.Model)
	setIf(&out.OpenAI.Model, c.LLM.OpenAI.Model)
	setIf(&out.Gemini.Model, c.LLM.Gemini.Model)
	setIf(&out.OpenRouter.Model, c.LLM.OpenRouter.Model)
	if c.LLM.Timeout > 0 {
		out.Timeout = c.LLM.Timeout
	}
	if c.LLM.MaxAttempts > 0 {
		out.Retry.MaxAttempts = c.LLM.MaxAttempts
	}
	return out
}

// RemoteOptions returns the options for remote.NewStore and remote.NewFeed.
func (c *Config) RemoteOptions() []remote.Option {
	var opts []remote.Option
	switch remote.Driver(c.Remote.Driver) {
	case remote.DriverSupabase:
		opts = append(opts, remote.WithSupabase(c.Remote.SupabaseURL, c.Remote.SupabaseKey))
	case remote.DriverPostgres:
		opts = append(opts, remote.WithPostgres(remote.PostgresConfig{
			DSN:      c.Remote.PostgresDSN,
			MaxConns: c.Remote.PostgresMaxConns,
			MinConns: c.Remote.PostgresMinConns,
		}))
	}
	if c.Feed.RedisURL != "" {
		opts = append(opts, remote.WithRedisURL(c.Feed.RedisURL))
	}
	return opts
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
