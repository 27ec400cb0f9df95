package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Search     SearchConfig     `mapstructure:"search"`
	Market     MarketConfig     `mapstructure:"market"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Retention  RetentionConfig  `mapstructure:"retention"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address       string        `mapstructure:"address"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	StreamBackend string        `mapstructure:"stream_backend"` // memory or redis
	LockBackend   string        `mapstructure:"lock_backend"`   // memory or redis
	LockWait      time.Duration `mapstructure:"lock_wait"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	TurnTimeout   time.Duration `mapstructure:"turn_timeout"`
	MigrationsDir string        `mapstructure:"migrations_dir"`
}

func (s ServerConfig) Validate() error {
	switch s.StreamBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("server.stream_backend must be memory or redis, got %q", s.StreamBackend)
	}
	switch s.LockBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("server.lock_backend must be memory or redis, got %q", s.LockBackend)
	}
	if s.LockWait <= 0 {
		return fmt.Errorf("server.lock_wait must be > 0")
	}
	return nil
}

// LLMConfig configures the chat model used for every decision and synthesis call
type LLMConfig struct {
	Provider          string           `mapstructure:"provider"` // openai or any OpenAI-compatible endpoint
	APIKey            string           `mapstructure:"api_key"`
	BaseURL           string           `mapstructure:"base_url"`
	Models            LLMRoutingConfig `mapstructure:"models"`
	Temperature       float32          `mapstructure:"temperature"`
	MaxTokens         int              `mapstructure:"max_tokens"`
	Timeout           time.Duration    `mapstructure:"timeout"`
	StructuredRetries int              `mapstructure:"structured_retries"`
}

// LLMRoutingConfig defines which model to use for each role
type LLMRoutingConfig struct {
	Classify  string `mapstructure:"classify"`
	Research  string `mapstructure:"research"`
	Synthesis string `mapstructure:"synthesis"`
	Summary   string `mapstructure:"summary"`
	Naming    string `mapstructure:"naming"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Provider) != "openai" {
		return fmt.Errorf("llm.provider %q is not supported", l.Provider)
	}
	if strings.TrimSpace(l.Models.Classify) == "" || strings.TrimSpace(l.Models.Synthesis) == "" {
		return fmt.Errorf("llm.models.classify and llm.models.synthesis are required")
	}
	if l.StructuredRetries <= 0 {
		return fmt.Errorf("llm.structured_retries must be > 0")
	}
	if l.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be > 0")
	}
	return nil
}

// SearchConfig selects and tunes the web search provider
type SearchConfig struct {
	Provider      string        `mapstructure:"provider"` // brave, serper, tavily
	BraveAPIKey   string        `mapstructure:"brave_api_key"`
	SerperAPIKey  string        `mapstructure:"serper_api_key"`
	TavilyAPIKey  string        `mapstructure:"tavily_api_key"`
	MaxResults    int           `mapstructure:"max_results"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retries       int           `mapstructure:"retries"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Enrich        EnrichConfig  `mapstructure:"enrich"`
}

// EnrichConfig controls readable-text extraction for top search hits
type EnrichConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Renderer string        `mapstructure:"renderer"` // http or browser
	MaxChars int           `mapstructure:"max_chars"`
	TopN     int           `mapstructure:"top_n"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// APIKey returns the key matching the selected provider.
func (s SearchConfig) APIKey() string {
	switch s.Provider {
	case "brave":
		return s.BraveAPIKey
	case "serper":
		return s.SerperAPIKey
	case "tavily":
		return s.TavilyAPIKey
	}
	return ""
}

func (s SearchConfig) Validate() error {
	switch s.Provider {
	case "brave", "serper", "tavily":
	default:
		return fmt.Errorf("search.provider must be brave, serper or tavily, got %q", s.Provider)
	}
	if s.MaxResults <= 0 {
		return fmt.Errorf("search.max_results must be > 0")
	}
	if s.Enrich.Enabled {
		switch s.Enrich.Renderer {
		case "http", "browser":
		default:
			return fmt.Errorf("search.enrich.renderer must be http or browser, got %q", s.Enrich.Renderer)
		}
	}
	return nil
}

// MarketConfig configures the prediction-market research path
type MarketConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTags     int           `mapstructure:"max_tags"`
	PerTagLimit int           `mapstructure:"per_tag_limit"`
	TopK        int           `mapstructure:"top_k"`
	TagCacheTTL time.Duration `mapstructure:"tag_cache_ttl"`
}

func (m MarketConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if strings.TrimSpace(m.BaseURL) == "" {
		return fmt.Errorf("market.base_url required when market research is enabled")
	}
	if m.TopK <= 0 {
		return fmt.Errorf("market.top_k must be > 0")
	}
	return nil
}

// SupervisorConfig bounds the research loop
type SupervisorConfig struct {
	MaxIterations  int `mapstructure:"max_iterations"`
	ConciseBreadth int `mapstructure:"concise_breadth"`
	ReportBreadth  int `mapstructure:"report_breadth"`
	HistoryWindow  int `mapstructure:"history_window"`
}

func (s SupervisorConfig) Validate() error {
	if s.MaxIterations <= 0 {
		return fmt.Errorf("supervisor.max_iterations must be > 0")
	}
	if s.ConciseBreadth <= 0 || s.ReportBreadth < s.ConciseBreadth {
		return fmt.Errorf("supervisor breadth must satisfy 0 < concise_breadth <= report_breadth")
	}
	return nil
}

// MemoryConfig controls conversation history retention and summarisation
type MemoryConfig struct {
	HistoryCap int  `mapstructure:"history_cap"`
	Summarize  bool `mapstructure:"summarize"`
}

// StorageConfig contains storage backends
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Timeout      time.Duration `mapstructure:"timeout"`
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
}

// Enabled reports whether a Redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port must be >= 0")
	}
	return nil
}

// RetentionConfig schedules deletion of idle threads
type RetentionConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Cron     string `mapstructure:"cron"`
	IdleDays int    `mapstructure:"idle_days"`
}

func (r RetentionConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Cron) == "" {
		return fmt.Errorf("retention.cron required when retention is enabled")
	}
	if r.IdleDays <= 0 {
		return fmt.Errorf("retention.idle_days must be > 0")
	}
	return nil
}

// Validate checks every section and reports the first failure.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	checks := []func() error{
		c.Server.Validate,
		c.LLM.Validate,
		c.Search.Validate,
		c.Market.Validate,
		c.Supervisor.Validate,
		c.Storage.Redis.Validate,
		c.Telemetry.Validate,
		c.Retention.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	if c.Server.StreamBackend == "redis" && !c.Storage.Redis.Enabled() {
		return fmt.Errorf("server.stream_backend=redis requires storage.redis.host")
	}
	if c.Server.LockBackend == "redis" && !c.Storage.Redis.Enabled() {
		return fmt.Errorf("server.lock_backend=redis requires storage.redis.host")
	}
	return nil
}

// secretKeys have no meaningful default but must still be visible to
// AutomaticEnv during Unmarshal.
var secretKeys = []string{
	"server.jwt_secret",
	"llm.api_key",
	"llm.base_url",
	"search.brave_api_key",
	"search.serper_api_key",
	"search.tavily_api_key",
	"storage.redis.host",
	"storage.redis.password",
	"storage.postgres.url",
	"storage.postgres.host",
	"storage.postgres.user",
	"storage.postgres.password",
	"storage.postgres.dbname",
}

func setDefaults(v *viper.Viper) {
	for _, key := range secretKeys {
		v.SetDefault(key, "")
	}
	v.SetDefault("general.log_level", "info")

	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.stream_backend", "memory")
	v.SetDefault("server.lock_backend", "memory")
	v.SetDefault("server.lock_wait", 30*time.Second)
	v.SetDefault("server.lock_ttl", 10*time.Minute)
	v.SetDefault("server.turn_timeout", 10*time.Minute)
	v.SetDefault("server.migrations_dir", "file://migrations")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.models.classify", "gpt-4o-mini")
	v.SetDefault("llm.models.research", "gpt-4o-mini")
	v.SetDefault("llm.models.synthesis", "gpt-4o")
	v.SetDefault("llm.models.summary", "gpt-4o-mini")
	v.SetDefault("llm.models.naming", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", 90*time.Second)
	v.SetDefault("llm.structured_retries", 3)

	v.SetDefault("search.provider", "tavily")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.timeout", 20*time.Second)
	v.SetDefault("search.retries", 2)
	v.SetDefault("search.rate_per_second", 5.0)
	v.SetDefault("search.burst", 6)
	v.SetDefault("search.enrich.enabled", false)
	v.SetDefault("search.enrich.renderer", "http")
	v.SetDefault("search.enrich.max_chars", 4000)
	v.SetDefault("search.enrich.top_n", 2)
	v.SetDefault("search.enrich.timeout", 15*time.Second)

	v.SetDefault("market.enabled", false)
	v.SetDefault("market.base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("market.timeout", 20*time.Second)
	v.SetDefault("market.max_tags", 3)
	v.SetDefault("market.per_tag_limit", 20)
	v.SetDefault("market.top_k", 6)
	v.SetDefault("market.tag_cache_ttl", time.Hour)

	v.SetDefault("supervisor.max_iterations", 5)
	v.SetDefault("supervisor.concise_breadth", 2)
	v.SetDefault("supervisor.report_breadth", 5)
	v.SetDefault("supervisor.history_window", 10)

	v.SetDefault("memory.history_cap", 50)
	v.SetDefault("memory.summarize", true)

	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("storage.redis.stream_max_len", 1000)
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", 10*time.Second)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "polyplexity")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.cron", "0 3 * * *")
	v.SetDefault("retention.idle_days", 30)
}

// LoadConfig loads configuration from path (or the default search paths when
// empty), overlays POLYPLEXITY_* environment variables and validates the result.
// A missing config file is not an error; defaults and env still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("POLYPLEXITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
