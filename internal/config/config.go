package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the script runner.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	AI       AIConfig
	Jobs     JobsConfig
}

type ServerConfig struct {
	Port               int
	MetricsPort        int
	Env                string
	AllowedOrigins     []string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

// AuthConfig protects job creation and cancellation. Both fields empty
// disables authentication.
type AuthConfig struct {
	APIKey     string
	APIKeyHash string
}

// Enabled reports whether requests must carry an API key.
func (a AuthConfig) Enabled() bool {
	return a.APIKey != "" || a.APIKeyHash != ""
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	RequestInterval  time.Duration
	Gradient         GradientConfig
	Ollama           OllamaConfig
}

// Enabled reports whether AI descriptions can be generated.
func (a AIConfig) Enabled() bool {
	switch a.Provider {
	case "ollama":
		return true
	default:
		return a.Gradient.APIKey != ""
	}
}

// GradientConfig points at an OpenAI-compatible chat completions API.
type GradientConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type JobsConfig struct {
	MaxConcurrent int
	HistoryMax    int
	LogsDir       string
	// Persistence is one of file, postgres or memory.
	Persistence string
}

const (
	PersistenceFile     = "file"
	PersistencePostgres = "postgres"
	PersistenceMemory   = "memory"
)

var defaultAllowedOrigins = []string{
	"http://localhost:5173",
	"http://localhost:5033",
	"http://localhost:3000",
}

var validProviders = map[string]bool{
	"gradient": true,
	"ollama":   true,
}

var validPersistence = map[string]bool{
	PersistenceFile:     true,
	PersistencePostgres: true,
	PersistenceMemory:   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error naming the offending variable if any value is invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("SCRIPT_RUNNER_PORT", 8001),
			MetricsPort:        envInt("SCRIPT_RUNNER_METRICS_PORT", 9091),
			Env:                envString("SCRIPT_RUNNER_ENV", "development"),
			AllowedOrigins:     envList("ALLOWED_ORIGINS", defaultAllowedOrigins),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Auth: AuthConfig{
			APIKey:     os.Getenv("SCRIPT_RUNNER_API_KEY"),
			APIKeyHash: os.Getenv("SCRIPT_RUNNER_API_KEY_HASH"),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "gradient"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 90*time.Second),
			RequestInterval:  envDuration("AI_REQUEST_INTERVAL", 500*time.Millisecond),
			Gradient: GradientConfig{
				APIKey:  os.Getenv("GRADIENT_API_KEY"),
				BaseURL: envString("GRADIENT_BASE_URL", "https://api.gradient.ai/v1"),
				Model:   envString("AI_MODEL", envString("GRADIENT_GENERATION_MODEL", "llama-3.1-8b-instruct")),
			},
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434/v1"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
		},
		Jobs: JobsConfig{
			MaxConcurrent: envInt("MAX_CONCURRENT_JOBS", 2),
			HistoryMax:    envInt("JOB_HISTORY_MAX", 100),
			LogsDir:       envString("JOB_LOGS_DIR", "logs"),
			Persistence:   envString("JOB_PERSISTENCE", PersistenceFile),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SCRIPT_RUNNER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("SCRIPT_RUNNER_METRICS_PORT must be between 0 and 65535, got %d", c.Server.MetricsPort)
	}
	if c.Server.MetricsPort == c.Server.Port {
		return fmt.Errorf("SCRIPT_RUNNER_METRICS_PORT must differ from SCRIPT_RUNNER_PORT")
	}
	if c.Server.RateLimitPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.Server.RateLimitPerMinute)
	}

	if c.Auth.APIKeyHash != "" && !strings.HasPrefix(c.Auth.APIKeyHash, "$2") {
		return fmt.Errorf("SCRIPT_RUNNER_API_KEY_HASH must be a bcrypt hash")
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of gradient, ollama; got %q", c.AI.Provider)
	}
	if !isHTTPURL(c.AI.Gradient.BaseURL) {
		return fmt.Errorf("GRADIENT_BASE_URL must start with http:// or https://, got %q", c.AI.Gradient.BaseURL)
	}
	if c.AI.Provider == "ollama" && !isHTTPURL(c.AI.Ollama.BaseURL) {
		return fmt.Errorf("OLLAMA_BASE_URL must start with http:// or https://, got %q", c.AI.Ollama.BaseURL)
	}

	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be positive, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Jobs.HistoryMax < 1 {
		return fmt.Errorf("JOB_HISTORY_MAX must be positive, got %d", c.Jobs.HistoryMax)
	}
	if !validPersistence[c.Jobs.Persistence] {
		return fmt.Errorf("JOB_PERSISTENCE must be one of file, postgres, memory; got %q", c.Jobs.Persistence)
	}
	if c.Jobs.Persistence == PersistencePostgres && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when JOB_PERSISTENCE is postgres")
	}
	if c.Jobs.Persistence == PersistenceFile && c.Jobs.LogsDir == "" {
		return fmt.Errorf("JOB_LOGS_DIR is required when JOB_PERSISTENCE is file")
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// envList splits a comma separated variable, dropping blank items.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
