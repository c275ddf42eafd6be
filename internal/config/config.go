package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the process-wide runtime configuration.
type Config struct {
	DataDir     string
	ListenAddr  string
	MetricsAddr string

	LogLevel     string
	LogFormat    string
	LogFile      string
	LogMaxSizeMB int

	AIProvider string
	AIModel    string
	AIAPIKey   string
	AIBaseURL  string

	MaxRounds          int
	MaxContextMessages int
	MaxToolResultChars int

	ToolCallTimeout        time.Duration
	ProviderConnectTimeout time.Duration
	// ShutdownTimeout bounds the drain of the API and metrics listeners.
	ShutdownTimeout time.Duration

	ProvidersFile       string
	CaptureProvider     string
	CaptureHistoryLimit int

	// DiagnoseRateLimit is requests per second per client; 0 disables limiting.
	DiagnoseRateLimit float64
	DiagnoseBurst     int

	// EnvOverrides tracks which settings came from the environment.
	EnvOverrides map[string]bool `json:"-"`
}

// Default returns the configuration used before any overrides are applied.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:                dataDir,
		ListenAddr:             "127.0.0.1:7680",
		MetricsAddr:            "",
		LogLevel:               "info",
		LogFormat:              "auto",
		LogMaxSizeMB:           50,
		AIProvider:             "anthropic",
		AIModel:                "claude-sonnet-4-20250514",
		MaxRounds:              8,
		MaxContextMessages:     40,
		MaxToolResultChars:     16000,
		ToolCallTimeout:        60 * time.Second,
		ProviderConnectTimeout: 15 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		ProvidersFile:          filepath.Join(dataDir, "providers.json"),
		CaptureProvider:        "capture",
		CaptureHistoryLimit:    50,
		DiagnoseRateLimit:      1,
		DiagnoseBurst:          5,
		EnvOverrides:           make(map[string]bool),
	}
}

// Load reads .env files and environment overrides on top of Default.
func Load() (*Config, error) {
	dataDir := "."
	if dir := strings.TrimSpace(os.Getenv("NETDIAG_DATA_DIR")); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	if dataDir != "." {
		// Development convenience: also pick up ./.env
		if err := godotenv.Load(); err == nil {
			log.Debug().Msg("Loaded configuration from .env in current directory")
		}
	}

	cfg := Default(dataDir)
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string, field string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
			c.EnvOverrides[field] = true
		}
	}
	str("NETDIAG_LISTEN_ADDR", &c.ListenAddr, "listenAddr")
	str("NETDIAG_METRICS_ADDR", &c.MetricsAddr, "metricsAddr")
	str("NETDIAG_PROVIDERS_FILE", &c.ProvidersFile, "providersFile")
	str("LOG_LEVEL", &c.LogLevel, "logLevel")
	str("LOG_FORMAT", &c.LogFormat, "logFormat")
	str("LOG_FILE", &c.LogFile, "logFile")
	str("AI_PROVIDER", &c.AIProvider, "aiProvider")
	str("AI_MODEL", &c.AIModel, "aiModel")
	str("AI_API_KEY", &c.AIAPIKey, "aiApiKey")
	str("AI_BASE_URL", &c.AIBaseURL, "aiBaseUrl")
	str("CAPTURE_PROVIDER", &c.CaptureProvider, "captureProvider")

	ints := []struct {
		key   string
		dst   *int
		field string
	}{
		{"AI_MAX_ROUNDS", &c.MaxRounds, "maxRounds"},
		{"AI_MAX_CONTEXT_MESSAGES", &c.MaxContextMessages, "maxContextMessages"},
		{"CAPTURE_HISTORY_LIMIT", &c.CaptureHistoryLimit, "captureHistoryLimit"},
		{"LOG_MAX_SIZE", &c.LogMaxSizeMB, "logMaxSize"},
	}
	for _, entry := range ints {
		v := strings.TrimSpace(os.Getenv(entry.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", entry.key, v, err)
		}
		*entry.dst = n
		c.EnvOverrides[entry.field] = true
	}

	durations := []struct {
		key   string
		dst   *time.Duration
		field string
	}{
		{"TOOL_CALL_TIMEOUT", &c.ToolCallTimeout, "toolCallTimeout"},
		{"PROVIDER_CONNECT_TIMEOUT", &c.ProviderConnectTimeout, "providerConnectTimeout"},
		{"NETDIAG_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout, "shutdownTimeout"},
	}
	for _, entry := range durations {
		v := strings.TrimSpace(os.Getenv(entry.key))
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", entry.key, v, err)
		}
		*entry.dst = d
		c.EnvOverrides[entry.field] = true
	}

	if v := strings.TrimSpace(os.Getenv("DIAGNOSE_RATE_LIMIT")); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid DIAGNOSE_RATE_LIMIT %q: %w", v, err)
		}
		c.DiagnoseRateLimit = rate
		c.EnvOverrides["diagnoseRateLimit"] = true
	}
	return nil
}

// Validate checks ranges that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.MaxRounds < 1 {
		return fmt.Errorf("max rounds must be at least 1, got %d", c.MaxRounds)
	}
	if c.ToolCallTimeout <= 0 {
		return fmt.Errorf("tool call timeout must be positive")
	}
	if c.ProviderConnectTimeout <= 0 {
		return fmt.Errorf("provider connect timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if c.CaptureHistoryLimit < 0 {
		return fmt.Errorf("capture history limit must not be negative")
	}
	if c.DiagnoseRateLimit < 0 {
		return fmt.Errorf("diagnose rate limit must not be negative")
	}
	if c.DiagnoseBurst < 1 {
		c.DiagnoseBurst = 1
	}
	return nil
}

// parseDuration accepts Go duration strings and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}
