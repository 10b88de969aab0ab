package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the audio gateway.
type Config struct {
	// Deepgram streaming API configuration
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramURL    string `envconfig:"DEEPGRAM_URL" default:"wss://api.deepgram.com/v1/listen"`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-3"` // nova-3, nova-2, enhanced, base
	Language       string `envconfig:"LANGUAGE" default:"en-US"`

	// Transcription behaviour
	EndpointingMs  int      `envconfig:"ENDPOINTING_MS" default:"50"` // Silence window that ends an utterance
	InterimResults bool     `envconfig:"INTERIM_RESULTS" default:"true"`
	SmartFormat    bool     `envconfig:"SMART_FORMAT" default:"true"`
	Punctuate      bool     `envconfig:"PUNCTUATE" default:"true"`
	Numerals       bool     `envconfig:"NUMERALS" default:"true"`
	Keywords       []string `envconfig:"KEYWORDS" default:""` // Comma-separated keyword boosts

	// Audio pipeline configuration
	TargetSampleRate  int `envconfig:"TARGET_SAMPLE_RATE" default:"16000"` // Canonical rate sent to the provider
	FrameMs           int `envconfig:"FRAME_MS" default:"20"`              // Conditioned frame duration
	QueueCapacity     int `envconfig:"QUEUE_CAPACITY" default:"16"`        // Bounded frame queue depth
	DropWarnThreshold int `envconfig:"DROP_WARN_THRESHOLD" default:"50"`   // Dropped frames before a degraded-quality event

	// Session / resilience configuration
	ConnectTimeoutMs     int `envconfig:"CONNECT_TIMEOUT_MS" default:"5000"`
	KeepAliveIntervalSec int `envconfig:"KEEPALIVE_INTERVAL_SEC" default:"5"`
	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`
	ReconnectBackoffMs   int `envconfig:"RECONNECT_BACKOFF_MS" default:"500"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`    // Port for /metrics and /health
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.TargetSampleRate <= 0 {
		return nil, fmt.Errorf("TARGET_SAMPLE_RATE must be positive, got %d", cfg.TargetSampleRate)
	}
	if cfg.FrameMs <= 0 {
		return nil, fmt.Errorf("FRAME_MS must be positive, got %d", cfg.FrameMs)
	}
	if cfg.QueueCapacity <= 0 {
		return nil, fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", cfg.QueueCapacity)
	}

	return &cfg, nil
}
