// Package config provides environment configuration for the chat client,
// the transcript recorder and the replay backend.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the optional YAML file used as a fallback layer.
const ConfigFileEnv = "CHATSTREAM_CONFIG"

// Config holds all configuration for the application.
type Config struct {
	// Client settings
	APIBaseURL     string
	APIToken       string
	StreamMode     string
	PollInterval   time.Duration
	DebounceWindow time.Duration
	CollapseDelay  time.Duration
	TimelineLimit  int
	RequestTimeout time.Duration

	// Recorder settings
	Recorder    string
	RecorderDir string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Replay settings
	FixtureDir       string
	ReplayChunkSize  int
	ReplayChunkDelay time.Duration
	SubscriptionPlan string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. When CHATSTREAM_CONFIG
// names a YAML file its values fill in whatever the environment leaves unset.
func Load() (*Config, error) {
	var file map[string]interface{}
	if path := os.Getenv(ConfigFileEnv); path != "" {
		var err error
		if file, err = loadYAMLConfig(path); err != nil {
			return nil, err
		}
	}
	l := loader{yaml: file}

	return &Config{
		// Client
		APIBaseURL:     l.str("API_BASE_URL", "http://localhost:8080"),
		APIToken:       l.str("API_TOKEN", ""),
		StreamMode:     l.str("STREAM_TRANSPORT", "stream"),
		PollInterval:   l.duration("POLL_INTERVAL", 25*time.Millisecond),
		DebounceWindow: l.duration("DEBOUNCE_WINDOW", 50*time.Millisecond),
		CollapseDelay:  l.duration("COLLAPSE_DELAY", 2*time.Second),
		TimelineLimit:  l.int("TIMELINE_LIMIT", 3),
		RequestTimeout: l.duration("REQUEST_TIMEOUT", 30*time.Second),

		// Recorder
		Recorder:    l.str("RECORDER", "none"),
		RecorderDir: l.str("RECORDER_DIR", "transcripts"),

		// NATS
		NATSURL:      l.str("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   l.str("NATS_CA_FILE", ""),
		NATSCertFile: l.str("NATS_CERT_FILE", ""),
		NATSKeyFile:  l.str("NATS_KEY_FILE", ""),
		NATSToken:    l.str("NATS_TOKEN", ""),

		// Redis
		RedisAddr:     l.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: l.str("REDIS_PASSWORD", ""),
		RedisDB:       l.int("REDIS_DB", 0),

		// Server
		ServerPort:         l.str("PORT", "8080"),
		ServerReadTimeout:  l.duration("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: l.duration("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// JWT
		JWTSecret:     l.str("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: l.duration("JWT_EXPIRATION", 15*time.Minute),

		// Rate limiting
		RateLimitRequests: l.int("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   l.duration("RATE_LIMIT_WINDOW", time.Minute),

		// Replay
		FixtureDir:       l.str("FIXTURE_DIR", ""),
		ReplayChunkSize:  l.int("REPLAY_CHUNK_SIZE", 7),
		ReplayChunkDelay: l.duration("REPLAY_CHUNK_DELAY", 15*time.Millisecond),
		SubscriptionPlan: l.str("SUBSCRIPTION_PLAN", "free"),

		// Logging
		LogLevel: l.str("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: l.str("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  l.bool("TRACING_ENABLED", false),
	}, nil
}

func loadYAMLConfig(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return values, nil
}

// loader resolves a key from the environment, then from the YAML file
// (same name, lower case), then the default.
type loader struct {
	yaml map[string]interface{}
}

func (l loader) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if l.yaml == nil {
		return ""
	}
	switch v := l.yaml[strings.ToLower(key)].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (l loader) str(key, defaultValue string) string {
	if value := l.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func (l loader) int(key string, defaultValue int) int {
	if value := l.lookup(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func (l loader) bool(key string, defaultValue bool) bool {
	if value := l.lookup(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func (l loader) duration(key string, defaultValue time.Duration) time.Duration {
	if value := l.lookup(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
