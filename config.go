package beacon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration defaults.
const (
	DefaultFlushInterval  = 30 * time.Second
	DefaultSessionTimeout = 30 * time.Minute
	DefaultMaxQueueSize   = 1000
	DefaultMaxRetries     = 3
)

// Config holds the client configuration.
//
// APIURL and APIKey are required; everything else has a default. An empty
// StoragePath selects the in-memory store: the client works normally but
// nothing survives a process restart.
type Config struct {
	APIURL string `yaml:"apiUrl"`
	APIKey string `yaml:"apiKey"`

	// AuthHeader sends the API key in the X-Api-Key header instead of
	// the apiKey query parameter.
	AuthHeader bool `yaml:"authHeader"`

	// StoragePath is the SQLite database path for durable state.
	StoragePath string `yaml:"storagePath"`

	FlushInterval  time.Duration `yaml:"flushInterval"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
	MaxQueueSize   int           `yaml:"maxQueueSize"`
	MaxRetries     int           `yaml:"maxRetries"`

	// UserAgent is stamped onto error payloads.
	UserAgent string `yaml:"userAgent"`

	// CaptureErrors installs the error pipeline into the process-wide
	// handler slot during New.
	CaptureErrors bool `yaml:"captureErrors"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("config: apiUrl is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("config: apiKey is required")
	}
	return nil
}

// WithDefaults returns a copy with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}
