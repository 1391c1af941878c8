// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	EventQueueSize int
	StopTimeout    time.Duration
	SessionTTL     time.Duration
	VoiceLive      VoiceLiveConfig
}

// VoiceLiveConfig holds the upstream speech service settings.
//
// The credentials are intentionally not checked by Load: the server must be
// able to boot without them, and a start request against an unconfigured
// upstream fails with a 400 instead. Validate is called by the start handler.
type VoiceLiveConfig struct {
	Endpoint     string
	APIKey       string
	Model        string
	Voice        string
	Instructions string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("EVENT_QUEUE_SIZE", 64)
	if queueSize <= 0 {
		queueSize = 64
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8000"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/voxlab.db"),
		EventQueueSize: queueSize,
		StopTimeout:    getEnvDuration("STOP_TIMEOUT", 2*time.Second),
		SessionTTL:     getEnvDuration("SESSION_TTL", 60*time.Minute),
		VoiceLive: VoiceLiveConfig{
			Endpoint:     getEnv("VOICE_LIVE_ENDPOINT", ""),
			APIKey:       getEnv("VOICE_LIVE_API_KEY", ""),
			Model:        getEnv("VOICE_LIVE_MODEL", ""),
			Voice:        getEnv("VOICE_LIVE_VOICE", ""),
			Instructions: getEnv("VOICE_LIVE_INSTRUCTIONS", "You are a helpful assistant."),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required boot-time configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be > 0")
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("STOP_TIMEOUT must be > 0")
	}
	return nil
}

// Validate checks that all upstream credentials required to start a voice
// session are present. The returned error names every missing variable.
func (v *VoiceLiveConfig) Validate() error {
	var missing []string
	if v.Endpoint == "" {
		missing = append(missing, "VOICE_LIVE_ENDPOINT")
	}
	if v.APIKey == "" {
		missing = append(missing, "VOICE_LIVE_API_KEY")
	}
	if v.Model == "" {
		missing = append(missing, "VOICE_LIVE_MODEL")
	}
	if v.Voice == "" {
		missing = append(missing, "VOICE_LIVE_VOICE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing env vars: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
