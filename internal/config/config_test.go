package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("Expected default port 8000, got %s", cfg.Port)
	}
	if cfg.DBPath == "" {
		t.Error("Expected a default DB path")
	}
	if cfg.EventQueueSize != 64 {
		t.Errorf("Expected default queue size 64, got %d", cfg.EventQueueSize)
	}
	if cfg.StopTimeout != 2*time.Second {
		t.Errorf("Expected default stop timeout 2s, got %v", cfg.StopTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("EVENT_QUEUE_SIZE", "8")
	t.Setenv("STOP_TIMEOUT", "500ms")
	t.Setenv("VOICE_LIVE_MODEL", "gpt-realtime")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "9001" {
		t.Errorf("Expected port 9001, got %s", cfg.Port)
	}
	if cfg.EventQueueSize != 8 {
		t.Errorf("Expected queue size 8, got %d", cfg.EventQueueSize)
	}
	if cfg.StopTimeout != 500*time.Millisecond {
		t.Errorf("Expected stop timeout 500ms, got %v", cfg.StopTimeout)
	}
	if cfg.VoiceLive.Model != "gpt-realtime" {
		t.Errorf("Expected model gpt-realtime, got %s", cfg.VoiceLive.Model)
	}
}

func TestLoadIgnoresInvalidQueueSize(t *testing.T) {
	t.Setenv("EVENT_QUEUE_SIZE", "-5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.EventQueueSize != 64 {
		t.Errorf("Expected fallback queue size 64, got %d", cfg.EventQueueSize)
	}
}

func TestVoiceLiveValidateNamesMissingVars(t *testing.T) {
	v := VoiceLiveConfig{Voice: "en-US-Ava"}

	err := v.Validate()
	if err == nil {
		t.Fatal("Expected error for missing credentials")
	}
	for _, want := range []string{"VOICE_LIVE_ENDPOINT", "VOICE_LIVE_API_KEY", "VOICE_LIVE_MODEL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to name %s, got: %v", want, err)
		}
	}
	if strings.Contains(err.Error(), "VOICE_LIVE_VOICE") {
		t.Errorf("Did not expect VOICE_LIVE_VOICE in error: %v", err)
	}
}

func TestVoiceLiveValidateComplete(t *testing.T) {
	v := VoiceLiveConfig{
		Endpoint: "wss://example.cognitiveservices.azure.com",
		APIKey:   "key",
		Model:    "gpt-realtime",
		Voice:    "en-US-Ava",
	}
	if err := v.Validate(); err != nil {
		t.Errorf("Expected valid config, got: %v", err)
	}
}
