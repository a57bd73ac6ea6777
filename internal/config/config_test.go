package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-grounding/internal/silence"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Silence.ThresholdMS != 7000 {
		t.Fatalf("expected 7s silence threshold, got %d", cfg.Silence.ThresholdMS)
	}
	if cfg.Silence.MaxLevel != len(silence.DefaultLadder()) {
		t.Fatalf("expected max level %d, got %d", len(silence.DefaultLadder()), cfg.Silence.MaxLevel)
	}
	if cfg.Call.ExchangeCap != 3 {
		t.Fatalf("expected exchange cap 3, got %d", cfg.Call.ExchangeCap)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GROUNDING_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("GROUNDING_BUS_USERNAME", "alice")
	t.Setenv("GROUNDING_BUS_PASSWORD", "secret")
	t.Setenv("GROUNDING_BUS_TLS_INSECURE", "true")
	t.Setenv("GROUNDING_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("GROUNDING_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("GROUNDING_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("GROUNDING_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("GROUNDING_VOICE_MODE", "websocket")
	t.Setenv("GROUNDING_VOICE_ENDPOINT", "wss://voice.example.com/v1/calls")
	t.Setenv("GROUNDING_VOICE_API_KEY", "pk_live_0123456789")
	t.Setenv("GROUNDING_SILENCE_THRESHOLD_MS", "5000")
	t.Setenv("GROUNDING_SILENCE_MAX_LEVEL", "2")
	t.Setenv("GROUNDING_CALL_INFER_VOICE_FROM_NAME", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention override")
	}
	if cfg.Voice.Mode != "websocket" || cfg.Voice.Endpoint == "" || cfg.Voice.APIKey == "" {
		t.Fatalf("expected voice override, got %+v", cfg.Voice)
	}
	if cfg.Silence.ThresholdMS != 5000 || cfg.Silence.MaxLevel != 2 {
		t.Fatalf("expected silence override, got %+v", cfg.Silence)
	}
	if !cfg.Call.InferVoiceFromName {
		t.Fatalf("expected voice inference shim enabled")
	}
}

func TestLoadFileWithCustomLadder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grounding.yaml")
	data := []byte(`service_name: grounding-test
silence:
  threshold_ms: 6000
  ladder:
    - "I'm here."
    - "You matter to me."
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Silence.Ladder) != 2 {
		t.Fatalf("expected ladder of 2, got %d", len(cfg.Silence.Ladder))
	}
	if cfg.Silence.MaxLevel != 2 {
		// max_level is clamped to the ladder length
		t.Fatalf("expected max level clamped to 2, got %d", cfg.Silence.MaxLevel)
	}
	if cfg.Silence.ThresholdMS != 6000 {
		t.Fatalf("expected threshold 6000, got %d", cfg.Silence.ThresholdMS)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"voice mode":        func(c *Config) { c.Voice.Mode = "carrier-pigeon" },
		"websocket no url":  func(c *Config) { c.Voice.Mode = "websocket"; c.Voice.Endpoint = "" },
		"mic exec no cmd":   func(c *Config) { c.Microphone.Mode = "exec" },
		"max level too big": func(c *Config) { c.Silence.MaxLevel = len(c.Silence.Ladder) + 1 },
		"empty ladder":      func(c *Config) { c.Silence.Ladder = nil },
		"zero threshold":    func(c *Config) { c.Silence.ThresholdMS = 0 },
		"zero exchange cap": func(c *Config) { c.Call.ExchangeCap = 0 },
		"retention mode":    func(c *Config) { c.EventStore.RetentionMode = "forever" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
