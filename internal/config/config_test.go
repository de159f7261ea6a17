package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Playback.WarmupChunks != 3 {
		t.Fatalf("expected default warmup of 3 chunks, got %d", cfg.Playback.WarmupChunks)
	}
	if cfg.Bus.Enabled {
		t.Fatal("expected bus mirror disabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	data := []byte(`worker:
  command: "python3 worker.py --voice af_heart"
  env:
    TTS_KOKORO_VOICE: af_heart
hub:
  client_buffer: 32
event_store:
  retention_mode: ephemeral
  path: ""
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Worker.Command != "python3 worker.py --voice af_heart" {
		t.Fatalf("unexpected worker command %q", cfg.Worker.Command)
	}
	if cfg.Worker.Env["TTS_KOKORO_VOICE"] != "af_heart" {
		t.Fatalf("expected worker env from file")
	}
	if cfg.Hub.ClientBuffer != 32 {
		t.Fatalf("expected client buffer 32, got %d", cfg.Hub.ClientBuffer)
	}
	if cfg.Hub.PingIntervalMS != 30000 {
		t.Fatalf("expected untouched defaults to survive, got %d", cfg.Hub.PingIntervalMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_WORKER_COMMAND", "./worker --fast")
	t.Setenv("RELAY_BUS_ENABLED", "true")
	t.Setenv("RELAY_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("RELAY_BUS_EMBEDDED", "false")
	t.Setenv("RELAY_HUB_INBOUND_RATE", "2.5")
	t.Setenv("RELAY_PLAYBACK_WARMUP_CHUNKS", "5")
	t.Setenv("RELAY_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("RELAY_HTTP_PORT", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Worker.Command != "./worker --fast" {
		t.Fatalf("expected worker command override")
	}
	if !cfg.Bus.Enabled || cfg.Bus.Embedded {
		t.Fatalf("expected bus overrides")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Hub.InboundRate != 2.5 {
		t.Fatalf("expected inbound rate 2.5, got %v", cfg.Hub.InboundRate)
	}
	if cfg.Playback.WarmupChunks != 5 {
		t.Fatalf("expected warmup override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected retention mode override")
	}
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected invalid port override to be ignored, got %d", cfg.HTTP.Port)
	}
}

func TestValidateRejectsEmptyWorkerCommand(t *testing.T) {
	cfg := Default()
	cfg.Worker.Command = " "
	if err := validate(cfg); err == nil {
		t.Fatal("expected worker.command validation error")
	}
}
