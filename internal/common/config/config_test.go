package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("server.port = %d", cfg.Server.Port)
	}
	if cfg.Ingest.ConnectTimeout != 10 {
		t.Fatalf("ingest.connectTimeout = %d", cfg.Ingest.ConnectTimeout)
	}
	if cfg.Ingest.HeartbeatInterval != 20 {
		t.Fatalf("ingest.heartbeatInterval = %d", cfg.Ingest.HeartbeatInterval)
	}
	if cfg.Ingest.BufferCapacity != 1000 {
		t.Fatalf("ingest.bufferCapacity = %d", cfg.Ingest.BufferCapacity)
	}
	if cfg.Kilo.BasePort != 4096 {
		t.Fatalf("kilo.basePort = %d", cfg.Kilo.BasePort)
	}
	if cfg.Wrapper.Port != 9889 {
		t.Fatalf("wrapper.port = %d", cfg.Wrapper.Port)
	}
	if cfg.Wrapper.MaxRuntime != 3600 {
		t.Fatalf("wrapper.maxRuntime = %d", cfg.Wrapper.MaxRuntime)
	}
	if cfg.Registry.RetryCount != 3 {
		t.Fatalf("registry.retryCount = %d", cfg.Registry.RetryCount)
	}
	if cfg.NATS.URL != "" {
		t.Fatalf("nats.url = %q, want empty (in-memory bus)", cfg.NATS.URL)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CLOUDAGENT_SERVER_PORT", "9999")
	t.Setenv("CLOUDAGENT_INGEST_BASE_URL", "wss://ingest.example.com")
	t.Setenv("CLOUDAGENT_WRAPPER_PORT", "7001")
	t.Setenv("KILO_BASE_PORT", "5000")
	t.Setenv("CLOUDAGENT_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Fatalf("server.port = %d", cfg.Server.Port)
	}
	if cfg.Ingest.BaseURL != "wss://ingest.example.com" {
		t.Fatalf("ingest.baseUrl = %q", cfg.Ingest.BaseURL)
	}
	if cfg.Wrapper.Port != 7001 {
		t.Fatalf("wrapper.port = %d", cfg.Wrapper.Port)
	}
	if cfg.Kilo.BasePort != 5000 {
		t.Fatalf("kilo.basePort = %d", cfg.Kilo.BasePort)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad server port", "CLOUDAGENT_SERVER_PORT", "0"},
		{"bad wrapper port", "CLOUDAGENT_WRAPPER_PORT", "70000"},
		{"bad max runtime", "CLOUDAGENT_WRAPPER_MAX_RUNTIME", "-1"},
		{"bad log level", "CLOUDAGENT_LOGGING_LEVEL", "verbose"},
		{"bad log format", "CLOUDAGENT_LOGGING_FORMAT", "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected validation failure for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{
		Server:   ServerConfig{ReadTimeout: 30, WriteTimeout: 45},
		Ingest:   IngestConfig{ConnectTimeout: 10, HeartbeatInterval: 20},
		Wrapper:  WrapperConfig{MaxRuntime: 3600},
		Registry: RegistryConfig{RetryBackoff: 500},
	}

	if cfg.Server.ReadTimeoutDuration() != 30*time.Second {
		t.Fatal("read timeout")
	}
	if cfg.Server.WriteTimeoutDuration() != 45*time.Second {
		t.Fatal("write timeout")
	}
	if cfg.Ingest.ConnectTimeoutDuration() != 10*time.Second {
		t.Fatal("connect timeout")
	}
	if cfg.Ingest.HeartbeatIntervalDuration() != 20*time.Second {
		t.Fatal("heartbeat interval")
	}
	if cfg.Wrapper.MaxRuntimeDuration() != time.Hour {
		t.Fatal("max runtime")
	}
	if cfg.Registry.RetryBackoffDuration() != 500*time.Millisecond {
		t.Fatal("retry backoff")
	}
}
