package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL: "https://api.spik.app",
			Timeout: 10,
		},
		Realtime: RealtimeConfig{
			SignalingURL:       "https://api.openai.com/v1/realtime",
			STUNServer:         "stun:stun.l.google.com:19302",
			ConnectTimeout:     30,
			TranscriptionModel: "gpt-4o-transcribe",
			Language:           "en",
		},
		Audio: AudioConfig{
			BindAddress: "127.0.0.1",
			UDPPort:     4500,
			BufferSize:  65536,
		},
		HTTP: HTTPConfig{
			Address: "127.0.0.1",
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:        "empty backend url",
			mutate:      func(c *Config) { c.Backend.BaseURL = "" },
			expectError: true,
			errorMsg:    "base_url",
		},
		{
			name:        "backend url without scheme",
			mutate:      func(c *Config) { c.Backend.BaseURL = "api.spik.app" },
			expectError: true,
			errorMsg:    "base_url",
		},
		{
			name:        "zero backend timeout",
			mutate:      func(c *Config) { c.Backend.Timeout = 0 },
			expectError: true,
			errorMsg:    "timeout",
		},
		{
			name:        "empty signaling url",
			mutate:      func(c *Config) { c.Realtime.SignalingURL = "" },
			expectError: true,
			errorMsg:    "signaling_url",
		},
		{
			name:        "empty stun server",
			mutate:      func(c *Config) { c.Realtime.STUNServer = "" },
			expectError: true,
			errorMsg:    "stun_server",
		},
		{
			name:        "zero connect timeout",
			mutate:      func(c *Config) { c.Realtime.ConnectTimeout = 0 },
			expectError: true,
			errorMsg:    "connect_timeout",
		},
		{
			name:        "empty transcription model",
			mutate:      func(c *Config) { c.Realtime.TranscriptionModel = "" },
			expectError: true,
			errorMsg:    "transcription_model",
		},
		{
			name:        "udp port out of range",
			mutate:      func(c *Config) { c.Audio.UDPPort = 70000 },
			expectError: true,
			errorMsg:    "udp_port",
		},
		{
			name:        "buffer too small",
			mutate:      func(c *Config) { c.Audio.BufferSize = 512 },
			expectError: true,
			errorMsg:    "buffer_size",
		},
		{
			name:        "http port out of range",
			mutate:      func(c *Config) { c.HTTP.Port = 0 },
			expectError: true,
			errorMsg:    "port",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "level",
		},
		{
			name:        "invalid log format",
			mutate:      func(c *Config) { c.Logging.Format = "xml" },
			expectError: true,
			errorMsg:    "format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestLoadValidFile(t *testing.T) {
	content := `
backend:
  base_url: "https://api.spik.app"
  timeout: 10
realtime:
  signaling_url: "https://api.openai.com/v1/realtime"
  stun_server: "stun:stun.l.google.com:19302"
  connect_timeout: 30
  transcription_model: "gpt-4o-transcribe"
  language: "en"
audio:
  bind_address: "127.0.0.1"
  udp_port: 4500
  buffer_size: 65536
http:
  address: "127.0.0.1"
  port: 8080
logging:
  level: "debug"
  format: "text"
  output: "stderr"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if cfg.Realtime.ConnectTimeout != 30 {
		t.Errorf("expected connect_timeout 30, got %d", cfg.Realtime.ConnectTimeout)
	}
	if cfg.Realtime.GetConnectTimeoutDuration() != 30*time.Second {
		t.Errorf("unexpected connect timeout duration %v", cfg.Realtime.GetConnectTimeoutDuration())
	}
	if cfg.Backend.GetTimeoutDuration() != 10*time.Second {
		t.Errorf("unexpected backend timeout duration %v", cfg.Backend.GetTimeoutDuration())
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backend: [not: valid"), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backend:\n  base_url: \"\"\n"), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
}
