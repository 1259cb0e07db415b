package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Audio    AudioConfig    `yaml:"audio"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BackendConfig contains the application backend issuing session credentials
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout int    `yaml:"timeout"` // seconds
}

// RealtimeConfig contains remote voice endpoint and connection parameters
type RealtimeConfig struct {
	SignalingURL       string `yaml:"signaling_url"`
	STUNServer         string `yaml:"stun_server"`
	ConnectTimeout     int    `yaml:"connect_timeout"` // seconds
	TranscriptionModel string `yaml:"transcription_model"`
	Language           string `yaml:"language"`
}

// AudioConfig contains the microphone ingest configuration
type AudioConfig struct {
	BindAddress string `yaml:"bind_address"`
	UDPPort     int    `yaml:"udp_port"`
	BufferSize  int    `yaml:"buffer_size"`
}

// HTTPConfig contains the control API server configuration
type HTTPConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.Realtime.Validate(); err != nil {
		return fmt.Errorf("realtime config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates backend configuration
func (b *BackendConfig) Validate() error {
	if b.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}

	u, err := url.Parse(b.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("base_url must be a valid http(s) URL, got '%s'", b.BaseURL)
	}

	if b.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", b.Timeout)
	}

	return nil
}

// Validate validates realtime configuration
func (r *RealtimeConfig) Validate() error {
	if r.SignalingURL == "" {
		return fmt.Errorf("signaling_url cannot be empty")
	}

	u, err := url.Parse(r.SignalingURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("signaling_url must be a valid http(s) URL, got '%s'", r.SignalingURL)
	}

	if r.STUNServer == "" {
		return fmt.Errorf("stun_server cannot be empty")
	}

	if r.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", r.ConnectTimeout)
	}

	if r.TranscriptionModel == "" {
		return fmt.Errorf("transcription_model cannot be empty")
	}

	return nil
}

// Validate validates audio ingest configuration
func (a *AudioConfig) Validate() error {
	if a.UDPPort < 1 || a.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", a.UDPPort)
	}

	if a.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if a.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", a.BufferSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetTimeoutDuration returns the backend request timeout as a time.Duration
func (b *BackendConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

// GetConnectTimeoutDuration returns the connection timeout as a time.Duration
func (r *RealtimeConfig) GetConnectTimeoutDuration() time.Duration {
	return time.Duration(r.ConnectTimeout) * time.Second
}
