// Package config provides configuration for the voicebridge process.
// All settings come from the environment; the resulting struct is
// immutable and passed explicitly into each component at construction.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all tunable parameters for the bridge.
// Parameters are organized by component for clarity.
type Config struct {
	// Server
	ListenAddr  string `env:"BRIDGE_ADDR" envDefault:":8999"`
	MaxSessions int    `env:"BRIDGE_MAX_SESSIONS" envDefault:"100"`
	// ShutdownGrace bounds how long shutdown waits for pending
	// outbound frames before forcibly closing connections.
	ShutdownGrace time.Duration `env:"BRIDGE_SHUTDOWN_GRACE" envDefault:"5s"`

	// Brain (reasoning/memory orchestrator)
	BrainURL     string        `env:"BRAIN_URL" envDefault:"http://localhost:8001"`
	BrainTimeout time.Duration `env:"BRAIN_TIMEOUT" envDefault:"5s"`
	// BrainRouting selects the authoritative reply path for an
	// utterance. When true, finalized transcripts go to the brain and
	// raw audio frames are dropped; when false, audio goes straight to
	// the speech engine. Latched per session at creation.
	BrainRouting bool `env:"BRAIN_ROUTING" envDefault:"true"`

	// Speech engine (remote GPU model, possibly behind a tunnel)
	//
	// EngineTargets is a comma-separated priority list: the direct
	// address first, then the tunnel-relative loopback address. The
	// link commits to the first candidate that accepts a connection.
	EngineTargets     []string      `env:"ENGINE_TARGETS" envDefault:"ws://localhost:8998/api/chat" envSeparator:","`
	EngineDialTimeout time.Duration `env:"ENGINE_DIAL_TIMEOUT" envDefault:"10s"`
	RequestTimeout    time.Duration `env:"ENGINE_REQUEST_TIMEOUT" envDefault:"15s"`
	SendQueueDepth    int           `env:"ENGINE_QUEUE_DEPTH" envDefault:"64"`
	ReconnectMin      time.Duration `env:"ENGINE_RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax      time.Duration `env:"ENGINE_RECONNECT_MAX" envDefault:"30s"`

	// Engine session parameters, forwarded as dial query params.
	Persona          string  `env:"ENGINE_PERSONA" envDefault:""`
	VoicePrompt      string  `env:"ENGINE_VOICE_PROMPT" envDefault:"NATF2.pt"`
	TextTemperature  float64 `env:"ENGINE_TEXT_TEMPERATURE" envDefault:"0.4"`
	AudioTemperature float64 `env:"ENGINE_AUDIO_TEMPERATURE" envDefault:"0.6"`

	// Health monitor
	ProbeInterval   time.Duration `env:"HEALTH_PROBE_INTERVAL" envDefault:"5s"`
	ProbeTimeout    time.Duration `env:"HEALTH_PROBE_TIMEOUT" envDefault:"3s"`
	FreshnessWindow time.Duration `env:"HEALTH_FRESHNESS_WINDOW" envDefault:"30s"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first if present; real environment
// variables win over .env entries.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.MaxSessions <= 0 {
		return errors.New("config: max sessions must be positive")
	}
	if len(c.EngineTargets) == 0 {
		return errors.New("config: at least one engine target is required")
	}
	for _, t := range c.EngineTargets {
		if !strings.HasPrefix(t, "ws://") && !strings.HasPrefix(t, "wss://") {
			return fmt.Errorf("config: engine target %q must be a ws:// or wss:// URL", t)
		}
	}
	if !strings.HasPrefix(c.BrainURL, "http://") && !strings.HasPrefix(c.BrainURL, "https://") {
		return fmt.Errorf("config: brain URL %q must be an http(s) URL", c.BrainURL)
	}
	if c.ProbeTimeout >= c.ProbeInterval {
		return errors.New("config: probe timeout must be shorter than probe interval")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return errors.New("config: reconnect backoff bounds are invalid")
	}
	if c.SendQueueDepth <= 0 {
		return errors.New("config: send queue depth must be positive")
	}
	if c.TextTemperature < 0 || c.TextTemperature > 2 {
		return errors.New("config: text temperature must be between 0 and 2")
	}
	if c.AudioTemperature < 0 || c.AudioTemperature > 2 {
		return errors.New("config: audio temperature must be between 0 and 2")
	}
	return nil
}
