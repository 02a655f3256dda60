package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		ListenAddr:      ":8999",
		MaxSessions:     100,
		ShutdownGrace:   5 * time.Second,
		BrainURL:        "http://localhost:8001",
		BrainTimeout:    5 * time.Second,
		BrainRouting:    true,
		EngineTargets:   []string{"ws://localhost:8998/api/chat"},
		RequestTimeout:  15 * time.Second,
		SendQueueDepth:  64,
		ReconnectMin:    time.Second,
		ReconnectMax:    30 * time.Second,
		TextTemperature: 0.4,
		ProbeInterval:   5 * time.Second,
		ProbeTimeout:    3 * time.Second,
		FreshnessWindow: 30 * time.Second,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "no engine targets",
			mutate:  func(c *Config) { c.EngineTargets = nil },
			wantErr: true,
		},
		{
			name:    "engine target not ws url",
			mutate:  func(c *Config) { c.EngineTargets = []string{"http://localhost:8998"} },
			wantErr: true,
		},
		{
			name:    "brain url not http",
			mutate:  func(c *Config) { c.BrainURL = "tcp://localhost:8001" },
			wantErr: true,
		},
		{
			name:    "zero max sessions",
			mutate:  func(c *Config) { c.MaxSessions = 0 },
			wantErr: true,
		},
		{
			name:    "probe timeout not shorter than interval",
			mutate:  func(c *Config) { c.ProbeTimeout = c.ProbeInterval },
			wantErr: true,
		},
		{
			name:    "reconnect max below min",
			mutate:  func(c *Config) { c.ReconnectMax = c.ReconnectMin / 2 },
			wantErr: true,
		},
		{
			name:    "zero queue depth",
			mutate:  func(c *Config) { c.SendQueueDepth = 0 },
			wantErr: true,
		},
		{
			name:    "text temperature out of range",
			mutate:  func(c *Config) { c.TextTemperature = 2.5 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ListenAddr != ":8999" {
		t.Errorf("expected default listen addr :8999, got %s", cfg.ListenAddr)
	}
	if cfg.MaxSessions != 100 {
		t.Errorf("expected default max sessions 100, got %d", cfg.MaxSessions)
	}
	if !cfg.BrainRouting {
		t.Error("expected brain routing enabled by default")
	}
	if len(cfg.EngineTargets) != 1 {
		t.Fatalf("expected one default engine target, got %d", len(cfg.EngineTargets))
	}
	if cfg.ProbeTimeout >= cfg.ProbeInterval {
		t.Error("default probe timeout must be shorter than the interval")
	}
}

func TestLoadTargetList(t *testing.T) {
	t.Setenv("ENGINE_TARGETS", "ws://gpu-host:8998/api/chat,ws://127.0.0.1:18998/api/chat")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.EngineTargets) != 2 {
		t.Fatalf("expected 2 engine targets, got %d", len(cfg.EngineTargets))
	}
	if cfg.EngineTargets[0] != "ws://gpu-host:8998/api/chat" {
		t.Errorf("direct address must be the first candidate, got %s", cfg.EngineTargets[0])
	}
	if cfg.EngineTargets[1] != "ws://127.0.0.1:18998/api/chat" {
		t.Errorf("tunnel loopback must be the second candidate, got %s", cfg.EngineTargets[1])
	}
}
