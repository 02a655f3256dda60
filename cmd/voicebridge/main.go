// voicebridge: stateful relay between browser voice clients, the MYCA
// reasoning orchestrator, and the remote GPU speech engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mycosoft/go-voicebridge/internal/config"
	"github.com/mycosoft/go-voicebridge/internal/log"
	"github.com/mycosoft/go-voicebridge/pkg/brain"
	"github.com/mycosoft/go-voicebridge/pkg/bridge"
	"github.com/mycosoft/go-voicebridge/pkg/engine"
	"github.com/mycosoft/go-voicebridge/pkg/health"
	"github.com/mycosoft/go-voicebridge/pkg/session"
)

var version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.LogLevel)
	logger := log.L()
	logger.Info("starting voicebridge",
		"version", version,
		"addr", cfg.ListenAddr,
		"brain_url", cfg.BrainURL,
		"brain_routing", cfg.BrainRouting,
		"engine_targets", cfg.EngineTargets)

	brainClient := brain.New(cfg.BrainURL, cfg.BrainTimeout, log.Component("brain"))

	link, err := engine.NewLink(engine.Config{
		Targets:        cfg.EngineTargets,
		DialParams:     engineDialParams(cfg),
		DialTimeout:    cfg.EngineDialTimeout,
		RequestTimeout: cfg.RequestTimeout,
		QueueDepth:     cfg.SendQueueDepth,
		ReconnectMin:   cfg.ReconnectMin,
		ReconnectMax:   cfg.ReconnectMax,
	}, log.Component("engine"))
	if err != nil {
		logger.Error("engine link setup failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The engine may come up after the bridge. Keep trying in the
	// background; requests fail fast until the link is established.
	go connectEngine(ctx, link, cfg)

	monitor := health.NewMonitor(health.Config{
		Interval:  cfg.ProbeInterval,
		Timeout:   cfg.ProbeTimeout,
		Freshness: cfg.FreshnessWindow,
		Version:   version,
	}, brainClient, link, log.Component("health"))
	monitor.Start(ctx)

	registry := session.NewRegistry(cfg.MaxSessions, log.Component("session"))
	router := bridge.NewRouter(brainClient, bridge.WrapLink(link), log.Component("router"))
	server := bridge.NewServer(cfg, registry, router, monitor, log.Component("server"))

	go func() {
		if err := server.Listen(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	if err := server.Shutdown(); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	monitor.Stop()
	if err := link.Close(); err != nil {
		logger.Warn("engine link close", "error", err)
	}

	logger.Info("goodbye")
}

// engineDialParams builds the query parameters sent on the engine
// handshake: persona prompt, voice prompt, and sampling temperatures.
func engineDialParams(cfg *config.Config) url.Values {
	params := url.Values{}
	params.Set("text_temperature", strconv.FormatFloat(cfg.TextTemperature, 'f', -1, 64))
	params.Set("audio_temperature", strconv.FormatFloat(cfg.AudioTemperature, 'f', -1, 64))
	if cfg.VoicePrompt != "" {
		params.Set("voice", cfg.VoicePrompt)
	}
	if cfg.Persona != "" {
		params.Set("persona", cfg.Persona)
	}
	return params
}

// connectEngine retries the initial connect with exponential backoff
// until it succeeds or the process shuts down. Later disconnects are
// handled by the link itself.
func connectEngine(ctx context.Context, link *engine.Link, cfg *config.Config) {
	delay := cfg.ReconnectMin
	for {
		err := link.Connect(ctx)
		if err == nil || errors.Is(err, engine.ErrClosed) || ctx.Err() != nil {
			return
		}
		log.Warn("engine connect failed", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.ReconnectMax {
			delay = cfg.ReconnectMax
		}
	}
}
