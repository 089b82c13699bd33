package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/rotbot/internal/api"
	"github.com/nugget/rotbot/internal/buildinfo"
	"github.com/nugget/rotbot/internal/config"
	"github.com/nugget/rotbot/internal/connwatch"
	"github.com/nugget/rotbot/internal/mqtt"
	signalcli "github.com/nugget/rotbot/internal/signal"
)

// shutdownTimeout bounds the graceful part of shutdown.
const shutdownTimeout = 10 * time.Second

// runServe handles "rotbot serve": it builds the runtime, attaches the
// HTTP server and any configured channels, and blocks until SIGINT or
// SIGTERM.
//
// The shutdown sequence is:
//  1. the signal cancels ctx, which stops channel loops
//  2. MQTT publishes "offline" and disconnects
//  3. the HTTP server drains in-flight requests
//  4. the bus cancels running turns, then stores close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.LoggingConfig{}.NewLogger(stdout, slog.LevelInfo)
	logger.Info("starting rotbot", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg, slog.LevelInfo)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	// --- HTTP channel ---
	server := api.NewServer(api.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		Model:    cfg.Models.Default,
		Bus:      rt.bus,
		Events:   rt.events,
		Turns:    rt.memory,
		Tools:    rt.tools,
		MCP:      rt.mcp,
		Services: rt.connMgr,
		Ping:     rt.llm.Ping,
		Logger:   logger,
	})

	// --- MQTT channel ---
	// Optional: chat topics plus Home Assistant discovery, so rotbot
	// shows up as a native HA device.
	var mqttChan *mqtt.Channel
	if cfg.MQTT.Configured() {
		mqttChan, err = startMQTT(ctx, rt)
		if err != nil {
			return err
		}
	} else {
		logger.Info("mqtt channel disabled (not configured)")
	}

	// --- Signal channel ---
	if cfg.Signal.Enabled {
		client, err := startSignal(ctx, rt)
		if err != nil {
			return err
		}
		defer client.Close()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if mqttChan != nil {
			if err := mqttChan.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api server shutdown failed", "error", err)
		}
	}()

	// Blocks until Shutdown.
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("rotbot stopped")
	return nil
}

// startMQTT connects the MQTT channel in the background and feeds its
// token sensor from loop telemetry.
func startMQTT(ctx context.Context, rt *runtime) (*mqtt.Channel, error) {
	cfg, logger := rt.cfg, rt.logger

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load mqtt instance id: %w", err)
	}
	logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

	tokens := mqtt.NewDailyTokens(nil)
	sub := rt.events.Subscribe(256)
	go func() {
		defer rt.events.Unsubscribe(sub)
		tokens.Watch(ctx, sub)
	}()

	ch := mqtt.New(cfg.MQTT, instanceID, mqtt.Deps{
		Bus:    rt.bus,
		Tokens: tokens,
		Events: rt.events,
		Model:  cfg.Models.Default,
		Logger: logger,
	})
	go func() {
		if err := ch.Start(ctx); err != nil {
			logger.Error("mqtt channel failed", "error", err)
		}
	}()

	// Registered for health visibility; autopaho does its own reconnects.
	rt.connMgr.Watch(ctx, connwatch.Spec{
		Name: "mqtt",
		Kind: connwatch.KindChannel,
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return ch.AwaitConnection(awaitCtx)
		},
	})

	logger.Info("mqtt channel enabled",
		"broker", cfg.MQTT.Broker,
		"device_name", cfg.MQTT.DeviceName,
		"interval", cfg.MQTT.PublishInterval,
	)
	return ch, nil
}

// startSignal launches signal-cli and bridges it to the bus. The
// returned client must be closed on shutdown.
func startSignal(ctx context.Context, rt *runtime) (*signalcli.Client, error) {
	cfg, logger := rt.cfg, rt.logger

	client := signalcli.NewClient(cfg.Signal, logger)
	if err := client.Start(); err != nil {
		return nil, err
	}
	rt.connMgr.Watch(ctx, connwatch.Spec{
		Name:  "signal",
		Kind:  connwatch.KindChannel,
		Probe: client.Ping,
	})

	bridge := signalcli.NewBridge(signalcli.BridgeConfig{
		Client:    client,
		Bus:       rt.bus,
		Events:    rt.events,
		Logger:    logger,
		RateLimit: cfg.Signal.RateLimit,
		AllowFrom: cfg.Signal.AllowFrom,
	})
	go bridge.Start(ctx)

	logger.Info("signal channel enabled", "account", cfg.Signal.Account, "rate_limit", cfg.Signal.RateLimit)
	return client, nil
}
