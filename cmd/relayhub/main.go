// Package main runs the relayhub coordination core: the scheduler,
// dispatcher, and WebSocket gateway over a hub-and-spoke request tree.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relayhub/relayhub/internal/common/config"
	"github.com/relayhub/relayhub/internal/common/logger"
	"github.com/relayhub/relayhub/internal/events"
	gateway "github.com/relayhub/relayhub/internal/gateway/websocket"
	"github.com/relayhub/relayhub/internal/hub"
)

func main() {
	hubDir := flag.String("hub-dir", "", "root of the hub working tree (overrides config)")
	port := flag.Int("port", -1, "gateway port, 0 disables (overrides config)")
	timeout := flag.Int("timeout", 0, "request timeout in seconds (overrides config)")
	agentCmd := flag.String("agent-cmd", "", "local agent CLI binary (overrides config)")
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *hubDir != "" {
		cfg.Hub.Dir = *hubDir
	}
	if *port >= 0 {
		cfg.Gateway.Port = *port
	}
	if *timeout > 0 {
		cfg.Dispatcher.RequestTimeout = *timeout
	}
	if *agentCmd != "" {
		cfg.Dispatcher.AgentCmd = *agentCmd
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting relayhub",
		zap.String("hub_dir", cfg.Hub.Dir),
		zap.Int("gateway_port", cfg.Gateway.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	core := hub.New(cfg, eventBus, log)

	wsHub := gateway.NewHub(log)
	server := gateway.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, wsHub, func() map[string]any {
		st := core.Dispatcher().Status()
		return map[string]any{
			"workers":         st.Workers,
			"in_flight":       st.InFlight,
			"active_services": st.ActiveServices,
			"services":        core.Services(),
			"last_tick":       core.LastTick(),
		}
	}, log)

	var bridgeCleanup func()
	if server.Enabled() {
		bridgeCleanup, err = events.Bridge(eventBus, wsHub, log)
		if err != nil {
			log.Fatal("failed to bridge event bus", zap.Error(err))
		}
		if err := server.Start(); err != nil {
			log.Fatal("failed to start gateway", zap.Error(err))
		}
	}

	if err := core.Start(ctx); err != nil {
		log.Fatal("failed to start hub", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	cancel()
	core.Stop(30 * time.Second)
	if bridgeCleanup != nil {
		bridgeCleanup()
	}
	server.Stop()
}
