// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// voltmq is a single-binary MQTT 3.1.1 broker: TCP, TLS and WebSocket
// listeners in front of one session and delivery engine.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/voltmq/broker"
	"github.com/absmach/voltmq/broker/webhook"
	"github.com/absmach/voltmq/config"
	"github.com/absmach/voltmq/ratelimit"
	"github.com/absmach/voltmq/server/otel"
	"github.com/absmach/voltmq/server/tcp"
	"github.com/absmach/voltmq/server/websocket"
	"github.com/absmach/voltmq/storage"
	"github.com/absmach/voltmq/storage/badger"
	"github.com/absmach/voltmq/storage/memory"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	brokerID := uuid.NewString()
	logger.Info("Starting MQTT broker",
		"broker_id", brokerID,
		"tcp_addr", cfg.Server.TCPAddr,
		"tls_enabled", cfg.Server.TLSEnabled,
		"ws_enabled", cfg.Server.WSEnabled,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	// Telemetry comes up first so the broker's instruments bind to the
	// real provider instead of the noop default.
	var (
		metrics      *otel.Metrics
		otelShutdown func(context.Context) error
	)
	if cfg.Server.MetricsEnabled {
		otelShutdown, err = otel.Setup(context.Background(), cfg.Server, brokerID)
		if err != nil {
			logger.Error("Failed to set up telemetry", "error", err)
			os.Exit(1)
		}
		metrics, err = otel.NewMetrics()
		if err != nil {
			logger.Error("Failed to create metric instruments", "error", err)
			os.Exit(1)
		}
		logger.Info("Telemetry enabled", "endpoint", cfg.Server.MetricsAddr)
	}

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		logger.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}

	var hooks broker.Notifier
	if cfg.Webhook.Enabled {
		notifier, err := webhook.NewNotifier(cfg.Webhook, brokerID, webhook.NewHTTPSender(), logger)
		if err != nil {
			logger.Error("Failed to create webhook notifier", "error", err)
			os.Exit(1)
		}
		hooks = notifier
		logger.Info("Webhook notifier enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	b := broker.NewBroker(store, logger, broker.NewStats(), hooks, metrics, cfg.Broker, cfg.Session)

	var limiter *ratelimit.IPLimiter
	if cfg.Server.ConnectRate > 0 {
		limiter = ratelimit.NewIPLimiter(cfg.Server.ConnectRate, cfg.Server.ConnectBurst)
		logger.Info("Connection rate limiting enabled",
			"rate", cfg.Server.ConnectRate,
			"burst", cfg.Server.ConnectBurst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	runListener := func(name, addr string, listen func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Starting listener", "transport", name, "address", addr)
			if err := listen(ctx); err != nil {
				serverErr <- fmt.Errorf("%s listener: %w", name, err)
			}
		}()
	}

	tcpServer := tcp.New(tcpConfig(cfg, nil, limiter, logger), b)
	runListener("tcp", cfg.Server.TCPAddr, tcpServer.Listen)

	if cfg.Server.TLSEnabled {
		tlsConf, err := serverTLS(cfg.Server)
		if err != nil {
			logger.Error("Failed to load TLS materials", "error", err)
			os.Exit(1)
		}
		tlsCfg := tcpConfig(cfg, tlsConf, limiter, logger)
		tlsCfg.Address = cfg.Server.TLSAddr
		tlsServer := tcp.New(tlsCfg, b)
		runListener("tls", cfg.Server.TLSAddr, tlsServer.Listen)
	}

	if cfg.Server.WSEnabled {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			SendQueueSize:   cfg.Broker.SendQueueSize,
			MaxPacketSize:   cfg.Broker.MaxPacketSize,
			Limiter:         limiter,
		}, b, logger)
		runListener("websocket", cfg.Server.WSAddr, wsServer.Listen)
	}

	logger.Info("Broker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("Listener failed", "error", err)
	}

	cancel()
	wg.Wait()

	// The broker persists resumable sessions on close, so the store
	// closes after it.
	if err := b.Close(); err != nil {
		logger.Error("Broker close failed", "error", err)
	}
	if limiter != nil {
		limiter.Stop()
	}
	if err := store.Close(); err != nil {
		logger.Error("Storage close failed", "error", err)
	}
	if otelShutdown != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := otelShutdown(flushCtx); err != nil {
			logger.Error("Telemetry shutdown failed", "error", err)
		}
		flushCancel()
	}

	logger.Info("Broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func openStore(cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		logger.Info("Using in-memory storage")
		return memory.New(), nil
	case "badger":
		logger.Info("Using BadgerDB storage", "dir", cfg.BadgerDir)
		return badger.New(badger.Config{Dir: cfg.BadgerDir})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func tcpConfig(cfg *config.Config, tlsConf *tls.Config, limiter *ratelimit.IPLimiter, logger *slog.Logger) tcp.Config {
	return tcp.Config{
		Address:         cfg.Server.TCPAddr,
		TLSConfig:       tlsConf,
		Logger:          logger,
		Limiter:         limiter,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.MaxConnections,
		SendQueueSize:   cfg.Broker.SendQueueSize,
		MaxPacketSize:   cfg.Broker.MaxPacketSize,
	}
}

// serverTLS builds the listener TLS configuration from the configured
// file paths. Client certificate verification is controlled by
// tls_client_auth; "request" asks for a certificate without failing the
// handshake when none is offered.
func serverTLS(cfg config.ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("load client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.TLSCAFile)
		}
		tlsConf.ClientCAs = pool
	}

	switch cfg.TLSClientAuth {
	case "", "none":
	case "request":
		tlsConf.ClientAuth = tls.RequestClientCert
	case "require":
		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unknown tls_client_auth %q", cfg.TLSClientAuth)
	}

	return tlsConf, nil
}
