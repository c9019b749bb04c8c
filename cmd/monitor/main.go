// Package main is the entry point for the Modbus monitor service.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexus-edge/modbus-monitor/internal/adapter/config"
	"github.com/nexus-edge/modbus-monitor/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-monitor/internal/adapter/mqtt"
	"github.com/nexus-edge/modbus-monitor/internal/adapter/store"
	"github.com/nexus-edge/modbus-monitor/internal/api"
	"github.com/nexus-edge/modbus-monitor/internal/health"
	"github.com/nexus-edge/modbus-monitor/internal/metrics"
	"github.com/nexus-edge/modbus-monitor/internal/service"
	"github.com/nexus-edge/modbus-monitor/pkg/logging"
)

const (
	serviceName    = "modbus-monitor"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(serviceName, serviceVersion)
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.NewWithConfig(serviceName, serviceVersion, logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Starting Modbus monitor")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Modbus client
	client, err := modbus.NewClient(modbus.ClientConfig{
		Address:        cfg.Modbus.Address(),
		SlaveID:        byte(cfg.Modbus.SlaveID),
		Timeout:        cfg.Modbus.Timeout,
		ConnectTimeout: cfg.Modbus.ConnectTimeout,
		IdleTimeout:    cfg.Modbus.IdleTimeout,
		MaxRetries:     cfg.Modbus.RetryAttempts,
		RetryDelay:     cfg.Modbus.RetryDelay,
	}, logger, metricsRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Modbus client")
	}

	// Sinks
	var sinks service.MultiSink

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			TLSEnabled:     cfg.MQTT.TLSEnabled,
			TLSCertFile:    cfg.MQTT.TLSCertFile,
			TLSKeyFile:     cfg.MQTT.TLSKeyFile,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
			BufferSize:     cfg.MQTT.BufferSize,
			RetainMessages: cfg.MQTT.RetainMessages,
		}, logger, metricsRegistry)
		if err := publisher.Connect(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
		}
		defer publisher.Disconnect()
		sinks = append(sinks, publisher)
		logger.Info().Str("broker", cfg.MQTT.BrokerURL).Msg("MQTT publishing enabled")
	}

	var readingsStore *store.Store
	if cfg.Redis.Enabled {
		readingsStore = store.NewStore(store.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			KeyPrefix:   cfg.Redis.KeyPrefix,
			HistorySize: cfg.Redis.HistorySize,
		}, logger, metricsRegistry)
		defer readingsStore.Close()
		sinks = append(sinks, readingsStore)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Redis store enabled")
	}

	// Monitor supervisor: builds a fresh loop on every start so
	// monitoring can be resumed over the API after a stop.
	monitor := service.NewSupervisor(client, sinks, service.Config{
		PollInterval:   cfg.Monitor.PollInterval,
		FailureCeiling: cfg.Monitor.FailureCeiling,
	}, logger, metricsRegistry)

	// Register definitions are optional at startup; they can also be
	// pushed over the API.
	if specs, err := config.LoadRegisters(cfg.RegistersPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatal().Err(err).Msg("Failed to load register definitions")
		}
		logger.Warn().Str("path", cfg.RegistersPath).Msg("No register definitions file, starting empty")
	} else {
		for _, spec := range specs {
			if err := monitor.AddRegister(spec); err != nil {
				logger.Fatal().Err(err).Str("register", spec.Name).Msg("Invalid register definition")
			}
		}
		logger.Info().Int("registers", len(specs)).Msg("Register definitions loaded")
	}

	if cfg.Monitor.Autostart {
		if err := monitor.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start monitor")
		}
		logger.Info().Msg("Monitor autostarted")
	}

	// Health checks
	checker := health.NewAggregator(serviceName, serviceVersion)
	checker.Register("modbus", client)
	if readingsStore != nil {
		checker.RegisterOptional("redis", readingsStore)
	}
	if publisher != nil {
		checker.RegisterOptional("mqtt", health.CheckFunc(func(ctx context.Context) error {
			if !publisher.IsConnected() {
				return fmt.Errorf("broker unreachable")
			}
			return nil
		}))
	}

	// HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.Handler)
	mux.HandleFunc("/health/live", checker.LivenessHandler)
	mux.HandleFunc("/health/ready", checker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	var dataStore api.DataStore
	if readingsStore != nil {
		dataStore = readingsStore
	}
	apiHandler := api.NewHandler(ctx, client, monitor, dataStore, logger)
	apiHandler.Register(mux, api.NewMiddleware(cfg.API, logger))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Str("device", cfg.Modbus.Address()).
		Int("http_port", cfg.HTTP.Port).
		Msg("Modbus monitor started successfully")

	// Wait for shutdown signal or the monitor ending on its own.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")
	case <-monitor.Done():
		// The loop ended on its own (stop or failure budget); keep
		// serving so it can be resumed over the API.
		if monitor.StatsSnapshot().ConsecutiveFailures > 0 {
			logger.Error().Msg("Monitor stopped after repeated failures, restart it via the API")
		} else {
			logger.Info().Msg("Monitor stopped, restart it via the API")
		}
		<-quit
		logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	monitor.Stop()
	cancel()
	if monitor.State() != service.StateIdle {
		select {
		case <-monitor.Done():
		case <-shutdownCtx.Done():
			logger.Warn().Msg("Timeout waiting for monitor shutdown")
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	// One-shot API connections may still be open.
	if err := client.Disconnect(); err != nil {
		logger.Error().Err(err).Msg("Error disconnecting Modbus client")
	}

	logger.Info().Msg("Modbus monitor shutdown complete")
}
