// Package main is the entry point for the device manager service. It
// wires the runtime together and manages the application lifecycle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/alpaca"
	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/config"
	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/indi"
	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/mqtt"
	"github.com/ElementAstro/lithium-next-sub000/internal/api"
	"github.com/ElementAstro/lithium-next-sub000/internal/backend"
	"github.com/ElementAstro/lithium-next-sub000/internal/configstore"
	"github.com/ElementAstro/lithium-next-sub000/internal/health"
	"github.com/ElementAstro/lithium-next-sub000/internal/manager"
	"github.com/ElementAstro/lithium-next-sub000/internal/metrics"
	"github.com/ElementAstro/lithium-next-sub000/internal/monitor"
	"github.com/ElementAstro/lithium-next-sub000/pkg/logging"
)

const (
	serviceName    = "lithium-devmanager"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	// Load configuration before the logger: the logger's level and
	// format come from it.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: cfg.Log.TimeFormat,
		NoColor:    cfg.Log.NoColor,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Starting device manager")

	// The metrics registry registers against the default Prometheus
	// registerer; a process creates exactly one.
	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Optional collaborators
	// =============================================================

	opts := []manager.Option{manager.WithMetrics(metricsRegistry)}

	var store *configstore.Store
	if cfg.Store.Enabled {
		store, err = configstore.Open(configstore.Config{
			Path:        cfg.Store.Path,
			BusyTimeout: cfg.Store.BusyTimeout,
			WALMode:     cfg.Store.WALMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open snapshot store")
		}
		defer store.Close()
		opts = append(opts, manager.WithSnapshotStore(store))
		logger.Info().Str("path", store.Path()).Msg("Snapshot store opened")
	}

	var sink *monitor.InfluxSink
	if cfg.Influx.Enabled {
		sink, err = monitor.NewInfluxSink(monitor.InfluxConfig{
			Enabled:       true,
			URL:           cfg.Influx.URL,
			Token:         cfg.Influx.Token,
			Org:           cfg.Influx.Org,
			Bucket:        cfg.Influx.Bucket,
			BatchSize:     cfg.Influx.BatchSize,
			FlushInterval: cfg.Influx.FlushInterval,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to InfluxDB")
		}
		defer sink.Close()
		opts = append(opts, manager.WithSink(sink))
		logger.Info().Str("url", cfg.Influx.URL).Msg("InfluxDB sink connected")
	}

	// =============================================================
	// Protocol backends
	// =============================================================

	backends := backend.NewRegistry(cfg.Discovery.RefreshInterval, logger)
	for _, bc := range cfg.Backends {
		if !bc.Enabled {
			continue
		}
		bc := bc
		var factory backend.Factory
		switch bc.Kind {
		case "indi":
			factory = func() (backend.Backend, error) {
				return indi.NewClient(indi.Config{
					Name:           bc.Name,
					DefaultTimeout: bc.Timeout,
				}, logger), nil
			}
		case "alpaca":
			factory = func() (backend.Backend, error) {
				return alpaca.NewClient(alpaca.Config{
					Name:           bc.Name,
					DefaultTimeout: bc.Timeout,
				}, logger), nil
			}
		case "simulated":
			// An in-process INDI server backs the simulated kind, so
			// the full protocol path is exercised without hardware.
			factory = func() (backend.Backend, error) {
				sim := indi.NewSimulator(
					indi.SimDevice{Name: "Sim Camera", Driver: "indi_simulator_ccd", Version: "1.0", Interface: 2},
					indi.SimDevice{Name: "Sim Mount", Driver: "indi_simulator_telescope", Version: "1.0", Interface: 1},
					indi.SimDevice{Name: "Sim Focuser", Driver: "indi_simulator_focuser", Version: "1.0", Interface: 8},
				)
				return indi.NewClient(indi.Config{
					Name:           bc.Name,
					DefaultTimeout: bc.Timeout,
					Dialer:         sim.Dialer(),
				}, logger), nil
			}
		}
		if err := backends.RegisterFactory(bc.Name, factory); err != nil {
			logger.Fatal().Err(err).Str("backend", bc.Name).Msg("Failed to register backend")
		}
		logger.Info().Str("backend", bc.Name).Str("kind", bc.Kind).Msg("Backend registered")
	}
	opts = append(opts, manager.WithBackends(backends))

	// =============================================================
	// Runtime
	// =============================================================

	mgr := manager.New(manager.FromAppConfig(cfg), logger, opts...)
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start device manager")
	}

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge = mqtt.New(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			Retain:         cfg.MQTT.Retain,
			CleanSession:   cfg.MQTT.CleanSession,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			PublishTimeout: cfg.MQTT.PublishTimeout,
			BufferSize:     cfg.MQTT.BufferSize,
			TLSEnabled:     cfg.MQTT.TLSEnabled,
			TLSCertFile:    cfg.MQTT.TLSCertFile,
			TLSKeyFile:     cfg.MQTT.TLSKeyFile,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
		}, mgr.Bus(), logger, metricsRegistry)
		if err := bridge.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start MQTT bridge")
		}
		logger.Info().Str("broker", cfg.MQTT.BrokerURL).Msg("MQTT bridge connected")
	}

	// Connect backend servers. A server that is down at boot is not
	// fatal; discovery and the API can reach it later.
	connectedBackends := make([]string, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		if !bc.Enabled {
			continue
		}
		b, err := backends.Backend(bc.Name)
		if err != nil {
			logger.Error().Err(err).Str("backend", bc.Name).Msg("Failed to create backend")
			continue
		}
		if err := b.ConnectServer(ctx, backend.ServerConfig{
			Host:    bc.Host,
			Port:    bc.Port,
			Timeout: bc.Timeout,
			Options: bc.Options,
		}); err != nil {
			logger.Warn().Err(err).Str("backend", bc.Name).Msg("Backend server not reachable")
			continue
		}
		connectedBackends = append(connectedBackends, bc.Name)
		logger.Info().Str("backend", bc.Name).Str("host", bc.Host).Int("port", bc.Port).Msg("Backend server connected")
	}

	// =============================================================
	// Device roster
	// =============================================================

	specs, err := config.LoadDeviceRoster(cfg.DevicesPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info().Str("path", cfg.DevicesPath).Msg("No device roster file")
		} else {
			logger.Fatal().Err(err).Str("path", cfg.DevicesPath).Msg("Failed to load device roster")
		}
	} else {
		added, err := mgr.ApplyRoster(ctx, specs)
		if err != nil {
			logger.Error().Err(err).Msg("Roster applied with errors")
		}
		logger.Info().Int("count", len(added)).Msg("Device roster applied")

		for _, res := range mgr.ConnectAuto(ctx) {
			if !res.OK() {
				logger.Warn().Err(res.Err).Str("device", res.Name).Msg("Auto-connect failed")
			}
		}
	}

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	checker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	checker.AddCheck("pool", mgr.Pool())
	if store != nil {
		checker.AddCheck("snapshot_store", store)
	}
	if sink != nil {
		checker.AddCheck("influxdb", sink)
	}
	if bridge != nil {
		checker.AddCheck("mqtt", bridge)
	}
	for _, name := range connectedBackends {
		name := name
		checker.AddCheck("backend_"+name, health.CheckFunc(func(ctx context.Context) error {
			b, err := backends.Backend(name)
			if err != nil {
				return err
			}
			if !b.IsServerConnected() {
				return fmt.Errorf("backend %s lost its server connection", name)
			}
			return nil
		}))
	}
	checker.Start()

	server := api.NewServer(mgr, checker, cfg.API, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      server.Routes(),
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
		Int("backends", len(connectedBackends)).
		Int("devices", len(mgr.Devices())).
		Int("http_port", cfg.HTTP.Port).
		Msg("Device manager started")

	// =============================================================
	// Shutdown handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown")

	// Stop the health checker first so readiness flips and load
	// balancers drain the instance before connections drop.
	checker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	if bridge != nil {
		bridge.Stop()
	}

	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping device manager")
	}

	for _, name := range connectedBackends {
		if b, err := backends.Backend(name); err == nil {
			if err := b.DisconnectServer(shutdownCtx); err != nil {
				logger.Warn().Err(err).Str("backend", name).Msg("Backend disconnect failed")
			}
		}
	}

	logger.Info().Msg("Device manager shutdown complete")
}
