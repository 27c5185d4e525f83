package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"qios/internal/api"
	"qios/internal/config"
	"qios/internal/hub"
	"qios/internal/logging"
	"qios/internal/metrics"
	"qios/internal/orchestrator"
	"qios/internal/otel"
	"qios/internal/stats"
)

const (
	readHeaderTimeout = 10 * time.Second
	hubStopTimeout    = 5 * time.Second
)

type serveOptions struct {
	Config config.Config
	Flags  cliFlags
	Logger *logging.Logger
	// Ready, when set, receives the bound listener address.
	Ready func(net.Addr)
	// Lookup resolves environment variables on reload.
	Lookup func(string) (string, bool)
}

// serve runs the hub and HTTP server until ctx is cancelled.
func serve(ctx context.Context, options serveOptions) error {
	cfg := options.Config
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	lookup := options.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	registry := &metrics.Registry{}
	state, err := stats.NewState(cfg.Metrics, nil)
	if err != nil {
		return fmt.Errorf("metric state: %w", err)
	}
	script := orchestrator.DefaultScript()
	script.PhaseADelay = cfg.PhaseADelay
	script.PhaseBDelay = cfg.PhaseBDelay

	backOffice, err := hub.New(hub.Options{
		State:              state,
		BroadcastInterval:  cfg.BroadcastInterval,
		Script:             script,
		CancelOnDisconnect: cfg.CancelOnDisconnect,
		SubscriberBuffer:   cfg.SubscriberBuffer,
		Metrics:            registry,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("hub: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}

	hubContext, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan error, 1)
	go func() {
		hubDone <- backOffice.Run(hubContext)
	}()

	shutdown := newShutdownSequence(logger)
	gauges, err := otel.RegisterGauges(otel.Meter(), func() otel.Observation {
		return observe(backOffice.Status())
	})
	if err != nil {
		logger.Warn("hub gauges unavailable", map[string]string{
			"error": err.Error(),
		})
	} else {
		shutdown.Add("gauges", func(context.Context) error {
			return gauges.Unregister()
		})
	}
	if cfg.Path != "" {
		watcher, err := config.Watch(cfg.Path, config.WatchOptions{
			Logger: logger,
			Load: func(path string) (config.Config, error) {
				return loadConfigFrom(path, options.Flags, lookup)
			},
			OnChange: func(next config.Config) {
				applyReload(ctx, backOffice, logger, cfg, next)
			},
		})
		if err != nil {
			logger.Warn("config watch unavailable", map[string]string{
				"path":  cfg.Path,
				"error": err.Error(),
			})
		} else {
			shutdown.Add("config-watcher", func(context.Context) error {
				return watcher.Close()
			})
		}
	}
	shutdown.Add("hub", func(ctx context.Context) error {
		stopHub()
		select {
		case err := <-hubDone:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-ctx.Done():
			return fmt.Errorf("hub stop: %w", ctx.Err())
		}
	})

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.RouteOptions{
		Hub:            backOffice,
		Metrics:        registry,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		Started:        time.Now(),
		FrameRate:      cfg.FrameRate,
		FrameBurst:     cfg.FrameBurst,
	})
	// h2c serves the REST endpoints to HTTP/2 cleartext clients. WebSocket
	// upgrades stay on HTTP/1.1.
	server := &http.Server{
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Info("back office listening", map[string]string{
		"addr":                 listener.Addr().String(),
		"broadcast_interval":   cfg.BroadcastInterval.String(),
		"cancel_on_disconnect": strconv.FormatBool(cfg.CancelOnDisconnect),
		"config":               cfg.Path,
	})
	if options.Ready != nil {
		options.Ready(listener.Addr())
	}

	serveErr := serveHTTP(ctx, logger, server, listener, httpServerShutdownTimeout)

	// Open WebSocket connections are released when the hub stops and closes
	// their delivery streams.
	shutdownContext, cancel := context.WithTimeout(context.Background(), hubStopTimeout)
	defer cancel()
	shutdownErr := shutdown.Run(shutdownContext)
	logger.Info("back office stopped", nil)
	return errors.Join(serveErr, shutdownErr)
}

func observe(status hub.Status) otel.Observation {
	return otel.Observation{
		NodeCount:   status.NodeCount,
		AdminCount:  status.AdminCount,
		Connections: status.Connections,
		Sessions:    len(status.Sessions),
		Stats:       status.Stats,
	}
}

// applyReload applies the hot-reloadable part of next: log level and metric
// definitions. Other changed keys only take effect after a restart.
func applyReload(ctx context.Context, backOffice *hub.Hub, logger *logging.Logger, running, next config.Config) {
	if ignored := restartOnlyChanges(running, next); len(ignored) > 0 {
		logger.Warn("config changes need a restart", map[string]string{
			"keys": strings.Join(ignored, ","),
		})
	}
	if logger.Level() != next.LogLevel {
		logger.SetLevel(next.LogLevel)
	}
	if err := backOffice.Reconfigure(ctx, next.Metrics); err != nil {
		logger.Warn("metric reconfigure failed", map[string]string{
			"error": err.Error(),
		})
	}
}

// restartOnlyChanges names the file keys that differ between running and
// next but cannot be applied to a live process.
func restartOnlyChanges(running, next config.Config) []string {
	var keys []string
	note := func(key string, changed bool) {
		if changed {
			keys = append(keys, key)
		}
	}
	note("port", running.Port != next.Port)
	note("broadcast_interval", running.BroadcastInterval != next.BroadcastInterval)
	note("phase_a_delay", running.PhaseADelay != next.PhaseADelay)
	note("phase_b_delay", running.PhaseBDelay != next.PhaseBDelay)
	note("cancel_on_disconnect", running.CancelOnDisconnect != next.CancelOnDisconnect)
	note("allowed_origins", !slices.Equal(running.AllowedOrigins, next.AllowedOrigins))
	note("subscriber_buffer", running.SubscriberBuffer != next.SubscriberBuffer)
	note("frame_rate", running.FrameRate != next.FrameRate)
	note("frame_burst", running.FrameBurst != next.FrameBurst)
	return keys
}
