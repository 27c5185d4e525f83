// qios-backoffice runs the orchestration hub for QIOS nodes and admin
// consoles. Participants connect over WebSocket at /ws.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"qios/internal/config"
	"qios/internal/logging"
	"qios/internal/otel"
	"qios/internal/version"
)

const tracingShutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	if flags.Version {
		fmt.Fprintf(stdout, "qios-backoffice %s\n", version.Get())
		return 0
	}
	if flags.ConfigSchema {
		payload, err := config.SchemaJSON()
		if err != nil {
			fmt.Fprintf(stderr, "schema: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "%s\n", payload)
		return 0
	}

	cfg, err := loadConfig(flags, os.LookupEnv)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), cfg.LogLevel, stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	stopWatching := relaySignals(logger, cancel, signals)
	defer stopWatching()

	tracingOptions := otel.SDKOptionsFromEnv(os.LookupEnv)
	tracingOptions.ServiceVersion = version.Version
	shutdownTracing, err := otel.SetupSDK(ctx, tracingOptions)
	if err != nil {
		logger.Warn("tracing unavailable", map[string]string{
			"error": err.Error(),
		})
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownContext, cancelShutdown := context.WithTimeout(context.Background(), tracingShutdownTimeout)
		defer cancelShutdown()
		if err := shutdownTracing(shutdownContext); err != nil {
			logger.Warn("tracing shutdown failed", map[string]string{
				"error": err.Error(),
			})
		}
	}()

	if err := serve(ctx, serveOptions{
		Config: cfg,
		Flags:  flags,
		Logger: logger,
	}); err != nil {
		logger.Error("back office stopped with error", map[string]string{
			"error": err.Error(),
		})
		return 1
	}
	return 0
}
