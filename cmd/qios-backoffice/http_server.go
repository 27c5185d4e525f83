package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"qios/internal/logging"
)

const httpServerShutdownTimeout = 5 * time.Second

// serveHTTP serves on listener until ctx is cancelled or Serve fails, then
// shuts the server down within timeout. A requested stop returns nil.
func serveHTTP(ctx context.Context, logger *logging.Logger, server *http.Server, listener net.Listener, timeout time.Duration) error {
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(listener)
	}()

	var failure error
	select {
	case err := <-served:
		served = nil
		if !errors.Is(err, http.ErrServerClosed) {
			failure = err
			logger.Error("http server stopped", map[string]string{
				"error": err.Error(),
			})
		}
	case <-ctx.Done():
	}

	if timeout <= 0 {
		timeout = httpServerShutdownTimeout
	}
	shutdownContext, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownContext); err != nil {
		logger.Warn("http server shutdown failed", map[string]string{
			"error": err.Error(),
		})
	}
	if served != nil {
		select {
		case err := <-served:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("http server exited during shutdown", map[string]string{
					"error": err.Error(),
				})
			}
		case <-shutdownContext.Done():
		}
	}

	if failure != nil {
		return fmt.Errorf("http server: %w", failure)
	}
	return nil
}
