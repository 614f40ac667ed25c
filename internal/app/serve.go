package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"sheetvault/internal/config"
	"sheetvault/internal/httpapi"
	"sheetvault/internal/sv"
)

const (
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 5 * time.Minute
	defaultShutdownTimeout = 15 * time.Second

	openRetryInterval = 2 * time.Second
)

// Handler builds the HTTP API over this App.
func (a *App) Handler() (http.Handler, error) {
	secret, err := a.jwtSecret()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := httpapi.Options{
		Service:   a.service,
		Accounts:  a.db,
		Gate:      a.gate,
		Staging:   a.staging,
		Logger:    a.log,
		JWTSecret: secret,
		Registry:  registry,
	}
	if a.hub != nil {
		opts.Subscriber = a.hub
	}
	return httpapi.NewServer(opts).Routes(), nil
}

// Serve runs the HTTP API until ctx is cancelled, then drains in-flight
// requests within the shutdown timeout. The object store is opened in the
// background; until it is ready the API answers 503.
func (a *App) Serve(ctx context.Context) error {
	handler, err := a.Handler()
	if err != nil {
		return err
	}

	readTimeout, err := config.ParseDuration(a.cfg.Server.ReadTimeout, defaultReadTimeout)
	if err != nil {
		return fmt.Errorf("server read_timeout: %w", err)
	}
	writeTimeout, err := config.ParseDuration(a.cfg.Server.WriteTimeout, defaultWriteTimeout)
	if err != nil {
		return fmt.Errorf("server write_timeout: %w", err)
	}
	shutdownTimeout, err := config.ParseDuration(a.cfg.Server.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return fmt.Errorf("server shutdown_timeout: %w", err)
	}

	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Server.Addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.openWithRetry(runCtx)
	if a.redis != nil {
		go func() {
			if err := a.redis.Relay(runCtx, a.hub, nil); err != nil {
				a.log.Error("notification relay stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if a.hub != nil {
		srv.RegisterOnShutdown(a.hub.Close)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down http server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	a.log.Info("http server stopped")
	return nil
}

// openWithRetry opens the gate, retrying while the database is unreachable.
// Any other failure leaves the API answering 503 until restart.
func (a *App) openWithRetry(ctx context.Context) {
	for {
		err := a.Open(ctx)
		switch {
		case err == nil, errors.Is(err, sv.ErrAlreadyInitialized):
			return
		case errors.Is(err, sv.ErrNotReady):
			a.log.Warn("database not reachable, retrying", "error", err, "in", openRetryInterval)
		default:
			a.log.Error("opening object store", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(openRetryInterval):
		}
	}
}
