// Infisical PAM Broker
// Copyright (C) 2025 Infisical, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command pam-broker runs the PAM database broker: an HTTP API that
// executes SQL against customer databases over per-session mTLS tunnels
// brokered by the Infisical control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/infisical/pam-broker/lib/client"
	"github.com/infisical/pam-broker/lib/db/pool"
	"github.com/infisical/pam-broker/lib/defaults"
	"github.com/infisical/pam-broker/lib/pam"
	"github.com/infisical/pam-broker/lib/tunnel"
	"github.com/infisical/pam-broker/lib/web"
)

type config struct {
	listenAddr string
	diagAddr   string
	diagDebug  bool

	controlPlaneURL string
	apiToken        string
	authToken       string

	maxIdle       time.Duration
	sweepInterval time.Duration

	debug bool
}

func main() {
	var cfg config
	flag.StringVar(&cfg.listenAddr, "listen-addr", defaults.HTTPListenAddr, "listen address for the API server")
	flag.StringVar(&cfg.diagAddr, "diag-addr", defaults.DiagListenAddr, "listen address for the diagnostics server")
	flag.BoolVar(&cfg.diagDebug, "diag-debug", false, "enable /debug/pprof/ endpoints on the diagnostics server")
	flag.StringVar(&cfg.controlPlaneURL, "control-plane-url", "", "control plane base URL (required)")
	flag.StringVar(&cfg.apiToken, "api-token", "", "control plane API token (required, default $PAM_BROKER_API_TOKEN)")
	flag.StringVar(&cfg.authToken, "auth-token", "", "bearer token required on broker API routes (required, default $PAM_BROKER_AUTH_TOKEN)")
	flag.DurationVar(&cfg.maxIdle, "max-idle", defaults.PoolMaxIdle, "idle time before a pooled direct connection is closed")
	flag.DurationVar(&cfg.sweepInterval, "sweep-interval", defaults.PoolSweepInterval, "how often the pool sweeper runs")
	flag.BoolVar(&cfg.debug, "debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if cfg.controlPlaneURL == "" {
		fmt.Fprintln(os.Stderr, "missing control-plane-url")
		flag.Usage()
		os.Exit(2)
	}
	if u, err := url.Parse(cfg.controlPlaneURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		fmt.Fprintln(os.Stderr, "invalid control-plane-url")
		flag.Usage()
		os.Exit(2)
	}
	if cfg.apiToken == "" {
		cfg.apiToken = os.Getenv("PAM_BROKER_API_TOKEN")
	}
	if cfg.apiToken == "" {
		fmt.Fprintln(os.Stderr, "missing api-token")
		flag.Usage()
		os.Exit(2)
	}
	if cfg.authToken == "" {
		cfg.authToken = os.Getenv("PAM_BROKER_AUTH_TOKEN")
	}
	if cfg.authToken == "" {
		fmt.Fprintln(os.Stderr, "missing auth-token")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Broker terminated.", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	controlPlane, err := client.New(client.Config{
		Addr:  cfg.controlPlaneURL,
		Token: cfg.apiToken,
		Log:   logger.With("component", "client"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	connectionPool := pool.NewPool(pool.Config{
		MaxIdle:       cfg.maxIdle,
		SweepInterval: cfg.sweepInterval,
		Log:           logger.With("component", "pool"),
	})

	registry := tunnel.NewRegistry(logger.With("component", "tunnel"))

	resolver, err := pam.NewResolver(pam.ResolverConfig{
		Sessions:  controlPlane,
		Accounts:  controlPlane,
		Resources: controlPlane,
		Vault:     controlPlane,
		Gateways:  controlPlane,
		Log:       logger.With("component", "resolver"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	service, err := pam.NewService(pam.Config{
		Resolver: resolver,
		Tunnels:  registry,
		Pool:     connectionPool,
		Log:      logger.With("component", "pam"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Service:   service,
		AuthToken: cfg.authToken,
		Log:       logger.With("component", "web"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	go runDiagServer(cfg.diagAddr, cfg.diagDebug, logger.With("server", "diag"))

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Queries can legitimately run for minutes, the write timeout
		// only needs to cut off dead clients.
		WriteTimeout: 5 * time.Minute,
		ErrorLog:     slog.NewLogLogger(logger.With("server", "api").Handler(), slog.LevelWarn),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.listenAddr)
	if err != nil {
		return trace.Wrap(err)
	}

	go func() {
		defer cancel()
		logger.Info("Serving api.", "listen_addr", listener.Addr().String())
		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			logger.Error("Done serving api.", "error", err)
			return
		}
		logger.Info("Done serving api.")
	}()

	<-ctx.Done()
	cancel()

	logger.Info("Shutting down.")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to drain api server.", "error", err)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to shut down session service.", "error", err)
	}
	logger.Info("Shut down.")
	return nil
}

func runDiagServer(addr string, enableDebug bool, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/livez", func(http.ResponseWriter, *http.Request) {})
	mux.HandleFunc("/readyz", func(http.ResponseWriter, *http.Request) {})
	if enableDebug {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Warn("Enabled /debug/pprof/ endpoints on diag.")
	}

	diagSrv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		ErrorLog:    slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	logger.Info("Serving diag.", "listen_addr", addr)
	err := diagSrv.ListenAndServe()
	logger.Error("Done serving diag.", "error", err)
}
