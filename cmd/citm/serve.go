package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/citm/internal/config"
	"github.com/infodancer/citm/internal/imapengine"
	"github.com/infodancer/citm/internal/logging"
	"github.com/infodancer/citm/internal/metrics"
	"github.com/infodancer/citm/internal/server"
	"github.com/infodancer/citm/internal/status"
)

// upstreamAuth defers real credential validation to the upstream mail
// server: CITM itself holds no password database. Every LOGIN/AUTHENTICATE
// dials cfg.UpstreamAddr and performs a real LOGIN there; only a successful
// upstream LOGIN authenticates the downwards session.
type upstreamAuth struct {
	dialer imapengine.UpstreamDialer
}

func (a upstreamAuth) Authenticate(ctx context.Context, username, password string) (*imapengine.Session, error) {
	if a.dialer == nil {
		return nil, fmt.Errorf("no upstream server configured")
	}
	return a.dialer.Dial(ctx, username, password)
}

func runServe(ctx context.Context, cfg config.Config) error {
	logLevel := "info"
	if cfg.Debug {
		logLevel = "debug"
	}
	logger := logging.NewLogger(logLevel)
	ctx = logging.WithLogger(ctx, logger)

	if cfg.NeedsConfiguring() {
		logger.Warn("a configured listener has no cert/key; connections will greet with BYE until `citm` is configured")
	}

	var collector metrics.Collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)

	metricsServer := metrics.NewPrometheusServer("127.0.0.1:9090", "/metrics")
	go func() {
		if err := metricsServer.Start(ctx); err != nil {
			logger.Error("metrics server error", "error", err.Error())
		}
	}()

	statusInitial := status.Status{}
	statusServer, serr := status.NewServer(cfg.SocketPath, statusInitial, func() {}, logger)
	if serr != nil {
		return &exitError{1, fmt.Errorf("starting status server: %s", serr.Error())}
	}
	defer statusServer.Close(ctx)

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return &exitError{18, err}
	}
	statusServer.SetTLSReady(tlsConfig != nil)

	srv, err := server.New(server.Options{Config: cfg, Logger: logger})
	if err != nil {
		return &exitError{1, err}
	}

	auth := upstreamAuth{dialer: newUpstreamDialer(cfg)}
	handler := imapengine.Handler(cfg.Hostname, tlsConfig, auth, collector)
	srv.SetHandler(handler)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("starting citm",
		slog.String("hostname", cfg.Hostname),
		slog.Int("listeners", len(cfg.Listeners)),
		slog.String("smdir", cfg.SplintermailDir),
		slog.String("socket", cfg.SocketPath),
	)

	if err := srv.Run(runCtx); err != nil && err != context.Canceled {
		return &exitError{1, err}
	}

	logger.Info("citm stopped")
	return nil
}

// tokenPath returns the path to the persisted API token for the configured
// account, ${smdir}/api_token.json per spec.md §6.
func tokenPath(cfg config.Config) string {
	return filepath.Join(cfg.SplintermailDir, "api_token.json")
}

// newUpstreamDialer builds the dialer LOGIN/AUTHENTICATE use to prove
// credentials against the real mail server. Returns nil if no upstream
// server is configured, in which case every local login fails closed.
func newUpstreamDialer(cfg config.Config) imapengine.UpstreamDialer {
	if cfg.UpstreamAddr == "" {
		return nil
	}
	var tlsConfig *tls.Config
	if cfg.UpstreamTLS {
		serverName := cfg.UpstreamAddr
		if host, _, err := net.SplitHostPort(cfg.UpstreamAddr); err == nil {
			serverName = host
		}
		tlsConfig = &tls.Config{ServerName: serverName}
	}
	return &imapengine.TCPUpstreamDialer{
		Addr:      cfg.UpstreamAddr,
		UseTLS:    cfg.UpstreamTLS,
		TLSConfig: tlsConfig,
		Hostname:  cfg.Hostname,
	}
}
