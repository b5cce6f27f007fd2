package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tunnelgate/internal/agent"
	"tunnelgate/internal/config"
	"tunnelgate/internal/httpserver"
	"tunnelgate/internal/manager"
	"tunnelgate/internal/metrics"
	"tunnelgate/pkg/certgen"
)

func newServeCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tunnelgate server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgFile)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "path to an optional config file")
	return cmd
}

func runServe(ctx context.Context, cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mgr := manager.New(manager.Options{
		MaxClients: cfg.MaxClients,
		Domain:     cfg.Domain,
		Secure:     cfg.Secure,
		Agent: agent.Options{
			MaxSockets:         cfg.MaxTCPSockets,
			IdleTimeout:        cfg.SocketTimeout,
			QueueTimeout:       cfg.QueueTimeout,
			MaxWaitingRequests: cfg.MaxWaitingRequests,
			PortRangeMin:       cfg.TCPPortRangeMin,
			PortRangeMax:       cfg.TCPPortRangeMax,
			DiscoverPublicIP:   cfg.DiscoverPublicIP,
		},
		Metrics: m,
	}, log)

	handler := httpserver.New(mgr, httpserver.Config{Domain: cfg.Domain, Landing: cfg.Landing}, log)

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port)),
		Handler: handler,
	}

	if cfg.Secure {
		tlsConfig, err := loadOrGenerateTLS(cfg.Domain)
		if err != nil {
			return fmt.Errorf("preparing TLS material: %w", err)
		}
		srv.TLSConfig = tlsConfig
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Bool("secure", cfg.Secure).Msg("tunnelgate listening")
		var serveErr error
		if cfg.Secure {
			serveErr = srv.ListenAndServeTLS("", "")
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	// The scrape endpoint only runs when metrics_addr is configured, on its
	// own listener so a tunnel host can never shadow it and scraping never
	// shares a port with public traffic.
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler(reg))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if serveErr := metricsSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				errCh <- serveErr
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

// loadOrGenerateTLS produces a TLS config for the public listener,
// generating a self-signed certificate under the platform config
// directory (pkg/certgen) if one isn't already cached there.
func loadOrGenerateTLS(domain string) (*tls.Config, error) {
	dir, err := config.StateDir()
	if err != nil {
		return nil, err
	}

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	if err := certgen.GenerateCert(certFile, keyFile, domain); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading generated TLS certificate: %w", err)
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
