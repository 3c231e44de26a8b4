// Command s3probe-target runs the reference S3 target as a standalone
// server, so the conformance suite and the CLI can be pointed at it like at
// any other target.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"s3probe/internal/auth"
	"s3probe/internal/config"
	"s3probe/internal/metrics"
	"s3probe/internal/target"
)

func parseUser(v string) (auth.Credentials, error) {
	accessKey, secret, ok := strings.Cut(v, ":")
	if !ok || accessKey == "" || secret == "" {
		return auth.Credentials{}, fmt.Errorf("user %q is not access-key:secret", v)
	}
	return auth.Credentials{AccessKey: accessKey, SecretKey: secret}, nil
}

func Run(ctx context.Context) error {
	var users []auth.Credentials

	listen := flag.String("listen", ":3128", "HTTP listen address")
	httpsListen := flag.String("https-listen", ":3129", "HTTPS listen address, used when -cert and -key are set")
	certFile := flag.String("cert", "", "TLS certificate file")
	keyFile := flag.String("key", "", "TLS key file")
	metricsListen := flag.String("metrics-listen", "", "Prometheus metrics listen address, disabled when empty")
	dataDir := flag.String("data-dir", "./data", "directory to store object data and metadata")
	region := flag.String("region", "us-east-1", "region reported by GET ?location")
	minPartSize := flag.Int64("min-part-size", target.DefaultMinPartSize, "smallest size of every multipart part but the last")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Func("user", "access-key:secret of a user, repeatable; defaults to the configured primary and alternate users", func(v string) error {
		creds, err := parseUser(v)
		if err != nil {
			return err
		}
		users = append(users, creds)
		return nil
	})

	flag.Parse()

	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}
	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    *verbose,
	})
	slog.SetDefault(slog.New(handler))

	if len(users) == 0 {
		defaults := config.Default()
		users = []auth.Credentials{
			{AccessKey: defaults.AccessKey, SecretKey: defaults.AccessSecret},
			{AccessKey: defaults.AltAccessKey, SecretKey: defaults.AltAccessSecret},
		}
	}

	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	m := metrics.New("target")
	server, err := target.NewServer(ctx, target.NewConfig(
		target.WithDataDir(absDataDir),
		target.WithRegion(*region),
		target.WithCredentials(users...),
		target.WithMinPartSize(*minPartSize),
		target.WithMetrics(m),
	))
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	defer server.Close()

	router := server.Handler()
	newServer := func(addr string, h http.Handler) *http.Server {
		return &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 20 * time.Second,
		}
	}

	httpServer := newServer(*listen, router)
	httpsServer := newServer(*httpsListen, router)
	httpsServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	metricsServer := newServer(*metricsListen, m.Handler())

	eg, ctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{httpServer, httpsServer, metricsServer} {
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	eg.Go(func() error {
		if *certFile == "" || *keyFile == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}
		slog.Info("Starting HTTPS target", "addr", *httpsListen)
		if err := httpsServer.ListenAndServeTLS(*certFile, *keyFile); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		if *metricsListen == "" {
			return nil
		}
		slog.Info("Starting metrics server", "addr", *metricsListen)
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting HTTP target", "addr", *listen, "data_dir", absDataDir, "users", len(users))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Target exited with error", "error", err)
		os.Exit(1)
	}
}
