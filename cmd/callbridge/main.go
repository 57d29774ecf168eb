package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/httpserver"
	"github.com/callbridge/callbridge/internal/media"
	"github.com/callbridge/callbridge/internal/metrics"
	"github.com/callbridge/callbridge/internal/signaling"
	"github.com/callbridge/callbridge/internal/switchboard"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting callbridge",
		"control_addr", cfg.ControlAddr,
		"media_addr", cfg.MediaAddr,
		"admin_addr", cfg.AdminAddr,
		"mode", cfg.Mode,
		"plain_control", cfg.PlainControl,
		"max_clients", cfg.MaxClients,
		"max_datagram_bytes", cfg.MaxDatagramBytes,
	)

	controlLn, err := listenControl(cfg)
	if err != nil {
		logger.Error("failed to listen for control", "err", err)
		os.Exit(1)
	}

	mediaConn, err := net.ListenPacket("udp", cfg.MediaAddr)
	if err != nil {
		logger.Error("failed to listen for media", "err", err)
		os.Exit(1)
	}

	adminLn, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		logger.Error("failed to listen for admin", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	board := switchboard.New(logger, m, cfg.MaxClients)
	ctl := signaling.NewServer(signaling.Config{
		Board:             board,
		Log:               logger,
		Metrics:           m,
		IdleTimeout:       cfg.IdleTimeout,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
	})
	relay := media.New(mediaConn, board, logger, m, cfg.MaxDatagramBytes)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	admin := httpserver.New(cfg.AdminAddr, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	admin.Mux().Handle("GET /metrics", m.Handler())
	admin.Mux().Handle("GET /ws", ctl.WebSocketHandler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)
	go func() { errCh <- ctl.Serve(ctx, controlLn) }()
	go func() { errCh <- relay.Run(ctx) }()
	go func() { errCh <- admin.Serve(adminLn) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "err", err)
	}
	if err := ctl.Shutdown(shutdownCtx); err != nil {
		logger.Error("control server shutdown failed", "err", err)
	}
	logger.Info("shutdown complete")
}

// listenControl opens the control listener, TLS-wrapped unless plain TCP is
// explicitly configured.
func listenControl(cfg config.Config) (net.Listener, error) {
	if cfg.PlainControl {
		return net.Listen("tcp", cfg.ControlAddr)
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	return tls.Listen("tcp", cfg.ControlAddr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
