// Package config loads the server configuration from the environment, with an
// optional .env file for development and a small flag overlay for the knobs
// operators most often change per invocation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Mode Mode `env:"CALLBRIDGE_MODE" envDefault:"dev"`

	// ControlAddr is the TCP listener for the pipe-delimited control protocol.
	ControlAddr string `env:"CALLBRIDGE_CONTROL_ADDR" envDefault:"127.0.0.1:5000"`
	// MediaAddr is the UDP socket shared by all relayed media.
	MediaAddr string `env:"CALLBRIDGE_MEDIA_ADDR" envDefault:"127.0.0.1:6000"`
	// AdminAddr serves health, metrics and the WebSocket control endpoint.
	AdminAddr string `env:"CALLBRIDGE_ADMIN_ADDR" envDefault:"127.0.0.1:8080"`

	// PlainControl serves the control listener without TLS. Dev only; in prod
	// a certificate is required instead.
	PlainControl bool   `env:"CALLBRIDGE_PLAIN_CONTROL" envDefault:"false"`
	TLSCertFile  string `env:"CALLBRIDGE_TLS_CERT_FILE"`
	TLSKeyFile   string `env:"CALLBRIDGE_TLS_KEY_FILE"`

	LogFormat LogFormat `env:"CALLBRIDGE_LOG_FORMAT"`
	LogLevel  string    `env:"CALLBRIDGE_LOG_LEVEL"`

	ShutdownTimeout time.Duration `env:"CALLBRIDGE_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// IdleTimeout reclaims control connections from vanished clients.
	IdleTimeout       time.Duration `env:"CALLBRIDGE_IDLE_TIMEOUT" envDefault:"5m"`
	MaxMessageBytes   int           `env:"CALLBRIDGE_MAX_MESSAGE_BYTES" envDefault:"4096"`
	MessagesPerSecond int           `env:"CALLBRIDGE_MAX_MESSAGES_PER_SECOND" envDefault:"50"`
	MaxClients        int           `env:"CALLBRIDGE_MAX_CLIENTS" envDefault:"1000"`

	// MaxDatagramBytes caps one relayed media datagram.
	MaxDatagramBytes int `env:"CALLBRIDGE_MAX_DATAGRAM_BYTES" envDefault:"65536"`

	logLevel slog.Level
}

// Level returns the parsed log level. Only valid after Load.
func (c Config) Level() slog.Level { return c.logLevel }

// Load reads CALLBRIDGE_ENV_FILE (or ./.env when unset) if present, parses the
// environment, applies the flag overlay from args, and validates the result.
func Load(args []string) (Config, error) {
	if envfile := os.Getenv("CALLBRIDGE_ENV_FILE"); envfile != "" {
		if err := godotenv.Load(envfile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", envfile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	fs := flag.NewFlagSet("callbridge", flag.ContinueOnError)
	fs.StringVar(&cfg.ControlAddr, "control-addr", cfg.ControlAddr, "control listener address")
	fs.StringVar(&cfg.MediaAddr, "media-addr", cfg.MediaAddr, "media relay UDP address")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin HTTP address")
	fs.BoolVar(&cfg.PlainControl, "plain-control", cfg.PlainControl, "serve control without TLS (dev only)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// finish fills in mode-dependent defaults and rejects inconsistent settings.
func (c *Config) finish() error {
	switch c.Mode {
	case ModeDev, ModeProd:
	default:
		return fmt.Errorf("invalid mode %q (expected dev or prod)", c.Mode)
	}

	if c.LogFormat == "" {
		if c.Mode == ModeProd {
			c.LogFormat = LogFormatJSON
		} else {
			c.LogFormat = LogFormatText
		}
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("invalid log format %q (expected text or json)", c.LogFormat)
	}

	if c.LogLevel == "" {
		if c.Mode == ModeProd {
			c.LogLevel = "info"
		} else {
			c.LogLevel = "debug"
		}
	}
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		return err
	}
	c.logLevel = level

	if c.ControlAddr == "" {
		return errors.New("control address must not be empty")
	}
	if c.MediaAddr == "" {
		return errors.New("media address must not be empty")
	}

	hasCert := c.TLSCertFile != "" && c.TLSKeyFile != ""
	if c.TLSCertFile != "" != (c.TLSKeyFile != "") {
		return errors.New("TLS cert and key must be set together")
	}
	if !c.PlainControl && !hasCert {
		if c.Mode == ModeProd {
			return errors.New("prod mode requires a TLS cert and key for the control listener")
		}
		// Dev convenience: no cert configured means plain TCP.
		c.PlainControl = true
	}

	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be positive, got %d", c.MaxMessageBytes)
	}
	if c.MessagesPerSecond <= 0 {
		return fmt.Errorf("max messages per second must be positive, got %d", c.MessagesPerSecond)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("max clients must not be negative, got %d", c.MaxClients)
	}
	if c.MaxDatagramBytes <= 0 || c.MaxDatagramBytes > 64*1024 {
		return fmt.Errorf("max datagram bytes must be in (0, 65536], got %d", c.MaxDatagramBytes)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// NewLogger builds the process logger from the loaded configuration.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var handler slog.Handler
	if cfg.LogFormat == LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
