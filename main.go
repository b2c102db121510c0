package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"i4.energy/across/sbdgw/modem"
)

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	config, err := LoadConfig(WithDefaults(), WithFile(opts.ConfigFile), WithEnv(), WithFlags(&opts))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logSink := newLogger(config)
	defer logSink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port, err := modem.SerialDialer{
		PortName: config.SerialPort,
		BaudRate: config.BaudRate,
	}.DialSerial(ctx)
	if err != nil {
		logger.Error("Failed to open serial port", "port", config.SerialPort, "error", err)
		os.Exit(1)
	}

	builder := modem.NewConfigBuilder().
		WithDialer(modem.DialerFunc(func(context.Context) (modem.Transport, error) {
			return port, nil
		})).
		WithLogger(logger.With("component", "modem")).
		WithATTimeout(config.ATTimeout).
		WithStartupTimeout(config.StartupTimeout).
		WithSessionTimeout(config.SessionTimeout)
	if power := powerControl(config, port); power != nil {
		builder = builder.WithPower(power)
	}

	modemConfig, err := builder.Build()
	if err != nil {
		logger.Error("Failed to create modem config", "error", err)
		os.Exit(1)
	}

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		logger.Error("Failed to create modem", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting SBD Gateway", "port", config.SerialPort, "sleep_pin", m.HasSleepPin())

	if config.AutoBegin {
		if err := m.Begin(ctx); err != nil {
			// The modem can still be started later through POST /begin.
			logger.Error("Failed to start modem", "error", err)
		}
	}

	server := &Server{
		Logger: logger.With("component", "server"),
		Modem:  m,
	}
	httpServer := &http.Server{
		Addr:    config.BindAddress,
		Handler: server,
	}

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
	}

	server.Shutdown()
}

// newLogger builds the JSON logger of the gateway. With a log file
// configured the records go to a rotated file instead of stderr.
func newLogger(config *Config) (*slog.Logger, io.Closer) {
	var (
		writer io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if config.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.LogMaxSize, // megabytes
			MaxBackups: config.LogMaxBackups,
			Compress:   true,
		}
		writer, closer = rotator, rotator
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: parseLevel(config.LogLevel)})
	return slog.New(handler), closer
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// powerControl returns the sleep pin driver selected by the configuration,
// or nil when the modem is always powered.
func powerControl(config *Config, port *modem.SerialTransport) modem.PowerControl {
	switch config.PowerLine {
	case "dtr":
		return modem.LinePower{Port: port.Port, Line: modem.LineDTR, ActiveLow: config.PowerActiveLow}
	case "rts":
		return modem.LinePower{Port: port.Port, Line: modem.LineRTS, ActiveLow: config.PowerActiveLow}
	default:
		return nil
	}
}
