// Package log provides the component-scoped structured loggers used
// throughout klingdex.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Component loggers below derive from it.
var Logger zerolog.Logger

// Component loggers, one per subsystem.
var (
	Store     zerolog.Logger
	Fetcher   zerolog.Logger
	Indexer   zerolog.Logger
	Mempool   zerolog.Logger
	Query     zerolog.Logger
	FeeEst    zerolog.Logger
	Broadcast zerolog.Logger
	NodeRPC    zerolog.Logger
	HTTPAPI    zerolog.Logger
	Supervisor zerolog.Logger
)

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponents()
}

// Init reconfigures the global and component loggers. When file is
// non-empty, logs go to both the console (colored or JSON per jsonOutput)
// and the file (always JSON, so it stays machine parseable regardless of
// how the console is rendered).
func Init(level string, jsonOutput bool, file string) error {
	lvl := parseLevel(level)

	if file == "" {
		if jsonOutput {
			Logger = NewJSONLogger(os.Stdout, level)
		} else {
			Logger = NewConsoleLogger(os.Stdout, level)
		}
		initComponents()
		return nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	var console io.Writer
	if jsonOutput {
		console = os.Stdout
	} else {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).
		Level(lvl).
		With().
		Timestamp().
		Logger()
	initComponents()
	return nil
}

// NewConsoleLogger returns a human-readable colorized logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(cw).Level(parseLevel(level)).With().Timestamp().Logger()
}

// NewJSONLogger returns a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func initComponents() {
	Store = WithComponent("store")
	Fetcher = WithComponent("fetcher")
	Indexer = WithComponent("chainindex")
	Mempool = WithComponent("mempoolindex")
	Query = WithComponent("query")
	FeeEst = WithComponent("feeestimator")
	Broadcast = WithComponent("broadcast")
	NodeRPC = WithComponent("nodeclient")
	HTTPAPI = WithComponent("httpapi")
	Supervisor = WithComponent("supervisor")
}

// WithComponent derives a named sub-logger from the current root logger.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }
func Fatal() *zerolog.Event { return Logger.Fatal() }

// Benchmark times an operation, logging its duration at debug level when
// the returned func is called (typically via defer).
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}
