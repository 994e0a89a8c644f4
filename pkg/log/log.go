package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithHost creates a child logger scoped to a host
func WithHost(host string) zerolog.Logger {
	return Logger.With().Str("host", host).Logger()
}

// WithVolume creates a child logger scoped to a host/volume pair
func WithVolume(host, volume string) zerolog.Logger {
	return Logger.With().Str("host", host).Str("volume", volume).Logger()
}

// WithDevice creates a child logger scoped to a volume/device pair
func WithDevice(host, volume, device string) zerolog.Logger {
	return Logger.With().Str("host", host).Str("volume", volume).Str("device", device).Logger()
}

// Channel names the warning channels of the original bitmask (§7); each is
// just a zerolog component so individual channels can be filtered by the
// usual level machinery instead of a bespoke bitmask type.
type Channel string

const (
	ChannelStore       Channel = "store"
	ChannelDatabase    Channel = "database"
	ChannelUnreachable Channel = "unreachable"
	ChannelUnknown     Channel = "unknown"
	ChannelDeprecated  Channel = "deprecated"
	ChannelVerbose     Channel = "verbose"
)

// WithChannel creates a child logger for one of the warning channels.
func WithChannel(channel Channel) zerolog.Logger {
	return Logger.With().Str("channel", string(channel)).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
