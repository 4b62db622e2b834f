package log

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/gammadia/nodepool/server/flags"
	"github.com/spf13/viper"
)

// Base is a bare logger without attributes, handed to the components.
var Base *slog.Logger

// logger is the daemon logger, used while wiring and shutting down.
var logger *slog.Logger

func Init() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString(flags.LogLevel))); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	handler, err := newHandler(viper.GetString(flags.LogFormat), &slog.HandlerOptions{
		AddSource: viper.GetBool(flags.LogSource),
		Level:     level,
	})
	if err != nil {
		return err
	}

	Base = slog.New(handler)
	logger = Component("daemon")
	return nil
}

func newHandler(format string, options *slog.HandlerOptions) (slog.Handler, error) {
	switch format {
	case "json":
		return slog.NewJSONHandler(os.Stdout, options), nil
	case "text":
		return slog.NewTextHandler(os.Stdout, options), nil
	default:
		return nil, fmt.Errorf("unknown log format '%s'", format)
	}
}

// Component returns a logger tagged with the given component name.
func Component(name string) *slog.Logger {
	return Base.With("component", name)
}

func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}
