// Package logger provides the global structured logger for skein.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance
	Logger *zap.SugaredLogger
	// JSONOutput tracks whether JSON output is enabled
	JSONOutput bool
)

func init() {
	// Safe no-op logger at package load time so early callers never panic
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger based on the JSON output preference
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		// JSON structured output for machine consumption
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = config.Build()
		if err != nil {
			return err
		}
	} else {
		// Human-readable console output
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderCfg),
				zapcore.AddSync(os.Stdout),
				zap.InfoLevel,
			),
		)
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Named returns a child of the global logger with the given name
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Sync flushes any buffered log entries
func Sync() {
	_ = Logger.Sync()
}
