// Package logger holds the process-wide zap logger and the field names and
// subsystem symbols raidpulse logs with.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnv overrides the level derived from -v flags, e.g. RAIDPULSE_LOG_LEVEL=debug.
const LevelEnv = "RAIDPULSE_LOG_LEVEL"

var (
	// Logger is a no-op until Initialize runs.
	Logger = zap.NewNop().Sugar()
	// JSONOutput records whether Initialize chose the JSON encoder.
	JSONOutput bool
)

// Initialize replaces the global logger. JSON output is meant for log
// shippers; the console layout is for people watching `pulse start`.
func Initialize(jsonOutput bool, verbosity int) error {
	level := VerbosityToLevel(verbosity)
	if env, ok := levelFromEnv(); ok {
		level = env
	}

	var (
		z   *zap.Logger
		err error
	)
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		z, err = cfg.Build()
		if err != nil {
			return err
		}
	} else {
		z = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoding()), zapcore.Lock(os.Stdout), level))
	}

	JSONOutput = jsonOutput
	Logger = z.Sugar()
	return nil
}

func levelFromEnv() (zapcore.Level, bool) {
	raw := strings.TrimSpace(os.Getenv(LevelEnv))
	if raw == "" {
		return 0, false
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(raw))
	return lvl, err == nil
}

// consoleEncoding prints "15:04:05 INFO pulse.ingest Message {fields}".
func consoleEncoding() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.CallerKey = zapcore.OmitKey
	cfg.ConsoleSeparator = " "
	return cfg
}

// Cleanup flushes buffered entries. Sync errors on a terminal are ignored.
func Cleanup() {
	_ = Logger.Sync()
}

// Named returns a child of the global logger for one component.
func Named(component string) *zap.SugaredLogger {
	return Logger.Named(component)
}

func Infow(msg string, keysAndValues ...interface{}) { Logger.Infow(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{}) { Logger.Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { Logger.Errorw(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { Logger.Debugw(msg, keysAndValues...) }
