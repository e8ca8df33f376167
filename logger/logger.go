package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool
)

func init() {
	// Safe no-op logger until Initialize() is called
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects the production
// JSON encoder; verbosity is the CLI -v count (see VerbosityToLevel).
func Initialize(jsonOutput bool, verbosity int) error {
	JSONOutput = jsonOutput
	level := VerbosityToLevel(verbosity)

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		zapLogger, err = config.Build()
	} else {
		var opts []zap.Option
		if ShouldLogTrace(verbosity) {
			opts = append(opts, zap.AddCaller())
		}
		zapLogger = zap.New(
			zapcore.NewCore(
				newConsoleEncoder(ShouldLogTrace(verbosity)),
				zapcore.AddSync(os.Stderr),
				level,
			),
			opts...,
		)
	}

	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// InitializeFromEnv configures logging for unattended daemon runs (systemd,
// containers). Production environments get JSON at WARN+, everything else
// human-readable console output at INFO+.
func InitializeFromEnv() error {
	if isProductionEnvironment() {
		return Initialize(true, VerbosityUser)
	}
	return Initialize(false, VerbosityInfo)
}

// newConsoleEncoder renders human-readable lines; caller locations only at -vvv
func newConsoleEncoder(withCaller bool) zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !withCaller {
		cfg.EncodeCaller = nil
		cfg.CallerKey = ""
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// isProductionEnvironment reports whether the daemon runs unattended
func isProductionEnvironment() bool {
	if env := strings.ToLower(os.Getenv("INGEST_ENV")); env == "production" || env == "prod" {
		return true
	}
	if env := strings.ToLower(os.Getenv("ENVIRONMENT")); env == "production" || env == "prod" {
		return true
	}
	if logLevel := strings.ToUpper(os.Getenv("LOG_LEVEL")); logLevel == "WARN" || logLevel == "ERROR" {
		return true
	}
	return false
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
