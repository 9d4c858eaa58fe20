package edk

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the package-wide zap logger. The zero value is a
// sane default: info level, console encoding, stderr only.
type LogConfig struct {
	Level       string   // debug, info, warn, error (default info)
	Format      string   // "json" or "console" (default console)
	Outputs     []string // "stdout", "stderr", or file paths (default stderr)
	Development bool

	Rotation struct {
		Enable     bool
		Filename   string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}
}

var (
	globalLogger   = zap.NewNop()
	globalLoggerMu sync.RWMutex
)

// Logger returns the package-wide logger. Safe to call before
// InitLogging; defaults to a no-op logger until configured.
func Logger() *zap.Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	return globalLogger
}

// InitLogging builds a *zap.Logger from cfg, installs it as the logger
// returned by Logger, and replaces zap's own globals so library code using
// zap.L() also picks it up. The caller should defer logger.Sync().
func InitLogging(cfg LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	var cores []zapcore.Core
	for _, out := range outputs {
		switch strings.ToLower(out) {
		case "stdout":
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
		case "stderr":
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level))
		default:
			var ws zapcore.WriteSyncer
			if cfg.Rotation.Enable {
				filename := cfg.Rotation.Filename
				if filename == "" {
					filename = out
				}
				ws = zapcore.AddSync(&lumberjack.Logger{
					Filename:   filename,
					MaxSize:    atLeast(cfg.Rotation.MaxSizeMB, 10),
					MaxBackups: atLeast(cfg.Rotation.MaxBackups, 1),
					MaxAge:     atLeast(cfg.Rotation.MaxAgeDays, 7),
					Compress:   cfg.Rotation.Compress,
				})
			} else {
				f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					ws = zapcore.AddSync(os.Stderr)
				} else {
					ws = zapcore.AddSync(f)
				}
			}
			cores = append(cores, zapcore.NewCore(encoder, ws, level))
		}
	}

	core := zapcore.NewTee(cores...)
	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	logger := zap.New(core, opts...)
	zap.ReplaceGlobals(logger)

	globalLoggerMu.Lock()
	globalLogger = logger
	globalLoggerMu.Unlock()

	return logger, nil
}

func atLeast(v, min int) int {
	if v > min {
		return v
	}
	return min
}
