// Package logging provides zap logger helpers and the relay that funnels
// worker log records through a single writer.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the root logger.
type Config struct {
	Development bool
	// Dir enables the rotating file output when non-empty.
	Dir        string
	FileName   string
	MaxSizeMB  int
	MaxBackups int
}

// New builds a zap.Logger writing to stderr and, when cfg.Dir is set, to a
// size-rotated file. The returned close func flushes and closes the file.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	consoleCfg := zap.NewProductionEncoderConfig()
	consoleCfg.TimeKey = "ts"
	consoleEnc := zapcore.NewJSONEncoder(consoleCfg)
	if cfg.Development {
		level.SetLevel(zapcore.DebugLevel)
		consoleCfg = zap.NewDevelopmentEncoderConfig()
		consoleCfg.TimeKey = "ts"
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(consoleCfg)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level),
	}

	closeFn := func() error { return nil }
	if cfg.Dir != "" {
		name := cfg.FileName
		if name == "" {
			name = "harvest.log"
		}
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 1
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, name),
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.TimeKey = "ts"
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		fileCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(fileCfg), zapcore.AddSync(rotator), level))
		closeFn = rotator.Close
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, func() error {
		_ = logger.Sync()
		return closeFn()
	}, nil
}
