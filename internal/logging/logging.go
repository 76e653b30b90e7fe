// Package logging builds the zap logger relq's session, preloader, and CLI
// share.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relq/relq/internal/config"
)

// New builds a *zap.Logger per cfg, writing to output (os.Stdout when nil).
func New(cfg config.LoggingConfig, output io.Writer) *zap.Logger {
	if output == nil {
		output = os.Stdout
	}

	econf := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		NameKey:        "logger",
		TimeKey:        "ts",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	level := parseLevel(cfg.Level)

	var core zapcore.Core
	sink := zapcore.AddSync(output)
	if cfg.Format == "console" {
		econf.EncodeLevel = zapcore.CapitalColorLevelEncoder
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(econf), sink, level)
	} else {
		core = zapcore.NewCore(zapcore.NewJSONEncoder(econf), sink, level)
	}
	return zap.New(core)
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
