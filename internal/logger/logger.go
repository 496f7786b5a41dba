// Package logger builds the zap loggers used by the qauth command.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and level.
type Config struct {
	// Env is "dev" (coloured console) or "prod" (JSON). Default "dev".
	Env string
	// Level is debug, info, warn or error. Default info.
	Level   string
	Version string
}

// New builds a logger for cfg, falling back to zap's production logger
// if the configuration cannot be built.
func New(cfg Config) *zap.Logger {
	level := ParseLevel(cfg.Level)

	var (
		l   *zap.Logger
		err error
	)
	if strings.EqualFold(strings.TrimSpace(cfg.Env), "prod") {
		l, err = buildProd(level)
	} else {
		l, err = buildDev(level)
	}
	if err != nil {
		l, _ = zap.NewProduction()
	}
	if cfg.Version != "" {
		l = l.With(zap.String("version", cfg.Version))
	}
	return l
}

func buildDev(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zcfg.DisableStacktrace = true
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func buildProd(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zcfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}

// ParseLevel maps a level name to a zapcore.Level. Unknown names are info.
func ParseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
