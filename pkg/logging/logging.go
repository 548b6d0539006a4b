// Package logging provides the structured logger shared by every
// long-lived component (DHT node, chunk store, chunk-transfer server,
// downloader). It is always constructed explicitly and passed in; no
// component reaches for a package-level global.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger. When development is true it uses a
// human-readable console encoder; otherwise it uses the production JSON
// encoder.
func New(development bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Noop returns a logger that discards everything, for tests and
// components that were not given an explicit logger.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
