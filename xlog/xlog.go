// Package xlog builds the structured logger shared across the core,
// following the configuration-driven zap.Config pattern used throughout the
// retrieval pack's cmd/ entry points.
package xlog

import "go.uber.org/zap"

// Config wraps a zap.Config so logging is configurable the same way as every
// other ambient concern (yaml-tagged struct with defaults).
type Config struct {
	Zap zap.Config `yaml:"zap"`
}

func (c Config) applyDefaults() Config {
	if c.Zap.Encoding == "" {
		c.Zap = zap.NewProductionConfig()
	}
	return c
}

// New builds a *zap.SugaredLogger from config.
func New(config Config) (*zap.SugaredLogger, error) {
	config = config.applyDefaults()
	logger, err := config.Zap.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// NewNop returns a logger that discards everything, for tests and fixtures.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
