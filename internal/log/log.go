// Package log provides the engine's single logger construction point. Every
// component takes a *zap.SugaredLogger through its constructor; nothing here
// is a package-level global.
package log

import "go.uber.org/zap"

// New builds a SugaredLogger. development selects human-readable, colorized
// output suited to a terminal; the non-development config emits JSON
// suited to log aggregation.
func New(development bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// NewNop returns a logger that discards all output, for use in tests that
// don't assert on log content.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
