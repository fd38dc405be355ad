// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the logger's level.
type Options struct {
	Verbose bool
	Quiet   bool
	// JSON selects the production JSON encoder; otherwise a console encoder
	// is used.
	JSON bool
}

// Level returns the level implied by opts. Verbose wins over Quiet.
func (o Options) Level() zapcore.Level {
	switch {
	case o.Verbose:
		return zapcore.DebugLevel
	case o.Quiet:
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}

// New builds a logger writing to stderr.
func New(opts Options) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if !opts.JSON {
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	}
	config.Level = zap.NewAtomicLevelAt(opts.Level())
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.DisableStacktrace = !opts.Verbose
	config.Sampling = nil

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
