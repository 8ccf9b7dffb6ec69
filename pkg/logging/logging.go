// Package logging bootstraps the gateway's global zap logger. Components
// throughout this module log via zap.L(), following the payer-side SDK's
// own pattern of replacing zap's global logger once at process start.
package logging

import "go.uber.org/zap"

// Bootstrap configures and installs the global zap logger. debug selects a
// development encoder with debug-level logging and stack traces on warn;
// otherwise a console encoder at info level, mirroring the SDK's init-time
// default but making the level/encoding pair explicit rather than fixed.
func Bootstrap(debug bool) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	encoding := "console"
	encoderCfg := zap.NewDevelopmentEncoderConfig()

	if debug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	c := zap.Config{
		Level:            level,
		Development:      debug,
		Encoding:         encoding,
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := c.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
