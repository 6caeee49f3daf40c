package main

import (
	"go.uber.org/zap"
)

// glog is replaced by setupLogger once the configured level is known;
// anything logged before that goes through a default info-level logger.
var glog = newLogger("info")

func setupLogger(level string) {
	glog = newLogger(level)
}

func newLogger(level string) *zap.SugaredLogger {
	lvl := zap.InfoLevel
	switch level {
	case "debug":
		lvl = zap.DebugLevel
	case "info":
		lvl = zap.InfoLevel
	case "warn":
		lvl = zap.WarnLevel
	case "error":
		lvl = zap.ErrorLevel
	}

	zcfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Development:       true,
		DisableStacktrace: true,
		Encoding:          "console",
		EncoderConfig:     zap.NewDevelopmentEncoderConfig(),
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}

	logger, _ := zcfg.Build()
	return logger.Sugar()
}
