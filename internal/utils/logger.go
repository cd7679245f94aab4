package utils

import (
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

// NewLogger creates a new logger instance
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	if level != "" {
		switch level {
		case "DEBUG":
			logger.SetLevel(logrus.DebugLevel)
		case "INFO":
			logger.SetLevel(logrus.InfoLevel)
		case "WARN":
			logger.SetLevel(logrus.WarnLevel)
		case "ERROR":
			logger.SetLevel(logrus.ErrorLevel)
		}
	}

	return logger
}

// NewLoggerFromConfig creates a logger with the configured level, output
// format and optional file mirroring
func NewLoggerFromConfig(cfg LoggingConfig) *logrus.Logger {
	logger := NewLogger(cfg.Level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.FilePath != "" {
		logger.Hooks.Add(lfshook.NewHook(
			lfshook.PathMap{
				logrus.DebugLevel: cfg.FilePath,
				logrus.InfoLevel:  cfg.FilePath,
				logrus.WarnLevel:  cfg.FilePath,
				logrus.ErrorLevel: cfg.FilePath,
				logrus.FatalLevel: cfg.FilePath,
				logrus.PanicLevel: cfg.FilePath,
			},
			&logrus.JSONFormatter{},
		))
	}

	return logger
}
