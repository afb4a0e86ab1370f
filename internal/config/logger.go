package config

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the application logger. With cfg.File set, output goes to a
// rotating file and the returned close function flushes it; otherwise to fallback.
func NewLogger(cfg LogConfig, fallback io.Writer) (*logrus.Logger, func() error, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if cfg.File == "" {
		logger.SetOutput(fallback)
		return logger, func() error { return nil }, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	logger.SetOutput(rotator)
	return logger, rotator.Close, nil
}
