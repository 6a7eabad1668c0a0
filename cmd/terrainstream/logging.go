package main

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger writes text logs to stdout, and JSON logs to a rotated file when
// path is set.
func newLogger(level, path string) (*logrus.Logger, func() error, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000000"})

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(lvl)

	path = strings.TrimSpace(path)
	if path == "" {
		return logger, func() error { return nil }, nil
	}
	rot := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    64,
		MaxBackups: 8,
		MaxAge:     14,
		Compress:   true,
	}
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(io.MultiWriter(os.Stdout, rot))
	return logger, rot.Close, nil
}
