// Package logging wires the process logger: structured logrus output to a
// rotating file sink plus stderr.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures a process logger.
type Options struct {
	// Path of the rotating log file. Empty disables the file sink.
	Path string
	// Level name (trace|debug|info|warn|error). Empty means info.
	Level string
	// Quiet suppresses the stderr sink (detached runs log to file only).
	Quiet bool
}

// New builds a logger with a rotating file sink (10 MB, 3 backups) and an
// optional stderr mirror.
func New(opts Options) *log.Logger {
	logger := log.New()
	logger.SetLevel(parseLevel(opts.Level))
	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	var sinks []io.Writer
	if !opts.Quiet {
		sinks = append(sinks, os.Stderr)
	}
	if opts.Path != "" {
		sinks = append(sinks, &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		})
	}
	switch len(sinks) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(sinks[0])
	default:
		logger.SetOutput(io.MultiWriter(sinks...))
	}
	return logger
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed before config resolution.
func Discard() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func parseLevel(s string) log.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "", "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
