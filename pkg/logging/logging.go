// Package logging is the process-wide logrus logger shared by every
// package of the engine.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the logging level
type Level logrus.Level

// Logging levels
const (
	DebugLevel Level = Level(logrus.DebugLevel)
	InfoLevel  Level = Level(logrus.InfoLevel)
	WarnLevel  Level = Level(logrus.WarnLevel)
	ErrorLevel Level = Level(logrus.ErrorLevel)
	FatalLevel Level = Level(logrus.FatalLevel)
)

var logger = logrus.New()

// Logs go to stderr: the CLI prints keys and parsed profiles on stdout.
func init() {
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stderr)
	logger.AddHook(secretHook{})
}

// secretFields never reach a log line with their value.
var secretFields = map[string]bool{
	"privatekey":   true,
	"private_key":  true,
	"presharedkey": true,
	"psk":          true,
	"password":     true,
	"uuid":         true,
	"key":          true,
}

// secretHook replaces the value of secret fields before formatting.
type secretHook struct{}

func (secretHook) Levels() []logrus.Level { return logrus.AllLevels }

func (secretHook) Fire(e *logrus.Entry) error {
	for k := range e.Data {
		if secretFields[strings.ToLower(k)] {
			e.Data[k] = "<redacted>"
		}
	}
	return nil
}

// SetLevel sets the logging level
func SetLevel(level Level) {
	logger.SetLevel(logrus.Level(level))
}

// GetLevel returns the current logging level
func GetLevel() Level {
	return Level(logger.GetLevel())
}

// ParseLevel maps a config/env level name onto a Level.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug", "trace":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", name)
}

// SetFormatter sets the log formatter
func SetFormatter(formatter logrus.Formatter) {
	logger.SetFormatter(formatter)
}

// SetOutput sets the log output
func SetOutput(output io.Writer) {
	logger.SetOutput(output)
}

// EnableFileLogging tees the log into a rotated file under logDir.
// maxSize is in megabytes and maxAge in days.
func EnableFileLogging(logDir, logFile string, maxSize, maxBackups, maxAge int) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   filepath.Join(logDir, logFile),
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}))
	return nil
}

// WithFields creates a new log entry with fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// WithComponent returns an entry tagged with the emitting component
// (e.g. "wireguard", "pump", "handler").
func WithComponent(name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// ShortKey renders a public key (or any identifier) for logs as
// "first8...last8". Private material must never be passed here.
func ShortKey(s string) string {
	if len(s) <= 19 {
		return s
	}
	return s[:8] + "..." + s[len(s)-8:]
}

func Debugf(format string, args ...interface{}) { logger.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { logger.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { logger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { logger.Errorf(format, args...) }

// Fatalf logs and exits with status 1.
func Fatalf(format string, args ...interface{}) { logger.Fatalf(format, args...) }

// DebugWithFields logs a debug message with fields
func DebugWithFields(fields logrus.Fields, format string, args ...interface{}) {
	logger.WithFields(fields).Debugf(format, args...)
}

// WarnWithFields logs a warning message with fields
func WarnWithFields(fields logrus.Fields, format string, args ...interface{}) {
	logger.WithFields(fields).Warnf(format, args...)
}
