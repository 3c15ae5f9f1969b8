package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	logger     *logrus.Logger
	loggerOnce sync.Once
)

// initLogger initializes the global logger to write to stderr with timestamps.
func initLogger() {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
		})
		logger.SetLevel(logrus.InfoLevel)
	})
}

// ParseLevel maps a user supplied level name ("debug", "info", ...) to a Level.
// Unknown names fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func SetLevel(l Level) {
	initLogger()
	switch l {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
}

// SetOutput redirects log output; tests use it to keep stderr quiet.
func SetOutput(w io.Writer) {
	initLogger()
	logger.SetOutput(w)
}

func Debug(msg string, kv ...any) {
	entry(kv...).Debug(msg)
}

func Info(msg string, kv ...any) {
	entry(kv...).Info(msg)
}

func Warn(msg string, kv ...any) {
	entry(kv...).Warn(msg)
}

func Error(msg string, err error, kv ...any) {
	entry(kv...).WithError(err).Error(msg)
}

func entry(kv ...any) *logrus.Entry {
	initLogger()
	return logrus.NewEntry(logger).WithFields(fields(kv...))
}

func fields(kv ...any) logrus.Fields {
	out := make(logrus.Fields, len(kv)/2)
	// Expect kv as pairs: key, value, key, value, ...
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out[key] = kv[i+1]
	}
	// If odd number of args, last one is ignored.
	return out
}

// cronLogger routes robfig/cron's internal logging through this package.
type cronLogger struct{}

// CronLogger returns a cron.Logger backed by the global logger. Cron's
// chatty info messages (wake, run, schedule) are emitted at debug level.
func CronLogger() cron.Logger {
	return cronLogger{}
}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	Error("cron: "+msg, err, keysAndValues...)
}
