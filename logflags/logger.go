package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is a generic logging interface, kept distinct from *logrus.Entry
// so a test can swap in its own LoggerFactory instead of wiring logrus
// directly into code under test.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// Fields wraps the key/value pairs a Logger call site attaches to a log
// line.
type Fields map[string]interface{}

// LoggerFactory builds a Logger for one of the package's per-concern
// constructors. fields and out may both be nil.
type LoggerFactory func(flag bool, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory overrides how every subsequent Controller/ExcServer/
// Wire/Breakpoint logger is constructed. The default factory wraps
// logrus with makeLogger's disabled-concern-is-PanicLevel behavior.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

func buildLogger(flag bool, fields Fields) Logger {
	if loggerFactory != nil {
		return loggerFactory(flag, fields, nil)
	}
	return &logrusLogger{makeLogger(flag, logrus.Fields(fields))}
}

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{l.Entry.WithError(err)}
}
