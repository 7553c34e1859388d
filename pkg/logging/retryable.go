package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LeveledLogger forwards hashicorp/go-retryablehttp log lines to logrus.
// Key/value pairs become fields.
type LeveledLogger struct {
	log logrus.FieldLogger
}

// Retryable adapts l for retryablehttp.Client.Logger.
func Retryable(l logrus.FieldLogger) *LeveledLogger {
	return &LeveledLogger{log: l}
}

func (l *LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Error(msg)
}

func (l *LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Info(msg)
}

func (l *LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Debug(msg)
}

func (l *LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Warn(msg)
}

func (l *LeveledLogger) entry(kv []interface{}) *logrus.Entry {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	if len(kv)%2 == 1 {
		fields["extra"] = kv[len(kv)-1]
	}
	return l.log.WithFields(fields)
}
