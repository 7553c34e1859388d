package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the process-wide logger set by InitLogger.
var Log *logrus.Logger

// InitLogger installs Log on stderr. Stdout is left to command output.
func InitLogger(debug bool) {
	Log = New(os.Stderr, debug)
}

// New builds a logger writing to w: text with timestamps when debugging,
// JSON at info level otherwise.
func New(w io.Writer, debug bool) *logrus.Logger {
	l := logrus.New()
	l.Out = w
	if !debug {
		l.SetLevel(logrus.InfoLevel)
		l.SetFormatter(&logrus.JSONFormatter{})
		return l
	}
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	return l
}

// Discard returns a logger that drops everything. Library packages use it
// when no logger was configured.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	l.SetLevel(logrus.PanicLevel)
	return l
}

// Default returns Log, or a discard logger before InitLogger ran.
func Default() logrus.FieldLogger {
	if Log == nil {
		return Discard()
	}
	return Log
}
