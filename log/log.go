// Package log provides loggers for handoff components.
package log

import (
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var debug bool

// Logger is a global interface for handoff loggers. It's satisfied by
// *logrus.Logger and *logrus.Entry.
type Logger interface {
	logrus.FieldLogger
}

func init() {
	var err error
	debug, err = strconv.ParseBool(os.Getenv("HANDOFF_DEBUG"))
	if err != nil {
		debug = false
	}
}

// GetLogger returns a new logger instance. Debug level is enabled when
// HANDOFF_DEBUG environment variable is set to true.
func GetLogger() *logrus.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// Discard returns a logger that drops all entries. It's used when caller
// doesn't provide any logger, e.g. in tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// SetLevel parses level name and applies it to the logger.
func SetLevel(l *logrus.Logger, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	return nil
}
