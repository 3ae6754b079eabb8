package fortress

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the logger used across the core. Level falls back to info
// on unparseable input.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// ensureLogger lets components accept a nil logger without nil checks at
// every call site.
func ensureLogger(l *logrus.Logger) *logrus.Logger {
	if l != nil {
		return l
	}
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	return quiet
}
