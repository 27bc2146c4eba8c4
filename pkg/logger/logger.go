// Package logger builds the structured logger every service uses.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns a JSON logger scoped to service. The level comes from LOG_LEVEL.
func New(service string) *logrus.Entry {
	return NewWithOutput(service, os.Stdout, os.Getenv("LOG_LEVEL"))
}

func NewWithOutput(service string, out io.Writer, level string) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(out)
	log.SetLevel(ParseLevel(level))
	return log.WithField("service", service)
}

// ParseLevel maps debug, info, warn and error; anything else is info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Discard is a logger that writes nowhere.
func Discard() *logrus.Entry {
	return NewWithOutput("test", io.Discard, "error")
}
