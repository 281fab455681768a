package log

import (
	"time"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

func init() {
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		DisableColors:   false,
		ForceColors:     true,
	}
}

// Print returns a log entry tagged with the originating module.
func Print(module string) *logrus.Entry {
	if module == "" {
		return logger.WithFields(logrus.Fields{})
	}
	return logger.WithField("module", module)
}
