// Package logger configures the process-wide logrus logger and hands out
// module-tagged entries.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetOutput(os.Stderr)
}

// Init sets level and format ("text" or "json") on the shared logger.
func Init(level, format string, output io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format: %s", format)
	}

	if output != nil {
		base.SetOutput(output)
	}
	return nil
}

// ParseLevel accepts the usual level names plus "silent".
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "silent", "none":
		return logrus.PanicLevel, nil
	case "":
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %s", s)
	}
	return lvl, nil
}

// For returns an entry tagged with the module name.
func For(module string) *logrus.Entry {
	return base.WithField("module", module)
}

func Logger() *logrus.Logger {
	return base
}

func DebugEnabled() bool {
	return base.IsLevelEnabled(logrus.DebugLevel)
}
