// Package obs configures logging and metrics for the LDN proxy.
package obs

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions controls the global logrus configuration.
type LogOptions struct {
	Level string // trace, debug, info, warn, error
	File  string // when set, logs rotate in this file instead of stderr
	JSON  bool
}

// SetupLogging applies the options to the standard logrus logger.
// The core never depends on log output for control flow, so a bad level
// falls back to info rather than failing startup.
func SetupLogging(opts LogOptions) {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if opts.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if opts.File != "" {
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50, // megabytes
			MaxBackups: 4,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	logrus.SetOutput(out)
}
