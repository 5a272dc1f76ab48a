// Package common provides centralized logging and the shared error taxonomy
// for the article processing pipeline. The logging system is built on logrus
// with custom output handling that routes error-level messages to stderr
// while sending other levels to stdout, enabling proper stream separation
// for containerized environments.
package common

import (
	"bytes"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log output to stdout or stderr based on
// the message's severity level. Error messages go to stderr so orchestration
// platforms and log aggregators can treat them with higher priority; all
// other levels go to stdout.
type OutputSplitter struct{}

// Write implements io.Writer. It inspects the formatted entry for the
// "level=error" marker produced by logrus formatters and selects the stream.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the pipeline. All components
// derive their entry from it via ComponentLogger so field layout stays
// uniform across the system.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ComponentLogger returns an entry tagged with the component name.
func ComponentLogger(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// ConfigureLogging applies level and format settings from configuration.
// Unknown levels fall back to info; format "json" selects the JSON
// formatter, anything else keeps text output.
func ConfigureLogging(level, format string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
