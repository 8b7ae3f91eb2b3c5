package monitoring

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide structured logger. Packages take component
// entries from it with Component.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Logf is the package-level diagnostic logger. It defaults to Logger.Infof but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = Logger.Infof

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

// SetLevel parses and applies a level name such as "debug" or "warn".
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetOutput redirects all structured logging.
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSON switches to JSON lines, for log shippers.
func SetJSON(enabled bool) {
	if enabled {
		Logger.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
