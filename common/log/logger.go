package log

import (
	"github.com/sirupsen/logrus"

	"pretackler/common/log/hooks"
)

// Setup configures the process-wide logrus logger. Verbose enables debug
// output (wait/backoff/HTTP status/idle-timeout tracing); otherwise only
// info and above is emitted.
func Setup(verbose bool) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	logrus.AddHook(hooks.NewContextHook())
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}
