package skylink

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/bugsnag/bugsnag-go"
	"github.com/sirupsen/logrus"
)

var crashReporting atomic.Bool

// ConfigureCrashReporting turns on Bugsnag for recovered panics. An empty
// key leaves reporting off.
func ConfigureCrashReporting(apiKey, version string) {
	if apiKey == "" {
		return
	}
	bugsnag.Configure(bugsnag.Configuration{
		APIKey:          apiKey,
		AppVersion:      version,
		ProjectPackages: []string{"main", "github.com/skylink-telemetry/skylink*"},
		Synchronous:     false,
	})
	crashReporting.Store(true)
	logrus.Debug("crash reporting enabled")
}

// recoverPanic must be deferred directly. It turns a panic into a log line
// (and a crash report) so one bad event never takes the agent down.
func recoverPanic(where string) {
	r := recover()
	if r == nil {
		return
	}
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	logrus.WithError(err).Errorf("💥 recovered panic in %s\n%s", where, debug.Stack())
	if crashReporting.Load() {
		bugsnag.Notify(err, bugsnag.SeverityError, bugsnag.MetaData{
			"agent": {"where": where},
		})
	}
}
