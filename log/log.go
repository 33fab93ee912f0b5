package log

import (
	"fmt"
	"sync/atomic"

	"github.com/golang/glog"
)

var debugOn atomic.Bool

// SetDebug turns Debug/Debugf output on or off regardless of the glog -v level.
func SetDebug(on bool) {
	debugOn.Store(on)
}

func DebugEnabled() bool {
	return debugOn.Load() || bool(glog.V(2))
}

func Errorf(format string, args ...interface{}) {
	glog.ErrorDepth(1, fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...interface{}) {
	if DebugEnabled() {
		glog.InfoDepth(1, fmt.Sprintf(format, args...))
	}
}

func Infof(format string, args ...interface{}) {
	glog.InfoDepth(1, fmt.Sprintf(format, args...))
}

func Printf(format string, args ...interface{}) {
	glog.InfoDepth(1, fmt.Sprintf(format, args...))
}

func Warningf(format string, args ...interface{}) {
	glog.WarningDepth(1, fmt.Sprintf(format, args...))
}

func Info(args ...interface{}) {
	glog.InfoDepth(1, args...)
}

func Error(args ...interface{}) {
	glog.ErrorDepth(1, args...)
}

func Debug(args ...interface{}) {
	if DebugEnabled() {
		glog.InfoDepth(1, args...)
	}
}

// Fatalf logs and terminates the process. Only the top-level task loop
// should reach for this.
func Fatalf(format string, args ...interface{}) {
	glog.FatalDepth(1, fmt.Sprintf(format, args...))
}

func Flush() {
	glog.Flush()
}
