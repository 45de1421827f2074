package grid

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `grid` package:
// Info:
//     abnormal events. This level should be silent on normal operation,
//     with the exception of one time initialization data.
//     this includes:
//     - fetch failures
//     - relay disconnects and peers dropped for a full send queue
//     - malformed payloads from a peer
// V(1):
//     lifecycle of sessions, peers and column pages
// V(2):
//     per fetch and per message trace, filterable by the tag prefix
//     [w] window, [r] relay, [rt] relay transport, [s] session, [src] source

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s%s", tag, m))
		}
	}
}
