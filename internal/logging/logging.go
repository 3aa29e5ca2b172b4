// Package logging sets up structured logging in a uniform way across
// the components of a node that log: the engine, the session layer and
// the dispatcher all log through a go-kit/log.Logger handed to them at
// construction, instead of the bare "log" package the teacher used. The
// geodesy and store packages do not log.
//
// Grounded on the teacher's internal/api and service packages, which log
// one line per significant event via log.Printf; here the same call
// sites log structured key/value pairs instead.
package logging

import (
	"os"
	"time"

	"github.com/go-kit/kit/log"
)

// New returns a JSON logger writing to stdout, timestamped and with the
// caller's source location attached, matching the fields a node
// operator would grep for: timestamp, caller, component, node_id.
func New() log.Logger {
	l := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	l = log.With(l, "ts", log.TimestampFormat(time.Now, time.RFC3339Nano), "caller", log.DefaultCaller)
	return l
}

// Nop returns a logger that discards everything, useful for tests that
// don't want log noise.
func Nop() log.Logger {
	return log.NewNopLogger()
}

// WithComponent scopes a logger to a named component and node id, the
// way every service in this repository identifies itself in its log
// lines.
func WithComponent(base log.Logger, component string, nodeID string) log.Logger {
	return log.With(base, "component", component, "node_id", nodeID)
}
