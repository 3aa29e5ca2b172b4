package config

import (
	"time"

	"github.com/geomesh-network/geomesh/internal/model"
)

// Config is the static configuration surface the engine reads at
// construction (spec.md §6.4): the node's own identity/location, where
// it listens, the seed endpoints for bootstrap, and ancillary knobs.
// Loading this from a file or flags is explicitly out of scope for the
// core; cmd/ binaries build it directly.
type Config struct {
	Self     model.NodeInfo
	ListenOn model.NetworkEndpoint
	Seeds    []model.NetworkEndpoint

	Params *RuntimeParameters

	DbPath   string
	LogPath  string
	TestMode bool
}

// Clock is an injectable time source so tests can control expiration
// and renewal without sleeping. Production code uses RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }
