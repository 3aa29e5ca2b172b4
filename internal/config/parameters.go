// Package config holds the mutable runtime tunables and the static
// configuration surface the node engine is constructed with (spec.md
// §6.4). Neither flag parsing nor config-file loading lives here; both
// remain external collaborators that build a *Config and hand it to
// engine.New.
//
// Grounded on the teacher's internal/config/parameters.go: a
// mutex-guarded bag of typed parameters with Get/Set/GetX accessors and
// a Clone for safe hand-off.
package config

import (
	"sync"
	"time"

	"github.com/geomesh-network/geomesh/internal/geo"
)

// RuntimeParameters holds every tunable named in spec.md: bubble
// constants, neighborhood cap, bootstrap fan-out sizes and the periods
// driving background maintenance.
type RuntimeParameters struct {
	mu sync.RWMutex

	// Geodesy / admission
	Bubble geo.BubbleConstants

	// Membership sizing
	NeighborhoodMaxNodes            int
	InitWorldRandomNodeCount        int
	InitWorldNodeFillTargetRate     float64
	InitNeighbourhoodQueryNodeCount int

	// Timeouts and periods
	RequestExpirationPeriod time.Duration
	DbExpirationPeriod      time.Duration
	DbMaintenancePeriod     time.Duration
	RenewalPeriod           time.Duration
	DiscoveryPeriod         time.Duration
}

// Defaults returns the RuntimeParameters populated with the values
// named throughout spec.md (100 neighbors, 24h db expiration, 10s
// request timeout, etc).
func Defaults() *RuntimeParameters {
	return &RuntimeParameters{
		Bubble: geo.DefaultBubbleConstants,

		NeighborhoodMaxNodes:            100,
		InitWorldRandomNodeCount:        100,
		InitWorldNodeFillTargetRate:     0.75,
		InitNeighbourhoodQueryNodeCount: 10,

		RequestExpirationPeriod: 10 * time.Second,
		DbExpirationPeriod:      24 * time.Hour,
		DbMaintenancePeriod:     7 * time.Hour,
		RenewalPeriod:           1 * time.Hour,
		DiscoveryPeriod:         5 * time.Minute,
	}
}

// Snapshot returns a value copy of the parameters, safe to read without
// holding any lock.
func (p *RuntimeParameters) Snapshot() RuntimeParameters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return RuntimeParameters{
		Bubble:                          p.Bubble,
		NeighborhoodMaxNodes:            p.NeighborhoodMaxNodes,
		InitWorldRandomNodeCount:        p.InitWorldRandomNodeCount,
		InitWorldNodeFillTargetRate:     p.InitWorldNodeFillTargetRate,
		InitNeighbourhoodQueryNodeCount: p.InitNeighbourhoodQueryNodeCount,
		RequestExpirationPeriod:         p.RequestExpirationPeriod,
		DbExpirationPeriod:              p.DbExpirationPeriod,
		DbMaintenancePeriod:             p.DbMaintenancePeriod,
		RenewalPeriod:                   p.RenewalPeriod,
		DiscoveryPeriod:                 p.DiscoveryPeriod,
	}
}

// SetNeighborhoodMaxNodes updates the neighbor cap (thread-safe).
func (p *RuntimeParameters) SetNeighborhoodMaxNodes(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NeighborhoodMaxNodes = n
}

// SetBubbleConstants updates the bubble-formula tuning parameters
// (thread-safe).
func (p *RuntimeParameters) SetBubbleConstants(c geo.BubbleConstants) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Bubble = c
}
