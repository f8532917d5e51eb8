// Package announcer keeps presence records for a set of block uids alive by
// rewriting them every update period until stopped.
package announcer

import (
	"context"
	"sync"
	"time"

	"github.com/mezonai/blockswarm/exception"
	"github.com/mezonai/blockswarm/logx"
	"github.com/mezonai/blockswarm/monitoring"
	"github.com/mezonai/blockswarm/registry"
)

// DefaultExpiration is the lease length used when none is configured:
// two update periods, never below the tolerated clock skew.
func DefaultExpiration(updatePeriod time.Duration) time.Duration {
	if e := 2 * updatePeriod; e > registry.MaxClockSkew {
		return e
	}
	return registry.MaxClockSkew
}

type Config struct {
	UIDs         []string
	State        registry.ServerState
	Throughput   float64
	UpdatePeriod time.Duration
	Expiration   time.Duration
	// WriteTimeout bounds one registry write; defaults to UpdatePeriod.
	WriteTimeout time.Duration
}

// Announcer writes the same state for its uids until Stop. It never writes
// any other state; the owner declares OFFLINE itself after Stop returns.
type Announcer struct {
	reg   registry.Registry
	clock registry.Clock
	cfg   Config

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(reg registry.Registry, clock registry.Clock, cfg Config) *Announcer {
	if clock == nil {
		clock = time.Now
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = DefaultExpiration(cfg.UpdatePeriod)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = cfg.UpdatePeriod
	}
	return &Announcer{
		reg:   reg,
		clock: clock,
		cfg:   cfg,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (a *Announcer) State() registry.ServerState {
	return a.cfg.State
}

// Start writes the first record immediately and then every update period.
func (a *Announcer) Start() {
	a.startOnce.Do(func() {
		exception.SafeGo("Announcer:"+a.cfg.State.String(), func() {
			defer close(a.done)
			a.loop()
		})
	})
}

// Stop signals the loop and waits for it, so the write in flight completes
// before Stop returns. Safe to call more than once or without Start.
func (a *Announcer) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	a.startOnce.Do(func() {
		close(a.done)
	})
	<-a.done
}

func (a *Announcer) loop() {
	ticker := time.NewTicker(a.cfg.UpdatePeriod)
	defer ticker.Stop()
	for {
		a.announce()
		select {
		case <-a.stop:
			return
		case <-ticker.C:
		}
		// a tick and a stop can be ready together
		select {
		case <-a.stop:
			return
		default:
		}
	}
}

func (a *Announcer) announce() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
	defer cancel()

	state := a.cfg.State.String()
	expiresAt := a.clock().Add(a.cfg.Expiration)
	if err := registry.Declare(ctx, a.reg, a.cfg.UIDs, a.cfg.State, a.cfg.Throughput, expiresAt); err != nil {
		monitoring.RecordAnnouncement(state, monitoring.AnnounceFailed)
		logx.Warn("ANNOUNCER", "Failed to declare", state, "for", len(a.cfg.UIDs), "blocks, retrying next period:", err)
		return
	}
	monitoring.RecordAnnouncement(state, monitoring.AnnounceOK)
	logx.Debug("ANNOUNCER", "Declared", state, "for", a.cfg.UIDs, "until", expiresAt)
}
