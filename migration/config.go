// Package migration implements the coordinator (C7): the Begin/Prepare/
// Perform/Confirm/Finish orchestrator driving both the v2 (3-step) and v3
// (5-step) protocols, direct and peer-to-peer, native and tunnelled. It is
// the one component that wires together every other package in this
// module (cookie, safety, storagecopy, jobmonitor, tunnel, phase, domain,
// internal/portpool) against the external hypervisor.Monitor and
// remote.DaemonClient collaborators.
//
// Grounded on source.go/dest.go's RunSource/RunDestination step sequence,
// generalized from one fixed two-node script to the six-operation public
// contract and the v2/v3 protocol choice the distillation restores.
package migration

import (
	"context"
	"time"
)

// Config carries the tunable constants the teacher keeps in config.go,
// surviving here with the same defaults and the same names, adapted to
// the coordinator's wider scope (NBD/RAM ports become pool ranges rather
// than fixed strings, since this module may run many concurrent jobs).
type Config struct {
	// NBDPortPoolFirst/NBDPortPoolSize describe the contiguous range used
	// round-robin by internal/portpool for destination NBD servers.
	NBDPortPoolFirst int
	NBDPortPoolSize  int

	// RAMPortPoolFirst/RAMPortPoolSize is the equivalent range for the
	// hypervisor's own incoming RAM-migration listener.
	RAMPortPoolFirst int
	RAMPortPoolSize  int

	// MaxDowntimeMS is the migrate-set-parameters downtime-limit pushed
	// before migrate.
	MaxDowntimeMS int64
	// MaxBandwidthBps is the default migrate-set-parameters max-bandwidth,
	// used when Perform's bandwidth argument is zero.
	MaxBandwidthBps int64

	// GARPInitialMS/GARPMaxMS/GARPRounds/GARPStepMS schedule the
	// announce-self burst Finish issues on the destination.
	GARPInitialMS int
	GARPMaxMS     int
	GARPRounds    int
	GARPStepMS    int

	// EventWaitTimeout is a bound for WaitForEvent calls; the coordinator
	// itself issues no WaitForEvent call and does not read it.
	EventWaitTimeout time.Duration
	// CleanupTimeout bounds deferred rollback/cleanup operations, run on a
	// context independent of the caller's, mirroring CleanupCtx.
	CleanupTimeout time.Duration
}

// DefaultConfig returns the teacher's constants translated into pool
// ranges: 16-port pools starting at the teacher's fixed port numbers
// (10809 for NBD, 4444 for RAM migration), so several jobs can run at
// once; a deployment may move or resize either range.
func DefaultConfig() Config {
	return Config{
		NBDPortPoolFirst: 10809,
		NBDPortPoolSize:  16,
		RAMPortPoolFirst: 4444,
		RAMPortPoolSize:  16,
		MaxDowntimeMS:    50,
		MaxBandwidthBps:  10_000_000_000,
		GARPInitialMS:    50,
		GARPMaxMS:        550,
		GARPRounds:       5,
		GARPStepMS:       100,
		EventWaitTimeout: 30 * time.Minute,
		CleanupTimeout:   10 * time.Second,
	}
}

// CleanupContext returns a context independent of parent, bounded by
// CleanupTimeout, used by every rollback/deferred step so that cleanup
// still runs after the caller's context is cancelled — exactly the
// teacher's CleanupCtx.
func (c Config) CleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.CleanupTimeout)
}
