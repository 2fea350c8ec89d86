// Package jobmonitor implements the monitor supervisor (C4): the
// wait-for-completion loop that polls hypervisor migration status and
// translates it into job state, honouring cancellation and the
// destination liveness probe. Generalized from the teacher's
// waitForMigrationComplete (a fixed 1s poll with a single timeout exit)
// to the full status table and the three additional exit conditions of
// §4.4, each modeled as one arm of a select — the "first-of-three
// cancellable wait" called for in the design notes.
package jobmonitor

import (
	"context"
	"fmt"
	"time"

	log "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/katamaran-project/migrated/hypervisor"
	"github.com/katamaran-project/migrated/migerr"
)

// PollInterval is the fixed migration-progress poll period.
const PollInterval = 50 * time.Millisecond

// JobState is the coordinator-facing translation of hypervisor.MigrateStatus.
type JobState string

const (
	JobUnbounded JobState = "UNBOUNDED"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Counters are the monotonically non-decreasing byte counters a
// concurrent progress query can read.
type Counters struct {
	Processed int64
	Remaining int64
	Total     int64
}

// LivenessProbe reports whether the destination connection is still
// alive. AbortFlag reports whether a concurrent caller has asserted the
// async-abort flag. IOErrorFlag reports whether the domain has
// transitioned to paused-on-IO-error.
type Supervisor struct {
	Monitor hypervisor.Monitor
	Logger  log.Logger

	LivenessProbe func() bool
	AbortFlag     func() bool
	IOErrorFlag   func() bool
	AbortOnError  bool

	BytesProcessed prometheus.Gauge
	BytesRemaining prometheus.Gauge

	mu       chan struct{} // 1-buffered, acts as a trylock-free counters guard
	counters Counters
}

// NewSupervisor returns a ready Supervisor.
func NewSupervisor(mon hypervisor.Monitor, logger log.Logger) *Supervisor {
	return &Supervisor{Monitor: mon, Logger: logger, mu: make(chan struct{}, 1)}
}

// Counters returns the latest observed byte counters.
func (s *Supervisor) Counters() Counters {
	s.mu <- struct{}{}
	c := s.counters
	<-s.mu
	return c
}

func (s *Supervisor) setCounters(c Counters) {
	s.mu <- struct{}{}
	s.counters = c
	<-s.mu
	if s.BytesProcessed != nil {
		s.BytesProcessed.Set(float64(c.Processed))
	}
	if s.BytesRemaining != nil {
		s.BytesRemaining.Set(float64(c.Remaining))
	}
}

// Wait polls query-migrate every PollInterval, releasing the domain lock
// between iterations via releaseLock/reacquireLock, until a terminal
// hypervisor status is reached or one of the three additional exit
// conditions fires. On any abort path it issues migrate_cancel before
// returning.
func (s *Supervisor) Wait(ctx context.Context, releaseLock, reacquireLock func()) (JobState, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		if s.AbortFlag != nil && s.AbortFlag() {
			return s.cancelAndReport(ctx, migerr.New(migerr.OperationAborted, "async-abort flag asserted"))
		}
		if s.LivenessProbe != nil && !s.LivenessProbe() {
			return s.cancelAndReport(ctx, migerr.New(migerr.LostDestination, "destination liveness probe failed"))
		}
		if s.AbortOnError && s.IOErrorFlag != nil && s.IOErrorFlag() {
			return s.cancelAndReport(ctx, migerr.New(migerr.OperationFailed, "domain transitioned to paused-on-IO-error"))
		}

		info, err := s.Monitor.QueryMigrate(ctx)
		if err != nil {
			return JobFailed, migerr.Wrap(migerr.OperationFailed, "querying migration status", err)
		}

		c := Counters{
			Processed: info.RAMProcessed,
			Remaining: info.RAMRemaining,
			Total:     info.RAMTotal,
		}
		if prev := s.Counters(); c.Processed < prev.Processed {
			c = prev
		}
		s.setCounters(c)

		switch info.Status {
		case hypervisor.StatusInactive:
			return JobFailed, migerr.New(migerr.OperationInvalid, "migration job is not active")
		case hypervisor.StatusCompleted:
			return JobCompleted, nil
		case hypervisor.StatusFailed:
			reason := info.ErrorDesc
			if reason == "" {
				reason = "migration failed"
			}
			return JobFailed, migerr.New(migerr.OperationFailed, reason)
		case hypervisor.StatusCancelled:
			return JobCancelled, migerr.New(migerr.OperationAborted, "migration cancelled")
		}

		if releaseLock != nil {
			releaseLock()
		}
		select {
		case <-ctx.Done():
			if reacquireLock != nil {
				reacquireLock()
			}
			return s.cancelAndReport(ctx, ctx.Err())
		case <-ticker.C:
		}
		if reacquireLock != nil {
			reacquireLock()
		}
	}
}

func (s *Supervisor) cancelAndReport(ctx context.Context, cause error) (JobState, error) {
	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Monitor.MigrateCancel(cctx); err != nil {
		s.Logger.Warn("migrate_cancel after abort failed", "error", err)
	}
	state := JobCancelled
	if migerr.Is(cause, migerr.LostDestination) || migerr.Is(cause, migerr.OperationFailed) {
		state = JobFailed
	}
	return state, fmt.Errorf("migration aborted: %w", cause)
}
