// Package phase implements the per-domain migration phase state machine
// (C6): the two directions (OUT, IN) each progress monotonically through
// one of the state graphs in §4.5. Grounded on the phase discipline
// described in the design and the "return err on first check" idiom the
// teacher applies to its own step sequencing, generalized into an
// explicit transition table instead of an implicit sequence of function
// calls.
package phase

import (
	log "github.com/hashicorp/go-hclog"

	"github.com/katamaran-project/migrated/migerr"
)

// Direction is which side of the migration a job represents.
type Direction string

const (
	DirectionOut Direction = "OUT"
	DirectionIn  Direction = "IN"
)

// Phase is one state of a migration job's lifecycle.
type Phase string

const (
	None               Phase = "NONE"
	Begin3             Phase = "BEGIN3"
	Perform3           Phase = "PERFORM3"
	Perform3Done       Phase = "PERFORM3_DONE"
	Confirm3           Phase = "CONFIRM3"
	Confirm3Cancelled  Phase = "CONFIRM3_CANCELLED"
	Perform2           Phase = "PERFORM2"
	Prepare            Phase = "PREPARE"
	Finish2            Phase = "FINISH2"
	Finish3            Phase = "FINISH3"
)

type edge struct {
	from, to Phase
}

// transitions enumerates every legal (from, to) pair per direction. A
// pair not present here is rejected as a backwards or otherwise illegal
// transition.
var transitions = map[Direction]map[edge]bool{
	DirectionOut: {
		{None, Begin3}:              true,
		{Begin3, Perform3}:          true,
		{Perform3, Perform3Done}:    true,
		{Perform3Done, Confirm3}:    true,
		{Perform3Done, Confirm3Cancelled}: true,
		{None, Perform2}:            true,
	},
	DirectionIn: {
		{None, Prepare}:    true,
		{Prepare, Finish2}: true,
		{Prepare, Finish3}: true,
	},
}

// terminal names the phases that end a job's lifecycle; no further
// transition is legal from them.
var terminal = map[Phase]bool{
	Confirm3:          true,
	Confirm3Cancelled: true,
	Perform2:          true,
	Finish2:           true,
	Finish3:           true,
}

// JobMask controls which synchronous operations may interleave with the
// job while it sits in a given phase. Incoming migrations forbid all
// interleaving; outgoing allows suspend and migration-control sub-ops.
type JobMask struct {
	AllowSuspend           bool
	AllowMigrationControl  bool
}

func maskFor(dir Direction, p Phase) JobMask {
	if dir == DirectionIn {
		return JobMask{}
	}
	return JobMask{AllowSuspend: true, AllowMigrationControl: true}
}

// Job is a single per-domain migration job's phase state.
type Job struct {
	Direction Direction
	Phase     Phase
	Mask      JobMask

	logger log.Logger
}

// NewJob creates a job in phase NONE.
func NewJob(dir Direction, logger log.Logger) *Job {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Job{Direction: dir, Phase: None, Mask: maskFor(dir, None), logger: logger}
}

// Advance attempts to move the job to to. A transition not present in the
// table for the job's direction is rejected with InternalError and the
// job's phase is left unchanged, with a warning logged — this is the
// "backwards transition forbidden, prior phase preserved" rule.
func (j *Job) Advance(to Phase) error {
	if terminal[j.Phase] {
		j.logger.Warn("rejected transition out of terminal phase", "from", j.Phase, "to", to)
		return migerr.New(migerr.InternalError, "job is already in a terminal phase")
	}
	e := edge{j.Phase, to}
	if !transitions[j.Direction][e] {
		j.logger.Warn("rejected illegal phase transition", "direction", j.Direction, "from", j.Phase, "to", to)
		return migerr.New(migerr.InternalError, "illegal phase transition")
	}
	j.Phase = to
	j.Mask = maskFor(j.Direction, to)
	return nil
}

// IsTerminal reports whether the job's current phase ends its lifecycle.
func (j *Job) IsTerminal() bool {
	return terminal[j.Phase]
}

// CleanupAction is what a connection-drop cleanup callback should do for
// the job's current phase, per §4.5.
type CleanupAction string

const (
	CleanupDiscard   CleanupAction = "discard"   // BEGIN3: forget we were going to migrate
	CleanupLogDiscard CleanupAction = "log_discard" // PERFORM3_DONE: log loudly, discard; destination state indeterminate
	CleanupUnreachable CleanupAction = "unreachable" // any other phase
)

// CleanupOnDisconnect returns the action a registered cleanup callback
// should take if the client connection drops while the job sits in its
// current phase. Only meaningful for outgoing, non-peer-to-peer v3 jobs
// between Begin3 and Confirm3; callers register/deregister the callback
// at those phase boundaries.
func (j *Job) CleanupOnDisconnect() CleanupAction {
	switch j.Phase {
	case Begin3:
		return CleanupDiscard
	case Perform3Done:
		return CleanupLogDiscard
	default:
		return CleanupUnreachable
	}
}
