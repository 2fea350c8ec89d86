// Package safety implements the pre-flight safety and policy gate (C2):
// pure functions over a domain.Snapshot that the coordinator consults
// before committing to a migration, fail-closed. Grounded on the ordered
// "return err on first check" idiom of the teacher's setupSource/
// setupDestination, generalized from a fixed checklist to the rule order
// given in the design.
package safety

import (
	"github.com/katamaran-project/migrated/domain"
	"github.com/katamaran-project/migrated/migerr"
)

// Decision is the result of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// IsAllowed evaluates the ordered rule list of §4.2. remote indicates a
// peer-to-peer migration (as opposed to a caller-driven direct one);
// abortOnError mirrors the ABORT_ON_ERROR flag. Evaluation short-circuits
// on the first failing rule; no later rule is evaluated. The returned
// error, when non-nil, is always of kind MigrationUnsafe.
// ourMirrorJobID is the block job id the storage-copy engine is about to
// start (or has started) for this migration; it is excluded from the
// "foreign active block job" check.
func IsAllowed(snap domain.Snapshot, remote, abortOnError bool, ourMirrorJobID string) (Decision, error) {
	if snap.AutoDestroy {
		return fail("domain is marked auto-destroy")
	}
	if remote {
		if snap.HasSnapshots {
			return fail("domain has one or more snapshots")
		}
		if abortOnError && snap.HasIOError {
			return fail("domain is paused due to an I/O error and ABORT_ON_ERROR is set")
		}
	}
	if hasForeignBlockJob(snap, ourMirrorJobID) {
		return fail("domain has an active block job other than the mirror this migration will start")
	}
	if hasNonUSBHostDevice(snap) {
		return fail("domain has assigned host devices other than USB")
	}
	return Decision{Allowed: true, Reason: "ok"}, nil
}

func hasForeignBlockJob(snap domain.Snapshot, ourMirrorJobID string) bool {
	for _, job := range snap.ActiveBlockJobs {
		if job != ourMirrorJobID {
			return true
		}
	}
	return false
}

func hasNonUSBHostDevice(snap domain.Snapshot) bool {
	for _, dev := range snap.HostDevices {
		if dev != "usb" {
			return true
		}
	}
	return false
}

func fail(reason string) (Decision, error) {
	return Decision{Allowed: false, Reason: reason}, migerr.New(migerr.MigrationUnsafe, reason)
}

// IsSafe inspects each non-shared, non-read-only disk. unsafeOverride
// corresponds to the caller's explicit UNSAFE flag, which downgrades a
// failure to a no-op.
func IsSafe(snap domain.Snapshot, cacheDisabled map[string]bool, selfCoherentNetworkBacked map[string]bool, unsafeOverride bool) (Decision, error) {
	for _, d := range snap.NonSharedDisks() {
		if selfCoherentNetworkBacked[d.Alias] {
			continue
		}
		if cacheDisabled[d.Alias] {
			continue
		}
		reason := "disk " + d.Alias + " is not safe for migration: not on shared/cluster storage, not self-coherent network-backed, and cache is not disabled"
		if unsafeOverride {
			continue
		}
		return Decision{Allowed: false, Reason: reason}, migerr.New(migerr.MigrationUnsafe, reason)
	}
	return Decision{Allowed: true, Reason: "ok"}, nil
}
