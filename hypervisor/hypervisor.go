// Package hypervisor declares the contract this module expects from the
// hypervisor control channel — the actual monitor process (QEMU's QMP,
// or any equivalent) that issues migrate/migrate_cancel/query-migrate,
// starts and tears down NBD servers, drives drive-mirror and block jobs,
// and negotiates migration capabilities.
//
// Per this module's scope, the monitor itself is an external collaborator:
// this package only pins down the interface the coordinator, the storage-copy
// engine, and the job monitor are written against. internal/qmp provides one
// concrete implementation (a JSON-based client for QEMU's QMP).
package hypervisor

import (
	"context"
	"time"
)

// MigrateStatus is the terminal (or in-progress) state of a migrate command,
// as reported by query-migrate.
type MigrateStatus string

const (
	StatusInactive  MigrateStatus = "inactive"
	StatusSetup     MigrateStatus = "setup"
	StatusActive    MigrateStatus = "active"
	StatusCompleted MigrateStatus = "completed"
	StatusFailed    MigrateStatus = "failed"
	StatusCancelled MigrateStatus = "cancelled"
)

// MigrateInfo is the decoded response of query-migrate.
type MigrateInfo struct {
	Status       MigrateStatus
	ErrorDesc    string
	RAMTotal     int64
	RAMRemaining int64
	RAMProcessed int64
}

// BlockJobInfo is one entry of query-block-jobs.
type BlockJobInfo struct {
	Device string
	Len    int64
	Offset int64
	Ready  bool
	// Status is one of the hypervisor's own job-status strings
	// ("running", "ready", "concluded", "null", ...).
	Status string
}

// NBDServerAddr is the listen address passed to nbd-server-start.
type NBDServerAddr struct {
	Host string
	Port string
}

// MigrationParams are the tunables pushed before issuing migrate.
type MigrationParams struct {
	DowntimeLimitMS int64
	MaxBandwidthBps int64
	AutoConverge    bool
}

// AnnounceSelfParams schedules the guest-side GARP/RARP announcement burst
// QEMU emits via announce-self, used on the destination after Finish starts
// the guest's CPUs.
type AnnounceSelfParams struct {
	InitialMS int
	MaxMS     int
	Rounds    int
	StepMS    int
}

// Monitor is the hypervisor control channel. All methods may block on I/O
// and must respect ctx cancellation. Implementations are not required to be
// safe for concurrent use by multiple goroutines; callers serialize access
// (the coordinator holds the per-domain lock for the duration of each call).
type Monitor interface {
	// Capabilities returns the set of hypervisor-side feature names the
	// monitor reports as available (capability negotiation).
	Capabilities(ctx context.Context) (map[string]bool, error)

	// SetMigrationCapabilities toggles migration-specific capabilities
	// (e.g. "auto-converge", "postcopy-ram") before Migrate is issued.
	SetMigrationCapabilities(ctx context.Context, caps map[string]bool) error

	// SetMigrationParameters pushes downtime/bandwidth tuning ahead of Migrate.
	SetMigrationParameters(ctx context.Context, params MigrationParams) error

	// SetMigrationSpeed throttles an in-progress migration (migrate-set-speed).
	SetMigrationSpeed(ctx context.Context, bytesPerSec int64) error

	// Migrate starts (or resumes, for postcopy) migration to uri.
	Migrate(ctx context.Context, uri string) error

	// MigrateCancel requests cancellation of an in-progress migration.
	// Safe to call even if no migration has started; the spec treats that
	// case as a no-op (see DESIGN.md).
	MigrateCancel(ctx context.Context) error

	// QueryMigrate returns the current migration status snapshot.
	QueryMigrate(ctx context.Context) (MigrateInfo, error)

	// NBDServerStart starts an NBD server bound to addr.
	NBDServerStart(ctx context.Context, addr NBDServerAddr) error

	// NBDServerAdd publishes disk as an NBD export on the running server,
	// under exportName (the name a remote drive-mirror target URL must
	// reference via exportname=, which need not equal the device node).
	NBDServerAdd(ctx context.Context, disk, exportName string, writable bool) error

	// NBDServerStop stops the NBD server and all its exports.
	NBDServerStop(ctx context.Context) error

	// DriveMirror starts a drive-mirror job named jobID, copying disk to
	// targetURI. shallow requests an incremental ("top-layer only") mirror.
	DriveMirror(ctx context.Context, disk, jobID, targetURI string, shallow bool) error

	// QueryBlockJobs returns the current state of every active block job.
	QueryBlockJobs(ctx context.Context) ([]BlockJobInfo, error)

	// BlockJobCancel aborts the named block job. force skips any pivot
	// attempt and cancels immediately.
	BlockJobCancel(ctx context.Context, jobID string, force bool) error

	// AnnounceSelf schedules a guest-side GARP/RARP announcement burst.
	AnnounceSelf(ctx context.Context, params AnnounceSelfParams) error

	// WaitForEvent blocks until the named monitor event is observed or
	// timeout elapses.
	WaitForEvent(ctx context.Context, event string, timeout time.Duration) error

	// Close releases the underlying connection. Safe to call more than once.
	Close() error
}
