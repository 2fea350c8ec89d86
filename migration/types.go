package migration

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/katamaran-project/migrated/internal/jobmonitor"
	"github.com/katamaran-project/migrated/internal/phase"
	"github.com/katamaran-project/migrated/internal/storagecopy"
	"github.com/katamaran-project/migrated/internal/tunnel"
)

// Flags is the public flag word, one bit per §6.
type Flags uint64

const (
	FlagLive Flags = 1 << iota
	FlagPeer2Peer
	FlagTunnelled
	FlagPersistDest
	FlagUndefineSource
	FlagPaused
	FlagNonSharedDisk
	FlagNonSharedInc
	FlagChangeProtection
	FlagUnsafe
	FlagOffline
	FlagCompressed
	FlagAbortOnError
)

// Has reports whether every bit in want is set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Any reports whether at least one bit of want is set in f.
func (f Flags) Any(want Flags) bool { return f&want != 0 }

// Validate rejects flag combinations that must fail before any side
// effect, per §6: offline + non-shared storage, offline + tunnelled,
// offline without persist-dest.
func (f Flags) Validate() error {
	if f.Has(FlagOffline) && f.Any(FlagNonSharedDisk|FlagNonSharedInc) {
		return invalidArgument("OFFLINE is incompatible with non-shared storage migration")
	}
	if f.Has(FlagOffline) && f.Has(FlagTunnelled) {
		return invalidArgument("OFFLINE is incompatible with TUNNELLED")
	}
	if f.Has(FlagOffline) && !f.Has(FlagPersistDest) {
		return invalidArgument("OFFLINE requires PERSIST_DEST")
	}
	return nil
}

// DestinationType tags how MigrationSpec addresses the destination.
type DestinationType string

const (
	DestHost        DestinationType = "HOST"
	DestConnectHost DestinationType = "CONNECT_HOST"
	DestUnix        DestinationType = "UNIX"
	DestFD          DestinationType = "FD"
)

// ForwardingType tags how migration bytes reach the destination.
type ForwardingType string

const (
	ForwardDirect ForwardingType = "DIRECT"
	ForwardStream ForwardingType = "STREAM"
)

// MigrationSpec is the coordinator's transport descriptor, a tagged
// variant over destination type and forwarding type.
type MigrationSpec struct {
	DestType DestinationType
	Forward  ForwardingType

	Host string
	Port int

	UnixSocketPath string

	// FDHypervisor is handed to the hypervisor monitor directly (native
	// transport); FDLocal is kept by the coordinator for the tunnel relay
	// (stream transport).
	FDHypervisor int
	FDLocal      int

	// DowntimeLimitMS/MaxBandwidthBps are per-job tuning values. The
	// coordinator does not read MigrationSpec: it pushes Config's values,
	// with Perform's bandwidth argument overriding the bandwidth.
	DowntimeLimitMS int64
	MaxBandwidthBps int64
}

// Job is one MigrationJob: a per-domain, per-direction migration in
// flight. The coordinator is its sole mutator.
type Job struct {
	DomainID  uuid.UUID
	Direction phase.Direction
	Phase     *phase.Job
	StartedAt time.Time

	// WasRunning records whether the guest was running at Perform entry,
	// consulted by resumeGuest on failure.
	WasRunning bool

	cancelled int32 // atomic; set by RequestCancel, read by pollers

	Mirror        []storagecopy.DiskMirrorPlan
	StorageEngine *storagecopy.Engine
	Supervisor    *jobmonitor.Supervisor
	Tunnel        *tunnel.Worker
	// RAMPort is the incoming-migration listen port reserved from the
	// coordinator's RAMPool by PrepareDirect when no destination URI was
	// supplied by the caller. Zero means none was reserved (uriIn was set,
	// or this job never went through PrepareDirect).
	RAMPort int
	// LocalTunnelFD is the end of the hypervisor-facing fd pair kept
	// locally for the relay; the other end is handed to the hypervisor
	// process by the launcher (the domain object store, out of scope).
	// Set by the caller before Perform when flags carry TUNNELLED.
	LocalTunnelFD int

	mu sync.Mutex
}

// NewJob creates a job in phase NONE for the given domain and direction.
func NewJob(domainID uuid.UUID, dir phase.Direction) *Job {
	return &Job{
		DomainID:  domainID,
		Direction: dir,
		Phase:     phase.NewJob(dir, nil),
		StartedAt: time.Now(),
	}
}

// RequestCancel asserts the async-abort flag, checked at the top of every
// C4 poll iteration. The C3 storage mirror sees it only if it is already
// set when Perform starts the mirror; a cancel during the mirror is not
// observed until the C4 loop.
func (j *Job) RequestCancel() { atomic.StoreInt32(&j.cancelled, 1) }

// Cancelled reports whether RequestCancel has been called for this job.
func (j *Job) Cancelled() bool { return atomic.LoadInt32(&j.cancelled) != 0 }
