package migration

import (
	"context"
	"fmt"
	"sync"

	log "github.com/hashicorp/go-hclog"
	"github.com/google/uuid"

	"github.com/katamaran-project/migrated/cookie"
	"github.com/katamaran-project/migrated/domain"
	"github.com/katamaran-project/migrated/hypervisor"
	"github.com/katamaran-project/migrated/internal/jobmonitor"
	"github.com/katamaran-project/migrated/internal/phase"
	"github.com/katamaran-project/migrated/internal/portpool"
	"github.com/katamaran-project/migrated/internal/safety"
	"github.com/katamaran-project/migrated/internal/storagecopy"
	"github.com/katamaran-project/migrated/internal/tunnel"
	"github.com/katamaran-project/migrated/migerr"
	"github.com/katamaran-project/migrated/remote"
)

// GuestControl is the injectable collaborator that starts/stops a
// domain's CPUs. Guest run-state control sits on the domain object store
// side of the boundary (§1 lists only migrate/migrate_cancel/query-migrate/
// nbd-*/drive-mirror/block-job-*/migrate-set-speed/capability negotiation
// as the hypervisor control channel this module calls directly), so Stop/
// Cont are not methods of hypervisor.Monitor; they are a separate, smaller
// seam the coordinator depends on for Confirm/Finish/resumeGuest.
type GuestControl interface {
	Stop(ctx context.Context, domainID uuid.UUID) error
	Cont(ctx context.Context, domainID uuid.UUID, reason string) error
}

// Protocol is the peer-to-peer wire protocol selected for a job.
type Protocol string

const (
	ProtocolV3Params Protocol = "v3+params"
	ProtocolV3Legacy Protocol = "v3+legacy"
	ProtocolV2       Protocol = "v2"
)

// Coordinator implements C7: one instance represents one daemon's side of
// a migration (source or destination), wired against the local hypervisor
// control channel and, for peer-to-peer Perform, a client to the other
// daemon.
type Coordinator struct {
	Domains domain.Registry
	Monitor hypervisor.Monitor
	// Pool is the destination NBD-server port allocator consumed by C3.
	Pool *portpool.Pool
	// RAMPool is the separate process-wide range PrepareDirect draws the
	// hypervisor's own incoming-migration listen port from (§6/§9's
	// "migration port counter"), distinct from Pool's NBD range.
	RAMPool *portpool.Pool
	Guest   GuestControl
	Peer    remote.DaemonClient

	Config Config
	Logger log.Logger

	LocalHostname string
	LocalHostUUID uuid.UUID

	// LockInquire/GraphicsAlloc are forwarded to every cookie.Baker this
	// coordinator creates; see cookie.Baker's doc comment.
	LockInquire   func() (driver, leases string, err error)
	GraphicsAlloc func() (cookie.Graphics, error)
	// RequiredLockDriver is this side's own lock driver name, used for the
	// Eat cross-check in §4.1 rule (v). Empty disables the check.
	RequiredLockDriver string

	jobsMu sync.Mutex
	jobs   map[uuid.UUID]*Job
}

// NewCoordinator returns a ready Coordinator with an empty job table. pool
// allocates destination NBD-server ports (C3); ramPool allocates the
// hypervisor's own incoming-migration listen port (PrepareDirect).
func NewCoordinator(domains domain.Registry, mon hypervisor.Monitor, pool, ramPool *portpool.Pool, logger log.Logger, cfg Config, hostname string, hostUUID uuid.UUID) *Coordinator {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Coordinator{
		Domains:       domains,
		Monitor:       mon,
		Pool:          pool,
		RAMPool:       ramPool,
		Config:        cfg,
		Logger:        logger.Named("coordinator"),
		LocalHostname: hostname,
		LocalHostUUID: hostUUID,
		jobs:          make(map[uuid.UUID]*Job),
	}
}

func (c *Coordinator) putJob(j *Job) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	c.jobs[j.DomainID] = j
}

func (c *Coordinator) getJob(id uuid.UUID) *Job {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	return c.jobs[id]
}

func (c *Coordinator) deleteJob(id uuid.UUID) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	delete(c.jobs, id)
}

func (c *Coordinator) requestedFeatureMask() map[cookie.Feature]bool {
	return map[cookie.Feature]bool{
		cookie.FeatureGraphics:   true,
		cookie.FeatureLockstate:  true,
		cookie.FeaturePersistent: true,
		cookie.FeatureNetwork:    true,
		cookie.FeatureNBD:        true,
	}
}

// Begin is the source side entry point: runs C2, bakes the initial
// cookie (LOCKSTATE, and NBD when non-shared storage was requested — the
// latter only advertises the capability, the real port is assigned by the
// destination's PrepareDirect), and registers a job tracked through to
// Confirm. Every Begin registers a job that persists across the subsequent
// Perform/Confirm calls; CHANGE_PROTECTION is not read here, and the job
// mask (see internal/phase) depends only on the job's direction.
func (c *Coordinator) Begin(ctx context.Context, domainID uuid.UUID, xmlIn string, dname string, flags Flags) (cookieOut []byte, domXML string, err error) {
	if err := flags.Validate(); err != nil {
		return nil, "", err
	}
	snap, ok := c.Domains.Get(domainID)
	if !ok {
		return nil, "", operationInvalid(fmt.Sprintf("unknown domain %s", domainID))
	}
	if _, err := safety.IsAllowed(snap, flags.Has(FlagPeer2Peer), flags.Has(FlagAbortOnError), ""); err != nil {
		return nil, "", err
	}

	job := NewJob(domainID, phase.DirectionOut)
	job.WasRunning = snap.Running && !snap.Paused
	if err := job.Phase.Advance(phase.Begin3); err != nil {
		return nil, "", err
	}

	baker := cookie.NewBaker(c.LocalHostname, c.LocalHostUUID, snap.Name, snap.ID)
	baker.LockInquire = c.LockInquire
	if err := baker.AddLockstate(snap.Paused, snap.LockDriver, ""); err != nil {
		return nil, "", err
	}
	if flags.Any(FlagNonSharedDisk | FlagNonSharedInc) {
		if err := baker.AddNBD(0); err != nil {
			return nil, "", err
		}
	}
	cookieOut, err = baker.Bake()
	if err != nil {
		return nil, "", err
	}

	c.putJob(job)

	domXML = xmlIn
	if domXML == "" {
		domXML = fmt.Sprintf("<domain name=%q uuid=%q/>", snap.Name, snap.ID)
	}
	c.Logger.Info("Begin", "domain", domainID, "dname", dname, "flags", flags)
	return cookieOut, domXML, nil
}

// PrepareDirect is the destination side entry point for a native
// transport. disks is the eligible disk list for storage-copy; the real
// domain object store (out of scope) would derive it from defXml — this
// coordinator takes it directly since no XML parser is wired.
func (c *Coordinator) PrepareDirect(ctx context.Context, domainID uuid.UUID, cookieIn []byte, uriIn string, flags Flags, defXML string, disks []domain.Disk) (cookieOut []byte, uriOut string, err error) {
	if err := flags.Validate(); err != nil {
		return nil, "", err
	}

	// No local domain object exists yet on the destination before Prepare;
	// the zero UUID tells Eat to skip the guest-UUID cross-check (see
	// cookie.Eat's rule iii). The incoming cookie's own guest name/UUID are
	// carried forward into the reply cookie below so the source's later
	// Eat of our reply has something to cross-check against.
	in, err := cookie.Eat(cookieIn, c.LocalHostname, c.LocalHostUUID, "", uuid.UUID{}, c.requestedFeatureMask(), c.RequiredLockDriver)
	if err != nil {
		return nil, "", err
	}

	job := NewJob(domainID, phase.DirectionIn)
	c.putJob(job)

	host := "::"
	port := 0
	if flags.Any(FlagNonSharedDisk | FlagNonSharedInc) {
		engine := &storagecopy.Engine{Monitor: c.Monitor, Pool: c.Pool, Logger: c.Logger.Named("storagecopy")}
		p, perr := engine.Prepare(ctx, host, disks)
		if perr != nil {
			c.deleteJob(domainID)
			return nil, "", perr
		}
		port = p
		job.StorageEngine = engine
		job.Mirror = make([]storagecopy.DiskMirrorPlan, 0, len(disks))
		for _, d := range disks {
			job.Mirror = append(job.Mirror, storagecopy.DiskMirrorPlan{
				Alias:     d.Alias,
				ExportURL: storagecopy.ExportURL(host, port, d.Alias),
				JobID:     "mirror-" + d.Alias,
			})
		}
	}

	baker := cookie.NewBaker(c.LocalHostname, c.LocalHostUUID, in.Name, in.UUID)
	baker.GraphicsAlloc = c.GraphicsAlloc
	if c.GraphicsAlloc != nil {
		if err := baker.AddGraphics(); err != nil {
			return nil, "", err
		}
	}
	if port != 0 {
		if err := baker.AddNBD(port); err != nil {
			return nil, "", err
		}
	}
	cookieOut, err = baker.Bake()
	if err != nil {
		return nil, "", err
	}

	if err := job.Phase.Advance(phase.Prepare); err != nil {
		return nil, "", err
	}

	if uriIn != "" {
		if uriOut, err = NormalizeURI(uriIn); err != nil {
			return nil, "", err
		}
	} else {
		// No URI supplied: reserve a listen port from the process-wide
		// migration port pool (round-robin from a fixed range, per §6) and
		// generate our own URI from it.
		ramPort, perr := c.RAMPool.Acquire()
		if perr != nil {
			c.deleteJob(domainID)
			return nil, "", migerr.Wrap(migerr.OperationFailed, "acquiring migration listen port", perr)
		}
		job.RAMPort = ramPort
		uriOut, err = GenerateURI(c.LocalHostname, ramPort)
		if err != nil {
			c.RAMPool.Release(ramPort)
			c.deleteJob(domainID)
			return nil, "", err
		}
	}
	c.Logger.Info("PrepareDirect", "domain", domainID, "nbd_port", port, "uri", uriOut)
	return cookieOut, uriOut, nil
}

// PrepareTunnel is PrepareDirect's stream-transport sibling: OFFLINE is
// rejected (by an explicit check here, before Flags.Validate runs inside
// PrepareDirect), and the reply's transport is
// stdio-equivalent — the coordinator only reserves a job and a reply
// cookie; the byte relay itself is started by the peer-to-peer source
// side's Perform once it has dialed in via remote.DaemonClient.
func (c *Coordinator) PrepareTunnel(ctx context.Context, domainID uuid.UUID, cookieIn []byte, flags Flags, defXML string, disks []domain.Disk) (cookieOut []byte, err error) {
	if flags.Has(FlagOffline) {
		return nil, invalidArgument("PrepareTunnel rejects OFFLINE")
	}
	cookieOut, _, err = c.PrepareDirect(ctx, domainID, cookieIn, "", flags, defXML, disks)
	return cookieOut, err
}

func (c *Coordinator) chooseProtocol(ctx context.Context) (Protocol, error) {
	if c.Peer == nil {
		return "", operationInvalid("peer-to-peer requested but no remote daemon client is configured")
	}
	caps, err := c.Peer.Capabilities(ctx)
	if err != nil {
		return "", migerr.Wrap(migerr.OperationFailed, "querying destination capabilities", err)
	}
	switch {
	case caps["v3"] && caps["params"]:
		return ProtocolV3Params, nil
	case caps["v3"]:
		return ProtocolV3Legacy, nil
	case caps["v2"]:
		return ProtocolV2, nil
	default:
		return "", argumentUnsupported("destination advertises no compatible migration protocol")
	}
}

// Perform drives the main hypervisor migration. Peer-to-peer requests a
// protocol (v3+params / v3+legacy / v2, in that preference order) and
// calls the destination daemon itself via Peer; direct mode assumes the
// caller already ran Prepare against the destination and supplies uriIn
// directly. Internally dispatches to doNativeMigrate or doTunnelMigrate.
func (c *Coordinator) Perform(ctx context.Context, domainID uuid.UUID, uriIn string, cookieIn []byte, flags Flags, bandwidth int64, v3 bool) (cookieOut []byte, err error) {
	job := c.getJob(domainID)
	if job == nil {
		// v2 has no Begin step: NONE -> PERFORM2 directly. v3 without a
		// prior Begin is a protocol error, caught below when Advance
		// rejects the NONE -> PERFORM3 transition.
		job = NewJob(domainID, phase.DirectionOut)
		c.putJob(job)
	}
	snap, ok := c.Domains.Get(domainID)
	if !ok {
		return nil, operationInvalid(fmt.Sprintf("unknown domain %s", domainID))
	}
	job.WasRunning = snap.Running && !snap.Paused

	defer func() {
		if err != nil {
			c.resumeGuest(ctx, job)
		}
	}()

	uri := uriIn
	if flags.Has(FlagPeer2Peer) {
		proto, perr := c.chooseProtocol(ctx)
		if perr != nil {
			return nil, perr
		}
		c.Logger.Info("peer-to-peer protocol selected", "protocol", proto, "domain", domainID)

		if flags.Has(FlagTunnelled) {
			stream, reply, perr := c.Peer.PrepareTunnel(ctx, remote.PrepareTunnelArgs{CookieIn: cookieIn, Flags: uint64(flags)})
			if perr != nil {
				return nil, migerr.Wrap(migerr.OperationFailed, "peer PrepareTunnel failed", perr)
			}
			w, werr := tunnel.Start(job.LocalTunnelFD, stream)
			if werr != nil {
				return nil, migerr.Wrap(migerr.InternalError, "starting tunnel worker", werr)
			}
			job.Tunnel = w
			cookieOut = reply
		} else {
			reply, perr := c.Peer.PrepareDirect(ctx, remote.PrepareDirectArgs{CookieIn: cookieIn, URIIn: uriIn, Flags: uint64(flags)})
			if perr != nil {
				return nil, migerr.Wrap(migerr.OperationFailed, "peer PrepareDirect failed", perr)
			}
			uri = reply.URIOut
			cookieOut = reply.CookieOut
		}
	}

	normalized, err := NormalizeURI(uri)
	if err != nil {
		return nil, err
	}

	if v3 {
		if err := job.Phase.Advance(phase.Perform3); err != nil {
			return nil, err
		}
	}

	// Non-shared storage: the destination's Prepare reply cookie (received
	// from the peer as cookieOut in peer-to-peer mode, or supplied directly
	// by the caller as cookieIn otherwise) carries the NBD port the source mirrors
	// each eligible disk to. Build the plan once per job.
	if flags.Any(FlagNonSharedDisk|FlagNonSharedInc) && len(job.Mirror) == 0 {
		replyCookie := cookieOut
		if replyCookie == nil {
			replyCookie = cookieIn
		}
		in, eatErr := cookie.Eat(replyCookie, c.LocalHostname, c.LocalHostUUID, snap.Name, snap.ID, c.requestedFeatureMask(), c.RequiredLockDriver)
		if eatErr != nil {
			return nil, eatErr
		}
		if in.NBD == nil {
			return nil, migerr.New(migerr.InternalError, "destination did not advertise an NBD port for non-shared storage migration")
		}
		host, herr := HostFromURI(normalized)
		if herr != nil {
			return nil, herr
		}
		job.StorageEngine = &storagecopy.Engine{Monitor: c.Monitor, Pool: c.Pool, Logger: c.Logger.Named("storagecopy")}
		disks := snap.NonSharedDisks()
		job.Mirror = make([]storagecopy.DiskMirrorPlan, 0, len(disks))
		for _, d := range disks {
			job.Mirror = append(job.Mirror, storagecopy.DiskMirrorPlan{
				Alias:     d.Alias,
				ExportURL: storagecopy.ExportURL(host, in.NBD.Port, d.Alias),
				JobID:     "mirror-" + d.Alias,
			})
		}
	}

	if len(job.Mirror) > 0 && job.StorageEngine != nil {
		incremental := flags.Has(FlagNonSharedInc)
		abort := make(chan struct{})
		if job.Cancelled() {
			close(abort)
		}
		if err := job.StorageEngine.Mirror(ctx, job.Mirror, incremental, abort, nil, nil); err != nil {
			return nil, err
		}
		// Clear the NON_SHARED_* bits: the subsequent migrate must not
		// redundantly ship block data the mirror already copied.
		flags &^= FlagNonSharedDisk | FlagNonSharedInc
	}

	if job.Tunnel != nil {
		err = c.doTunnelMigrate(ctx, job, normalized, bandwidth, flags)
	} else {
		err = c.doNativeMigrate(ctx, job, normalized, bandwidth, flags)
	}
	if err != nil {
		return nil, err
	}

	// A completed live migration always leaves the source's vCPUs stopped
	// (QEMU's own migration completion semantics, independent of whether
	// the overall protocol ultimately confirms or cancels): record that in
	// the domain snapshot now, before Confirm/resumeGuest ever look at it.
	if job.WasRunning {
		if snap, ok := c.Domains.Get(job.DomainID); ok {
			snap.Paused = true
			c.Domains.Put(snap)
		}
	}

	if v3 {
		if err := job.Phase.Advance(phase.Perform3Done); err != nil {
			return nil, err
		}
	} else if err := job.Phase.Advance(phase.Perform2); err != nil {
		return nil, err
	}

	// The cookie handed on to Finish is baked by this (source) side, so the
	// destination's Eat sees the source's host identity rather than its own.
	baker := cookie.NewBaker(c.LocalHostname, c.LocalHostUUID, snap.Name, snap.ID)
	if cookieOut, err = baker.Bake(); err != nil {
		return nil, err
	}

	// Peer-to-peer: nobody but this coordinator talks to the destination
	// daemon, so it drives the destination's Finish itself (and, for v3,
	// its own Confirm) instead of leaving that to an external caller the
	// way the direct-mode contract does.
	if flags.Has(FlagPeer2Peer) {
		reply, ferr := c.Peer.Finish(ctx, remote.FinishArgs{CookieIn: cookieOut, Flags: uint64(flags), Retcode: 0, V3: v3})
		switch {
		case ferr != nil:
			err = migerr.Wrap(migerr.OperationFailed, "peer Finish failed", ferr)
		case !reply.Success:
			err = migerr.New(migerr.OperationFailed, "peer Finish reported failure")
		}
		if v3 {
			if cerr := c.Confirm(ctx, domainID, cookieIn, flags, err != nil); cerr != nil && err == nil {
				err = cerr
			}
		} else {
			c.deleteJob(domainID)
		}
		return cookieOut, err
	}

	if !v3 {
		// Direct-mode v2 is terminal on Perform; there is no Confirm/Finish
		// step on the source side to release this job.
		c.deleteJob(domainID)
	}
	return cookieOut, nil
}

func (c *Coordinator) doNativeMigrate(ctx context.Context, job *Job, uri string, bandwidth int64, flags Flags) error {
	params := hypervisor.MigrationParams{
		DowntimeLimitMS: c.Config.MaxDowntimeMS,
		MaxBandwidthBps: c.Config.MaxBandwidthBps,
		AutoConverge:    true,
	}
	if bandwidth > 0 {
		params.MaxBandwidthBps = bandwidth
	}
	if err := c.Monitor.SetMigrationParameters(ctx, params); err != nil {
		return migerr.Wrap(migerr.OperationFailed, "setting migration parameters", err)
	}

	// A cancel requested before migrate is issued triggers no separate
	// pre-migrate step here: migrate is still issued, and the supervisor's
	// first poll sees the flag and cancels (see DESIGN.md).
	if err := c.Monitor.Migrate(ctx, uri); err != nil {
		return migerr.Wrap(migerr.OperationFailed, fmt.Sprintf("starting migration to %s", uri), err)
	}

	sup := jobmonitor.NewSupervisor(c.Monitor, c.Logger.Named("jobmonitor"))
	sup.AbortFlag = job.Cancelled
	sup.AbortOnError = true
	sup.IOErrorFlag = func() bool {
		snap, ok := c.Domains.Get(job.DomainID)
		return ok && snap.HasIOError
	}
	if flags.Has(FlagPeer2Peer) && c.Peer != nil {
		// §4.4 exit condition (a): only a peer-to-peer job has an RPC
		// connection to the destination daemon whose liveness can be
		// probed; direct mode has no such collaborator wired.
		sup.LivenessProbe = func() bool { return c.Peer.Alive(ctx) }
	}
	job.Supervisor = sup

	state, err := sup.Wait(ctx, nil, nil)
	if err != nil {
		return err
	}
	if state != jobmonitor.JobCompleted {
		return migerr.New(migerr.OperationFailed, fmt.Sprintf("migration ended in state %s", state))
	}
	return nil
}

// doTunnelMigrate runs the native migration against the local end of the
// tunnel fd pair, then joins the tunnel worker exactly once. Per §4.4,
// the coordinator's own error wins over the tunnel's captured error
// unless the coordinator holds none.
func (c *Coordinator) doTunnelMigrate(ctx context.Context, job *Job, uri string, bandwidth int64, flags Flags) error {
	migrateErr := c.doNativeMigrate(ctx, job, uri, bandwidth, flags)
	tunnelErr := job.Tunnel.Stop(migrateErr != nil)
	if migrateErr != nil {
		return migrateErr
	}
	return tunnelErr
}

// Confirm is the source side's v3 terminal disposition. Idempotent: a
// second Confirm(cancelled=true) call after the job already reached a
// terminal phase is a no-op, matching §8's round-trip law.
func (c *Coordinator) Confirm(ctx context.Context, domainID uuid.UUID, cookieIn []byte, flags Flags, cancelled bool) error {
	job := c.getJob(domainID)
	if job == nil {
		return nil
	}
	if job.Phase.IsTerminal() {
		return nil
	}

	if cancelled {
		if err := job.Phase.Advance(phase.Confirm3Cancelled); err != nil {
			return err
		}
		c.resumeGuest(ctx, job)
		if job.Mirror != nil && job.StorageEngine != nil {
			cctx, cancel := c.Config.CleanupContext()
			defer cancel()
			for _, dm := range job.Mirror {
				if err := c.Monitor.BlockJobCancel(cctx, dm.JobID, true); err != nil {
					c.Logger.Warn("Confirm(cancelled): failed to cancel storage mirror", "job", dm.JobID, "error", err)
				}
			}
		}
		c.deleteJob(domainID)
		return nil
	}

	if err := job.Phase.Advance(phase.Confirm3); err != nil {
		return err
	}
	if c.Guest != nil {
		if err := c.Guest.Stop(ctx, domainID); err != nil {
			return migerr.Wrap(migerr.OperationFailed, "stopping source guest on confirm", err)
		}
	}
	if snap, ok := c.Domains.Get(domainID); ok {
		snap.Running = false
		snap.Paused = false
		c.Domains.Put(snap)
	}
	c.deleteJob(domainID)
	c.Logger.Info("Confirm", "domain", domainID)
	return nil
}

// Finish is the destination side's terminal disposition. On success it
// stops the NBD server, accepts the persistent replacement config, starts
// the guest's CPUs, and broadcasts the GARP/RARP announce-self burst; on
// failure it stops the (never-started) guest and returns an error.
func (c *Coordinator) Finish(ctx context.Context, domainID uuid.UUID, cookieIn []byte, flags Flags, retcode int, v3 bool) (domXML string, err error) {
	job := c.getJob(domainID)
	if job == nil {
		return "", operationInvalid("no migration job in progress for this domain")
	}
	defer c.deleteJob(domainID)
	if job.RAMPort != 0 {
		defer c.RAMPool.Release(job.RAMPort)
	}

	if retcode != 0 {
		if c.Guest != nil {
			if err := c.Guest.Stop(ctx, domainID); err != nil {
				c.Logger.Warn("Finish: failed to stop guest after failed migration", "domain", domainID, "error", err)
			}
		}
		if v3 {
			_ = job.Phase.Advance(phase.Finish3)
		} else {
			_ = job.Phase.Advance(phase.Finish2)
		}
		return "", migerr.New(migerr.OperationFailed, "migration reported non-zero retcode")
	}

	if job.StorageEngine != nil {
		cctx, cancel := c.Config.CleanupContext()
		if err := c.Monitor.NBDServerStop(cctx); err != nil {
			c.Logger.Warn("Finish: failed to stop NBD server", "domain", domainID, "error", err)
		}
		cancel()
	}

	localGuestName, localGuestUUID := "", uuid.UUID{}
	if snap, ok := c.Domains.Get(domainID); ok {
		localGuestName, localGuestUUID = snap.Name, snap.ID
	}
	in, err := cookie.Eat(cookieIn, c.LocalHostname, c.LocalHostUUID, localGuestName, localGuestUUID, c.requestedFeatureMask(), c.RequiredLockDriver)
	if err != nil {
		return "", err
	}
	domXML = in.PersistentXML

	if snap, ok := c.Domains.Get(domainID); ok {
		snap.Running = true
		snap.Paused = false
		c.Domains.Put(snap)
	}
	if c.Guest != nil {
		if err := c.Guest.Cont(ctx, domainID, "MIGRATION_FINISHED"); err != nil {
			c.Logger.Warn("Finish: failed to start guest CPUs", "domain", domainID, "error", err)
		}
	}

	garpCtx, garpCancel := c.Config.CleanupContext()
	if err := c.Monitor.AnnounceSelf(garpCtx, hypervisor.AnnounceSelfParams{
		InitialMS: c.Config.GARPInitialMS,
		MaxMS:     c.Config.GARPMaxMS,
		Rounds:    c.Config.GARPRounds,
		StepMS:    c.Config.GARPStepMS,
	}); err != nil {
		c.Logger.Warn("Finish: GARP announce-self failed", "domain", domainID, "error", err)
	}
	garpCancel()

	if v3 {
		_ = job.Phase.Advance(phase.Finish3)
	} else {
		_ = job.Phase.Advance(phase.Finish2)
	}
	c.Logger.Info("Finish", "domain", domainID)
	return domXML, nil
}

// resumeGuest mirrors qemuMigrationSrcRestoreDomainState: if the guest was
// running at Perform entry and is paused now, restart its CPUs with
// reason MIGRATION_CANCELED. Never overwrites the caller's error; this is
// called from a defer after the real return values are already set.
func (c *Coordinator) resumeGuest(ctx context.Context, job *Job) {
	if !job.WasRunning {
		return
	}
	cur, ok := c.Domains.Get(job.DomainID)
	if !ok || !cur.Paused {
		return
	}
	if c.Guest == nil {
		c.Logger.Warn("cannot resume guest after failed Perform: no guest controller configured", "domain", job.DomainID)
		return
	}
	cctx, cancel := c.Config.CleanupContext()
	defer cancel()
	if err := c.Guest.Cont(cctx, job.DomainID, "MIGRATION_CANCELED"); err != nil {
		c.Logger.Error("failed to resume guest after failed migration; guest left paused", "domain", job.DomainID, "error", err)
		return
	}
	cur.Paused = false
	c.Domains.Put(cur)
}
