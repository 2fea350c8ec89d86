// Package storagecopy implements the storage-copy engine (C3): NBD server
// setup on the destination and concurrent drive-mirror of every eligible
// disk from source to destination. Grounded on the NBD server lifecycle in
// the teacher's dest.go and the drive-mirror/poll loop in source.go,
// generalized from one hardcoded drive to a DiskMirrorPlan per disk and
// from sequential to concurrent mirroring via errgroup.
package storagecopy

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/katamaran-project/migrated/domain"
	"github.com/katamaran-project/migrated/hypervisor"
	"github.com/katamaran-project/migrated/internal/portpool"
	"github.com/katamaran-project/migrated/migerr"
)

// DriveHostPrefix is prepended to a disk alias to form its NBD export name.
const DriveHostPrefix = "drive-"

// PollInterval is how often a mirror's block-job progress is checked.
const PollInterval = 500 * time.Millisecond

// DiskMirrorPlan is one entry of the ordered disk-mirror plan: a disk
// alias paired with the NBD export URL it will be mirrored to.
type DiskMirrorPlan struct {
	Alias     string
	ExportURL string
	JobID     string

	lastOffset int64
	lastLen    int64
	started    bool
}

// Engine owns the port allocated for this job's NBD server and the
// in-flight mirror plan. One Engine is created per migration job that
// requests NON_SHARED_{DISK,INC}.
type Engine struct {
	Monitor hypervisor.Monitor
	Pool    *portpool.Pool
	Logger  log.Logger

	// MirrorOffset/MirrorLength, when set, are updated with each disk's
	// latest block-job progress on every poll, labelled by disk alias.
	MirrorOffset *prometheus.GaugeVec
	MirrorLength *prometheus.GaugeVec

	port int
}

// Prepare runs the destination half: acquire one port (shared by every
// export of this call; each call acquires its own), start the NBD server (binding "::" when the caller's configured listen
// address is unspecified), and publish one export per disk. On any
// failure the acquired port is released.
func (e *Engine) Prepare(ctx context.Context, listenHost string, disks []domain.Disk) (port int, err error) {
	p, err := e.Pool.Acquire()
	if err != nil {
		return 0, migerr.Wrap(migerr.OperationFailed, "acquiring NBD port", err)
	}
	e.port = p

	defer func() {
		if err != nil {
			e.Pool.Release(p)
		}
	}()

	host := listenHost
	if host == "" || host == "[::]" {
		host = "::"
	}

	if err = e.Monitor.NBDServerStart(ctx, hypervisor.NBDServerAddr{Host: host, Port: fmt.Sprintf("%d", p)}); err != nil {
		return 0, migerr.Wrap(migerr.OperationFailed, "starting NBD server", err)
	}

	for _, d := range disks {
		if err = e.Monitor.NBDServerAdd(ctx, d.Alias, ExportName(d.Alias), true); err != nil {
			return 0, migerr.Wrap(migerr.OperationFailed, fmt.Sprintf("publishing NBD export for %s", d.Alias), err)
		}
	}

	e.Logger.Info("NBD server ready", "host", host, "port", p, "disks", len(disks))
	return p, nil
}

// ExportName returns the NBD export name for a disk alias.
func ExportName(alias string) string {
	return DriveHostPrefix + alias
}

// ExportURL builds the nbd:HOST:PORT:exportname=EXPORT URL, where EXPORT is
// ExportName(alias), bracketing an IPv6 host.
func ExportURL(host string, port int, alias string) string {
	return fmt.Sprintf("nbd:%s:%d:exportname=%s", formatHost(host), port, ExportName(alias))
}

func formatHost(host string) string {
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is6() && !addr.Is4In6() {
		return "[" + host + "]"
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]"
	}
	return host
}

// Mirror runs the source half of C3: starts drive-mirror on every disk in
// plan concurrently (one goroutine per disk via errgroup, cancelling the
// group context on the first failure), polling each job every
// PollInterval until cur==end. releaseLock/reacquireLock model the
// domain-lock-release contract of §5; the engine has no knowledge of the
// lock itself. incremental requests "shallow" mode (NON_SHARED_INC).
func (e *Engine) Mirror(ctx context.Context, plan []DiskMirrorPlan, incremental bool, abort <-chan struct{}, releaseLock, reacquireLock func()) error {
	g, gctx := errgroup.WithContext(ctx)

	var startedMu sync.Mutex
	started := make([]*DiskMirrorPlan, 0, len(plan))
	for i := range plan {
		dm := &plan[i]
		g.Go(func() error {
			if err := e.Monitor.DriveMirror(gctx, dm.Alias, dm.JobID, dm.ExportURL, incremental); err != nil {
				return migerr.Wrap(migerr.OperationFailed, fmt.Sprintf("starting drive-mirror for %s", dm.Alias), err)
			}
			dm.started = true
			startedMu.Lock()
			started = append(started, dm)
			startedMu.Unlock()

			return e.pollUntilReady(gctx, dm, abort, releaseLock, reacquireLock)
		})
	}

	err := g.Wait()
	if err != nil {
		e.rollback(started)
	}
	return err
}

func (e *Engine) pollUntilReady(ctx context.Context, dm *DiskMirrorPlan, abort <-chan struct{}, releaseLock, reacquireLock func()) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-abort:
			return migerr.New(migerr.OperationAborted, fmt.Sprintf("mirror of %s aborted by caller", dm.Alias))
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if releaseLock != nil {
			releaseLock()
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if reacquireLock != nil {
				reacquireLock()
			}
			return ctx.Err()
		}
		if reacquireLock != nil {
			reacquireLock()
		}

		jobs, err := e.Monitor.QueryBlockJobs(ctx)
		if err != nil {
			return migerr.Wrap(migerr.OperationFailed, "querying block jobs", err)
		}

		var job *hypervisor.BlockJobInfo
		for i := range jobs {
			if jobs[i].Device == dm.JobID {
				job = &jobs[i]
				break
			}
		}
		if job == nil {
			return migerr.New(migerr.OperationFailed, fmt.Sprintf("block mirror job %q disappeared before completion", dm.JobID))
		}

		dm.lastOffset, dm.lastLen = job.Offset, job.Len
		if e.MirrorOffset != nil {
			e.MirrorOffset.WithLabelValues(dm.Alias).Set(float64(job.Offset))
		}
		if e.MirrorLength != nil {
			e.MirrorLength.WithLabelValues(dm.Alias).Set(float64(job.Len))
		}
		if job.Offset == job.Len {
			e.Logger.Info("disk mirror synchronized", "disk", dm.Alias, "job", dm.JobID)
			return nil
		}
	}
}

// rollback cancels every block job that was started, in reverse start
// order, best effort. Warnings are logged, never returned: the caller's
// first error is what's surfaced.
func (e *Engine) rollback(started []*DiskMirrorPlan) {
	for i := len(started) - 1; i >= 0; i-- {
		dm := started[i]
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.Monitor.BlockJobCancel(cctx, dm.JobID, true); err != nil {
			e.Logger.Warn("rollback: failed to cancel block job", "job", dm.JobID, "error", err)
		}
		cancel()
	}
}
