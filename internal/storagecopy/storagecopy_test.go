package storagecopy

import (
	"context"
	"sync"
	"testing"
	"time"

	log "github.com/hashicorp/go-hclog"

	"github.com/katamaran-project/migrated/domain"
	"github.com/katamaran-project/migrated/hypervisor"
	"github.com/katamaran-project/migrated/internal/portpool"
)

// fakeMonitor is a minimal in-memory hypervisor.Monitor for exercising
// Engine without a real QMP connection.
type fakeMonitor struct {
	mu           sync.Mutex
	jobs         map[string]*hypervisor.BlockJobInfo
	cancelled    []string
	mirrorErr    map[string]error
	nbdStarted   bool
	nbdExports   []string
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{jobs: map[string]*hypervisor.BlockJobInfo{}, mirrorErr: map[string]error{}}
}

func (f *fakeMonitor) Capabilities(ctx context.Context) (map[string]bool, error) { return nil, nil }
func (f *fakeMonitor) SetMigrationCapabilities(ctx context.Context, caps map[string]bool) error {
	return nil
}
func (f *fakeMonitor) SetMigrationParameters(ctx context.Context, p hypervisor.MigrationParams) error {
	return nil
}
func (f *fakeMonitor) SetMigrationSpeed(ctx context.Context, bps int64) error { return nil }
func (f *fakeMonitor) Migrate(ctx context.Context, uri string) error         { return nil }
func (f *fakeMonitor) MigrateCancel(ctx context.Context) error              { return nil }
func (f *fakeMonitor) QueryMigrate(ctx context.Context) (hypervisor.MigrateInfo, error) {
	return hypervisor.MigrateInfo{}, nil
}
func (f *fakeMonitor) NBDServerStart(ctx context.Context, addr hypervisor.NBDServerAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nbdStarted = true
	return nil
}
func (f *fakeMonitor) NBDServerAdd(ctx context.Context, disk, exportName string, writable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nbdExports = append(f.nbdExports, exportName)
	return nil
}
func (f *fakeMonitor) NBDServerStop(ctx context.Context) error { return nil }

func (f *fakeMonitor) DriveMirror(ctx context.Context, disk, jobID, targetURI string, shallow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.mirrorErr[disk]; ok {
		return err
	}
	f.jobs[jobID] = &hypervisor.BlockJobInfo{Device: jobID, Len: 100, Offset: 0, Status: "running"}
	return nil
}

func (f *fakeMonitor) QueryBlockJobs(ctx context.Context) ([]hypervisor.BlockJobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hypervisor.BlockJobInfo, 0, len(f.jobs))
	for _, j := range f.jobs {
		if j.Offset < j.Len {
			j.Offset += 50
		}
		out = append(out, *j)
	}
	return out, nil
}

func (f *fakeMonitor) BlockJobCancel(ctx context.Context, jobID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	delete(f.jobs, jobID)
	return nil
}

func (f *fakeMonitor) AnnounceSelf(ctx context.Context, params hypervisor.AnnounceSelfParams) error {
	return nil
}
func (f *fakeMonitor) WaitForEvent(ctx context.Context, event string, timeout time.Duration) error {
	return nil
}
func (f *fakeMonitor) Close() error { return nil }

var _ hypervisor.Monitor = (*fakeMonitor)(nil)

func TestEngine_Prepare_AcquiresPortAndPublishesExports(t *testing.T) {
	t.Parallel()
	mon := newFakeMonitor()
	e := &Engine{Monitor: mon, Pool: portpool.New(10000, 10), Logger: log.NewNullLogger()}

	port, err := e.Prepare(context.Background(), "", []domain.Disk{{Alias: "vda"}, {Alias: "vdb"}})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if port < 10000 || port >= 10010 {
		t.Fatalf("port %d out of range", port)
	}
	if !mon.nbdStarted {
		t.Fatal("expected NBD server to be started")
	}
	want := []string{"drive-vda", "drive-vdb"}
	if len(mon.nbdExports) != len(want) {
		t.Fatalf("expected %d exports, got %v", len(want), mon.nbdExports)
	}
	for i, name := range want {
		if mon.nbdExports[i] != name {
			t.Fatalf("export[%d] = %q, want %q", i, mon.nbdExports[i], name)
		}
	}
}

func TestEngine_Mirror_CompletesWhenOffsetReachesLen(t *testing.T) {
	t.Parallel()
	mon := newFakeMonitor()
	e := &Engine{Monitor: mon, Pool: portpool.New(10000, 10), Logger: log.NewNullLogger()}

	plan := []DiskMirrorPlan{
		{Alias: "vda", JobID: "mirror-vda", ExportURL: "nbd:host:10000:exportname=drive-vda"},
	}
	abort := make(chan struct{})
	err := e.Mirror(context.Background(), plan, false, abort, nil, nil)
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
}

func TestEngine_Mirror_RollsBackOnFailure(t *testing.T) {
	t.Parallel()
	mon := newFakeMonitor()
	mon.mirrorErr["vdb"] = errBoom{}
	e := &Engine{Monitor: mon, Pool: portpool.New(10000, 10), Logger: log.NewNullLogger()}

	plan := []DiskMirrorPlan{
		{Alias: "vda", JobID: "mirror-vda", ExportURL: "nbd:host:10000:exportname=drive-vda"},
		{Alias: "vdb", JobID: "mirror-vdb", ExportURL: "nbd:host:10000:exportname=drive-vdb"},
	}
	abort := make(chan struct{})
	err := e.Mirror(context.Background(), plan, false, abort, nil, nil)
	if err == nil {
		t.Fatal("expected mirror failure to propagate")
	}
	if len(mon.cancelled) == 0 {
		t.Fatal("expected rollback to cancel the started job")
	}
}

func TestEngine_Mirror_Aborts(t *testing.T) {
	t.Parallel()
	mon := newFakeMonitor()
	e := &Engine{Monitor: mon, Pool: portpool.New(10000, 10), Logger: log.NewNullLogger()}

	plan := []DiskMirrorPlan{
		{Alias: "vda", JobID: "mirror-vda", ExportURL: "nbd:host:10000:exportname=drive-vda"},
	}
	abort := make(chan struct{})
	close(abort)
	err := e.Mirror(context.Background(), plan, false, abort, nil, nil)
	if err == nil {
		t.Fatal("expected OperationAborted")
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
