package qmp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/hashicorp/go-hclog"

	"github.com/katamaran-project/migrated/hypervisor"
)

// Monitor adapts a raw QMP Client to the hypervisor.Monitor interface,
// translating between QMP's wire types and the hypervisor package's
// transport-agnostic domain types.
type Monitor struct {
	c      *Client
	logger log.Logger
}

var _ hypervisor.Monitor = (*Monitor)(nil)

// Dial connects to a QEMU QMP unix socket and returns a ready Monitor.
func Dial(ctx context.Context, socketPath string, logger log.Logger) (*Monitor, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	c, err := NewClient(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	named := logger.Named("qmp")
	c.SetLogger(named)
	return &Monitor{c: c, logger: named}, nil
}

func (m *Monitor) Capabilities(ctx context.Context) (map[string]bool, error) {
	raw, err := m.c.Execute(ctx, "query-migrate-capabilities", nil)
	if err != nil {
		return nil, fmt.Errorf("querying migrate capabilities: %w", err)
	}
	var results []QueryCapabilitiesResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("unmarshaling migrate capabilities: %w", err)
	}
	out := make(map[string]bool, len(results))
	for _, r := range results {
		out[r.Capability] = r.State
	}
	return out, nil
}

func (m *Monitor) SetMigrationCapabilities(ctx context.Context, caps map[string]bool) error {
	list := make([]MigrationCapability, 0, len(caps))
	for name, state := range caps {
		list = append(list, MigrationCapability{Capability: name, State: state})
	}
	_, err := m.c.Execute(ctx, "migrate-set-capabilities", MigrateSetCapabilitiesArgs{Capabilities: list})
	if err != nil {
		return fmt.Errorf("setting migration capabilities: %w", err)
	}
	return nil
}

func (m *Monitor) SetMigrationParameters(ctx context.Context, params hypervisor.MigrationParams) error {
	_, err := m.c.Execute(ctx, "migrate-set-parameters", MigrateSetParametersArgs{
		DowntimeLimit: params.DowntimeLimitMS,
		MaxBandwidth:  params.MaxBandwidthBps,
	})
	if err != nil {
		return fmt.Errorf("setting migration parameters: %w", err)
	}
	if params.AutoConverge {
		return m.SetMigrationCapabilities(ctx, map[string]bool{"auto-converge": true})
	}
	return nil
}

func (m *Monitor) SetMigrationSpeed(ctx context.Context, bytesPerSec int64) error {
	_, err := m.c.Execute(ctx, "migrate-set-speed", MigrateSetSpeedArgs{Value: bytesPerSec})
	if err != nil {
		return fmt.Errorf("setting migration speed: %w", err)
	}
	return nil
}

func (m *Monitor) Migrate(ctx context.Context, uri string) error {
	_, err := m.c.Execute(ctx, "migrate", MigrateArgs{URI: uri})
	if err != nil {
		return fmt.Errorf("starting migration to %s: %w", uri, err)
	}
	return nil
}

func (m *Monitor) MigrateCancel(ctx context.Context) error {
	_, err := m.c.Execute(ctx, "migrate_cancel", nil)
	if err != nil {
		return fmt.Errorf("cancelling migration: %w", err)
	}
	return nil
}

func (m *Monitor) QueryMigrate(ctx context.Context) (hypervisor.MigrateInfo, error) {
	raw, err := m.c.Execute(ctx, "query-migrate", nil)
	if err != nil {
		return hypervisor.MigrateInfo{}, fmt.Errorf("querying migration status: %w", err)
	}
	var info MigrateInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return hypervisor.MigrateInfo{}, fmt.Errorf("unmarshaling migration status: %w", err)
	}
	return hypervisor.MigrateInfo{
		Status:       hypervisor.MigrateStatus(info.Status),
		ErrorDesc:    info.ErrorDesc,
		RAMTotal:     info.RAMTotal,
		RAMRemaining: info.RAMRemaining,
		RAMProcessed: info.RAMProcessed,
	}, nil
}

func (m *Monitor) NBDServerStart(ctx context.Context, addr hypervisor.NBDServerAddr) error {
	_, err := m.c.Execute(ctx, "nbd-server-start", NBDServerStartArgs{
		Addr: NBDServerAddr{
			Type: "inet",
			Data: NBDServerAddrData{Host: addr.Host, Port: addr.Port},
		},
	})
	if err != nil {
		return fmt.Errorf("starting NBD server on %s:%s: %w", addr.Host, addr.Port, err)
	}
	return nil
}

func (m *Monitor) NBDServerAdd(ctx context.Context, disk, exportName string, writable bool) error {
	_, err := m.c.Execute(ctx, "nbd-server-add", NBDServerAddArgs{Device: disk, Name: exportName, Writable: writable})
	if err != nil {
		return fmt.Errorf("publishing NBD export %s for %s: %w", exportName, disk, err)
	}
	return nil
}

func (m *Monitor) NBDServerStop(ctx context.Context) error {
	_, err := m.c.Execute(ctx, "nbd-server-stop", nil)
	if err != nil {
		return fmt.Errorf("stopping NBD server: %w", err)
	}
	return nil
}

func (m *Monitor) DriveMirror(ctx context.Context, disk, jobID, targetURI string, shallow bool) error {
	sync := "full"
	if shallow {
		sync = "top"
	}
	_, err := m.c.Execute(ctx, "drive-mirror", DriveMirrorArgs{
		Device: disk,
		Target: targetURI,
		Sync:   sync,
		Mode:   "existing",
		JobID:  jobID,
	})
	if err != nil {
		return fmt.Errorf("starting drive-mirror for %s: %w", disk, err)
	}
	return nil
}

func (m *Monitor) QueryBlockJobs(ctx context.Context) ([]hypervisor.BlockJobInfo, error) {
	raw, err := m.c.Execute(ctx, "query-block-jobs", nil)
	if err != nil {
		return nil, fmt.Errorf("querying block jobs: %w", err)
	}
	var jobs []BlockJobInfo
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, fmt.Errorf("unmarshaling block jobs: %w", err)
	}
	out := make([]hypervisor.BlockJobInfo, len(jobs))
	for i, j := range jobs {
		out[i] = hypervisor.BlockJobInfo{
			Device: j.Device,
			Len:    j.Len,
			Offset: j.Offset,
			Ready:  j.Ready,
			Status: j.Status,
		}
	}
	return out, nil
}

func (m *Monitor) BlockJobCancel(ctx context.Context, jobID string, force bool) error {
	_, err := m.c.Execute(ctx, "block-job-cancel", BlockJobCancelArgs{Device: jobID, Force: force})
	if err != nil {
		return fmt.Errorf("cancelling block job %q: %w", jobID, err)
	}
	return nil
}

func (m *Monitor) AnnounceSelf(ctx context.Context, params hypervisor.AnnounceSelfParams) error {
	_, err := m.c.Execute(ctx, "announce-self", AnnounceSelfArgs{
		Initial: params.InitialMS,
		Max:     params.MaxMS,
		Rounds:  params.Rounds,
		Step:    params.StepMS,
	})
	if err != nil {
		return fmt.Errorf("scheduling announce-self: %w", err)
	}
	return nil
}

func (m *Monitor) WaitForEvent(ctx context.Context, event string, timeout time.Duration) error {
	return m.c.WaitForEvent(ctx, event, timeout)
}

func (m *Monitor) Close() error {
	return m.c.Close()
}
