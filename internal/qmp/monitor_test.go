package qmp

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	log "github.com/hashicorp/go-hclog"

	"github.com/katamaran-project/migrated/hypervisor"
)

func TestMonitor_QueryMigrate_Translation(t *testing.T) {
	t.Parallel()
	sock := startFakeQMP(t, func(conn net.Conn) {
		qmpHandshake(conn)
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte(`{"return":{"status":"active","ram-total":1000,"ram-remaining":200,"ram-processed":800}}` + "\n"))
	})

	ctx := context.Background()
	mon, err := Dial(ctx, sock, log.NewNullLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer mon.Close()

	info, err := mon.QueryMigrate(ctx)
	if err != nil {
		t.Fatalf("QueryMigrate: %v", err)
	}
	if info.Status != hypervisor.StatusActive {
		t.Fatalf("status = %q, want %q", info.Status, hypervisor.StatusActive)
	}
	if info.RAMTotal != 1000 || info.RAMRemaining != 200 || info.RAMProcessed != 800 {
		t.Fatalf("unexpected RAM counters: %+v", info)
	}
}

func TestMonitor_Capabilities_Translation(t *testing.T) {
	t.Parallel()
	sock := startFakeQMP(t, func(conn net.Conn) {
		qmpHandshake(conn)
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte(`{"return":[{"capability":"auto-converge","state":true},{"capability":"postcopy-ram","state":false}]}` + "\n"))
	})

	ctx := context.Background()
	mon, err := Dial(ctx, sock, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer mon.Close()

	caps, err := mon.Capabilities(ctx)
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if !caps["auto-converge"] || caps["postcopy-ram"] {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
}

func TestMonitor_DriveMirror_ShallowSetsTopSync(t *testing.T) {
	t.Parallel()
	var received []byte
	sock := startFakeQMP(t, func(conn net.Conn) {
		qmpHandshake(conn)
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		received = append([]byte(nil), buf[:n]...)
		conn.Write([]byte(`{"return":{}}` + "\n"))
	})

	ctx := context.Background()
	mon, err := Dial(ctx, sock, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer mon.Close()

	if err := mon.DriveMirror(ctx, "virtio0", "mirror-virtio0", "nbd:host:10809", true); err != nil {
		t.Fatalf("DriveMirror: %v", err)
	}
	if got := string(received); !strings.Contains(got, `"sync":"top"`) {
		t.Fatalf("expected top sync in request, got: %s", got)
	}
}

func TestMonitor_QueryBlockJobs_Translation(t *testing.T) {
	t.Parallel()
	sock := startFakeQMP(t, func(conn net.Conn) {
		qmpHandshake(conn)
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte(`{"return":[{"device":"mirror-virtio0","len":100,"offset":50,"ready":false,"status":"running"}]}` + "\n"))
	})

	ctx := context.Background()
	mon, err := Dial(ctx, sock, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer mon.Close()

	jobs, err := mon.QueryBlockJobs(ctx)
	if err != nil {
		t.Fatalf("QueryBlockJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Device != "mirror-virtio0" || jobs[0].Offset != 50 {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestMonitor_WaitForEvent(t *testing.T) {
	t.Parallel()
	sock := startFakeQMP(t, func(conn net.Conn) {
		qmpHandshake(conn)
		time.Sleep(50 * time.Millisecond)
		conn.Write([]byte(`{"event":"STOP"}` + "\n"))
	})

	ctx := context.Background()
	mon, err := Dial(ctx, sock, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer mon.Close()

	if err := mon.WaitForEvent(ctx, "STOP", 5*time.Second); err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
}
