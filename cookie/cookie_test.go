package cookie

import (
	"testing"

	"github.com/google/uuid"
)

func TestBakeEat_RoundTrip(t *testing.T) {
	t.Parallel()

	localHost := uuid.New()
	remoteHost := uuid.New()
	guest := uuid.New()

	b := NewBaker("src.example.com", localHost, "myguest", guest)
	if err := b.AddLockstate(false, "", ""); err == nil {
		t.Fatal("expected LockInquireFailed with no LockInquire configured")
	}
	b.LockInquire = func() (string, string, error) { return "lockd", "lease-blob", nil }
	if err := b.AddLockstate(false, "", ""); err != nil {
		t.Fatalf("AddLockstate: %v", err)
	}

	data, err := b.Bake()
	if err != nil {
		t.Fatalf("Bake: %v", err)
	}
	if data[len(data)-1] != 0 {
		t.Fatal("expected null-terminated cookie")
	}

	// Eat as a destination with a different hostname and host UUID, so the
	// document reads as coming from a genuinely different host.
	got, err := Eat(data, "dst.example.com", remoteHost, "myguest", guest, map[Feature]bool{FeatureLockstate: true}, "lockd")
	if err != nil {
		t.Fatalf("Eat: %v", err)
	}
	if got.LockState == nil || got.LockState.Driver != "lockd" {
		t.Fatalf("unexpected lockstate: %+v", got.LockState)
	}
}

func TestEat_RejectsNonNullTerminated(t *testing.T) {
	t.Parallel()
	_, err := Eat([]byte("<qemu-migration/>"), "h", uuid.New(), "g", uuid.New(), nil, "")
	if err == nil {
		t.Fatal("expected MalformedCookie error")
	}
}

func TestEat_RejectsSameHost(t *testing.T) {
	t.Parallel()
	host := uuid.New()
	guest := uuid.New()

	b := NewBaker("h", host, "g", guest)
	data, err := b.Bake()
	if err != nil {
		t.Fatalf("Bake: %v", err)
	}
	_, err = Eat(data, "h", host, "g", guest, map[Feature]bool{}, "")
	if err == nil {
		t.Fatal("expected SameHostMigration error")
	}
}

func TestEat_RejectsUnsupportedMandatoryFeature(t *testing.T) {
	t.Parallel()
	localHost := uuid.New()
	remoteHost := uuid.New()
	guest := uuid.New()

	b := NewBaker("src", localHost, "g", guest)
	b.LockInquire = func() (string, string, error) { return "lockd", "leases", nil }
	if err := b.AddLockstate(false, "", ""); err != nil {
		t.Fatalf("AddLockstate: %v", err)
	}
	data, err := b.Bake()
	if err != nil {
		t.Fatalf("Bake: %v", err)
	}

	_, err = Eat(data, "dst", remoteHost, "g", guest, map[Feature]bool{}, "lockd")
	if err == nil {
		t.Fatal("expected UnsupportedCookieFeature error")
	}
}

func TestBaker_RejectsDuplicateFeature(t *testing.T) {
	t.Parallel()
	b := NewBaker("h", uuid.New(), "g", uuid.New())
	b.GraphicsAlloc = func() (Graphics, error) { return Graphics{Type: "spice", Port: 5900}, nil }
	if err := b.AddGraphics(); err != nil {
		t.Fatalf("first AddGraphics: %v", err)
	}
	if err := b.AddGraphics(); err == nil {
		t.Fatal("expected DuplicateFeature on second AddGraphics")
	}
}
