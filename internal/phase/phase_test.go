package phase

import (
	"testing"
)

func TestJob_OutV3_HappyPath(t *testing.T) {
	t.Parallel()
	j := NewJob(DirectionOut, nil)
	for _, to := range []Phase{Begin3, Perform3, Perform3Done, Confirm3} {
		if err := j.Advance(to); err != nil {
			t.Fatalf("advancing to %v: %v", to, err)
		}
	}
	if !j.IsTerminal() {
		t.Fatal("expected CONFIRM3 to be terminal")
	}
}

func TestJob_RejectsBackwardsTransition(t *testing.T) {
	t.Parallel()
	j := NewJob(DirectionOut, nil)
	if err := j.Advance(Begin3); err != nil {
		t.Fatalf("Advance(BEGIN3): %v", err)
	}
	if err := j.Advance(Perform3); err != nil {
		t.Fatalf("Advance(PERFORM3): %v", err)
	}
	if err := j.Advance(Begin3); err == nil {
		t.Fatal("expected rejection of backwards transition to BEGIN3")
	}
	if j.Phase != Perform3 {
		t.Fatalf("expected phase to remain PERFORM3, got %v", j.Phase)
	}
}

func TestJob_RejectsTransitionOutOfTerminal(t *testing.T) {
	t.Parallel()
	j := NewJob(DirectionOut, nil)
	_ = j.Advance(Perform2)
	if !j.IsTerminal() {
		t.Fatal("expected PERFORM2 to be terminal")
	}
	if err := j.Advance(Begin3); err == nil {
		t.Fatal("expected rejection of any transition from a terminal phase")
	}
}

func TestJob_InV2AndV3(t *testing.T) {
	t.Parallel()
	jv2 := NewJob(DirectionIn, nil)
	if err := jv2.Advance(Prepare); err != nil {
		t.Fatalf("Advance(PREPARE): %v", err)
	}
	if err := jv2.Advance(Finish2); err != nil {
		t.Fatalf("Advance(FINISH2): %v", err)
	}

	jv3 := NewJob(DirectionIn, nil)
	_ = jv3.Advance(Prepare)
	if err := jv3.Advance(Finish3); err != nil {
		t.Fatalf("Advance(FINISH3): %v", err)
	}
}

func TestJob_CleanupOnDisconnect(t *testing.T) {
	t.Parallel()
	j := NewJob(DirectionOut, nil)
	if got := j.CleanupOnDisconnect(); got != CleanupUnreachable {
		t.Fatalf("NONE cleanup = %v, want unreachable", got)
	}
	_ = j.Advance(Begin3)
	if got := j.CleanupOnDisconnect(); got != CleanupDiscard {
		t.Fatalf("BEGIN3 cleanup = %v, want discard", got)
	}
	_ = j.Advance(Perform3)
	_ = j.Advance(Perform3Done)
	if got := j.CleanupOnDisconnect(); got != CleanupLogDiscard {
		t.Fatalf("PERFORM3_DONE cleanup = %v, want log_discard", got)
	}
}

func TestJob_MaskDiffersByDirection(t *testing.T) {
	t.Parallel()
	out := NewJob(DirectionOut, nil)
	if !out.Mask.AllowSuspend || !out.Mask.AllowMigrationControl {
		t.Fatalf("expected outgoing job to allow interleaving, got %+v", out.Mask)
	}
	in := NewJob(DirectionIn, nil)
	if in.Mask.AllowSuspend || in.Mask.AllowMigrationControl {
		t.Fatalf("expected incoming job to forbid all interleaving, got %+v", in.Mask)
	}
}
