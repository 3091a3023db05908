package ledger

import (
	"context"
	"testing"
	"time"

	appfsm "github.com/kbflash/kbflash/pkg/fsm"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestFlashedSet(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	const id = "/dev/disk/by-id/usb-Adafruit_nRF_UF2_GLV80-0:0"

	flashed, err := l.IsFlashed(ctx, id)
	if err != nil {
		t.Fatalf("IsFlashed failed: %v", err)
	}
	if flashed {
		t.Error("fresh ledger should not report any flashed device")
	}

	if err := l.MarkFlashed(ctx, id, "/dev/sda", "run-1"); err != nil {
		t.Fatalf("MarkFlashed failed: %v", err)
	}
	if err := l.MarkFlashed(ctx, id, "/dev/sdb", "run-2"); err != nil {
		t.Fatalf("second MarkFlashed failed: %v", err)
	}

	flashed, err = l.IsFlashed(ctx, id)
	if err != nil {
		t.Fatalf("IsFlashed failed: %v", err)
	}
	if !flashed {
		t.Error("expected identity to be flashed")
	}
}

func TestRecordAndList(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	ok := appfsm.AttemptResult{
		RunID:         "run-1",
		Device:        "/dev/sda Adafruit nRF UF2",
		Path:          "/dev/sda",
		Identity:      "GLV80",
		Success:       true,
		FinalState:    appfsm.StateSuccess,
		MountAttempts: 2,
		CopyAttempts:  1,
		MountPaths:    []string{"/media/NICENANO"},
		CleanUnmount:  true,
		Messages:      []string{"mounted at /media/NICENANO"},
		Duration:      1500 * time.Millisecond,
	}
	bad := appfsm.AttemptResult{
		RunID:         "run-2",
		Path:          "/dev/sdb",
		Identity:      "XIAO-1",
		FinalState:    appfsm.StateFailed,
		MountAttempts: 1,
		Errors:        []string{"permission denied"},
	}

	if err := l.Record(ctx, ok); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := l.Record(ctx, bad); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	attempts, err := l.Attempts(ctx)
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(attempts))
	}

	got := attempts[0]
	if got.RunID != "run-1" || !got.Success || got.MountAttempts != 2 || !got.CleanUnmount {
		t.Errorf("unexpected first attempt %+v", got)
	}
	if len(got.MountPaths) != 1 || got.MountPaths[0] != "/media/NICENANO" {
		t.Errorf("mount paths not preserved: %v", got.MountPaths)
	}
	if got.Duration != 1500*time.Millisecond {
		t.Errorf("expected duration 1.5s, got %s", got.Duration)
	}

	if attempts[1].Success || len(attempts[1].Errors) != 1 || attempts[1].Errors[0] != "permission denied" {
		t.Errorf("unexpected second attempt %+v", attempts[1])
	}
	if attempts[1].Messages != nil {
		t.Errorf("expected no messages, got %v", attempts[1].Messages)
	}

	totals, err := l.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if totals.Flashed != 1 || totals.Failed != 1 {
		t.Errorf("expected 1 flashed and 1 failed, got %+v", totals)
	}
}

func TestLedgersAreIsolated(t *testing.T) {
	a := openTestLedger(t)
	ctx := context.Background()
	if err := a.MarkFlashed(ctx, "ABC", "/dev/sda", "run-1"); err != nil {
		t.Fatalf("MarkFlashed failed: %v", err)
	}

	b, err := Open(ctx, "session-2")
	if err != nil {
		t.Fatalf("Failed to open second ledger: %v", err)
	}
	defer b.Close()

	flashed, err := b.IsFlashed(ctx, "ABC")
	if err != nil {
		t.Fatalf("IsFlashed failed: %v", err)
	}
	if flashed {
		t.Error("a new session must start with an empty flashed set")
	}
}
