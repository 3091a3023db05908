package fsm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/superfly/fsm"

	"github.com/kbflash/kbflash/pkg/errors"
	"github.com/kbflash/kbflash/pkg/events"
)

// newManagedMachine registers a machine with a real manager backed by a
// scratch state directory.
func newManagedMachine(t *testing.T, a *fakeAdapter, sink events.Sink) *Machine {
	t.Helper()

	manager, err := fsm.New(fsm.Config{DBPath: t.TempDir()})
	if err != nil {
		t.Fatalf("fsm.New failed: %v", err)
	}
	t.Cleanup(func() { manager.Shutdown(10 * time.Second) })

	m := NewMachine(a, sink, DefaultMaxRetries, 0)
	if _, _, err := m.Register(context.Background(), manager); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return m
}

func TestManagedFlash(t *testing.T) {
	tests := []struct {
		name        string
		adapter     *fakeAdapter
		wantSuccess bool
		wantState   string
		wantMounts  int
		wantCopies  int
	}{
		{
			name:        "success",
			adapter:     &fakeAdapter{clean: true},
			wantSuccess: true,
			wantState:   StateSuccess,
			wantMounts:  1,
			wantCopies:  1,
		},
		{
			name:       "permission denied",
			adapter:    &fakeAdapter{mountErrs: []error{errors.Permission(fmt.Errorf("Not authorized"), "mount /dev/sda")}},
			wantState:  StateMounting,
			wantMounts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &eventLog{}
			m := newManagedMachine(t, tt.adapter, log)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			res := m.Flash(ctx, FlashRequest{SessionID: "session-1", Device: nicenano(), FirmwarePath: "/build/zmk.uf2"})

			if res.Success != tt.wantSuccess {
				t.Fatalf("expected success=%v, got %+v", tt.wantSuccess, res)
			}
			if res.FinalState != tt.wantState {
				t.Errorf("expected final state %s, got %s", tt.wantState, res.FinalState)
			}
			if res.RunID == "" {
				t.Error("expected a run id")
			}
			if tt.adapter.mounts != tt.wantMounts || tt.adapter.copies != tt.wantCopies {
				t.Errorf("unexpected adapter calls mount=%d copy=%d", tt.adapter.mounts, tt.adapter.copies)
			}
			if tt.wantSuccess {
				if log.count(events.FlashSuccess) != 1 {
					t.Error("expected one flash_success event")
				}
				if len(res.MountPaths) != 1 || res.MountPaths[0] != "/media/sda" {
					t.Errorf("unexpected mount paths %v", res.MountPaths)
				}
				return
			}
			if log.count(events.FlashFailure) != 1 {
				t.Error("expected one flash_failure event")
			}
			if log.count(events.Retry) != 0 {
				t.Error("permission failure must not be retried")
			}
			if len(res.Errors) == 0 {
				t.Error("expected the failure to be reported")
			}
		})
	}
}
