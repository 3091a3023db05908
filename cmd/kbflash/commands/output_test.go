package commands

import (
	"strings"
	"testing"
	"time"

	"github.com/kbflash/kbflash/pkg/device"
	appfsm "github.com/kbflash/kbflash/pkg/fsm"
	"github.com/kbflash/kbflash/pkg/orchestrator"
	"github.com/kbflash/kbflash/pkg/query"
)

func nicenano() device.BlockDevice {
	return device.BlockDevice{
		Path:        "/dev/sda",
		Name:        "sda",
		Vendor:      "Adafruit",
		Model:       "nRF UF2",
		Serial:      "GLV80-735A88B1887FDE8B",
		Label:       "NICENANO",
		Size:        32 * 1024 * 1024,
		Removable:   true,
		MountPoints: map[string]string{"sda": "/media/NICENANO"},
	}
}

func TestRenderDevices(t *testing.T) {
	out := renderDevices([]device.BlockDevice{nicenano()})

	for _, want := range []string{"PATH", "/dev/sda", "Adafruit", "GLV80-735A88B1887FDE8B", "32 MiB", "/media/NICENANO"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestRenderEvent(t *testing.T) {
	q := query.MustParse("vendor=Adafruit")

	added := renderEvent(device.ActionAdd, nicenano(), q)
	if !strings.Contains(added, "added") || !strings.Contains(added, "*") {
		t.Errorf("expected a marked add line, got %q", added)
	}

	other := nicenano()
	other.Vendor = "Seeed"
	removed := renderEvent(device.ActionRemove, other, q)
	if !strings.Contains(removed, "removed") || strings.Contains(removed, "*") {
		t.Errorf("expected an unmarked remove line, got %q", removed)
	}
}

func TestRenderSession(t *testing.T) {
	res := &orchestrator.SessionResult{
		SessionID:      "session-1",
		DevicesFlashed: 1,
		DevicesFailed:  1,
		Success:        false,
		Messages:       []string{"Flashed /dev/sda"},
		Errors:         []string{"Failed to flash /dev/sdb: permission denied"},
		Details: []appfsm.AttemptResult{
			{Device: "/dev/sda Adafruit nRF UF2", Success: true, MountAttempts: 1, CopyAttempts: 1, FinalState: appfsm.StateSuccess},
			{Device: "/dev/sdb Seeed XIAO", MountAttempts: 1, FinalState: appfsm.StateMounting},
		},
		Duration: 1500 * time.Millisecond,
	}

	out := renderSession(res)
	for _, want := range []string{"FAILED", "flashed=1 failed=1", "session-1", "/dev/sdb Seeed XIAO", "permission denied"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}
