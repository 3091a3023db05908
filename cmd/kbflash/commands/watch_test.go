package commands

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kbflash/kbflash/pkg/device"
	"github.com/kbflash/kbflash/pkg/query"
)

type staticRawLister struct {
	raws []device.RawDevice
}

func (l *staticRawLister) ListRaw(ctx context.Context) ([]device.RawDevice, error) {
	return l.raws, nil
}

type chanSource struct {
	ch chan device.RawEvent
}

func (s *chanSource) Subscribe(ctx context.Context) (<-chan device.RawEvent, error) {
	return s.ch, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func usbRaw(name string) device.RawDevice {
	return device.RawDevice{Node: "/dev/" + name, Name: name, Bus: "usb", DevType: "disk"}
}

func TestWatchDevices_PresentListedBeforeEvents(t *testing.T) {
	// The add is queued before the monitor starts so it is delivered as soon
	// as the watch goroutine runs.
	src := &chanSource{ch: make(chan device.RawEvent, 1)}
	src.ch <- device.RawEvent{Action: device.ActionAdd, Device: usbRaw("sdb")}

	lister := &staticRawLister{raws: []device.RawDevice{usbRaw("sda")}}
	mon := device.NewMonitor(device.NewEnumerator(lister, nil), device.WithEventSource(src))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- watchDevices(ctx, mon, out, query.Query{}) }()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "/dev/sdb") {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the add event, output:\n%s", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watchDevices failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchDevices did not return after cancel")
	}

	text := out.String()
	present := strings.Index(text, "/dev/sda")
	watching := strings.Index(text, "Watching for devices")
	added := strings.Index(text, "/dev/sdb")
	if present < 0 || watching < 0 || !(present < watching && watching < added) {
		t.Errorf("expected present list, then banner, then live event, got:\n%s", text)
	}
	if mon.Running() {
		t.Error("monitor should be stopped")
	}
}
