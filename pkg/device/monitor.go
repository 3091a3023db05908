package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kbflash/kbflash/pkg/errors"
)

// DefaultPollInterval is used when no native event source is available.
const DefaultPollInterval = 750 * time.Millisecond

// Observer receives device transitions. Calls happen on the monitor goroutine,
// in registration order.
type Observer interface {
	OnDeviceEvent(action Action, dev BlockDevice)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(action Action, dev BlockDevice)

// OnDeviceEvent calls f.
func (f ObserverFunc) OnDeviceEvent(action Action, dev BlockDevice) { f(action, dev) }

// ObserverID identifies a registration.
type ObserverID uint64

type observerEntry struct {
	id  ObserverID
	obs Observer
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithPollInterval sets the polling period used without an event source.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithEventSource makes the monitor consume native events instead of polling.
func WithEventSource(src EventSource) MonitorOption {
	return func(m *Monitor) { m.source = src }
}

// Monitor watches for USB block devices appearing and disappearing.
type Monitor struct {
	enum         *Enumerator
	source       EventSource
	pollInterval time.Duration

	mu        sync.Mutex
	devices   []BlockDevice
	known     map[string]struct{}
	observers []observerEntry
	nextID    ObserverID
	added     chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a stopped monitor over enum.
func NewMonitor(enum *Enumerator, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		enum:         enum,
		pollInterval: DefaultPollInterval,
		known:        make(map[string]struct{}),
		added:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds an observer and returns its id. Safe while monitoring.
func (m *Monitor) Register(obs Observer) ObserverID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.observers = append(m.observers, observerEntry{id: m.nextID, obs: obs})
	return m.nextID
}

// Unregister removes an observer. Unknown ids are ignored.
func (m *Monitor) Unregister(id ObserverID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.observers {
		if e.id == id {
			m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
			return
		}
	}
}

// Devices returns a copy of the current device list.
func (m *Monitor) Devices() []BlockDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BlockDevice, len(m.devices))
	copy(out, m.devices)
	return out
}

// Refresh returns the monitor's latest view of dev with freshly read mount points.
func (m *Monitor) Refresh(ctx context.Context, dev BlockDevice) BlockDevice {
	m.mu.Lock()
	for _, d := range m.devices {
		if d.Path == dev.Path {
			dev = d
			break
		}
	}
	m.mu.Unlock()

	if m.enum == nil || m.enum.mounts == nil {
		return dev
	}
	return dev.WithMountPoints(m.enum.mounts.Snapshot(ctx))
}

// Running reports whether the watch goroutine is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

// Start primes the known set with the devices present now (without notifying
// observers) and begins watching in the background. Starting a running monitor
// is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	_, err := m.StartWithSnapshot(ctx)
	return err
}

// StartWithSnapshot is Start that also returns the devices the monitor was
// primed with. Observers are only told about changes after that snapshot. On a
// running monitor it returns the current device list.
func (m *Monitor) StartWithSnapshot(ctx context.Context) ([]BlockDevice, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return m.Devices(), nil
	}

	devs, err := m.enum.ListDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prime device monitor")
	}

	m.mu.Lock()
	m.devices = devs
	m.known = make(map[string]struct{}, len(devs))
	for _, d := range devs {
		m.known[d.Path] = struct{}{}
	}
	snapshot := make([]BlockDevice, len(devs))
	copy(snapshot, devs)
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	var events <-chan RawEvent
	if m.source != nil {
		events, err = m.source.Subscribe(runCtx)
		if err != nil {
			slog.Warn("device_event_subscription_failed", "error", err, "fallback", "polling")
			events = nil
		}
	}

	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	slog.Info("device_monitor_started", "known_devices", len(devs), "event_driven", events != nil, "poll_interval", m.pollInterval)
	go m.run(runCtx, events, done)
	return snapshot, nil
}

// Stop ends monitoring and waits for the watch goroutine to exit. It is
// idempotent and may race with in-flight delivery; it must not be called from
// inside an observer.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("device_monitor_stopped")
}

// WaitForDevice blocks until a known device whose path is not in exclude exists,
// the timeout elapses or ctx is done.
func (m *Monitor) WaitForDevice(ctx context.Context, timeout time.Duration, exclude map[string]struct{}) (BlockDevice, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		for _, d := range m.devices {
			if _, skip := exclude[d.Path]; !skip {
				m.mu.Unlock()
				return d, nil
			}
		}
		signal := m.added
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return BlockDevice{}, ctx.Err()
		case <-timer.C:
			return BlockDevice{}, fmt.Errorf("%w: no new device within %s", errors.ErrTimeout, timeout)
		case <-signal:
		}
	}
}

func (m *Monitor) run(ctx context.Context, events <-chan RawEvent, done chan struct{}) {
	defer close(done)

	if events != nil {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					if ctx.Err() != nil {
						return
					}
					slog.Warn("device_event_stream_closed", "fallback", "polling")
					m.pollLoop(ctx)
					return
				}
				m.handleEvent(ctx, ev)
			}
		}
	}

	m.pollLoop(ctx)
}

func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, ev RawEvent) {
	switch ev.Action {
	case ActionAdd:
		if !ev.Device.IsUSB() {
			return
		}
		dev, err := m.enum.Build(ctx, ev.Device)
		if err != nil {
			slog.Warn("device_event_skipped", "name", ev.Device.Name, "error", err)
			return
		}
		m.add(dev)
	case ActionChange:
		if !ev.Device.IsUSB() {
			return
		}
		dev, err := m.enum.Build(ctx, ev.Device)
		if err != nil {
			slog.Warn("device_event_skipped", "name", ev.Device.Name, "error", err)
			return
		}
		m.update(dev)
	case ActionRemove:
		m.remove(ev.Device.Node)
	}
}

// poll diffs the current enumeration against the known set.
func (m *Monitor) poll(ctx context.Context) {
	devs, err := m.enum.ListDevices(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("device_poll_failed", "error", err)
		}
		return
	}

	current := make(map[string]struct{}, len(devs))
	for _, d := range devs {
		current[d.Path] = struct{}{}
	}

	m.mu.Lock()
	var gone []string
	for path := range m.known {
		if _, ok := current[path]; !ok {
			gone = append(gone, path)
		}
	}
	m.mu.Unlock()

	for _, path := range gone {
		m.remove(path)
	}
	for _, d := range devs {
		m.add(d)
	}
}

func (m *Monitor) add(dev BlockDevice) {
	m.mu.Lock()
	if _, ok := m.known[dev.Path]; ok {
		m.mu.Unlock()
		return
	}
	m.known[dev.Path] = struct{}{}
	m.devices = append(m.devices, dev)
	observers := append([]observerEntry(nil), m.observers...)
	close(m.added)
	m.added = make(chan struct{})
	m.mu.Unlock()

	slog.Info("device_added", "device", dev.Path, "vendor", dev.Vendor, "model", dev.Model, "serial", dev.Serial)
	m.deliver(ActionAdd, dev, observers)
}

// update replaces a known device's entry. Unknown devices are ignored so a late
// change cannot resurrect a device that was already removed.
func (m *Monitor) update(dev BlockDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d.Path == dev.Path {
			m.devices[i] = dev
			slog.Debug("device_updated", "device", dev.Path, "partitions", len(dev.Partitions))
			return
		}
	}
}

func (m *Monitor) remove(path string) {
	m.mu.Lock()
	idx := -1
	for i, d := range m.devices {
		if d.Path == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		delete(m.known, path)
		m.mu.Unlock()
		return
	}
	dev := m.devices[idx]
	m.devices = append(m.devices[:idx:idx], m.devices[idx+1:]...)
	delete(m.known, path)
	observers := append([]observerEntry(nil), m.observers...)
	m.mu.Unlock()

	slog.Info("device_removed", "device", path)
	m.deliver(ActionRemove, dev, observers)
}

func (m *Monitor) deliver(action Action, dev BlockDevice, observers []observerEntry) {
	for _, e := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("device_observer_failed", "observer_id", e.id, "action", action, "device", dev.Path, "panic", r)
				}
			}()
			e.obs.OnDeviceEvent(action, dev)
		}()
	}
}
