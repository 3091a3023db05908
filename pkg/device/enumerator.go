package device

import (
	"context"
	"log/slog"
	"sort"

	"github.com/kbflash/kbflash/pkg/errors"
)

// Lister is the one-shot read side of device discovery.
type Lister interface {
	ListDevices(ctx context.Context) ([]BlockDevice, error)
}

// Enumerator lists USB-ancestored block devices from a platform RawLister.
type Enumerator struct {
	lister RawLister
	mounts *MountCache
}

// NewEnumerator wraps a platform lister. mounts may be nil, in which case devices
// carry no mount points.
func NewEnumerator(lister RawLister, mounts *MountCache) *Enumerator {
	return &Enumerator{lister: lister, mounts: mounts}
}

// ListDevices walks the OS registry once and returns matching devices sorted by
// path. A malformed entry is skipped with a diagnostic; it never aborts the walk.
func (e *Enumerator) ListDevices(ctx context.Context) ([]BlockDevice, error) {
	raws, err := e.lister.ListRaw(ctx)
	if err != nil {
		slog.Error("device_enumeration_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list block devices")
	}

	var mounts map[string]string
	if e.mounts != nil {
		mounts = e.mounts.Snapshot(ctx)
	}

	devices := make([]BlockDevice, 0, len(raws))
	for _, raw := range raws {
		if !raw.IsUSB() {
			continue
		}
		dev, err := e.build(raw, mounts)
		if err != nil {
			slog.Warn("device_entry_skipped", "name", raw.Name, "error", err)
			continue
		}
		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })

	slog.Debug("device_enumeration_complete", "raw_count", len(raws), "device_count", len(devices))
	return devices, nil
}

// Build builds a single raw entry the same way ListDevices does. Event sources
// use it for devices announced by the kernel.
func (e *Enumerator) Build(ctx context.Context, raw RawDevice) (BlockDevice, error) {
	var mounts map[string]string
	if e.mounts != nil {
		mounts = e.mounts.Snapshot(ctx)
	}
	return e.build(raw, mounts)
}

func (e *Enumerator) build(raw RawDevice, mounts map[string]string) (BlockDevice, error) {
	dev, err := Build(raw)
	if err != nil {
		return BlockDevice{}, err
	}
	if mounts != nil {
		dev = dev.WithMountPoints(mounts)
	}
	return dev, nil
}
