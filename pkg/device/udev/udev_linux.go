package udev

import (
	"context"
	"log/slog"
	"sort"

	"github.com/jochenvg/go-udev"

	"github.com/kbflash/kbflash/pkg/device"
	"github.com/kbflash/kbflash/pkg/errors"
)

const (
	subsystemBlock  = "block"
	devtypeDisk     = "disk"
	devtypePart     = "partition"
	subsystemUSB    = "usb"
	devtypeUSBInner = "usb_device"
)

// Source implements device.RawLister and device.EventSource on top of libudev.
type Source struct {
	u udev.Udev
}

// New creates a libudev-backed source.
func New() *Source {
	return &Source{}
}

// ListRaw enumerates initialized block disks together with their partitions.
func (s *Source) ListRaw(ctx context.Context) ([]device.RawDevice, error) {
	e := s.u.NewEnumerate()
	if err := e.AddMatchSubsystem(subsystemBlock); err != nil {
		return nil, errors.Wrap(err, "failed to filter block subsystem")
	}
	if err := e.AddMatchIsInitialized(); err != nil {
		return nil, errors.Wrap(err, "failed to filter initialized devices")
	}

	devs, err := e.Devices()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate udev devices")
	}

	parts := make(map[string][]device.RawPartition)
	var disks []*udev.Device
	for _, d := range devs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch d.Devtype() {
		case devtypeDisk:
			disks = append(disks, d)
		case devtypePart:
			parent := d.Parent()
			if parent == nil {
				continue
			}
			parts[parent.Devnode()] = append(parts[parent.Devnode()], partition(d))
		}
	}

	out := make([]device.RawDevice, 0, len(disks))
	for _, d := range disks {
		raw := convert(d)
		raw.Partitions = parts[raw.Node]
		sort.Slice(raw.Partitions, func(i, j int) bool { return raw.Partitions[i].Node < raw.Partitions[j].Node })
		out = append(out, raw)
	}

	slog.Debug("udev_enumeration_complete", "entries", len(devs), "disks", len(out))
	return out, nil
}

// Subscribe opens a netlink monitor for block devices. Disk adds carry their
// partitions; a partition add is reported as a change of its parent disk since
// the kernel announces partitions after the disk. The returned channel is
// closed when ctx is done.
func (s *Source) Subscribe(ctx context.Context) (<-chan device.RawEvent, error) {
	m := s.u.NewMonitorFromNetlink("udev")
	if m == nil {
		return nil, errors.Wrap(errors.ErrCapability, "failed to open udev netlink monitor")
	}
	if err := m.FilterAddMatchSubsystem(subsystemBlock); err != nil {
		return nil, errors.Wrap(err, "failed to filter udev monitor")
	}

	ch, err := m.DeviceChan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start udev monitor")
	}

	out := make(chan device.RawEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-ch:
				if !ok {
					return
				}
				ev, ok := s.event(d)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	slog.Info("udev_monitor_subscribed", "subsystem", subsystemBlock)
	return out, nil
}

func (s *Source) event(d *udev.Device) (device.RawEvent, bool) {
	switch d.Devtype() {
	case devtypeDisk:
		switch d.Action() {
		case string(device.ActionAdd):
			return device.RawEvent{Action: device.ActionAdd, Device: s.withPartitions(d)}, true
		case string(device.ActionRemove):
			return device.RawEvent{Action: device.ActionRemove, Device: device.RawDevice{Node: d.Devnode(), Name: d.Sysname()}}, true
		}
	case devtypePart:
		if d.Action() != string(device.ActionAdd) {
			return device.RawEvent{}, false
		}
		parent := d.ParentWithSubsystemDevtype(subsystemBlock, devtypeDisk)
		if parent == nil {
			return device.RawEvent{}, false
		}
		return device.RawEvent{Action: device.ActionChange, Device: s.withPartitions(parent)}, true
	}
	return device.RawEvent{}, false
}

// withPartitions converts disk and attaches the partitions udev currently
// lists under it.
func (s *Source) withPartitions(disk *udev.Device) device.RawDevice {
	raw := convert(disk)

	e := s.u.NewEnumerate()
	if err := e.AddMatchSubsystem(subsystemBlock); err != nil {
		slog.Warn("udev_partition_filter_failed", "device", raw.Node, "error", err)
		return raw
	}
	if err := e.AddMatchParent(disk); err != nil {
		slog.Warn("udev_partition_filter_failed", "device", raw.Node, "error", err)
		return raw
	}
	children, err := e.Devices()
	if err != nil {
		slog.Warn("udev_partition_enumeration_failed", "device", raw.Node, "error", err)
		return raw
	}

	for _, c := range children {
		if c.Devtype() == devtypePart {
			raw.Partitions = append(raw.Partitions, partition(c))
		}
	}
	sort.Slice(raw.Partitions, func(i, j int) bool { return raw.Partitions[i].Node < raw.Partitions[j].Node })
	return raw
}

func convert(d *udev.Device) device.RawDevice {
	raw := device.RawDevice{
		Node:       d.Devnode(),
		Name:       d.Sysname(),
		DevType:    d.Devtype(),
		Properties: d.Properties(),
		Attributes: map[string]string{
			"size":      d.SysattrValue("size"),
			"removable": d.SysattrValue("removable"),
		},
	}
	if d.ParentWithSubsystemDevtype(subsystemUSB, devtypeUSBInner) != nil {
		raw.Bus = subsystemUSB
	}
	for link := range d.Devlinks() {
		raw.Links = append(raw.Links, link)
	}
	return raw
}

func partition(d *udev.Device) device.RawPartition {
	return device.RawPartition{
		Name:  d.Sysname(),
		Node:  d.Devnode(),
		Label: d.PropertyValue("ID_FS_LABEL"),
		UUID:  d.PropertyValue("ID_FS_UUID"),
	}
}
