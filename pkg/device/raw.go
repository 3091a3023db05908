package device

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// SectorSize is the unit of the kernel's size attribute.
const SectorSize = 512

// RawPartition is a child partition as reported by a platform lister.
type RawPartition struct {
	Name  string
	Node  string
	Label string
	UUID  string
}

// RawDevice is an unprocessed block device entry as reported by the OS.
type RawDevice struct {
	Node       string
	Name       string
	Bus        string // "usb" when the device has a USB ancestor
	DevType    string
	Properties map[string]string
	Attributes map[string]string
	Links      []string
	Partitions []RawPartition
}

// RawLister lists raw block devices from the OS registry.
type RawLister interface {
	ListRaw(ctx context.Context) ([]RawDevice, error)
}

// RawEvent is a native add/remove notification.
type RawEvent struct {
	Action Action
	Device RawDevice
}

// EventSource is a native device-event subscription. The channel is closed when
// ctx is cancelled or the subscription breaks.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan RawEvent, error)
}

// IsUSB reports whether the raw device hangs off a USB bus.
func (r RawDevice) IsUSB() bool {
	if strings.EqualFold(r.Bus, "usb") {
		return true
	}
	return strings.EqualFold(r.Properties["ID_BUS"], "usb")
}

// Build converts a raw entry into a BlockDevice. It fails only when the entry
// has no usable device node.
func Build(raw RawDevice) (BlockDevice, error) {
	node := strings.TrimSpace(raw.Node)
	if node == "" {
		return BlockDevice{}, fmt.Errorf("raw device %q has no device node", raw.Name)
	}

	name := raw.Name
	if name == "" {
		name = filepath.Base(node)
	}

	props := make(map[string]string, len(raw.Properties))
	for k, v := range raw.Properties {
		props[k] = v
	}

	dev := BlockDevice{
		Path:        node,
		Name:        name,
		Size:        parseSize(raw.Attributes),
		Removable:   parseBool(raw.Attributes["removable"]),
		Model:       cleanProperty(firstNonEmpty(props["ID_MODEL"], props["ID_MODEL_FROM_DATABASE"], raw.Attributes["model"])),
		Vendor:      cleanProperty(firstNonEmpty(props["ID_VENDOR"], props["ID_VENDOR_FROM_DATABASE"], raw.Attributes["vendor"])),
		Serial:      strings.TrimSpace(firstNonEmpty(props["ID_SERIAL_SHORT"], props["ID_SERIAL"])),
		UUID:        props["ID_FS_UUID"],
		Label:       props["ID_FS_LABEL"],
		MountPoints: map[string]string{},
		Symlinks:    sortedUnique(raw.Links),
		Properties:  props,
	}
	dev.Type = classify(raw, name)

	for _, p := range raw.Partitions {
		pname := p.Name
		if pname == "" {
			pname = filepath.Base(p.Node)
		}
		if pname == "" || pname == "." {
			continue
		}
		dev.Partitions = append(dev.Partitions, pname)
		if dev.Label == "" {
			dev.Label = p.Label
		}
		if dev.UUID == "" {
			dev.UUID = p.UUID
		}
	}

	return dev, nil
}

func classify(raw RawDevice, name string) DeviceType {
	switch {
	case raw.IsUSB():
		return TypeUSB
	case strings.HasPrefix(name, "nvme"):
		return TypeNVMe
	case raw.DevType == "disk":
		return TypeDisk
	}
	return TypeUnknown
}

// parseSize reads "size" (512-byte sectors, as sysfs reports it) or
// "size_bytes" when the lister already has bytes.
func parseSize(attrs map[string]string) int64 {
	if v, ok := attrs["size_bytes"]; ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err == nil {
			return n
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(attrs["size"]), 10, 64)
	if err != nil {
		return 0
	}
	return n * SectorSize
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// cleanProperty undoes udev's underscore escaping of spaces.
func cleanProperty(v string) string {
	return strings.TrimSpace(strings.ReplaceAll(v, "_", " "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
