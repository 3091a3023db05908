// Package device models USB block devices and watches them come and go.
//
// A BlockDevice is rebuilt from a RawDevice on every enumeration; nothing in this
// package mutates a device after it is built except merging mount points from the
// MountCache. Platform listers (pkg/device/udev, pkg/device/diskutil) produce
// RawDevice values, the Enumerator filters and builds them, and the Monitor turns
// successive enumerations (or a native event subscription) into Add/Remove events.
package device

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// DeviceType classifies the transport of a block device.
type DeviceType string

const (
	TypeDisk    DeviceType = "disk"
	TypeUSB     DeviceType = "usb"
	TypeNVMe    DeviceType = "nvme"
	TypeUnknown DeviceType = "unknown"
)

// Action is the kind of change reported to observers.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
	// ActionChange updates a known device in place, e.g. when its partitions
	// appear. Observers are not notified of it.
	ActionChange Action = "change"
)

// BlockDevice is one OS-visible block storage device. Path is its identity.
type BlockDevice struct {
	Path        string            `json:"path"`
	Name        string            `json:"name"`
	Size        int64             `json:"size"`
	Type        DeviceType        `json:"device_type"`
	Removable   bool              `json:"removable"`
	Model       string            `json:"model"`
	Vendor      string            `json:"vendor"`
	Serial      string            `json:"serial"`
	UUID        string            `json:"uuid"`
	Label       string            `json:"label"`
	Partitions  []string          `json:"partitions"`
	MountPoints map[string]string `json:"mountpoints"`
	Symlinks    []string          `json:"symlinks"`
	Properties  map[string]string `json:"properties"`
}

// Identity returns the key used to recognise the same physical device across
// re-enumeration: a USB by-id alias if present, else the serial, else the name.
func (d BlockDevice) Identity() string {
	for _, link := range d.Symlinks {
		if strings.HasPrefix(filepath.Base(link), "usb-") {
			return link
		}
	}
	if d.Serial != "" {
		return d.Serial
	}
	return d.Name
}

// Nodes returns the device nodes that carry a filesystem: the partitions when the
// disk has any, otherwise the disk itself. UF2 bootloaders usually expose a FAT
// volume on the whole disk.
func (d BlockDevice) Nodes() []string {
	if len(d.Partitions) == 0 {
		return []string{d.Path}
	}
	dir := filepath.Dir(d.Path)
	nodes := make([]string, 0, len(d.Partitions))
	for _, p := range d.Partitions {
		if filepath.IsAbs(p) {
			nodes = append(nodes, p)
			continue
		}
		nodes = append(nodes, filepath.Join(dir, p))
	}
	return nodes
}

// MountPaths returns the known mount paths in partition order.
func (d BlockDevice) MountPaths() []string {
	if len(d.MountPoints) == 0 {
		return nil
	}
	var paths []string
	for _, node := range d.Nodes() {
		if mp, ok := d.MountPoints[node]; ok && mp != "" {
			paths = append(paths, mp)
			continue
		}
		if mp, ok := d.MountPoints[filepath.Base(node)]; ok && mp != "" {
			paths = append(paths, mp)
		}
	}
	return paths
}

// Summary renders a one-line human description.
func (d BlockDevice) Summary() string {
	desc := strings.TrimSpace(d.Vendor + " " + d.Model)
	if desc == "" {
		desc = d.Label
	}
	if desc == "" {
		desc = d.Name
	}
	if d.Serial != "" {
		return fmt.Sprintf("%s (%s, serial %s)", desc, d.Path, d.Serial)
	}
	return fmt.Sprintf("%s (%s)", desc, d.Path)
}

// Field returns the string form of the named attribute for query evaluation.
// Unknown names fall back to the raw property map (exact key, then upper-cased).
func (d BlockDevice) Field(name string) (string, bool) {
	switch strings.ToLower(name) {
	case "path", "device_node", "devnode":
		return d.Path, true
	case "name":
		return d.Name, true
	case "size":
		return fmt.Sprintf("%d", d.Size), true
	case "device_type", "type":
		return string(d.Type), true
	case "removable":
		return fmt.Sprintf("%t", d.Removable), true
	case "model":
		return d.Model, true
	case "vendor":
		return d.Vendor, true
	case "serial":
		return d.Serial, true
	case "uuid":
		return d.UUID, true
	case "label":
		return d.Label, true
	case "partitions":
		return strings.Join(d.Partitions, ","), true
	case "mountpoints", "mount_points":
		return strings.Join(d.MountPaths(), ","), true
	case "symlinks":
		return strings.Join(d.Symlinks, ","), true
	}

	if v, ok := d.Properties[name]; ok {
		return v, true
	}
	if v, ok := d.Properties[strings.ToUpper(name)]; ok {
		return v, true
	}
	return "", false
}

// WithMountPoints returns a copy of d whose MountPoints are replaced by the
// entries of mounts that belong to d's nodes.
func (d BlockDevice) WithMountPoints(mounts map[string]string) BlockDevice {
	out := d
	out.MountPoints = make(map[string]string)
	for _, node := range d.Nodes() {
		if mp, ok := mounts[node]; ok {
			out.MountPoints[node] = mp
		}
	}
	return out
}

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
