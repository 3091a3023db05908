// Package diskutil lists external disks on macOS by parsing the plist output
// of diskutil(8).
package diskutil

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"howett.net/plist"

	"github.com/kbflash/kbflash/pkg/device"
	"github.com/kbflash/kbflash/pkg/errors"
)

// DefaultCommandTimeout bounds a single diskutil invocation.
const DefaultCommandTimeout = 10 * time.Second

// Runner executes diskutil with args and returns its stdout.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// ExecRunner runs the real diskutil binary.
func ExecRunner(timeout time.Duration) Runner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return func(ctx context.Context, args ...string) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return exec.CommandContext(ctx, "diskutil", args...).Output()
	}
}

type listOutput struct {
	AllDisksAndPartitions []struct {
		DeviceIdentifier string `plist:"DeviceIdentifier"`
		Size             int64  `plist:"Size"`
		Partitions       []struct {
			DeviceIdentifier string `plist:"DeviceIdentifier"`
			VolumeName       string `plist:"VolumeName"`
			VolumeUUID       string `plist:"VolumeUUID"`
			MountPoint       string `plist:"MountPoint"`
		} `plist:"Partitions"`
		VolumeName string `plist:"VolumeName"`
		VolumeUUID string `plist:"VolumeUUID"`
		MountPoint string `plist:"MountPoint"`
	} `plist:"AllDisksAndPartitions"`
}

// Info is the subset of `diskutil info -plist` used to build devices.
type Info struct {
	DeviceIdentifier    string `plist:"DeviceIdentifier"`
	DeviceNode          string `plist:"DeviceNode"`
	BusProtocol         string `plist:"BusProtocol"`
	MediaName           string `plist:"MediaName"`
	IORegistryEntryName string `plist:"IORegistryEntryName"`
	Removable           bool   `plist:"Removable"`
	RemovableMedia      bool   `plist:"RemovableMedia"`
	Ejectable           bool   `plist:"Ejectable"`
	TotalSize           int64  `plist:"TotalSize"`
	Size                int64  `plist:"Size"`
	VolumeName          string `plist:"VolumeName"`
	VolumeUUID          string `plist:"VolumeUUID"`
	MountPoint          string `plist:"MountPoint"`
	WholeDisk           bool   `plist:"WholeDisk"`
}

// ParseInfo decodes `diskutil info -plist` output.
func ParseInfo(data []byte) (Info, error) {
	var info Info
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return Info{}, errors.Wrap(err, "failed to decode diskutil info")
	}
	return info, nil
}

// Lister implements device.RawLister with diskutil.
type Lister struct {
	run Runner
}

// New creates a lister. A nil runner uses ExecRunner with the default timeout.
func New(run Runner) *Lister {
	if run == nil {
		run = ExecRunner(DefaultCommandTimeout)
	}
	return &Lister{run: run}
}

// ListRaw lists external physical disks. diskutil does not report vendor or
// serial, so devices built from it carry only the media name as model.
func (l *Lister) ListRaw(ctx context.Context) ([]device.RawDevice, error) {
	out, err := l.run(ctx, "list", "-plist", "external", "physical")
	if err != nil {
		return nil, errors.Wrap(err, "diskutil list failed")
	}

	var list listOutput
	if _, err := plist.Unmarshal(out, &list); err != nil {
		return nil, errors.Wrap(err, "failed to decode diskutil list")
	}

	raws := make([]device.RawDevice, 0, len(list.AllDisksAndPartitions))
	for _, disk := range list.AllDisksAndPartitions {
		if disk.DeviceIdentifier == "" {
			continue
		}

		data, err := l.run(ctx, "info", "-plist", disk.DeviceIdentifier)
		if err != nil {
			slog.Warn("diskutil_info_failed", "disk", disk.DeviceIdentifier, "error", err)
			continue
		}
		info, err := ParseInfo(data)
		if err != nil {
			slog.Warn("diskutil_info_invalid", "disk", disk.DeviceIdentifier, "error", err)
			continue
		}

		raw := fromInfo(info)
		if raw.Node == "" {
			raw.Node = "/dev/" + disk.DeviceIdentifier
		}
		if disk.VolumeName != "" {
			raw.Properties["ID_FS_LABEL"] = disk.VolumeName
			raw.Properties["ID_FS_UUID"] = disk.VolumeUUID
		}
		for _, p := range disk.Partitions {
			raw.Partitions = append(raw.Partitions, device.RawPartition{
				Name:  p.DeviceIdentifier,
				Node:  "/dev/" + p.DeviceIdentifier,
				Label: p.VolumeName,
				UUID:  p.VolumeUUID,
			})
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

func fromInfo(info Info) device.RawDevice {
	size := info.TotalSize
	if size == 0 {
		size = info.Size
	}
	raw := device.RawDevice{
		Node:    info.DeviceNode,
		Name:    info.DeviceIdentifier,
		DevType: "disk",
		Properties: map[string]string{
			"ID_MODEL":          strings.TrimSpace(info.MediaName),
			"BUS_PROTOCOL":      info.BusProtocol,
			"IO_REGISTRY_ENTRY": info.IORegistryEntryName,
			"DEVICE_IDENTIFIER": info.DeviceIdentifier,
		},
		Attributes: map[string]string{
			"size_bytes": strconv.FormatInt(size, 10),
			"removable":  strconv.FormatBool(info.Removable || info.RemovableMedia || info.Ejectable),
		},
	}
	if strings.EqualFold(info.BusProtocol, "USB") {
		raw.Bus = "usb"
	}
	return raw
}
