package mount

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/kbflash/kbflash/pkg/device"
	"github.com/kbflash/kbflash/pkg/device/diskutil"
	"github.com/kbflash/kbflash/pkg/errors"
)

// DarwinAdapter mounts through diskutil.
type DarwinAdapter struct {
	files
	run Runner
}

// NewDarwinAdapter creates a diskutil adapter. A nil fs uses the OS filesystem.
func NewDarwinAdapter(run Runner, fs afero.Fs) *DarwinAdapter {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &DarwinAdapter{files: files{fs: fs}, run: run}
}

func (a *DarwinAdapter) Mount(ctx context.Context, dev device.BlockDevice) ([]string, error) {
	var (
		paths   []string
		lastErr error
	)
	for _, node := range dev.Nodes() {
		slog.Info("mount_device", "device", dev.Path, "node", node, "tool", toolDiskutil)

		out, err := a.run(ctx, toolDiskutil, "mount", node)
		if err != nil && !containsAny(out.Text(), alreadyMarkers) {
			classified := classifyMountError(node, out, err)
			slog.Error("mount_failed", "device", dev.Path, "node", node, "error", classified)
			if errors.Is(classified, errors.ErrPermission) {
				return nil, classified
			}
			lastErr = classified
			continue
		}
		if err == nil && !strings.Contains(strings.ToLower(out.Stdout), "mounted") {
			slog.Warn("mount_unconfirmed", "node", node, "output", out.Text())
		}

		mp, lerr := a.lookup(ctx, node)
		if lerr != nil || mp == "" {
			if lerr == nil {
				lerr = fmt.Errorf("no mount point reported for %s", node)
			}
			lastErr = errors.Transient(lerr, "mount "+node)
			continue
		}
		slog.Info("mount_complete", "node", node, "mount_path", mp)
		paths = append(paths, mp)
	}

	if len(paths) == 0 {
		if lastErr == nil {
			lastErr = errors.Transient(fmt.Errorf("device %s has no mountable nodes", dev.Path), "mount")
		}
		return nil, lastErr
	}
	return paths, nil
}

func (a *DarwinAdapter) Unmount(ctx context.Context, dev device.BlockDevice) (bool, error) {
	clean := true
	for _, node := range dev.Nodes() {
		out, err := a.run(ctx, toolDiskutil, "unmount", node)
		if err == nil || containsAny(out.Text(), notMountedMarkers) {
			continue
		}
		slog.Warn("unmount_unclean", "device", dev.Path, "node", node, "output", out.Text(), "error", err)
		clean = false
	}
	slog.Info("unmount_complete", "device", dev.Path, "clean", clean)
	return clean, nil
}

func (a *DarwinAdapter) DevicePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join("/dev", name)
}

func (a *DarwinAdapter) lookup(ctx context.Context, node string) (string, error) {
	out, err := a.run(ctx, toolDiskutil, "info", "-plist", node)
	if err != nil {
		return "", err
	}
	info, err := diskutil.ParseInfo([]byte(out.Stdout))
	if err != nil {
		return "", err
	}
	return info.MountPoint, nil
}
