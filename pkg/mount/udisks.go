package mount

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/kbflash/kbflash/pkg/device"
	"github.com/kbflash/kbflash/pkg/errors"
)

// LinuxAdapter mounts through udisksctl so no root privileges are needed.
type LinuxAdapter struct {
	files
	run Runner
}

// NewLinuxAdapter creates a udisksctl adapter. A nil fs uses the OS filesystem.
func NewLinuxAdapter(run Runner, fs afero.Fs) *LinuxAdapter {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &LinuxAdapter{files: files{fs: fs}, run: run}
}

func (a *LinuxAdapter) Mount(ctx context.Context, dev device.BlockDevice) ([]string, error) {
	var (
		paths   []string
		lastErr error
	)
	for _, node := range dev.Nodes() {
		slog.Info("mount_device", "device", dev.Path, "node", node, "tool", toolUdisksctl)

		out, err := a.run(ctx, toolUdisksctl, "mount", "-b", node, "--no-user-interaction")
		if err != nil {
			if containsAny(out.Text(), alreadyMarkers) {
				mp := parseAlreadyMounted(out.Text())
				if mp == "" {
					mp = a.lookup(ctx, node)
				}
				if mp != "" {
					slog.Info("mount_already_mounted", "node", node, "mount_path", mp)
					paths = append(paths, mp)
					continue
				}
			}
			classified := classifyMountError(node, out, err)
			slog.Error("mount_failed", "device", dev.Path, "node", node, "error", classified)
			if errors.Is(classified, errors.ErrPermission) {
				return nil, classified
			}
			lastErr = classified
			continue
		}

		mp := parseMounted(out.Stdout)
		if mp == "" {
			mp = a.lookup(ctx, node)
		}
		if mp == "" {
			lastErr = errors.Transient(fmt.Errorf("no mount path reported for %s", node), "mount "+node)
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

func (a *LinuxAdapter) Unmount(ctx context.Context, dev device.BlockDevice) (bool, error) {
	clean := true
	for _, node := range dev.Nodes() {
		out, err := a.run(ctx, toolUdisksctl, "unmount", "-b", node, "--no-user-interaction")
		if err == nil || containsAny(out.Text(), notMountedMarkers) {
			continue
		}
		slog.Warn("unmount_unclean", "device", dev.Path, "node", node, "output", out.Text(), "error", err)
		clean = false
	}
	slog.Info("unmount_complete", "device", dev.Path, "clean", clean)
	return clean, nil
}

func (a *LinuxAdapter) DevicePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join("/dev", name)
}

// lookup asks udisksctl where node is mounted.
func (a *LinuxAdapter) lookup(ctx context.Context, node string) string {
	out, err := a.run(ctx, toolUdisksctl, "info", "-b", node)
	if err != nil {
		slog.Warn("mount_lookup_failed", "node", node, "error", err)
		return ""
	}
	return parseMountPoints(out.Stdout)
}

// parseMounted extracts PATH from "Mounted /dev/sda at /media/user/NICENANO."
func parseMounted(stdout string) string {
	line := strings.TrimSpace(stdout)
	idx := strings.Index(line, " at ")
	if idx < 0 {
		return ""
	}
	return strings.TrimSuffix(strings.TrimSpace(line[idx+4:]), ".")
}

// parseAlreadyMounted extracts PATH from "... is already mounted at `PATH'."
func parseAlreadyMounted(text string) string {
	start := strings.Index(text, "`")
	if start < 0 {
		return ""
	}
	rest := text[start+1:]
	end := strings.Index(rest, "'")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// parseMountPoints reads the first MountPoints entry of `udisksctl info`.
func parseMountPoints(info string) string {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "MountPoints:") {
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "MountPoints:"))
	}
	return ""
}
