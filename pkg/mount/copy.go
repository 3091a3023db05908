package mount

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/kbflash/kbflash/pkg/errors"
)

// files implements the filesystem half of Adapter, shared by every platform.
type files struct {
	fs afero.Fs
}

func (f files) CopyFirmware(ctx context.Context, firmwarePath, mountPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := filepath.Join(mountPath, filepath.Base(firmwarePath))
	slog.Info("copy_firmware_start", "firmware", firmwarePath, "destination", dst)

	info, err := f.fs.Stat(firmwarePath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errors.ErrFirmwareNotFound, firmwarePath, err)
	}

	src, err := f.fs.Open(firmwarePath)
	if err != nil {
		return errors.Transient(err, "open firmware")
	}
	defer src.Close()

	mode := info.Mode().Perm()
	if mode == 0 {
		mode = DefaultFileMode
	}
	out, err := f.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.Transient(err, "create "+dst)
	}

	n, err := io.Copy(out, src)
	if err != nil {
		out.Close()
		return errors.Transient(err, "write "+dst)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errors.Transient(err, "fsync "+dst)
	}
	if err := out.Close(); err != nil {
		return errors.Transient(err, "close "+dst)
	}

	if err := f.fs.Chmod(dst, mode); err != nil {
		slog.Warn("copy_firmware_chmod_failed", "destination", dst, "error", err)
	}
	if err := f.fs.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		slog.Warn("copy_firmware_chtimes_failed", "destination", dst, "error", err)
	}

	slog.Info("copy_firmware_complete", "destination", dst, "bytes", n)
	return nil
}

func (f files) Sync(ctx context.Context, mountPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := f.fs.Open(mountPath)
	if err != nil {
		return errors.Transient(err, "open "+mountPath)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return errors.Transient(err, "fsync "+mountPath)
	}
	slog.Debug("mount_synced", "mount_path", mountPath)
	return nil
}
