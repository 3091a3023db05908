// Package mount mounts bootloader volumes, copies firmware onto them and
// unmounts them again, using each platform's disk-management CLI.
package mount

import (
	"context"

	"github.com/kbflash/kbflash/pkg/device"
)

// Adapter performs the OS side of a flash. Every blocking call is bounded by the
// adapter's command timeout.
type Adapter interface {
	// Mount mounts the device's filesystem nodes and returns their mount paths.
	// A permission failure wraps errors.ErrPermission; anything else that can be
	// retried wraps errors.ErrTransient.
	Mount(ctx context.Context, dev device.BlockDevice) ([]string, error)

	// Unmount is best effort. A failed or timed-out unmount reports clean=false
	// with a nil error, since bootloaders usually reset as soon as firmware lands.
	Unmount(ctx context.Context, dev device.BlockDevice) (clean bool, err error)

	// CopyFirmware copies the firmware file into mountPath under its own base
	// name, preserving mode and modification time, and fsyncs the copy.
	CopyFirmware(ctx context.Context, firmwarePath, mountPath string) error

	// Sync flushes the mount directory.
	Sync(ctx context.Context, mountPath string) error

	// DevicePath maps a device name to its node path.
	DevicePath(name string) string
}
