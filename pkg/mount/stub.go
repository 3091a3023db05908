package mount

import (
	"context"
	"runtime"

	"github.com/kbflash/kbflash/pkg/device"
	"github.com/kbflash/kbflash/pkg/errors"
)

// StubAdapter fails every operation on platforms without a disk-management CLI.
type StubAdapter struct{}

func (StubAdapter) Mount(ctx context.Context, dev device.BlockDevice) ([]string, error) {
	return nil, errors.Capability("mount", runtime.GOOS)
}

func (StubAdapter) Unmount(ctx context.Context, dev device.BlockDevice) (bool, error) {
	return false, errors.Capability("unmount", runtime.GOOS)
}

func (StubAdapter) CopyFirmware(ctx context.Context, firmwarePath, mountPath string) error {
	return errors.Capability("copy firmware", runtime.GOOS)
}

func (StubAdapter) Sync(ctx context.Context, mountPath string) error {
	return errors.Capability("sync", runtime.GOOS)
}

func (StubAdapter) DevicePath(name string) string {
	return name
}
