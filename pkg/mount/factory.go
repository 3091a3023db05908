package mount

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/spf13/afero"

	"github.com/kbflash/kbflash/pkg/errors"
)

// Options configures NewAdapter.
type Options struct {
	CommandTimeout time.Duration
	Fs             afero.Fs
}

// NewAdapter returns the adapter for the running OS. Unsupported platforms get
// the stub together with a capability error, so construction fails closed.
func NewAdapter(opts Options) (Adapter, error) {
	return newAdapter(runtime.GOOS, opts)
}

func newAdapter(goos string, opts Options) (Adapter, error) {
	run := ExecRunner(opts.CommandTimeout)
	switch goos {
	case "linux":
		slog.Info("mount_adapter_init", "platform", goos, "tool", toolUdisksctl)
		return NewLinuxAdapter(run, opts.Fs), nil
	case "darwin":
		slog.Info("mount_adapter_init", "platform", goos, "tool", toolDiskutil)
		return NewDarwinAdapter(run, opts.Fs), nil
	}
	slog.Error("mount_adapter_unsupported", "platform", goos)
	return StubAdapter{}, errors.Capability("mount adapter", goos)
}
