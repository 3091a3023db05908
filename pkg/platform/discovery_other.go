//go:build !linux && !darwin

package platform

import (
	"runtime"

	"github.com/kbflash/kbflash/pkg/errors"
)

func newDiscovery(opts Options) (Discovery, error) {
	return Discovery{}, errors.Capability("device discovery", runtime.GOOS)
}
