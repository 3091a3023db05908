package platform

import (
	"github.com/kbflash/kbflash/pkg/device/udev"
)

func newDiscovery(opts Options) (Discovery, error) {
	src := udev.New()
	return Discovery{Lister: src, Events: src}, nil
}
