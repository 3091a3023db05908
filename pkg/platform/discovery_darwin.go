package platform

import (
	"github.com/kbflash/kbflash/pkg/device/diskutil"
)

func newDiscovery(opts Options) (Discovery, error) {
	return Discovery{Lister: diskutil.New(diskutil.ExecRunner(opts.CommandTimeout))}, nil
}
