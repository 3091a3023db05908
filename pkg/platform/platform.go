// Package platform wires the device discovery backend for the running OS.
package platform

import (
	"time"

	"github.com/kbflash/kbflash/pkg/device"
)

// Options tunes discovery.
type Options struct {
	PollInterval   time.Duration
	MountCacheTTL  time.Duration
	CommandTimeout time.Duration
}

// Discovery is the OS-specific half of device discovery. Events is nil when
// the platform has no native subscription and the monitor must poll.
type Discovery struct {
	Lister device.RawLister
	Events device.EventSource
}

// NewMonitor builds an enumerator and a stopped monitor for this OS.
func NewMonitor(opts Options) (*device.Enumerator, *device.Monitor, error) {
	disc, err := newDiscovery(opts)
	if err != nil {
		return nil, nil, err
	}

	enum := device.NewEnumerator(disc.Lister, device.NewMountCache(opts.MountCacheTTL))

	monOpts := []device.MonitorOption{device.WithPollInterval(opts.PollInterval)}
	if disc.Events != nil {
		monOpts = append(monOpts, device.WithEventSource(disc.Events))
	}
	return enum, device.NewMonitor(enum, monOpts...), nil
}
