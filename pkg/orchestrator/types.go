package orchestrator

import (
	"context"
	"time"

	"github.com/kbflash/kbflash/pkg/device"
	appfsm "github.com/kbflash/kbflash/pkg/fsm"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultCount   = 1
	DefaultTimeout = 60 * time.Second
)

// Options controls one flashing session.
type Options struct {
	FirmwarePath string
	Query        string

	// Timeout is the idle wait for a new matching device, restarted after
	// every flash.
	Timeout time.Duration

	// Count is the number of devices to flash; 0 means until timeout.
	Count int

	TrackFlashed      bool
	SkipFirmwareCheck bool

	// SessionID is generated when empty.
	SessionID string
}

// DefaultOptions returns options with the documented defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:      DefaultTimeout,
		Count:        DefaultCount,
		TrackFlashed: true,
	}
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Count < 0 {
		o.Count = 0
	}
	return o
}

// SessionResult aggregates a flashing session.
type SessionResult struct {
	SessionID      string
	DevicesFlashed int
	DevicesFailed  int
	Success        bool
	Messages       []string
	Errors         []string
	Details        []appfsm.AttemptResult
	Duration       time.Duration
}

// Flasher flashes one device. *fsm.Machine implements it.
type Flasher interface {
	Flash(ctx context.Context, req appfsm.FlashRequest) appfsm.AttemptResult
}

// DeviceWatcher reports devices arriving. *device.Monitor implements it.
type DeviceWatcher interface {
	Register(obs device.Observer) device.ObserverID
	Unregister(id device.ObserverID)
	Start(ctx context.Context) error
	Stop()
	Devices() []device.BlockDevice
	Refresh(ctx context.Context, dev device.BlockDevice) device.BlockDevice
}

// FirmwareValidator checks the image before a session. *security.Validator
// implements it.
type FirmwareValidator interface {
	ValidateFirmware(path string) error
}
