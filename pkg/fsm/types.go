package fsm

import (
	"time"

	"github.com/kbflash/kbflash/pkg/device"
)

// FlashRequest is the FSM input: one device, one firmware image.
type FlashRequest struct {
	RunID        string             `json:"run_id"`
	SessionID    string             `json:"session_id"`
	Device       device.BlockDevice `json:"device"`
	FirmwarePath string             `json:"firmware_path"`
}

// FlashResponse is the FSM output, accumulated across transitions.
type FlashResponse struct {
	// From Mounting
	MountPaths []string `json:"mount_paths"`

	// From Copying
	CopiedTo string `json:"copied_to"`

	// From Unmounting
	CleanUnmount bool `json:"clean_unmount"`

	// From Success/Failed
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// AttemptResult is the outcome of flashing one device.
type AttemptResult struct {
	RunID         string
	Device        string // one-line summary
	Path          string
	Identity      string
	Success       bool
	FinalState    string
	MountAttempts int
	CopyAttempts  int
	MountPaths    []string
	CleanUnmount  bool
	Messages      []string
	Errors        []string
	Duration      time.Duration
}

// State names
const (
	StateDeviceFound = "device_found"
	StateMounting    = "mounting"
	StateCopying     = "copying"
	StateUnmounting  = "unmounting"
	StateSuccess     = "success"
	StateFailed      = "failed"
)
