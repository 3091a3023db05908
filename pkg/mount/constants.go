package mount

import "time"

// Default configuration values for the mount adapters.
const (
	// DefaultCommandTimeout bounds every disk-management subprocess call
	DefaultCommandTimeout = 10 * time.Second
	// DefaultFileMode is applied to copied firmware when the source mode is unknown
	DefaultFileMode = 0644

	toolUdisksctl = "udisksctl"
	toolDiskutil  = "diskutil"
)
