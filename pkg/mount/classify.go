package mount

import (
	"fmt"
	"strings"

	"github.com/kbflash/kbflash/pkg/errors"
)

var (
	permissionMarkers = []string{"notauthorized", "not authorized", "not privileged", "permission denied"}
	alreadyMarkers    = []string{"alreadymounted", "already mounted"}
	notMountedMarkers = []string{"notmounted", "not mounted", "was already unmounted"}
)

func containsAny(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// classifyMountError turns a failed mount command into a permission or
// transient error.
func classifyMountError(node string, out Output, err error) error {
	msg := out.Text()
	if msg == "" {
		msg = err.Error()
	}
	cause := fmt.Errorf("%s: %w", msg, err)
	if containsAny(msg, permissionMarkers) {
		return errors.Permission(cause, "mount "+node)
	}
	return errors.Transient(cause, "mount "+node)
}
