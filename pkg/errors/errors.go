// Package errors provides error wrapping utilities and the error taxonomy shared by
// the flashing subsystem. Use errors.Is against the sentinels to classify a failure.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error kinds. Every classified error wraps exactly one of these.
var (
	// ErrValidation marks malformed input (query text, options). Never retried.
	ErrValidation = stderrors.New("validation error")

	// ErrFirmwareNotFound marks a firmware reference that does not resolve to a file.
	ErrFirmwareNotFound = stderrors.New("firmware not found")

	// ErrTimeout marks a wait that ended without a matching device.
	ErrTimeout = stderrors.New("timeout")

	// ErrPermission marks a mount authorization failure. Fatal for the device, not retried.
	ErrPermission = stderrors.New("permission denied")

	// ErrTransient marks a subprocess or I/O failure worth retrying.
	ErrTransient = stderrors.New("transient I/O error")

	// ErrCapability marks an operation the current platform cannot perform.
	ErrCapability = stderrors.New("unsupported platform")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Validation returns an ErrValidation with a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Permission classifies err as a fatal permission failure.
func Permission(err error, context string) error {
	return fmt.Errorf("%s: %w: %w", context, ErrPermission, err)
}

// Transient classifies err as a retryable failure.
func Transient(err error, context string) error {
	return fmt.Errorf("%s: %w: %w", context, ErrTransient, err)
}

// Capability reports that op cannot run on goos.
func Capability(op, goos string) error {
	return fmt.Errorf("%s: %w: %s", op, ErrCapability, goos)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// IsRetryable reports whether err should be retried by the flash state machine.
// Permission, validation and capability failures are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case Is(err, ErrPermission), Is(err, ErrValidation), Is(err, ErrCapability), Is(err, ErrFirmwareNotFound):
		return false
	}
	return true
}
