package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/kbflash/kbflash/pkg/errors"
)

// DefaultMaxFirmwareSize comfortably exceeds any UF2 image for the targets we flash.
const DefaultMaxFirmwareSize = 16 * 1024 * 1024

// Validator checks firmware images before they are written to a device.
type Validator struct {
	fs          afero.Fs
	maxFileSize int64
}

// NewValidator creates a new firmware validator. A nil fs uses the OS filesystem.
func NewValidator(fs afero.Fs, maxFileSize int64) *Validator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFirmwareSize
	}
	slog.Debug("security_validator_init", "max_file_size_kb", maxFileSize/1024)

	return &Validator{
		fs:          fs,
		maxFileSize: maxFileSize,
	}
}

// ValidatePath rejects absolute paths and parent traversal. Used for object keys
// that become local file names.
func (v *Validator) ValidatePath(p string) error {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		slog.Error("security_path_validation_failed", "path", p, "reason", "absolute_path")
		return errors.Validation("absolute path not allowed: %s", p)
	}

	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		slog.Error("security_path_validation_failed", "path", p, "reason", "path_traversal")
		return errors.Validation("path traversal detected: %s", p)
	}
	return nil
}

// ValidateFileName checks the name the image will carry on the device volume.
func (v *Validator) ValidateFileName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return errors.Validation("invalid firmware file name %q", name)
	case strings.ContainsAny(name, `/\`):
		return errors.Validation("firmware file name %q contains a path separator", name)
	case strings.ContainsRune(name, 0):
		return errors.Validation("firmware file name contains NUL")
	case strings.HasPrefix(name, "."):
		return errors.Validation("firmware file name %q is hidden", name)
	}
	return nil
}

// ValidateFileSize checks that an image is non-empty and within bounds.
func (v *Validator) ValidateFileSize(size int64) error {
	if size <= 0 {
		slog.Error("security_file_empty")
		return errors.Validation("firmware image is empty")
	}
	if size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_kb", size/1024,
			"max_file_size_kb", v.maxFileSize/1024)
		return errors.Validation("firmware size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// ValidateFirmware checks that path names a regular, non-empty, bounded file
// with a safe name. A missing file wraps ErrFirmwareNotFound.
func (v *Validator) ValidateFirmware(path string) error {
	info, err := v.fs.Stat(path)
	if err != nil {
		slog.Error("security_firmware_missing", "path", path, "error", err)
		return fmt.Errorf("%w: %s", errors.ErrFirmwareNotFound, path)
	}
	if info.IsDir() {
		return errors.Validation("firmware path %s is a directory", path)
	}
	if !info.Mode().IsRegular() {
		return errors.Validation("firmware path %s is not a regular file", path)
	}
	if err := v.ValidateFileName(filepath.Base(path)); err != nil {
		return err
	}
	if err := v.ValidateFileSize(info.Size()); err != nil {
		return err
	}

	slog.Debug("security_firmware_validated", "path", path, "size", info.Size())
	return nil
}
