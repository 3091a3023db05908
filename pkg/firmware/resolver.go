// Package firmware turns a firmware reference given on the command line into a
// local file path. References are either filesystem paths or s3://bucket/key.
package firmware

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kbflash/kbflash/pkg/errors"
	"github.com/kbflash/kbflash/pkg/security"
	"github.com/kbflash/kbflash/pkg/storage"
)

const s3Scheme = "s3://"

// Fetcher checks and downloads remote objects. *storage.Client implements it.
type Fetcher interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Download(ctx context.Context, bucket, key, localPath string) (*storage.DownloadResult, error)
}

// Resolver resolves firmware references.
type Resolver struct {
	workDir   string
	fetcher   Fetcher
	validator *security.Validator
}

// NewResolver creates a resolver that stores downloads under workDir. fetcher may
// be nil when only local references are expected.
func NewResolver(workDir string, fetcher Fetcher, validator *security.Validator) *Resolver {
	return &Resolver{workDir: workDir, fetcher: fetcher, validator: validator}
}

// DownloadsDir is where remote firmware lands.
func DownloadsDir(workDir string) string {
	return filepath.Join(workDir, "downloads")
}

// IsRemote reports whether ref points at object storage.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, s3Scheme)
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(ref string) (bucket, key string, err error) {
	if !IsRemote(ref) {
		return "", "", errors.Validation("not an s3 url: %s", ref)
	}
	rest := strings.TrimPrefix(ref, s3Scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", errors.Validation("s3 url must be s3://bucket/key: %s", ref)
	}
	return bucket, key, nil
}

// Resolve returns an absolute local path for ref, downloading it first when it
// is remote. Local files are not checked here.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", errors.Validation("firmware reference is empty")
	}

	if !IsRemote(ref) {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return "", errors.Wrap(err, "failed to resolve firmware path")
		}
		return abs, nil
	}

	bucket, key, err := ParseS3URL(ref)
	if err != nil {
		return "", err
	}
	if r.validator != nil {
		if err := r.validator.ValidatePath(key); err != nil {
			return "", err
		}
	}
	if r.fetcher == nil {
		return "", errors.Validation("no object storage client configured for %s", ref)
	}

	found, err := r.fetcher.Exists(ctx, bucket, key)
	if err != nil {
		return "", errors.Wrap(err, "failed to look up firmware")
	}
	if !found {
		return "", errors.Wrap(errors.ErrFirmwareNotFound, ref)
	}

	local := filepath.Join(DownloadsDir(r.workDir), bucket, filepath.FromSlash(key))
	res, err := r.fetcher.Download(ctx, bucket, key, local)
	if err != nil {
		return "", errors.Wrap(err, "failed to fetch firmware")
	}

	slog.Info("firmware_resolved", "ref", ref, "path", res.LocalPath, "sha256", res.SHA256, "size", res.Size)
	return res.LocalPath, nil
}
