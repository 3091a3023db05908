package firmware

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/kbflash/kbflash/pkg/errors"
	"github.com/kbflash/kbflash/pkg/security"
	"github.com/kbflash/kbflash/pkg/storage"
)

type fakeFetcher struct {
	calls   []string
	err     error
	missing bool
}

func (f *fakeFetcher) Exists(ctx context.Context, bucket, key string) (bool, error) {
	return !f.missing, nil
}

func (f *fakeFetcher) Download(ctx context.Context, bucket, key, localPath string) (*storage.DownloadResult, error) {
	f.calls = append(f.calls, bucket+"|"+key+"|"+localPath)
	if f.err != nil {
		return nil, f.err
	}
	return &storage.DownloadResult{LocalPath: localPath, SHA256: "abc", Size: 42}, nil
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		ref    string
		bucket string
		key    string
		ok     bool
	}{
		{"s3://fw/corne/left.uf2", "fw", "corne/left.uf2", true},
		{"s3://fw/left.uf2", "fw", "left.uf2", true},
		{"s3://fw", "", "", false},
		{"s3:///left.uf2", "", "", false},
		{"s3://fw/dir/", "", "", false},
		{"/tmp/left.uf2", "", "", false},
	}

	for _, tt := range tests {
		bucket, key, err := ParseS3URL(tt.ref)
		if tt.ok != (err == nil) {
			t.Errorf("ParseS3URL(%q) error = %v, want ok=%v", tt.ref, err, tt.ok)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseS3URL(%q) = (%q, %q), want (%q, %q)", tt.ref, bucket, key, tt.bucket, tt.key)
		}
	}
}

func TestResolve_Local(t *testing.T) {
	r := NewResolver(t.TempDir(), nil, nil)

	got, err := r.Resolve(context.Background(), "build/zmk.uf2")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !filepath.IsAbs(got) || filepath.Base(got) != "zmk.uf2" {
		t.Errorf("expected absolute path ending in zmk.uf2, got %s", got)
	}
}

func TestResolve_Remote(t *testing.T) {
	workDir := t.TempDir()
	fetcher := &fakeFetcher{}
	r := NewResolver(workDir, fetcher, security.NewValidator(afero.NewMemMapFs(), 0))

	got, err := r.Resolve(context.Background(), "s3://fw/corne/left.uf2")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := filepath.Join(workDir, "downloads", "fw", "corne", "left.uf2")
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if len(fetcher.calls) != 1 || fetcher.calls[0] != "fw|corne/left.uf2|"+want {
		t.Errorf("unexpected fetch calls %v", fetcher.calls)
	}
}

func TestResolve_RemoteMissingObject(t *testing.T) {
	fetcher := &fakeFetcher{missing: true}
	r := NewResolver(t.TempDir(), fetcher, nil)

	_, err := r.Resolve(context.Background(), "s3://fw/corne/right.uf2")
	if !errors.Is(err, errors.ErrFirmwareNotFound) {
		t.Errorf("expected firmware not found, got %v", err)
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("missing object must not be downloaded, got %v", fetcher.calls)
	}
}

func TestResolve_RemoteRejectsTraversal(t *testing.T) {
	fetcher := &fakeFetcher{}
	r := NewResolver(t.TempDir(), fetcher, security.NewValidator(afero.NewMemMapFs(), 0))

	if _, err := r.Resolve(context.Background(), "s3://fw/../../etc/passwd"); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if len(fetcher.calls) != 0 {
		t.Error("nothing should be downloaded for a rejected key")
	}
}

func TestResolve_RemoteWithoutFetcher(t *testing.T) {
	r := NewResolver(t.TempDir(), nil, nil)
	if _, err := r.Resolve(context.Background(), "s3://fw/left.uf2"); err == nil {
		t.Error("expected error without a fetcher")
	}
}

func TestResolve_Empty(t *testing.T) {
	r := NewResolver(t.TempDir(), nil, nil)
	if _, err := r.Resolve(context.Background(), ""); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
