package mount

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/kbflash/kbflash/pkg/device"
	kberrors "github.com/kbflash/kbflash/pkg/errors"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	respond func(name string, args []string) (Output, error)
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) (Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	f.mu.Unlock()
	return f.respond(name, args)
}

func (f *fakeRunner) count(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c.args) > 0 && c.args[0] == sub {
			n++
		}
	}
	return n
}

var errExit = errors.New("exit status 1")

func nicenano() device.BlockDevice {
	return device.BlockDevice{Path: "/dev/sda", Name: "sda"}
}

func TestLinuxMount(t *testing.T) {
	tests := []struct {
		name       string
		respond    func(name string, args []string) (Output, error)
		wantPath   string
		wantErr    error
		wantLookup bool
	}{
		{
			name: "confirmation string",
			respond: func(name string, args []string) (Output, error) {
				return Output{Stdout: "Mounted /dev/sda at /media/user/NICENANO.\n"}, nil
			},
			wantPath: "/media/user/NICENANO",
		},
		{
			name: "no confirmation falls back to info",
			respond: func(name string, args []string) (Output, error) {
				if args[0] == "info" {
					return Output{Stdout: "  Filesystem:\n    MountPoints:        /run/media/user/NICENANO\n"}, nil
				}
				return Output{}, nil
			},
			wantPath:   "/run/media/user/NICENANO",
			wantLookup: true,
		},
		{
			name: "already mounted is success",
			respond: func(name string, args []string) (Output, error) {
				return Output{Stderr: "Error mounting /dev/sda: GDBus.Error:org.freedesktop.UDisks2.Error.AlreadyMounted: Device /dev/sda is already mounted at `/media/user/NICENANO'.\n"}, errExit
			},
			wantPath: "/media/user/NICENANO",
		},
		{
			name: "not authorized is a permission failure",
			respond: func(name string, args []string) (Output, error) {
				return Output{Stderr: "Error mounting /dev/sda: GDBus.Error:org.freedesktop.UDisks2.Error.NotAuthorizedCanObtain: Not authorized to perform operation\n"}, errExit
			},
			wantErr: kberrors.ErrPermission,
		},
		{
			name: "other failure is transient",
			respond: func(name string, args []string) (Output, error) {
				return Output{Stderr: "Error looking up object for device /dev/sda\n"}, errExit
			},
			wantErr: kberrors.ErrTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{respond: tt.respond}
			a := NewLinuxAdapter(r.run, afero.NewMemMapFs())

			paths, err := a.Mount(context.Background(), nicenano())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Mount failed: %v", err)
			}
			if len(paths) != 1 || paths[0] != tt.wantPath {
				t.Errorf("expected [%s], got %v", tt.wantPath, paths)
			}
			if got := r.count("info") > 0; got != tt.wantLookup {
				t.Errorf("info lookup = %v, want %v", got, tt.wantLookup)
			}
		})
	}
}

func TestLinuxMount_PermissionIsNotRetryable(t *testing.T) {
	r := &fakeRunner{respond: func(string, []string) (Output, error) {
		return Output{Stderr: "Not authorized to perform operation"}, errExit
	}}
	_, err := NewLinuxAdapter(r.run, nil).Mount(context.Background(), nicenano())
	if kberrors.IsRetryable(err) {
		t.Errorf("permission failure must not be retryable: %v", err)
	}
}

func TestLinuxMount_Partitions(t *testing.T) {
	r := &fakeRunner{respond: func(name string, args []string) (Output, error) {
		return Output{Stdout: "Mounted " + args[2] + " at /media/" + strings.TrimPrefix(args[2], "/dev/") + "."}, nil
	}}
	dev := device.BlockDevice{Path: "/dev/sdb", Name: "sdb", Partitions: []string{"sdb1", "sdb2"}}

	paths, err := NewLinuxAdapter(r.run, nil).Mount(context.Background(), dev)
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/media/sdb1" || paths[1] != "/media/sdb2" {
		t.Errorf("unexpected paths %v", paths)
	}
}

// A bootloader resets as soon as it has the firmware, so a failing unmount is
// reported as unclean but never as an error.
func TestLinuxUnmount_FailureIsUncleanSuccess(t *testing.T) {
	tests := []struct {
		name      string
		out       Output
		err       error
		wantClean bool
	}{
		{"clean", Output{Stdout: "Unmounted /dev/sda."}, nil, true},
		{"device vanished", Output{Stderr: "Error looking up object for device /dev/sda"}, errExit, false},
		{"timeout", Output{}, context.DeadlineExceeded, false},
		{"not mounted", Output{Stderr: "GDBus.Error:org.freedesktop.UDisks2.Error.NotMounted: Device is not mounted"}, errExit, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{respond: func(string, []string) (Output, error) { return tt.out, tt.err }}
			clean, err := NewLinuxAdapter(r.run, nil).Unmount(context.Background(), nicenano())
			if err != nil {
				t.Fatalf("Unmount must not fail, got %v", err)
			}
			if clean != tt.wantClean {
				t.Errorf("clean = %v, want %v", clean, tt.wantClean)
			}
		})
	}
}

const darwinInfo = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>DeviceIdentifier</key>
	<string>disk4</string>
	<key>MountPoint</key>
	<string>/Volumes/NICENANO</string>
</dict>
</plist>`

func TestDarwinMount(t *testing.T) {
	r := &fakeRunner{respond: func(name string, args []string) (Output, error) {
		if args[0] == "info" {
			return Output{Stdout: darwinInfo}, nil
		}
		return Output{Stdout: "Volume NICENANO on disk4 mounted\n"}, nil
	}}
	dev := device.BlockDevice{Path: "/dev/disk4", Name: "disk4"}

	paths, err := NewDarwinAdapter(r.run, nil).Mount(context.Background(), dev)
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/Volumes/NICENANO" {
		t.Errorf("unexpected paths %v", paths)
	}
}

func TestDarwinMount_NotPrivileged(t *testing.T) {
	r := &fakeRunner{respond: func(string, []string) (Output, error) {
		return Output{Stderr: "Volume on disk4 failed to mount; Not privileged to mount"}, errExit
	}}
	_, err := NewDarwinAdapter(r.run, nil).Mount(context.Background(), device.BlockDevice{Path: "/dev/disk4"})
	if !errors.Is(err, kberrors.ErrPermission) {
		t.Errorf("expected permission error, got %v", err)
	}
	if r.count("mount") != 1 {
		t.Errorf("expected exactly one mount call, got %d", r.count("mount"))
	}
}

func TestDarwinUnmount_Unclean(t *testing.T) {
	r := &fakeRunner{respond: func(string, []string) (Output, error) {
		return Output{Stderr: "Unmount of disk4 failed: at least one volume could not be unmounted"}, errExit
	}}
	clean, err := NewDarwinAdapter(r.run, nil).Unmount(context.Background(), device.BlockDevice{Path: "/dev/disk4"})
	if err != nil || clean {
		t.Errorf("expected unclean success, got clean=%v err=%v", clean, err)
	}
}

func TestCopyFirmware(t *testing.T) {
	fs := afero.NewMemMapFs()
	mtime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := afero.WriteFile(fs, "/build/zmk.uf2", []byte("UF2\nfirmware"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := fs.Chtimes("/build/zmk.uf2", mtime, mtime); err != nil {
		t.Fatal(err)
	}
	if err := fs.MkdirAll("/media/NICENANO", 0755); err != nil {
		t.Fatal(err)
	}

	a := NewLinuxAdapter(nil, fs)
	if err := a.CopyFirmware(context.Background(), "/build/zmk.uf2", "/media/NICENANO"); err != nil {
		t.Fatalf("CopyFirmware failed: %v", err)
	}
	if err := a.Sync(context.Background(), "/media/NICENANO"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	data, err := afero.ReadFile(fs, "/media/NICENANO/zmk.uf2")
	if err != nil {
		t.Fatalf("copied file missing: %v", err)
	}
	if string(data) != "UF2\nfirmware" {
		t.Errorf("unexpected content %q", data)
	}

	info, err := fs.Stat("/media/NICENANO/zmk.uf2")
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode not preserved: %v", info.Mode())
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("mtime not preserved: %v", info.ModTime())
	}
}

func TestCopyFirmware_MissingSource(t *testing.T) {
	a := NewLinuxAdapter(nil, afero.NewMemMapFs())
	err := a.CopyFirmware(context.Background(), "/build/missing.uf2", "/media/NICENANO")
	if !errors.Is(err, kberrors.ErrFirmwareNotFound) {
		t.Errorf("expected ErrFirmwareNotFound, got %v", err)
	}
}

func TestStubAdapter(t *testing.T) {
	var a Adapter = StubAdapter{}
	ctx := context.Background()

	if _, err := a.Mount(ctx, nicenano()); !errors.Is(err, kberrors.ErrCapability) {
		t.Errorf("Mount: expected capability error, got %v", err)
	}
	if _, err := a.Unmount(ctx, nicenano()); !errors.Is(err, kberrors.ErrCapability) {
		t.Errorf("Unmount: expected capability error, got %v", err)
	}
	if err := a.CopyFirmware(ctx, "fw.uf2", "/mnt"); !errors.Is(err, kberrors.ErrCapability) {
		t.Errorf("CopyFirmware: expected capability error, got %v", err)
	}
	if err := a.Sync(ctx, "/mnt"); !errors.Is(err, kberrors.ErrCapability) {
		t.Errorf("Sync: expected capability error, got %v", err)
	}
}

func TestNewAdapter_Platforms(t *testing.T) {
	tests := []struct {
		goos    string
		wantErr bool
	}{
		{"linux", false},
		{"darwin", false},
		{"windows", true},
		{"freebsd", true},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			a, err := newAdapter(tt.goos, Options{})
			if tt.wantErr {
				if !errors.Is(err, kberrors.ErrCapability) {
					t.Errorf("expected capability error, got %v", err)
				}
				if _, ok := a.(StubAdapter); !ok {
					t.Errorf("expected stub adapter, got %T", a)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDevicePath(t *testing.T) {
	a := NewLinuxAdapter(nil, nil)
	if got := a.DevicePath("sda1"); got != "/dev/sda1" {
		t.Errorf("DevicePath(sda1) = %s", got)
	}
	if got := a.DevicePath("/dev/sda1"); got != "/dev/sda1" {
		t.Errorf("DevicePath(/dev/sda1) = %s", got)
	}
}
