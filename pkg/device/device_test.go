package device

import (
	"context"
	"testing"
)

func nicenanoRaw() RawDevice {
	return RawDevice{
		Node:    "/dev/sda",
		Name:    "sda",
		Bus:     "usb",
		DevType: "disk",
		Properties: map[string]string{
			"ID_VENDOR":       "Adafruit",
			"ID_MODEL":        "nRF_UF2",
			"ID_SERIAL":       "Adafruit_nRF_UF2_GLV80-735A88B1887FDE8B-0:0",
			"ID_SERIAL_SHORT": "GLV80-735A88B1887FDE8B",
			"ID_FS_LABEL":     "NICENANO",
			"ID_FS_UUID":      "0042-0042",
		},
		Attributes: map[string]string{"size": "65536", "removable": "1"},
		Links: []string{
			"/dev/disk/by-path/pci-0000:00:14.0-usb-0:2:1.0-scsi-0:0:0:0",
			"/dev/disk/by-id/usb-Adafruit_nRF_UF2_GLV80-735A88B1887FDE8B-0:0",
			"/dev/disk/by-id/usb-Adafruit_nRF_UF2_GLV80-735A88B1887FDE8B-0:0",
		},
	}
}

func TestBuild(t *testing.T) {
	dev, err := Build(nicenanoRaw())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if dev.Path != "/dev/sda" || dev.Name != "sda" {
		t.Errorf("unexpected identity: path=%s name=%s", dev.Path, dev.Name)
	}
	if dev.Vendor != "Adafruit" || dev.Model != "nRF UF2" {
		t.Errorf("unexpected vendor/model: %q %q", dev.Vendor, dev.Model)
	}
	if dev.Serial != "GLV80-735A88B1887FDE8B" {
		t.Errorf("unexpected serial: %q", dev.Serial)
	}
	if dev.Size != 65536*SectorSize {
		t.Errorf("expected size %d, got %d", 65536*SectorSize, dev.Size)
	}
	if !dev.Removable {
		t.Error("expected removable device")
	}
	if dev.Type != TypeUSB {
		t.Errorf("expected type usb, got %s", dev.Type)
	}
	if len(dev.Symlinks) != 2 {
		t.Errorf("expected de-duplicated symlinks, got %v", dev.Symlinks)
	}
}

func TestBuild_NoNode(t *testing.T) {
	raw := nicenanoRaw()
	raw.Node = ""
	if _, err := Build(raw); err == nil {
		t.Error("expected error for raw device without node")
	}
}

func TestBuild_PartitionLabelFallback(t *testing.T) {
	raw := nicenanoRaw()
	delete(raw.Properties, "ID_FS_LABEL")
	delete(raw.Properties, "ID_FS_UUID")
	raw.Partitions = []RawPartition{{Name: "sda1", Node: "/dev/sda1", Label: "XIAO-SENSE", UUID: "1234-ABCD"}}

	dev, err := Build(raw)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if dev.Label != "XIAO-SENSE" || dev.UUID != "1234-ABCD" {
		t.Errorf("expected partition label/uuid, got %q %q", dev.Label, dev.UUID)
	}
	if nodes := dev.Nodes(); len(nodes) != 1 || nodes[0] != "/dev/sda1" {
		t.Errorf("expected partition node, got %v", nodes)
	}
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		name string
		dev  BlockDevice
		want string
	}{
		{
			name: "usb alias wins",
			dev: BlockDevice{
				Name:     "sda",
				Serial:   "ABC",
				Symlinks: []string{"/dev/disk/by-id/usb-Vendor_Model_ABC-0:0", "/dev/disk/by-uuid/0042"},
			},
			want: "/dev/disk/by-id/usb-Vendor_Model_ABC-0:0",
		},
		{
			name: "serial without alias",
			dev:  BlockDevice{Name: "sda", Serial: "ABC", Symlinks: []string{"/dev/disk/by-uuid/0042"}},
			want: "ABC",
		},
		{
			name: "name as last resort",
			dev:  BlockDevice{Name: "sdb"},
			want: "sdb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dev.Identity(); got != tt.want {
				t.Errorf("Identity() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestField(t *testing.T) {
	dev, _ := Build(nicenanoRaw())

	tests := []struct {
		field string
		want  string
		ok    bool
	}{
		{"vendor", "Adafruit", true},
		{"removable", "true", true},
		{"device_type", "usb", true},
		{"size", "33554432", true},
		{"ID_FS_LABEL", "NICENANO", true},
		{"id_fs_label", "NICENANO", true},
		{"no_such_field", "", false},
	}

	for _, tt := range tests {
		got, ok := dev.Field(tt.field)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Field(%q) = (%q, %v), want (%q, %v)", tt.field, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEnumerator_FiltersAndSkips(t *testing.T) {
	internal := RawDevice{Node: "/dev/nvme0n1", Name: "nvme0n1", DevType: "disk"}
	broken := RawDevice{Name: "sdz", Bus: "usb"}
	lister := &fakeLister{raws: []RawDevice{nicenanoRaw(), internal, broken}}

	devs, err := NewEnumerator(lister, nil).ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devs) != 1 {
		t.Fatalf("expected 1 usb device, got %d", len(devs))
	}
	if devs[0].Path != "/dev/sda" {
		t.Errorf("unexpected device %s", devs[0].Path)
	}
}

func TestEnumerator_StableAcrossCalls(t *testing.T) {
	lister := &fakeLister{raws: []RawDevice{nicenanoRaw()}}
	enum := NewEnumerator(lister, nil)

	first, err := enum.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("first enumeration failed: %v", err)
	}
	second, err := enum.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("second enumeration failed: %v", err)
	}

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one device per call, got %d and %d", len(first), len(second))
	}
	a, b := first[0], second[0]
	if a.Path != b.Path || a.Serial != b.Serial || a.Vendor != b.Vendor || a.Model != b.Model {
		t.Errorf("enumeration not stable: %+v vs %+v", a, b)
	}
}

func TestEnumerator_MergesMountPoints(t *testing.T) {
	lister := &fakeLister{raws: []RawDevice{nicenanoRaw()}}
	cache := NewMountCacheWithLoader(0, func(context.Context) (map[string]string, error) {
		return map[string]string{"/dev/sda": "/media/user/NICENANO"}, nil
	})

	devs, err := NewEnumerator(lister, cache).ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	paths := devs[0].MountPaths()
	if len(paths) != 1 || paths[0] != "/media/user/NICENANO" {
		t.Errorf("expected merged mount point, got %v", paths)
	}
}
