package device

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// DefaultMountCacheTTL bounds how stale a mount lookup may be.
const DefaultMountCacheTTL = 5 * time.Second

// MountTableLoader returns device node -> mount path.
type MountTableLoader func(ctx context.Context) (map[string]string, error)

// MountCache is a TTL'd view of the OS mount table, refreshed lazily on read.
type MountCache struct {
	ttl  time.Duration
	load MountTableLoader
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]string
	fetched time.Time
}

// NewMountCache creates a cache over the system mount table.
func NewMountCache(ttl time.Duration) *MountCache {
	return NewMountCacheWithLoader(ttl, SystemMountTable)
}

// NewMountCacheWithLoader creates a cache over an arbitrary loader.
func NewMountCacheWithLoader(ttl time.Duration, load MountTableLoader) *MountCache {
	if ttl <= 0 {
		ttl = DefaultMountCacheTTL
	}
	return &MountCache{
		ttl:  ttl,
		load: load,
		now:  time.Now,
	}
}

// SystemMountTable reads every mounted partition through gopsutil.
func SystemMountTable(ctx context.Context) (map[string]string, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	table := make(map[string]string, len(parts))
	for _, p := range parts {
		if p.Device == "" || p.Mountpoint == "" {
			continue
		}
		if _, seen := table[p.Device]; seen {
			continue
		}
		table[p.Device] = p.Mountpoint
	}
	return table, nil
}

// Lookup returns the mount path of a device node.
func (c *MountCache) Lookup(ctx context.Context, node string) (string, bool) {
	table := c.Snapshot(ctx)
	mp, ok := table[node]
	return mp, ok
}

// Snapshot returns a copy of the (possibly refreshed) table. A failed refresh keeps
// the previous entries.
func (c *MountCache) Snapshot(ctx context.Context) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries == nil || c.now().Sub(c.fetched) >= c.ttl {
		table, err := c.load(ctx)
		if err != nil {
			slog.Warn("mount_table_refresh_failed", "error", err)
		} else {
			c.entries = table
			c.fetched = c.now()
		}
	}

	out := make(map[string]string, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Invalidate forces the next read to reload the table.
func (c *MountCache) Invalidate() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}
