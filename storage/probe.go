package storage

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/shirou/gopsutil/v4/disk"
)

// SpaceUnknown is the free-space figure used when a probe failed.
const SpaceUnknown int64 = -1

// SpaceProbe reports the bytes an unprivileged writer can still store on the
// filesystem holding path. It must not panic on a missing path; failures are
// reported as an error wrapping ErrSpaceUnknown.
type SpaceProbe interface {
	FreeSpace(path string) (int64, error)
}

// DiskProbe queries the OS (available blocks x block size) through gopsutil.
type DiskProbe struct{}

// FreeSpace implements SpaceProbe.
func (DiskProbe) FreeSpace(path string) (int64, error) {
	if path == "" {
		return SpaceUnknown, fmt.Errorf("%w: empty path", ErrSpaceUnknown)
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return SpaceUnknown, fmt.Errorf("%w: %s: %v", ErrSpaceUnknown, path, err)
	}
	return int64(usage.Free), nil
}

// probeOrUnknown collapses a probe failure into SpaceUnknown.
func probeOrUnknown(p SpaceProbe, path string) int64 {
	free, err := p.FreeSpace(path)
	if err != nil || free < 0 {
		if logEnabled(slog.LevelDebug) {
			sub("probe").Debug("free space unknown", "path", path, "err", err)
		}
		return SpaceUnknown
	}
	return free
}

// CachedProbe memoises another probe for a short TTL. Only status reporting
// uses it; selection and migration always probe fresh.
type CachedProbe struct {
	inner SpaceProbe
	cache *ttlcache.Cache[string, int64]
}

// NewCachedProbe wraps inner with a TTL cache. Failures are not cached.
func NewCachedProbe(inner SpaceProbe, ttl time.Duration) *CachedProbe {
	return &CachedProbe{
		inner: inner,
		cache: ttlcache.New[string, int64](
			ttlcache.WithTTL[string, int64](ttl),
			ttlcache.WithDisableTouchOnHit[string, int64](),
		),
	}
}

// FreeSpace implements SpaceProbe.
func (c *CachedProbe) FreeSpace(path string) (int64, error) {
	if item := c.cache.Get(path); item != nil {
		return item.Value(), nil
	}
	free, err := c.inner.FreeSpace(path)
	if err != nil {
		return free, err
	}
	c.cache.Set(path, free, ttlcache.DefaultTTL)
	return free, nil
}

// Invalidate drops every cached figure, e.g. after a migration moved data.
func (c *CachedProbe) Invalidate() {
	c.cache.DeleteAll()
}

var _ SpaceProbe = DiskProbe{}
var _ SpaceProbe = (*CachedProbe)(nil)
