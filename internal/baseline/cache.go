package baseline

import (
	"log/slog"
	"sort"
	"sync"

	"basewatch/internal/model"
	"basewatch/internal/store"
)

// RAMOnlyCeiling is the hard cap on cache entries when no persistent store
// is available. New keys are rejected past it; existing keys still update.
const RAMOnlyCeiling = 1500

// Cache is the RAM tier of the device registry. The detection worker is the
// only mutator, but API handlers read concurrently, so access goes through
// an RWMutex; readers get copies via Snapshot, never the live records.
type Cache struct {
	mu       sync.RWMutex
	devices  map[model.DeviceKey]*model.DeviceRecord
	capacity int
	store    *store.Store // nil when the medium is absent
	logger   *slog.Logger
	seen     uint32 // unique devices this session, survives eviction
}

func NewCache(capacity int, st *store.Store, logger *slog.Logger) *Cache {
	return &Cache{
		devices:  make(map[model.DeviceKey]*model.DeviceRecord),
		capacity: capacity,
		store:    st,
		logger:   logger,
	}
}

// Upsert folds an observation into the registry and reports whether it was
// accepted. The stored average is a running mean over all hits, biased
// toward long-run stability rather than recent volatility.
func (c *Cache) Upsert(obs model.Observation, now uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dev, ok := c.devices[obs.Addr]; ok {
		hits := int(dev.HitCount)
		dev.AvgRSSI = int8((int(dev.AvgRSSI)*hits + int(obs.RSSI)) / (hits + 1))
		if obs.RSSI < dev.MinRSSI {
			dev.MinRSSI = obs.RSSI
		}
		if obs.RSSI > dev.MaxRSSI {
			dev.MaxRSSI = obs.RSSI
		}
		dev.LastSeen = now
		if dev.HitCount < ^uint16(0) {
			dev.HitCount++
		}
		dev.Dirty = true
		if !model.IsPlaceholderName(obs.Name) {
			dev.Name = truncName(obs.Name)
		}
		return true
	}

	limit := c.capacity
	if c.store == nil {
		limit = RAMOnlyCeiling
	}
	if len(c.devices) >= limit {
		if c.store == nil {
			if c.logger != nil && len(c.devices)%100 == 0 {
				c.logger.Warn("no persistent backing, RAM ceiling reached", "devices", len(c.devices))
			}
			return false
		}
		c.evictOldest(now)
	}

	c.devices[obs.Addr] = &model.DeviceRecord{
		Addr:      obs.Addr,
		AvgRSSI:   obs.RSSI,
		MinRSSI:   obs.RSSI,
		MaxRSSI:   obs.RSSI,
		FirstSeen: now,
		LastSeen:  now,
		Name:      truncName(obs.Name),
		IsBLE:     obs.IsBLE,
		Channel:   obs.Channel,
		HitCount:  1,
		Dirty:     true,
	}
	c.seen++
	return true
}

// evictOldest flushes and drops the single least-recently-seen entry.
// Linear scan; capacity is clamped to a few hundred entries so this stays
// cheap. Caller holds the write lock.
func (c *Cache) evictOldest(now uint32) {
	var oldestKey model.DeviceKey
	oldestTime := now
	found := false
	for key, dev := range c.devices {
		if !found || dev.LastSeen < oldestTime {
			oldestTime = dev.LastSeen
			oldestKey = key
			found = true
		}
	}
	if !found {
		return
	}
	dev := c.devices[oldestKey]
	if dev.Dirty && c.store != nil {
		if err := c.store.Put(*dev); err != nil {
			if c.logger != nil {
				c.logger.Warn("evict flush failed", "addr", oldestKey.String(), "err", err)
			}
		}
	}
	delete(c.devices, oldestKey)
}

func (c *Cache) Get(key model.DeviceKey) (model.DeviceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.devices[key]
	if !ok {
		return model.DeviceRecord{}, false
	}
	return *dev, true
}

func (c *Cache) Contains(key model.DeviceKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.devices[key]
	return ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}

// TypeCounts tallies resident entries by radio.
func (c *Cache) TypeCounts() (wifi, ble uint32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, dev := range c.devices {
		if dev.IsBLE {
			ble++
		} else {
			wifi++
		}
	}
	return wifi, ble
}

// SeenCount is the number of unique devices observed this session,
// including entries since evicted to the store.
func (c *Cache) SeenCount() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seen
}

// SetSeenCount seeds the session total when resuming from a store.
func (c *Cache) SetSeenCount(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = n
}

// FlushDirty persists every dirty record and clears its flag. Returns the
// number flushed; store failures leave the flag set for the next pass.
func (c *Cache) FlushDirty() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return 0
	}
	flushed := 0
	for _, dev := range c.devices {
		if !dev.Dirty {
			continue
		}
		if err := c.store.Put(*dev); err != nil {
			if c.logger != nil {
				c.logger.Warn("flush failed", "addr", dev.Addr.String(), "err", err)
			}
			continue
		}
		dev.Dirty = false
		flushed++
	}
	return flushed
}

// Warm loads records read back from the store without marking them dirty.
func (c *Cache) Warm(recs []model.DeviceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range recs {
		rec.Dirty = false
		cp := rec
		c.devices[rec.Addr] = &cp
	}
}

// RemoveStale drops entries unseen for longer than timeout and reports how
// many were removed.
func (c *Cache) RemoveStale(now, timeoutMs uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, dev := range c.devices {
		if now-dev.LastSeen > timeoutMs {
			delete(c.devices, key)
			removed++
		}
	}
	return removed
}

// Snapshot returns copies of all resident records ordered by first-seen.
func (c *Cache) Snapshot() []model.DeviceRecord {
	c.mu.RLock()
	out := make([]model.DeviceRecord, 0, len(c.devices))
	for _, dev := range c.devices {
		out = append(out, *dev)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen != out[j].FirstSeen {
			return out[i].FirstSeen < out[j].FirstSeen
		}
		return out[i].Addr.String() < out[j].Addr.String()
	})
	return out
}

func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = make(map[model.DeviceKey]*model.DeviceRecord)
	c.seen = 0
}

func truncName(name string) string {
	if len(name) > model.MaxNameLen {
		return name[:model.MaxNameLen]
	}
	return name
}
