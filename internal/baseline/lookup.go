package baseline

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"basewatch/internal/model"
	"basewatch/internal/store"
)

const (
	// LookupCacheSize bounds the membership memoization LRU.
	LookupCacheSize = 200
	// LookupTTLMs ages out memoized answers so a store reset or external
	// rewrite is eventually observed even for hot keys.
	LookupTTLMs = 300000
)

type lookupEntry struct {
	inBaseline bool
	at         uint32
}

// Membership answers "is this device part of the baseline" without a store
// seek on every query: RAM-resident keys are members by definition, and
// store answers are memoized in a small LRU.
type Membership struct {
	ram   *Cache
	store *store.Store
	lru   *lru.Cache[model.DeviceKey, lookupEntry]
	now   func() uint32
}

func NewMembership(ram *Cache, st *store.Store, now func() uint32) *Membership {
	l, _ := lru.New[model.DeviceKey, lookupEntry](LookupCacheSize)
	return &Membership{ram: ram, store: st, lru: l, now: now}
}

func (m *Membership) Contains(key model.DeviceKey) bool {
	if m.ram != nil && m.ram.Contains(key) {
		return true
	}
	now := m.now()
	if e, ok := m.lru.Get(key); ok && now-e.at <= LookupTTLMs {
		return e.inBaseline
	}
	found := false
	if m.store != nil {
		_, found = m.store.ReadByKey(key)
	}
	m.lru.Add(key, lookupEntry{inBaseline: found, at: now})
	return found
}

func (m *Membership) Reset() {
	m.lru.Purge()
}
