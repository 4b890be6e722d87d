package baseline

import (
	"basewatch/internal/model"
)

// gcTableThreshold is the history size past which the maintenance pass
// starts deleting long-gone entries. GC is lazy and size-triggered, not
// continuous.
const gcTableThreshold = 500

// debounceCount is how many significant signal swings must accumulate
// before one signal-change event fires.
const debounceCount = 3

// HistoryEntry is the per-device presence timeline. DisappearedAt of zero
// means currently present.
type HistoryEntry struct {
	LastRSSI           int8
	LastSeen           uint32
	DisappearedAt      uint32
	WasPresent         bool
	SignificantChanges uint8
}

// Outcome reports what a single observation did to a device's history.
// At most one of New, Returned, SignalChanged is set.
type Outcome struct {
	New           bool
	Returned      bool
	AbsentForMs   uint32
	SignalChanged bool
	PrevRSSI      int8
}

// Tracker holds per-device history. Single-writer, like the Cache.
type Tracker struct {
	entries map[model.DeviceKey]*HistoryEntry
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[model.DeviceKey]*HistoryEntry)}
}

// Observe folds one sighting into the timeline. member is consulted only
// when the key is seen for the first time, to seed the initial presence
// flag from baseline membership.
func (t *Tracker) Observe(key model.DeviceKey, rssi int8, now uint32, member func() bool, changeDelta int, reappearWindowMs uint32) Outcome {
	var out Outcome
	h, ok := t.entries[key]
	if !ok {
		h = &HistoryEntry{LastRSSI: rssi, LastSeen: now, WasPresent: member()}
		t.entries[key] = h
		if !h.WasPresent {
			out.New = true
		}
		h.WasPresent = true
		return out
	}

	if h.DisappearedAt > 0 {
		absent := now - h.DisappearedAt
		if absent <= reappearWindowMs {
			out.Returned = true
			out.AbsentForMs = absent
		}
		h.DisappearedAt = 0
	}

	if !out.Returned && abs8(int(rssi)-int(h.LastRSSI)) >= changeDelta {
		if h.SignificantChanges < ^uint8(0) {
			h.SignificantChanges++
		}
		if h.SignificantChanges >= debounceCount {
			out.SignalChanged = true
			out.PrevRSSI = h.LastRSSI
			h.SignificantChanges = 0
		}
	}

	h.LastRSSI = rssi
	h.LastSeen = now
	h.WasPresent = true
	return out
}

func (t *Tracker) Lookup(key model.DeviceKey) (HistoryEntry, bool) {
	h, ok := t.entries[key]
	if !ok {
		return HistoryEntry{}, false
	}
	return *h, true
}

func (t *Tracker) Len() int {
	return len(t.entries)
}

// Maintain marks entries absent once unseen past the absence threshold and,
// when the table has grown past the GC threshold, deletes entries whose
// absence exceeded the reappearance window. Returns (marked, removed).
func (t *Tracker) Maintain(now, absenceMs, reappearWindowMs uint32) (int, int) {
	marked := 0
	for _, h := range t.entries {
		if h.WasPresent && now-h.LastSeen > absenceMs && h.DisappearedAt == 0 {
			h.DisappearedAt = now
			marked++
		}
	}
	removed := 0
	if len(t.entries) > gcTableThreshold {
		for key, h := range t.entries {
			if h.DisappearedAt > 0 && now-h.DisappearedAt > reappearWindowMs {
				delete(t.entries, key)
				removed++
			}
		}
	}
	return marked, removed
}

func (t *Tracker) Reset() {
	t.entries = make(map[model.DeviceKey]*HistoryEntry)
}

func abs8(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
