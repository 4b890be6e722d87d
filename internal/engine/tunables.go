package engine

import (
	"os"
	"time"
)

// Tunables returns a copy of the current detection parameters.
func (e *Engine) Tunables() Tunables {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tun
}

// SetRSSIThreshold updates the classification sensitivity floor. Out-of-range
// values are rejected and the prior value kept.
func (e *Engine) SetRSSIThreshold(v int) bool {
	if v < -100 || v > -30 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tun.RSSIThreshold = v
	return true
}

// SetRAMCacheSize takes effect for the next run; the active cache keeps its
// capacity until then.
func (e *Engine) SetRAMCacheSize(v int) bool {
	if v < 200 || v > 500 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tun.RAMCacheSize = v
	return true
}

func (e *Engine) SetStoreMaxDevices(v int) bool {
	if v < 1000 || v > 100000 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tun.StoreMaxDevices = v
	if e.st != nil {
		e.st.SetMax(v)
	}
	return true
}

func (e *Engine) SetAbsenceThreshold(d time.Duration) bool {
	if d < 30*time.Second || d > 10*time.Minute {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tun.AbsenceThresholdMs = uint32(d.Milliseconds())
	return true
}

func (e *Engine) SetReappearanceWindow(d time.Duration) bool {
	if d < time.Minute || d > 30*time.Minute {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tun.ReappearanceWindowMs = uint32(d.Milliseconds())
	return true
}

func (e *Engine) SetSignificantChange(v int) bool {
	if v < 5 || v > 50 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tun.SignificantChange = v
	return true
}

func removeFile(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
