package alerts

import (
	"sync"

	"basewatch/internal/model"
)

// DefaultLogLimit bounds the retained anomaly ring.
const DefaultLogLimit = 200

// Log is a bounded ring of classified anomalies: oldest entries are dropped
// past the cap, while Total keeps counting.
type Log struct {
	mu    sync.RWMutex
	buf   []model.AnomalyHit
	limit int
	total uint32
}

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &Log{limit: limit}
}

func (l *Log) Add(hit model.AnomalyHit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if len(l.buf) < l.limit {
		l.buf = append(l.buf, hit)
		return
	}
	copy(l.buf, l.buf[1:])
	l.buf[len(l.buf)-1] = hit
}

func (l *Log) List(limit int) []model.AnomalyHit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.buf) {
		limit = len(l.buf)
	}
	out := make([]model.AnomalyHit, 0, limit)
	start := len(l.buf) - limit
	for i := start; i < len(l.buf); i++ {
		out = append(out, l.buf[i])
	}
	return out
}

// Total is the count of anomalies ever logged, including dropped ones.
func (l *Log) Total() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// CountByType tallies the retained entries per anomaly type.
func (l *Log) CountByType() map[model.AnomalyType]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[model.AnomalyType]int, 3)
	for _, hit := range l.buf {
		out[hit.Type]++
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buf)
}

func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = nil
	l.total = 0
}
