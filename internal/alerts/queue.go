package alerts

import (
	"basewatch/internal/model"
)

// DefaultQueueSize bounds the notification queue.
const DefaultQueueSize = 256

// Queue is the bounded notification channel between the detection worker
// and whatever records or forwards anomalies off-node. Push never blocks;
// a full queue drops the newest hit.
type Queue struct {
	ch chan model.AnomalyHit
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan model.AnomalyHit, size)}
}

func (q *Queue) Push(hit model.AnomalyHit) bool {
	select {
	case q.ch <- hit:
		return true
	default:
		return false
	}
}

// C exposes the receive side for consumer goroutines.
func (q *Queue) C() <-chan model.AnomalyHit {
	return q.ch
}

// Drain empties the queue without blocking and returns what was pending.
func (q *Queue) Drain() []model.AnomalyHit {
	var out []model.AnomalyHit
	for {
		select {
		case hit := <-q.ch:
			out = append(out, hit)
		default:
			return out
		}
	}
}
