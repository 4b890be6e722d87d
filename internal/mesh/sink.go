package mesh

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// Sink delivers one-line notifications toward the mesh uplink. Delivery is
// best-effort: a false return means the line was dropped and will not be
// retried by the caller.
type Sink interface {
	Send(line string) bool
}

// LogSink writes lines to the node log; used when no uplink is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Send(line string) bool {
	if s.Logger != nil {
		s.Logger.Info("mesh", "line", line)
	}
	return true
}

// TCPSink writes newline-terminated lines to a long-lived TCP connection,
// redialing lazily after a failure.
type TCPSink struct {
	Addr    string
	Timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

func NewTCPSink(addr string) *TCPSink {
	return &TCPSink{Addr: addr, Timeout: 2 * time.Second}
}

func (s *TCPSink) Send(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		conn, err := net.DialTimeout("tcp", s.Addr, s.Timeout)
		if err != nil {
			return false
		}
		s.conn = conn
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.Timeout))
	if _, err := s.conn.Write([]byte(line + "\n")); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return false
	}
	return true
}

func (s *TCPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Limiter throttles outbound sends per key to at most one per interval.
type Limiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{last: make(map[string]time.Time)}
}

func (l *Limiter) Allow(key string, every time.Duration) bool {
	if every <= 0 {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts, ok := l.last[key]; ok && now.Sub(ts) < every {
		return false
	}
	l.last[key] = now
	return true
}

func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = make(map[string]time.Time)
}
