package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"basewatch/internal/model"
)

// Store is the file-backed device registry. It is owned by the detection
// worker during an active run; external readers go through RAM snapshots,
// never through the file. A nil *Store means the medium is absent and the
// engine runs RAM-only.
type Store struct {
	path   string
	f      *os.File
	index  map[model.DeviceKey]int64
	count  uint32
	max    atomic.Int64 // adjustable from outside the worker
	logger *slog.Logger
}

// Open creates the backing file with a fresh header when absent, and
// otherwise validates the header and rebuilds the offset index. A file with
// a foreign magic is treated as absent and recreated.
func Open(path string, maxDevices int, logger *slog.Logger) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:   path,
		f:      f,
		index:  make(map[model.DeviceKey]int64),
		logger: logger,
	}
	s.max.Store(int64(maxDevices))
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < HeaderSize {
		if err := s.writeFresh(); err != nil {
			f.Close()
			return nil, err
		}
		return s, nil
	}
	var hdr [HeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := decodeHeader(hdr[:]); err != nil {
		if logger != nil {
			logger.Warn("registry header invalid, recreating", "path", path, "err", err)
		}
		if err := s.writeFresh(); err != nil {
			f.Close()
			return nil, err
		}
		return s, nil
	}
	if err := s.rebuildIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) writeFresh() error {
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	hdr := encodeHeader(0)
	if _, err := s.f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	s.count = 0
	s.index = make(map[model.DeviceKey]int64)
	return nil
}

// rebuildIndex scans every record, verifying checksums. Corrupt records are
// skipped, not repaired; the header count is trusted as the historical
// total, while the index reflects only readable records.
func (s *Store) rebuildIndex() error {
	var hdr [HeaderSize]byte
	if _, err := s.f.ReadAt(hdr[:], 0); err != nil {
		return err
	}
	count, err := decodeHeader(hdr[:])
	if err != nil {
		return err
	}
	s.count = count
	s.index = make(map[model.DeviceKey]int64)

	buf := make([]byte, RecordSize)
	offset := int64(HeaderSize)
	skipped := 0
	for {
		n, err := s.f.ReadAt(buf, offset)
		if n < RecordSize {
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			break
		}
		rec, decErr := decodeRecord(buf)
		if decErr == nil {
			s.index[rec.Addr] = offset
		} else {
			skipped++
		}
		offset += RecordSize
	}
	if s.logger != nil {
		s.logger.Info("registry index rebuilt", "path", s.path, "indexed", len(s.index), "skipped", skipped, "header_count", s.count)
	}
	return nil
}

// Put writes a record through the index: an in-place update when the key is
// already on the medium, an append otherwise.
func (s *Store) Put(rec model.DeviceRecord) error {
	if _, ok := s.index[rec.Addr]; ok {
		return s.UpdateByKey(rec)
	}
	return s.Append(rec)
}

func (s *Store) Append(rec model.DeviceRecord) error {
	if max := s.max.Load(); max > 0 && int64(s.count) >= max {
		return fmt.Errorf("registry full: %d devices", s.count)
	}
	end, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	buf := encodeRecord(rec)
	if _, err := s.f.WriteAt(buf[:], end); err != nil {
		return err
	}
	s.index[rec.Addr] = end
	s.count++
	var cnt [4]byte
	cnt[0] = byte(s.count)
	cnt[1] = byte(s.count >> 8)
	cnt[2] = byte(s.count >> 16)
	cnt[3] = byte(s.count >> 24)
	_, err = s.f.WriteAt(cnt[:], countOffset)
	return err
}

func (s *Store) UpdateByKey(rec model.DeviceRecord) error {
	offset, ok := s.index[rec.Addr]
	if !ok {
		return errors.New("key not indexed")
	}
	buf := encodeRecord(rec)
	_, err := s.f.WriteAt(buf[:], offset)
	return err
}

// ReadByKey validates the stored checksum; any mismatch or I/O failure is
// reported as not found, never as corrupt data.
func (s *Store) ReadByKey(key model.DeviceKey) (model.DeviceRecord, bool) {
	offset, ok := s.index[key]
	if !ok {
		return model.DeviceRecord{}, false
	}
	buf := make([]byte, RecordSize)
	if _, err := s.f.ReadAt(buf, offset); err != nil {
		return model.DeviceRecord{}, false
	}
	rec, err := decodeRecord(buf)
	if err != nil {
		return model.DeviceRecord{}, false
	}
	return rec, true
}

// SetMax adjusts the append ceiling; safe to call while the worker is
// appending. Records already past a lowered ceiling stay readable; only new
// appends are refused.
func (s *Store) SetMax(max int) {
	s.max.Store(int64(max))
}

// Count is the authoritative total of unique records ever written.
func (s *Store) Count() uint32 {
	return s.count
}

// LoadRecent returns up to n of the newest readable records, oldest first,
// used to warm the RAM cache when a node resumes a previous baseline.
func (s *Store) LoadRecent(n int) []model.DeviceRecord {
	if n <= 0 {
		return nil
	}
	end, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil
	}
	total := int((end - HeaderSize) / RecordSize)
	skip := 0
	if total > n {
		skip = total - n
	}
	out := make([]model.DeviceRecord, 0, total-skip)
	buf := make([]byte, RecordSize)
	for i := skip; i < total; i++ {
		offset := int64(HeaderSize) + int64(i)*RecordSize
		if _, err := s.f.ReadAt(buf, offset); err != nil {
			break
		}
		rec, decErr := decodeRecord(buf)
		if decErr != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (s *Store) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Destroy closes the store and deletes the backing file.
func (s *Store) Destroy() error {
	_ = s.Close()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
