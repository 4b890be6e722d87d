package store

import (
	"os"
	"path/filepath"
	"testing"

	"basewatch/internal/model"
)

func testKey(last byte) model.DeviceKey {
	return model.DeviceKey{0xAA, 0xBB, 0xCC, 0x00, 0x11, last}
}

func testRecord(last byte) model.DeviceRecord {
	return model.DeviceRecord{
		Addr:      testKey(last),
		AvgRSSI:   -55,
		MinRSSI:   -70,
		MaxRSSI:   -40,
		FirstSeen: 1000,
		LastSeen:  5000,
		Name:      "SensorTag",
		IsBLE:     true,
		Channel:   0,
		HitCount:  42,
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := testRecord(0x01)
	buf := encodeRecord(rec)
	got, err := decodeRecord(buf[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rec.Dirty = false
	if got != rec {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
}

func TestRecordChecksumRejected(t *testing.T) {
	buf := encodeRecord(testRecord(0x02))
	buf[20] ^= 0xFF
	if _, err := decodeRecord(buf[:]); err == nil {
		t.Fatal("corrupt record decoded without error")
	}
}

func TestRecordNameTruncated(t *testing.T) {
	rec := testRecord(0x03)
	rec.Name = "this-name-is-much-longer-than-thirty-one-bytes"
	buf := encodeRecord(rec)
	got, err := decodeRecord(buf[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Name) != model.MaxNameLen {
		t.Fatalf("name length = %d, want %d", len(got.Name), model.MaxNameLen)
	}
}

func TestStoreAppendAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bin")
	s, err := Open(path, 100, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := byte(0); i < 5; i++ {
		if err := s.Append(testRecord(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if s.Count() != 5 {
		t.Fatalf("count = %d, want 5", s.Count())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path, 100, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if s2.Count() != 5 {
		t.Fatalf("count after reopen = %d, want 5", s2.Count())
	}
	rec, ok := s2.ReadByKey(testKey(3))
	if !ok {
		t.Fatal("record not found after reopen")
	}
	if rec.HitCount != 42 || rec.Name != "SensorTag" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestStoreUpdateInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bin")
	s, err := Open(path, 100, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rec := testRecord(0x07)
	if err := s.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec.HitCount = 99
	rec.LastSeen = 9000
	if err := s.Put(rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if s.Count() != 1 {
		t.Fatalf("count = %d, want 1 after in-place update", s.Count())
	}
	got, ok := s.ReadByKey(rec.Addr)
	if !ok {
		t.Fatal("record not found")
	}
	if got.HitCount != 99 || got.LastSeen != 9000 {
		t.Fatalf("update not persisted: %+v", got)
	}
}

func TestStoreFullRejectsAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bin")
	s, err := Open(path, 2, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Append(testRecord(0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(testRecord(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(testRecord(2)); err == nil {
		t.Fatal("append past capacity succeeded")
	}
	// Existing records must still update in place at capacity.
	rec := testRecord(0)
	rec.HitCount = 7
	if err := s.Put(rec); err != nil {
		t.Fatalf("update at capacity: %v", err)
	}
}

func TestStoreCorruptRecordSkippedOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bin")
	s, err := Open(path, 100, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := byte(0); i < 3; i++ {
		if err := s.Append(testRecord(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	s.Close()

	// Flip a byte inside the second record.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	offset := int64(HeaderSize + RecordSize + 10)
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, offset); err != nil {
		t.Fatalf("read raw: %v", err)
	}
	buf[0] ^= 0xFF
	if _, err := f.WriteAt(buf, offset); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	f.Close()

	s2, err := Open(path, 100, nil)
	if err != nil {
		t.Fatalf("reopen with corruption: %v", err)
	}
	defer s2.Close()
	if _, ok := s2.ReadByKey(testKey(1)); ok {
		t.Fatal("corrupt record should not be readable")
	}
	if _, ok := s2.ReadByKey(testKey(0)); !ok {
		t.Fatal("intact record lost")
	}
	if _, ok := s2.ReadByKey(testKey(2)); !ok {
		t.Fatal("intact record lost")
	}
}

func TestStoreForeignFileRecreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bin")
	if err := os.WriteFile(path, []byte("not a registry file at all"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := Open(path, 100, nil)
	if err != nil {
		t.Fatalf("open over foreign file: %v", err)
	}
	defer s.Close()
	if s.Count() != 0 {
		t.Fatalf("count = %d, want 0 for recreated file", s.Count())
	}
	if err := s.Append(testRecord(0)); err != nil {
		t.Fatalf("append to recreated file: %v", err)
	}
}

func TestLoadRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bin")
	s, err := Open(path, 100, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	for i := byte(0); i < 10; i++ {
		rec := testRecord(i)
		rec.FirstSeen = uint32(i) * 100
		if err := s.Append(rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	recent := s.LoadRecent(4)
	if len(recent) != 4 {
		t.Fatalf("len = %d, want 4", len(recent))
	}
	if recent[0].Addr != testKey(6) || recent[3].Addr != testKey(9) {
		t.Fatalf("unexpected window: first=%s last=%s", recent[0].Addr, recent[3].Addr)
	}
}

func TestStoreDestroy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bin")
	s, err := Open(path, 100, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Append(testRecord(0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("backing file still present after destroy")
	}
}

func TestStatsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.txt")
	want := StatsFile{
		TotalDevices:  120,
		WifiDevices:   80,
		BLEDevices:    40,
		Established:   true,
		RSSIThreshold: -62,
		LastUpdate:    123456,
	}
	if err := WriteStats(path, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadStats(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}
