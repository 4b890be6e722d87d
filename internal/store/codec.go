package store

import (
	"encoding/binary"
	"errors"

	"basewatch/internal/model"
)

// On-medium layout, little-endian, no padding:
//
//	header: magic(4) version(2) count(4)            = 10 bytes
//	record: addr(6) avg(1) min(1) max(1) first(4)
//	        last(4) name(32) ble(1) channel(1)
//	        hits(2) checksum(1)                     = 54 bytes
const (
	Magic      = 0xBA5EBA11
	Version    = 1
	HeaderSize = 10
	RecordSize = 54

	nameFieldLen = model.MaxNameLen + 1 // NUL terminator included
	countOffset  = 6
)

var errChecksum = errors.New("record checksum mismatch")

// xorSum folds every byte except the trailing checksum byte.
func xorSum(buf []byte) byte {
	var sum byte
	for _, b := range buf[:len(buf)-1] {
		sum ^= b
	}
	return sum
}

// encodeRecord serializes through an explicit byte buffer so the checksum
// never depends on in-memory struct layout.
func encodeRecord(rec model.DeviceRecord) [RecordSize]byte {
	var buf [RecordSize]byte
	copy(buf[0:6], rec.Addr[:])
	buf[6] = byte(rec.AvgRSSI)
	buf[7] = byte(rec.MinRSSI)
	buf[8] = byte(rec.MaxRSSI)
	binary.LittleEndian.PutUint32(buf[9:13], rec.FirstSeen)
	binary.LittleEndian.PutUint32(buf[13:17], rec.LastSeen)
	name := rec.Name
	if len(name) > model.MaxNameLen {
		name = name[:model.MaxNameLen]
	}
	copy(buf[17:17+nameFieldLen], name)
	if rec.IsBLE {
		buf[49] = 1
	}
	buf[50] = rec.Channel
	binary.LittleEndian.PutUint16(buf[51:53], rec.HitCount)
	buf[53] = xorSum(buf[:])
	return buf
}

func decodeRecord(buf []byte) (model.DeviceRecord, error) {
	var rec model.DeviceRecord
	if len(buf) != RecordSize {
		return rec, errors.New("short record")
	}
	if xorSum(buf) != buf[53] {
		return rec, errChecksum
	}
	copy(rec.Addr[:], buf[0:6])
	rec.AvgRSSI = int8(buf[6])
	rec.MinRSSI = int8(buf[7])
	rec.MaxRSSI = int8(buf[8])
	rec.FirstSeen = binary.LittleEndian.Uint32(buf[9:13])
	rec.LastSeen = binary.LittleEndian.Uint32(buf[13:17])
	rec.Name = cString(buf[17 : 17+nameFieldLen])
	rec.IsBLE = buf[49] != 0
	rec.Channel = buf[50]
	rec.HitCount = binary.LittleEndian.Uint16(buf[51:53])
	return rec, nil
}

func encodeHeader(count uint32) [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint32(buf[6:10], count)
	return buf
}

func decodeHeader(buf []byte) (count uint32, err error) {
	if len(buf) != HeaderSize {
		return 0, errors.New("short header")
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return 0, errors.New("bad magic")
	}
	return binary.LittleEndian.Uint32(buf[6:10]), nil
}

func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
