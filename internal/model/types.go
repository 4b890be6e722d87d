package model

import (
	"errors"
	"fmt"
	"strings"
)

// DeviceKey is the 6-byte hardware address identifying an observed device.
type DeviceKey [6]byte

func (k DeviceKey) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", k[0], k[1], k[2], k[3], k[4], k[5])
}

func (k DeviceKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *DeviceKey) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func ParseKey(s string) (DeviceKey, error) {
	var k DeviceKey
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "-", ":")
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return k, errors.New("address must have 6 octets")
	}
	for i, p := range parts {
		var b byte
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil {
			return k, fmt.Errorf("bad octet %q: %w", p, err)
		}
		k[i] = b
	}
	return k, nil
}

// MaxNameLen is the longest display name carried by a record; longer names
// are truncated at ingest.
const MaxNameLen = 31

// DeviceRecord is one registry entry. Timestamps are monotonic milliseconds
// from the engine clock. Dirty is RAM-only bookkeeping and is not persisted.
type DeviceRecord struct {
	Addr      DeviceKey `json:"addr"`
	AvgRSSI   int8      `json:"avg_rssi"`
	MinRSSI   int8      `json:"min_rssi"`
	MaxRSSI   int8      `json:"max_rssi"`
	FirstSeen uint32    `json:"first_seen"`
	LastSeen  uint32    `json:"last_seen"`
	Name      string    `json:"name,omitempty"`
	IsBLE     bool      `json:"is_ble"`
	Channel   uint8     `json:"channel"`
	HitCount  uint16    `json:"hit_count"`
	Dirty     bool      `json:"-"`
}

// Observation is a single sighting pushed by a scan collaborator.
type Observation struct {
	Addr    DeviceKey `json:"addr"`
	RSSI    int8      `json:"rssi"`
	Channel uint8     `json:"channel"`
	Name    string    `json:"name,omitempty"`
	IsBLE   bool      `json:"is_ble"`
}

type AnomalyType string

const (
	AnomalyNew          AnomalyType = "new"
	AnomalyReturned     AnomalyType = "returned"
	AnomalySignalChange AnomalyType = "signal-change"
)

// AnomalyHit is one classified event.
type AnomalyHit struct {
	Addr      DeviceKey   `json:"addr"`
	RSSI      int8        `json:"rssi"`
	Channel   uint8       `json:"channel"`
	Name      string      `json:"name,omitempty"`
	IsBLE     bool        `json:"is_ble"`
	Type      AnomalyType `json:"type"`
	Timestamp uint32      `json:"timestamp"`
	Reason    string      `json:"reason"`
}

// Stats is the aggregate snapshot recomputed on a fixed cadence, never
// incrementally maintained.
type Stats struct {
	WifiDevices   uint32 `json:"wifi_devices"`
	BLEDevices    uint32 `json:"ble_devices"`
	TotalDevices  uint32 `json:"total_devices"`
	WifiHits      uint32 `json:"wifi_hits"`
	BLEHits       uint32 `json:"ble_hits"`
	Scanning      bool   `json:"scanning"`
	Established   bool   `json:"established"`
	ElapsedMs     uint32 `json:"elapsed_ms"`
	TotalDuration uint32 `json:"total_duration_ms"`
}

// IsPlaceholderName reports whether a display name carries no information
// and must not replace a previously stored one.
func IsPlaceholderName(name string) bool {
	switch name {
	case "", "Unknown", "WiFi", "[Hidden]":
		return true
	}
	return false
}
