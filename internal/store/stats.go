package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StatsFile is the small textual snapshot rewritten wholesale on each flush.
type StatsFile struct {
	TotalDevices  uint32
	WifiDevices   uint32
	BLEDevices    uint32
	Established   bool
	RSSIThreshold int
	LastUpdate    uint32
}

func WriteStats(path string, sf StatsFile) error {
	if path == "" {
		return errors.New("empty stats path")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "total_devices=%d\n", sf.TotalDevices)
	fmt.Fprintf(&b, "wifi_devices=%d\n", sf.WifiDevices)
	fmt.Fprintf(&b, "ble_devices=%d\n", sf.BLEDevices)
	fmt.Fprintf(&b, "established=%t\n", sf.Established)
	fmt.Fprintf(&b, "rssi_threshold=%d\n", sf.RSSIThreshold)
	fmt.Fprintf(&b, "last_update=%d\n", sf.LastUpdate)
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func ReadStats(path string) (StatsFile, error) {
	var sf StatsFile
	data, err := os.ReadFile(path)
	if err != nil {
		return sf, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "total_devices":
			if v, err := strconv.ParseUint(value, 10, 32); err == nil {
				sf.TotalDevices = uint32(v)
			}
		case "wifi_devices":
			if v, err := strconv.ParseUint(value, 10, 32); err == nil {
				sf.WifiDevices = uint32(v)
			}
		case "ble_devices":
			if v, err := strconv.ParseUint(value, 10, 32); err == nil {
				sf.BLEDevices = uint32(v)
			}
		case "established":
			sf.Established = value == "true"
		case "rssi_threshold":
			if v, err := strconv.Atoi(value); err == nil {
				sf.RSSIThreshold = v
			}
		case "last_update":
			if v, err := strconv.ParseUint(value, 10, 32); err == nil {
				sf.LastUpdate = uint32(v)
			}
		}
	}
	return sf, nil
}
