package mesh

import (
	"fmt"
	"strings"

	"basewatch/internal/model"
)

// MaxLineLen caps every outbound line; longer messages are not sent at all
// rather than truncated mid-field.
const MaxLineLen = 230

func typeWord(isBLE bool) string {
	if isBLE {
		return "BLE"
	}
	return "WiFi"
}

// AnomalyTag maps a classification to its wire tag.
func AnomalyTag(t model.AnomalyType) string {
	switch t {
	case model.AnomalyReturned:
		return "ANOMALY-RETURN"
	case model.AnomalySignalChange:
		return "ANOMALY-RSSI"
	default:
		return "ANOMALY-NEW"
	}
}

// FormatAnomaly renders one anomaly notification line. Returns "" when the
// line would exceed the cap.
func FormatAnomaly(nodeID string, hit model.AnomalyHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s: %s %s RSSI:%d", nodeID, AnomalyTag(hit.Type), typeWord(hit.IsBLE), hit.Addr.String(), hit.RSSI)
	switch hit.Type {
	case model.AnomalyReturned, model.AnomalySignalChange:
		if hit.Reason != "" {
			b.WriteString(" " + hit.Reason)
		}
	default:
		if !model.IsPlaceholderName(hit.Name) {
			name := hit.Name
			if len(name) > 20 {
				name = name[:20]
			}
			b.WriteString(" Name:" + name)
		}
	}
	line := b.String()
	if len(line) > MaxLineLen {
		return ""
	}
	return line
}

// FormatDevice renders one newly-seen-device broadcast line.
func FormatDevice(nodeID string, rec model.DeviceRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: DEVICE:%s", nodeID, rec.Addr.String())
	if rec.IsBLE {
		b.WriteString(" B ")
	} else {
		b.WriteString(" W ")
	}
	fmt.Fprintf(&b, "%d", rec.AvgRSSI)
	if !rec.IsBLE && rec.Channel > 0 {
		fmt.Fprintf(&b, " C%d", rec.Channel)
	}
	if !model.IsPlaceholderName(rec.Name) {
		name := rec.Name
		if len(name) > 30 {
			name = name[:30]
		}
		b.WriteString(" N:" + name)
	}
	line := b.String()
	if len(line) > MaxLineLen {
		return ""
	}
	return line
}

// FormatSummary renders the one-line completion summary emitted when a
// monitoring run reaches its deadline.
func FormatSummary(nodeID string, stats model.Stats, anomalies, transmitted, pending uint32) string {
	return fmt.Sprintf("%s: BASELINE_DONE: Devices=%d Anomalies=%d WiFi=%d BLE=%d TX=%d PEND=%d",
		nodeID, stats.TotalDevices, anomalies, stats.WifiDevices, stats.BLEDevices, transmitted, pending)
}
