package engine

import (
	"fmt"

	"basewatch/internal/mesh"
	"basewatch/internal/model"
)

// classifyObservation runs the anomaly rules against one observation before
// it is folded into the registry. At most one anomaly is raised per
// observation, strongest classification first.
func (e *Engine) classifyObservation(obs model.Observation, now uint32) {
	tun := e.Tunables()
	// Weak signals are not classified at all: a device hovering at the
	// sensitivity floor flaps in and out of view and would flood the log.
	if int(obs.RSSI) < tun.RSSIThreshold {
		return
	}

	out := e.history.Observe(obs.Addr, obs.RSSI, now,
		func() bool { return e.membership.Contains(obs.Addr) },
		tun.SignificantChange, tun.ReappearanceWindowMs)

	hit := model.AnomalyHit{
		Addr:      obs.Addr,
		RSSI:      obs.RSSI,
		Name:      obs.Name,
		IsBLE:     obs.IsBLE,
		Channel:   obs.Channel,
		Timestamp: now,
	}
	switch {
	case out.New:
		hit.Type = model.AnomalyNew
		hit.Reason = "New device (not in baseline)"
	case out.Returned:
		hit.Type = model.AnomalyReturned
		hit.Reason = fmt.Sprintf("Device returned after %ds absence", out.AbsentForMs/1000)
	case out.SignalChanged:
		hit.Type = model.AnomalySignalChange
		hit.Reason = fmt.Sprintf("Significant RSSI change: %d -> %d dBm", out.PrevRSSI, obs.RSSI)
	default:
		return
	}

	e.anomalyLog.Add(hit)
	if !e.notify.Push(hit) && e.logger != nil {
		e.logger.Warn("notification queue full, anomaly dropped", "addr", hit.Addr.String(), "type", string(hit.Type))
	}
	if e.logger != nil {
		e.logger.Warn("anomaly detected",
			"type", string(hit.Type),
			"addr", hit.Addr.String(),
			"rssi", hit.RSSI,
			"ble", hit.IsBLE,
			"reason", hit.Reason,
		)
	}
	if e.sink != nil && e.limiter.Allow("anomaly", e.sendInterval) {
		if line := mesh.FormatAnomaly(e.nodeID, hit); line != "" {
			e.sink.Send(line)
		}
	}
}
