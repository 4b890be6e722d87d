package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"basewatch/internal/alerts"
	"basewatch/internal/baseline"
	"basewatch/internal/config"
	"basewatch/internal/mesh"
	"basewatch/internal/model"
	"basewatch/internal/store"
)

// Loop cadences. The 50ms tick is the cooperative suspension point of the
// detection worker; everything else is derived from the worker clock.
const (
	tickInterval        = 50 * time.Millisecond
	statsInterval       = 1000
	statusInterval      = 5000
	flushInterval       = 5000
	maintenanceInterval = 60000
	// cacheStaleTimeoutMs drops cache entries unseen this long once the
	// baseline is established; the store keeps the full record.
	cacheStaleTimeoutMs = 600000
)

// Tunables are the runtime-adjustable detection parameters. Setters clamp
// to the accepted ranges and reject anything outside them, keeping the
// prior value.
type Tunables struct {
	RSSIThreshold        int    `json:"rssi_threshold"`
	RAMCacheSize         int    `json:"ram_cache_size"`
	StoreMaxDevices      int    `json:"store_max_devices"`
	AbsenceThresholdMs   uint32 `json:"absence_threshold_ms"`
	ReappearanceWindowMs uint32 `json:"reappearance_window_ms"`
	SignificantChange    int    `json:"significant_change"`
}

// Engine owns all baseline state and runs the two-phase detection loop on a
// single worker goroutine. Other goroutines interact only through Start,
// Stop, Reset, the observation queue, and copied snapshots.
type Engine struct {
	logger *slog.Logger
	nodeID string

	mu        sync.Mutex
	tun       Tunables
	allowlist map[model.DeviceKey]struct{}

	running     atomic.Bool
	stopFlag    atomic.Bool
	established atomic.Bool

	cache      *baseline.Cache
	membership *baseline.Membership
	history    *baseline.Tracker
	anomalyLog *alerts.Log
	notify     *alerts.Queue

	st        *store.Store
	dataPath  string
	statsPath string

	sink         mesh.Sink
	limiter      *mesh.Limiter
	sendInterval time.Duration

	queue chan model.Observation
	stats atomic.Value // model.Stats

	wifiFrames atomic.Uint32
	bleFrames  atomic.Uint32

	baselineDuration time.Duration

	epoch time.Time
	clock func() uint32

	doneMu sync.Mutex
	done   chan struct{}
}

// New wires an engine from config. st may be nil: the engine then runs
// RAM-only with the hard ceiling. sink may be nil: notifications stay
// on-node.
func New(cfg *config.Config, st *store.Store, sink mesh.Sink, logger *slog.Logger) *Engine {
	e := &Engine{
		logger: logger,
		nodeID: cfg.NodeID,
		tun: Tunables{
			RSSIThreshold:        cfg.Detection.RSSIThreshold,
			RAMCacheSize:         cfg.Detection.RAMCacheSize,
			StoreMaxDevices:      cfg.Detection.StoreMaxDevices,
			AbsenceThresholdMs:   uint32(cfg.Detection.AbsenceThreshold.Milliseconds()),
			ReappearanceWindowMs: uint32(cfg.Detection.ReappearanceWindow.Milliseconds()),
			SignificantChange:    cfg.Detection.SignificantChange,
		},
		allowlist:        make(map[model.DeviceKey]struct{}),
		st:               st,
		dataPath:         cfg.Registry.DataPath,
		statsPath:        cfg.Registry.StatsPath,
		sink:             sink,
		limiter:          mesh.NewLimiter(),
		sendInterval:     cfg.Mesh.SendInterval,
		queue:            make(chan model.Observation, cfg.Ingest.QueueSize),
		baselineDuration: cfg.Detection.BaselineDuration,
		epoch:            time.Now(),
	}
	e.clock = func() uint32 { return uint32(time.Since(e.epoch).Milliseconds()) }
	for _, a := range cfg.Allowlist {
		if key, err := model.ParseKey(a); err == nil {
			e.allowlist[key] = struct{}{}
		}
	}
	e.cache = baseline.NewCache(e.tun.RAMCacheSize, st, logger)
	e.membership = baseline.NewMembership(e.cache, st, e.clock)
	e.history = baseline.NewTracker()
	e.anomalyLog = alerts.NewLog(alerts.DefaultLogLimit)
	e.notify = alerts.NewQueue(alerts.DefaultQueueSize)
	e.stats.Store(model.Stats{})
	return e
}

// Queue is the inbound observation channel for scan collaborators.
// Producers must enqueue non-blocking and drop on full.
func (e *Engine) Queue() chan<- model.Observation {
	return e.queue
}

// Notifications exposes the bounded anomaly queue for a recorder goroutine.
func (e *Engine) Notifications() *alerts.Queue {
	return e.notify
}

func (e *Engine) AnomalyLog() *alerts.Log {
	return e.anomalyLog
}

func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) Established() bool {
	return e.established.Load()
}

func (e *Engine) StoreAvailable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st != nil
}

// Stats returns the last recomputed aggregate snapshot. Values lag
// mutations by up to the stats cadence.
func (e *Engine) Stats() model.Stats {
	return e.stats.Load().(model.Stats)
}

// Now is the engine's monotonic millisecond clock.
func (e *Engine) Now() uint32 {
	return e.clock()
}

// Start launches a detection run: the establishing phase for the configured
// baseline duration, then monitoring for monitorDuration (<= 0 means
// indefinitely). Only one run may be active.
func (e *Engine) Start(monitorDuration time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return errors.New("detection already running")
	}
	e.stopFlag.Store(false)
	e.running.Store(true)
	done := make(chan struct{})
	e.doneMu.Lock()
	e.done = done
	e.doneMu.Unlock()
	go e.run(monitorDuration, done)
	return nil
}

// Stop requests cooperative shutdown of the active run. The worker notices
// at the next tick; no summary is emitted on this path.
func (e *Engine) Stop() {
	e.stopFlag.Store(true)
}

// Done reports the completion channel of the most recent run, or a closed
// channel when none has started.
func (e *Engine) Done() <-chan struct{} {
	e.doneMu.Lock()
	defer e.doneMu.Unlock()
	if e.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return e.done
}

// Reset atomically clears all baseline state and deletes persisted
// artifacts. Rejected while a run is active.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return errors.New("stop detection before reset")
	}
	e.cache.Reset()
	e.history.Reset()
	e.membership.Reset()
	e.anomalyLog.Clear()
	e.notify.Drain()
	e.established.Store(false)
	e.wifiFrames.Store(0)
	e.bleFrames.Store(0)
	e.stats.Store(model.Stats{})
	// Drain at most one queue's worth; ingest sources may still be
	// producing and must not be able to pin us here.
drain:
	for i := 0; i < cap(e.queue); i++ {
		select {
		case <-e.queue:
		default:
			break drain
		}
	}
	if e.st != nil {
		if err := e.st.Destroy(); err != nil && e.logger != nil {
			e.logger.Warn("registry delete failed", "err", err)
		}
		_ = removeFile(e.statsPath)
		st, err := store.Open(e.dataPath, e.tun.StoreMaxDevices, e.logger)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("registry reopen failed, continuing RAM-only", "err", err)
			}
			st = nil
		}
		e.st = st
		e.cache = baseline.NewCache(e.tun.RAMCacheSize, st, e.logger)
		e.membership = baseline.NewMembership(e.cache, st, e.clock)
	}
	if e.logger != nil {
		e.logger.Info("baseline reset complete")
	}
	return nil
}

func (e *Engine) run(monitorDuration time.Duration, done chan struct{}) {
	defer func() {
		e.running.Store(false)
		close(done)
	}()

	tun := e.Tunables()
	e.established.Store(false)
	e.wifiFrames.Store(0)
	e.bleFrames.Store(0)
	e.anomalyLog.Clear()
	e.membership.Reset()

	// Warm the cache from a previous session so repeat writes become
	// in-place updates instead of duplicate appends.
	if e.st != nil && e.st.Count() > 0 {
		recs := e.st.LoadRecent(tun.RAMCacheSize)
		e.cache.Warm(recs)
		e.cache.SetSeenCount(e.st.Count())
		if e.logger != nil {
			e.logger.Info("resuming registry", "stored", e.st.Count(), "cached", len(recs))
		}
	}

	baselineMs := uint32(e.baselineDuration.Milliseconds())
	if e.logger != nil {
		e.logger.Info("detection starting",
			"rssi_threshold", tun.RSSIThreshold,
			"ram_cache", tun.RAMCacheSize,
			"store_cap", tun.StoreMaxDevices,
			"baseline_duration", e.baselineDuration,
			"store_available", e.st != nil,
		)
	}

	transmittedDevices := make(map[model.DeviceKey]struct{})
	transmittedAnomalies := make(map[model.DeviceKey]struct{})

	phaseStart := e.clock()
	e.stats.Store(model.Stats{Scanning: true, TotalDuration: baselineMs})

	nextStats := phaseStart + statsInterval
	nextStatus := phaseStart + statusInterval
	nextFlush := phaseStart + flushInterval
	nextMaint := phaseStart + maintenanceInterval
	nextSend := phaseStart + uint32(e.sendInterval.Milliseconds())

	// Phase 1: establish. Observations fill the registry; no anomaly
	// evaluation.
	for e.clock()-phaseStart < baselineMs && !e.stopFlag.Load() {
		now := e.clock()
		e.drainQueue(false, now)
		if now >= nextStats {
			e.updateStats(phaseStart, baselineMs)
			nextStats += statsInterval
		}
		if now >= nextStatus {
			if e.logger != nil {
				e.logger.Info("establishing baseline", "devices", e.cache.SeenCount(), "wifi_frames", e.wifiFrames.Load(), "ble_frames", e.bleFrames.Load())
			}
			nextStatus += statusInterval
		}
		if now >= nextFlush {
			e.flush()
			nextFlush += flushInterval
		}
		if now >= nextMaint {
			e.maintain(now)
			nextMaint += maintenanceInterval
		}
		if e.sink != nil && now >= nextSend {
			e.broadcastDevices(transmittedDevices)
			nextSend += uint32(e.sendInterval.Milliseconds())
		}
		time.Sleep(tickInterval)
	}

	if e.stopFlag.Load() {
		e.teardown(false, model.Stats{}, 0, 0)
		return
	}

	// Transition only on natural expiry.
	e.established.Store(true)
	e.updateStats(phaseStart, baselineMs)
	e.flush()
	if e.logger != nil {
		e.logger.Info("baseline established", "devices", e.cache.SeenCount(), "rssi_threshold", tun.RSSIThreshold)
	}

	forever := monitorDuration <= 0
	monitorMs := uint32(monitorDuration.Milliseconds())
	phaseStart = e.clock()
	total := monitorMs
	if forever {
		total = 0
	}
	nextStats = phaseStart + statsInterval
	nextStatus = phaseStart + statusInterval
	nextFlush = phaseStart + flushInterval
	nextMaint = phaseStart + maintenanceInterval
	nextSend = phaseStart + uint32(e.sendInterval.Milliseconds())

	// Phase 2: monitor. Same ingestion loop, but every observation is
	// anomaly-checked first.
	for (forever || e.clock()-phaseStart < monitorMs) && !e.stopFlag.Load() {
		now := e.clock()
		e.drainQueue(true, now)
		if now >= nextStats {
			e.updateStats(phaseStart, total)
			nextStats += statsInterval
		}
		if now >= nextStatus {
			if e.logger != nil {
				e.logger.Info("monitoring", "devices", e.cache.SeenCount(), "anomalies", e.anomalyLog.Total())
			}
			nextStatus += statusInterval
		}
		if now >= nextFlush {
			e.flush()
			nextFlush += flushInterval
		}
		if now >= nextMaint {
			e.maintain(now)
			nextMaint += maintenanceInterval
		}
		if e.sink != nil && now >= nextSend {
			e.broadcastDevices(transmittedDevices)
			e.broadcastAnomalies(transmittedAnomalies)
			nextSend += uint32(e.sendInterval.Milliseconds())
		}
		time.Sleep(tickInterval)
	}

	stopped := e.stopFlag.Load()
	e.updateStats(phaseStart, total)
	e.teardown(!stopped, e.Stats(), uint32(len(transmittedDevices)), e.anomalyLog.Total())
}

// drainQueue processes pending observations strictly in arrival order.
func (e *Engine) drainQueue(classify bool, now uint32) {
	for {
		select {
		case obs := <-e.queue:
			if e.isAllowlisted(obs.Addr) {
				continue
			}
			if obs.IsBLE {
				e.bleFrames.Add(1)
			} else {
				e.wifiFrames.Add(1)
			}
			if classify {
				e.classifyObservation(obs, now)
			}
			e.cache.Upsert(obs, now)
		default:
			return
		}
		if e.stopFlag.Load() {
			return
		}
	}
}

func (e *Engine) isAllowlisted(key model.DeviceKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.allowlist[key]
	return ok
}

// updateStats recomputes the aggregate snapshot from the cache rather than
// maintaining counters incrementally, so it cannot drift.
func (e *Engine) updateStats(phaseStart, totalMs uint32) {
	wifi, ble := e.cache.TypeCounts()
	e.stats.Store(model.Stats{
		WifiDevices:   wifi,
		BLEDevices:    ble,
		TotalDevices:  e.cache.SeenCount(),
		WifiHits:      e.wifiFrames.Load(),
		BLEHits:       e.bleFrames.Load(),
		Scanning:      e.running.Load() && !e.stopFlag.Load(),
		Established:   e.established.Load(),
		ElapsedMs:     e.clock() - phaseStart,
		TotalDuration: totalMs,
	})
}

func (e *Engine) flush() {
	if e.st == nil {
		return
	}
	flushed := e.cache.FlushDirty()
	if flushed > 0 && e.logger != nil {
		e.logger.Debug("flushed dirty records", "count", flushed, "stored", e.st.Count())
	}
	e.persistStats()
}

func (e *Engine) persistStats() {
	if e.st == nil || e.statsPath == "" {
		return
	}
	s := e.Stats()
	err := store.WriteStats(e.statsPath, store.StatsFile{
		TotalDevices:  s.TotalDevices,
		WifiDevices:   s.WifiDevices,
		BLEDevices:    s.BLEDevices,
		Established:   e.established.Load(),
		RSSIThreshold: e.Tunables().RSSIThreshold,
		LastUpdate:    e.clock(),
	})
	if err != nil && e.logger != nil {
		e.logger.Warn("stats snapshot write failed", "err", err)
	}
}

func (e *Engine) maintain(now uint32) {
	tun := e.Tunables()
	marked, removed := e.history.Maintain(now, tun.AbsenceThresholdMs, tun.ReappearanceWindowMs)
	stale := 0
	if e.established.Load() {
		stale = e.cache.RemoveStale(now, cacheStaleTimeoutMs)
	}
	if e.logger != nil && (marked > 0 || removed > 0 || stale > 0) {
		e.logger.Debug("maintenance pass", "disappeared", marked, "history_removed", removed, "cache_stale", stale)
	}
}

// broadcastDevices forwards each not-yet-transmitted device once. A failed
// or over-length send is retried on a later cycle.
func (e *Engine) broadcastDevices(transmitted map[model.DeviceKey]struct{}) {
	for _, rec := range e.cache.Snapshot() {
		if _, ok := transmitted[rec.Addr]; ok {
			continue
		}
		line := mesh.FormatDevice(e.nodeID, rec)
		if line == "" {
			transmitted[rec.Addr] = struct{}{}
			continue
		}
		if !e.limiter.Allow("device", e.sendInterval/8) {
			return
		}
		if e.sink.Send(line) {
			transmitted[rec.Addr] = struct{}{}
		}
	}
}

func (e *Engine) broadcastAnomalies(transmitted map[model.DeviceKey]struct{}) {
	for _, hit := range e.anomalyLog.List(0) {
		if _, ok := transmitted[hit.Addr]; ok {
			continue
		}
		line := mesh.FormatAnomaly(e.nodeID, hit)
		if line == "" {
			transmitted[hit.Addr] = struct{}{}
			continue
		}
		if !e.limiter.Allow("device", e.sendInterval/8) {
			return
		}
		if e.sink.Send(line) {
			transmitted[hit.Addr] = struct{}{}
		}
	}
}

// teardown is shared by the stop path and natural completion; only the
// latter emits the summary line.
func (e *Engine) teardown(summary bool, stats model.Stats, transmitted, anomalies uint32) {
	if e.st != nil {
		e.cache.FlushDirty()
		e.persistStats()
	}
	e.membership.Reset()
	if summary && e.sink != nil {
		pending := uint32(0)
		if stats.TotalDevices > transmitted {
			pending = stats.TotalDevices - transmitted
		}
		e.sink.Send(mesh.FormatSummary(e.nodeID, stats, anomalies, transmitted, pending))
	}
	if e.logger != nil {
		e.logger.Info("detection finished", "devices", e.cache.SeenCount(), "anomalies", e.anomalyLog.Total(), "stopped", !summary)
	}
	s := e.Stats()
	s.Scanning = false
	e.stats.Store(s)
}

// cacheRef returns the current RAM cache under the engine lock; Reset may
// swap the cache between runs.
func (e *Engine) cacheRef() *baseline.Cache {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache
}

// Results renders the human-readable report served by the command layer.
func (e *Engine) Results() string {
	cache := e.cacheRef()
	var b strings.Builder
	if e.established.Load() {
		s := e.Stats()
		b.WriteString("=== BASELINE ESTABLISHED ===\n")
		fmt.Fprintf(&b, "Total devices in baseline: %d\n", cache.SeenCount())
		fmt.Fprintf(&b, "WiFi devices: %d\n", s.WifiDevices)
		fmt.Fprintf(&b, "BLE devices: %d\n", s.BLEDevices)
		fmt.Fprintf(&b, "RSSI threshold: %d dBm\n\n", e.Tunables().RSSIThreshold)

		b.WriteString("=== BASELINE DEVICES (cached in RAM) ===\n")
		for _, dev := range cache.Snapshot() {
			fmt.Fprintf(&b, "%s %s Avg:%ddBm Min:%ddBm Max:%ddBm Hits:%d",
				deviceWord(dev.IsBLE), dev.Addr.String(), dev.AvgRSSI, dev.MinRSSI, dev.MaxRSSI, dev.HitCount)
			if !dev.IsBLE && dev.Channel > 0 {
				fmt.Fprintf(&b, " CH:%d", dev.Channel)
			}
			if !model.IsPlaceholderName(dev.Name) {
				fmt.Fprintf(&b, " %q", dev.Name)
			}
			b.WriteByte('\n')
		}

		b.WriteString("\n=== ANOMALIES DETECTED ===\n")
		fmt.Fprintf(&b, "Total anomalies: %d\n\n", e.anomalyLog.Total())
		for _, hit := range e.anomalyLog.List(0) {
			fmt.Fprintf(&b, "%s %s RSSI:%ddBm", deviceWord(hit.IsBLE), hit.Addr.String(), hit.RSSI)
			if !hit.IsBLE && hit.Channel > 0 {
				fmt.Fprintf(&b, " CH:%d", hit.Channel)
			}
			if !model.IsPlaceholderName(hit.Name) {
				fmt.Fprintf(&b, " %q", hit.Name)
			}
			fmt.Fprintf(&b, " - %s\n", hit.Reason)
		}
	} else {
		b.WriteString("Baseline not yet established\n")
		fmt.Fprintf(&b, "Devices detected so far: %d\n", cache.SeenCount())
	}
	return b.String()
}

func deviceWord(isBLE bool) string {
	if isBLE {
		return "BLE "
	}
	return "WiFi"
}
