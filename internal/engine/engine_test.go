package engine

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"basewatch/internal/baseline"
	"basewatch/internal/config"
	"basewatch/internal/model"
	"basewatch/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.Registry.DataPath = filepath.Join(dir, "registry.bin")
	cfg.Registry.StatsPath = filepath.Join(dir, "stats.txt")
	cfg.Detection.BaselineDuration = 100 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, withStore bool) *Engine {
	t.Helper()
	var st *store.Store
	if withStore {
		var err error
		st, err = store.Open(cfg.Registry.DataPath, cfg.Detection.StoreMaxDevices, nil)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { st.Close() })
	}
	return New(cfg, st, nil, nil)
}

func addr(last byte) model.DeviceKey {
	return model.DeviceKey{0x04, 0x00, 0x00, 0x00, 0x00, last}
}

func observation(last byte, rssi int8) model.Observation {
	return model.Observation{Addr: addr(last), RSSI: rssi}
}

func TestClassifierRSSIGate(t *testing.T) {
	e := newTestEngine(t, testConfig(t), false)
	// Threshold is -60: a weaker signal must not be classified or tracked.
	e.classifyObservation(observation(1, -65), 1000)
	if e.anomalyLog.Total() != 0 {
		t.Fatal("sub-threshold observation classified")
	}
	if e.history.Len() != 0 {
		t.Fatal("sub-threshold observation entered history")
	}
}

func TestClassifierNewDeviceOnce(t *testing.T) {
	e := newTestEngine(t, testConfig(t), false)
	e.classifyObservation(observation(1, -50), 1000)
	if e.anomalyLog.Total() != 1 {
		t.Fatalf("total = %d, want 1", e.anomalyLog.Total())
	}
	hits := e.anomalyLog.List(0)
	if hits[0].Type != model.AnomalyNew {
		t.Fatalf("type = %s, want new", hits[0].Type)
	}
	// Repeat sightings of the same unknown device stay quiet.
	e.classifyObservation(observation(1, -50), 2000)
	e.classifyObservation(observation(1, -50), 3000)
	if e.anomalyLog.Total() != 1 {
		t.Fatalf("total = %d after repeats, want 1", e.anomalyLog.Total())
	}
}

func TestClassifierBaselineMemberSilent(t *testing.T) {
	e := newTestEngine(t, testConfig(t), false)
	e.cache.Upsert(observation(1, -50), 500)
	e.classifyObservation(observation(1, -50), 1000)
	if e.anomalyLog.Total() != 0 {
		t.Fatal("baseline member raised an anomaly")
	}
}

func TestClassifierEvictedMemberStillSilent(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, true)
	// Shrink the cache so the first device gets evicted to the store.
	e.cache = baseline.NewCache(2, e.st, nil)
	e.membership = baseline.NewMembership(e.cache, e.st, e.clock)
	e.cache.Upsert(observation(1, -50), 100)
	e.cache.Upsert(observation(2, -50), 200)
	e.cache.Upsert(observation(3, -50), 300)
	if e.cache.Contains(addr(1)) {
		t.Fatal("expected device 1 evicted")
	}
	e.classifyObservation(observation(1, -50), 1000)
	if e.anomalyLog.Total() != 0 {
		t.Fatal("store-resident member flagged as new")
	}
}

func TestClassifierReturned(t *testing.T) {
	e := newTestEngine(t, testConfig(t), false)
	tun := e.Tunables()
	e.cache.Upsert(observation(1, -50), 500)
	e.classifyObservation(observation(1, -50), 1000)

	// Absent long enough for maintenance to mark it, back within the window.
	mark := 1000 + tun.AbsenceThresholdMs + 1000
	e.history.Maintain(mark, tun.AbsenceThresholdMs, tun.ReappearanceWindowMs)
	e.classifyObservation(observation(1, -50), mark+60000)

	if e.anomalyLog.Total() != 1 {
		t.Fatalf("total = %d, want 1", e.anomalyLog.Total())
	}
	hit := e.anomalyLog.List(0)[0]
	if hit.Type != model.AnomalyReturned {
		t.Fatalf("type = %s, want returned", hit.Type)
	}
}

func TestClassifierSignalChangeDebounced(t *testing.T) {
	e := newTestEngine(t, testConfig(t), false)
	e.cache.Upsert(observation(1, -50), 500)
	e.classifyObservation(observation(1, -50), 1000)

	e.classifyObservation(observation(1, -75), 2000)
	e.classifyObservation(observation(1, -50), 3000)
	if e.anomalyLog.Total() != 0 {
		t.Fatal("fired before the debounce count")
	}
	e.classifyObservation(observation(1, -75), 4000)
	if e.anomalyLog.Total() != 1 {
		t.Fatalf("total = %d, want 1 after third swing", e.anomalyLog.Total())
	}
	if e.anomalyLog.List(0)[0].Type != model.AnomalySignalChange {
		t.Fatal("wrong anomaly type")
	}
}

func TestTunableSettersClamp(t *testing.T) {
	e := newTestEngine(t, testConfig(t), false)
	if e.SetRSSIThreshold(-10) {
		t.Fatal("accepted rssi threshold above range")
	}
	if e.Tunables().RSSIThreshold != -60 {
		t.Fatal("rejected set mutated the value")
	}
	if !e.SetRSSIThreshold(-72) {
		t.Fatal("rejected in-range rssi threshold")
	}
	if e.Tunables().RSSIThreshold != -72 {
		t.Fatal("accepted set not applied")
	}
	if e.SetSignificantChange(3) || e.SetRAMCacheSize(50) || e.SetStoreMaxDevices(10) {
		t.Fatal("accepted out-of-range tunable")
	}
	if e.SetAbsenceThreshold(time.Second) || e.SetReappearanceWindow(time.Hour) {
		t.Fatal("accepted out-of-range duration")
	}
	if !e.SetAbsenceThreshold(3 * time.Minute) {
		t.Fatal("rejected in-range absence threshold")
	}
	if e.Tunables().AbsenceThresholdMs != 180000 {
		t.Fatalf("absence = %dms", e.Tunables().AbsenceThresholdMs)
	}
}

func TestAllowlistSkipsObservation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Allowlist = []string{"04:00:00:00:00:01"}
	e := newTestEngine(t, cfg, false)
	if !e.isAllowlisted(addr(1)) {
		t.Fatal("configured address not allowlisted")
	}
	if e.isAllowlisted(addr(2)) {
		t.Fatal("unlisted address allowlisted")
	}
}

func TestResetClearsEverything(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, true)
	e.cache.Upsert(observation(1, -50), 100)
	e.cache.Upsert(observation(2, -50), 200)
	e.cache.FlushDirty()
	e.classifyObservation(observation(9, -50), 300)
	if e.st.Count() == 0 || e.anomalyLog.Total() == 0 {
		t.Fatal("test setup produced no state")
	}

	if err := e.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if e.cache.Len() != 0 || e.cache.SeenCount() != 0 {
		t.Fatal("cache survived reset")
	}
	if e.history.Len() != 0 {
		t.Fatal("history survived reset")
	}
	if e.anomalyLog.Total() != 0 {
		t.Fatal("anomaly log survived reset")
	}
	if e.st == nil || e.st.Count() != 0 {
		t.Fatal("registry not recreated empty")
	}
	if e.Established() {
		t.Fatal("established flag survived reset")
	}
}

func TestResetRejectedWhileRunning(t *testing.T) {
	e := newTestEngine(t, testConfig(t), false)
	e.running.Store(true)
	if err := e.Reset(); err == nil {
		t.Fatal("reset allowed during an active run")
	}
	e.running.Store(false)
}

func TestRunLifecycle(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, false)

	// Device A is seen during the establishing phase and becomes baseline.
	e.Queue() <- observation(1, -50)
	if err := e.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(0); err == nil {
		t.Fatal("second start accepted while running")
	}

	waitFor(t, 2*time.Second, e.Established, "baseline establishment")
	if !e.Running() {
		t.Fatal("engine not running in monitoring phase")
	}

	// Device B appears only now: it must classify as new.
	e.Queue() <- observation(2, -50)
	waitFor(t, 2*time.Second, func() bool { return e.anomalyLog.Total() > 0 }, "anomaly for unknown device")
	hit := e.anomalyLog.List(0)[0]
	if hit.Type != model.AnomalyNew || hit.Addr != addr(2) {
		t.Fatalf("unexpected anomaly: %+v", hit)
	}
	// Device A stays silent.
	for _, h := range e.anomalyLog.List(0) {
		if h.Addr == addr(1) {
			t.Fatal("baseline device raised an anomaly")
		}
	}

	e.Stop()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	if e.Running() {
		t.Fatal("running flag stuck after stop")
	}
}

// Exercises every externally reachable read and tunable write while the
// worker mutates the registry at full rate; run with -race.
func TestReadersDuringActiveRun(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, true)
	if err := e.Start(300 * time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}

	stopProducer := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stopProducer:
				return
			default:
			}
			o := model.Observation{
				Addr: model.DeviceKey{0x06, 0, 0, 0, byte(i >> 8), byte(i)},
				RSSI: -50,
			}
			select {
			case e.Queue() <- o:
			default:
			}
			if i%64 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		_ = e.Results()
		_ = e.Stats()
		_ = e.StoreAvailable()
		_ = e.AnomalyLog().List(0)
		if !e.SetStoreMaxDevices(2000) {
			t.Fatal("in-range store cap rejected")
		}
		if err := e.Reset(); err == nil {
			t.Fatal("reset accepted during an active run")
		}
	}
	close(stopProducer)
	wg.Wait()

	e.Stop()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	if e.Results() == "" {
		t.Fatal("empty results after run")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
