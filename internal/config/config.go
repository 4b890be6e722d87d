package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NodeID    string          `json:"node_id" yaml:"node_id"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Registry  RegistryConfig  `json:"registry" yaml:"registry"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Mesh      MeshConfig      `json:"mesh" yaml:"mesh"`
	API       APIConfig       `json:"api" yaml:"api"`
	Audit     AuditConfig     `json:"audit" yaml:"audit"`
	Allowlist []string        `json:"allowlist" yaml:"allowlist"`
}

// DetectionConfig carries the six engine tunables plus phase durations.
// Validate enforces hard ranges; anything outside them is rejected so the
// previous value stays in force.
type DetectionConfig struct {
	RSSIThreshold      int           `json:"rssi_threshold" yaml:"rssi_threshold"`
	RAMCacheSize       int           `json:"ram_cache_size" yaml:"ram_cache_size"`
	StoreMaxDevices    int           `json:"store_max_devices" yaml:"store_max_devices"`
	AbsenceThreshold   time.Duration `json:"absence_threshold" yaml:"absence_threshold"`
	ReappearanceWindow time.Duration `json:"reappearance_window" yaml:"reappearance_window"`
	SignificantChange  int           `json:"significant_change" yaml:"significant_change"`
	BaselineDuration   time.Duration `json:"baseline_duration" yaml:"baseline_duration"`
}

type RegistryConfig struct {
	DataPath  string `json:"data_path" yaml:"data_path"`
	StatsPath string `json:"stats_path" yaml:"stats_path"`
}

type IngestConfig struct {
	QueueSize int             `json:"queue_size" yaml:"queue_size"`
	REST      RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MeshConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Addr         string        `json:"addr" yaml:"addr"`
	SendInterval time.Duration `json:"send_interval" yaml:"send_interval"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

func DefaultConfig() *Config {
	return &Config{
		NodeID:    "node01",
		LogLevel:  "info",
		LogFormat: "json",
		Detection: DetectionConfig{
			RSSIThreshold:      -60,
			RAMCacheSize:       400,
			StoreMaxDevices:    50000,
			AbsenceThreshold:   2 * time.Minute,
			ReappearanceWindow: 5 * time.Minute,
			SignificantChange:  20,
			BaselineDuration:   5 * time.Minute,
		},
		Registry: RegistryConfig{
			DataPath:  "baseline_data.bin",
			StatsPath: "baseline_stats.txt",
		},
		Ingest: IngestConfig{
			QueueSize: 512,
			REST:      RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream: TCPStreamConfig{Enabled: false, Addr: ":9000"},
			Kafka:     KafkaConfig{Enabled: false},
		},
		Mesh:  MeshConfig{Enabled: false, SendInterval: 5 * time.Second},
		API:   APIConfig{Enabled: true, Addr: ":8081"},
		Audit: AuditConfig{Enabled: false, Driver: "sqlite", DSN: "file:basewatch.db?_pragma=busy_timeout(5000)"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.NodeID == "" {
		cfg.NodeID = "node01"
	}
	if cfg.Ingest.QueueSize <= 0 {
		cfg.Ingest.QueueSize = 512
	}
	if cfg.Registry.DataPath == "" {
		cfg.Registry.DataPath = "baseline_data.bin"
	}
	if cfg.Registry.StatsPath == "" {
		cfg.Registry.StatsPath = "baseline_stats.txt"
	}
	if cfg.Mesh.SendInterval <= 0 {
		cfg.Mesh.SendInterval = 5 * time.Second
	}
	d := &cfg.Detection
	if d.RSSIThreshold == 0 {
		d.RSSIThreshold = -60
	}
	if d.RAMCacheSize == 0 {
		d.RAMCacheSize = 400
	}
	if d.StoreMaxDevices == 0 {
		d.StoreMaxDevices = 50000
	}
	if d.AbsenceThreshold == 0 {
		d.AbsenceThreshold = 2 * time.Minute
	}
	if d.ReappearanceWindow == 0 {
		d.ReappearanceWindow = 5 * time.Minute
	}
	if d.SignificantChange == 0 {
		d.SignificantChange = 20
	}
	if d.BaselineDuration == 0 {
		d.BaselineDuration = 5 * time.Minute
	}
}

func Validate(cfg *Config) error {
	d := cfg.Detection
	if d.RSSIThreshold < -100 || d.RSSIThreshold > -30 {
		return fmt.Errorf("detection.rssi_threshold %d outside -100..-30 dBm", d.RSSIThreshold)
	}
	if d.RAMCacheSize < 200 || d.RAMCacheSize > 500 {
		return fmt.Errorf("detection.ram_cache_size %d outside 200..500", d.RAMCacheSize)
	}
	if d.StoreMaxDevices < 1000 || d.StoreMaxDevices > 100000 {
		return fmt.Errorf("detection.store_max_devices %d outside 1000..100000", d.StoreMaxDevices)
	}
	if d.AbsenceThreshold < 30*time.Second || d.AbsenceThreshold > 10*time.Minute {
		return fmt.Errorf("detection.absence_threshold %s outside 30s..10m", d.AbsenceThreshold)
	}
	if d.ReappearanceWindow < time.Minute || d.ReappearanceWindow > 30*time.Minute {
		return fmt.Errorf("detection.reappearance_window %s outside 1m..30m", d.ReappearanceWindow)
	}
	if d.SignificantChange < 5 || d.SignificantChange > 50 {
		return fmt.Errorf("detection.significant_change %d outside 5..50 dB", d.SignificantChange)
	}
	if d.BaselineDuration <= 0 {
		return errors.New("detection.baseline_duration must be > 0")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Mesh.Enabled && cfg.Mesh.Addr == "" {
		return errors.New("mesh.addr required when mesh.enabled is true")
	}
	for _, a := range cfg.Allowlist {
		if !looksLikeAddr(a) {
			return fmt.Errorf("allowlist entry %q is not a hardware address", a)
		}
	}
	return nil
}

func looksLikeAddr(s string) bool {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", ":")
	return len(strings.Split(s, ":")) == 6
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file; Update
// and Reload only touch the stored value.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}
