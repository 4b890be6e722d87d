package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"basewatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:basewatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			node_id TEXT NOT NULL,
			addr TEXT NOT NULL,
			radio TEXT NOT NULL,
			channel INTEGER NOT NULL,
			rssi INTEGER NOT NULL,
			anomaly_type TEXT NOT NULL,
			reason TEXT NOT NULL,
			name TEXT,
			detected_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON anomalies(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_addr ON anomalies(addr)`,
		`CREATE TABLE IF NOT EXISTS stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			node_id TEXT NOT NULL,
			total_devices INTEGER NOT NULL,
			wifi_devices INTEGER NOT NULL,
			ble_devices INTEGER NOT NULL,
			wifi_hits INTEGER NOT NULL,
			ble_hits INTEGER NOT NULL,
			established INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stats_node ON stats(node_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveAnomaly(ctx context.Context, nodeID string, hit model.AnomalyHit) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anomalies (ts, node_id, addr, radio, channel, rssi, anomaly_type, reason, name, detected_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nowUTC(),
		nodeID,
		hit.Addr.String(),
		radioWord(hit.IsBLE),
		hit.Channel,
		hit.RSSI,
		string(hit.Type),
		hit.Reason,
		hit.Name,
		hit.Timestamp,
	)
	return err
}

func (s *sqliteStore) SaveStats(ctx context.Context, nodeID string, stats model.Stats) error {
	if s.db == nil || nodeID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stats (ts, node_id, total_devices, wifi_devices, ble_devices, wifi_hits, ble_hits, established)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nowUTC(),
		nodeID,
		stats.TotalDevices,
		stats.WifiDevices,
		stats.BLEDevices,
		stats.WifiHits,
		stats.BLEHits,
		stats.Established,
	)
	return err
}
