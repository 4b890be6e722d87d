package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"basewatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/basewatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS anomalies (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			node_id TEXT NOT NULL,
			addr TEXT NOT NULL,
			radio TEXT NOT NULL,
			channel INTEGER NOT NULL,
			rssi INTEGER NOT NULL,
			anomaly_type TEXT NOT NULL,
			reason TEXT NOT NULL,
			name TEXT,
			detected_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON anomalies(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_addr ON anomalies(addr)`,
		`CREATE TABLE IF NOT EXISTS stats (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			node_id TEXT NOT NULL,
			total_devices INTEGER NOT NULL,
			wifi_devices INTEGER NOT NULL,
			ble_devices INTEGER NOT NULL,
			wifi_hits INTEGER NOT NULL,
			ble_hits INTEGER NOT NULL,
			established BOOLEAN NOT NULL
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

func (s *postgresStore) SaveAnomaly(ctx context.Context, nodeID string, hit model.AnomalyHit) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anomalies (ts, node_id, addr, radio, channel, rssi, anomaly_type, reason, name, detected_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
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

func (s *postgresStore) SaveStats(ctx context.Context, nodeID string, stats model.Stats) error {
	if s.db == nil || nodeID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stats (ts, node_id, total_devices, wifi_devices, ble_devices, wifi_hits, ble_hits, established)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
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
