package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"basewatch/internal/config"
	"basewatch/internal/model"
)

// Store is the off-node audit sink: every classified anomaly plus periodic
// aggregate snapshots. It is never on the detection path; the worker only
// talks to the bounded notification queue.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAnomaly(ctx context.Context, nodeID string, hit model.AnomalyHit) error
	SaveStats(ctx context.Context, nodeID string, stats model.Stats) error
}

// NewStore returns (nil, nil) when auditing is disabled.
func NewStore(cfg config.AuditConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported audit driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func radioWord(isBLE bool) string {
	if isBLE {
		return "ble"
	}
	return "wifi"
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
