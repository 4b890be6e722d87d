package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"basewatch/internal/config"
	"basewatch/internal/engine"
)

// Server exposes node control and read-only state over HTTP. Every read is
// served from RAM snapshots; no handler touches the registry file.
type Server struct {
	cfg     *config.Manager
	engine  *engine.Engine
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status      string       `json:"status"`
	Time        string       `json:"time"`
	Version     string       `json:"version"`
	NodeID      string       `json:"node_id"`
	Scanning    bool         `json:"scanning"`
	Established bool         `json:"established"`
	Store       bool         `json:"store_available"`
	Stats       statsBody    `json:"stats"`
	Ingest      ingestStatus `json:"ingest"`
}

type statsBody struct {
	TotalDevices  uint32 `json:"total_devices"`
	WifiDevices   uint32 `json:"wifi_devices"`
	BLEDevices    uint32 `json:"ble_devices"`
	WifiHits      uint32 `json:"wifi_hits"`
	BLEHits       uint32 `json:"ble_hits"`
	ElapsedMs     uint32 `json:"elapsed_ms"`
	TotalDuration uint32 `json:"total_duration_ms"`
	Anomalies     uint32 `json:"anomalies"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

func Start(ctx context.Context, cfg *config.Manager, eng *engine.Engine, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{cfg: cfg, engine: eng, logger: logger, version: version}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/results", server.handleResults)
	mux.HandleFunc("/anomalies", server.handleAnomalies)
	mux.HandleFunc("/detect/start", server.handleStart)
	mux.HandleFunc("/detect/stop", server.handleStop)
	mux.HandleFunc("/detect/reset", server.handleReset)
	mux.HandleFunc("/config/tuning", server.handleTuning)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	stats := s.engine.Stats()
	resp := statusResponse{
		Status:      "ok",
		Time:        time.Now().UTC().Format(time.RFC3339Nano),
		Version:     s.version,
		NodeID:      cfg.NodeID,
		Scanning:    s.engine.Running(),
		Established: s.engine.Established(),
		Store:       s.engine.StoreAvailable(),
		Stats: statsBody{
			TotalDevices:  stats.TotalDevices,
			WifiDevices:   stats.WifiDevices,
			BLEDevices:    stats.BLEDevices,
			WifiHits:      stats.WifiHits,
			BLEHits:       stats.BLEHits,
			ElapsedMs:     stats.ElapsedMs,
			TotalDuration: stats.TotalDuration,
			Anomalies:     s.engine.AnomalyLog().Total(),
		},
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, s.engine.Results())
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	log := s.engine.AnomalyLog()
	list := log.List(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": list,
		"count":     len(list),
		"total":     log.Total(),
		"by_type":   log.CountByType(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		DurationSec int `json:"duration_sec"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	if err := s.engine.Start(time.Duration(req.DurationSec) * time.Second); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started", "duration_sec": req.DurationSec})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.engine.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopping"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.engine.Reset(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

// handleTuning reads or adjusts the live detection parameters. A POST may
// carry any subset of fields; each is applied independently, and rejected
// values are reported without aborting the rest.
func (s *Server) handleTuning(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"tuning": s.engine.Tunables()})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req struct {
			RSSIThreshold         *int `json:"rssi_threshold"`
			RAMCacheSize          *int `json:"ram_cache_size"`
			StoreMaxDevices       *int `json:"store_max_devices"`
			AbsenceThresholdSec   *int `json:"absence_threshold_sec"`
			ReappearanceWindowSec *int `json:"reappearance_window_sec"`
			SignificantChange     *int `json:"significant_change"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rejected := []string{}
		if req.RSSIThreshold != nil && !s.engine.SetRSSIThreshold(*req.RSSIThreshold) {
			rejected = append(rejected, "rssi_threshold")
		}
		if req.RAMCacheSize != nil && !s.engine.SetRAMCacheSize(*req.RAMCacheSize) {
			rejected = append(rejected, "ram_cache_size")
		}
		if req.StoreMaxDevices != nil && !s.engine.SetStoreMaxDevices(*req.StoreMaxDevices) {
			rejected = append(rejected, "store_max_devices")
		}
		if req.AbsenceThresholdSec != nil && !s.engine.SetAbsenceThreshold(time.Duration(*req.AbsenceThresholdSec)*time.Second) {
			rejected = append(rejected, "absence_threshold_sec")
		}
		if req.ReappearanceWindowSec != nil && !s.engine.SetReappearanceWindow(time.Duration(*req.ReappearanceWindowSec)*time.Second) {
			rejected = append(rejected, "reappearance_window_sec")
		}
		if req.SignificantChange != nil && !s.engine.SetSignificantChange(*req.SignificantChange) {
			rejected = append(rejected, "significant_change")
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tuning":   s.engine.Tunables(),
			"rejected": rejected,
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
