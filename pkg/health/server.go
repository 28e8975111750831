// Package health provides the /healthz endpoint for parkzend
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/parkzen/parkzend/pkg/devices"
	"github.com/parkzen/parkzend/pkg/engine"
	"github.com/parkzen/parkzend/pkg/geofence"
	"github.com/parkzen/parkzend/pkg/history"
	"github.com/parkzen/parkzend/pkg/logx"
)

// Server provides health check endpoints for parkzend
type Server struct {
	engine    *engine.Engine
	history   *history.Store
	geofences *geofence.Store
	registry  *devices.Registry
	logger    *logx.Logger
	server    *http.Server
	startTime time.Time
	version   string
}

// Status is the payload returned by /healthz
type Status struct {
	Status        string     `json:"status"`
	Timestamp     time.Time  `json:"timestamp"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	Version       string     `json:"version"`
	EngineState   string     `json:"engine_state"`
	PendingReason string     `json:"pending_reason"`
	HistorySize   int        `json:"history_size"`
	GeofenceCount int        `json:"geofence_count"`
	DeviceCount   int        `json:"device_count"`
	Memory        MemoryInfo `json:"memory"`
}

// MemoryInfo represents memory usage information
type MemoryInfo struct {
	Alloc     uint64 `json:"alloc_bytes"`
	Sys       uint64 `json:"sys_bytes"`
	HeapInuse uint64 `json:"heap_inuse_bytes"`
}

// NewServer creates a health server
func NewServer(eng *engine.Engine, hist *history.Store, geofences *geofence.Store, registry *devices.Registry, version string, logger *logx.Logger) *Server {
	return &Server{
		engine:    eng,
		history:   hist,
		geofences: geofences,
		registry:  registry,
		logger:    logger,
		startTime: time.Now(),
		version:   version,
	}
}

// Start runs the health listener until the context is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("health server listening", "addr", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := Status{
		Status:        "ok",
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Version:       s.version,
		EngineState:   string(s.engine.State()),
		PendingReason: string(s.engine.PendingReason()),
		HistorySize:   len(s.history.All()),
		GeofenceCount: len(s.geofences.All()),
		DeviceCount:   len(s.registry.All()),
		Memory: MemoryInfo{
			Alloc:     mem.Alloc,
			Sys:       mem.Sys,
			HeapInuse: mem.HeapInuse,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("failed to encode health status", "error", err)
	}
}
