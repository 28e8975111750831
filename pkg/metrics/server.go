// Package metrics exposes Prometheus metrics for parkzend
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parkzen/parkzend/pkg/devices"
	"github.com/parkzen/parkzend/pkg/engine"
	"github.com/parkzen/parkzend/pkg/geofence"
	"github.com/parkzen/parkzend/pkg/history"
	"github.com/parkzen/parkzend/pkg/logx"
)

// Server provides Prometheus metrics for parkzend. It implements
// engine.Observer for event counters and polls the stores for gauges.
type Server struct {
	history   *history.Store
	geofences *geofence.Store
	registry  *devices.Registry
	logger    *logx.Logger
	server    *http.Server
	startTime time.Time

	parkedRecords *prometheus.CounterVec
	fixRequests   *prometheus.CounterVec
	fixDelivered  *prometheus.CounterVec
	fixTimeouts   *prometheus.CounterVec
	stateChanges  *prometheus.CounterVec

	engineState   *prometheus.GaugeVec
	historySize   prometheus.Gauge
	geofenceCount prometheus.Gauge
	deviceCount   *prometheus.GaugeVec
	daemonUptime  prometheus.Gauge
}

// NewServer creates a new metrics server
func NewServer(hist *history.Store, geofences *geofence.Store, registry *devices.Registry, logger *logx.Logger) *Server {
	s := &Server{
		history:   hist,
		geofences: geofences,
		registry:  registry,
		logger:    logger,
		startTime: time.Now(),
	}
	s.registerMetrics()
	return s
}

// registerMetrics registers all Prometheus metrics
func (s *Server) registerMetrics() {
	s.parkedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkzend_parked_records_total",
			Help: "Total number of parked-location records committed",
		},
		[]string{},
	)

	s.fixRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkzend_fix_requests_total",
			Help: "Total on-demand location fix requests by reason",
		},
		[]string{"reason"},
	)

	s.fixDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkzend_fix_delivered_total",
			Help: "Total fixes delivered against an outstanding request",
		},
		[]string{"reason"},
	)

	s.fixTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkzend_fix_timeouts_total",
			Help: "Total fix requests that timed out by reason",
		},
		[]string{"reason"},
	)

	s.stateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkzend_engine_transitions_total",
			Help: "Total engine state transitions",
		},
		[]string{"from", "to"},
	)

	s.engineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parkzend_engine_state",
			Help: "Current engine state (1 for active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	s.historySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parkzend_history_records",
		Help: "Number of live parked-location records",
	})

	s.geofenceCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parkzend_geofences",
		Help: "Number of stored geofences",
	})

	s.deviceCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parkzend_devices",
			Help: "Number of registered devices by connection state",
		},
		[]string{"connected"},
	)

	s.daemonUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parkzend_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	prometheus.MustRegister(
		s.parkedRecords,
		s.fixRequests,
		s.fixDelivered,
		s.fixTimeouts,
		s.stateChanges,
		s.engineState,
		s.historySize,
		s.geofenceCount,
		s.deviceCount,
		s.daemonUptime,
	)
}

// FixRequested implements engine.Observer
func (s *Server) FixRequested(reason engine.Reason) {
	s.fixRequests.WithLabelValues(string(reason)).Inc()
}

// FixDelivered implements engine.Observer
func (s *Server) FixDelivered(reason engine.Reason) {
	s.fixDelivered.WithLabelValues(string(reason)).Inc()
}

// FixTimedOut implements engine.Observer
func (s *Server) FixTimedOut(reason engine.Reason) {
	s.fixTimeouts.WithLabelValues(string(reason)).Inc()
}

// ParkedRecorded implements engine.Observer
func (s *Server) ParkedRecorded(_ history.Record) {
	s.parkedRecords.WithLabelValues().Inc()
}

// StateChanged implements engine.Observer
func (s *Server) StateChanged(from, to engine.State) {
	s.stateChanges.WithLabelValues(string(from), string(to)).Inc()
	for _, st := range []engine.State{
		engine.StateIdle,
		engine.StateAwaitingDisconnectFix,
		engine.StateAwaitingTravelFix,
	} {
		value := 0.0
		if st == to {
			value = 1.0
		}
		s.engineState.WithLabelValues(string(st)).Set(value)
	}
}

// Start runs the metrics HTTP listener and the gauge collection loop
// until the context is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go s.collectLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("metrics server listening", "addr", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// collectLoop refreshes store-derived gauges
func (s *Server) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *Server) collect() {
	s.historySize.Set(float64(len(s.history.All())))
	s.geofenceCount.Set(float64(len(s.geofences.All())))

	connected, disconnected := 0, 0
	for _, d := range s.registry.All() {
		if d.Connected {
			connected++
		} else {
			disconnected++
		}
	}
	s.deviceCount.WithLabelValues("true").Set(float64(connected))
	s.deviceCount.WithLabelValues("false").Set(float64(disconnected))

	s.daemonUptime.Set(time.Since(s.startTime).Seconds())
}
