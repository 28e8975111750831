package pkg

import (
	"context"
	"time"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle math
const EarthRadiusMeters = 6371000.0

// Coordinate represents a WGS84 point
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Fix represents one location sample delivered by the location provider
type Fix struct {
	Coordinate Coordinate `json:"coordinate"`
	SpeedMPS   float64    `json:"speed_mps"`  // negative when unknown
	AccuracyM  float64    `json:"accuracy_m"` // horizontal accuracy in meters
	Timestamp  time.Time  `json:"timestamp"`
	Valid      bool       `json:"valid"`
}

// Haversine returns the great-circle distance between two coordinates in meters
func Haversine(a, b Coordinate) float64 {
	p1 := s2.LatLngFromDegrees(a.Lat, a.Lon)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// ActivityKind represents a single motion-activity classification
type ActivityKind string

const (
	ActivityStationary ActivityKind = "stationary"
	ActivityWalking    ActivityKind = "walking"
	ActivityRunning    ActivityKind = "running"
	ActivityCycling    ActivityKind = "cycling"
	ActivityDriving    ActivityKind = "driving"
	ActivityUnknown    ActivityKind = "unknown"
)

// Confidence represents the classifier's confidence in an activity sample
type Confidence int

const (
	ConfidenceLow    Confidence = 0
	ConfidenceMedium Confidence = 1
	ConfidenceHigh   Confidence = 2
)

// Region represents a circular region handed to the location provider
// for monitoring
type Region struct {
	Identifier    string     `json:"identifier"`
	Center        Coordinate `json:"center"`
	RadiusM       float64    `json:"radius_m"`
	NotifyOnEntry bool       `json:"notify_on_entry"`
	NotifyOnExit  bool       `json:"notify_on_exit"`
}

// LocationProvider is the platform location service as seen by the core.
// RequestLocation asks for exactly one on-demand fix; the fix arrives
// through the engine's fix entry point, not as a return value.
type LocationProvider interface {
	RequestLocation(ctx context.Context) error
	StartMonitoring(region Region) error
	StopMonitoring(identifier string) error
}

// Notifier delivers a best-effort user notification
type Notifier interface {
	Notify(ctx context.Context, message string) error
}
