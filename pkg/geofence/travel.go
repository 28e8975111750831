package geofence

import (
	"github.com/parkzen/parkzend/pkg"
	"github.com/parkzen/parkzend/pkg/logx"
)

// TravelIdentifier is the reserved identifier of the single dynamic
// travel geofence
const TravelIdentifier = "TRAVELGEO"

// TravelConfig controls travel geofence sizing
type TravelConfig struct {
	// RadiusPerMPS scales the radius with the speed of the fix the
	// geofence is centered on, so a faster-moving user gets a wider
	// fence before the next wake-up.
	RadiusPerMPS  float64 `json:"radius_per_mps"`
	DefaultRadius float64 `json:"default_radius_m"` // used when speed is unknown
	MinRadius     float64 `json:"min_radius_m"`
	MaxRadius     float64 `json:"max_radius_m"`
}

// DefaultTravelConfig returns default travel geofence sizing
func DefaultTravelConfig() TravelConfig {
	return TravelConfig{
		RadiusPerMPS:  20.0,
		DefaultRadius: 300.0,
		MinRadius:     100.0,
		MaxRadius:     1000.0,
	}
}

// TravelManager (re)installs the single exit-triggered travel geofence
// centered on the most recent location fix
type TravelManager struct {
	config   TravelConfig
	store    *Store
	provider pkg.LocationProvider
	logger   *logx.Logger
}

// NewTravelManager creates a travel geofence manager
func NewTravelManager(config TravelConfig, store *Store, provider pkg.LocationProvider, logger *logx.Logger) *TravelManager {
	if config.RadiusPerMPS <= 0 {
		config = DefaultTravelConfig()
	}
	return &TravelManager{
		config:   config,
		store:    store,
		provider: provider,
		logger:   logger,
	}
}

// Radius computes the travel geofence radius for a fix
func (tm *TravelManager) Radius(fix pkg.Fix) float64 {
	radius := tm.config.DefaultRadius
	if fix.SpeedMPS > 0 {
		radius = fix.SpeedMPS * tm.config.RadiusPerMPS
	}
	if radius < tm.config.MinRadius {
		radius = tm.config.MinRadius
	}
	if radius > tm.config.MaxRadius {
		radius = tm.config.MaxRadius
	}
	return radius
}

// Install replaces the travel geofence with one centered on the fix and
// asks the location provider to monitor it. Each call supersedes the
// previous travel geofence; there is never more than one.
func (tm *TravelManager) Install(fix pkg.Fix) error {
	g := Geofence{
		Identifier: TravelIdentifier,
		Center:     fix.Coordinate,
		RadiusM:    tm.Radius(fix),
		Trigger:    OnExit,
	}

	if err := tm.store.Replace(TravelIdentifier, g); err != nil {
		return err
	}

	if err := tm.provider.StartMonitoring(g.Region()); err != nil {
		// Monitoring unavailability is surfaced to the caller but the
		// store entry stays; the next install supersedes it.
		tm.logger.Warn("travel geofence monitoring unavailable",
			"identifier", TravelIdentifier,
			"error", err,
		)
		return err
	}

	tm.logger.Info("travel geofence installed",
		"lat", g.Center.Lat,
		"lon", g.Center.Lon,
		"radius_m", g.RadiusM,
	)
	return nil
}

// Consume removes the travel geofence after its exit trigger fired and
// stops provider monitoring for it
func (tm *TravelManager) Consume() error {
	if err := tm.provider.StopMonitoring(TravelIdentifier); err != nil {
		tm.logger.Debug("stop monitoring failed", "identifier", TravelIdentifier, "error", err)
	}
	return tm.store.Remove(TravelIdentifier)
}
