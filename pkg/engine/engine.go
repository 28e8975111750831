// Package engine implements the parked-location inference state
// machine. It consumes device connect/disconnect events, activity
// transitions and geofence triggers, requests on-demand location fixes,
// and commits parked-location records or reinstalls the travel geofence
// when a fix arrives.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parkzen/parkzend/pkg"
	"github.com/parkzen/parkzend/pkg/activity"
	"github.com/parkzen/parkzend/pkg/devices"
	"github.com/parkzen/parkzend/pkg/geofence"
	"github.com/parkzen/parkzend/pkg/history"
	"github.com/parkzen/parkzend/pkg/logx"
	"github.com/parkzen/parkzend/pkg/retry"
)

// State is the engine's current position in the inference cycle
type State string

const (
	StateIdle                  State = "idle"
	StateAwaitingDisconnectFix State = "awaiting_disconnect_fix"
	StateAwaitingTravelFix     State = "awaiting_travel_fix"
)

// Reason tags why an on-demand fix was requested. It travels with the
// pending-request token, not in a shared field, so a late fix can never
// be attributed to the wrong trigger.
type Reason string

const (
	ReasonNone       Reason = "none"
	ReasonDisconnect Reason = "disconnectLocation"
	ReasonTravel     Reason = "travelGeofence"
)

// User-facing notification texts
const (
	msgParkingSaved    = "Parking location saved!"
	msgPossibleNewCar  = "Possible new car detected. Would you like to set this as your car?"
	msgFixFailed       = "Could not get a location fix. Your parking spot was not saved."
	msgTravelGeoFailed = "Travel geofencing is unavailable on this device."
)

// pendingFix is one outstanding location request. The engine keeps at
// most one; its ID guards against stale timer fires.
type pendingFix struct {
	ID       uuid.UUID
	Reason   Reason
	IssuedAt time.Time
	Attempts int
	timer    *time.Timer
}

// Config holds engine tunables
type Config struct {
	FixTimeout      time.Duration `json:"fix_timeout"`
	MaxFixAttempts  int           `json:"max_fix_attempts"`
	ActivityTrigger bool          `json:"activity_trigger"`
	EventBuffer     int           `json:"event_buffer"`
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		FixTimeout:      30 * time.Second,
		MaxFixAttempts:  2,
		ActivityTrigger: true,
		EventBuffer:     64,
	}
}

// Observer receives engine lifecycle callbacks; the metrics server
// implements it. All methods are invoked from the engine goroutine.
type Observer interface {
	FixRequested(reason Reason)
	FixDelivered(reason Reason)
	FixTimedOut(reason Reason)
	ParkedRecorded(record history.Record)
	StateChanged(from, to State)
}

type noopObserver struct{}

func (noopObserver) FixRequested(Reason)           {}
func (noopObserver) FixDelivered(Reason)           {}
func (noopObserver) FixTimedOut(Reason)            {}
func (noopObserver) ParkedRecorded(history.Record) {}
func (noopObserver) StateChanged(_, _ State)       {}

// Internal event types. Everything the outside world tells the engine
// arrives as one of these and is processed in arrival order on a single
// goroutine.
type event interface{ kind() string }

type evDeviceConnected struct{ device devices.Device }
type evDeviceDisconnected struct{ key string }
type evActivitySample struct{ sample activity.Sample }
type evGeofenceExit struct{ identifier string }
type evGeofenceEnter struct{ identifier string }
type evFix struct{ fix pkg.Fix }
type evFixTimeout struct{ id uuid.UUID }
type evFixRetry struct{ id uuid.UUID }

func (evDeviceConnected) kind() string    { return "device_connected" }
func (evDeviceDisconnected) kind() string { return "device_disconnected" }
func (evActivitySample) kind() string     { return "activity_sample" }
func (evGeofenceExit) kind() string       { return "geofence_exit" }
func (evGeofenceEnter) kind() string      { return "geofence_enter" }
func (evFix) kind() string                { return "fix" }
func (evFixTimeout) kind() string         { return "fix_timeout" }
func (evFixRetry) kind() string           { return "fix_retry" }

// Engine is the parked-location inference engine
type Engine struct {
	config     Config
	logger     *logx.Logger
	provider   pkg.LocationProvider
	notifier   pkg.Notifier
	registry   *devices.Registry
	classifier *activity.Classifier
	history    *history.Store
	geofences  *geofence.Store
	travel     *geofence.TravelManager
	backoff    *retry.Runner
	observer   Observer

	events chan event

	// mu guards the fields below for readers outside the engine
	// goroutine (health and metrics); all writes happen on the loop.
	mu      sync.RWMutex
	state   State
	pending map[uuid.UUID]*pendingFix
	lastFix *pkg.Fix
}

// NewEngine creates the inference engine
func NewEngine(
	config Config,
	logger *logx.Logger,
	provider pkg.LocationProvider,
	notifier pkg.Notifier,
	registry *devices.Registry,
	classifier *activity.Classifier,
	hist *history.Store,
	geofences *geofence.Store,
	travel *geofence.TravelManager,
	observer Observer,
) *Engine {
	if config.FixTimeout <= 0 {
		config.FixTimeout = DefaultConfig().FixTimeout
	}
	if config.MaxFixAttempts <= 0 {
		config.MaxFixAttempts = 1
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultConfig().EventBuffer
	}
	if observer == nil {
		observer = noopObserver{}
	}

	return &Engine{
		config:     config,
		logger:     logger,
		provider:   provider,
		notifier:   notifier,
		registry:   registry,
		classifier: classifier,
		history:    hist,
		geofences:  geofences,
		travel:     travel,
		backoff: retry.NewRunner(retry.Config{
			MaxAttempts:  config.MaxFixAttempts,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
		}),
		observer: observer,
		events:   make(chan event, config.EventBuffer),
		state:    StateIdle,
		pending:  make(map[uuid.UUID]*pendingFix),
	}
}

// State returns the engine's current state
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// PendingReason returns the reason of the outstanding fix request, or
// ReasonNone when nothing is pending
func (e *Engine) PendingReason() Reason {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.pending {
		return p.Reason
	}
	return ReasonNone
}

// LastFix returns the most recent continuous-tracking fix
func (e *Engine) LastFix() *pkg.Fix {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastFix
}

// Run processes events in arrival order until the context is cancelled.
// All state transitions happen on this goroutine, so the engine needs
// no locking as long as external callers go through the On* methods.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("inference engine started",
		"fix_timeout", e.config.FixTimeout.String(),
		"activity_trigger", e.config.ActivityTrigger,
	)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("inference engine stopped")
			return
		case ev := <-e.events:
			e.handleEvent(ctx, ev)
		}
	}
}

// OnDeviceConnected reports that a device connected
func (e *Engine) OnDeviceConnected(d devices.Device) {
	e.events <- evDeviceConnected{device: d}
}

// OnDeviceDisconnected reports that the device with the given identity
// key disconnected
func (e *Engine) OnDeviceDisconnected(key string) {
	e.events <- evDeviceDisconnected{key: key}
}

// OnActivitySample feeds one raw motion-activity sample
func (e *Engine) OnActivitySample(s activity.Sample) {
	e.events <- evActivitySample{sample: s}
}

// OnGeofenceExit reports a geofence exit trigger from the provider
func (e *Engine) OnGeofenceExit(identifier string) {
	e.events <- evGeofenceExit{identifier: identifier}
}

// OnGeofenceEnter reports a geofence entry trigger from the provider
func (e *Engine) OnGeofenceEnter(identifier string) {
	e.events <- evGeofenceEnter{identifier: identifier}
}

// OnFix delivers a location fix from the provider. The provider's
// delivery callback is undifferentiated; the engine decides what the
// fix means from its pending-request table.
func (e *Engine) OnFix(fix pkg.Fix) {
	e.events <- evFix{fix: fix}
}

// handleEvent dispatches one event. Exercised directly by tests.
func (e *Engine) handleEvent(ctx context.Context, ev event) {
	e.logger.Debug("engine event", "event", ev.kind(), "state", string(e.state))

	switch ev := ev.(type) {
	case evDeviceConnected:
		e.handleDeviceConnected(ctx, ev.device)
	case evDeviceDisconnected:
		e.handleDeviceDisconnected(ctx, ev.key)
	case evActivitySample:
		e.handleActivitySample(ctx, ev.sample)
	case evGeofenceExit:
		e.handleGeofenceExit(ctx, ev.identifier)
	case evGeofenceEnter:
		e.handleGeofenceEnter(ctx, ev.identifier)
	case evFix:
		e.handleFix(ctx, ev.fix)
	case evFixTimeout:
		e.handleFixTimeout(ctx, ev.id)
	case evFixRetry:
		e.handleFixRetry(ctx, ev.id)
	}
}

func (e *Engine) handleDeviceConnected(ctx context.Context, d devices.Device) {
	_, known := e.registry.Get(d.Key())
	d.Connected = true
	if err := e.registry.Upsert(d); err != nil {
		e.logger.Error("device upsert failed", "device", d.Name, "error", err)
		return
	}

	if !known && d.IsCarCandidate() {
		e.notify(ctx, msgPossibleNewCar)
		return
	}
	if known {
		e.notify(ctx, fmt.Sprintf("Device connected: %s", d.Name))
	}
}

func (e *Engine) handleDeviceDisconnected(ctx context.Context, key string) {
	d, ok := e.registry.Get(key)
	if !ok {
		e.logger.Debug("disconnect from unregistered device", "key", key)
		return
	}
	if !d.Connected {
		// Already marked disconnected; a duplicate event must not
		// trigger a second parking decision.
		return
	}
	if err := e.registry.MarkConnected(key, false); err != nil {
		e.logger.Error("device state update failed", "device", d.Name, "error", err)
	}

	e.notify(ctx, fmt.Sprintf("Device disconnected: %s", d.Name))

	if e.state != StateIdle {
		e.logger.Warn("disconnect while fix pending, ignored",
			"device", d.Name, "state", string(e.state))
		return
	}
	e.requestFix(ctx, ReasonDisconnect)
}

func (e *Engine) handleActivitySample(ctx context.Context, s activity.Sample) {
	t := e.classifier.OnSample(s)
	if t == nil {
		return
	}

	// Leaving "driving" is treated as a disconnect-equivalent parked
	// signal for cars with no connectable head unit.
	if !e.config.ActivityTrigger {
		return
	}
	if t.From != pkg.ActivityDriving || t.To == pkg.ActivityDriving {
		return
	}
	if e.state != StateIdle {
		e.logger.Debug("activity transition while fix pending, ignored",
			"from", string(t.From), "to", string(t.To))
		return
	}
	e.requestFix(ctx, ReasonDisconnect)
}

func (e *Engine) handleGeofenceExit(ctx context.Context, identifier string) {
	if identifier != geofence.TravelIdentifier {
		if g, ok := e.geofences.Get(identifier); ok && g.Note != "" {
			e.notify(ctx, g.Note)
		}
		return
	}

	if e.state != StateIdle {
		e.logger.Warn("travel geofence exit while fix pending, ignored",
			"state", string(e.state))
		return
	}

	if err := e.travel.Consume(); err != nil {
		e.logger.Error("travel geofence removal failed", "error", err)
	}
	e.requestFix(ctx, ReasonTravel)
}

func (e *Engine) handleGeofenceEnter(ctx context.Context, identifier string) {
	if g, ok := e.geofences.Get(identifier); ok && g.Trigger == geofence.OnEntry && g.Note != "" {
		e.notify(ctx, g.Note)
	}
}

func (e *Engine) handleFix(ctx context.Context, fix pkg.Fix) {
	token := e.takePending()
	if token == nil {
		// Ordinary continuous-tracking update: refresh the displayed
		// location, never commit.
		e.setLastFix(fix)
		return
	}

	e.observer.FixDelivered(token.Reason)

	switch token.Reason {
	case ReasonDisconnect:
		record := history.Record{Coordinate: fix.Coordinate, CreatedAt: time.Now()}
		if err := e.history.Append(record); err != nil {
			e.logger.Error("failed to record parked location", "error", err)
		} else {
			e.observer.ParkedRecorded(record)
			e.notify(ctx, msgParkingSaved)
			e.logger.Info("parked location recorded",
				"lat", fix.Coordinate.Lat,
				"lon", fix.Coordinate.Lon,
			)
		}
	case ReasonTravel:
		if err := e.travel.Install(fix); err != nil {
			e.notify(ctx, msgTravelGeoFailed)
		}
	}

	e.setLastFix(fix)
	e.setState(StateIdle)
}

func (e *Engine) handleFixTimeout(ctx context.Context, id uuid.UUID) {
	token, ok := e.pending[id]
	if !ok {
		// Stale timer for an already-consumed token
		return
	}

	e.observer.FixTimedOut(token.Reason)

	if token.Attempts < e.config.MaxFixAttempts {
		delay := e.backoff.Delay(token.Attempts)
		e.logger.Warn("fix request timed out, retrying",
			"reason", string(token.Reason),
			"attempt", token.Attempts,
			"retry_in", delay.String(),
		)
		retryID := token.ID
		time.AfterFunc(delay, func() {
			e.events <- evFixRetry{id: retryID}
		})
		return
	}

	e.logger.Error("fix request failed",
		"reason", string(token.Reason),
		"attempts", token.Attempts,
	)
	e.dropPending(id)
	if token.Reason == ReasonDisconnect {
		e.notify(ctx, msgFixFailed)
	}
	e.setState(StateIdle)
}

func (e *Engine) handleFixRetry(ctx context.Context, id uuid.UUID) {
	token, ok := e.pending[id]
	if !ok {
		return
	}

	token.Attempts++
	if err := e.provider.RequestLocation(ctx); err != nil {
		e.logger.Error("fix re-request failed", "error", err)
		e.dropPending(id)
		e.setState(StateIdle)
		return
	}
	timeoutID := token.ID
	token.timer = time.AfterFunc(e.config.FixTimeout, func() {
		e.events <- evFixTimeout{id: timeoutID}
	})
}

// requestFix issues one on-demand fix request carrying its own reason
// token. At most one request may be outstanding; later triggers are
// dropped until it resolves or times out.
func (e *Engine) requestFix(ctx context.Context, reason Reason) {
	if len(e.pending) > 0 {
		e.logger.Warn("fix request dropped, one already pending", "reason", string(reason))
		return
	}

	if err := e.provider.RequestLocation(ctx); err != nil {
		// Permission or provider failure: degrade, stay Idle
		e.logger.Error("fix request failed", "reason", string(reason), "error", err)
		return
	}

	token := &pendingFix{
		ID:       uuid.New(),
		Reason:   reason,
		IssuedAt: time.Now(),
		Attempts: 1,
	}
	timeoutID := token.ID
	token.timer = time.AfterFunc(e.config.FixTimeout, func() {
		e.events <- evFixTimeout{id: timeoutID}
	})
	e.mu.Lock()
	e.pending[token.ID] = token
	e.mu.Unlock()
	e.observer.FixRequested(reason)

	switch reason {
	case ReasonDisconnect:
		e.setState(StateAwaitingDisconnectFix)
	case ReasonTravel:
		e.setState(StateAwaitingTravelFix)
	}
}

// takePending consumes the outstanding token, stopping its timer
func (e *Engine) takePending() *pendingFix {
	for id, token := range e.pending {
		if token.timer != nil {
			token.timer.Stop()
		}
		e.dropPending(id)
		return token
	}
	return nil
}

func (e *Engine) dropPending(id uuid.UUID) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *Engine) setLastFix(fix pkg.Fix) {
	e.mu.Lock()
	e.lastFix = &fix
	e.mu.Unlock()
}

func (e *Engine) setState(next State) {
	if next == e.state {
		return
	}
	prev := e.state
	e.mu.Lock()
	e.state = next
	e.mu.Unlock()
	e.observer.StateChanged(prev, next)
	e.logger.LogStateChange("engine", string(prev), string(next), "engine_transition")
}

func (e *Engine) notify(ctx context.Context, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, message); err != nil {
		e.logger.Warn("notification delivery failed", "error", err)
	}
}
