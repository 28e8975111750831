package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parkzen/parkzend/pkg"
	"github.com/parkzen/parkzend/pkg/activity"
	"github.com/parkzen/parkzend/pkg/devices"
	"github.com/parkzen/parkzend/pkg/geofence"
	"github.com/parkzen/parkzend/pkg/history"
	"github.com/parkzen/parkzend/pkg/logx"
	"github.com/parkzen/parkzend/pkg/store"
)

type fakeProvider struct {
	requests   int
	monitored  []pkg.Region
	stopped    []string
	requestErr error
	monitorErr error
}

func (f *fakeProvider) RequestLocation(ctx context.Context) error {
	if f.requestErr != nil {
		return f.requestErr
	}
	f.requests++
	return nil
}

func (f *fakeProvider) StartMonitoring(region pkg.Region) error {
	if f.monitorErr != nil {
		return f.monitorErr
	}
	f.monitored = append(f.monitored, region)
	return nil
}

func (f *fakeProvider) StopMonitoring(identifier string) error {
	f.stopped = append(f.stopped, identifier)
	return nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(ctx context.Context, message string) error {
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeNotifier) contains(message string) bool {
	for _, m := range f.messages {
		if m == message {
			return true
		}
	}
	return false
}

type fixture struct {
	eng       *Engine
	provider  *fakeProvider
	notifier  *fakeNotifier
	registry  *devices.Registry
	hist      *history.Store
	geofences *geofence.Store
	travel    *geofence.TravelManager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	logger := logx.New("debug")
	kv, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	provider := &fakeProvider{}
	notifier := &fakeNotifier{}
	geofences := geofence.NewStore(kv, logger)
	registry := devices.NewRegistry(kv, logger)
	hist := history.NewStore(kv, 30*time.Minute, logger)
	classifier := activity.NewClassifier(logger)
	travel := geofence.NewTravelManager(geofence.DefaultTravelConfig(), geofences, provider, logger)

	if cfg.FixTimeout == 0 {
		cfg.FixTimeout = time.Minute
	}
	if cfg.MaxFixAttempts == 0 {
		cfg.MaxFixAttempts = 2
	}

	eng := NewEngine(cfg, logger, provider, notifier, registry, classifier, hist, geofences, travel, nil)
	return &fixture{
		eng:       eng,
		provider:  provider,
		notifier:  notifier,
		registry:  registry,
		hist:      hist,
		geofences: geofences,
		travel:    travel,
	}
}

func carDevice(uid string) devices.Device {
	return devices.Device{
		Kind:     devices.KindAudioRoute,
		Name:     "CAR MULTIMEDIA",
		PortType: devices.HFP,
		UID:      uid,
	}
}

func pendingID(e *Engine) uuid.UUID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for id := range e.pending {
		return id
	}
	return uuid.Nil
}

func TestDisconnectStartsParkingDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	car := carDevice("uid-1")
	car.Connected = true
	if err := f.registry.Upsert(car); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	f.eng.handleEvent(ctx, evDeviceDisconnected{key: "uid-1"})

	if got := f.eng.State(); got != StateAwaitingDisconnectFix {
		t.Fatalf("expected awaiting_disconnect_fix, got %s", got)
	}
	if f.provider.requests != 1 {
		t.Fatalf("expected 1 fix request, got %d", f.provider.requests)
	}
	if f.eng.PendingReason() != ReasonDisconnect {
		t.Fatalf("expected pending reason disconnectLocation, got %s", f.eng.PendingReason())
	}
	d, _ := f.registry.Get("uid-1")
	if d.Connected {
		t.Fatalf("device should be marked disconnected")
	}
}

func TestSecondTriggerWhilePendingDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	for _, uid := range []string{"uid-1", "uid-2"} {
		car := carDevice(uid)
		car.Connected = true
		if err := f.registry.Upsert(car); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	f.eng.handleEvent(ctx, evDeviceDisconnected{key: "uid-1"})
	f.eng.handleEvent(ctx, evDeviceDisconnected{key: "uid-2"})

	if f.provider.requests != 1 {
		t.Fatalf("expected second trigger dropped, got %d requests", f.provider.requests)
	}
	if got := f.eng.State(); got != StateAwaitingDisconnectFix {
		t.Fatalf("unexpected state %s", got)
	}
}

func TestDisconnectFromUnknownDeviceIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.eng.handleEvent(ctx, evDeviceDisconnected{key: "never-seen"})

	if f.provider.requests != 0 {
		t.Fatalf("unknown device must not trigger a fix request")
	}
	if got := f.eng.State(); got != StateIdle {
		t.Fatalf("unexpected state %s", got)
	}
}

func TestDuplicateDisconnectIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	car := carDevice("uid-1")
	car.Connected = true
	f.registry.Upsert(car)

	f.eng.handleEvent(ctx, evDeviceDisconnected{key: "uid-1"})
	f.eng.handleEvent(ctx, evFix{fix: pkg.Fix{Coordinate: pkg.Coordinate{Lat: 30.41, Lon: -91.18}, Valid: true}})

	// Device is already disconnected; a repeated event must not start
	// another parking decision.
	f.eng.handleEvent(ctx, evDeviceDisconnected{key: "uid-1"})

	if f.provider.requests != 1 {
		t.Fatalf("duplicate disconnect triggered a second fix, requests=%d", f.provider.requests)
	}
	if f.hist.Len() != 1 {
		t.Fatalf("expected exactly 1 record, got %d", f.hist.Len())
	}
}

func TestFixCommitsExactlyOneRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	car := carDevice("uid-1")
	car.Connected = true
	f.registry.Upsert(car)

	f.eng.handleEvent(ctx, evDeviceDisconnected{key: "uid-1"})
	f.eng.handleEvent(ctx, evFix{fix: pkg.Fix{Coordinate: pkg.Coordinate{Lat: 30.41, Lon: -91.18}, Valid: true}})

	if f.hist.Len() != 1 {
		t.Fatalf("expected 1 parked record, got %d", f.hist.Len())
	}
	latest, ok := f.hist.Latest()
	if !ok || latest.Coordinate.Lat != 30.41 || latest.Coordinate.Lon != -91.18 {
		t.Fatalf("unexpected latest record %+v", latest)
	}
	if !f.notifier.contains(msgParkingSaved) {
		t.Fatalf("expected parking saved notification, got %v", f.notifier.messages)
	}
	if got := f.eng.State(); got != StateIdle {
		t.Fatalf("expected idle after commit, got %s", got)
	}
	if f.eng.PendingReason() != ReasonNone {
		t.Fatalf("pending reason not reset: %s", f.eng.PendingReason())
	}
}

func TestFixWithoutPendingIsDisplayOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.eng.handleEvent(ctx, evFix{fix: pkg.Fix{Coordinate: pkg.Coordinate{Lat: 1, Lon: 2}, Valid: true}})

	if f.hist.Len() != 0 {
		t.Fatalf("unsolicited fix must not commit a record")
	}
	last := f.eng.LastFix()
	if last == nil || last.Coordinate.Lat != 1 {
		t.Fatalf("last fix not refreshed: %+v", last)
	}
}

func TestTravelGeofenceCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	if err := f.travel.Install(pkg.Fix{Coordinate: pkg.Coordinate{Lat: 30.0, Lon: -91.0}, SpeedMPS: 10}); err != nil {
		t.Fatalf("install: %v", err)
	}

	f.eng.handleEvent(ctx, evGeofenceExit{identifier: geofence.TravelIdentifier})

	if got := f.eng.State(); got != StateAwaitingTravelFix {
		t.Fatalf("expected awaiting_travel_fix, got %s", got)
	}
	if _, ok := f.geofences.Get(geofence.TravelIdentifier); ok {
		t.Fatalf("travel geofence should be consumed on exit")
	}
	if len(f.provider.stopped) != 1 || f.provider.stopped[0] != geofence.TravelIdentifier {
		t.Fatalf("expected monitoring stop for travel geofence, got %v", f.provider.stopped)
	}

	f.eng.handleEvent(ctx, evFix{fix: pkg.Fix{Coordinate: pkg.Coordinate{Lat: 30.5, Lon: -91.5}, SpeedMPS: 15, Valid: true}})

	count := 0
	var installed geofence.Geofence
	for _, g := range f.geofences.All() {
		if g.Identifier == geofence.TravelIdentifier {
			count++
			installed = g
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one travel geofence, got %d", count)
	}
	if installed.Center.Lat != 30.5 || installed.Center.Lon != -91.5 {
		t.Fatalf("travel geofence not centered on fix: %+v", installed.Center)
	}
	if f.hist.Len() != 0 {
		t.Fatalf("travel fix must not create a parked record")
	}
	if got := f.eng.State(); got != StateIdle {
		t.Fatalf("expected idle after travel reinstall, got %s", got)
	}
}

func TestNewCarCandidatePrompt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.eng.handleEvent(ctx, evDeviceConnected{device: carDevice("uid-new")})

	if !f.notifier.contains(msgPossibleNewCar) {
		t.Fatalf("expected new car prompt, got %v", f.notifier.messages)
	}
	d, ok := f.registry.Get("uid-new")
	if !ok || !d.Connected {
		t.Fatalf("candidate should be registered connected: %+v", d)
	}

	// Known device reconnecting announces itself instead of prompting
	f.notifier.messages = nil
	f.eng.handleEvent(ctx, evDeviceConnected{device: carDevice("uid-new")})
	if f.notifier.contains(msgPossibleNewCar) {
		t.Fatalf("known device must not prompt again")
	}
	if len(f.notifier.messages) != 1 {
		t.Fatalf("expected a connect announcement, got %v", f.notifier.messages)
	}
}

func TestActivityTransitionTriggersFix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{ActivityTrigger: true})

	f.eng.handleEvent(ctx, evActivitySample{sample: activity.Sample{
		Modes:      map[pkg.ActivityKind]bool{pkg.ActivityDriving: true},
		Confidence: pkg.ConfidenceHigh,
	}})
	if f.provider.requests != 0 {
		t.Fatalf("entering driving must not request a fix")
	}

	f.eng.handleEvent(ctx, evActivitySample{sample: activity.Sample{
		Modes:      map[pkg.ActivityKind]bool{pkg.ActivityStationary: true},
		Confidence: pkg.ConfidenceHigh,
	}})
	if f.provider.requests != 1 {
		t.Fatalf("leaving driving should request a fix, got %d", f.provider.requests)
	}
	if got := f.eng.State(); got != StateAwaitingDisconnectFix {
		t.Fatalf("unexpected state %s", got)
	}
}

func TestLowConfidenceActivityIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{ActivityTrigger: true})

	f.eng.handleEvent(ctx, evActivitySample{sample: activity.Sample{
		Modes:      map[pkg.ActivityKind]bool{pkg.ActivityDriving: true},
		Confidence: pkg.ConfidenceHigh,
	}})
	f.eng.handleEvent(ctx, evActivitySample{sample: activity.Sample{
		Modes:      map[pkg.ActivityKind]bool{pkg.ActivityStationary: true},
		Confidence: pkg.ConfidenceLow,
	}})

	if f.provider.requests != 0 {
		t.Fatalf("low confidence sample must not move the engine")
	}
}

func TestActivityTriggerDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{ActivityTrigger: false})

	f.eng.handleEvent(ctx, evActivitySample{sample: activity.Sample{
		Modes:      map[pkg.ActivityKind]bool{pkg.ActivityDriving: true},
		Confidence: pkg.ConfidenceHigh,
	}})
	f.eng.handleEvent(ctx, evActivitySample{sample: activity.Sample{
		Modes:      map[pkg.ActivityKind]bool{pkg.ActivityStationary: true},
		Confidence: pkg.ConfidenceHigh,
	}})

	if f.provider.requests != 0 {
		t.Fatalf("activity trigger disabled but fix requested")
	}
}

func TestFixTimeoutRetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxFixAttempts: 2})

	car := carDevice("uid-1")
	car.Connected = true
	f.registry.Upsert(car)
	f.eng.handleEvent(ctx, evDeviceDisconnected{key: "uid-1"})

	id := pendingID(f.eng)
	if id == uuid.Nil {
		t.Fatalf("expected a pending fix token")
	}

	// First timeout schedules a retry; the token survives
	f.eng.handleEvent(ctx, evFixTimeout{id: id})
	if pendingID(f.eng) != id {
		t.Fatalf("token dropped before retry budget exhausted")
	}

	f.eng.handleEvent(ctx, evFixRetry{id: id})
	if f.provider.requests != 2 {
		t.Fatalf("expected re-request, got %d requests", f.provider.requests)
	}

	// Second timeout exhausts the budget
	f.eng.handleEvent(ctx, evFixTimeout{id: id})
	if pendingID(f.eng) != uuid.Nil {
		t.Fatalf("token should be dropped after final timeout")
	}
	if !f.notifier.contains(msgFixFailed) {
		t.Fatalf("expected failure notification, got %v", f.notifier.messages)
	}
	if got := f.eng.State(); got != StateIdle {
		t.Fatalf("expected idle after give-up, got %s", got)
	}
	if f.hist.Len() != 0 {
		t.Fatalf("no record may be committed on timeout")
	}
}

func TestStaleTimeoutIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	car := carDevice("uid-1")
	car.Connected = true
	f.registry.Upsert(car)
	f.eng.handleEvent(ctx, evDeviceDisconnected{key: "uid-1"})

	id := pendingID(f.eng)
	f.eng.handleEvent(ctx, evFix{fix: pkg.Fix{Coordinate: pkg.Coordinate{Lat: 30.41, Lon: -91.18}, Valid: true}})

	// The timer for the consumed token fires late
	f.eng.handleEvent(ctx, evFixTimeout{id: id})

	if f.notifier.contains(msgFixFailed) {
		t.Fatalf("stale timeout produced a failure notification")
	}
	if got := f.eng.State(); got != StateIdle {
		t.Fatalf("unexpected state %s", got)
	}
	if f.hist.Len() != 1 {
		t.Fatalf("expected the committed record to survive, got %d", f.hist.Len())
	}
}

func TestProviderErrorLeavesIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.provider.requestErr = errors.New("location services disabled")

	car := carDevice("uid-1")
	car.Connected = true
	f.registry.Upsert(car)
	f.eng.handleEvent(ctx, evDeviceDisconnected{key: "uid-1"})

	if got := f.eng.State(); got != StateIdle {
		t.Fatalf("provider failure must leave the engine idle, got %s", got)
	}
	if pendingID(f.eng) != uuid.Nil {
		t.Fatalf("no token may be issued when the request fails")
	}
}

func TestDriveAndParkScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{ActivityTrigger: true})

	f.eng.handleEvent(ctx, evActivitySample{sample: activity.Sample{
		Modes:      map[pkg.ActivityKind]bool{pkg.ActivityDriving: true},
		Confidence: pkg.ConfidenceHigh,
	}})
	f.eng.handleEvent(ctx, evActivitySample{sample: activity.Sample{
		Modes:      map[pkg.ActivityKind]bool{pkg.ActivityStationary: true},
		Confidence: pkg.ConfidenceMedium,
	}})
	f.eng.handleEvent(ctx, evFix{fix: pkg.Fix{Coordinate: pkg.Coordinate{Lat: 30.41, Lon: -91.18}, Valid: true}})

	if f.hist.Len() != 1 {
		t.Fatalf("expected one parked record, got %d", f.hist.Len())
	}
	latest, _ := f.hist.Latest()
	if latest.Coordinate.Lat != 30.41 || latest.Coordinate.Lon != -91.18 {
		t.Fatalf("unexpected parked coordinate %+v", latest.Coordinate)
	}
	if got := f.eng.State(); got != StateIdle {
		t.Fatalf("expected idle at end of scenario, got %s", got)
	}
}

func TestGeofenceNoteNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.geofences.Add(geofence.Geofence{
		Identifier: "work",
		Center:     pkg.Coordinate{Lat: 30.4, Lon: -91.1},
		RadiusM:    200,
		Trigger:    geofence.OnEntry,
		Note:       "Clock in!",
	})

	f.eng.handleEvent(ctx, evGeofenceEnter{identifier: "work"})
	if !f.notifier.contains("Clock in!") {
		t.Fatalf("expected entry note, got %v", f.notifier.messages)
	}
	if f.provider.requests != 0 {
		t.Fatalf("user geofence must not request fixes")
	}
}
