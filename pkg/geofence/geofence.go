// Package geofence manages named circular regions: user points of
// interest and the single dynamic travel geofence.
package geofence

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/parkzen/parkzend/pkg"
	"github.com/parkzen/parkzend/pkg/logx"
	"github.com/parkzen/parkzend/pkg/store"
)

// TriggerEdge selects which boundary crossing fires a geofence
type TriggerEdge string

const (
	OnEntry TriggerEdge = "onEntry"
	OnExit  TriggerEdge = "onExit"
)

// Geofence is a named circular region with an associated trigger edge
type Geofence struct {
	Identifier string         `json:"identifier"`
	Center     pkg.Coordinate `json:"center"`
	RadiusM    float64        `json:"radius_m"`
	Trigger    TriggerEdge    `json:"trigger"`
	Note       string         `json:"note"`
}

// Region converts the geofence to a provider monitoring region
func (g Geofence) Region() pkg.Region {
	return pkg.Region{
		Identifier:    g.Identifier,
		Center:        g.Center,
		RadiusM:       g.RadiusM,
		NotifyOnEntry: g.Trigger == OnEntry,
		NotifyOnExit:  g.Trigger == OnExit,
	}
}

// ContainsPoint reports whether the coordinate lies within the region
func (g Geofence) ContainsPoint(c pkg.Coordinate) bool {
	return pkg.Haversine(g.Center, c) <= g.RadiusM
}

// Store holds the ordered geofence collection and persists it as a
// whole-collection snapshot
type Store struct {
	mu     sync.Mutex
	fences []Geofence
	kv     *store.Store
	logger *logx.Logger
}

// NewStore creates a geofence store backed by the given key-value store
func NewStore(kv *store.Store, logger *logx.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// Add appends a geofence and persists the collection
func (s *Store) Add(g Geofence) error {
	if g.RadiusM <= 0 {
		return fmt.Errorf("geofence %q has non-positive radius %.1f", g.Identifier, g.RadiusM)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fences = append(s.fences, g)
	return s.persistLocked()
}

// Remove deletes the geofence with the given identifier and persists.
// Removing an unknown identifier is a no-op.
func (s *Store) Remove(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(identifier)
	return s.persistLocked()
}

// Replace atomically removes any geofence with the identifier and adds
// the replacement. This is what guarantees the single-instance invariant
// for the travel geofence.
func (s *Store) Replace(identifier string, g Geofence) error {
	if g.RadiusM <= 0 {
		return fmt.Errorf("geofence %q has non-positive radius %.1f", g.Identifier, g.RadiusM)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(identifier)
	s.fences = append(s.fences, g)
	return s.persistLocked()
}

// Get returns the geofence with the given identifier
func (s *Store) Get(identifier string) (Geofence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.fences {
		if g.Identifier == identifier {
			return g, true
		}
	}
	return Geofence{}, false
}

// All returns a copy of the geofence collection in insertion order
func (s *Store) All() []Geofence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Geofence, len(s.fences))
	copy(out, s.fences)
	return out
}

// Load restores the collection from the key-value store. A missing or
// undecodable snapshot is treated as an empty collection.
func (s *Store) Load() error {
	data, ok, err := s.kv.Get(store.KeyGeofences)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !ok {
		s.fences = nil
		return nil
	}

	var fences []Geofence
	if err := json.Unmarshal(data, &fences); err != nil {
		s.logger.Warn("discarding corrupt geofence snapshot", "error", err)
		s.fences = nil
		return nil
	}
	s.fences = fences
	return nil
}

// Persist writes the current collection snapshot
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) removeLocked(identifier string) {
	kept := s.fences[:0]
	for _, g := range s.fences {
		if g.Identifier != identifier {
			kept = append(kept, g)
		}
	}
	s.fences = kept
}

func (s *Store) persistLocked() error {
	fences := s.fences
	if fences == nil {
		fences = []Geofence{}
	}
	data, err := json.Marshal(fences)
	if err != nil {
		return fmt.Errorf("failed to encode geofences: %w", err)
	}
	return s.kv.Set(store.KeyGeofences, data)
}
