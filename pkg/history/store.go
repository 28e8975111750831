// Package history provides the append/expire log of recorded parked
// locations.
package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/parkzen/parkzend/pkg"
	"github.com/parkzen/parkzend/pkg/logx"
	"github.com/parkzen/parkzend/pkg/store"
)

// DefaultMaxAge is how long a parked-location record stays alive
const DefaultMaxAge = 30 * time.Minute

// Record is a timestamped coordinate representing an inferred parking
// event
type Record struct {
	Coordinate pkg.Coordinate `json:"coordinate"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AgeMinutes returns the record age in whole minutes at the given time
func (r Record) AgeMinutes(now time.Time) int {
	return int(now.Sub(r.CreatedAt).Minutes())
}

// expired applies the single age formula shared by read-time and
// write-time pruning. A record at exactly maxAge is retained.
func expired(r Record, maxAge time.Duration, now time.Time) bool {
	return now.Sub(r.CreatedAt) > maxAge
}

// Store manages parked-location records with bounded retention
type Store struct {
	mu      sync.Mutex
	records []Record
	maxAge  time.Duration
	kv      *store.Store
	logger  *logx.Logger
}

// NewStore creates a history store. maxAge <= 0 selects DefaultMaxAge.
func NewStore(kv *store.Store, maxAge time.Duration, logger *logx.Logger) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Store{maxAge: maxAge, kv: kv, logger: logger}
}

// Append records a new parking event. CreatedAt is clamped so the log
// stays monotonically non-decreasing, expired entries are dropped as
// part of the same mutation, and the most-recent cache is refreshed.
func (s *Store) Append(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if n := len(s.records); n > 0 && record.CreatedAt.Before(s.records[n-1].CreatedAt) {
		record.CreatedAt = s.records[n-1].CreatedAt
	}

	s.records = append(s.records, record)
	s.pruneLocked(now)

	if err := s.persistLocked(); err != nil {
		return err
	}
	return s.persistLatestLocked(record)
}

// PruneExpired drops records older than maxAge as of now and persists
// when anything was removed. Returns the number of dropped records.
func (s *Store) PruneExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := s.pruneLocked(now)
	if dropped == 0 {
		return 0, nil
	}
	return dropped, s.persistLocked()
}

// All returns the live records in insertion order, applying read-time
// pruning with the same age formula as the mutation path
func (s *Store) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if !expired(r, s.maxAge, now) {
			out = append(out, r)
		}
	}
	return out
}

// Latest returns the most recent record, expired or not; the bool is
// false when the log is empty
func (s *Store) Latest() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return Record{}, false
	}
	return s.records[len(s.records)-1], true
}

// MaxAge returns the configured retention window
func (s *Store) MaxAge() time.Duration {
	return s.maxAge
}

// Len returns the number of stored records including not-yet-pruned
// expired entries
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Load restores the log from the key-value store. Missing or corrupt
// snapshots become an empty log.
func (s *Store) Load() error {
	data, ok, err := s.kv.Get(store.KeyParkedHistory)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !ok {
		s.records = nil
		return nil
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("discarding corrupt history snapshot", "error", err)
		s.records = nil
		return nil
	}
	s.records = records
	return nil
}

func (s *Store) pruneLocked(now time.Time) int {
	kept := s.records[:0]
	for _, r := range s.records {
		if !expired(r, s.maxAge, now) {
			kept = append(kept, r)
		}
	}
	dropped := len(s.records) - len(kept)
	s.records = kept
	return dropped
}

func (s *Store) persistLocked() error {
	records := s.records
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	return s.kv.Set(store.KeyParkedHistory, data)
}

func (s *Store) persistLatestLocked(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode latest record: %w", err)
	}
	return s.kv.Set(store.KeyMostRecentParked, data)
}
