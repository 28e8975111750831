package history

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/parkzen/parkzend/pkg"
	"github.com/parkzen/parkzend/pkg/logx"
	kvstore "github.com/parkzen/parkzend/pkg/store"
)

func newTestStore(t *testing.T, maxAge time.Duration) (*Store, *kvstore.Store) {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return NewStore(kv, maxAge, logx.New("error")), kv
}

// seed writes records straight into the snapshot and loads them, which
// lets tests construct logs with precise ages
func seed(t *testing.T, s *Store, kv *kvstore.Store, records []Record) {
	t.Helper()
	data, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := kv.Set(kvstore.KeyParkedHistory, data); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestPruneExpiryBoundary(t *testing.T) {
	s, kv := newTestStore(t, 30*time.Minute)
	now := time.Now()

	seed(t, s, kv, []Record{
		{Coordinate: pkg.Coordinate{Lat: 1}, CreatedAt: now.Add(-31 * time.Minute)},
		{Coordinate: pkg.Coordinate{Lat: 2}, CreatedAt: now.Add(-30 * time.Minute)},
		{Coordinate: pkg.Coordinate{Lat: 3}, CreatedAt: now.Add(-29 * time.Minute)},
		{Coordinate: pkg.Coordinate{Lat: 4}, CreatedAt: now.Add(-10 * time.Minute)},
	})

	dropped, err := s.PruneExpired(now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("expected only the 31-minute record dropped, got %d", dropped)
	}

	if len(s.records) != 3 {
		t.Fatalf("expected 3 survivors, got %d", len(s.records))
	}
	// A record at exactly the retention age is kept
	if s.records[0].Coordinate.Lat != 2 {
		t.Fatalf("30-minute boundary record was dropped: %+v", s.records)
	}
}

func TestPruneNothingToDrop(t *testing.T) {
	s, kv := newTestStore(t, 30*time.Minute)
	now := time.Now()

	seed(t, s, kv, []Record{
		{Coordinate: pkg.Coordinate{Lat: 1}, CreatedAt: now.Add(-5 * time.Minute)},
	})

	dropped, err := s.PruneExpired(now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if dropped != 0 || s.Len() != 1 {
		t.Fatalf("unexpected prune result dropped=%d len=%d", dropped, s.Len())
	}
}

func TestAllAppliesReadTimePruning(t *testing.T) {
	s, kv := newTestStore(t, 30*time.Minute)
	now := time.Now()

	seed(t, s, kv, []Record{
		{Coordinate: pkg.Coordinate{Lat: 1}, CreatedAt: now.Add(-2 * time.Hour)},
		{Coordinate: pkg.Coordinate{Lat: 2}, CreatedAt: now.Add(-1 * time.Minute)},
	})

	if got := len(s.All()); got != 1 {
		t.Fatalf("expected read-time pruning to hide the expired record, got %d", got)
	}
	// The backing log still holds both until a mutation prunes
	if s.Len() != 2 {
		t.Fatalf("expected raw length 2, got %d", s.Len())
	}
}

func TestAppendDefaultsAndCaches(t *testing.T) {
	s, kv := newTestStore(t, 30*time.Minute)

	if err := s.Append(Record{Coordinate: pkg.Coordinate{Lat: 30.41, Lon: -91.18}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	latest, ok := s.Latest()
	if !ok || latest.CreatedAt.IsZero() {
		t.Fatalf("append must stamp CreatedAt: %+v", latest)
	}

	data, ok, err := kv.Get(kvstore.KeyMostRecentParked)
	if err != nil || !ok {
		t.Fatalf("most-recent cache missing: ok=%v err=%v", ok, err)
	}
	var cached Record
	if err := json.Unmarshal(data, &cached); err != nil {
		t.Fatalf("unmarshal cache: %v", err)
	}
	if cached.Coordinate.Lat != 30.41 {
		t.Fatalf("cache holds wrong record: %+v", cached)
	}
}

func TestAppendClampsBackdatedTimestamps(t *testing.T) {
	s, _ := newTestStore(t, 30*time.Minute)
	now := time.Now()

	s.Append(Record{Coordinate: pkg.Coordinate{Lat: 1}, CreatedAt: now})
	s.Append(Record{Coordinate: pkg.Coordinate{Lat: 2}, CreatedAt: now.Add(-10 * time.Minute)})

	all := s.All()
	if len(all) != 2 {
		t.Fatalf("expected both records, got %d", len(all))
	}
	if all[1].CreatedAt.Before(all[0].CreatedAt) {
		t.Fatalf("log not monotonic: %v then %v", all[0].CreatedAt, all[1].CreatedAt)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	s, kv := newTestStore(t, 30*time.Minute)
	s.Append(Record{Coordinate: pkg.Coordinate{Lat: 5, Lon: 6}})

	reloaded := NewStore(kv, 30*time.Minute, logx.New("error"))
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.Len() != 1 {
		t.Fatalf("round trip lost records")
	}
}

func TestLoadToleratesCorruptSnapshot(t *testing.T) {
	s, kv := newTestStore(t, 30*time.Minute)
	kv.Set(kvstore.KeyParkedHistory, []byte("{{{"))

	if err := s.Load(); err != nil {
		t.Fatalf("corrupt snapshot must not fail load: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty log after corrupt snapshot")
	}
}

func TestDefaultMaxAgeApplied(t *testing.T) {
	s, _ := newTestStore(t, 0)
	if s.MaxAge() != DefaultMaxAge {
		t.Fatalf("expected default retention, got %v", s.MaxAge())
	}
}

func TestAgeMinutes(t *testing.T) {
	now := time.Now()
	r := Record{CreatedAt: now.Add(-25*time.Minute - 30*time.Second)}
	if got := r.AgeMinutes(now); got != 25 {
		t.Fatalf("expected 25 whole minutes, got %d", got)
	}
}
