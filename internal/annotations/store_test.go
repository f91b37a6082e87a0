package annotations

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	testDirectory = "/cache/annotations"
	testUserID    = "user-1"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(duration time.Duration) {
	c.now = c.now.Add(duration)
}

func newTestStore(t *testing.T, fs afero.Fs, clock *testClock) *Store {
	t.Helper()
	store, err := NewStore(Config{
		Fs:        fs,
		Directory: testDirectory,
		Clock:     clock.Now,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func sampleRecord(id string, hearts int) Record {
	return Record{
		ID:         id,
		Title:      "Tacos El Gordo",
		Subtitle:   "Best al pastor in town",
		ImageURLs:  []string{"https://cdn.example.com/" + id + ".jpg"},
		Latitude:   36.1147,
		Longitude:  -115.1728,
		Author:     "maria",
		Rating:     IntPointer(5),
		HeartCount: IntPointer(hearts),
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newTestStore(t, afero.NewMemMapFs(), clock)

	input := map[string]Record{
		"post-1": sampleRecord("post-1", 3),
		"post-2": sampleRecord("post-2", 0),
	}
	store.Save(input, testUserID)

	loaded, ok := store.Load(testUserID)
	if !ok {
		t.Fatalf("expected cached snapshot")
	}
	if len(loaded) != len(input) {
		t.Fatalf("expected %d records, got %d", len(input), len(loaded))
	}
	for id, expected := range input {
		record, found := loaded[id]
		if !found {
			t.Fatalf("missing record %s", id)
		}
		if record.ID != id || !record.SameContent(expected) {
			t.Fatalf("record %s changed across round trip: %+v", id, record)
		}
		if !record.CachedAt.Equal(clock.now) || !record.LastUpdated.Equal(clock.now) {
			t.Fatalf("unexpected timestamps for %s: %+v", id, record)
		}
	}
}

func TestSavePreservesLastUpdatedWhenContentUnchanged(t *testing.T) {
	initial := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &testClock{now: initial}
	store := newTestStore(t, afero.NewMemMapFs(), clock)

	store.Save(map[string]Record{"post-1": sampleRecord("post-1", 3)}, testUserID)
	clock.Advance(10 * time.Minute)
	store.Save(map[string]Record{"post-1": sampleRecord("post-1", 3)}, testUserID)

	loaded, _ := store.Load(testUserID)
	if !loaded["post-1"].LastUpdated.Equal(initial) {
		t.Fatalf("expected lastUpdated to stay at %v, got %v", initial, loaded["post-1"].LastUpdated)
	}
	if !loaded["post-1"].CachedAt.Equal(initial) {
		t.Fatalf("expected cachedAt to stay at first write, got %v", loaded["post-1"].CachedAt)
	}
}

func TestSaveAdvancesLastUpdatedWhenAnyFieldChanges(t *testing.T) {
	initial := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mutations := []struct {
		name   string
		mutate func(*Record)
	}{
		{name: "heart-count", mutate: func(r *Record) { r.HeartCount = IntPointer(4) }},
		{name: "rating-cleared", mutate: func(r *Record) { r.Rating = nil }},
		{name: "title", mutate: func(r *Record) { r.Title = "Tacos El Flaco" }},
		{name: "subtitle", mutate: func(r *Record) { r.Subtitle = "" }},
		{name: "image-order", mutate: func(r *Record) { r.ImageURLs = append(r.ImageURLs, "https://cdn.example.com/extra.jpg") }},
		{name: "latitude", mutate: func(r *Record) { r.Latitude += 0.0001 }},
		{name: "longitude", mutate: func(r *Record) { r.Longitude -= 0.0001 }},
		{name: "author", mutate: func(r *Record) { r.Author = "jose" }},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			clock := &testClock{now: initial}
			store := newTestStore(t, afero.NewMemMapFs(), clock)
			store.Save(map[string]Record{"post-1": sampleRecord("post-1", 3)}, testUserID)

			clock.Advance(5 * time.Minute)
			changed := sampleRecord("post-1", 3)
			tt.mutate(&changed)
			store.Save(map[string]Record{"post-1": changed}, testUserID)

			loaded, _ := store.Load(testUserID)
			if !loaded["post-1"].LastUpdated.Equal(clock.now) {
				t.Fatalf("expected lastUpdated to advance to %v, got %v", clock.now, loaded["post-1"].LastUpdated)
			}
		})
	}
}

func TestSaveDropsRecordsMissingFromSnapshot(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newTestStore(t, afero.NewMemMapFs(), clock)

	store.Save(map[string]Record{
		"post-1": sampleRecord("post-1", 1),
		"post-2": sampleRecord("post-2", 1),
	}, testUserID)
	store.Save(map[string]Record{"post-2": sampleRecord("post-2", 1)}, testUserID)

	loaded, _ := store.Load(testUserID)
	if _, found := loaded["post-1"]; found {
		t.Fatalf("expected snapshot to be replaced, not merged")
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 record, got %d", len(loaded))
	}
}

func TestNeedsRefreshWhenAnyRecordIsStale(t *testing.T) {
	maxAge := time.Hour
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}
	store := newTestStore(t, afero.NewMemMapFs(), clock)

	if !store.NeedsRefresh(testUserID, maxAge) {
		t.Fatalf("expected absent cache to need refresh")
	}

	store.Save(map[string]Record{"stale": sampleRecord("stale", 1)}, testUserID)
	clock.Advance(maxAge + time.Second)
	store.Save(map[string]Record{
		"stale":   sampleRecord("stale", 1),
		"fresh-1": sampleRecord("fresh-1", 1),
		"fresh-2": sampleRecord("fresh-2", 1),
	}, testUserID)

	if !store.NeedsRefresh(testUserID, maxAge) {
		t.Fatalf("expected a single stale record to force refresh")
	}

	store.Save(map[string]Record{
		"fresh-1": sampleRecord("fresh-1", 1),
		"fresh-2": sampleRecord("fresh-2", 1),
	}, testUserID)
	if store.NeedsRefresh(testUserID, maxAge) {
		t.Fatalf("expected fresh snapshot not to need refresh")
	}
}

func TestNeedsRefreshForEmptySnapshot(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newTestStore(t, afero.NewMemMapFs(), clock)
	store.Save(map[string]Record{}, testUserID)
	if !store.NeedsRefresh(testUserID, time.Hour) {
		t.Fatalf("expected empty snapshot to need refresh")
	}
}

func TestLoadTreatsCorruptFileAsMiss(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newTestStore(t, fs, clock)

	path, err := store.path(testUserID)
	if err != nil {
		t.Fatalf("unexpected path error: %v", err)
	}
	if err := afero.WriteFile(fs, path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to seed corrupt file: %v", err)
	}

	if _, ok := store.Load(testUserID); ok {
		t.Fatalf("expected corrupt file to load as a miss")
	}
	if !store.NeedsRefresh(testUserID, time.Hour) {
		t.Fatalf("expected corrupt file to need refresh")
	}

	store.Save(map[string]Record{"post-1": sampleRecord("post-1", 1)}, testUserID)
	if _, ok := store.Load(testUserID); !ok {
		t.Fatalf("expected save to recover from corrupt file")
	}
}

func TestClearRemovesSnapshotAndIgnoresAbsentFile(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newTestStore(t, afero.NewMemMapFs(), clock)

	store.Clear(testUserID)
	store.Save(map[string]Record{"post-1": sampleRecord("post-1", 1)}, testUserID)
	store.Clear(testUserID)

	if _, ok := store.Load(testUserID); ok {
		t.Fatalf("expected snapshot to be gone after clear")
	}
}

func TestSnapshotsArePartitionedByUser(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newTestStore(t, afero.NewMemMapFs(), clock)

	store.Save(map[string]Record{"post-1": sampleRecord("post-1", 1)}, "google:alice")
	store.Save(map[string]Record{"post-2": sampleRecord("post-2", 1)}, "../bob")

	alice, _ := store.Load("google:alice")
	bob, _ := store.Load("../bob")
	if _, found := alice["post-1"]; !found || len(alice) != 1 {
		t.Fatalf("unexpected alice snapshot: %+v", alice)
	}
	if _, found := bob["post-2"]; !found || len(bob) != 1 {
		t.Fatalf("unexpected bob snapshot: %+v", bob)
	}
	if _, ok := store.Load("  "); ok {
		t.Fatalf("expected blank user id to miss")
	}
}

func TestSaveNormalizesOutOfRangeValues(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newTestStore(t, afero.NewMemMapFs(), clock)

	record := sampleRecord("post-1", 1)
	record.Rating = IntPointer(9)
	record.HeartCount = IntPointer(-2)
	store.Save(map[string]Record{"post-1": record}, testUserID)

	loaded, _ := store.Load(testUserID)
	if loaded["post-1"].Rating != nil || loaded["post-1"].HeartCount != nil {
		t.Fatalf("expected out of range values to be dropped: %+v", loaded["post-1"])
	}
}
