package cache

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"commutecircles/pkg/geo"
	"commutecircles/pkg/types"
)

// storeFactory returns an empty store that is closed when the test ends.
type storeFactory func(t *testing.T) Store

func resolved(origin, dest types.LocationKey, hour *int, raw string, minutes int) types.TransitRecord {
	return types.TransitRecord{
		Query:           types.NewQuery(origin, dest, hour),
		RawDurationText: types.StringPtr(raw),
		DurationMinutes: types.IntPtr(minutes),
	}
}

func runStoreTests(t *testing.T, newStore storeFactory) {
	t.Run("GetMiss", func(t *testing.T) { testGetMiss(t, newStore(t)) })
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("HourIsPartOfKey", func(t *testing.T) { testHourIsPartOfKey(t, newStore(t)) })
	t.Run("PutNeverRegresses", func(t *testing.T) { testPutNeverRegresses(t, newStore(t)) })
	t.Run("FailedThenResolved", func(t *testing.T) { testFailedThenResolved(t, newStore(t)) })
	t.Run("Range", func(t *testing.T) { testRange(t, newStore(t)) })
	t.Run("Farthest", func(t *testing.T) { testFarthest(t, newStore(t)) })
	t.Run("HourScoped", func(t *testing.T) { testHourScoped(t, newStore(t)) })
	t.Run("Backfill", func(t *testing.T) { testBackfill(t, newStore(t)) })
	t.Run("Coordinates", func(t *testing.T) { testCoordinates(t, newStore(t)) })
	t.Run("ConcurrentPuts", func(t *testing.T) { testConcurrentPuts(t, newStore(t)) })
}

func testGetMiss(t *testing.T, s Store) {
	rec, err := s.Get(context.Background(), types.NewQuery("A", "B", nil))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Get() = %+v, want nil", rec)
	}
}

func testPutGet(t *testing.T, s Store) {
	ctx := context.Background()
	want := resolved("Shibuya Station, Tokyo", "Ueno Station, Tokyo", types.IntPtr(8), "25 mins", 25)

	if err := s.Put(ctx, want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, want.Query)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() = nil, want record")
	}
	if !reflect.DeepEqual(*got, want) {
		t.Errorf("Get() = %+v, want %+v", *got, want)
	}
}

func testHourIsPartOfKey(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.Put(ctx, resolved("A", "B", nil, "10 min", 10)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, resolved("A", "B", types.IntPtr(0), "20 min", 20)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	noHour, _ := s.Get(ctx, types.NewQuery("A", "B", nil))
	midnight, _ := s.Get(ctx, types.NewQuery("A", "B", types.IntPtr(0)))
	nine, _ := s.Get(ctx, types.NewQuery("A", "B", types.IntPtr(9)))

	if m, _ := noHour.Minutes(); m != 10 {
		t.Errorf("nil hour minutes = %d, want 10", m)
	}
	if noHour.Query.DepartureHour != nil {
		t.Errorf("nil hour record came back with hour %d", *noHour.Query.DepartureHour)
	}
	if m, _ := midnight.Minutes(); m != 20 {
		t.Errorf("hour 0 minutes = %d, want 20", m)
	}
	if nine != nil {
		t.Errorf("hour 9 = %+v, want nil", nine)
	}
}

func testPutNeverRegresses(t *testing.T, s Store) {
	ctx := context.Background()
	q := types.NewQuery("A", "B", nil)

	if err := s.Put(ctx, resolved("A", "B", nil, "25 min", 25)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, types.FailedRecord(q)); err != nil {
		t.Fatalf("Put(failed) error = %v", err)
	}
	if err := s.Put(ctx, resolved("A", "B", nil, "40 min", 40)); err != nil {
		t.Fatalf("Put(other) error = %v", err)
	}

	got, err := s.Get(ctx, q)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if m, ok := got.Minutes(); !ok || m != 25 {
		t.Errorf("Minutes() = %d, %v; want 25, true", m, ok)
	}
	if got.RawDurationText == nil || *got.RawDurationText != "25 min" {
		t.Errorf("RawDurationText = %v, want 25 min", got.RawDurationText)
	}
}

func testFailedThenResolved(t *testing.T, s Store) {
	ctx := context.Background()
	q := types.NewQuery("A", "B", types.IntPtr(7))

	if err := s.Put(ctx, types.FailedRecord(q)); err != nil {
		t.Fatalf("Put(failed) error = %v", err)
	}
	got, _ := s.Get(ctx, q)
	if got == nil || !got.Failed() {
		t.Fatalf("Get() = %+v, want failed record", got)
	}

	if err := s.Put(ctx, resolved("A", "B", types.IntPtr(7), "1 hr", 60)); err != nil {
		t.Fatalf("Put(resolved) error = %v", err)
	}
	got, _ = s.Get(ctx, q)
	if m, ok := got.Minutes(); !ok || m != 60 {
		t.Errorf("Minutes() = %d, %v; want 60, true", m, ok)
	}
}

func testRange(t *testing.T, s Store) {
	ctx := context.Background()
	records := []types.TransitRecord{
		resolved("O", "Ueno", nil, "20 min", 20),
		resolved("O", "Akihabara", nil, "30 min", 30),
		resolved("O", "Shinjuku", nil, "35 min", 35),
		resolved("O", "Shinjuku", types.IntPtr(8), "15 min", 15),
		resolved("Other", "Ikebukuro", nil, "5 min", 5),
		types.FailedRecord(types.NewQuery("O", "Nowhere", nil)),
		{Query: types.NewQuery("O", "Unparsed", nil), RawDurationText: types.StringPtr("soon")},
	}
	for _, r := range records {
		if err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put(%v) error = %v", r.Query, err)
		}
	}

	tests := []struct {
		max  int
		want []types.LocationKey
	}{
		{max: 10, want: nil},
		{max: 15, want: []types.LocationKey{"Shinjuku"}},
		{max: 20, want: []types.LocationKey{"Shinjuku", "Ueno"}},
		{max: 30, want: []types.LocationKey{"Akihabara", "Shinjuku", "Ueno"}},
		{max: 120, want: []types.LocationKey{"Akihabara", "Shinjuku", "Ueno"}},
	}

	var prev []types.LocationKey
	for _, tt := range tests {
		t.Run(fmt.Sprintf("max=%d", tt.max), func(t *testing.T) {
			got, err := s.RangeByOriginAndMaxDuration(ctx, "O", tt.max)
			if err != nil {
				t.Fatalf("RangeByOriginAndMaxDuration() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("RangeByOriginAndMaxDuration(%d) = %v, want %v", tt.max, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("RangeByOriginAndMaxDuration(%d) = %v, want %v", tt.max, got, tt.want)
					break
				}
			}
			if !isSubset(prev, got) {
				t.Errorf("range for %d is not a superset of the previous range %v", tt.max, prev)
			}
			prev = got
		})
	}
}

func testFarthest(t *testing.T, s Store) {
	ctx := context.Background()
	for _, r := range []types.TransitRecord{
		resolved("O", "A", nil, "10 min", 10),
		resolved("O", "B", nil, "30 min", 30),
		resolved("O", "C", nil, "30 min", 30),
		resolved("O", "D", types.IntPtr(8), "45 min", 45),
		types.FailedRecord(types.NewQuery("O", "E", nil)),
		resolved("O", "F", nil, "50 min", 50),
		resolved("O", "F", types.IntPtr(8), "5 min", 5),
	} {
		if err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	tests := []struct {
		name       string
		candidates []types.LocationKey
		want       types.LocationKey
	}{
		{name: "largest wins", candidates: []types.LocationKey{"A", "B"}, want: "B"},
		{name: "tie goes to first seen", candidates: []types.LocationKey{"C", "B", "A"}, want: "C"},
		{name: "any hour counts", candidates: []types.LocationKey{"A", "D"}, want: "D"},
		{name: "fastest hour of a destination counts", candidates: []types.LocationKey{"F", "B"}, want: "B"},
		{name: "unknown candidates ignored", candidates: []types.LocationKey{"Z", "A"}, want: "A"},
		{name: "null durations ignored", candidates: []types.LocationKey{"E"}, want: "O"},
		{name: "empty candidates", candidates: nil, want: "O"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.FarthestDestination(ctx, "O", tt.candidates)
			if err != nil {
				t.Fatalf("FarthestDestination() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("FarthestDestination(%v) = %q, want %q", tt.candidates, got, tt.want)
			}
		})
	}
}

// testHourScoped stores the same pair at two hours with durations on either
// side of a budget. The farthest point must never be a destination the
// reachable set excluded.
func testHourScoped(t *testing.T, s Store) {
	ctx := context.Background()
	for _, r := range []types.TransitRecord{
		resolved("O", "Shinjuku", types.IntPtr(8), "15 min", 15),
		resolved("O", "Shinjuku", nil, "35 min", 35),
		resolved("O", "Ueno", nil, "20 min", 20),
		resolved("O", "Ikebukuro", types.IntPtr(8), "18 min", 18),
	} {
		if err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put(%v) error = %v", r.Query, err)
		}
	}

	tests := []struct {
		name          string
		hour          *int
		wantReachable []types.LocationKey
		wantFarthest  types.LocationKey
	}{
		{name: "no hour", hour: nil, wantReachable: []types.LocationKey{"Ueno"}, wantFarthest: "Ueno"},
		{name: "hour 8", hour: types.IntPtr(8), wantReachable: []types.LocationKey{"Ikebukuro", "Shinjuku"}, wantFarthest: "Ikebukuro"},
		{name: "hour with no rows", hour: types.IntPtr(17), wantReachable: nil, wantFarthest: "O"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reachable, err := s.ReachableAt(ctx, "O", tt.hour, 22)
			if err != nil {
				t.Fatalf("ReachableAt() error = %v", err)
			}
			if !reflect.DeepEqual(reachable, tt.wantReachable) {
				t.Errorf("ReachableAt() = %v, want %v", reachable, tt.wantReachable)
			}

			edge, err := s.FarthestAt(ctx, "O", tt.hour, reachable)
			if err != nil {
				t.Fatalf("FarthestAt() error = %v", err)
			}
			if edge != tt.wantFarthest {
				t.Errorf("FarthestAt(%v) = %q, want %q", reachable, edge, tt.wantFarthest)
			}
		})
	}

	// Over every hour Shinjuku is reachable through its 15 minute record, and
	// its fastest duration keeps it behind Ueno.
	all, err := s.RangeByOriginAndMaxDuration(ctx, "O", 22)
	if err != nil {
		t.Fatalf("RangeByOriginAndMaxDuration() error = %v", err)
	}
	if want := []types.LocationKey{"Ikebukuro", "Shinjuku", "Ueno"}; !reflect.DeepEqual(all, want) {
		t.Errorf("RangeByOriginAndMaxDuration() = %v, want %v", all, want)
	}
	edge, err := s.FarthestDestination(ctx, "O", all)
	if err != nil {
		t.Fatalf("FarthestDestination() error = %v", err)
	}
	if edge != "Ueno" {
		t.Errorf("FarthestDestination(%v) = %q, want Ueno", all, edge)
	}
}

func testBackfill(t *testing.T, s Store) {
	ctx := context.Background()
	unparsed := types.NewQuery("O", "Late", nil)
	garbage := types.NewQuery("O", "Garbage", nil)
	failed := types.NewQuery("O", "Failed", nil)

	for _, r := range []types.TransitRecord{
		{Query: unparsed, RawDurationText: types.StringPtr("1 hr")},
		{Query: garbage, RawDurationText: types.StringPtr("garbage")},
		types.FailedRecord(failed),
		resolved("O", "Done", nil, "5 min", 5),
	} {
		if err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	parse := func(text string) (int, bool) {
		if text == "1 hr" {
			return 60, true
		}
		return 0, false
	}

	filled, err := s.Backfill(ctx, parse)
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}
	if filled != 1 {
		t.Errorf("Backfill() filled = %d, want 1", filled)
	}

	got, _ := s.Get(ctx, unparsed)
	if m, ok := got.Minutes(); !ok || m != 60 {
		t.Errorf("Minutes() = %d, %v; want 60, true", m, ok)
	}

	again, err := s.Backfill(ctx, parse)
	if err != nil {
		t.Fatalf("second Backfill() error = %v", err)
	}
	if again != 0 {
		t.Errorf("second Backfill() filled = %d, want 0", again)
	}

	if rec, _ := s.Get(ctx, failed); rec == nil || !rec.Failed() {
		t.Errorf("failed record = %+v, want untouched failure", rec)
	}
}

func testCoordinates(t *testing.T, s Store) {
	ctx := context.Background()

	if _, ok, err := s.LoadCoordinate(ctx, "Ueno Station, Tokyo"); err != nil || ok {
		t.Fatalf("LoadCoordinate() = ok %v, err %v; want miss", ok, err)
	}

	want := geo.Coordinate{Lat: 35.7138, Lng: 139.7773}
	if err := s.SaveCoordinate(ctx, "Ueno Station, Tokyo", want); err != nil {
		t.Fatalf("SaveCoordinate() error = %v", err)
	}
	got, ok, err := s.LoadCoordinate(ctx, "Ueno Station, Tokyo")
	if err != nil || !ok {
		t.Fatalf("LoadCoordinate() = ok %v, err %v; want hit", ok, err)
	}
	if got != want {
		t.Errorf("LoadCoordinate() = %v, want %v", got, want)
	}

	moved := geo.Coordinate{Lat: 35.7141, Lng: 139.7774}
	if err := s.SaveCoordinate(ctx, "Ueno Station, Tokyo", moved); err != nil {
		t.Fatalf("SaveCoordinate() overwrite error = %v", err)
	}
	if got, _, _ := s.LoadCoordinate(ctx, "Ueno Station, Tokyo"); got != moved {
		t.Errorf("LoadCoordinate() after overwrite = %v, want %v", got, moved)
	}
}

func testConcurrentPuts(t *testing.T, s Store) {
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dest := types.LocationKey(fmt.Sprintf("Station %02d", i))
			if err := s.Put(ctx, resolved("O", dest, nil, "10 min", 10+i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Put() error = %v", err)
	}

	got, err := s.RangeByOriginAndMaxDuration(ctx, "O", 10+n)
	if err != nil {
		t.Fatalf("RangeByOriginAndMaxDuration() error = %v", err)
	}
	if len(got) != n {
		t.Errorf("len(range) = %d, want %d", len(got), n)
	}
}

func isSubset(small, big []types.LocationKey) bool {
	set := make(map[types.LocationKey]struct{}, len(big))
	for _, k := range big {
		set[k] = struct{}{}
	}
	for _, k := range small {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}
