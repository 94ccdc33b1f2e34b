package zone

import (
	"fmt"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func pt(lat, lng float64) models.Point { return models.Point{Lat: lat, Lng: lng} }

func TestSubscribeReturnsCellAndPopulation(t *testing.T) {
	ix := NewIndex(0)
	cell, pop := ix.Subscribe("c1", "u1", pt(28.7041, 77.1025), "bike")
	if cell == "" || pop != 1 {
		t.Fatalf("unexpected cell=%q pop=%d", cell, pop)
	}
	_, pop = ix.Subscribe("c2", "u2", pt(28.7041, 77.1025), "bike")
	if pop != 2 {
		t.Fatalf("expected population 2, got %d", pop)
	}
}

func TestSubscribeRehomesSingleMembership(t *testing.T) {
	ix := NewIndex(0)
	first, _ := ix.Subscribe("c1", "u1", pt(28.7041, 77.1025), "bike")
	// Re-subscribe far away, then again at the same spot; the connection
	// must live in exactly one cell throughout.
	second, _ := ix.Subscribe("c1", "u1", pt(13.0827, 80.2707), "bike")
	if first == second {
		t.Fatalf("expected a different cell after moving")
	}
	got, ok := ix.Cell("c1")
	if !ok || got != second {
		t.Fatalf("expected membership only in %q, got %q", second, got)
	}
	if ix.Online() != 1 {
		t.Fatalf("expected one member, got %d", ix.Online())
	}
	// The emptied cell must be deleted.
	cands := ix.cellsContaining(first)
	if cands != 0 {
		t.Fatalf("stale membership left in old cell")
	}
}

// cellsContaining counts members in cell; test helper reaching into the map.
func (ix *Index) cellsContaining(cell string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.cells[cell])
}

func TestUnsubscribeDeletesEmptyCell(t *testing.T) {
	ix := NewIndex(0)
	cell, _ := ix.Subscribe("c1", "u1", pt(28.7041, 77.1025), "bike")
	ix.Unsubscribe("c1")
	if ix.Online() != 0 {
		t.Fatalf("expected empty index")
	}
	if ix.cellsContaining(cell) != 0 {
		t.Fatalf("empty cell not deleted")
	}
	// Unsubscribing twice is harmless.
	ix.Unsubscribe("c1")
}

func TestFindCandidatesSameCell(t *testing.T) {
	ix := NewIndex(0)
	ix.Subscribe("c1", "u1", pt(28.7041, 77.1025), "bike")
	ix.Subscribe("c2", "u2", pt(28.7042, 77.1026), "car")

	cands := ix.FindCandidates(pt(28.7041, 77.1025), "bike", 10, 20)
	if len(cands) != 1 || cands[0].UserID != "u1" {
		t.Fatalf("expected only the bike provider, got %+v", cands)
	}
}

func TestFindCandidatesSkipsUnavailable(t *testing.T) {
	ix := NewIndex(0)
	ix.Subscribe("c1", "u1", pt(28.7041, 77.1025), "bike")
	ix.SetAvailable("c1", false)
	if got := ix.FindCandidates(pt(28.7041, 77.1025), "bike", 10, 20); len(got) != 0 {
		t.Fatalf("unavailable provider offered: %+v", got)
	}
	ix.SetAvailable("c1", true)
	if got := ix.FindCandidates(pt(28.7041, 77.1025), "bike", 10, 20); len(got) != 1 {
		t.Fatalf("restored provider missing: %+v", got)
	}
}

func TestFindCandidatesScanFallback(t *testing.T) {
	ix := NewIndex(0)
	// ~7 km away: outside the fine neighborhood but within the scan radius.
	ix.Subscribe("c1", "u1", pt(28.7041, 77.1025), "bike")
	got := ix.FindCandidates(pt(28.6400, 77.1025), "bike", 10, 20)
	if len(got) != 1 {
		t.Fatalf("provider within radius not found: %+v", got)
	}
	if got[0].DistanceKm <= 0 || got[0].DistanceKm > 10 {
		t.Fatalf("implausible distance %f", got[0].DistanceKm)
	}
}

func TestFindCandidatesWidensRadiusOnce(t *testing.T) {
	ix := NewIndex(0)
	// ~56 km away: beyond the coarse tiers near a prefix boundary would be
	// rare, so force the pure-scan path by checking a capability that only
	// the distant provider has.
	ix.Subscribe("c1", "u1", pt(28.2000, 77.1025), "auto")
	got := ix.FindCandidates(pt(28.7041, 77.1025), "auto", 30, 60)
	if len(got) != 1 {
		t.Fatalf("expected widened scan to find the provider, got %+v", got)
	}
}

func TestFindCandidatesSortedByDistance(t *testing.T) {
	ix := NewIndex(0)
	for i, lat := range []float64{28.7100, 28.7041, 28.7060} {
		ix.Subscribe(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i), pt(lat, 77.1025), "bike")
	}
	got := ix.FindCandidates(pt(28.7041, 77.1025), "bike", 10, 20)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].DistanceKm < got[i-1].DistanceKm {
			t.Fatalf("candidates not sorted: %+v", got)
		}
	}
	if got[0].UserID != "u1" {
		t.Fatalf("nearest candidate should be u1, got %s", got[0].UserID)
	}
}

func TestFindCandidatesEmptyIsNormal(t *testing.T) {
	ix := NewIndex(0)
	if got := ix.FindCandidates(pt(28.7041, 77.1025), "bike", 10, 20); got != nil {
		t.Fatalf("expected nil result, got %+v", got)
	}
}

func TestSearchTiersNeverRepeatAPrecision(t *testing.T) {
	cases := map[int][]int{
		6: {6, 5, 4},
		5: {5, 4},
		4: {4},
		3: {3},
	}
	for precision, want := range cases {
		got := NewIndex(precision).tiers()
		if len(got) != len(want) {
			t.Fatalf("precision %d: tiers %v, want %v", precision, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("precision %d: tiers %v, want %v", precision, got, want)
			}
		}
	}
}
