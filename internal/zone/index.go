// Package zone maintains the in-memory index of online provider connections
// keyed by geohash cell, and answers candidate queries for ride fan-out.
package zone

import (
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/geocell"
	"github.com/example/ride-dispatch/internal/models"
)

// member is the per-connection record kept while a provider is online.
type member struct {
	connID     string
	userID     string
	cell       string
	loc        models.Point
	capability string
	available  bool
}

// Index maps cells to online provider connections. All methods are safe for
// concurrent use; no method blocks on I/O while holding the lock.
type Index struct {
	precision int

	mu      sync.RWMutex
	cells   map[string]map[string]struct{} // cell -> set of connIDs
	members map[string]*member             // connID -> record
}

// NewIndex creates an index partitioned at the given geohash precision.
// Precision 0 falls back to the default fine precision (~1.2 km cells).
func NewIndex(precision int) *Index {
	if precision <= 0 {
		precision = geocell.PrecisionFine
	}
	return &Index{
		precision: precision,
		cells:     make(map[string]map[string]struct{}),
		members:   make(map[string]*member),
	}
}

// Subscribe homes the connection into the cell containing loc, removing it
// from any previous cell first. Repeated calls just re-home the connection.
// Returns the cell id and the cell population after insertion.
func (ix *Index) Subscribe(connID, userID string, loc models.Point, capability string) (string, int) {
	cell := geocell.CellAt(loc.Lat, loc.Lng, ix.precision)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	m, ok := ix.members[connID]
	if ok {
		if m.cell != cell {
			ix.removeFromCell(m)
		}
		m.cell = cell
		m.loc = loc
		m.capability = capability
		m.userID = userID
	} else {
		m = &member{connID: connID, userID: userID, cell: cell, loc: loc, capability: capability, available: true}
		ix.members[connID] = m
	}

	set, ok := ix.cells[cell]
	if !ok {
		set = make(map[string]struct{})
		ix.cells[cell] = set
	}
	set[connID] = struct{}{}
	return cell, len(set)
}

// Unsubscribe removes the connection entirely. Empty cells are deleted so the
// table stays bounded under churn.
func (ix *Index) Unsubscribe(connID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	m, ok := ix.members[connID]
	if !ok {
		return
	}
	ix.removeFromCell(m)
	delete(ix.members, connID)
}

// removeFromCell must be called with ix.mu held.
func (ix *Index) removeFromCell(m *member) {
	if set, ok := ix.cells[m.cell]; ok {
		delete(set, m.connID)
		if len(set) == 0 {
			delete(ix.cells, m.cell)
		}
	}
}

// SetAvailable flips the availability flag without touching cell membership.
// An unavailable provider stays subscribed but is skipped by candidate search.
func (ix *Index) SetAvailable(connID string, available bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if m, ok := ix.members[connID]; ok {
		m.available = available
	}
}

// UpdateLocation refreshes a member's last known location and re-homes it if
// the new point falls into a different cell.
func (ix *Index) UpdateLocation(connID string, loc models.Point) {
	cell := geocell.CellAt(loc.Lat, loc.Lng, ix.precision)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	m, ok := ix.members[connID]
	if !ok {
		return
	}
	m.loc = loc
	if m.cell == cell {
		return
	}
	ix.removeFromCell(m)
	m.cell = cell
	set, ok := ix.cells[cell]
	if !ok {
		set = make(map[string]struct{})
		ix.cells[cell] = set
	}
	set[connID] = struct{}{}
}

// Cell returns the cell the connection currently belongs to, if any.
func (ix *Index) Cell(connID string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	m, ok := ix.members[connID]
	if !ok {
		return "", false
	}
	return m.cell, true
}

// Online returns the number of subscribed connections.
func (ix *Index) Online() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.members)
}

// FindCandidates returns available, capability-matching providers near the
// pickup point, sorted by ascending distance.
//
// Two tiers: first the pickup cell and its 8 neighbors at the configured
// precision, then one and two coarser precisions, stopping at the first tier
// with at least one match. If every tier is empty, fall back to a haversine
// scan of all members within radiusKm, widening once to maxRadiusKm if that
// too comes up empty. The scan guards against false negatives at cell
// boundaries and in sparse coverage.
func (ix *Index) FindCandidates(pickup models.Point, capability string, radiusKm, maxRadiusKm float64) []models.Candidate {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for _, precision := range ix.tiers() {
		if out := ix.cellTier(pickup, capability, precision); len(out) > 0 {
			return out
		}
	}
	if out := ix.scanTier(pickup, capability, radiusKm); len(out) > 0 {
		return out
	}
	if maxRadiusKm <= radiusKm {
		maxRadiusKm = radiusKm * 2
	}
	return ix.scanTier(pickup, capability, maxRadiusKm)
}

// tiers lists the cell precisions to search, configured first and then the
// strictly coarser fallbacks. Precisions at or finer than the configured one
// are never repeated.
func (ix *Index) tiers() []int {
	out := []int{ix.precision}
	for _, p := range []int{geocell.PrecisionMid, geocell.PrecisionCoarse} {
		if p < ix.precision {
			out = append(out, p)
		}
	}
	return out
}

// cellTier collects matches from the pickup cell and its neighbors at the
// given precision. Must be called with ix.mu read-held.
func (ix *Index) cellTier(pickup models.Point, capability string, precision int) []models.Candidate {
	hood := make(map[string]struct{}, 9)
	for _, c := range geocell.Neighborhood(pickup.Lat, pickup.Lng, precision) {
		hood[c] = struct{}{}
	}
	var out []models.Candidate
	for cell, set := range ix.cells {
		if _, ok := hood[geocell.Prefix(cell, precision)]; !ok {
			continue
		}
		for connID := range set {
			m := ix.members[connID]
			if c, ok := ix.candidateFrom(m, pickup, capability); ok {
				out = append(out, c)
			}
		}
	}
	sortByDistance(out)
	return out
}

// scanTier walks every member and filters by true great-circle distance.
// Must be called with ix.mu read-held.
func (ix *Index) scanTier(pickup models.Point, capability string, radiusKm float64) []models.Candidate {
	var out []models.Candidate
	for _, m := range ix.members {
		c, ok := ix.candidateFrom(m, pickup, capability)
		if !ok || c.DistanceKm > radiusKm {
			continue
		}
		out = append(out, c)
	}
	sortByDistance(out)
	return out
}

func (ix *Index) candidateFrom(m *member, pickup models.Point, capability string) (models.Candidate, bool) {
	if m == nil || !m.available || m.capability != capability {
		return models.Candidate{}, false
	}
	return models.Candidate{
		ConnID:     m.connID,
		UserID:     m.userID,
		Location:   m.loc,
		DistanceKm: geocell.HaversineKm(pickup.Lat, pickup.Lng, m.loc.Lat, m.loc.Lng),
	}, true
}

func sortByDistance(cands []models.Candidate) {
	sort.Slice(cands, func(i, j int) bool { return cands[i].DistanceKm < cands[j].DistanceKm })
}
