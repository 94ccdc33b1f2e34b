// Package storage persists ride records and user lifetime stats. The
// conditional accept and transition updates are the single source of truth
// for cross-provider exclusivity: every status change is applied only if the
// record still holds the expected prior status.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned when a ride id does not exist.
var ErrNotFound = errors.New("ride not found")

// TransitionFields carries the per-transition mutations applied together
// with a status change.
type TransitionFields struct {
	At                 time.Time
	StartVerified      bool
	EndVerified        bool
	CancelledBy        string
	CancellationReason string
}

// RideStore defines the durable operations the dispatcher needs. AcceptRide
// and Transition are conditional: they report false, nil when the record no
// longer holds the expected status, and must be atomic at the store level.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// AcceptRide binds providerID and attaches the OTP codes iff the ride
	// is still SEARCHING. Exactly one concurrent caller can succeed.
	AcceptRide(ctx context.Context, rideID, providerID string, otp models.OTP, at time.Time) (bool, error)
	// Transition moves the ride from expected to next iff it currently
	// holds expected.
	Transition(ctx context.Context, rideID string, expected, next models.Status, f TransitionFields) (bool, error)
	// IncrementStats bumps a user's lifetime trip count and earnings.
	IncrementStats(ctx context.Context, userID string, d models.StatsDelta) error
	// AddRating folds a rating into the user's running mean.
	AddRating(ctx context.Context, userID string, rating float64) error
}

// MemoryStore is the in-process RideStore used by tests and single-node
// runs without Postgres. The mutex makes the conditional updates atomic.
type MemoryStore struct {
	mu      sync.Mutex
	rides   map[string]*models.Ride
	stats   map[string]models.StatsDelta
	ratings map[string]ratingState
}

type ratingState struct {
	avg   float64
	count int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		stats:   make(map[string]models.StatsDelta),
		ratings: make(map[string]ratingState),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) AcceptRide(ctx context.Context, rideID, providerID string, otp models.OTP, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.StatusSearching {
		return false, nil
	}
	r.Status = models.StatusAccepted
	r.ProviderID = providerID
	r.OTP = otp
	r.AcceptedAt = &at
	return true, nil
}

func (m *MemoryStore) Transition(ctx context.Context, rideID string, expected, next models.Status, f TransitionFields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, ErrNotFound
	}
	// Terminal rides are immutable; no expected status can move them.
	if r.Status != expected || r.Status.Terminal() {
		return false, nil
	}
	r.Status = next
	at := f.At
	switch next {
	case models.StatusArrived:
		r.ArrivedAt = &at
	case models.StatusStarted:
		r.StartedAt = &at
		r.OTP.StartVerified = f.StartVerified
	case models.StatusCompleted:
		r.CompletedAt = &at
		r.OTP.EndVerified = f.EndVerified
	case models.StatusCancelled:
		r.CancelledAt = &at
		r.CancelledBy = f.CancelledBy
		r.CancellationReason = f.CancellationReason
	}
	return true, nil
}

func (m *MemoryStore) IncrementStats(ctx context.Context, userID string, d models.StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.stats[userID]
	cur.Trips += d.Trips
	cur.Earnings += d.Earnings
	m.stats[userID] = cur
	return nil
}

func (m *MemoryStore) AddRating(ctx context.Context, userID string, rating float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.ratings[userID]
	cur.avg = (cur.avg*float64(cur.count) + rating) / float64(cur.count+1)
	cur.count++
	m.ratings[userID] = cur
	return nil
}

// Stats returns a user's accumulated lifetime counters.
func (m *MemoryStore) Stats(userID string) models.StatsDelta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[userID]
}

// Rating returns a user's running mean rating and rating count.
func (m *MemoryStore) Rating(userID string) (float64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.ratings[userID]
	return s.avg, s.count
}
