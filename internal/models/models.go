package models

import "time"

// Point is a geographic coordinate with an optional human-readable address.
type Point struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Status is the ride lifecycle state. Transitions only move forward along
// SEARCHING -> ACCEPTED -> ARRIVED -> STARTED -> COMPLETED; CANCELLED is
// reachable from any non-terminal state.
type Status string

const (
	StatusSearching Status = "SEARCHING"
	StatusAccepted  Status = "ACCEPTED"
	StatusArrived   Status = "ARRIVED"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// OTP holds the two one-time codes exchanged out-of-band between requester
// and provider. The start code must be consumed before the end code.
type OTP struct {
	StartCode     string `json:"start_code"`
	EndCode       string `json:"end_code"`
	StartVerified bool   `json:"start_verified"`
	EndVerified   bool   `json:"end_verified"`
}

// FareSnapshot is the opaque price breakdown computed once at request time
// by the external pricing collaborator. The engine never recomputes it.
type FareSnapshot struct {
	Currency  string    `json:"currency"`
	Amount    float64   `json:"amount"`
	Breakdown string    `json:"breakdown,omitempty"`
	QuotedAt  time.Time `json:"quoted_at"`
}

// Ride is the durable ride record. ProviderID is set at most once, by the
// conditional accept update; a terminal ride is immutable.
type Ride struct {
	ID            string       `json:"id"`
	RequesterID   string       `json:"requester_id"`
	ProviderID    string       `json:"provider_id,omitempty"`
	Status        Status       `json:"status"`
	Pickup        Point        `json:"pickup"`
	Dropoff       Point        `json:"dropoff"`
	CapabilityTag string       `json:"capability"`
	Fare          FareSnapshot `json:"fare"`
	OTP           OTP          `json:"-"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelledBy        string `json:"cancelled_by,omitempty"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
}

// Candidate is an online, capability-matching provider connection eligible
// to receive a ride offer, with its distance from the pickup point.
type Candidate struct {
	ConnID     string  `json:"-"`
	UserID     string  `json:"user_id"`
	Location   Point   `json:"location"`
	DistanceKm float64 `json:"distance_km"`
}

// StatsDelta carries the lifetime-counter increments applied when a ride
// completes.
type StatsDelta struct {
	Trips    int     `json:"trips"`
	Earnings float64 `json:"earnings"`
}

// LocationPing is a high-frequency provider location sample. RideID is set
// only while the provider is bound to an in-flight ride.
type LocationPing struct {
	UserID string    `json:"user_id"`
	RideID string    `json:"ride_id,omitempty"`
	Lat    float64   `json:"lat"`
	Lng    float64   `json:"lng"`
	At     time.Time `json:"at"`
}
