package models

import "encoding/json"

// Event is the envelope for every message on the realtime surface, both
// directions. Data holds the type-specific payload.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Inbound is a raw incoming event whose payload is decoded per type.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound event types.
const (
	EvSubscribeZone  = "subscribeZone"
	EvGoOnline       = "goOnline"
	EvGoOffline      = "goOffline"
	EvRequestRide    = "requestRide"
	EvAcceptRide     = "acceptRide"
	EvMarkArrived    = "markArrived"
	EvStartRide      = "startRide"
	EvCompleteRide   = "completeRide"
	EvCancelRide     = "cancelRide"
	EvUpdateLocation = "updateLocation"
	EvSubmitRating   = "submitRating"
)

// Outbound event types.
const (
	EvZoneSubscribed      = "zoneSubscribed"
	EvAvailabilityChanged = "availabilityChanged"
	EvNewRideOffer        = "newRideOffer"
	EvRideWithdrawn       = "rideWithdrawn"
	EvRideBound           = "rideBound"
	EvAcceptConfirmed     = "acceptConfirmed"
	EvRideAcceptFailed    = "rideAcceptFailed"
	EvStatusChanged       = "statusChanged"
	EvOTPRejected         = "otpRejected"
	EvLocationRelayed     = "locationRelayed"
	EvRideCancelled       = "rideCancelled"
	EvRideRequested       = "rideRequested"
	EvError               = "error"
)

// Inbound payloads.

type SubscribeZonePayload struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Capability string  `json:"capability"`
}

type RequestRidePayload struct {
	Pickup     Point  `json:"pickup"`
	Dropoff    Point  `json:"dropoff"`
	Capability string `json:"capability"`
}

type RideIDPayload struct {
	RideID string `json:"ride_id"`
}

type RideCodePayload struct {
	RideID string `json:"ride_id"`
	Code   string `json:"code"`
}

type CancelRidePayload struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

type UpdateLocationPayload struct {
	RideID string  `json:"ride_id,omitempty"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

type SubmitRatingPayload struct {
	RideID  string  `json:"ride_id"`
	Rating  float64 `json:"rating"`
	Comment string  `json:"comment,omitempty"`
}

// Outbound payloads.

type ZoneSubscribedPayload struct {
	Cell       string `json:"cell"`
	Population int    `json:"population"`
}

type AvailabilityPayload struct {
	Online bool `json:"online"`
}

type RideOfferPayload struct {
	RideID           string       `json:"ride_id"`
	Pickup           Point        `json:"pickup"`
	Dropoff          Point        `json:"dropoff"`
	Capability       string       `json:"capability"`
	Fare             FareSnapshot `json:"fare"`
	DistanceToPickup float64      `json:"distance_to_pickup_km"`
}

type RideWithdrawnPayload struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

type RideBoundPayload struct {
	RideID     string `json:"ride_id"`
	ProviderID string `json:"provider_id"`
	StartCode  string `json:"start_code"`
	EndCode    string `json:"end_code"`
	Ride       *Ride  `json:"ride"`
}

type StatusChangedPayload struct {
	RideID string `json:"ride_id"`
	Status Status `json:"status"`
}

type OTPRejectedPayload struct {
	RideID  string `json:"ride_id"`
	Message string `json:"message"`
}

type LocationRelayedPayload struct {
	RideID string  `json:"ride_id"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

type RideCancelledPayload struct {
	RideID string `json:"ride_id"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type RideRequestedPayload struct {
	RideID         string `json:"ride_id"`
	CandidateCount int    `json:"candidate_count"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RideID  string `json:"ride_id,omitempty"`
}
