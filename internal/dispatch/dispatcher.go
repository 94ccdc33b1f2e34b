// Package dispatch owns the ride lifecycle: candidate fan-out, the
// single-winner accept, OTP-gated start/complete, cancellation and rating.
// Every transition performs exactly one durable write followed by
// best-effort notifications; no in-process lock guards cross-provider
// exclusivity, that rests entirely on the store's conditional updates.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// Zone is the candidate index the dispatcher consults. Implemented by
// zone.Index.
type Zone interface {
	Subscribe(connID, userID string, loc models.Point, capability string) (string, int)
	Unsubscribe(connID string)
	SetAvailable(connID string, available bool)
	UpdateLocation(connID string, loc models.Point)
	FindCandidates(pickup models.Point, capability string, radiusKm, maxRadiusKm float64) []models.Candidate
	Online() int
}

// Notifier delivers an event to a live connection.
type Notifier interface {
	Send(connID string, ev models.Event) error
}

// Pusher is the push-gateway fallback for users without a live connection.
type Pusher interface {
	Push(userID string, ev models.Event)
}

// Quoter is the external fare collaborator.
type Quoter interface {
	ComputeFareSnapshot(pickup, dropoff models.Point, capability string) (models.FareSnapshot, error)
}

// Recorder persists coarse last-known locations (Redis, Kafka, or both).
type Recorder interface {
	Record(ctx context.Context, ping models.LocationPing) error
}

// Locator reads a provider's last recorded location; optional, used to seed
// a reconnecting provider's zone subscription.
type Locator interface {
	LastKnown(ctx context.Context, userID string) (models.Point, bool)
}

// Holder places and settles fare holds; optional.
type Holder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Service is the ride dispatcher.
type Service struct {
	Store    storage.RideStore
	Zone     Zone
	Registry *registry.Registry
	Bindings *registry.Bindings
	Notifier Notifier
	Quoter   Quoter
	Push     Pusher   // optional
	Location Recorder // optional
	Locator  Locator  // optional
	Payments Holder   // optional
	Logger   *slog.Logger

	OTPLength       int
	ScanRadiusKm    float64
	ScanRadiusMaxKm float64

	mu      sync.Mutex
	fanout  map[string][]models.Candidate // rideID -> candidates notified at request time
	intents map[string]string             // rideID -> payment intent id
}

func NewService(store storage.RideStore, zone Zone, reg *registry.Registry, notifier Notifier, quoter Quoter, logger *slog.Logger) *Service {
	return &Service{
		Store:           store,
		Zone:            zone,
		Registry:        reg,
		Bindings:        registry.NewBindings(),
		Notifier:        notifier,
		Quoter:          quoter,
		Logger:          logger,
		OTPLength:       4,
		ScanRadiusKm:    10,
		ScanRadiusMaxKm: 20,
		fanout:          make(map[string][]models.Candidate),
		intents:         make(map[string]string),
	}
}

// SubscribeZone homes a provider connection into the zone index and reports
// the resulting cell and population. A subscribe without coordinates is
// seeded from the provider's last recorded location when one is available.
func (s *Service) SubscribeZone(ctx context.Context, connID, userID string, loc models.Point, capability string) (string, int, error) {
	if capability == "" {
		return "", 0, validationf("capability tag required")
	}
	if err := validatePoint(loc); err != nil {
		known, ok := models.Point{}, false
		if s.Locator != nil && loc.Lat == 0 && loc.Lng == 0 {
			known, ok = s.Locator.LastKnown(ctx, userID)
		}
		if !ok {
			return "", 0, err
		}
		loc = known
	}
	cell, pop := s.Zone.Subscribe(connID, userID, loc, capability)
	observability.ProvidersOnline.Set(float64(s.Zone.Online()))
	return cell, pop, nil
}

// GoOffline removes the connection from the zone index. In-flight rides are
// left untouched: losing availability bookkeeping never cancels a ride.
func (s *Service) GoOffline(connID string) {
	s.Zone.Unsubscribe(connID)
	observability.ProvidersOnline.Set(float64(s.Zone.Online()))
}

// HandleDisconnect is invoked by the connection layer when a socket dies.
func (s *Service) HandleDisconnect(connID string) {
	s.Zone.Unsubscribe(connID)
	s.Registry.Release(connID)
	observability.ProvidersOnline.Set(float64(s.Zone.Online()))
}

// RequestRide creates the ride, fans an offer out to every candidate and
// returns the ride plus the number of candidates notified. Zero candidates
// is a normal outcome, not an error.
func (s *Service) RequestRide(ctx context.Context, requesterID string, req models.RequestRidePayload) (*models.Ride, int, error) {
	if err := validatePoint(req.Pickup); err != nil {
		return nil, 0, err
	}
	if err := validatePoint(req.Dropoff); err != nil {
		return nil, 0, err
	}
	if req.Capability == "" {
		return nil, 0, validationf("capability tag required")
	}

	fare, err := s.Quoter.ComputeFareSnapshot(req.Pickup, req.Dropoff, req.Capability)
	if err != nil {
		return nil, 0, err
	}

	ride := &models.Ride{
		ID:            newID(),
		RequesterID:   requesterID,
		Status:        models.StatusSearching,
		Pickup:        req.Pickup,
		Dropoff:       req.Dropoff,
		CapabilityTag: req.Capability,
		Fare:          fare,
		RequestedAt:   time.Now(),
	}
	if err := s.Store.CreateRide(ctx, ride); err != nil {
		return nil, 0, err
	}
	observability.RidesRequested.Inc()

	cands := s.Zone.FindCandidates(req.Pickup, req.Capability, s.ScanRadiusKm, s.ScanRadiusMaxKm)
	observability.CandidateSearchSize.Observe(float64(len(cands)))

	// Remember exactly who was offered this ride; withdrawal broadcasts use
	// this list, not current zone membership.
	s.mu.Lock()
	s.fanout[ride.ID] = cands
	s.mu.Unlock()

	offer := models.RideOfferPayload{
		RideID:     ride.ID,
		Pickup:     ride.Pickup,
		Dropoff:    ride.Dropoff,
		Capability: ride.CapabilityTag,
		Fare:       ride.Fare,
	}
	for _, c := range cands {
		offer.DistanceToPickup = c.DistanceKm
		s.send(c.ConnID, models.Event{Type: models.EvNewRideOffer, Data: offer})
		observability.OffersSent.Inc()
	}
	return ride, len(cands), nil
}

// AcceptRide resolves the single-assignment race. The conditional store
// update is the only arbiter: exactly one concurrent caller sees it succeed,
// everyone else gets ErrRideUnavailable.
func (s *Service) AcceptRide(ctx context.Context, providerID, rideID string) (*models.Ride, error) {
	otp := models.OTP{StartCode: newCode(s.OTPLength), EndCode: newCode(s.OTPLength)}
	ok, err := s.Store.AcceptRide(ctx, rideID, providerID, otp, time.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		observability.AcceptsLost.Inc()
		return nil, ErrRideUnavailable
	}
	observability.AcceptsWon.Inc()

	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}

	// Bind the two live connections for the relay path and mark the winner
	// unavailable so it stops receiving offers.
	requesterConn, _ := s.Registry.Lookup(ride.RequesterID)
	providerConn, _ := s.Registry.Lookup(providerID)
	s.Bindings.Put(registry.Binding{
		RideID:          rideID,
		RequesterID:     ride.RequesterID,
		ProviderID:      providerID,
		RequesterConnID: requesterConn,
		ProviderConnID:  providerConn,
	})
	observability.ActiveBindings.Set(float64(s.Bindings.Len()))
	s.Zone.SetAvailable(providerConn, false)

	if s.Payments != nil {
		if intent, err := s.Payments.Hold(ctx, int64(math.Round(ride.Fare.Amount*100)), ride.Fare.Currency, ride.RequesterID); err != nil {
			s.Logger.Warn("fare hold failed", "ride", rideID, "error", err)
		} else {
			s.mu.Lock()
			s.intents[rideID] = intent
			s.mu.Unlock()
		}
	}

	s.sendUser(ride.RequesterID, models.Event{Type: models.EvRideBound, Data: models.RideBoundPayload{
		RideID:     rideID,
		ProviderID: providerID,
		StartCode:  otp.StartCode,
		EndCode:    otp.EndCode,
		Ride:       ride,
	}})
	s.withdrawFromLosers(rideID, providerID, "accepted by another provider")
	return ride, nil
}

// withdrawFromLosers notifies every originally-offered candidate except the
// winner, then forgets the fan-out set.
func (s *Service) withdrawFromLosers(rideID, winnerID, reason string) {
	s.mu.Lock()
	cands := s.fanout[rideID]
	delete(s.fanout, rideID)
	s.mu.Unlock()

	ev := models.Event{Type: models.EvRideWithdrawn, Data: models.RideWithdrawnPayload{RideID: rideID, Reason: reason}}
	for _, c := range cands {
		if c.UserID == winnerID {
			continue
		}
		s.send(c.ConnID, ev)
	}
}

// MarkArrived moves ACCEPTED -> ARRIVED and relays the change to the
// requester.
func (s *Service) MarkArrived(ctx context.Context, providerID, rideID string) (*models.Ride, error) {
	return s.providerTransition(ctx, providerID, rideID, eventArrive, "")
}

// StartRide verifies the start code and moves ARRIVED -> STARTED. A wrong
// code returns ErrInvalidOTP and leaves the ride untouched, so the provider
// can retry.
func (s *Service) StartRide(ctx context.Context, providerID, rideID, code string) (*models.Ride, error) {
	return s.providerTransition(ctx, providerID, rideID, eventStart, code)
}

// CompleteRide verifies the end code, moves STARTED -> COMPLETED, settles
// stats and payment, restores the provider's availability and releases the
// ride binding.
func (s *Service) CompleteRide(ctx context.Context, providerID, rideID, code string) (*models.Ride, error) {
	return s.providerTransition(ctx, providerID, rideID, eventComplete, code)
}

// providerTransition is the shared path for the bound provider's lifecycle
// operations: authorize, gate on OTP where required, commit the conditional
// transition, then emit the enumerated effects.
func (s *Service) providerTransition(ctx context.Context, providerID, rideID string, ev rideEvent, code string) (*models.Ride, error) {
	ride, err := s.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.ProviderID != providerID {
		return nil, ErrNotAuthorized
	}
	if ride.Status.Terminal() {
		return nil, ErrRideTerminal
	}
	next, ok := nextStatus(ride.Status, ev)
	if !ok {
		return nil, ErrInvalidTransition
	}

	fields := storage.TransitionFields{At: time.Now()}
	switch ev {
	case eventStart:
		if code == "" || code != ride.OTP.StartCode {
			observability.OTPRejections.Inc()
			return nil, ErrInvalidOTP
		}
		fields.StartVerified = true
	case eventComplete:
		if code == "" || code != ride.OTP.EndCode {
			observability.OTPRejections.Inc()
			return nil, ErrInvalidOTP
		}
		fields.EndVerified = true
	}

	applied, err := s.Store.Transition(ctx, rideID, ride.Status, next, fields)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	if !applied {
		// Someone else moved the ride between our read and the write.
		return nil, ErrInvalidTransition
	}
	ride.Status = next

	if ev == eventComplete {
		s.settleCompleted(ctx, ride)
	}
	for _, n := range transitionEffects(ride, ev) {
		s.sendUser(n.userID, n.event)
	}
	return ride, nil
}

func (s *Service) settleCompleted(ctx context.Context, ride *models.Ride) {
	if err := s.Store.IncrementStats(ctx, ride.ProviderID, models.StatsDelta{Trips: 1, Earnings: ride.Fare.Amount}); err != nil {
		s.Logger.Warn("provider stats update failed", "ride", ride.ID, "error", err)
	}
	if err := s.Store.IncrementStats(ctx, ride.RequesterID, models.StatsDelta{Trips: 1}); err != nil {
		s.Logger.Warn("requester stats update failed", "ride", ride.ID, "error", err)
	}
	s.releaseBinding(ride.ID, true)
	observability.RidesTerminal.WithLabelValues(string(models.StatusCompleted)).Inc()

	s.mu.Lock()
	intent := s.intents[ride.ID]
	delete(s.intents, ride.ID)
	s.mu.Unlock()
	if intent != "" && s.Payments != nil {
		if err := s.Payments.Capture(ctx, intent); err != nil {
			s.Logger.Warn("fare capture failed", "ride", ride.ID, "error", err)
		}
	}
}

// releaseBinding drops the active ride binding and optionally restores the
// provider's availability in the zone index.
func (s *Service) releaseBinding(rideID string, restoreAvailability bool) {
	if bd, ok := s.Bindings.Get(rideID); ok {
		if restoreAvailability && bd.ProviderConnID != "" {
			s.Zone.SetAvailable(bd.ProviderConnID, true)
		}
		s.Bindings.Remove(rideID)
	}
	observability.ActiveBindings.Set(float64(s.Bindings.Len()))
}

// CancelRide is permitted to the requester or the bound provider while the
// ride is not terminal. Cancelling an already-terminal ride is rejected, not
// silently ignored.
func (s *Service) CancelRide(ctx context.Context, actorID, rideID, reason string) (*models.Ride, error) {
	for attempt := 0; attempt < 3; attempt++ {
		ride, err := s.getRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if ride.Status.Terminal() {
			return nil, ErrRideTerminal
		}
		if actorID != ride.RequesterID && actorID != ride.ProviderID {
			return nil, ErrNotAuthorized
		}

		fields := storage.TransitionFields{At: time.Now(), CancelledBy: actorID, CancellationReason: reason}
		applied, err := s.Store.Transition(ctx, rideID, ride.Status, models.StatusCancelled, fields)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRideNotFound
		}
		if err != nil {
			return nil, err
		}
		if !applied {
			// The status moved underneath us; re-read and try again from
			// the new state.
			continue
		}

		wasSearching := ride.Status == models.StatusSearching
		ride.Status = models.StatusCancelled
		ride.CancelledBy = actorID
		ride.CancellationReason = reason

		if wasSearching {
			// Everyone offered the ride during fan-out is informed, even
			// providers that have since left the zone.
			s.withdrawFromLosers(rideID, "", "cancelled by requester")
		}
		s.releaseBinding(rideID, true)
		observability.RidesTerminal.WithLabelValues(string(models.StatusCancelled)).Inc()

		s.mu.Lock()
		intent := s.intents[rideID]
		delete(s.intents, rideID)
		s.mu.Unlock()
		if intent != "" && s.Payments != nil {
			if err := s.Payments.Cancel(ctx, intent); err != nil {
				s.Logger.Warn("fare hold release failed", "ride", rideID, "error", err)
			}
		}

		for _, n := range transitionEffects(ride, eventCancel) {
			s.sendUser(n.userID, n.event)
		}
		return ride, nil
	}
	return nil, ErrInvalidTransition
}

// SubmitRating folds a 1..5 rating into the other party's running mean.
func (s *Service) SubmitRating(ctx context.Context, actorID, rideID string, rating float64, comment string) error {
	if rating < 1 || rating > 5 {
		return validationf("rating must be between 1 and 5")
	}
	ride, err := s.getRide(ctx, rideID)
	if err != nil {
		return err
	}
	var rated string
	switch actorID {
	case ride.RequesterID:
		rated = ride.ProviderID
	case ride.ProviderID:
		rated = ride.RequesterID
	default:
		return ErrNotAuthorized
	}
	if rated == "" {
		return ErrInvalidTransition
	}
	return s.Store.AddRating(ctx, rated, rating)
}

// RelayLocation forwards a provider's location to the bound requester using
// the ride binding, skipping the registry on the hot path. Updates outside a
// binding refresh the zone index and the coarse last-known-location store.
func (s *Service) RelayLocation(ctx context.Context, providerID string, upd models.UpdateLocationPayload) error {
	loc := models.Point{Lat: upd.Lat, Lng: upd.Lng}
	if err := validatePoint(loc); err != nil {
		return err
	}

	if upd.RideID != "" {
		if bd, ok := s.Bindings.Get(upd.RideID); ok && bd.ProviderID == providerID {
			s.send(bd.RequesterConnID, models.Event{Type: models.EvLocationRelayed, Data: models.LocationRelayedPayload{
				RideID: upd.RideID, Lat: upd.Lat, Lng: upd.Lng,
			}})
			if bd.ProviderConnID != "" {
				s.Zone.UpdateLocation(bd.ProviderConnID, loc)
			}
			return nil
		}
		// Stale or foreign ride id: fall through to the coarse path so the
		// ping is not lost.
	}

	if connID, ok := s.Registry.Lookup(providerID); ok {
		s.Zone.UpdateLocation(connID, loc)
	}
	if s.Location != nil {
		ping := models.LocationPing{UserID: providerID, RideID: upd.RideID, Lat: upd.Lat, Lng: upd.Lng, At: time.Now()}
		if err := s.Location.Record(ctx, ping); err != nil {
			s.Logger.Debug("location record failed", "user", providerID, "error", err)
		}
	}
	return nil
}

func (s *Service) getRide(ctx context.Context, rideID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, validationf("ride id required")
	}
	ride, err := s.Store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	return ride, nil
}

// send delivers to a specific connection, best-effort.
func (s *Service) send(connID string, ev models.Event) {
	if connID == "" {
		return
	}
	if err := s.Notifier.Send(connID, ev); err != nil {
		s.Logger.Debug("notify failed", "conn", connID, "type", ev.Type, "error", err)
	}
}

// sendUser resolves the user's live connection; if there is none, the event
// falls back to the push gateway.
func (s *Service) sendUser(userID string, ev models.Event) {
	if userID == "" {
		return
	}
	if connID, ok := s.Registry.Lookup(userID); ok {
		if err := s.Notifier.Send(connID, ev); err == nil {
			return
		}
	}
	if s.Push != nil {
		s.Push.Push(userID, ev)
	}
}

func validatePoint(p models.Point) error {
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return validationf("coordinates out of range: %f,%f", p.Lat, p.Lng)
	}
	if p.Lat == 0 && p.Lng == 0 {
		return validationf("coordinates missing")
	}
	return nil
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
