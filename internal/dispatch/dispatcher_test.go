package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/zone"
)

// fakeNotifier records every event per connection id.
type fakeNotifier struct {
	mu     sync.Mutex
	events map[string][]models.Event
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(map[string][]models.Event)}
}

func (f *fakeNotifier) Send(connID string, ev models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[connID] = append(f.events[connID], ev)
	return nil
}

func (f *fakeNotifier) ofType(connID, evType string) []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, ev := range f.events[connID] {
		if ev.Type == evType {
			out = append(out, ev)
		}
	}
	return out
}

type fixedQuoter struct{}

func (fixedQuoter) ComputeFareSnapshot(pickup, dropoff models.Point, capability string) (models.FareSnapshot, error) {
	return models.FareSnapshot{Currency: "INR", Amount: 150, QuotedAt: time.Now()}, nil
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	zone     *zone.Index
	notifier *fakeNotifier
	reg      *registry.Registry
}

func newFixture() *fixture {
	store := storage.NewMemoryStore()
	ix := zone.NewIndex(0)
	reg := registry.New()
	notifier := newFakeNotifier()
	svc := NewService(store, ix, reg, notifier, fixedQuoter{}, logging.NewLogger("error"))
	return &fixture{svc: svc, store: store, zone: ix, notifier: notifier, reg: reg}
}

// connectProvider registers a provider with a live connection and a zone
// subscription at loc.
func (fx *fixture) connectProvider(t *testing.T, userID, connID string, loc models.Point, capability string) {
	t.Helper()
	fx.reg.Bind(userID, connID)
	if _, _, err := fx.svc.SubscribeZone(context.Background(), connID, userID, loc, capability); err != nil {
		t.Fatalf("subscribe %s: %v", userID, err)
	}
}

func (fx *fixture) connectRequester(userID, connID string) {
	fx.reg.Bind(userID, connID)
}

var delhi = models.Point{Lat: 28.7041, Lng: 77.1025}
var noida = models.Point{Lat: 28.5355, Lng: 77.3910}

func TestRequestRideFansOutToMatchingProvider(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	fx.connectProvider(t, "p1", "pc1", delhi, "bike")
	fx.connectProvider(t, "p2", "pc2", delhi, "car")
	fx.connectRequester("u1", "uc1")

	ride, n, err := fx.svc.RequestRide(ctx, "u1", models.RequestRidePayload{Pickup: delhi, Dropoff: noida, Capability: "bike"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 candidate notified, got %d", n)
	}
	offers := fx.notifier.ofType("pc1", models.EvNewRideOffer)
	if len(offers) != 1 {
		t.Fatalf("expected exactly one offer to pc1, got %d", len(offers))
	}
	if got := fx.notifier.ofType("pc2", models.EvNewRideOffer); len(got) != 0 {
		t.Fatalf("car provider should not be offered a bike ride")
	}
	payload := offers[0].Data.(models.RideOfferPayload)
	if payload.RideID != ride.ID || payload.Fare.Amount != 150 {
		t.Fatalf("offer payload wrong: %+v", payload)
	}
}

func TestRequestRideZeroCandidatesIsNotAnError(t *testing.T) {
	fx := newFixture()
	ride, n, err := fx.svc.RequestRide(context.Background(), "u1", models.RequestRidePayload{Pickup: delhi, Dropoff: noida, Capability: "bike"})
	if err != nil {
		t.Fatalf("zero candidates must not fail: %v", err)
	}
	if n != 0 || ride == nil {
		t.Fatalf("expected ride with 0 candidates, got n=%d", n)
	}
	if got, _ := fx.store.GetRide(context.Background(), ride.ID); got.Status != models.StatusSearching {
		t.Fatalf("ride should remain SEARCHING")
	}
}

func TestRequestRideValidation(t *testing.T) {
	fx := newFixture()
	_, _, err := fx.svc.RequestRide(context.Background(), "u1", models.RequestRidePayload{
		Pickup: models.Point{Lat: 99, Lng: 77}, Dropoff: noida, Capability: "bike",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, _, err = fx.svc.RequestRide(context.Background(), "u1", models.RequestRidePayload{Pickup: delhi, Dropoff: noida})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing capability, got %v", err)
	}
}

func TestAcceptRideSingleWinner(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	fx.connectRequester("u1", "uc1")
	const providers = 12
	for i := 0; i < providers; i++ {
		fx.connectProvider(t, fmt.Sprintf("p%d", i), fmt.Sprintf("pc%d", i), delhi, "bike")
	}
	ride, n, err := fx.svc.RequestRide(ctx, "u1", models.RequestRidePayload{Pickup: delhi, Dropoff: noida, Capability: "bike"})
	if err != nil || n != providers {
		t.Fatalf("fan-out failed: n=%d err=%v", n, err)
	}

	var wg sync.WaitGroup
	results := make(chan error, providers)
	for i := 0; i < providers; i++ {
		provider := fmt.Sprintf("p%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.svc.AcceptRide(ctx, provider, ride.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won, lost := 0, 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrRideUnavailable):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != providers-1 {
		t.Fatalf("expected 1 winner and %d losers, got %d/%d", providers-1, won, lost)
	}

	// The requester got exactly one rideBound with both codes.
	bound := fx.notifier.ofType("uc1", models.EvRideBound)
	if len(bound) != 1 {
		t.Fatalf("expected one rideBound, got %d", len(bound))
	}
	payload := bound[0].Data.(models.RideBoundPayload)
	if len(payload.StartCode) != 4 || len(payload.EndCode) != 4 {
		t.Fatalf("missing OTP codes: %+v", payload)
	}

	// Every loser that was offered the ride got a withdrawal.
	got, _ := fx.store.GetRide(ctx, ride.ID)
	withdrawn := 0
	for i := 0; i < providers; i++ {
		connID := fmt.Sprintf("pc%d", i)
		if fmt.Sprintf("p%d", i) == got.ProviderID {
			continue
		}
		if len(fx.notifier.ofType(connID, models.EvRideWithdrawn)) == 1 {
			withdrawn++
		}
	}
	if withdrawn != providers-1 {
		t.Fatalf("expected %d withdrawals, got %d", providers-1, withdrawn)
	}
}

func TestAcceptRideUnknownRide(t *testing.T) {
	fx := newFixture()
	if _, err := fx.svc.AcceptRide(context.Background(), "p1", "missing"); !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("expected ErrRideNotFound, got %v", err)
	}
}

// startAcceptedRide drives a fixture to an accepted ride and returns it.
func startAcceptedRide(t *testing.T, fx *fixture) *models.Ride {
	t.Helper()
	ctx := context.Background()
	fx.connectRequester("u1", "uc1")
	fx.connectProvider(t, "p1", "pc1", delhi, "bike")
	ride, _, err := fx.svc.RequestRide(ctx, "u1", models.RequestRidePayload{Pickup: delhi, Dropoff: noida, Capability: "bike"})
	if err != nil {
		t.Fatal(err)
	}
	accepted, err := fx.svc.AcceptRide(ctx, "p1", ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	return accepted
}

func TestLifecycleHappyPath(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	ride := startAcceptedRide(t, fx)

	if _, err := fx.svc.MarkArrived(ctx, "p1", ride.ID); err != nil {
		t.Fatalf("mark arrived: %v", err)
	}
	if _, err := fx.svc.StartRide(ctx, "p1", ride.ID, ride.OTP.StartCode); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := fx.svc.CompleteRide(ctx, "p1", ride.ID, ride.OTP.EndCode); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := fx.store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusCompleted || !got.OTP.StartVerified || !got.OTP.EndVerified {
		t.Fatalf("unexpected final ride: %+v", got)
	}
	if s := fx.store.Stats("p1"); s.Trips != 1 || s.Earnings != 150 {
		t.Fatalf("provider stats not settled: %+v", s)
	}
	if s := fx.store.Stats("u1"); s.Trips != 1 {
		t.Fatalf("requester stats not settled: %+v", s)
	}
	// The requester observed the transitions in order.
	var seen []models.Status
	for _, ev := range fx.notifier.ofType("uc1", models.EvStatusChanged) {
		seen = append(seen, ev.Data.(models.StatusChangedPayload).Status)
	}
	want := []models.Status{models.StatusArrived, models.StatusStarted, models.StatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("out-of-order status events: %v", seen)
		}
	}
	// Binding released on the terminal state.
	if _, ok := fx.svc.Bindings.Get(ride.ID); ok {
		t.Fatalf("binding not released")
	}
}

func TestStartRideOTPGate(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	ride := startAcceptedRide(t, fx)
	if _, err := fx.svc.MarkArrived(ctx, "p1", ride.ID); err != nil {
		t.Fatal(err)
	}

	wrong := "0000"
	if wrong == ride.OTP.StartCode {
		wrong = "0001"
	}
	if _, err := fx.svc.StartRide(ctx, "p1", ride.ID, wrong); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("expected ErrInvalidOTP, got %v", err)
	}
	if _, err := fx.svc.StartRide(ctx, "p1", ride.ID, ""); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("missing code must be an OTP error, got %v", err)
	}
	got, _ := fx.store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusArrived {
		t.Fatalf("wrong code advanced the ride to %s", got.Status)
	}
	// Correct code still works after failed attempts.
	if _, err := fx.svc.StartRide(ctx, "p1", ride.ID, ride.OTP.StartCode); err != nil {
		t.Fatalf("retry with correct code: %v", err)
	}
	// End code is rejected before the start code has been consumed: the
	// ride is now STARTED, so a second start is an invalid transition.
	if _, err := fx.svc.StartRide(ctx, "p1", ride.ID, ride.OTP.StartCode); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on repeated start, got %v", err)
	}
}

func TestCompleteRequiresStartedStatus(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	ride := startAcceptedRide(t, fx)
	// End code cannot be consumed while the ride is only ACCEPTED.
	if _, err := fx.svc.CompleteRide(ctx, "p1", ride.ID, ride.OTP.EndCode); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestTransitionAuthorization(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	ride := startAcceptedRide(t, fx)
	if _, err := fx.svc.MarkArrived(ctx, "intruder", ride.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	got, _ := fx.store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusAccepted {
		t.Fatalf("unauthorized call mutated state: %s", got.Status)
	}
}

func TestCancelWhileSearchingWithdrawsOriginalCandidates(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	fx.connectRequester("u1", "uc1")
	fx.connectProvider(t, "p1", "pc1", delhi, "bike")
	fx.connectProvider(t, "p2", "pc2", delhi, "bike")
	ride, n, err := fx.svc.RequestRide(ctx, "u1", models.RequestRidePayload{Pickup: delhi, Dropoff: noida, Capability: "bike"})
	if err != nil || n != 2 {
		t.Fatalf("fan-out failed: %v n=%d", err, n)
	}
	// p2 goes offline after receiving the offer; it must still be told.
	fx.svc.GoOffline("pc2")

	if _, err := fx.svc.CancelRide(ctx, "u1", ride.ID, "changed plans"); err != nil {
		t.Fatal(err)
	}
	for _, conn := range []string{"pc1", "pc2"} {
		if len(fx.notifier.ofType(conn, models.EvRideWithdrawn)) != 1 {
			t.Fatalf("candidate %s missed the withdrawal", conn)
		}
	}
	got, _ := fx.store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusCancelled || got.CancelledBy != "u1" {
		t.Fatalf("cancellation not recorded: %+v", got)
	}
}

func TestCancelBoundRideNotifiesOtherPartyAndRestoresAvailability(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	ride := startAcceptedRide(t, fx)

	if _, err := fx.svc.CancelRide(ctx, "p1", ride.ID, "breakdown"); err != nil {
		t.Fatal(err)
	}
	events := fx.notifier.ofType("uc1", models.EvRideCancelled)
	if len(events) != 1 {
		t.Fatalf("requester not told about the cancellation")
	}
	payload := events[0].Data.(models.RideCancelledPayload)
	if payload.Actor != "p1" || payload.Reason != "breakdown" {
		t.Fatalf("wrong cancellation payload: %+v", payload)
	}
	// Provider is offerable again.
	cands := fx.zone.FindCandidates(delhi, "bike", 10, 20)
	if len(cands) != 1 || cands[0].UserID != "p1" {
		t.Fatalf("availability not restored: %+v", cands)
	}
}

func TestCancelTerminalRideRejected(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	ride := startAcceptedRide(t, fx)
	if _, err := fx.svc.CancelRide(ctx, "u1", ride.ID, "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.svc.CancelRide(ctx, "u1", ride.ID, "second"); !errors.Is(err, ErrRideTerminal) {
		t.Fatalf("expected ErrRideTerminal, got %v", err)
	}
	if _, err := fx.svc.CancelRide(ctx, "stranger", ride.ID, "nope"); !errors.Is(err, ErrRideTerminal) {
		t.Fatalf("terminal check precedes authorization, got %v", err)
	}
}

func TestSubmitRating(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	ride := startAcceptedRide(t, fx)

	if err := fx.svc.SubmitRating(ctx, "u1", ride.ID, 6, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("out-of-range rating accepted: %v", err)
	}
	if err := fx.svc.SubmitRating(ctx, "stranger", ride.ID, 4, ""); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := fx.svc.SubmitRating(ctx, "u1", ride.ID, 5, "great"); err != nil {
		t.Fatal(err)
	}
	if err := fx.svc.SubmitRating(ctx, "p1", ride.ID, 4, ""); err != nil {
		t.Fatal(err)
	}
	if avg, n := fx.store.Rating("p1"); n != 1 || avg != 5 {
		t.Fatalf("provider rating wrong: %f/%d", avg, n)
	}
	if avg, n := fx.store.Rating("u1"); n != 1 || avg != 4 {
		t.Fatalf("requester rating wrong: %f/%d", avg, n)
	}
}

func TestRelayLocationUsesBinding(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	ride := startAcceptedRide(t, fx)

	err := fx.svc.RelayLocation(ctx, "p1", models.UpdateLocationPayload{RideID: ride.ID, Lat: 28.70, Lng: 77.11})
	if err != nil {
		t.Fatal(err)
	}
	relayed := fx.notifier.ofType("uc1", models.EvLocationRelayed)
	if len(relayed) != 1 {
		t.Fatalf("expected one relayed location, got %d", len(relayed))
	}
	p := relayed[0].Data.(models.LocationRelayedPayload)
	if p.RideID != ride.ID || p.Lat != 28.70 {
		t.Fatalf("wrong relay payload: %+v", p)
	}

	// A foreign provider must not relay into someone else's ride.
	fx.reg.Bind("p9", "pc9")
	if err := fx.svc.RelayLocation(ctx, "p9", models.UpdateLocationPayload{RideID: ride.ID, Lat: 28.71, Lng: 77.12}); err != nil {
		t.Fatal(err)
	}
	if len(fx.notifier.ofType("uc1", models.EvLocationRelayed)) != 1 {
		t.Fatalf("foreign provider's ping was relayed")
	}
}

func TestDisconnectReleasesZoneButNotRide(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	ride := startAcceptedRide(t, fx)

	fx.svc.HandleDisconnect("pc1")
	if fx.zone.Online() != 0 {
		t.Fatalf("zone membership not released")
	}
	got, _ := fx.store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusAccepted {
		t.Fatalf("disconnect must not cancel the ride, got %s", got.Status)
	}
	// The provider reconnects and can continue the lifecycle.
	fx.reg.Bind("p1", "pc1b")
	if _, err := fx.svc.MarkArrived(ctx, "p1", ride.ID); err != nil {
		t.Fatalf("resume after reconnect: %v", err)
	}
}

type fakeLocator struct {
	pt models.Point
	ok bool
}

func (f fakeLocator) LastKnown(ctx context.Context, userID string) (models.Point, bool) {
	return f.pt, f.ok
}

func TestSubscribeWithoutCoordinatesSeedsFromLastKnown(t *testing.T) {
	fx := newFixture()
	fx.svc.Locator = fakeLocator{pt: delhi, ok: true}
	fx.reg.Bind("p1", "pc1")

	cell, _, err := fx.svc.SubscribeZone(context.Background(), "pc1", "p1", models.Point{}, "bike")
	if err != nil {
		t.Fatalf("subscribe with empty coordinates: %v", err)
	}
	if cell == "" {
		t.Fatalf("expected a cell from the seeded location")
	}

	// Without a recorded location the empty subscribe is still rejected.
	fx.svc.Locator = fakeLocator{}
	if _, _, err := fx.svc.SubscribeZone(context.Background(), "pc2", "p2", models.Point{}, "bike"); err == nil {
		t.Fatalf("expected validation error without a known location")
	}
}
