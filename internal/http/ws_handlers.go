package httpapi

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ws"
)

const (
	roleProvider  = "provider"
	roleRequester = "requester"
)

// readLoop consumes inbound events from one session until the socket dies,
// then releases the connection's zone and registry state. Each event is
// answered on the same socket; rejected operations never kill the loop.
func (s *Server) readLoop(role, userID string, sess *ws.Session) {
	defer func() {
		sess.Close()
		s.Hub.Remove(sess.ID())
		s.Dispatcher.HandleDisconnect(sess.ID())
		s.logger.Info("ws disconnected", "role", role, "user", userID, "conn", sess.ID())
	}()
	for {
		in, err := sess.ReadInbound()
		if err != nil {
			return
		}
		s.handleInbound(context.Background(), role, userID, sess, in)
	}
}

func (s *Server) handleInbound(ctx context.Context, role, userID string, sess *ws.Session, in models.Inbound) {
	switch in.Type {
	case models.EvSubscribeZone, models.EvGoOnline:
		if role != roleProvider {
			s.sendError(sess, "", dispatch.ErrNotAuthorized)
			return
		}
		var p models.SubscribeZonePayload
		if !s.decode(sess, in.Data, &p) {
			return
		}
		cell, pop, err := s.Dispatcher.SubscribeZone(ctx, sess.ID(), userID, models.Point{Lat: p.Lat, Lng: p.Lng}, p.Capability)
		if err != nil {
			s.sendError(sess, "", err)
			return
		}
		s.reply(sess, models.Event{Type: models.EvZoneSubscribed, Data: models.ZoneSubscribedPayload{Cell: cell, Population: pop}})
		if in.Type == models.EvGoOnline {
			s.reply(sess, models.Event{Type: models.EvAvailabilityChanged, Data: models.AvailabilityPayload{Online: true}})
		}

	case models.EvGoOffline:
		s.Dispatcher.GoOffline(sess.ID())
		s.reply(sess, models.Event{Type: models.EvAvailabilityChanged, Data: models.AvailabilityPayload{Online: false}})

	case models.EvRequestRide:
		var p models.RequestRidePayload
		if !s.decode(sess, in.Data, &p) {
			return
		}
		ride, n, err := s.Dispatcher.RequestRide(ctx, userID, p)
		if err != nil {
			s.sendError(sess, "", err)
			return
		}
		s.reply(sess, models.Event{Type: models.EvRideRequested, Data: models.RideRequestedPayload{RideID: ride.ID, CandidateCount: n}})

	case models.EvAcceptRide:
		var p models.RideIDPayload
		if !s.decode(sess, in.Data, &p) {
			return
		}
		if _, err := s.Dispatcher.AcceptRide(ctx, userID, p.RideID); err != nil {
			if errors.Is(err, dispatch.ErrRideUnavailable) {
				s.reply(sess, models.Event{Type: models.EvRideAcceptFailed, Data: models.RideWithdrawnPayload{RideID: p.RideID, Reason: "already taken"}})
				return
			}
			s.sendError(sess, p.RideID, err)
			return
		}
		s.reply(sess, models.Event{Type: models.EvAcceptConfirmed, Data: models.RideIDPayload{RideID: p.RideID}})

	case models.EvMarkArrived:
		var p models.RideIDPayload
		if !s.decode(sess, in.Data, &p) {
			return
		}
		s.replyTransition(sess, p.RideID, func() (*models.Ride, error) {
			return s.Dispatcher.MarkArrived(ctx, userID, p.RideID)
		})

	case models.EvStartRide:
		var p models.RideCodePayload
		if !s.decode(sess, in.Data, &p) {
			return
		}
		s.replyTransition(sess, p.RideID, func() (*models.Ride, error) {
			return s.Dispatcher.StartRide(ctx, userID, p.RideID, p.Code)
		})

	case models.EvCompleteRide:
		var p models.RideCodePayload
		if !s.decode(sess, in.Data, &p) {
			return
		}
		s.replyTransition(sess, p.RideID, func() (*models.Ride, error) {
			return s.Dispatcher.CompleteRide(ctx, userID, p.RideID, p.Code)
		})

	case models.EvCancelRide:
		var p models.CancelRidePayload
		if !s.decode(sess, in.Data, &p) {
			return
		}
		ride, err := s.Dispatcher.CancelRide(ctx, userID, p.RideID, p.Reason)
		if err != nil {
			s.sendError(sess, p.RideID, err)
			return
		}
		s.reply(sess, models.Event{Type: models.EvRideCancelled, Data: models.RideCancelledPayload{RideID: ride.ID, Actor: ride.CancelledBy, Reason: ride.CancellationReason}})

	case models.EvUpdateLocation:
		var p models.UpdateLocationPayload
		if !s.decode(sess, in.Data, &p) {
			return
		}
		if err := s.Dispatcher.RelayLocation(ctx, userID, p); err != nil {
			s.sendError(sess, p.RideID, err)
		}

	case models.EvSubmitRating:
		var p models.SubmitRatingPayload
		if !s.decode(sess, in.Data, &p) {
			return
		}
		if err := s.Dispatcher.SubmitRating(ctx, userID, p.RideID, p.Rating, p.Comment); err != nil {
			s.sendError(sess, p.RideID, err)
		}

	default:
		s.reply(sess, models.Event{Type: models.EvError, Data: models.ErrorPayload{Code: "unknown_event", Message: in.Type}})
	}
}

// replyTransition answers a lifecycle operation with statusChanged, or with
// the taxonomy-specific event on rejection.
func (s *Server) replyTransition(sess *ws.Session, rideID string, op func() (*models.Ride, error)) {
	ride, err := op()
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidOTP) {
			s.reply(sess, models.Event{Type: models.EvOTPRejected, Data: models.OTPRejectedPayload{RideID: rideID, Message: err.Error()}})
			return
		}
		s.sendError(sess, rideID, err)
		return
	}
	s.reply(sess, models.Event{Type: models.EvStatusChanged, Data: models.StatusChangedPayload{RideID: ride.ID, Status: ride.Status}})
}

func (s *Server) decode(sess *ws.Session, raw json.RawMessage, into any) bool {
	if err := json.Unmarshal(raw, into); err != nil {
		s.reply(sess, models.Event{Type: models.EvError, Data: models.ErrorPayload{Code: "malformed_payload", Message: err.Error()}})
		return false
	}
	return true
}

func (s *Server) sendError(sess *ws.Session, rideID string, err error) {
	s.reply(sess, models.Event{Type: models.EvError, Data: models.ErrorPayload{Code: dispatch.ErrorCode(err), Message: err.Error(), RideID: rideID}})
}

func (s *Server) reply(sess *ws.Session, ev models.Event) {
	if err := sess.Send(ev); err != nil {
		s.logger.Debug("reply failed", "conn", sess.ID(), "type", ev.Type, "error", err)
	}
}
