package dispatch

import "github.com/example/ride-dispatch/internal/models"

// rideEvent names a lifecycle operation for the transition table.
type rideEvent string

const (
	eventAccept   rideEvent = "accept"
	eventArrive   rideEvent = "arrive"
	eventStart    rideEvent = "start"
	eventComplete rideEvent = "complete"
	eventCancel   rideEvent = "cancel"
)

// transitions is the full lifecycle graph: each state maps the events it
// admits to the resulting state. Anything absent is rejected. CANCELLED is
// reachable from every non-terminal state; terminal states admit nothing.
var transitions = map[models.Status]map[rideEvent]models.Status{
	models.StatusSearching: {
		eventAccept: models.StatusAccepted,
		eventCancel: models.StatusCancelled,
	},
	models.StatusAccepted: {
		eventArrive: models.StatusArrived,
		eventCancel: models.StatusCancelled,
	},
	models.StatusArrived: {
		eventStart:  models.StatusStarted,
		eventCancel: models.StatusCancelled,
	},
	models.StatusStarted: {
		eventComplete: models.StatusCompleted,
		eventCancel:   models.StatusCancelled,
	},
}

// nextStatus resolves (state, event) -> state. ok is false when the event is
// not permitted from the current state.
func nextStatus(cur models.Status, ev rideEvent) (models.Status, bool) {
	next, ok := transitions[cur][ev]
	return next, ok
}

// notification is an enumerated outbound effect of a committed transition,
// addressed by stable user id. Keeping effects as data makes every
// transition testable without a live connection.
type notification struct {
	userID string
	event  models.Event
}

// transitionEffects returns the notifications owed after a transition has
// been durably committed. The ride already reflects the new status.
func transitionEffects(r *models.Ride, ev rideEvent) []notification {
	switch ev {
	case eventArrive, eventStart:
		return []notification{{
			userID: r.RequesterID,
			event:  models.Event{Type: models.EvStatusChanged, Data: models.StatusChangedPayload{RideID: r.ID, Status: r.Status}},
		}}
	case eventComplete:
		changed := models.Event{Type: models.EvStatusChanged, Data: models.StatusChangedPayload{RideID: r.ID, Status: r.Status}}
		return []notification{
			{userID: r.RequesterID, event: changed},
			{userID: r.ProviderID, event: changed},
		}
	case eventCancel:
		cancelled := models.Event{Type: models.EvRideCancelled, Data: models.RideCancelledPayload{
			RideID: r.ID, Actor: r.CancelledBy, Reason: r.CancellationReason,
		}}
		var out []notification
		if r.RequesterID != "" && r.RequesterID != r.CancelledBy {
			out = append(out, notification{userID: r.RequesterID, event: cancelled})
		}
		if r.ProviderID != "" && r.ProviderID != r.CancelledBy {
			out = append(out, notification{userID: r.ProviderID, event: cancelled})
		}
		return out
	default:
		return nil
	}
}
