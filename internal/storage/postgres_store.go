package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements RideStore on a rides table. The conditional
// updates are single UPDATE statements guarded by the expected status, so
// exclusivity holds across processes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(
			id, requester_id, status, capability,
			pickup_lat, pickup_lng, pickup_address,
			dropoff_lat, dropoff_lng, dropoff_address,
			fare_currency, fare_amount, fare_breakdown, fare_quoted_at,
			requested_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.RequesterID, r.Status, r.CapabilityTag,
		r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address,
		r.Dropoff.Lat, r.Dropoff.Lng, r.Dropoff.Address,
		r.Fare.Currency, r.Fare.Amount, r.Fare.Breakdown, r.Fare.QuotedAt,
		r.RequestedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, requester_id, COALESCE(provider_id, ''), status, capability,
		       pickup_lat, pickup_lng, pickup_address,
		       dropoff_lat, dropoff_lng, dropoff_address,
		       fare_currency, fare_amount, fare_breakdown, fare_quoted_at,
		       COALESCE(start_code, ''), COALESCE(end_code, ''),
		       start_verified, end_verified,
		       requested_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at,
		       COALESCE(cancelled_by, ''), COALESCE(cancellation_reason, '')
		FROM rides WHERE id = $1`, id)

	var r models.Ride
	var acceptedAt, arrivedAt, startedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.RequesterID, &r.ProviderID, &r.Status, &r.CapabilityTag,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&r.Dropoff.Lat, &r.Dropoff.Lng, &r.Dropoff.Address,
		&r.Fare.Currency, &r.Fare.Amount, &r.Fare.Breakdown, &r.Fare.QuotedAt,
		&r.OTP.StartCode, &r.OTP.EndCode,
		&r.OTP.StartVerified, &r.OTP.EndVerified,
		&r.RequestedAt, &acceptedAt, &arrivedAt, &startedAt, &completedAt, &cancelledAt,
		&r.CancelledBy, &r.CancellationReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.AcceptedAt = timePtr(acceptedAt)
	r.ArrivedAt = timePtr(arrivedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

// AcceptRide is the single-winner update: one UPDATE whose WHERE clause
// re-checks SEARCHING, never a read followed by a write. RowsAffected tells
// the winner apart from every loser.
func (p *PostgresStore) AcceptRide(ctx context.Context, rideID, providerID string, otp models.OTP, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides
		SET status = $1, provider_id = $2, start_code = $3, end_code = $4, accepted_at = $5
		WHERE id = $6 AND status = $7`,
		models.StatusAccepted, providerID, otp.StartCode, otp.EndCode, at,
		rideID, models.StatusSearching)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, p.explainMiss(ctx, rideID)
	}
	return true, nil
}

func (p *PostgresStore) Transition(ctx context.Context, rideID string, expected, next models.Status, f TransitionFields) (bool, error) {
	// Terminal rides are immutable; no expected status can move them.
	if expected.Terminal() {
		return false, nil
	}
	var res sql.Result
	var err error
	switch next {
	case models.StatusArrived:
		res, err = p.db.ExecContext(ctx,
			`UPDATE rides SET status = $1, arrived_at = $2 WHERE id = $3 AND status = $4`,
			next, f.At, rideID, expected)
	case models.StatusStarted:
		res, err = p.db.ExecContext(ctx,
			`UPDATE rides SET status = $1, started_at = $2, start_verified = $3 WHERE id = $4 AND status = $5`,
			next, f.At, f.StartVerified, rideID, expected)
	case models.StatusCompleted:
		res, err = p.db.ExecContext(ctx,
			`UPDATE rides SET status = $1, completed_at = $2, end_verified = $3 WHERE id = $4 AND status = $5`,
			next, f.At, f.EndVerified, rideID, expected)
	case models.StatusCancelled:
		res, err = p.db.ExecContext(ctx,
			`UPDATE rides SET status = $1, cancelled_at = $2, cancelled_by = $3, cancellation_reason = $4 WHERE id = $5 AND status = $6`,
			next, f.At, f.CancelledBy, f.CancellationReason, rideID, expected)
	default:
		return false, fmt.Errorf("transition to %s not supported", next)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, p.explainMiss(ctx, rideID)
	}
	return true, nil
}

// explainMiss distinguishes "ride gone" from "precondition lost" after a
// zero-row conditional update.
func (p *PostgresStore) explainMiss(ctx context.Context, rideID string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM rides WHERE id = $1`, rideID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (p *PostgresStore) IncrementStats(ctx context.Context, userID string, d models.StatsDelta) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_stats(user_id, trips, earnings)
		VALUES($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET trips = user_stats.trips + $2, earnings = user_stats.earnings + $3`,
		userID, d.Trips, d.Earnings)
	return err
}

func (p *PostgresStore) AddRating(ctx context.Context, userID string, rating float64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_stats(user_id, rating_avg, rating_count)
		VALUES($1, $2, 1)
		ON CONFLICT (user_id)
		DO UPDATE SET
			rating_avg = (user_stats.rating_avg * user_stats.rating_count + $2) / (user_stats.rating_count + 1),
			rating_count = user_stats.rating_count + 1`,
		userID, rating)
	return err
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
