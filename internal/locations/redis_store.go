// Package locations persists coarse last-known provider locations in Redis.
// The zone index is authoritative while a provider is connected; this store
// survives reconnects and feeds the consumer pipeline.
package locations

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// Updater is the subset of operations the store and the consumer need,
// narrow enough to fake in tests.
type Updater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

// Store writes provider pings as GEOADD entries plus a metadata hash.
type Store struct {
	client *redis.Client
	key    string
}

func NewStore(addr, password, key string) *Store {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Store{client: c, key: key}
}

func (s *Store) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := s.client.GeoAdd(ctx, key, loc).Result()
	return err
}

func (s *Store) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := s.client.HSet(ctx, key, values).Result()
	return err
}

// Record stores a ping under the configured geo key.
func (s *Store) Record(ctx context.Context, ping models.LocationPing) error {
	return Record(ctx, s, s.key, ping)
}

// LastKnown returns a provider's last recorded location, if any.
func (s *Store) LastKnown(ctx context.Context, userID string) (models.Point, bool) {
	pos, err := s.client.GeoPos(ctx, s.key, userID).Result()
	if err != nil || len(pos) == 0 || pos[0] == nil {
		return models.Point{}, false
	}
	return models.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude}, true
}

func (s *Store) Close() error { return s.client.Close() }

// Record writes a ping through any Updater. Shared by the server's
// best-effort writes and the consumer's retrying pipeline.
func Record(ctx context.Context, u Updater, key string, ping models.LocationPing) error {
	if err := u.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: ping.Lng, Latitude: ping.Lat, Name: ping.UserID}); err != nil {
		return err
	}
	at := ping.At
	if at.IsZero() {
		at = time.Now()
	}
	return u.HSet(ctx, metaKey(ping.UserID), map[string]interface{}{
		"lat":     strconv.FormatFloat(ping.Lat, 'f', 6, 64),
		"lng":     strconv.FormatFloat(ping.Lng, 'f', 6, 64),
		"ride_id": ping.RideID,
		"updated": at.Format(time.RFC3339),
	})
}

func metaKey(id string) string { return "provider:meta:" + id }
