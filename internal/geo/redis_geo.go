package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/care-matching/internal/models"
)

// RedisGeo implements Locator using Redis GEO commands.
// Positions live in one GEO set; availability lives in a per-caregiver hash.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

// NewRedisGeoFromClient wraps an existing client.
func NewRedisGeoFromClient(c redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, u models.LocationUpdate) error {
	if u.Updated.IsZero() {
		u.Updated = time.Now().UTC()
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: u.Loc.Lng, Latitude: u.Loc.Lat, Name: u.CaregiverID}).Result(); err != nil {
		return fmt.Errorf("geoadd %s: %w", u.CaregiverID, err)
	}
	return r.client.HSet(ctx, MetaKey(u.CaregiverID), map[string]interface{}{
		"available_now": strconv.FormatBool(u.AvailableNow),
		"updated":       u.Updated.Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Within(ctx context.Context, center models.Coord, radiusKm float64) ([]Hit, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	avail := make([]*redis.StringCmd, len(res))
	for i, g := range res {
		avail[i] = pipe.HGet(ctx, MetaKey(g.Name), "available_now")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load availability: %w", err)
	}
	return availableHits(center, radiusKm, res, avail), nil
}

// availableHits keeps locations inside the radius whose availability flag
// is not "false". A missing flag counts as available.
func availableHits(center models.Coord, radiusKm float64, res []redis.GeoLocation, avail []*redis.StringCmd) []Hit {
	out := make([]Hit, 0, len(res))
	for i, g := range res {
		if m, err := avail[i].Result(); err == nil && m == "false" {
			continue
		}
		loc := models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		d := DistanceKm(center, loc)
		if d >= radiusKm {
			continue
		}
		out = append(out, Hit{ID: g.Name, Loc: loc, DistanceKm: d})
	}
	return out
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func MetaKey(id string) string { return "caregiver:meta:" + id }
