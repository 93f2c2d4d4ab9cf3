package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/care-matching/internal/models"
)

const earthRadiusKm = 6371.0

// Hit is a caregiver position found within a search radius.
type Hit struct {
	ID         string
	Loc        models.Coord
	DistanceKm float64
}

// Locator is a caregiver position index.
type Locator interface {
	Within(ctx context.Context, center models.Coord, radiusKm float64) ([]Hit, error)
	Upsert(ctx context.Context, u models.LocationUpdate) error
}

// DistanceKm is the haversine distance in kilometers, rounded to two decimals.
func DistanceKm(a, b models.Coord) float64 {
	return round2(haversineKm(a.Lat, a.Lng, b.Lat, b.Lng))
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Box is a lat/lng rectangle enclosing a search circle.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox returns a box that contains every point within radiusKm of center.
// Near the poles the longitude span covers the whole globe.
func BoundingBox(center models.Coord, radiusKm float64) Box {
	dLat := radiusKm / earthRadiusKm * 180 / math.Pi
	b := Box{MinLat: center.Lat - dLat, MaxLat: center.Lat + dLat, MinLng: -180, MaxLng: 180}
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	if cosLat > 1e-6 {
		dLng := dLat / cosLat
		if dLng < 180 {
			b.MinLng = center.Lng - dLng
			b.MaxLng = center.Lng + dLng
		}
	}
	return b
}

// Index is an in-memory Locator.
type Index struct {
	mu    sync.RWMutex
	items map[string]models.LocationUpdate
}

func NewIndex() *Index {
	return &Index{items: make(map[string]models.LocationUpdate)}
}

func (g *Index) Upsert(_ context.Context, u models.LocationUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if u.Updated.IsZero() {
		u.Updated = time.Now().UTC()
	}
	g.items[u.CaregiverID] = u
	return nil
}

// naive scan; fine for dev and tests
func (g *Index) Within(_ context.Context, center models.Coord, radiusKm float64) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Hit, 0, len(g.items))
	for id, u := range g.items {
		if !u.AvailableNow {
			continue
		}
		d := DistanceKm(center, u.Loc)
		if d >= radiusKm {
			continue
		}
		out = append(out, Hit{ID: id, Loc: u.Loc, DistanceKm: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
