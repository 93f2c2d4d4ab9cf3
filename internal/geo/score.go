package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	neutralRating      = 3.0
	defaultRateCap     = 100.0
	neutralAcceptance  = 50.0
	experienceCapYears = 10.0
)

// Weights sets the share of each signal in the composite score.
// They are normalised by their sum, so {4,3,3} and {0.4,0.3,0.3} are equivalent.
type Weights struct {
	Distance   float64 `yaml:"distance"`
	Rating     float64 `yaml:"rating"`
	Rate       float64 `yaml:"rate"`
	Experience float64 `yaml:"experience"`
	Acceptance float64 `yaml:"acceptance"`
}

// DefaultWeights: distance 40%, rating 30%, rate 30%.
func DefaultWeights() Weights {
	return Weights{Distance: 0.4, Rating: 0.3, Rate: 0.3}
}

func (w Weights) sum() float64 {
	return w.Distance + w.Rating + w.Rate + w.Experience + w.Acceptance
}

func (w Weights) Validate() error {
	for name, v := range map[string]float64{"distance": w.Distance, "rating": w.Rating, "rate": w.Rate, "experience": w.Experience, "acceptance": w.Acceptance} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight %s must be >= 0", name)
		}
	}
	if w.sum() <= 0 {
		return fmt.Errorf("weights must have a positive sum")
	}
	return nil
}

// ParseWeights reads "distance=0.4,rating=0.3,rate=0.3". Unnamed signals get 0.
func ParseWeights(s string) (Weights, error) {
	var w Weights
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Weights{}, fmt.Errorf("malformed weight %q", part)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return Weights{}, fmt.Errorf("weight %s: %w", k, err)
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "distance":
			w.Distance = f
		case "rating":
			w.Rating = f
		case "rate":
			w.Rate = f
		case "experience":
			w.Experience = f
		case "acceptance":
			w.Acceptance = f
		default:
			return Weights{}, fmt.Errorf("unknown weight %q", k)
		}
	}
	return w, w.Validate()
}

// ScoreInput is everything the composite score looks at.
type ScoreInput struct {
	DistanceKm      float64
	RadiusKm        float64
	Rating          *float64
	HourlyRate      *float64
	MaxHourlyRate   *float64
	ExperienceYears int
	AcceptanceRate  *float64
}

// Score returns the weighted composite in [0,100]. Higher is better.
func Score(in ScoreInput, w Weights) float64 {
	total := w.sum()
	if total <= 0 {
		return 0
	}
	s := w.Distance*distanceScore(in.DistanceKm, in.RadiusKm) +
		w.Rating*ratingScore(in.Rating) +
		w.Rate*rateScore(in.HourlyRate, in.MaxHourlyRate) +
		w.Experience*experienceScore(in.ExperienceYears) +
		w.Acceptance*acceptanceScore(in.AcceptanceRate)
	return round2(clamp(s / total))
}

func distanceScore(d, radius float64) float64 {
	if radius <= 0 {
		return 0
	}
	return clamp(100 - d/radius*100)
}

func ratingScore(r *float64) float64 {
	v := neutralRating
	if r != nil {
		v = *r
	}
	return clamp(v / 5 * 100)
}

// rateScore: at the cap scores 50 and rises toward 100 as the rate nears
// zero. A missing or zero rate counts as the cap.
func rateScore(rate, maxRate *float64) float64 {
	ceiling := defaultRateCap
	if maxRate != nil && *maxRate > 0 {
		ceiling = *maxRate
	}
	r := ceiling
	if rate != nil && *rate > 0 {
		r = *rate
	}
	return clamp((ceiling-r)/ceiling*100 + 50)
}

func experienceScore(years int) float64 {
	return clamp(math.Min(float64(years), experienceCapYears) / experienceCapYears * 100)
}

func acceptanceScore(rate *float64) float64 {
	if rate == nil {
		return neutralAcceptance
	}
	return clamp(*rate)
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 100:
		return 100
	}
	return v
}

// Scored pairs a candidate id with its ranking keys.
type Scored struct {
	ID         string
	DistanceKm float64
	Score      float64
}

// Less orders by score desc, then distance asc, then id asc.
func Less(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.ID < b.ID
}
