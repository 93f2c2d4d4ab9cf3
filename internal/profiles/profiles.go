// Package profiles adapts the caregiver and requester profile store, the
// review aggregate and candidate discovery to the matcher.
package profiles

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/care-matching/internal/models"
)

// Directory is the profile store.
type Directory interface {
	// RequesterLocation fails with models.ErrIncompleteProfile when the
	// requester has no usable location.
	RequesterLocation(ctx context.Context, requesterID string) (models.Coord, error)
	CandidateProfile(ctx context.Context, id string) (models.CaregiverProfile, error)
	UpdateAcceptanceRate(ctx context.Context, id string, rate float64) error
}

// Candidates returns caregivers passing the hard filters of a query:
// verified, available now, located within the radius, not excluded and
// not above the rate cap. Results are ordered by distance, then id.
type Candidates interface {
	FindCandidates(ctx context.Context, q models.CandidateQuery) ([]models.Candidate, error)
}

type Reviews interface {
	// AverageRating returns nil when the caregiver has no reviews.
	AverageRating(ctx context.Context, caregiverID string) (*float64, error)
}

// withinRateCap: a caregiver without a declared rate is not filtered out.
func withinRateCap(rate, maxRate *float64) bool {
	return maxRate == nil || rate == nil || *rate <= *maxRate
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

type slot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// encodeAvailability stores windows keyed by lowercase weekday name with HH:MM bounds.
func encodeAvailability(a map[time.Weekday][]models.Window) map[string][]slot {
	out := make(map[string][]slot, len(a))
	for day, ws := range a {
		key := strings.ToLower(day.String())
		for _, w := range ws {
			out[key] = append(out[key], slot{Start: FormatClock(w.Start), End: FormatClock(w.End)})
		}
	}
	return out
}

func decodeAvailability(in map[string][]slot) (map[time.Weekday][]models.Window, error) {
	out := make(map[time.Weekday][]models.Window, len(in))
	for name, slots := range in {
		day, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
		for _, s := range slots {
			start, err := ParseClock(s.Start)
			if err != nil {
				return nil, err
			}
			end, err := ParseClock(s.End)
			if err != nil {
				return nil, err
			}
			out[day] = append(out[day], models.Window{Start: start, End: end})
		}
	}
	return out, nil
}

// ParseClock reads "HH:MM" or "HH:MM:SS" into minutes after midnight.
// Seconds are dropped. "24:00" is accepted as the end of the day.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", models.ErrInvalidInput, s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		if len(p) != 2 {
			return 0, fmt.Errorf("%w: time %q must be HH:MM", models.ErrInvalidInput, s)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: time %q must be HH:MM", models.ErrInvalidInput, s)
		}
		nums[i] = n
	}
	h, m, sec := nums[0], nums[1], nums[2]
	if m > 59 || sec > 59 || h > 24 || (h == 24 && (m != 0 || sec != 0)) {
		return 0, fmt.Errorf("%w: time %q out of range", models.ErrInvalidInput, s)
	}
	return h*60 + m, nil
}

func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
