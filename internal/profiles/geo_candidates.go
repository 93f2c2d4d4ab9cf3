package profiles

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/care-matching/internal/geo"
	"github.com/example/care-matching/internal/models"
)

// GeoCandidates finds candidates through a position index (Redis GEO in
// production) and loads each hit's profile from the directory. The index
// position wins over the profile's stored location.
type GeoCandidates struct {
	Locator  geo.Locator
	Profiles Directory
}

func (g *GeoCandidates) FindCandidates(ctx context.Context, q models.CandidateQuery) ([]models.Candidate, error) {
	hits, err := g.Locator.Within(ctx, q.Center, q.RadiusKm)
	if err != nil {
		return nil, fmt.Errorf("locate caregivers: %w", err)
	}
	out := make([]models.Candidate, 0, len(hits))
	for _, h := range hits {
		if q.Excluded(h.ID) {
			continue
		}
		p, err := g.Profiles.CandidateProfile(ctx, h.ID)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load caregiver %s: %w", h.ID, err)
		}
		if !p.Verified || !p.AvailableNow || !withinRateCap(p.HourlyRate, q.MaxHourlyRate) {
			continue
		}
		loc := h.Loc
		p.Location = &loc
		out = append(out, models.Candidate{CaregiverProfile: p, DistanceKm: h.DistanceKm})
	}
	sortCandidates(out)
	return out, nil
}
