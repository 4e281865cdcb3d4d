package scheduler

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/model"
)

// Stability weights. Keeping a talk exactly where it was beats keeping
// its venue, which beats keeping it roughly on time.
const (
	weightSamePlacement = 10
	weightSameVenue     = 5
	weightNearbySlot    = 1
)

// Schedule assigns every proposal a (time, venue). Proposals arriving
// with Time and Venue set are treated as the previous schedule and the
// objective prefers to keep them there; the output overwrites Time and
// Venue on every proposal. No partial result is returned: an
// unsatisfiable input yields an error and untouched proposals.
func Schedule(proposals []*model.Proposal) error {
	if len(proposals) == 0 {
		return nil
	}
	g := newSlotGrid(proposals)
	s := &solver{}
	for _, p := range proposals {
		t := &talk{
			proposal: p,
			occupied: durationSlots(p.Duration),
		}
		slots := startSlots(g, p)
		var prevSlot int
		var prevVenue int64
		hasPrev := p.Time != nil && p.Venue != nil
		if hasPrev {
			prevSlot = g.slot(*p.Time)
			prevVenue = *p.Venue
		}
		for _, slot := range slots {
			for _, venue := range p.ValidVenues {
				opt := option{slot: slot, venue: venue}
				if hasPrev {
					if slot == prevSlot && venue == prevVenue {
						opt.weight += weightSamePlacement
					}
					if venue == prevVenue {
						opt.weight += weightSameVenue
					}
					if slot >= prevSlot-driftSlots && slot <= prevSlot+driftSlots {
						opt.weight += weightNearbySlot
					}
				}
				t.options = append(t.options, opt)
			}
		}
		// Descending weight, then slot and venue for deterministic
		// tie-breaking across reruns.
		sort.SliceStable(t.options, func(a, b int) bool {
			oa, ob := t.options[a], t.options[b]
			if oa.weight != ob.weight {
				return oa.weight > ob.weight
			}
			if oa.slot != ob.slot {
				return oa.slot < ob.slot
			}
			return oa.venue < ob.venue
		})
		s.talks = append(s.talks, t)
	}

	result, err := s.solve()
	if err != nil {
		return err
	}
	moved := 0
	for ti, opt := range result {
		p := s.talks[ti].proposal
		start := g.time(opt.slot)
		venue := opt.venue
		if p.Time == nil || !p.Time.Equal(start) || p.Venue == nil || *p.Venue != venue {
			moved++
		}
		p.Time = &start
		p.Venue = &venue
	}
	logrus.WithFields(logrus.Fields{
		"proposals": len(proposals),
		"moved":     moved,
		"objective": s.bestScore,
	}).Info("schedule solved")
	return nil
}
