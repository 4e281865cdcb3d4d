// Package scheduler assigns accepted proposals to (time, venue) pairs.
// The problem is a 0/1 assignment with venue exclusivity and speaker
// non-clash constraints, maximised for stability against the previous
// schedule, solved by constraint propagation plus branch and bound.
package scheduler

import (
	"time"

	"github.com/fieldworks/festops/internal/model"
)

// SlotLength is the schedule granularity.
const SlotLength = 10 * time.Minute

// driftSlots is how far an assignment may move from its previous slot
// while still counting as "nearby" for the stability objective.
const driftSlots = 6

// slotGrid maps between wall-clock times and slot indices. Slot 0 is
// the earliest time any proposal may start.
type slotGrid struct {
	epoch time.Time
}

func newSlotGrid(proposals []*model.Proposal) slotGrid {
	var epoch time.Time
	for _, p := range proposals {
		for _, tr := range p.TimeRanges {
			if epoch.IsZero() || tr.Start.Before(epoch) {
				epoch = tr.Start
			}
		}
	}
	return slotGrid{epoch: epoch.UTC().Truncate(SlotLength)}
}

func (g slotGrid) slot(t time.Time) int {
	return int(t.UTC().Sub(g.epoch) / SlotLength)
}

// slotCeil rounds up to the next boundary when t falls mid-slot, so a
// window opening mid-slot never admits a start before it opens.
func (g slotGrid) slotCeil(t time.Time) int {
	s := g.slot(t)
	if g.time(s).Before(t.UTC()) {
		s++
	}
	return s
}

func (g slotGrid) time(slot int) time.Time {
	return g.epoch.Add(time.Duration(slot) * SlotLength)
}

// durationSlots is the occupancy of a proposal in slots: its duration
// rounded up, plus one slot of changeover.
func durationSlots(minutes int) int {
	d := int(time.Duration(minutes) * time.Minute / SlotLength)
	if time.Duration(minutes)*time.Minute%SlotLength != 0 {
		d++
	}
	return d + 1
}

// startSlots enumerates the slots a proposal may begin in: every slot
// such that the whole occupancy, changeover included, fits inside one
// permitted time range.
func startSlots(g slotGrid, p *model.Proposal) []int {
	occupied := durationSlots(p.Duration)
	var out []int
	seen := map[int]bool{}
	for _, tr := range p.TimeRanges {
		first := g.slotCeil(tr.Start)
		// The whole occupancy, changeover included, must fit before the
		// range closes.
		last := g.slot(tr.End) - occupied
		for s := first; s <= last; s++ {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
