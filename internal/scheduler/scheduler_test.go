package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/fieldworks/festops/internal/model"
)

var day = time.Date(2026, 6, 5, 10, 0, 0, 0, time.UTC)

// fourHours is a single availability window from 10:00 to 14:00.
func fourHours() []model.TimeRange {
	return []model.TimeRange{{Start: day, End: day.Add(4 * time.Hour)}}
}

func talkProposal(id int64, venues []int64, speakers []string, minutes int) *model.Proposal {
	return &model.Proposal{
		ID:          id,
		ValidVenues: venues,
		Speakers:    speakers,
		Duration:    minutes,
		TimeRanges:  fourHours(),
	}
}

// checkFeasible asserts every scheduler invariant on an output: venue
// allowed, window respected, no venue overlap, no speaker clash.
func checkFeasible(t *testing.T, proposals []*model.Proposal) {
	t.Helper()
	for _, p := range proposals {
		if p.Time == nil || p.Venue == nil {
			t.Fatalf("proposal %d unassigned", p.ID)
		}
		venueOK := false
		for _, v := range p.ValidVenues {
			if v == *p.Venue {
				venueOK = true
			}
		}
		if !venueOK {
			t.Fatalf("proposal %d assigned to disallowed venue %d", p.ID, *p.Venue)
		}
		end := p.Time.Add(time.Duration(durationSlots(p.Duration)) * SlotLength)
		rangeOK := false
		for _, tr := range p.TimeRanges {
			if !p.Time.Before(tr.Start) && !end.After(tr.End) {
				rangeOK = true
			}
		}
		if !rangeOK {
			t.Fatalf("proposal %d at %s does not fit its windows", p.ID, p.Time)
		}
	}
	for i, a := range proposals {
		for _, b := range proposals[i+1:] {
			aEnd := a.Time.Add(time.Duration(durationSlots(a.Duration)) * SlotLength)
			bEnd := b.Time.Add(time.Duration(durationSlots(b.Duration)) * SlotLength)
			overlapping := a.Time.Before(bEnd) && b.Time.Before(aEnd)
			if !overlapping {
				continue
			}
			if *a.Venue == *b.Venue {
				t.Fatalf("proposals %d and %d overlap in venue %d", a.ID, b.ID, *a.Venue)
			}
			if sharesSpeaker(a, b) {
				t.Fatalf("proposals %d and %d overlap with a shared speaker", a.ID, b.ID)
			}
		}
	}
}

func TestScheduleFeasibility(t *testing.T) {
	// Three 50-minute talks, two venues, four hours; speaker 1 owns
	// talks 1 and 3 so they must not overlap even across venues.
	proposals := []*model.Proposal{
		talkProposal(1, []int64{1, 2}, []string{"speaker-1"}, 50),
		talkProposal(2, []int64{1, 2}, []string{"speaker-2"}, 50),
		talkProposal(3, []int64{1, 2}, []string{"speaker-1"}, 50),
	}
	if err := Schedule(proposals); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	checkFeasible(t, proposals)
}

func TestScheduleStability(t *testing.T) {
	build := func() []*model.Proposal {
		return []*model.Proposal{
			talkProposal(1, []int64{1, 2}, []string{"speaker-1"}, 50),
			talkProposal(2, []int64{1, 2}, []string{"speaker-2"}, 50),
			talkProposal(3, []int64{1, 2}, []string{"speaker-1"}, 50),
		}
	}
	first := build()
	if err := Schedule(first); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Rerun with the first solution as the previous schedule.
	second := build()
	for i := range second {
		tm := *first[i].Time
		v := *first[i].Venue
		second[i].Time = &tm
		second[i].Venue = &v
	}
	if err := Schedule(second); err != nil {
		t.Fatalf("second run: %v", err)
	}
	for i := range second {
		if !second[i].Time.Equal(*first[i].Time) || *second[i].Venue != *first[i].Venue {
			t.Fatalf("proposal %d moved: %s venue %d -> %s venue %d",
				second[i].ID, first[i].Time, *first[i].Venue, second[i].Time, *second[i].Venue)
		}
	}
}

func TestScheduleUnsatisfiable(t *testing.T) {
	// Two two-hour talks by the same speaker in a three-hour window
	// cannot both fit once the changeover is added.
	window := []model.TimeRange{{Start: day, End: day.Add(3 * time.Hour)}}
	a := &model.Proposal{ID: 1, ValidVenues: []int64{1}, Speakers: []string{"s"}, Duration: 120, TimeRanges: window}
	b := &model.Proposal{ID: 2, ValidVenues: []int64{2}, Speakers: []string{"s"}, Duration: 120, TimeRanges: window}

	err := Schedule([]*model.Proposal{a, b})
	if !errors.Is(err, model.ErrUnsatisfiable) {
		t.Fatalf("err = %v, want Unsatisfiable", err)
	}
	if a.Time != nil || b.Time != nil {
		t.Fatal("failed run must not write partial assignments")
	}
}

func TestScheduleNoWindow(t *testing.T) {
	p := &model.Proposal{
		ID:          1,
		ValidVenues: []int64{1},
		Duration:    50,
		TimeRanges:  []model.TimeRange{{Start: day, End: day.Add(30 * time.Minute)}},
	}
	err := Schedule([]*model.Proposal{p})
	if !errors.Is(err, model.ErrUnsatisfiable) {
		t.Fatalf("err = %v, want Unsatisfiable", err)
	}
}

func TestScheduleMisalignedWindow(t *testing.T) {
	// Two windows on the same grid: one opens on a slot boundary, one
	// five minutes into a slot. The misaligned talk must not start
	// before its window opens.
	aligned := talkProposal(1, []int64{1}, []string{"speaker-1"}, 50)
	offset := &model.Proposal{
		ID:          2,
		ValidVenues: []int64{2},
		Speakers:    []string{"speaker-2"},
		Duration:    50,
		TimeRanges:  []model.TimeRange{{Start: day.Add(5 * time.Minute), End: day.Add(4 * time.Hour)}},
	}
	if err := Schedule([]*model.Proposal{aligned, offset}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if offset.Time.Before(day.Add(5 * time.Minute)) {
		t.Fatalf("proposal 2 starts %s, before its window opens", offset.Time)
	}
	checkFeasible(t, []*model.Proposal{aligned, offset})
}

func TestDurationSlots(t *testing.T) {
	tests := []struct {
		minutes int
		want    int
	}{
		{50, 6},  // 5 slots + changeover
		{60, 7},  // exact hour
		{45, 6},  // rounds up to 5 + changeover
		{10, 2},  // single slot + changeover
		{120, 13},
	}
	for _, tt := range tests {
		if got := durationSlots(tt.minutes); got != tt.want {
			t.Fatalf("durationSlots(%d) = %d, want %d", tt.minutes, got, tt.want)
		}
	}
}
