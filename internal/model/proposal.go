package model

import "time"

// TimeRange is a window in which a proposal may be scheduled.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Proposal is an accepted conference item eligible for scheduling: a talk,
// workshop or performance with a required duration, the venues it may use,
// the windows it may occupy and the people who must be present.
type Proposal struct {
	ID          int64       `json:"id"`
	ValidVenues []int64     `json:"valid_venues"`
	Speakers    []string    `json:"speakers"`
	Duration    int         `json:"duration"` // minutes
	TimeRanges  []TimeRange `json:"time_ranges"`

	// Time and Venue carry the previous assignment on input (when present)
	// and the chosen assignment on output.
	Time  *time.Time `json:"time,omitempty"`
	Venue *int64     `json:"venue,omitempty"`
}

// Venue is a schedulable space.
type Venue struct {
	ID           int64
	Name         string
	AllowedTypes []string
}
