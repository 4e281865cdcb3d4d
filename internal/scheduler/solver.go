package scheduler

import (
	"fmt"
	"sort"

	"github.com/fieldworks/festops/internal/model"
)

// option is one candidate (start slot, venue) for a talk, tagged with
// its stability weight against the previous schedule.
type option struct {
	slot   int
	venue  int64
	weight int
}

// talk is the solver's view of one proposal.
type talk struct {
	proposal *model.Proposal
	occupied int
	options  []option
}

// assignment is a chosen option per talk index.
type assignment map[int]option

// solver holds the search state for one run. The search assigns talks
// one at a time, most constrained first, options in descending weight,
// pruning branches whose optimistic bound cannot beat the incumbent.
type solver struct {
	talks []*talk

	best      assignment
	bestScore int
	found     bool
}

// overlap reports whether two occupancies [aSlot, aSlot+aLen) and
// [bSlot, bSlot+bLen) intersect.
func overlap(aSlot, aLen, bSlot, bLen int) bool {
	return aSlot < bSlot+bLen && bSlot < aSlot+aLen
}

// feasible reports whether opt for talk ti is compatible with every
// talk already assigned: no venue double-booking, no speaker in two
// places at once.
func (s *solver) feasible(ti int, opt option, current assignment) bool {
	t := s.talks[ti]
	for oi, other := range current {
		o := s.talks[oi]
		if !overlap(opt.slot, t.occupied, other.slot, o.occupied) {
			continue
		}
		if other.venue == opt.venue {
			return false
		}
		if sharesSpeaker(t.proposal, o.proposal) {
			return false
		}
	}
	return true
}

func sharesSpeaker(a, b *model.Proposal) bool {
	for _, sa := range a.Speakers {
		for _, sb := range b.Speakers {
			if sa == sb {
				return true
			}
		}
	}
	return false
}

// maxWeights[i] is the best weight still reachable for talk i, used for
// the optimistic bound.
func (s *solver) maxWeights() []int {
	out := make([]int, len(s.talks))
	for i, t := range s.talks {
		for _, o := range t.options {
			if o.weight > out[i] {
				out[i] = o.weight
			}
		}
	}
	return out
}

// solve runs the search and returns the best full assignment.
func (s *solver) solve() (assignment, error) {
	// Most constrained talk first keeps the branching factor down.
	order := make([]int, len(s.talks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return len(s.talks[order[a]].options) < len(s.talks[order[b]].options)
	})
	for _, ti := range order {
		if len(s.talks[ti].options) == 0 {
			return nil, fmt.Errorf("%w: no feasible slot for proposal %d",
				model.ErrUnsatisfiable, s.talks[ti].proposal.ID)
		}
	}

	maxW := s.maxWeights()
	// remainder[k] is the optimistic weight of everything from search
	// depth k onward.
	remainder := make([]int, len(order)+1)
	for k := len(order) - 1; k >= 0; k-- {
		remainder[k] = remainder[k+1] + maxW[order[k]]
	}

	s.search(order, 0, assignment{}, 0, remainder)
	if !s.found {
		return nil, fmt.Errorf("%w: no conflict-free assignment exists", model.ErrUnsatisfiable)
	}
	return s.best, nil
}

func (s *solver) search(order []int, depth int, current assignment, score int, remainder []int) {
	if depth == len(order) {
		if !s.found || score > s.bestScore {
			s.found = true
			s.bestScore = score
			s.best = make(assignment, len(current))
			for k, v := range current {
				s.best[k] = v
			}
		}
		return
	}
	if s.found && score+remainder[depth] <= s.bestScore {
		return
	}
	ti := order[depth]
	for _, opt := range s.talks[ti].options {
		if !s.feasible(ti, opt, current) {
			continue
		}
		current[ti] = opt
		s.search(order, depth+1, current, score+opt.weight, remainder)
		delete(current, ti)
	}
}
