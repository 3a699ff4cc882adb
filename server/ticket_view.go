// Copyright 2026 The CryMatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"math"
	"sync"

	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
)

// matchCandidate is one slot in a ticket view's candidate array. A nil
// ticket marks an empty slot. Slots are kept sorted descending by rating
// with the best candidate leftmost.
type matchCandidate struct {
	ticket *TicketView
	rating float64
}

// affinityView is a flattened affinity with the margin inverse precomputed
// so the pairwise hot loop never divides.
type affinityView struct {
	value             float64
	maxMarginInverted float64
	preferDisimilar   bool
	softMargin        bool
	priorityFactor    float64
}

// TicketView is the matching-optimized projection of a Ticket used inside a
// single MatchFunction call. State is padded to the pool-wide maximum state
// size during preprocessing, ranged requirements are normalized to carry
// exactly two values, and the candidate slot array has a fixed capacity.
type TicketView struct {
	GlobalID uuid.UUID
	Source   *Ticket

	State        [][]float32
	Requirements [][]Requirement
	Affinities   []affinityView

	// Candidates has fixed length; empty slots trail the occupied ones.
	Candidates []matchCandidate
	// candidateUsageBy counts how many other tickets currently hold this
	// ticket in their candidate slots.
	candidateUsageBy *atomic.Int64

	basePriority float64
	consumed     bool

	// mu serializes concurrent candidate insertion, worstRating mirrors
	// the last slot for the lock-free pre-check.
	mu          sync.Mutex
	worstRating *atomic.Float64
}

// NewTicketView converts a ticket for matching with the given candidate slot
// capacity.
func NewTicketView(t *Ticket, candidatesSize int) *TicketView {
	view := &TicketView{
		GlobalID:         t.GlobalID,
		Source:           t,
		State:            t.State,
		Candidates:       make([]matchCandidate, candidatesSize),
		candidateUsageBy: atomic.NewInt64(0),
		worstRating:      atomic.NewFloat64(math.Inf(-1)),
	}

	view.Requirements = make([][]Requirement, 0, len(t.Requirements))
	for _, group := range t.Requirements {
		normalized := make([]Requirement, 0, len(group.Any))
		for _, req := range group.Any {
			if req.Ranged {
				// Ranged requirements always carry a [lo, hi] pair.
				switch len(req.Values) {
				case 0:
					req.Values = []float32{0, 0}
				case 1:
					req.Values = []float32{req.Values[0], req.Values[0]}
				default:
					req.Values = req.Values[:2]
				}
			}
			normalized = append(normalized, req)
		}
		view.Requirements = append(view.Requirements, normalized)
	}

	view.Affinities = make([]affinityView, 0, len(t.Affinities))
	for _, a := range t.Affinities {
		inverted := 0.0
		if a.MaxMargin > 0 {
			inverted = 1.0 / float64(a.MaxMargin)
		}
		view.Affinities = append(view.Affinities, affinityView{
			value:             float64(a.Value),
			maxMarginInverted: inverted,
			preferDisimilar:   a.PreferDisimilar,
			softMargin:        a.SoftMargin,
			priorityFactor:    float64(a.PriorityFactor),
		})
	}

	return view
}

// stateEntry returns the state array at key, or an empty array when the key
// lies beyond the view's state size.
func (v *TicketView) stateEntry(key int32) []float32 {
	if key < 0 || int(key) >= len(v.State) {
		return nil
	}
	return v.State[key]
}

// addCandidate inserts t into the slot array if its rating beats the current
// worst. Returns false when the candidate was dropped. On success the
// inserted ticket's usage counter is incremented; a bumped-off tail
// candidate has its target's counter decremented.
func (v *TicketView) addCandidate(t *TicketView, rating float64) bool {
	slots := v.Candidates
	last := len(slots) - 1
	if slots[last].ticket != nil && rating <= slots[last].rating {
		return false
	}
	for i := range slots {
		if slots[i].ticket != nil && slots[i].rating >= rating {
			continue
		}
		bumped := slots[last]
		copy(slots[i+1:], slots[i:last])
		slots[i] = matchCandidate{ticket: t, rating: rating}
		if bumped.ticket != nil {
			bumped.ticket.candidateUsageBy.Dec()
		}
		t.candidateUsageBy.Inc()
		if slots[last].ticket != nil {
			v.worstRating.Store(slots[last].rating)
		}
		return true
	}
	return false
}

// addCandidateConcurrent is the thread-safe variant used by the parallel
// candidate search. The worst-slot pre-check runs relaxed outside the lock
// to short-circuit hopeless inserts cheaply.
func (v *TicketView) addCandidateConcurrent(t *TicketView, rating float64) bool {
	if rating <= v.worstRating.Load() {
		return false
	}
	v.mu.Lock()
	ok := v.addCandidate(t, rating)
	v.mu.Unlock()
	return ok
}

// resetCandidates clears the slot array and usage bookkeeping between the
// unreliable and reliable passes.
func (v *TicketView) resetCandidates(candidatesSize int) {
	v.Candidates = make([]matchCandidate, candidatesSize)
	v.candidateUsageBy.Store(0)
	v.worstRating.Store(math.Inf(-1))
}
