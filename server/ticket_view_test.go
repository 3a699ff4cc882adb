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
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
)

func newTestView(t *testing.T, candidatesSize int) *TicketView {
	t.Helper()
	ticket := &Ticket{
		GlobalID:  uuid.Must(uuid.NewV4()),
		Timestamp: time.Now().UTC(),
	}
	return NewTicketView(ticket, candidatesSize)
}

func candidateRatings(v *TicketView) []float64 {
	ratings := make([]float64, 0, len(v.Candidates))
	for _, slot := range v.Candidates {
		if slot.ticket == nil {
			break
		}
		ratings = append(ratings, slot.rating)
	}
	return ratings
}

func TestAddCandidateOrderingAndUsage(t *testing.T) {
	owner := newTestView(t, 3)
	c1 := newTestView(t, 3)
	c2 := newTestView(t, 3)
	c3 := newTestView(t, 3)
	c4 := newTestView(t, 3)
	c5 := newTestView(t, 3)

	require.True(t, owner.addCandidate(c1, 1))
	require.True(t, owner.addCandidate(c2, 3))
	require.True(t, owner.addCandidate(c3, 2))
	require.Equal(t, []float64{3, 2, 1}, candidateRatings(owner))
	require.Equal(t, int64(1), c1.candidateUsageBy.Load())
	require.Equal(t, int64(1), c2.candidateUsageBy.Load())
	require.Equal(t, int64(1), c3.candidateUsageBy.Load())

	// Full slots and a worse rating: rejected, counters untouched.
	require.False(t, owner.addCandidate(c4, 0.5))
	require.Equal(t, int64(0), c4.candidateUsageBy.Load())
	require.Equal(t, []float64{3, 2, 1}, candidateRatings(owner))

	// Insertion into the middle bumps the tail exactly once.
	require.True(t, owner.addCandidate(c5, 2.5))
	require.Equal(t, []float64{3, 2.5, 2}, candidateRatings(owner))
	require.Equal(t, int64(0), c1.candidateUsageBy.Load())
	require.Equal(t, int64(1), c5.candidateUsageBy.Load())
	require.Equal(t, c2, owner.Candidates[0].ticket)
	require.Equal(t, c5, owner.Candidates[1].ticket)
	require.Equal(t, c3, owner.Candidates[2].ticket)
}

func TestAddCandidateConcurrent(t *testing.T) {
	const inserts = 100
	const slots = 8
	owner := newTestView(t, slots)

	candidates := make([]*TicketView, inserts)
	for i := range candidates {
		candidates[i] = newTestView(t, slots)
	}

	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner.addCandidateConcurrent(candidates[i], float64(i))
		}(i)
	}
	wg.Wait()

	ratings := candidateRatings(owner)
	require.Len(t, ratings, slots)
	for i := 0; i < slots; i++ {
		// The top ratings must survive regardless of insertion order.
		require.Equal(t, float64(inserts-1-i), ratings[i])
	}

	var usage int64
	for _, c := range candidates {
		usage += c.candidateUsageBy.Load()
	}
	require.Equal(t, int64(slots), usage)
}

func TestNewTicketViewNormalizesRangedRequirements(t *testing.T) {
	ticket := &Ticket{
		GlobalID:  uuid.Must(uuid.NewV4()),
		Timestamp: time.Now().UTC(),
		Requirements: []RequirementGroup{
			{Any: []Requirement{
				{Key: 0, Ranged: true},
				{Key: 1, Ranged: true, Values: []float32{7}},
				{Key: 2, Ranged: true, Values: []float32{1, 5, 9}},
				{Key: 3, Ranged: false, Values: []float32{4}},
			}},
		},
	}
	view := NewTicketView(ticket, 8)

	require.Len(t, view.Requirements, 1)
	group := view.Requirements[0]
	require.Equal(t, []float32{0, 0}, group[0].Values)
	require.Equal(t, []float32{7, 7}, group[1].Values)
	require.Equal(t, []float32{1, 5}, group[2].Values)
	require.Equal(t, []float32{4}, group[3].Values)
}
