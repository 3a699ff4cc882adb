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
	"sort"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func plainTicket() *Ticket {
	return &Ticket{
		GlobalID:  uuid.Must(uuid.NewV4()),
		Timestamp: time.Now().UTC(),
	}
}

func affinityTicket(value, maxMargin float32, soft bool) *Ticket {
	t := plainTicket()
	t.Affinities = []Affinity{{
		Value:          value,
		MaxMargin:      maxMargin,
		SoftMargin:     soft,
		PriorityFactor: 1,
	}}
	return t
}

func viewsOf(tickets []*Ticket, matchSize int) []*TicketView {
	views := make([]*TicketView, len(tickets))
	for i, t := range tickets {
		views[i] = NewTicketView(t, DefaultCandidatesSize(matchSize))
	}
	return views
}

func requireDisjoint(t *testing.T, matches []*TicketMatch, matchSize int) map[uuid.UUID]int {
	t.Helper()
	assignment := make(map[uuid.UUID]int)
	for i, match := range matches {
		require.Len(t, match.TicketIDs, matchSize)
		for _, id := range match.TicketIDs {
			_, seen := assignment[id]
			require.False(t, seen, "ticket %s appears in more than one match", id)
			assignment[id] = i
		}
	}
	return assignment
}

func TestMatchFunctionSoftAffinityPrefersSimilar(t *testing.T) {
	for run := 0; run < 50; run++ {
		tickets := []*Ticket{
			affinityTicket(1200, 1000, true),
			affinityTicket(1000, 1000, true),
			affinityTicket(1000, 1000, true),
			affinityTicket(1100, 1000, true),
		}
		result := MatchFunction(zap.NewNop(), viewsOf(tickets, 2), 2, nil, false)
		require.Len(t, result.Matches, 2)
		assignment := requireDisjoint(t, result.Matches, 2)

		valueOf := make(map[uuid.UUID]float32, len(tickets))
		for _, ticket := range tickets {
			valueOf[ticket.GlobalID] = ticket.Affinities[0].Value
		}
		for _, match := range result.Matches {
			values := []float32{valueOf[match.TicketIDs[0]], valueOf[match.TicketIDs[1]]}
			sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
			if values[0] == 1000 {
				require.Equal(t, []float32{1000, 1000}, values)
			} else {
				require.Equal(t, []float32{1100, 1200}, values)
			}
		}
		require.Len(t, assignment, 4)
	}
}

func TestMatchFunctionHardMarginVeto(t *testing.T) {
	outlier := affinityTicket(1200, 100, false)
	tickets := []*Ticket{
		outlier,
		affinityTicket(1000, 1000, true),
		affinityTicket(1000, 1000, true),
		affinityTicket(1050, 1000, true),
	}
	result := MatchFunction(zap.NewNop(), viewsOf(tickets, 2), 2, nil, false)
	require.Len(t, result.Matches, 1)

	match := result.Matches[0]
	valueOf := make(map[uuid.UUID]float32, len(tickets))
	for _, ticket := range tickets {
		valueOf[ticket.GlobalID] = ticket.Affinities[0].Value
	}
	require.NotContains(t, match.TicketIDs, outlier.GlobalID)
	require.Equal(t, float32(1000), valueOf[match.TicketIDs[0]])
	require.Equal(t, float32(1000), valueOf[match.TicketIDs[1]])
}

func TestMatchFunctionGamemodeCohorts(t *testing.T) {
	gamemodeTicket := func(gamemode float32) *Ticket {
		ticket := plainTicket()
		ticket.State = [][]float32{{gamemode}}
		ticket.Requirements = []RequirementGroup{
			{Any: []Requirement{{Key: 0, Values: []float32{gamemode}}}},
		}
		return ticket
	}

	tickets := make([]*Ticket, 0, 30)
	for i := 0; i < 10; i++ {
		tickets = append(tickets, gamemodeTicket(2))
	}
	for i := 0; i < 10; i++ {
		tickets = append(tickets, gamemodeTicket(3))
	}
	for i := 0; i < 5; i++ {
		tickets = append(tickets, gamemodeTicket(4))
	}
	for i := 0; i < 5; i++ {
		tickets = append(tickets, gamemodeTicket(5))
	}

	result := MatchFunction(zap.NewNop(), viewsOf(tickets, 10), 10, nil, false)
	require.Len(t, result.Matches, 2)
	requireDisjoint(t, result.Matches, 10)

	gamemodeOf := make(map[uuid.UUID]float32, len(tickets))
	for _, ticket := range tickets {
		gamemodeOf[ticket.GlobalID] = ticket.State[0][0]
	}
	seen := make(map[float32]bool)
	for _, match := range result.Matches {
		gamemode := gamemodeOf[match.TicketIDs[0]]
		for _, id := range match.TicketIDs {
			require.Equal(t, gamemode, gamemodeOf[id])
		}
		seen[gamemode] = true
	}
	require.True(t, seen[2])
	require.True(t, seen[3])
}

func TestMatchFunctionEmptyTicketsAlwaysMatch(t *testing.T) {
	tickets := []*Ticket{plainTicket(), plainTicket()}
	result := MatchFunction(zap.NewNop(), viewsOf(tickets, 2), 2, nil, false)
	require.Len(t, result.Matches, 1)
	require.True(t, result.MatchedAllItCould)
}

func TestMatchFunctionOutOfBoundsStateKey(t *testing.T) {
	ranged := func() *Ticket {
		ticket := plainTicket()
		ticket.Requirements = []RequirementGroup{
			{Any: []Requirement{{Key: 5, Ranged: true, Values: []float32{0, 100}}}},
		}
		return ticket
	}
	tickets := []*Ticket{ranged(), ranged()}
	result := MatchFunction(zap.NewNop(), viewsOf(tickets, 2), 2, nil, false)
	require.Empty(t, result.Matches)
}

func TestMatchFunctionEqualExpiries(t *testing.T) {
	now := time.Now().UTC()
	tickets := []*Ticket{plainTicket(), plainTicket()}
	for _, ticket := range tickets {
		ticket.Timestamp = now
		ticket.AgePriorityFactor = 100
	}
	result := MatchFunction(zap.NewNop(), viewsOf(tickets, 2), 2, nil, false)
	require.Len(t, result.Matches, 1)
}

func TestMatchFunctionTooFewTickets(t *testing.T) {
	result := MatchFunction(zap.NewNop(), viewsOf([]*Ticket{plainTicket()}, 2), 2, nil, false)
	require.Empty(t, result.Matches)
	require.True(t, result.MatchedAllItCould)
}

func TestMatchFunctionParallelInput(t *testing.T) {
	// Above MinForParallel the candidate search partitions across
	// goroutines; every compatible ticket must still end up matched.
	const count = 2 * MinForParallel
	tickets := make([]*Ticket, count)
	for i := range tickets {
		tickets[i] = plainTicket()
	}
	result := MatchFunction(zap.NewNop(), viewsOf(tickets, 2), 2, nil, false)
	requireDisjoint(t, result.Matches, 2)
	require.Len(t, result.Matches, count/2)
}

type fixedPickPlugin struct {
	picks []int
	pool  string
}

func (p *fixedPickPlugin) Name() string                   { return "fixed-pick" }
func (p *fixedPickPlugin) HandledTicketPool() string      { return p.pool }
func (p *fixedPickPlugin) MatchSize(ticketCount int) int  { return 0 }
func (p *fixedPickPlugin) OverrideCandidatePicking() bool { return true }
func (p *fixedPickPlugin) PickMatchCandidates(candidates []PluginCandidate, picked []int) bool {
	if len(p.picks) != len(picked) {
		return false
	}
	copy(picked, p.picks)
	return true
}

func TestMatchFunctionPluginInvalidPick(t *testing.T) {
	tickets := []*Ticket{plainTicket(), plainTicket()}

	// Index 0 is the owning ticket and never a legal pick.
	result := MatchFunction(zap.NewNop(), viewsOf(tickets, 2), 2, &fixedPickPlugin{picks: []int{0}}, false)
	require.Empty(t, result.Matches)

	result = MatchFunction(zap.NewNop(), viewsOf(tickets, 2), 2, &fixedPickPlugin{picks: []int{1}}, false)
	require.Len(t, result.Matches, 1)
}

func TestPluginRegistryBinding(t *testing.T) {
	registry := NewPluginRegistry()
	catchAll := &fixedPickPlugin{pool: ""}
	ranked := &fixedPickPlugin{pool: "ranked"}
	registry.Register(catchAll)
	registry.Register(ranked)

	require.Equal(t, Plugin(ranked), registry.ForPool("ranked"))
	require.Equal(t, Plugin(catchAll), registry.ForPool("casual"))
	// First sighting is sticky.
	require.Equal(t, Plugin(catchAll), registry.ForPool("casual"))
}
