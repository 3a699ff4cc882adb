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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStandaloneMatchDelivery(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	config := testConfig()
	state := NewMemoryState()
	metrics := NewMetrics(logger, config)
	plugins := NewPluginRegistry()

	director, err := NewDirector(logger, config, state, metrics)
	require.NoError(t, err)
	defer director.Stop()
	matchmaker := NewMatchmaker(logger, config, state, metrics, plugins)
	defer matchmaker.Stop()

	readerCtx, readerCancel := context.WithCancel(ctx)
	defer readerCancel()
	var mu sync.Mutex
	received := make([]*TicketMatch, 0, 1)
	go func() {
		_ = director.ReadIncomingMatches(readerCtx, func(match *TicketMatch) error {
			mu.Lock()
			received = append(received, match)
			mu.Unlock()
			return nil
		})
	}()

	first := plainTicket()
	second := plainTicket()
	require.Equal(t, SubmitStatusOK, director.TicketSubmit(first))
	require.Equal(t, SubmitStatusOK, director.TicketSubmit(second))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 15*time.Second, 50*time.Millisecond)

	mu.Lock()
	match := received[0]
	mu.Unlock()
	require.Len(t, match.TicketIDs, 2)
	require.ElementsMatch(t,
		[]string{first.GlobalID.String(), second.GlobalID.String()},
		[]string{match.TicketIDs[0].String(), match.TicketIDs[1].String()})

	// Full cleanup: submitted set, consumed stream and matches stream all
	// drain once the match is delivered.
	require.Eventually(t, func() bool {
		members, err := state.GetSetValues(ctx, KeyTicketsSubmitted)
		if err != nil || len(members) != 0 {
			return false
		}
		consumed, err := state.StreamRead(ctx, KeyConsumedTickets, 0)
		if err != nil || len(consumed) != 0 {
			return false
		}
		matches, err := state.StreamRead(ctx, KeyMatches, 0)
		return err == nil && len(matches) == 0
	}, 15*time.Second, 100*time.Millisecond)
}

func TestStandaloneTicketExpiry(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	config := testConfig()
	// Gathering outlasts the tickets' maximum age, so the snapshot sees
	// only expired tickets and consumes them unmatched.
	config.MatchmakerMinGatherTime = 1.5
	state := NewMemoryState()
	metrics := NewMetrics(logger, config)

	director, err := NewDirector(logger, config, state, metrics)
	require.NoError(t, err)
	defer director.Stop()
	matchmaker := NewMatchmaker(logger, config, state, metrics, NewPluginRegistry())
	defer matchmaker.Stop()

	first := plainTicket()
	first.MaxAgeSeconds = 1
	second := plainTicket()
	second.MaxAgeSeconds = 1
	require.Equal(t, SubmitStatusOK, director.TicketSubmit(first))
	require.Equal(t, SubmitStatusOK, director.TicketSubmit(second))

	require.Eventually(t, func() bool {
		members, err := state.GetSetValues(ctx, KeyTicketsSubmitted)
		return err == nil && len(members) == 0
	}, 20*time.Second, 100*time.Millisecond)

	matches, err := state.StreamRead(ctx, KeyMatches, 0)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestMatchmakerStatusReporting(t *testing.T) {
	logger := zap.NewNop()
	config := testConfig()
	state := NewMemoryState()
	matchmaker := NewMatchmaker(logger, config, state, NewMetrics(logger, config), NewPluginRegistry())
	defer matchmaker.Stop()

	status := matchmaker.Status()
	require.Equal(t, 0, status.ProcessingTickets)
	require.Empty(t, status.Pools)
	require.False(t, status.LocalTime.IsZero())

	// The pinger registers the matchmaker with a parsable status.
	ctx := context.Background()
	require.Eventually(t, func() bool {
		members, err := state.GetSetValues(ctx, KeyMatchmakers)
		if err != nil || len(members) != 1 {
			return false
		}
		text, err := state.GetString(ctx, members[0])
		if err != nil || text == "" {
			return false
		}
		_, err = ParseMatchmakerStatus(text)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStandaloneTwoPoolStatus(t *testing.T) {
	logger := zap.NewNop()
	config := testConfig()
	// A long gather keeps the default pool's gathering window observable.
	config.MatchmakerMinGatherTime = 1.5
	state := NewMemoryState()
	metrics := NewMetrics(logger, config)

	director, err := NewDirector(logger, config, state, metrics)
	require.NoError(t, err)
	defer director.Stop()
	matchmaker := NewMatchmaker(logger, config, state, metrics, NewPluginRegistry())
	defer matchmaker.Stop()

	plain := plainTicket()
	pooled := plainTicket()
	pooled.Pool = "test_pool"
	picky := plainTicket()
	// No ticket carries state for key 0, so this one never pairs up.
	picky.Requirements = []RequirementGroup{{Any: []Requirement{{Key: 0, Ranged: true, Values: []float32{1, 2}}}}}

	require.Equal(t, SubmitStatusOK, director.TicketSubmit(plain))
	require.Equal(t, SubmitStatusOK, director.TicketSubmit(pooled))
	require.Equal(t, SubmitStatusOK, director.TicketSubmit(picky))

	poolByName := func(status *MatchmakerStatus, name string) *PoolStatus {
		for i := range status.Pools {
			if status.Pools[i].Name == name {
				return &status.Pools[i]
			}
		}
		return nil
	}

	// All three tickets land on the one matchmaker. The default pool holds
	// two and gathers; test_pool sits below the match size and does not.
	require.Eventually(t, func() bool {
		status := matchmaker.Status()
		def := poolByName(status, "")
		pool := poolByName(status, "test_pool")
		return status.ProcessingTickets == 3 &&
			def != nil && def.InQueue == 2 && def.Gathering &&
			pool != nil && pool.InQueue == 1 && !pool.Gathering
	}, 10*time.Second, 20*time.Millisecond)

	// The incompatible pair comes back as residue after the round and the
	// default pool returns to waiting; test_pool is untouched.
	require.Eventually(t, func() bool {
		status := matchmaker.Status()
		def := poolByName(status, "")
		pool := poolByName(status, "test_pool")
		return status.ProcessingTickets == 3 &&
			def != nil && def.InQueue == 2 && !def.Gathering &&
			pool != nil && pool.InQueue == 1 && !pool.Gathering
	}, 10*time.Second, 50*time.Millisecond)
}
