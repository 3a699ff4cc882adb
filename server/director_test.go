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
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config {
	c := NewConfig()
	c.MatchmakerUpdateDelay = 0.05
	c.DirectorUpdateDelay = 0.05
	c.MatchmakerMinGatherTime = 0.1
	c.MaxDowntimeBeforeOffline = 1
	c.MatchmakerThreads = 2
	return c
}

func TestDirectorLeaderConflict(t *testing.T) {
	logger := zap.NewNop()
	config := testConfig()
	config.MaxDowntimeBeforeOffline = 0.3
	state := NewMemoryState()
	metrics := NewMetrics(logger, config)

	first, err := NewDirector(logger, config, state, metrics)
	require.NoError(t, err)

	// The second start waits one lease period, re-checks and aborts.
	_, err = NewDirector(logger, config, state, metrics)
	require.ErrorIs(t, err, ErrDirectorActive)

	first.Stop()
	time.Sleep(100 * time.Millisecond)

	third, err := NewDirector(logger, config, state, metrics)
	require.NoError(t, err)
	third.Stop()
}

func TestDirectorTicketSubmitValidation(t *testing.T) {
	logger := zap.NewNop()
	config := testConfig()
	state := NewMemoryState()
	director, err := NewDirector(logger, config, state, NewMetrics(logger, config))
	require.NoError(t, err)
	defer director.Stop()

	require.Equal(t, SubmitStatusBadRequest, director.TicketSubmit(nil))
	require.Equal(t, SubmitStatusBadRequest, director.TicketRemove(nil))
	require.Equal(t, SubmitStatusBadRequest, director.TicketRemove(&Ticket{}))

	// The Director assigns ticket identity at submit.
	unidentified := &Ticket{Timestamp: time.Now().UTC()}
	require.Equal(t, SubmitStatusOK, director.TicketSubmit(unidentified))
	require.NotEqual(t, uuid.Nil, unidentified.GlobalID)

	// A client-supplied global id is kept as-is.
	ticket := plainTicket()
	supplied := ticket.GlobalID
	require.Equal(t, SubmitStatusOK, director.TicketSubmit(ticket))
	require.Equal(t, supplied, ticket.GlobalID)
}

func TestDirectorSubmitAndRemove(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	config := testConfig()
	state := NewMemoryState()
	director, err := NewDirector(logger, config, state, NewMetrics(logger, config))
	require.NoError(t, err)
	defer director.Stop()

	ticket := plainTicket()
	require.Equal(t, SubmitStatusOK, director.TicketSubmit(ticket))

	// The submitter batches the ticket into the unassigned stream and
	// registers its global id.
	require.Eventually(t, func() bool {
		contains, err := state.SetContains(ctx, KeyTicketsSubmitted, ticket.GlobalID.String())
		return err == nil && contains
	}, 5*time.Second, 20*time.Millisecond)
	messages, err := state.StreamRead(ctx, KeyTicketsUnassigned, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.Equal(t, SubmitStatusOK, director.TicketRemove(ticket))
	require.Equal(t, SubmitStatusNotFound, director.TicketRemove(ticket))

	// With no matchmakers online the assigner still culls the cancelled
	// ticket from the unassigned stream.
	require.Eventually(t, func() bool {
		messages, err := state.StreamRead(ctx, KeyTicketsUnassigned, 0)
		return err == nil && len(messages) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDirectorReaddSurvivesFailedMove(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	config := testConfig()
	state := NewMemoryState()
	director, err := NewDirector(logger, config, state, NewMetrics(logger, config))
	require.NoError(t, err)
	// Stop the loops so the reconciliation below runs in isolation. The
	// memory backend keeps serving the director's cancelled context.
	director.Stop()

	ticket := plainTicket()
	ticket.ConsumedForMatch = true
	_, err = state.StreamAdd(ctx, KeyConsumedTickets, MarshalTicket(ticket))
	require.NoError(t, err)
	_, err = state.SetAdd(ctx, KeyTicketsSubmitted, ticket.GlobalID.String())
	require.NoError(t, err)
	director.ticketsToReadd[ticket.GlobalID] = struct{}{}

	// Wedge the unassigned stream so the re-add cannot land. The consumed
	// entry and the re-add mark must survive the failed pass.
	require.NoError(t, state.SetString(ctx, KeyTicketsUnassigned, "wedge", 0))
	director.CleanConsumedTickets()

	consumed, err := state.StreamRead(ctx, KeyConsumedTickets, 0)
	require.NoError(t, err)
	require.Len(t, consumed, 1)
	require.Contains(t, director.ticketsToReadd, ticket.GlobalID)

	// Once the stream is writable again the next pass completes the move.
	require.NoError(t, state.KeyDelete(ctx, KeyTicketsUnassigned))
	director.CleanConsumedTickets()

	unassigned, err := state.StreamRead(ctx, KeyTicketsUnassigned, 0)
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	readded, err := UnmarshalTicket(unassigned[0].Data)
	require.NoError(t, err)
	require.Equal(t, ticket.GlobalID, readded.GlobalID)
	require.False(t, readded.ConsumedForMatch)

	consumed, err = state.StreamRead(ctx, KeyConsumedTickets, 0)
	require.NoError(t, err)
	require.Empty(t, consumed)
	require.NotContains(t, director.ticketsToReadd, ticket.GlobalID)
	contains, err := state.SetContains(ctx, KeyTicketsSubmitted, ticket.GlobalID.String())
	require.NoError(t, err)
	require.True(t, contains)
}

func TestDirectorPoolConfiguration(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	config := testConfig()
	state := NewMemoryState()
	director, err := NewDirector(logger, config, state, NewMetrics(logger, config))
	require.NoError(t, err)
	defer director.Stop()

	// Unconfigured pools fall back to the default match size.
	cfg, err := director.GetPoolConfiguration(ctx, "ranked")
	require.NoError(t, err)
	require.Equal(t, 2, cfg.MatchSize)

	require.Equal(t, SubmitStatusOK, director.SetPoolConfiguration(ctx, &PoolConfiguration{PoolID: "ranked", MatchSize: 10}))
	cfg, err = director.GetPoolConfiguration(ctx, "ranked")
	require.NoError(t, err)
	require.Equal(t, 10, cfg.MatchSize)

	require.Equal(t, SubmitStatusBadRequest, director.SetPoolConfiguration(ctx, &PoolConfiguration{PoolID: "ranked", MatchSize: 1}))
	require.Equal(t, SubmitStatusBadRequest, director.SetPoolConfiguration(ctx, nil))
}

func TestPickMatchmakerPreference(t *testing.T) {
	gathering := &MatchmakerStatus{
		ProcessingTickets: 50,
		Pools:             []PoolStatus{{Name: "ranked", InQueue: 5, Gathering: true}},
	}
	queued := &MatchmakerStatus{
		ProcessingTickets: 20,
		Pools:             []PoolStatus{{Name: "ranked", InQueue: 3, Gathering: false}},
	}
	idle := &MatchmakerStatus{ProcessingTickets: 1}
	online := map[string]*MatchmakerStatus{
		"mm_a": idle,
		"mm_b": queued,
		"mm_c": gathering,
	}
	ids := []string{"mm_a", "mm_b", "mm_c"}

	// Gathering wins over a live queue and over the least busy.
	require.Equal(t, "mm_c", pickMatchmaker(online, ids, "ranked", 100))
	// Over capacity, gathering no longer qualifies; the live queue wins.
	require.Equal(t, "mm_b", pickMatchmaker(online, ids, "ranked", 4))
	// No pool entry anywhere: least busy.
	require.Equal(t, "mm_a", pickMatchmaker(online, ids, "casual", 100))
}
