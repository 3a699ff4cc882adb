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
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
)

func TestTicketCodecRoundTrip(t *testing.T) {
	now := time.Unix(0, time.Now().UnixNano()).UTC()
	original := &Ticket{
		GlobalID:      uuid.Must(uuid.NewV4()),
		Timestamp:     now,
		MaxAgeSeconds: 120,
		Pool:          "ranked",
		State: [][]float32{
			{1500, 3},
			{},
			{0.5},
		},
		Requirements: []RequirementGroup{
			{Any: []Requirement{
				{Key: 0, Ranged: true, Values: []float32{1000, 2000}},
				{Key: 2, Values: []float32{1, 2, 3}},
			}},
			{Any: []Requirement{
				{Key: 1, Values: []float32{7}},
			}},
		},
		Affinities: []Affinity{
			{Value: 1500, MaxMargin: 300, PriorityFactor: 2},
			{Value: 0.25, MaxMargin: 1, PreferDisimilar: true, SoftMargin: true, PriorityFactor: 0.5},
		},
		PriorityBase:         -5,
		AgePriorityFactor:    1.5,
		ExpiryMatchmaker:     now.Add(90 * time.Second),
		MatchingFailureCount: 3,
		ConsumedForMatch:     true,
	}

	decoded, err := UnmarshalTicket(MarshalTicket(original))
	require.NoError(t, err)

	require.Equal(t, original.GlobalID, decoded.GlobalID)
	require.True(t, original.Timestamp.Equal(decoded.Timestamp))
	require.Equal(t, original.MaxAgeSeconds, decoded.MaxAgeSeconds)
	require.Equal(t, original.Pool, decoded.Pool)
	require.Equal(t, original.State, decoded.State)
	require.Equal(t, original.Requirements, decoded.Requirements)
	require.Equal(t, original.Affinities, decoded.Affinities)
	require.Equal(t, original.PriorityBase, decoded.PriorityBase)
	require.Equal(t, original.AgePriorityFactor, decoded.AgePriorityFactor)
	require.True(t, original.ExpiryMatchmaker.Equal(decoded.ExpiryMatchmaker))
	require.Equal(t, original.MatchingFailureCount, decoded.MatchingFailureCount)
	require.Equal(t, original.ConsumedForMatch, decoded.ConsumedForMatch)
	require.Empty(t, decoded.StateID)
}

func TestTicketCodecMinimalTicket(t *testing.T) {
	original := &Ticket{GlobalID: uuid.Must(uuid.NewV4())}
	decoded, err := UnmarshalTicket(MarshalTicket(original))
	require.NoError(t, err)
	require.Equal(t, original.GlobalID, decoded.GlobalID)
	require.True(t, decoded.Timestamp.IsZero())
	require.True(t, decoded.ExpiryMatchmaker.IsZero())
	require.Empty(t, decoded.State)
	require.Empty(t, decoded.Pool)
}

func TestTicketCodecEmptyStateArrayPreserved(t *testing.T) {
	// An empty state entry must survive the round trip as present-but-empty,
	// not disappear.
	original := &Ticket{
		GlobalID: uuid.Must(uuid.NewV4()),
		State:    [][]float32{{}},
	}
	decoded, err := UnmarshalTicket(MarshalTicket(original))
	require.NoError(t, err)
	require.Len(t, decoded.State, 1)
	require.Empty(t, decoded.State[0])
}

func TestTicketCodecRejectsGarbage(t *testing.T) {
	_, err := UnmarshalTicket([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)

	// Structurally valid but missing the mandatory global id.
	_, err = UnmarshalTicket(nil)
	require.Error(t, err)
}

func TestTicketMatchCodecRoundTrip(t *testing.T) {
	original := &TicketMatch{
		GlobalID: uuid.Must(uuid.NewV4()),
		TicketIDs: []uuid.UUID{
			uuid.Must(uuid.NewV4()),
			uuid.Must(uuid.NewV4()),
			uuid.Must(uuid.NewV4()),
		},
	}
	decoded, err := UnmarshalTicketMatch(MarshalTicketMatch(original))
	require.NoError(t, err)
	require.Equal(t, original.GlobalID, decoded.GlobalID)
	require.Equal(t, original.TicketIDs, decoded.TicketIDs)
	require.Empty(t, decoded.StateID)
}
