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
	"time"

	"github.com/gofrs/uuid"
)

// Requirement is a single condition a ticket places on another ticket's state
// vector. Key indexes the other ticket's state. Ranged requirements carry a
// [lo, hi] pair matched against the first float of the addressed state entry;
// discreet requirements pass when any of their values equals any float in the
// addressed entry.
type Requirement struct {
	Key    int32     `json:"key"`
	Ranged bool      `json:"ranged"`
	Values []float32 `json:"values"`
}

// RequirementGroup is an any-of over individual requirements. Every group of
// a ticket must be satisfied for the ticket to be compatible with another.
type RequirementGroup struct {
	Any []Requirement `json:"any"`
}

// Affinity expresses a soft or hard preference compared pairwise by position
// against another ticket's affinity list.
type Affinity struct {
	Value           float32 `json:"value"`
	MaxMargin       float32 `json:"max_margin"`
	PreferDisimilar bool    `json:"prefer_disimilar"`
	SoftMargin      bool    `json:"soft_margin"`
	PriorityFactor  float32 `json:"priority_factor"`
}

// Ticket is the unit of matchmaking work. The client supplies state,
// requirements, affinities and priority settings; the Director decorates the
// ticket with its global id at submit and the matchmaker-clock expiry at
// assignment; the state store assigns a fresh state id every time the ticket
// is written to a stream.
type Ticket struct {
	// StateID is the stream message id of the ticket's current location.
	// It changes on every move and is never serialized into the payload.
	StateID string

	GlobalID  uuid.UUID
	Timestamp time.Time
	// MaxAgeSeconds of zero means the ticket never expires.
	MaxAgeSeconds uint32
	// Pool is the matchmaking pool id. Empty string is the default pool.
	Pool string

	State        [][]float32
	Requirements []RequirementGroup
	Affinities   []Affinity

	PriorityBase      int32
	AgePriorityFactor float32

	// ExpiryMatchmaker is set by the Director on assignment, compensated
	// for the difference between the Director's and the matchmaker's
	// clocks.
	ExpiryMatchmaker     time.Time
	MatchingFailureCount uint32

	// ConsumedForMatch rides along only on the consumed tickets stream.
	ConsumedForMatch bool
}

// Expired reports whether the ticket is past its maximum age on the
// Director's clock.
func (t *Ticket) Expired(now time.Time) bool {
	if t.MaxAgeSeconds == 0 {
		return false
	}
	return now.Sub(t.Timestamp) > time.Duration(t.MaxAgeSeconds)*time.Second
}

// ExpiredOnMatchmaker reports whether the ticket is past its
// matchmaker-clock expiry by more than the given tolerance.
func (t *Ticket) ExpiredOnMatchmaker(now time.Time, tolerance time.Duration) bool {
	if t.MaxAgeSeconds == 0 || t.ExpiryMatchmaker.IsZero() {
		return false
	}
	return now.Sub(t.ExpiryMatchmaker) > tolerance
}

// TicketMatch is a completed match: the owning ticket's matchmaker-assigned
// match id plus the global ids of every participating ticket.
type TicketMatch struct {
	// StateID is the matches stream message id, set when read back.
	StateID string

	GlobalID  uuid.UUID
	TicketIDs []uuid.UUID
}
