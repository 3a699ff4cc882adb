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
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Tickets and matches cross the state store as protobuf wire data encoded
// and decoded directly with protowire. The field numbers are the protocol
// contract and must not change:
//
//	Ticket:      2 global_id (16 bytes), 3 timestamp (unix nanos),
//	             4 max_age_seconds, 5 matchmaking_pool_id,
//	             6 state (repeated FloatArray), 7 requirements (repeated
//	             group), 8 affinities (repeated), 9 priority_base,
//	             10 age_priority_factor, 11 timestamp_expiry_matchmaker,
//	             12 matching_failure_count, 13 consumed_for_match
//	FloatArray:  1 values (packed float)
//	Group:       1 any (repeated Requirement)
//	Requirement: 1 key, 2 ranged, 3 values (packed float)
//	Affinity:    1 value, 2 max_margin, 3 prefer_disimilar, 4 soft_margin,
//	             5 priority_factor
//	TicketMatch: 2 global_id (16 bytes), 3 matched_ticket_global_ids
//
// Field 1 (state_id) is reserved in both messages: the state id is the
// stream message id and is assigned by the store, so it never travels in the
// payload. Field 13 of Ticket is internal and only present on the consumed
// tickets stream.

var errCodecTruncated = errors.New("codec: truncated message")

func appendPackedFloats(b []byte, num protowire.Number, values []float32) []byte {
	if len(values) == 0 {
		// An empty packed field still marks the entry's presence, which
		// keeps empty state arrays distinguishable from absent ones.
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendVarint(b, 0)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(values)))
	for _, v := range values {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

func consumePackedFloats(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, errCodecTruncated
	}
	values := make([]float32, 0, len(data)/4)
	for len(data) > 0 {
		bits, n := protowire.ConsumeFixed32(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		values = append(values, math.Float32frombits(bits))
		data = data[n:]
	}
	return values, nil
}

func appendFloatField(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func marshalRequirement(r *Requirement) []byte {
	b := appendVarintField(nil, 1, uint64(int64(r.Key)))
	b = appendBoolField(b, 2, r.Ranged)
	if len(r.Values) > 0 {
		b = appendPackedFloats(b, 3, r.Values)
	}
	return b
}

func marshalAffinity(a *Affinity) []byte {
	b := appendFloatField(nil, 1, a.Value)
	b = appendFloatField(b, 2, a.MaxMargin)
	b = appendBoolField(b, 3, a.PreferDisimilar)
	b = appendBoolField(b, 4, a.SoftMargin)
	b = appendFloatField(b, 5, a.PriorityFactor)
	return b
}

// MarshalTicket encodes the ticket for a stream write.
func MarshalTicket(t *Ticket) []byte {
	b := protowire.AppendTag(nil, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, t.GlobalID.Bytes())
	if !t.Timestamp.IsZero() {
		b = appendVarintField(b, 3, uint64(t.Timestamp.UnixNano()))
	}
	b = appendVarintField(b, 4, uint64(t.MaxAgeSeconds))
	if t.Pool != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, t.Pool)
	}
	for _, state := range t.State {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPackedFloats(nil, 1, state))
	}
	for i := range t.Requirements {
		group := &t.Requirements[i]
		var gb []byte
		for j := range group.Any {
			gb = protowire.AppendTag(gb, 1, protowire.BytesType)
			gb = protowire.AppendBytes(gb, marshalRequirement(&group.Any[j]))
		}
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, gb)
	}
	for i := range t.Affinities {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalAffinity(&t.Affinities[i]))
	}
	b = appendVarintField(b, 9, uint64(int64(t.PriorityBase)))
	b = appendFloatField(b, 10, t.AgePriorityFactor)
	if !t.ExpiryMatchmaker.IsZero() {
		b = appendVarintField(b, 11, uint64(t.ExpiryMatchmaker.UnixNano()))
	}
	b = appendVarintField(b, 12, uint64(t.MatchingFailureCount))
	b = appendBoolField(b, 13, t.ConsumedForMatch)
	return b
}

func unmarshalRequirement(data []byte) (Requirement, error) {
	var r Requirement
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.Key = int32(v)
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.Ranged = v != 0
			data = data[n:]
		case 3:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			values, err := consumePackedFloats(raw)
			if err != nil {
				return r, err
			}
			r.Values = values
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return r, nil
}

func unmarshalAffinity(data []byte) (Affinity, error) {
	var a Affinity
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return a, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1, 2, 5:
			bits, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return a, protowire.ParseError(n)
			}
			value := math.Float32frombits(bits)
			switch num {
			case 1:
				a.Value = value
			case 2:
				a.MaxMargin = value
			case 5:
				a.PriorityFactor = value
			}
			data = data[n:]
		case 3, 4:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return a, protowire.ParseError(n)
			}
			if num == 3 {
				a.PreferDisimilar = v != 0
			} else {
				a.SoftMargin = v != 0
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return a, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return a, nil
}

// UnmarshalTicket decodes a ticket payload read from a stream. The caller
// fills StateID from the stream message id.
func UnmarshalTicket(data []byte) (*Ticket, error) {
	t := &Ticket{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 2:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return nil, fmt.Errorf("codec: bad global id: %w", err)
			}
			t.GlobalID = id
			data = data[n:]
		case 3, 11:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ts := time.Unix(0, int64(v)).UTC()
			if num == 3 {
				t.Timestamp = ts
			} else {
				t.ExpiryMatchmaker = ts
			}
			data = data[n:]
		case 4:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			t.MaxAgeSeconds = uint32(v)
			data = data[n:]
		case 5:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			t.Pool = string(raw)
			data = data[n:]
		case 6:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			state, err := unmarshalFloatArray(raw)
			if err != nil {
				return nil, err
			}
			t.State = append(t.State, state)
			data = data[n:]
		case 7:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			group, err := unmarshalGroup(raw)
			if err != nil {
				return nil, err
			}
			t.Requirements = append(t.Requirements, group)
			data = data[n:]
		case 8:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			affinity, err := unmarshalAffinity(raw)
			if err != nil {
				return nil, err
			}
			t.Affinities = append(t.Affinities, affinity)
			data = data[n:]
		case 9:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			t.PriorityBase = int32(v)
			data = data[n:]
		case 10:
			bits, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			t.AgePriorityFactor = math.Float32frombits(bits)
			data = data[n:]
		case 12:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			t.MatchingFailureCount = uint32(v)
			data = data[n:]
		case 13:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			t.ConsumedForMatch = v != 0
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if t.GlobalID == uuid.Nil {
		return nil, errors.New("codec: ticket missing global id")
	}
	return t, nil
}

func unmarshalFloatArray(data []byte) ([]float32, error) {
	values := []float32{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if num != 1 {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		raw, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		parsed, err := consumePackedFloats(raw)
		if err != nil {
			return nil, err
		}
		values = append(values, parsed...)
		data = data[n:]
	}
	return values, nil
}

func unmarshalGroup(data []byte) (RequirementGroup, error) {
	var group RequirementGroup
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return group, protowire.ParseError(n)
		}
		data = data[n:]
		if num != 1 {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return group, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		raw, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return group, protowire.ParseError(n)
		}
		requirement, err := unmarshalRequirement(raw)
		if err != nil {
			return group, err
		}
		group.Any = append(group.Any, requirement)
		data = data[n:]
	}
	return group, nil
}

// MarshalTicketMatch encodes a match for the matches stream.
func MarshalTicketMatch(m *TicketMatch) []byte {
	b := protowire.AppendTag(nil, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.GlobalID.Bytes())
	for _, id := range m.TicketIDs {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, id.Bytes())
	}
	return b
}

// UnmarshalTicketMatch decodes a match payload read from the matches stream.
// The caller fills StateID from the stream message id.
func UnmarshalTicketMatch(data []byte) (*TicketMatch, error) {
	m := &TicketMatch{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 2, 3:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return nil, fmt.Errorf("codec: bad match id: %w", err)
			}
			if num == 2 {
				m.GlobalID = id
			} else {
				m.TicketIDs = append(m.TicketIDs, id)
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if m.GlobalID == uuid.Nil {
		return nil, errors.New("codec: match missing global id")
	}
	return m, nil
}
