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
	"errors"
	"time"
)

// BatchLimit is the maximum number of items the core submits to the state
// store in a single batched operation.
const BatchLimit = 1000

// Well-known state keys shared between the Director and Matchmakers.
const (
	KeyMatches           = "matches"
	KeyTicketsUnassigned = "tickets_unassigned"
	KeyConsumedTickets   = "consumed_tickets"
	KeyMatchmakers       = "matchmakers"
	KeyTicketsSubmitted  = "tickets_submitted"
	KeyDirectorIsActive  = "director_is_active"
)

// streamKeyAssigned is the per-matchmaker stream the Director writes
// assignments into.
func streamKeyAssigned(matchmakerID string) string {
	return "tickets_" + matchmakerID
}

// keyPoolMatchSize holds the optional per-pool match size configuration.
func keyPoolMatchSize(poolID string) string {
	return "pool_match_size_" + poolID
}

// KeyType tags the value category held under a state key.
type KeyType int

const (
	KeyTypeNone KeyType = iota
	KeyTypeString
	KeyTypeStream
	KeyTypeSet
)

// ErrWrongKeyType is returned when an operation addresses a key holding a
// different value category.
var ErrWrongKeyType = errors.New("state: operation against wrong key type")

// StreamMessage is a single entry read from an append-only stream. The ID is
// assigned by the state store when the entry is added and becomes the
// ticket's or match's state id.
type StreamMessage struct {
	ID   string
	Data []byte
}

// State is the shared typed key/value store that carries queues, sets and
// status between the Director and Matchmakers. All operations may suspend on
// I/O and honor the passed context. Batched variants must minimize
// round-trips; where an operation is per-element the batch result reports
// success per entry in a parallel slice.
type State interface {
	// GetString returns the string stored under key, or "" if absent.
	GetString(ctx context.Context, key string) (string, error)
	// SetString stores value under key. A ttl of zero means no expiry.
	SetString(ctx context.Context, key, value string, ttl time.Duration) error

	// StreamAdd appends data to the stream at key and returns the assigned
	// message id.
	StreamAdd(ctx context.Context, key string, data []byte) (string, error)
	// StreamAddBatch appends all entries and returns their assigned ids in
	// order. An empty id marks an entry that failed to be added.
	StreamAddBatch(ctx context.Context, key string, datas [][]byte) ([]string, error)
	// StreamRead returns up to maxCount messages, oldest first. A maxCount
	// of zero or less reads the whole stream.
	StreamRead(ctx context.Context, key string, maxCount int64) ([]StreamMessage, error)
	// StreamDelete removes the whole stream.
	StreamDelete(ctx context.Context, key string) error
	// StreamDeleteMessages removes the given message ids and returns how
	// many were actually removed.
	StreamDeleteMessages(ctx context.Context, key string, ids []string) (int64, error)

	// SetAdd inserts member into the set at key. Returns true if the member
	// was not already present.
	SetAdd(ctx context.Context, key, member string) (bool, error)
	SetAddBatch(ctx context.Context, key string, members []string) ([]bool, error)
	// SetRemove removes member from the set at key. Returns true if the
	// member was present.
	SetRemove(ctx context.Context, key, member string) (bool, error)
	SetRemoveBatch(ctx context.Context, key string, members []string) ([]bool, error)
	SetContains(ctx context.Context, key, member string) (bool, error)
	SetContainsBatch(ctx context.Context, key string, members []string) ([]bool, error)
	// GetSetValues returns all members of the set at key, unordered.
	GetSetValues(ctx context.Context, key string) ([]string, error)

	// KeyDelete removes key regardless of its type.
	KeyDelete(ctx context.Context, key string) error
	// KeyType reports the value category currently held under key.
	KeyType(ctx context.Context, key string) (KeyType, error)
}
