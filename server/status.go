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
	"strconv"
	"strings"
	"time"
)

// PoolStatus is one matchmaker pool's entry in a status report.
type PoolStatus struct {
	Name      string
	InQueue   int
	Gathering bool
}

// MatchmakerStatus is the heartbeat a matchmaker publishes under its own id
// key. The Director uses it for assignment decisions and clock compensation.
type MatchmakerStatus struct {
	ProcessingTickets int
	Pools             []PoolStatus
	// LocalTime is the matchmaker's UTC wall clock at serialization time.
	LocalTime time.Time
}

// statusTimeFormat must render any representable instant losslessly so the
// text form round-trips exactly.
const statusTimeFormat = time.RFC3339Nano

// String serializes the status as a single UTF-8 text blob: first line
// `count<TAB>time`, then one `name<TAB>queued<TAB>0|1` line per pool.
func (s *MatchmakerStatus) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(s.ProcessingTickets))
	b.WriteByte('\t')
	b.WriteString(s.LocalTime.UTC().Format(statusTimeFormat))
	for _, pool := range s.Pools {
		b.WriteByte('\n')
		b.WriteString(pool.Name)
		b.WriteByte('\t')
		b.WriteString(strconv.Itoa(pool.InQueue))
		b.WriteByte('\t')
		if pool.Gathering {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// ParseMatchmakerStatus is the strict inverse of String. Any structural
// deviation is an error; the Director treats an unparsable status as an
// offline matchmaker.
func ParseMatchmakerStatus(text string) (*MatchmakerStatus, error) {
	if text == "" {
		return nil, errors.New("status: empty")
	}
	lines := strings.Split(text, "\n")
	header := strings.Split(lines[0], "\t")
	if len(header) != 2 {
		return nil, fmt.Errorf("status: malformed header %q", lines[0])
	}
	count, err := strconv.Atoi(header[0])
	if err != nil {
		return nil, fmt.Errorf("status: bad ticket count: %w", err)
	}
	localTime, err := time.Parse(statusTimeFormat, header[1])
	if err != nil {
		return nil, fmt.Errorf("status: bad local time: %w", err)
	}
	status := &MatchmakerStatus{
		ProcessingTickets: count,
		LocalTime:         localTime.UTC(),
	}
	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, fmt.Errorf("status: malformed pool line %q", line)
		}
		inQueue, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("status: bad pool queue count: %w", err)
		}
		var gathering bool
		switch fields[2] {
		case "0":
			gathering = false
		case "1":
			gathering = true
		default:
			return nil, fmt.Errorf("status: bad gathering flag %q", fields[2])
		}
		status.Pools = append(status.Pools, PoolStatus{
			Name:      fields[0],
			InQueue:   inQueue,
			Gathering: gathering,
		})
	}
	return status, nil
}
