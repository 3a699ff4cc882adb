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

	"go.uber.org/atomic"
)

// ticketQueue is a concurrent FIFO of tickets.
type ticketQueue struct {
	sync.Mutex
	items []*Ticket
}

func newTicketQueue() *ticketQueue {
	return &ticketQueue{}
}

func (q *ticketQueue) Push(t *Ticket) {
	q.Lock()
	q.items = append(q.items, t)
	q.Unlock()
}

func (q *ticketQueue) Pop() (*Ticket, bool) {
	q.Lock()
	defer q.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

func (q *ticketQueue) Len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.items)
}

// ticketPool is one matchmaking pool inside a matchmaker. queue receives
// freshly assigned tickets from the fetcher; priorityQueue holds residue
// from failed rounds and is always drained first. The round mutex is
// non-reentrant and taken with TryLock so at most one worker processes a
// pool at a time while others skip past without blocking.
type ticketPool struct {
	name string

	queue         *ticketQueue
	priorityQueue *ticketQueue

	round sync.Mutex

	gathering *atomic.Bool
	// hasFailedVictims skips the gather phase of the next round so the
	// unmatched residue is retried immediately. Atomic because workers
	// consult it in their wake check before taking the round mutex.
	hasFailedVictims *atomic.Bool

	// lastMatchSize caches the pool's configured match size, refreshed
	// periodically from the state store.
	lastMatchSize *atomic.Int32

	plugin Plugin
}

func newTicketPool(name string, plugin Plugin) *ticketPool {
	return &ticketPool{
		name:             name,
		queue:            newTicketQueue(),
		priorityQueue:    newTicketQueue(),
		gathering:        atomic.NewBool(false),
		hasFailedVictims: atomic.NewBool(false),
		lastMatchSize:    atomic.NewInt32(2),
		plugin:           plugin,
	}
}

// TicketCount is the number of tickets waiting in both queues.
func (p *ticketPool) TicketCount() int {
	return p.queue.Len() + p.priorityQueue.Len()
}

// Snapshot pops up to max tickets, priority queue first.
func (p *ticketPool) Snapshot(max int) []*Ticket {
	tickets := make([]*Ticket, 0, max)
	for len(tickets) < max {
		t, ok := p.priorityQueue.Pop()
		if !ok {
			break
		}
		tickets = append(tickets, t)
	}
	for len(tickets) < max {
		t, ok := p.queue.Pop()
		if !ok {
			break
		}
		tickets = append(tickets, t)
	}
	return tickets
}
