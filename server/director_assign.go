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
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// ProcessMatchmakers refreshes the online matchmaker cache from the state
// store and runs the assigner. A registered matchmaker with an empty or
// unparsable status is treated as offline and unregistered. While the
// unassigned backlog stays saturated the assigner repeats within the same
// tick, bounded by the emergency loop budget.
func (d *Director) ProcessMatchmakers() {
	ids, err := d.state.GetSetValues(d.ctx, KeyMatchmakers)
	if err != nil {
		d.logger.Error("Failed to read matchmaker registry", zap.Error(err))
		return
	}
	sort.Strings(ids)

	online := make(map[string]*MatchmakerStatus, len(ids))
	onlineIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		text, err := d.state.GetString(d.ctx, id)
		if err != nil {
			d.logger.Error("Failed to read matchmaker status", zap.String("mm_id", id), zap.Error(err))
			continue
		}
		status, err := ParseMatchmakerStatus(text)
		if err != nil {
			d.logger.Warn("Unregistering matchmaker without a live status", zap.String("mm_id", id), zap.Error(err))
			d.UnregisterMatchmaker(id)
			continue
		}
		online[id] = status
		onlineIDs = append(onlineIDs, id)
	}

	d.onlineMu.Lock()
	d.onlineMatchmakers = online
	d.onlineMatchmakerIDs = onlineIDs
	d.onlineMu.Unlock()
	d.metrics.MatchmakersOnline.Set(float64(len(online)))

	loops := d.emergencyLoops + 1
	for i := 0; i < loops; i++ {
		if d.AssignTickets(online, onlineIDs) < BatchLimit {
			break
		}
	}
}

// AssignTickets moves up to one batch of unassigned tickets onto matchmaker
// streams and returns the number of stream entries it read. Cancelled and
// age-expired tickets are culled on the way.
func (d *Director) AssignTickets(online map[string]*MatchmakerStatus, onlineIDs []string) int {
	messages, err := d.state.StreamRead(d.ctx, KeyTicketsUnassigned, BatchLimit)
	if err != nil {
		d.logger.Error("Failed to read unassigned tickets", zap.Error(err))
		return 0
	}
	if len(messages) == 0 {
		return 0
	}

	tickets := make([]*Ticket, 0, len(messages))
	members := make([]string, 0, len(messages))
	culledIDs := make([]string, 0)
	for _, msg := range messages {
		t, err := UnmarshalTicket(msg.Data)
		if err != nil {
			d.logger.Warn("Dropping unparsable unassigned ticket", zap.String("state_id", msg.ID), zap.Error(err))
			culledIDs = append(culledIDs, msg.ID)
			continue
		}
		t.StateID = msg.ID
		tickets = append(tickets, t)
		members = append(members, t.GlobalID.String())
	}

	submitted, err := d.state.SetContainsBatch(d.ctx, KeyTicketsSubmitted, members)
	if err != nil {
		d.logger.Error("Failed to check submitted tickets", zap.Error(err))
		return 0
	}

	now := time.Now().UTC()
	valid := tickets[:0]
	expiredMembers := make([]string, 0)
	for i, t := range tickets {
		if !submitted[i] {
			// Cancelled via TicketRemove, or already swept.
			culledIDs = append(culledIDs, t.StateID)
			continue
		}
		if t.Expired(now) {
			culledIDs = append(culledIDs, t.StateID)
			expiredMembers = append(expiredMembers, members[i])
			d.metrics.TicketsExpired.Inc()
			continue
		}
		valid = append(valid, t)
	}
	if len(expiredMembers) > 0 {
		if _, err := d.state.SetRemoveBatch(d.ctx, KeyTicketsSubmitted, expiredMembers); err != nil {
			d.logger.Error("Failed to deregister expired tickets", zap.Error(err))
		}
	}
	if len(culledIDs) > 0 {
		if _, err := d.state.StreamDeleteMessages(d.ctx, KeyTicketsUnassigned, culledIDs); err != nil {
			d.logger.Error("Failed to cull unassigned tickets", zap.Error(err))
		}
	}

	if len(valid) == 0 {
		return len(messages)
	}
	if len(onlineIDs) == 0 {
		// Nothing to assign to; the tickets stay queued.
		return 0
	}

	type assignmentGroup struct {
		stateIDs []string
		datas    [][]byte
	}
	groups := make(map[string]*assignmentGroup)
	for _, t := range valid {
		mmID := pickMatchmaker(online, onlineIDs, t.Pool, d.config.GetMatchmakerPoolCapacity())
		status := online[mmID]

		// Expiry is computed against the matchmaker's own clock so that a
		// skewed matchmaker still ages the ticket correctly.
		timeDifference := now.Sub(status.LocalTime)
		t.ExpiryMatchmaker = t.Timestamp.Add(-timeDifference).Add(time.Duration(t.MaxAgeSeconds) * time.Second)
		status.ProcessingTickets++
		bumpPoolQueue(status, t.Pool)

		key := streamKeyAssigned(mmID)
		group := groups[key]
		if group == nil {
			group = &assignmentGroup{}
			groups[key] = group
		}
		group.stateIDs = append(group.stateIDs, t.StateID)
		group.datas = append(group.datas, MarshalTicket(t))
	}

	for key, group := range groups {
		if _, err := d.state.StreamDeleteMessages(d.ctx, KeyTicketsUnassigned, group.stateIDs); err != nil {
			d.logger.Error("Failed to remove tickets from the unassigned stream", zap.String("stream", key), zap.Error(err))
			continue
		}
		if _, err := d.state.StreamAddBatch(d.ctx, key, group.datas); err != nil {
			d.logger.Error("Failed to move tickets to matchmaker, queueing for recovery", zap.String("stream", key), zap.Error(err))
			d.lostMu.Lock()
			d.lostTickets = append(d.lostTickets, lostTicketBatch{streamKey: key, datas: group.datas})
			d.lostMu.Unlock()
			continue
		}
		d.metrics.TicketsAssigned.Add(float64(len(group.datas)))
	}

	return len(messages)
}

// pickMatchmaker selects the target matchmaker for a ticket of the given
// pool. A matchmaker already gathering the pool below capacity wins
// immediately; otherwise one with a live, non-empty queue for the pool is
// preferred; the final fallback is the least busy matchmaker overall.
func pickMatchmaker(online map[string]*MatchmakerStatus, onlineIDs []string, pool string, capacity int) string {
	leastBusy := ""
	leastBusyCount := 0
	queued := ""
	for _, id := range onlineIDs {
		status := online[id]
		if leastBusy == "" || status.ProcessingTickets < leastBusyCount {
			leastBusy = id
			leastBusyCount = status.ProcessingTickets
		}
		for i := range status.Pools {
			p := &status.Pools[i]
			if p.Name != pool || p.InQueue >= capacity {
				continue
			}
			if p.Gathering {
				return id
			}
			if p.InQueue > 0 && queued == "" {
				queued = id
			}
		}
	}
	if queued != "" {
		return queued
	}
	return leastBusy
}

func bumpPoolQueue(status *MatchmakerStatus, pool string) {
	for i := range status.Pools {
		if status.Pools[i].Name == pool {
			status.Pools[i].InQueue++
			return
		}
	}
	status.Pools = append(status.Pools, PoolStatus{Name: pool, InQueue: 1})
}

// UnregisterMatchmaker drains an offline matchmaker's assigned stream back
// into tickets_unassigned and removes its registration.
func (d *Director) UnregisterMatchmaker(id string) {
	d.onlineMu.Lock()
	if _, ok := d.onlineMatchmakers[id]; ok {
		delete(d.onlineMatchmakers, id)
		ids := d.onlineMatchmakerIDs[:0]
		for _, onlineID := range d.onlineMatchmakerIDs {
			if onlineID != id {
				ids = append(ids, onlineID)
			}
		}
		d.onlineMatchmakerIDs = ids
	}
	d.onlineMu.Unlock()

	streamKey := streamKeyAssigned(id)
	for {
		messages, err := d.state.StreamRead(d.ctx, streamKey, BatchLimit)
		if err != nil {
			d.logger.Error("Failed to read offline matchmaker stream", zap.String("mm_id", id), zap.Error(err))
			return
		}
		if len(messages) == 0 {
			break
		}
		stateIDs := make([]string, len(messages))
		datas := make([][]byte, len(messages))
		for i, msg := range messages {
			stateIDs[i] = msg.ID
			datas[i] = msg.Data
		}
		if _, err := d.state.StreamDeleteMessages(d.ctx, streamKey, stateIDs); err != nil {
			d.logger.Error("Failed to drain offline matchmaker stream", zap.String("mm_id", id), zap.Error(err))
			return
		}
		if _, err := d.state.StreamAddBatch(d.ctx, KeyTicketsUnassigned, datas); err != nil {
			d.logger.Error("Failed to return tickets from offline matchmaker, queueing for recovery",
				zap.String("mm_id", id), zap.Error(err))
			d.lostMu.Lock()
			d.lostTickets = append(d.lostTickets, lostTicketBatch{streamKey: KeyTicketsUnassigned, datas: datas})
			d.lostMu.Unlock()
		}
	}

	if err := d.state.StreamDelete(d.ctx, streamKey); err != nil {
		d.logger.Error("Failed to delete offline matchmaker stream", zap.String("mm_id", id), zap.Error(err))
	}
	if _, err := d.state.SetRemove(d.ctx, KeyMatchmakers, id); err != nil {
		d.logger.Error("Failed to deregister matchmaker", zap.String("mm_id", id), zap.Error(err))
	}
	d.logger.Info("Matchmaker unregistered", zap.String("mm_id", id))
}

// ProcessLostTickets retries stream moves that failed half-way. A batch that
// cannot reach its original target is returned to the unassigned stream
// instead; a batch that cannot be placed at all is kept for the next pass.
func (d *Director) ProcessLostTickets() {
	d.lostMu.Lock()
	batches := d.lostTickets
	d.lostTickets = nil
	d.lostMu.Unlock()

	for _, batch := range batches {
		if _, err := d.state.StreamAddBatch(d.ctx, batch.streamKey, batch.datas); err == nil {
			continue
		}
		if batch.streamKey != KeyTicketsUnassigned {
			if _, err := d.state.StreamAddBatch(d.ctx, KeyTicketsUnassigned, batch.datas); err == nil {
				continue
			}
		}
		d.logger.Error("Could not recover lost tickets, keeping them queued",
			zap.String("stream", batch.streamKey), zap.Int("count", len(batch.datas)))
		d.lostMu.Lock()
		d.lostTickets = append(d.lostTickets, batch)
		d.lostMu.Unlock()
	}
}

// cleanSubmittedTickets sweeps tickets_submitted entries whose tickets aged
// out long ago without ever being consumed, for example because their stream
// entries were lost. At most one batch is removed per pass.
func (d *Director) cleanSubmittedTickets() {
	grace := 2 * d.config.GetMaxDowntimeBeforeOffline()
	now := time.Now().UTC()

	d.submittedMu.Lock()
	stale := make([]uuid.UUID, 0)
	for id, expiry := range d.submittedExpiry {
		if now.After(expiry.Add(grace)) {
			stale = append(stale, id)
			if len(stale) == BatchLimit {
				break
			}
		}
	}
	d.submittedMu.Unlock()
	if len(stale) == 0 {
		return
	}

	members := make([]string, len(stale))
	for i, id := range stale {
		members[i] = id.String()
	}
	if _, err := d.state.SetRemoveBatch(d.ctx, KeyTicketsSubmitted, members); err != nil {
		d.logger.Error("Failed to sweep stale submitted tickets", zap.Error(err))
		return
	}
	d.submittedMu.Lock()
	for _, id := range stale {
		delete(d.submittedExpiry, id)
	}
	d.submittedMu.Unlock()
}
