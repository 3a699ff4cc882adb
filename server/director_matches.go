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

	"go.uber.org/zap"
)

// ProcessMatches deletes matches consumed by readers since the last pass,
// then, while at least one reader is attached, validates freshly posted
// matches and feeds them into the internal buffer. A match with cancelled
// participants is still delivered; the surviving participants are marked for
// re-admission once their consumed entries arrive.
func (d *Director) ProcessMatches() {
	d.consumeMu.Lock()
	toDelete := d.matchesToDelete
	d.matchesToDelete = nil
	d.consumeMu.Unlock()
	if len(toDelete) > 0 {
		if _, err := d.state.StreamDeleteMessages(d.ctx, KeyMatches, toDelete); err != nil {
			d.logger.Error("Failed to delete consumed matches", zap.Error(err))
			d.consumeMu.Lock()
			d.matchesToDelete = append(d.matchesToDelete, toDelete...)
			d.consumeMu.Unlock()
		} else {
			d.matchMu.Lock()
			for _, stateID := range toDelete {
				delete(d.receivedMatchIDs, stateID)
			}
			d.matchMu.Unlock()
		}
	}

	if d.readers.Load() == 0 {
		return
	}

	messages, err := d.state.StreamRead(d.ctx, KeyMatches, BatchLimit)
	if err != nil {
		d.logger.Error("Failed to read matches", zap.Error(err))
		return
	}

	for _, msg := range messages {
		match, err := UnmarshalTicketMatch(msg.Data)
		if err != nil {
			d.logger.Warn("Dropping unparsable match", zap.String("state_id", msg.ID), zap.Error(err))
			d.consumeMu.Lock()
			d.matchesToDelete = append(d.matchesToDelete, msg.ID)
			d.consumeMu.Unlock()
			continue
		}
		match.StateID = msg.ID

		d.matchMu.Lock()
		if _, seen := d.receivedMatchIDs[match.StateID]; seen {
			d.matchMu.Unlock()
			continue
		}
		d.receivedMatchIDs[match.StateID] = struct{}{}
		d.matchMu.Unlock()

		if err := d.admitMatch(match); err != nil {
			d.logger.Error("Failed to validate match, will retry", zap.String("state_id", match.StateID), zap.Error(err))
			d.matchMu.Lock()
			delete(d.receivedMatchIDs, match.StateID)
			d.matchMu.Unlock()
		}
	}
}

// admitMatch splits a match's participants into still-submitted and
// cancelled ones, updates tickets_submitted accordingly and buffers the
// match for the readers.
func (d *Director) admitMatch(match *TicketMatch) error {
	members := make([]string, len(match.TicketIDs))
	for i, id := range match.TicketIDs {
		members[i] = id.String()
	}
	submitted, err := d.state.SetContainsBatch(d.ctx, KeyTicketsSubmitted, members)
	if err != nil {
		return err
	}

	allValid := true
	for _, ok := range submitted {
		if !ok {
			allValid = false
			break
		}
	}

	if allValid {
		if _, err := d.state.SetRemoveBatch(d.ctx, KeyTicketsSubmitted, members); err != nil {
			return err
		}
		d.submittedMu.Lock()
		for _, id := range match.TicketIDs {
			delete(d.submittedExpiry, id)
		}
		d.submittedMu.Unlock()
	} else {
		invalid := make([]string, 0, len(members))
		for i, ok := range submitted {
			if ok {
				// Still live; its consumed entry must flow back into the
				// unassigned stream instead of being discarded.
				d.readdMu.Lock()
				d.ticketsToReadd[match.TicketIDs[i]] = struct{}{}
				d.readdMu.Unlock()
			} else {
				invalid = append(invalid, members[i])
			}
		}
		if len(invalid) > 0 {
			if _, err := d.state.SetRemoveBatch(d.ctx, KeyTicketsSubmitted, invalid); err != nil {
				return err
			}
		}
	}

	d.matchMu.Lock()
	d.matchBuffer = append(d.matchBuffer, match)
	d.matchMu.Unlock()
	select {
	case d.matchSignal <- struct{}{}:
	default:
	}
	return nil
}

// CleanConsumedTickets reconciles the consumed stream: tickets marked for
// re-admission go back to the unassigned stream, everything else is held on
// a short discard timer before the final delete. The timer leaves room for
// a match posted just after its tickets were parked to still claim them.
func (d *Director) CleanConsumedTickets() {
	messages, err := d.state.StreamRead(d.ctx, KeyConsumedTickets, BatchLimit)
	if err != nil {
		d.logger.Error("Failed to read consumed tickets", zap.Error(err))
		return
	}

	discardDelay := 2 * d.config.GetDirectorUpdateDelay()
	readdTickets := make([]*Ticket, 0)
	for _, msg := range messages {
		t, err := UnmarshalTicket(msg.Data)
		if err != nil {
			d.logger.Warn("Dropping unparsable consumed ticket", zap.String("state_id", msg.ID), zap.Error(err))
			if _, err := d.state.StreamDeleteMessages(d.ctx, KeyConsumedTickets, []string{msg.ID}); err != nil {
				d.logger.Error("Failed to drop unparsable consumed ticket", zap.Error(err))
			}
			continue
		}
		t.StateID = msg.ID

		d.readdMu.Lock()
		_, readd := d.ticketsToReadd[t.GlobalID]
		d.readdMu.Unlock()

		if readd {
			if !d.cancelDiscard(t.StateID) {
				// The discard already fired; the entry is gone or about to
				// be. The ticket stays marked and its next consumed entry,
				// if any, completes the re-add.
				continue
			}
			readdTickets = append(readdTickets, t)
			continue
		}

		d.scheduleDiscard(t, discardDelay)
	}

	if len(readdTickets) > 0 {
		readdBatch := make([][]byte, len(readdTickets))
		stateIDs := make([]string, len(readdTickets))
		for i, t := range readdTickets {
			t.ConsumedForMatch = false
			t.ExpiryMatchmaker = time.Time{}
			readdBatch[i] = MarshalTicket(t)
			stateIDs[i] = t.StateID
		}
		// Global ids are still registered in tickets_submitted, only the
		// stream entry needs recreating. The consumed entries and the
		// re-add marks are released only once the new entries exist, so a
		// failed add leaves the tickets in place for the next pass.
		if _, err := d.state.StreamAddBatch(d.ctx, KeyTicketsUnassigned, readdBatch); err != nil {
			d.logger.Error("Failed to re-add tickets", zap.Error(err))
		} else if _, err := d.state.StreamDeleteMessages(d.ctx, KeyConsumedTickets, stateIDs); err != nil {
			d.logger.Error("Failed to remove re-added tickets from consumed stream", zap.Error(err))
		} else {
			d.readdMu.Lock()
			for _, t := range readdTickets {
				delete(d.ticketsToReadd, t.GlobalID)
			}
			d.readdMu.Unlock()
		}
	}

	d.flushDiscardedTickets()
}

// cancelDiscard removes a pending discard for the given state id. It returns
// false when the discard already fired.
func (d *Director) cancelDiscard(stateID string) bool {
	d.discardMu.Lock()
	defer d.discardMu.Unlock()
	entry, ok := d.discardScheduled[stateID]
	if !ok {
		return true
	}
	if entry.discarded {
		return false
	}
	entry.timer.Stop()
	delete(d.discardScheduled, stateID)
	return true
}

func (d *Director) scheduleDiscard(t *Ticket, delay time.Duration) {
	d.discardMu.Lock()
	defer d.discardMu.Unlock()
	if _, ok := d.discardScheduled[t.StateID]; ok {
		return
	}
	entry := &discardEntry{}
	entry.timer = time.AfterFunc(delay, func() {
		d.discardMu.Lock()
		if !entry.discarded {
			entry.discarded = true
			d.discardedTickets = append(d.discardedTickets, t)
		}
		d.discardMu.Unlock()
	})
	d.discardScheduled[t.StateID] = entry
}

// flushDiscardedTickets finalizes tickets whose discard timer fired:
// deregisters their global ids and deletes their consumed stream entries.
func (d *Director) flushDiscardedTickets() {
	d.discardMu.Lock()
	count := len(d.discardedTickets)
	if count > BatchLimit {
		count = BatchLimit
	}
	batch := make([]*Ticket, count)
	copy(batch, d.discardedTickets[:count])
	d.discardedTickets = d.discardedTickets[count:]
	d.discardMu.Unlock()
	if count == 0 {
		return
	}

	members := make([]string, len(batch))
	stateIDs := make([]string, len(batch))
	for i, t := range batch {
		members[i] = t.GlobalID.String()
		stateIDs[i] = t.StateID
	}
	if _, err := d.state.SetRemoveBatch(d.ctx, KeyTicketsSubmitted, members); err != nil {
		d.logger.Error("Failed to deregister discarded tickets", zap.Error(err))
	}
	if _, err := d.state.StreamDeleteMessages(d.ctx, KeyConsumedTickets, stateIDs); err != nil {
		d.logger.Error("Failed to delete discarded tickets", zap.Error(err))
	}

	d.discardMu.Lock()
	for _, t := range batch {
		delete(d.discardScheduled, t.StateID)
	}
	d.discardMu.Unlock()

	d.submittedMu.Lock()
	for _, t := range batch {
		delete(d.submittedExpiry, t.GlobalID)
	}
	d.submittedMu.Unlock()
}
