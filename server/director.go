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
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrDirectorActive is returned by NewDirector when another Director already
// holds the leader lease after the startup grace re-check.
var ErrDirectorActive = errors.New("director: another director holds the leader lease")

const (
	directorLeaseValue = "Active"
	// submitterInterval paces the pending-ticket drainer. The drainer also
	// re-arms itself immediately while a full batch remains pending.
	submitterInterval = 100 * time.Millisecond
	// loopTimeSamples sizes the ring buffer behind the emergency loop
	// estimate.
	loopTimeSamples = 10
)

// SubmitStatus is the result code of the Director API operations.
type SubmitStatus int32

const (
	SubmitStatusUnspecified SubmitStatus = iota
	SubmitStatusOK
	SubmitStatusBadRequest
	SubmitStatusDuplicateID
	SubmitStatusExpired
	SubmitStatusNotFound
	SubmitStatusInternalError
	SubmitStatusUnknownError
	SubmitStatusMatchmakerBusy
)

func (s SubmitStatus) String() string {
	switch s {
	case SubmitStatusOK:
		return "OK"
	case SubmitStatusBadRequest:
		return "BAD_REQUEST"
	case SubmitStatusDuplicateID:
		return "DUPLICATE_ID"
	case SubmitStatusExpired:
		return "EXPIRED"
	case SubmitStatusNotFound:
		return "NOT_FOUND"
	case SubmitStatusInternalError:
		return "INTERNAL_ERROR"
	case SubmitStatusUnknownError:
		return "UNKNOWN_ERROR"
	case SubmitStatusMatchmakerBusy:
		return "MATCHMAKER_BUSY"
	default:
		return "UNSPECIFIED"
	}
}

// PoolConfiguration is the per-pool matchmaking configuration.
type PoolConfiguration struct {
	PoolID    string
	MatchSize int
}

type lostTicketBatch struct {
	streamKey string
	datas     [][]byte
}

type discardEntry struct {
	// discarded flips to true when the timer fires before a re-add
	// cancelled the entry. Guarded by Director.discardMu.
	discarded bool
	timer     *time.Timer
}

// Director is the singleton control role: it ingests submitted tickets,
// assigns them to matchmakers, validates and fans out matches and reconciles
// the consumed stream. At most one Director runs against a state store at a
// time, enforced by a TTL leader lease.
type Director struct {
	logger  *zap.Logger
	config  Config
	state   State
	metrics *Metrics

	ctx         context.Context
	ctxCancelFn context.CancelFunc
	wg          sync.WaitGroup
	stopped     *atomic.Bool

	pendingMu      sync.Mutex
	pendingTickets []*Ticket
	submitArm      chan struct{}

	// submittedExpiry is the submitter's bookkeeping for the periodic
	// tickets_submitted sweep: global id to the instant the ticket's maximum
	// age runs out.
	submittedMu     sync.Mutex
	submittedExpiry map[uuid.UUID]time.Time

	onlineMu            sync.Mutex
	onlineMatchmakers   map[string]*MatchmakerStatus
	onlineMatchmakerIDs []string

	matchMu          sync.Mutex
	matchBuffer      []*TicketMatch
	matchSignal      chan struct{}
	receivedMatchIDs map[string]struct{}

	readers *atomic.Int32

	consumeMu       sync.Mutex
	matchesToDelete []string

	readdMu        sync.Mutex
	ticketsToReadd map[uuid.UUID]struct{}

	discardMu        sync.Mutex
	discardScheduled map[string]*discardEntry
	discardedTickets []*Ticket

	lostMu      sync.Mutex
	lostTickets []lostTicketBatch

	loopTimes     [loopTimeSamples]time.Duration
	loopTimeIndex int
	loopTimeCount int
	// emergencyLoops is how many extra assignment passes the assigner may
	// run inside one tick. Written by the main loop, read by
	// ProcessMatchmakers within the same tick.
	emergencyLoops int

	tick uint64
}

// NewDirector acquires the leader lease and starts the Director loops. If
// another lease holder is present it waits one MaxDowntimeBeforeOffline,
// re-checks once and gives up with ErrDirectorActive.
func NewDirector(logger *zap.Logger, config Config, state State, metrics *Metrics) (*Director, error) {
	startupCtx := context.Background()
	lease, err := state.GetString(startupCtx, KeyDirectorIsActive)
	if err != nil {
		return nil, err
	}
	if lease != "" {
		logger.Warn("Another Director appears active, waiting for its lease to lapse",
			zap.Duration("wait", config.GetMaxDowntimeBeforeOffline()))
		time.Sleep(config.GetMaxDowntimeBeforeOffline())
		lease, err = state.GetString(startupCtx, KeyDirectorIsActive)
		if err != nil {
			return nil, err
		}
		if lease != "" {
			return nil, ErrDirectorActive
		}
	}
	if err := state.SetString(startupCtx, KeyDirectorIsActive, directorLeaseValue, config.GetMaxDowntimeBeforeOffline()); err != nil {
		return nil, err
	}

	ctx, ctxCancelFn := context.WithCancel(context.Background())
	d := &Director{
		logger:            logger,
		config:            config,
		state:             state,
		metrics:           metrics,
		ctx:               ctx,
		ctxCancelFn:       ctxCancelFn,
		stopped:           atomic.NewBool(false),
		submitArm:         make(chan struct{}, 1),
		submittedExpiry:   make(map[uuid.UUID]time.Time),
		onlineMatchmakers: make(map[string]*MatchmakerStatus),
		matchSignal:       make(chan struct{}, 1),
		receivedMatchIDs:  make(map[string]struct{}),
		ticketsToReadd:    make(map[uuid.UUID]struct{}),
		discardScheduled:  make(map[string]*discardEntry),
		readers:           atomic.NewInt32(0),
	}

	d.wg.Add(3)
	go d.pingerLoop()
	go d.submitterLoop()
	go d.mainLoop()

	logger.Info("Director started")
	return d, nil
}

// Stop cancels all Director loops and waits for the running tick to finish.
func (d *Director) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	d.ctxCancelFn()
	d.wg.Wait()
}

func (d *Director) pingerLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.GetDirectorUpdateDelay())
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
		if err := d.state.SetString(d.ctx, KeyDirectorIsActive, directorLeaseValue, d.config.GetMaxDowntimeBeforeOffline()); err != nil {
			d.logger.Error("Failed to refresh leader lease", zap.Error(err))
		}
	}
}

// TicketSubmit enqueues a ticket for the next submitter batch. The Director
// owns ticket identity: a ticket arriving without a global id is assigned
// one here.
func (d *Director) TicketSubmit(t *Ticket) SubmitStatus {
	if t == nil {
		return SubmitStatusBadRequest
	}
	if t.GlobalID == uuid.Nil {
		t.GlobalID = uuid.Must(uuid.NewV4())
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	d.pendingMu.Lock()
	d.pendingTickets = append(d.pendingTickets, t)
	pending := len(d.pendingTickets)
	d.pendingMu.Unlock()

	if pending >= BatchLimit {
		select {
		case d.submitArm <- struct{}{}:
		default:
		}
	}
	d.metrics.TicketsSubmitted.Inc()
	return SubmitStatusOK
}

// TicketRemove cancels a submitted ticket by global id. The ticket's stream
// entries are culled lazily by the assigner.
func (d *Director) TicketRemove(t *Ticket) SubmitStatus {
	if t == nil || t.GlobalID == uuid.Nil {
		return SubmitStatusBadRequest
	}
	removed, err := d.state.SetRemove(d.ctx, KeyTicketsSubmitted, t.GlobalID.String())
	if err != nil {
		d.logger.Error("Failed to remove submitted ticket", zap.String("global_id", t.GlobalID.String()), zap.Error(err))
		return SubmitStatusInternalError
	}
	if !removed {
		return SubmitStatusNotFound
	}
	d.submittedMu.Lock()
	delete(d.submittedExpiry, t.GlobalID)
	d.submittedMu.Unlock()
	return SubmitStatusOK
}

// GetPoolConfiguration reads the configured match size of a pool, falling
// back to the default of 2.
func (d *Director) GetPoolConfiguration(ctx context.Context, poolID string) (*PoolConfiguration, error) {
	value, err := d.state.GetString(ctx, keyPoolMatchSize(poolID))
	if err != nil {
		return nil, err
	}
	matchSize := 2
	if value != "" {
		if size, err := strconv.Atoi(value); err == nil && size >= 2 {
			matchSize = size
		}
	}
	return &PoolConfiguration{PoolID: poolID, MatchSize: matchSize}, nil
}

// SetPoolConfiguration stores the match size for a pool. Matchmakers pick it
// up on their next configuration refresh.
func (d *Director) SetPoolConfiguration(ctx context.Context, cfg *PoolConfiguration) SubmitStatus {
	if cfg == nil || cfg.PoolID == "" || cfg.MatchSize < 2 {
		return SubmitStatusBadRequest
	}
	if err := d.state.SetString(ctx, keyPoolMatchSize(cfg.PoolID), strconv.Itoa(cfg.MatchSize), 0); err != nil {
		d.logger.Error("Failed to store pool configuration", zap.String("pool", cfg.PoolID), zap.Error(err))
		return SubmitStatusInternalError
	}
	return SubmitStatusOK
}

// submitterLoop drains pending tickets into tickets_unassigned and registers
// their global ids in tickets_submitted. It runs on a fixed short timer and
// re-arms itself while a full batch remains pending.
func (d *Director) submitterLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(submitterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.submitArm:
		}

		for {
			d.pendingMu.Lock()
			count := len(d.pendingTickets)
			if count > BatchLimit {
				count = BatchLimit
			}
			batch := make([]*Ticket, count)
			copy(batch, d.pendingTickets[:count])
			d.pendingTickets = d.pendingTickets[count:]
			remaining := len(d.pendingTickets)
			d.pendingMu.Unlock()
			if count == 0 {
				break
			}

			d.submitBatch(batch)

			if remaining < BatchLimit {
				break
			}
		}
	}
}

func (d *Director) submitBatch(batch []*Ticket) {
	datas := make([][]byte, len(batch))
	members := make([]string, len(batch))
	for i, t := range batch {
		datas[i] = MarshalTicket(t)
		members[i] = t.GlobalID.String()
	}

	ids, err := d.state.StreamAddBatch(d.ctx, KeyTicketsUnassigned, datas)
	if err != nil {
		d.logger.Error("Failed to submit ticket batch", zap.Int("count", len(batch)), zap.Error(err))
		return
	}
	for i, id := range ids {
		if id == "" {
			d.logger.Error("Ticket was not accepted by the state store", zap.String("global_id", members[i]))
		}
	}
	if _, err := d.state.SetAddBatch(d.ctx, KeyTicketsSubmitted, members); err != nil {
		d.logger.Error("Failed to register submitted tickets", zap.Error(err))
	}

	d.submittedMu.Lock()
	for _, t := range batch {
		d.submittedExpiry[t.GlobalID] = t.Timestamp.Add(time.Duration(t.MaxAgeSeconds) * time.Second)
	}
	d.submittedMu.Unlock()
}

// mainLoop runs the periodic Director tasks, all in parallel within a tick,
// and sizes the assigner's emergency loop budget from recent tick durations.
func (d *Director) mainLoop() {
	defer d.wg.Done()
	delay := d.config.GetDirectorUpdateDelay()
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
		d.tick++

		started := time.Now()
		var tasks sync.WaitGroup
		tasks.Add(3)
		go func() {
			defer tasks.Done()
			d.ProcessMatchmakers()
		}()
		go func() {
			defer tasks.Done()
			d.ProcessMatches()
		}()
		go func() {
			defer tasks.Done()
			d.CleanConsumedTickets()
		}()
		if d.tick%5 == 0 {
			tasks.Add(1)
			go func() {
				defer tasks.Done()
				d.ProcessLostTickets()
				d.cleanSubmittedTickets()
			}()
		}
		tasks.Wait()

		elapsed := time.Since(started)
		if elapsed > delay*7/10 {
			d.logger.Warn("Director loop is running long", zap.Duration("elapsed", elapsed), zap.Duration("delay", delay))
			d.emergencyLoops = 0
			continue
		}

		d.loopTimes[d.loopTimeIndex] = elapsed
		d.loopTimeIndex = (d.loopTimeIndex + 1) % loopTimeSamples
		if d.loopTimeCount < loopTimeSamples {
			d.loopTimeCount++
		}
		var maxRecent, totalRecent time.Duration
		for i := 0; i < d.loopTimeCount; i++ {
			if d.loopTimes[i] > maxRecent {
				maxRecent = d.loopTimes[i]
			}
			totalRecent += d.loopTimes[i]
		}
		avgRecent := totalRecent / time.Duration(d.loopTimeCount)
		if avgRecent <= 0 {
			avgRecent = time.Millisecond
		}
		loops := int((delay - maxRecent) / avgRecent)
		if loops < 1 {
			loops = 1
		}
		d.emergencyLoops = loops
	}
}

// ReadIncomingMatches delivers matches to fn one at a time until the context
// is cancelled or fn returns an error. A successful delivery consumes the
// match; an error returns it for another reader and stops this one.
func (d *Director) ReadIncomingMatches(ctx context.Context, fn func(*TicketMatch) error) error {
	d.readers.Inc()
	defer d.readers.Dec()

	for {
		match, err := d.popMatch(ctx)
		if err != nil {
			return err
		}
		if err := fn(match); err != nil {
			d.ReturnMatch(match)
			return err
		}
		d.ConsumeMatch(match)
	}
}

func (d *Director) popMatch(ctx context.Context) (*TicketMatch, error) {
	for {
		d.matchMu.Lock()
		if len(d.matchBuffer) > 0 {
			match := d.matchBuffer[0]
			d.matchBuffer = d.matchBuffer[1:]
			if len(d.matchBuffer) > 0 {
				select {
				case d.matchSignal <- struct{}{}:
				default:
				}
			}
			d.matchMu.Unlock()
			return match, nil
		}
		d.matchMu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.ctx.Done():
			return nil, d.ctx.Err()
		case <-d.matchSignal:
		}
	}
}

// ConsumeMatch marks a delivered match for deletion from the matches stream
// on the next ProcessMatches pass.
func (d *Director) ConsumeMatch(match *TicketMatch) {
	d.consumeMu.Lock()
	d.matchesToDelete = append(d.matchesToDelete, match.StateID)
	d.consumeMu.Unlock()
	d.metrics.MatchesDelivered.Inc()
}

// ReturnMatch puts an undelivered match back at the head of the buffer for
// another reader.
func (d *Director) ReturnMatch(match *TicketMatch) {
	d.matchMu.Lock()
	d.matchBuffer = append([]*TicketMatch{match}, d.matchBuffer...)
	d.matchMu.Unlock()
	select {
	case d.matchSignal <- struct{}{}:
	default:
	}
}
