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
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// matchmakerCleanerInterval paces the consumed-ticket mover.
	matchmakerCleanerInterval = 500 * time.Millisecond
	// matchmakerCleanerSettle is the pause after a successful cleaner round
	// before dedup entries are dropped, so the fetcher cannot re-ingest a
	// ticket whose stream entry it read just before the delete.
	matchmakerCleanerSettle = 100 * time.Millisecond
	// poolConfigRefreshInterval paces the per-pool match size fetcher.
	poolConfigRefreshInterval = 10 * time.Second
	// workerIdleSleep paces a worker that found no pool ready for a round.
	workerIdleSleep = 10 * time.Millisecond
)

type consumedTicket struct {
	ticket   *Ticket
	forMatch bool
}

// Matchmaker gathers tickets assigned to it by the Director, runs the
// matching algorithm per pool and publishes completed matches and consumed
// tickets back through the state store.
type Matchmaker struct {
	logger  *zap.Logger
	config  Config
	state   State
	metrics *Metrics
	plugins *PluginRegistry

	// id is "mm_<uuid>", also the name of this matchmaker's status key and
	// assigned stream suffix.
	id string

	ctx         context.Context
	ctxCancelFn context.CancelFunc
	wg          sync.WaitGroup
	stopped     *atomic.Bool

	assignedMu      sync.Mutex
	assignedTickets map[uuid.UUID]*Ticket

	poolsMu sync.RWMutex
	pools   map[string]*ticketPool
	// poolNames keeps a stable iteration order for the workers'
	// round-robin walk.
	poolNames []string

	consumedMu sync.Mutex
	consumed   []consumedTicket
}

// NewMatchmaker creates a matchmaker and starts its periodic loops and
// worker goroutines.
func NewMatchmaker(logger *zap.Logger, config Config, state State, metrics *Metrics, plugins *PluginRegistry) *Matchmaker {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	m := &Matchmaker{
		logger:          logger,
		config:          config,
		state:           state,
		metrics:         metrics,
		plugins:         plugins,
		id:              "mm_" + uuid.Must(uuid.NewV4()).String(),
		ctx:             ctx,
		ctxCancelFn:     ctxCancelFn,
		stopped:         atomic.NewBool(false),
		assignedTickets: make(map[uuid.UUID]*Ticket),
		pools:           make(map[string]*ticketPool),
	}

	m.wg.Add(4)
	go m.pingerLoop()
	go m.fetcherLoop()
	go m.poolConfigLoop()
	go m.cleanerLoop()
	for i := 0; i < config.GetMatchmakerThreads(); i++ {
		m.wg.Add(1)
		go m.workerLoop()
	}

	logger.Info("Matchmaker started", zap.String("mm_id", m.id), zap.Int("workers", config.GetMatchmakerThreads()))
	return m
}

// ID returns the matchmaker's registration id.
func (m *Matchmaker) ID() string {
	return m.id
}

// Stop cancels all periodic loops and waits for the workers to finish their
// current round.
func (m *Matchmaker) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	m.ctxCancelFn()
	m.wg.Wait()
}

func (m *Matchmaker) sleep(d time.Duration) bool {
	select {
	case <-m.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Status assembles the heartbeat the Director reads for assignment and
// clock compensation.
func (m *Matchmaker) Status() *MatchmakerStatus {
	m.assignedMu.Lock()
	processing := len(m.assignedTickets)
	m.assignedMu.Unlock()

	m.poolsMu.RLock()
	pools := make([]PoolStatus, 0, len(m.poolNames))
	for _, name := range m.poolNames {
		pool := m.pools[name]
		pools = append(pools, PoolStatus{
			Name:      name,
			InQueue:   pool.TicketCount(),
			Gathering: pool.gathering.Load(),
		})
	}
	m.poolsMu.RUnlock()

	return &MatchmakerStatus{
		ProcessingTickets: processing,
		Pools:             pools,
		LocalTime:         time.Now().UTC(),
	}
}

// pingerLoop publishes the status and registers the matchmaker id. The
// status write comes first so the Director never observes a registered but
// statusless matchmaker.
func (m *Matchmaker) pingerLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.GetMatchmakerUpdateDelay())
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		status := m.Status().String()
		if err := m.state.SetString(m.ctx, m.id, status, m.config.GetMaxDowntimeBeforeOffline()); err != nil {
			m.logger.Error("Failed to write matchmaker status", zap.Error(err))
			continue
		}
		if _, err := m.state.SetAdd(m.ctx, KeyMatchmakers, m.id); err != nil {
			m.logger.Error("Failed to register matchmaker", zap.Error(err))
		}
	}
}

// fetcherLoop ingests the assigned stream into the per-pool queues,
// deduplicating against tickets already in memory. The Director controls
// batch sizes on its side so the read is uncapped.
func (m *Matchmaker) fetcherLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.GetMatchmakerUpdateDelay())
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		messages, err := m.state.StreamRead(m.ctx, streamKeyAssigned(m.id), 0)
		if err != nil {
			m.logger.Error("Failed to read assigned tickets", zap.Error(err))
			continue
		}
		for _, msg := range messages {
			ticket, err := UnmarshalTicket(msg.Data)
			if err != nil {
				m.logger.Warn("Dropping unparsable assigned ticket", zap.String("state_id", msg.ID), zap.Error(err))
				continue
			}
			ticket.StateID = msg.ID

			m.assignedMu.Lock()
			if _, known := m.assignedTickets[ticket.GlobalID]; known {
				m.assignedMu.Unlock()
				continue
			}
			m.assignedTickets[ticket.GlobalID] = ticket
			m.assignedMu.Unlock()

			m.poolFor(ticket.Pool).queue.Push(ticket)
		}
	}
}

// poolFor returns the pool for the given id, creating it lazily. A new
// pool's match size configuration is fetched immediately.
func (m *Matchmaker) poolFor(name string) *ticketPool {
	m.poolsMu.RLock()
	pool, ok := m.pools[name]
	m.poolsMu.RUnlock()
	if ok {
		return pool
	}

	m.poolsMu.Lock()
	if pool, ok = m.pools[name]; ok {
		m.poolsMu.Unlock()
		return pool
	}
	pool = newTicketPool(name, m.plugins.ForPool(name))
	m.pools[name] = pool
	m.poolNames = append(m.poolNames, name)
	sort.Strings(m.poolNames)
	m.poolsMu.Unlock()

	m.refreshPoolMatchSize(pool)
	return pool
}

func (m *Matchmaker) refreshPoolMatchSize(pool *ticketPool) {
	value, err := m.state.GetString(m.ctx, keyPoolMatchSize(pool.name))
	if err != nil {
		m.logger.Error("Failed to read pool match size", zap.String("pool", pool.name), zap.Error(err))
		return
	}
	if value == "" {
		return
	}
	size, err := strconv.Atoi(value)
	if err != nil || size < 2 {
		m.logger.Warn("Ignoring invalid pool match size", zap.String("pool", pool.name), zap.String("value", value))
		return
	}
	pool.lastMatchSize.Store(int32(size))
}

func (m *Matchmaker) poolConfigLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(poolConfigRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		m.poolsMu.RLock()
		pools := make([]*ticketPool, 0, len(m.pools))
		for _, pool := range m.pools {
			pools = append(pools, pool)
		}
		m.poolsMu.RUnlock()
		for _, pool := range pools {
			m.refreshPoolMatchSize(pool)
		}
	}
}

func (m *Matchmaker) consume(t *Ticket, forMatch bool) {
	m.consumedMu.Lock()
	m.consumed = append(m.consumed, consumedTicket{ticket: t, forMatch: forMatch})
	m.consumedMu.Unlock()
}

// cleanerLoop moves consumed tickets out: first deleted from this
// matchmaker's own assigned stream, then parked on the consumed stream for
// the Director. On failure the batch is re-queued; the periodic structure is
// the retry.
func (m *Matchmaker) cleanerLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(matchmakerCleanerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		m.consumedMu.Lock()
		count := len(m.consumed)
		if count > BatchLimit {
			count = BatchLimit
		}
		batch := make([]consumedTicket, count)
		copy(batch, m.consumed[:count])
		m.consumed = m.consumed[count:]
		m.consumedMu.Unlock()
		if count == 0 {
			continue
		}

		stateIDs := make([]string, len(batch))
		datas := make([][]byte, len(batch))
		for i, entry := range batch {
			stateIDs[i] = entry.ticket.StateID
			entry.ticket.ConsumedForMatch = entry.forMatch
			datas[i] = MarshalTicket(entry.ticket)
		}

		if _, err := m.state.StreamDeleteMessages(m.ctx, streamKeyAssigned(m.id), stateIDs); err != nil {
			m.logger.Error("Failed to delete consumed tickets from assigned stream", zap.Error(err))
			m.requeueConsumed(batch)
			continue
		}
		if _, err := m.state.StreamAddBatch(m.ctx, KeyConsumedTickets, datas); err != nil {
			m.logger.Error("Failed to park consumed tickets", zap.Error(err))
			m.requeueConsumed(batch)
			continue
		}
		m.metrics.TicketsConsumed.Add(float64(len(batch)))

		// Let any in-flight fetcher read settle before forgetting the ids.
		if !m.sleep(matchmakerCleanerSettle) {
			return
		}
		m.assignedMu.Lock()
		for _, entry := range batch {
			delete(m.assignedTickets, entry.ticket.GlobalID)
		}
		m.assignedMu.Unlock()
	}
}

func (m *Matchmaker) requeueConsumed(batch []consumedTicket) {
	m.consumedMu.Lock()
	m.consumed = append(m.consumed, batch...)
	m.consumedMu.Unlock()
}

// workerLoop cycles over pools round-robin from the last used index, taking
// a pool's round mutex non-blockingly and processing one full round: gather,
// snapshot, match, publish, residue.
func (m *Matchmaker) workerLoop() {
	defer m.wg.Done()
	lastIndex := 0
	for {
		if m.ctx.Err() != nil {
			return
		}

		m.poolsMu.RLock()
		names := m.poolNames
		m.poolsMu.RUnlock()

		processed := false
		for offset := 0; offset < len(names); offset++ {
			index := (lastIndex + 1 + offset) % len(names)
			m.poolsMu.RLock()
			pool := m.pools[names[index]]
			m.poolsMu.RUnlock()

			// The priority queue alone is not a reason to wake a pool.
			if pool.queue.Len() < 2 && !poolHasCarryOver(pool) {
				continue
			}
			if !pool.round.TryLock() {
				continue
			}
			m.runPoolRound(pool)
			pool.round.Unlock()
			lastIndex = index
			processed = true
			break
		}

		if !processed {
			if !m.sleep(workerIdleSleep) {
				return
			}
		}
	}
}

func poolHasCarryOver(pool *ticketPool) bool {
	return pool.hasFailedVictims.Load() && pool.priorityQueue.Len() >= 2
}

// runPoolRound executes one gather/match/consume round. The pool's round
// mutex is held throughout.
func (m *Matchmaker) runPoolRound(pool *ticketPool) {
	capacity := m.config.GetMatchmakerPoolCapacity()

	if pool.TicketCount() < capacity && !pool.hasFailedVictims.Load() {
		pool.gathering.Store(true)
		if !m.sleep(m.config.GetMatchmakerMinGatherTime()) {
			pool.gathering.Store(false)
			return
		}
		pool.gathering.Store(false)
		// Give the cleared flag time to reach the Director before routing
		// decisions are made against stale status.
		if !m.sleep(2 * m.config.GetMatchmakerUpdateDelay()) {
			return
		}
	}

	limit := pool.TicketCount()
	if limit > capacity {
		limit = capacity
	}
	snapshot := pool.Snapshot(limit)

	now := time.Now().UTC()
	tolerance := m.config.GetMatchmakerUpdateDelay()
	tickets := snapshot[:0]
	for _, t := range snapshot {
		if t.ExpiredOnMatchmaker(now, tolerance) {
			m.metrics.TicketsExpired.Inc()
			m.consume(t, false)
			continue
		}
		tickets = append(tickets, t)
	}

	matchSize := int(pool.lastMatchSize.Load())
	if pool.plugin != nil {
		if pluginSize := pool.plugin.MatchSize(len(tickets)); pluginSize >= 2 {
			matchSize = pluginSize
		}
	}

	candidatesSize := DefaultCandidatesSize(matchSize)
	views := make([]*TicketView, len(tickets))
	for i, t := range tickets {
		views[i] = NewTicketView(t, candidatesSize)
	}

	result := MatchFunction(m.logger, views, matchSize, pool.plugin, false)

	matched := make(map[uuid.UUID]struct{}, len(result.Matches)*matchSize)
	if len(result.Matches) > 0 {
		datas := make([][]byte, len(result.Matches))
		for i, match := range result.Matches {
			datas[i] = MarshalTicketMatch(match)
		}
		if _, err := m.state.StreamAddBatch(m.ctx, KeyMatches, datas); err != nil {
			// Tickets stay unconsumed and retry as residue.
			m.logger.Error("Failed to publish matches", zap.String("pool", pool.name), zap.Error(err))
		} else {
			m.metrics.MatchesFormed.Add(float64(len(result.Matches)))
			for _, match := range result.Matches {
				for _, id := range match.TicketIDs {
					matched[id] = struct{}{}
				}
			}
		}
	}

	for _, t := range tickets {
		if _, ok := matched[t.GlobalID]; ok {
			m.consume(t, true)
			continue
		}
		t.MatchingFailureCount++
		if t.MatchingFailureCount > uint32(m.config.GetMaxMatchFailures()) {
			m.consume(t, false)
			continue
		}
		pool.priorityQueue.Push(t)
	}

	pool.hasFailedVictims.Store(!result.MatchedAllItCould)
}
