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
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

const (
	// MinForParallel is the input size from which the candidate search is
	// partitioned across worker goroutines.
	MinForParallel = 1000
	// MaxForReliable caps the victim buffer, and with it the input size of
	// the reliable fallback pass.
	MaxForReliable = 4000
)

// DefaultCandidatesSize is the candidate slot capacity used when a pool has
// no explicit override.
func DefaultCandidatesSize(matchSize int) int {
	return 8 * (matchSize - 1)
}

// MatchResult is the outcome of one MatchFunction call.
type MatchResult struct {
	Matches []*TicketMatch
	// MatchedAllItCould is false when victims of theft spilled past the
	// victim buffer, meaning an immediate re-run over the residue is worth
	// more than gathering new tickets.
	MatchedAllItCould bool
}

// MatchFunction groups the given ticket views into matches of exactly
// matchSize tickets. Candidate ratings combine the partner's base priority,
// the affinity priority contribution and a shared per-pair noise term; the
// noise breaks ties between identical priorities. The unreliable pass bounds
// candidate lists and prunes overused candidates; when enough victims of
// theft accumulate and unreliableOnly is false, a reliable pass with
// unbounded candidate lists re-runs over the victim set.
func MatchFunction(logger *zap.Logger, views []*TicketView, matchSize int, plugin Plugin, unreliableOnly bool) *MatchResult {
	result := &MatchResult{MatchedAllItCould: true}
	if matchSize < 2 || len(views) < matchSize {
		return result
	}

	prioritySpan := preprocess(views)
	findCandidates(views, prioritySpan, false)

	victimsCap := len(views)
	if victimsCap > MaxForReliable {
		victimsCap = MaxForReliable
	}
	victims := make([]*TicketView, 0, victimsCap)
	var victimsOutOfBuffer int
	result.Matches = assembleMatches(logger, views, matchSize, plugin, &victims, &victimsOutOfBuffer)

	if len(victims) >= matchSize && !unreliableOnly {
		// Reliable fallback: unbounded candidate lists, no usage pruning,
		// victims only. This pass cannot itself produce victims.
		for _, v := range victims {
			v.resetCandidates(len(victims) - 1)
		}
		victimSpan := preprocess(victims)
		findCandidates(victims, victimSpan, true)
		reliableMatches := assembleMatches(logger, victims, matchSize, plugin, nil, nil)
		result.Matches = append(result.Matches, reliableMatches...)
	}

	result.MatchedAllItCould = victimsOutOfBuffer == 0
	return result
}

// preprocess computes every view's base priority and pads state matrices to
// the pool-wide maximum state size. Returns the priority span used to size
// the noise term.
func preprocess(views []*TicketView) float64 {
	minExpire := int64(math.MaxInt64)
	maxExpire := int64(math.MinInt64)
	maxStateSize := 0
	for _, v := range views {
		expire := viewExpiry(v)
		if expire < minExpire {
			minExpire = expire
		}
		if expire > maxExpire {
			maxExpire = expire
		}
		if len(v.State) > maxStateSize {
			maxStateSize = len(v.State)
		}
	}

	expireRange := float64(maxExpire - minExpire)
	minPriority := math.Inf(1)
	maxPriority := math.Inf(-1)
	for _, v := range views {
		for len(v.State) < maxStateSize {
			v.State = append(v.State, nil)
		}

		ageNormalized := 0.0
		if expireRange > 0 {
			ageNormalized = 1 - float64(viewExpiry(v)-minExpire)/expireRange
		}
		v.basePriority = float64(v.Source.PriorityBase) + ageNormalized*float64(v.Source.AgePriorityFactor)
		if v.basePriority < minPriority {
			minPriority = v.basePriority
		}
		if v.basePriority > maxPriority {
			maxPriority = v.basePriority
		}
	}
	return maxPriority - minPriority
}

func viewExpiry(v *TicketView) int64 {
	if !v.Source.ExpiryMatchmaker.IsZero() {
		return v.Source.ExpiryMatchmaker.UnixNano()
	}
	return v.Source.Timestamp.UnixNano()
}

// findCandidates rates every compatible unordered pair and inserts each side
// into the other's candidate slots. For inputs of MinForParallel and above
// the outer index range is partitioned across goroutines.
func findCandidates(views []*TicketView, prioritySpan float64, reliable bool) {
	noiseRange := math.Max(0.001, prioritySpan*0.05)

	if len(views) < MinForParallel {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		findCandidatesRange(views, 0, len(views)-1, noiseRange, reliable, rng, false)
		return
	}

	workers := runtime.NumCPU()
	if workers > len(views)/2 {
		workers = len(views) / 2
	}
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	chunk := (len(views) - 1 + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > len(views)-1 {
			end = len(views) - 1
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int, seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			findCandidatesRange(views, start, end, noiseRange, reliable, rng, true)
		}(start, end, time.Now().UnixNano()+int64(w))
	}
	wg.Wait()
}

func findCandidatesRange(views []*TicketView, start, end int, noiseRange float64, reliable bool, rng *rand.Rand, concurrent bool) {
	for i := start; i < end; i++ {
		a := views[i]
		usageLimit := int64(len(a.Candidates)) * 3
		for j := i + 1; j < len(views); j++ {
			b := views[j]
			if !reliable && b.candidateUsageBy.Load() > usageLimit {
				// Usage pruning: many low-priority tickets piling onto the
				// same few top-rated candidates would starve each other.
				continue
			}
			if !requirementsSatisfied(a, b) || !requirementsSatisfied(b, a) {
				continue
			}
			priorityForA, priorityForB, ok := evalAffinities(a, b)
			if !ok {
				continue
			}
			// Shared noise for both directions of the pair.
			noise := rng.Float64() * noiseRange
			ratingA := noise + b.basePriority + priorityForA
			ratingB := noise + a.basePriority + priorityForB
			if concurrent {
				a.addCandidateConcurrent(b, ratingA)
				b.addCandidateConcurrent(a, ratingB)
			} else {
				a.addCandidate(b, ratingA)
				b.addCandidate(a, ratingB)
			}
		}
	}
}

// requirementsSatisfied checks every requirement group of a against b's
// state vector. A group passes when any of its individual requirements
// matches.
func requirementsSatisfied(a, b *TicketView) bool {
	for _, group := range a.Requirements {
		satisfied := false
		for i := range group {
			if requirementMatches(&group[i], b) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false
		}
	}
	return true
}

func requirementMatches(r *Requirement, b *TicketView) bool {
	state := b.stateEntry(r.Key)
	if r.Ranged {
		if len(state) == 0 {
			return false
		}
		return state[0] >= r.Values[0] && state[0] <= r.Values[1]
	}
	for _, required := range r.Values {
		for _, actual := range state {
			if required == actual {
				return true
			}
		}
	}
	return false
}

// evalAffinities compares both tickets' affinity lists index by index,
// truncating to the shorter list. It returns each side's priority
// contribution, or ok=false on a hard-margin veto.
func evalAffinities(a, b *TicketView) (priorityForA, priorityForB float64, ok bool) {
	count := len(a.Affinities)
	if len(b.Affinities) < count {
		count = len(b.Affinities)
	}
	for i := 0; i < count; i++ {
		fa := &a.Affinities[i]
		fb := &b.Affinities[i]
		diff := math.Abs(fa.value - fb.value)

		normA := clamp01(diff * fa.maxMarginInverted)
		normB := clamp01(diff * fb.maxMarginInverted)
		if !fa.preferDisimilar {
			normA = 1 - normA
		}
		if !fb.preferDisimilar {
			normB = 1 - normB
		}
		if !fa.softMargin && normA == 0 {
			return 0, 0, false
		}
		if !fb.softMargin && normB == 0 {
			return 0, 0, false
		}
		priorityForA += normA * fa.priorityFactor
		priorityForB += normB * fb.priorityFactor
	}
	return priorityForA, priorityForB, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// assembleMatches walks tickets in input order and forms non-overlapping
// groups from their candidate slots. A nil victims buffer disables victim
// tracking (reliable pass).
func assembleMatches(logger *zap.Logger, views []*TicketView, matchSize int, plugin Plugin, victims *[]*TicketView, victimsOutOfBuffer *int) []*TicketMatch {
	matches := make([]*TicketMatch, 0, len(views)/matchSize)
	group := make([]*TicketView, 0, matchSize-1)

	pluginPicks := plugin != nil && plugin.OverrideCandidatePicking()

	for _, t := range views {
		if t.consumed {
			continue
		}
		t.consumed = true
		group = group[:0]
		candidatesStolen := 0

		valid := true
		if pluginPicks {
			group, candidatesStolen, valid = pickWithPlugin(logger, t, matchSize, plugin, group)
		} else {
			for i := range t.Candidates {
				candidate := t.Candidates[i].ticket
				if candidate == nil {
					continue
				}
				if candidate.consumed {
					candidatesStolen++
					continue
				}
				candidate.consumed = true
				group = append(group, candidate)
				if len(group) == matchSize-1 {
					break
				}
			}
		}

		if valid && len(group) == matchSize-1 {
			ids := make([]uuid.UUID, 0, matchSize)
			ids = append(ids, t.GlobalID)
			for _, member := range group {
				ids = append(ids, member.GlobalID)
			}
			matches = append(matches, &TicketMatch{
				GlobalID:  uuid.Must(uuid.NewV4()),
				TicketIDs: ids,
			})
			continue
		}

		// Failed to fill the group: roll everything back.
		for _, member := range group {
			member.consumed = false
		}
		t.consumed = false

		if victims != nil && valid && candidatesStolen > matchSize-1 {
			if len(*victims) < cap(*victims) {
				*victims = append(*victims, t)
			} else {
				*victimsOutOfBuffer++
			}
		}
	}
	return matches
}

// pickWithPlugin delegates candidate selection to the pool's plugin. The
// candidates array starts with the owning ticket at index 0; the default
// picks are the best-rated available candidates. A pick that is zero, out of
// range, duplicated or already consumed invalidates the whole match. Plugin
// failures fall back to the default picks.
func pickWithPlugin(logger *zap.Logger, t *TicketView, matchSize int, plugin Plugin, group []*TicketView) ([]*TicketView, int, bool) {
	candidateViews := make([]*TicketView, 1, len(t.Candidates)+1)
	candidateViews[0] = t
	candidates := make([]PluginCandidate, 1, len(t.Candidates)+1)
	candidates[0] = PluginCandidate{GlobalID: t.GlobalID, State: t.State}

	candidatesStolen := 0
	defaultPicks := make([]int, 0, matchSize-1)
	for i := range t.Candidates {
		candidate := t.Candidates[i].ticket
		if candidate == nil {
			continue
		}
		candidateViews = append(candidateViews, candidate)
		candidates = append(candidates, PluginCandidate{
			GlobalID: candidate.GlobalID,
			State:    candidate.State,
			Rating:   t.Candidates[i].rating,
		})
		if candidate.consumed {
			candidatesStolen++
			continue
		}
		if len(defaultPicks) < matchSize-1 {
			defaultPicks = append(defaultPicks, len(candidateViews)-1)
		}
	}

	if len(defaultPicks) < matchSize-1 {
		// Not enough available candidates, no point invoking the plugin.
		return group, candidatesStolen, true
	}

	picked := make([]int, len(defaultPicks))
	copy(picked, defaultPicks)
	if !invokePluginPick(logger, plugin, candidates, picked) {
		copy(picked, defaultPicks)
	}

	seen := make(map[int]struct{}, len(picked))
	for _, idx := range picked {
		if idx <= 0 || idx >= len(candidateViews) {
			logger.Warn("Plugin pick out of range, match invalidated", zap.String("plugin", plugin.Name()), zap.Int("index", idx))
			return group, candidatesStolen, false
		}
		if _, dup := seen[idx]; dup {
			logger.Warn("Plugin pick duplicated, match invalidated", zap.String("plugin", plugin.Name()), zap.Int("index", idx))
			return group, candidatesStolen, false
		}
		seen[idx] = struct{}{}
		candidate := candidateViews[idx]
		if candidate.consumed {
			logger.Warn("Plugin picked consumed candidate, match invalidated", zap.String("plugin", plugin.Name()), zap.Int("index", idx))
			return group, candidatesStolen, false
		}
	}
	for _, idx := range picked {
		candidate := candidateViews[idx]
		candidate.consumed = true
		group = append(group, candidate)
	}
	return group, candidatesStolen, true
}

// invokePluginPick isolates plugin panics so a faulty plugin degrades to the
// default candidate picks.
func invokePluginPick(logger *zap.Logger, plugin Plugin, candidates []PluginCandidate, picked []int) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Plugin panicked in candidate picking", zap.String("plugin", plugin.Name()), zap.Any("panic", r))
			ok = false
		}
	}()
	return plugin.PickMatchCandidates(candidates, picked)
}
