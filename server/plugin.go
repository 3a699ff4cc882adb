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

	"github.com/gofrs/uuid"
)

// PluginCandidate is the read-only snapshot of one ticket handed to a
// plugin's candidate picking. Index 0 of the candidates array is always the
// owning ticket and must not be picked.
type PluginCandidate struct {
	GlobalID uuid.UUID
	State    [][]float32
	Rating   float64
}

// Plugin is the optional per-pool hook that can override match size and
// candidate selection.
type Plugin interface {
	// Name addresses the plugin in logs and registration.
	Name() string
	// HandledTicketPool is the pool this plugin binds to. Empty string is
	// a catch-all.
	HandledTicketPool() string
	// MatchSize may override the pool's match size for the given ticket
	// count. Results below 2 are ignored.
	MatchSize(ticketCount int) int
	// OverrideCandidatePicking reports whether PickMatchCandidates should
	// be consulted during match assembly.
	OverrideCandidatePicking() bool
	// PickMatchCandidates fills picked with indices into candidates (never
	// 0, never out of range, no duplicates). The defaults are the
	// best-rated candidates and may be left untouched. Returning false
	// keeps the defaults.
	PickMatchCandidates(candidates []PluginCandidate, picked []int) bool
}

// PluginRegistry holds registered plugins and binds exactly one to each pool
// on first sighting: the first plugin declaring the pool's id wins, then the
// first catch-all, otherwise none.
type PluginRegistry struct {
	sync.Mutex
	plugins []Plugin
	byPool  map[string]Plugin
}

func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		byPool: make(map[string]Plugin),
	}
}

// Register adds a plugin. Registration order decides binding priority.
func (r *PluginRegistry) Register(plugin Plugin) {
	r.Lock()
	defer r.Unlock()
	r.plugins = append(r.plugins, plugin)
}

// ForPool resolves the plugin bound to the given pool, binding it on first
// sighting. Returns nil when no plugin handles the pool.
func (r *PluginRegistry) ForPool(poolID string) Plugin {
	r.Lock()
	defer r.Unlock()
	if plugin, bound := r.byPool[poolID]; bound {
		return plugin
	}
	var catchAll Plugin
	for _, plugin := range r.plugins {
		handled := plugin.HandledTicketPool()
		if handled == poolID {
			r.byPool[poolID] = plugin
			return plugin
		}
		if handled == "" && catchAll == nil {
			catchAll = plugin
		}
	}
	// May bind nil: a pool once seen without a plugin stays unbound.
	r.byPool[poolID] = catchAll
	return catchAll
}
