// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tile

import (
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"k8s.io/klog/v2"

	"github.com/google/graphd/internal/sabotage"
)

// tileKey identifies a tile uniquely within a pool.
type tileKey struct {
	file *File
	num  uint32
}

// Pool is the process-wide aggregator of tile memory shared by all tiled
// files, per spec.md §3 ("Tile pool"). It tracks a soft upper bound on
// mapped bytes and evicts the least-recently-freed tiles first when that
// bound is exceeded.
//
// The free list is implemented with hashicorp/golang-lru/v2's ordered-map
// primitive (simplelru.LRU) used purely as a doubly-linked recency list:
// its own capacity is left effectively unbounded, and eviction is driven
// explicitly by byte accounting rather than entry count, since the pool's
// budget (spec.md: "soft upper bound on mapped bytes") is a byte quantity,
// not an item quantity.
type Pool struct {
	mu sync.Mutex

	free *simplelru.LRU[tileKey, *tileEntry]

	total  int64 // total bytes currently mapped across all tiles
	linked int64 // bytes with a live reference (spec.md: "linked")
	max    int64 // soft cap on total

	lockCeiling int64 // mlock budget in bytes; 0 disables locking
	locked      int64 // bytes currently mlock'd
	lockingOff  bool  // set permanently once the ceiling is exceeded once

	Fault *sabotage.Hook
}

// DefaultMax is used when no explicit cap is configured.
const DefaultMax = 512 * 1024 * 1024

// NewPool creates a tile pool with the given soft byte cap.
func NewPool(max int64) *Pool {
	if max <= 0 {
		max = DefaultMax
	}
	p := &Pool{max: max}
	// The onEvicted callback only fires from Add-triggered overflow, which
	// never happens here since size is unbounded; eviction is always
	// driven explicitly via evictToFitLocked, which calls RemoveOldest itself.
	free, err := simplelru.NewLRU[tileKey, *tileEntry](math.MaxInt32, nil)
	if err != nil {
		// Only returns an error for size <= 0, which cannot happen here.
		panic(err)
	}
	p.free = free
	return p
}

// SetMax updates the pool's soft byte cap, evicting immediately if the new
// cap is lower than the current total.
func (p *Pool) SetMax(max int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.max = max
	p.evictToFitLocked()
}

// SetMlockCeiling sets the budget, in bytes, for locked (mlock'd) tile
// memory. Passing 0 disables locking for the process.
func (p *Pool) SetMlockCeiling(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lockCeiling = n
}

// Stats reports current pool occupancy, useful for tests and diagnostics.
type Stats struct {
	Total, Linked, Max int64
	FreeTiles          int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Total: p.total, Linked: p.linked, Max: p.max, FreeTiles: p.free.Len()}
}

// markFreeLocked links t onto the LRU free list. Must hold p.mu.
func (p *Pool) markFreeLocked(t *tileEntry) {
	if !t.evictable() {
		panic(fmt.Sprintf("markFreeLocked called on non-evictable tile %d", t.num))
	}
	if t.onFreeList {
		return
	}
	t.onFreeList = true
	p.free.Add(tileKey{t.file, t.num}, t)
}

// unmarkFreeLocked removes t from the LRU free list, e.g. because it is about to
// be referenced again. Must hold p.mu.
func (p *Pool) unmarkFreeLocked(t *tileEntry) {
	if !t.onFreeList {
		return
	}
	t.onFreeList = false
	p.free.Remove(tileKey{t.file, t.num})
}

// evictToFitLocked walks the free list tail-first (oldest-freed first),
// unmapping tiles until total <= max or the free list is exhausted.
// Eviction failing to bring total under max is not an error: the pool
// temporarily exceeds its soft cap (spec.md §4.1 "Eviction").
func (p *Pool) evictToFitLocked() {
	for p.total > p.max {
		_, t, ok := p.free.RemoveOldest()
		if !ok {
			klog.V(1).Infof("tile pool over soft cap (total=%d max=%d) with empty free list", p.total, p.max)
			return
		}
		p.evictOneLocked(t)
	}
}

func (p *Pool) evictOneLocked(t *tileEntry) {
	if !t.evictable() {
		panic(fmt.Sprintf("attempted to evict non-evictable tile %d", t.num))
	}
	t.onFreeList = false
	sz := int64(len(t.disk))
	if err := unmapRegion(t.disk); err != nil {
		klog.Warningf("unmap tile %d of %q: %v", t.num, t.file.path, err)
	}
	if t.file.locked[t.num] {
		p.locked -= sz
		t.file.locked[t.num] = false
	}
	t.disk = nil
	t.memory = nil
	t.file.table[t.num] = nil
	p.total -= sz
}
