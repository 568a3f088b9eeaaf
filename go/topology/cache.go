// Copyright 2025 Supabase, Inc.
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

package topology

import (
	"sync"
	"time"

	"github.com/aurorafailover/failovercore/go/hostinfo"
)

// defaultCacheExpire is how long an idle cluster cache entry survives
// before a future access rebuilds it from scratch. Not part of the public
// configuration surface (spec §6 doesn't list it), only the data model.
const defaultCacheExpire = 10 * time.Minute

// clusterEntry is everything the cache tracks for one ClusterID. All
// mutation happens under cache.mu; individual HostInfo values carry their
// own lock for State() reads, but replacing the topology pointer itself
// is only ever done here, atomically.
type clusterEntry struct {
	topology *ClusterTopology

	downHosts map[string]struct{} // endpoint -> present means Down

	hostPattern  hostinfo.HostPattern
	refreshRate  time.Duration
	cacheExpire  time.Duration
	lastAccessed time.Time

	// readerCursor is the instance-id of the last reader handed out for
	// round robin; persisted across refreshes and re-located in the
	// freshly probed list (falls back to index 0 if it vanished). See
	// SPEC_FULL.md §12.
	readerCursor string
}

func newClusterEntry() *clusterEntry {
	return &clusterEntry{
		downHosts:    make(map[string]struct{}),
		refreshRate:  30 * time.Second,
		cacheExpire:  defaultCacheExpire,
		lastAccessed: time.Now(),
	}
}

func (e *clusterEntry) isStale() bool {
	return time.Since(e.lastAccessed) > e.cacheExpire
}

// TopologyCache maps ClusterID to ClusterTopology, guarded by a single
// mutex per the data model ("Process-wide, guarded by a single mutex").
type TopologyCache struct {
	mu      sync.Mutex
	entries map[ClusterID]*clusterEntry
}

// NewTopologyCache creates an empty cache.
func NewTopologyCache() *TopologyCache {
	return &TopologyCache{entries: make(map[ClusterID]*clusterEntry)}
}

// entryFor returns the entry for id, creating and reaping-if-stale as it
// goes. Must be called with c.mu held.
func (c *TopologyCache) entryFor(id ClusterID) *clusterEntry {
	e, ok := c.entries[id]
	if ok && e.isStale() {
		delete(c.entries, id)
		ok = false
	}
	if !ok {
		e = newClusterEntry()
		c.entries[id] = e
	}
	e.lastAccessed = time.Now()
	return e
}

// clear drops the cache entry for a single cluster.
func (c *TopologyCache) clear(id ClusterID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// clearAll drops every cache entry.
func (c *TopologyCache) clearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[ClusterID]*clusterEntry)
}
