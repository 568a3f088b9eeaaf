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
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/aurorafailover/failovercore/go/hostinfo"
	"github.com/aurorafailover/failovercore/go/mterrors"
)

// Service is the process-wide topology cache and refresher. One Service
// is shared by every connection against a given cluster; callers
// distinguish clusters by ClusterID.
type Service struct {
	cache   *TopologyCache
	factory ConnectionFactory
	log     *slog.Logger
}

// NewService creates a Service backed by factory for issuing metadata
// probes, and cache for the process-wide cluster cache.
func NewService(factory ConnectionFactory, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cache:   NewTopologyCache(),
		factory: factory,
		log:     log,
	}
}

// Configure sets the per-cluster host pattern and refresh rate used by
// GetTopology's soft-freshness check. Safe to call repeatedly; later
// calls simply update the entry.
func (s *Service) Configure(id ClusterID, pattern hostinfo.HostPattern, refreshRate time.Duration) {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	e := s.cache.entryFor(id)
	e.hostPattern = pattern
	if refreshRate > 0 {
		e.refreshRate = refreshRate
	}
}

// GetCachedTopology returns the cluster's last-known topology without
// probing, and whether one exists.
func (s *Service) GetCachedTopology(id ClusterID) (*ClusterTopology, bool) {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	e, ok := s.cache.entries[id]
	if !ok || e.topology == nil {
		return nil, false
	}
	return e.topology.clone(), true
}

// GetTopology returns the cluster's topology, refreshing from conn first
// if force is true or the cached entry is older than its refresh rate.
// On probe failure with a still-usable cached topology, the stale
// topology is returned rather than an error (soft freshness).
func (s *Service) GetTopology(ctx context.Context, id ClusterID, conn ConnectionAdapter, force bool) (*ClusterTopology, error) {
	s.cache.mu.Lock()
	e := s.cache.entryFor(id)
	needsRefresh := force || e.topology == nil || time.Since(e.topology.LastUpdated) >= e.refreshRate
	stale := e.topology
	s.cache.mu.Unlock()

	if !needsRefresh {
		return stale.clone(), nil
	}

	fresh, err := s.probe(ctx, id, conn)
	if err != nil {
		if stale != nil {
			s.log.Warn("topology probe failed, serving stale topology",
				"cluster", string(id), "error", err)
			return stale.clone(), nil
		}
		return nil, err
	}
	return fresh.clone(), nil
}

// probe queries conn for cluster metadata, reconciles the result against
// the cluster's DownHostSet and reader round-robin cursor, and publishes
// the new ClusterTopology into the cache atomically.
func (s *Service) probe(ctx context.Context, id ClusterID, conn ConnectionAdapter) (*ClusterTopology, error) {
	rows, err := conn.Query(ctx, conn.MetadataQuery())
	if err != nil {
		return nil, mterrors.Wrap(mterrors.TopologyUnavailable, err, "topology probe failed")
	}
	defer rows.Close()

	var probed []ProbeRow
	for rows.Next() {
		var r ProbeRow
		if err := rows.Scan(&r.InstanceID, &r.SessionID, &r.ReplicaLagMillis); err != nil {
			return nil, mterrors.Wrap(mterrors.TopologyUnavailable, err, "topology probe row scan failed")
		}
		probed = append(probed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mterrors.Wrap(mterrors.TopologyUnavailable, err, "topology probe iteration failed")
	}
	if len(probed) == 0 {
		return nil, mterrors.New(mterrors.TopologyUnavailable, "topology probe returned no rows")
	}

	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	e := s.cache.entryFor(id)

	fresh := &ClusterTopology{LastUpdated: time.Now()}
	for _, r := range probed {
		endpoint := e.hostPattern.Endpoint(r.InstanceID)
		host, port := splitEndpoint(endpoint)
		var role hostinfo.Role
		if r.SessionID == MasterSessionID {
			role = hostinfo.RoleWriter
		} else {
			role = hostinfo.RoleReader
		}
		hi := hostinfo.New(host, port, r.InstanceID, role)
		hi.ReplicaLagMillis = r.ReplicaLagMillis
		hi.SessionID = r.SessionID
		hi.LastUpdate = fresh.LastUpdated

		// Reconcile against the DownHostSet: a host we'd marked down
		// stays flagged Down in the freshly built topology until it
		// proves itself live via a successful connect (see readerfailover
		// and writerfailover, which call MarkHostUp on success).
		if _, down := e.downHosts[endpoint]; down {
			hi.SetState(hostinfo.StateDown)
		}

		if role == hostinfo.RoleWriter {
			fresh.Writers = append(fresh.Writers, hi)
		} else {
			fresh.Readers = append(fresh.Readers, hi)
		}
	}
	fresh.MultiWriter = len(fresh.Writers) > 1

	// Readers keep the probe's own order (§4.1's tie-break) rather than
	// being re-sorted by instance-id.

	// Drop DownHostSet entries for hosts that no longer appear in the
	// topology at all; a stale endpoint from a decommissioned instance
	// shouldn't linger forever.
	live := make(map[string]struct{}, len(fresh.Writers)+len(fresh.Readers))
	for _, h := range fresh.Writers {
		live[h.Endpoint()] = struct{}{}
	}
	for _, h := range fresh.Readers {
		live[h.Endpoint()] = struct{}{}
	}
	for endpoint := range e.downHosts {
		if _, ok := live[endpoint]; !ok {
			delete(e.downHosts, endpoint)
		}
	}

	e.topology = fresh
	return fresh, nil
}

// NextReader returns the next reader to try in round-robin order,
// advancing the cluster's cursor. Down readers are skipped unless every
// reader is down, in which case the cursor still advances through them
// (a caller racing candidates handles the actual liveness check).
func (s *Service) NextReader(id ClusterID) *hostinfo.HostInfo {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	e, ok := s.cache.entries[id]
	if !ok || e.topology == nil || len(e.topology.Readers) == 0 {
		return nil
	}
	readers := e.topology.Readers

	start := 0
	if e.readerCursor != "" {
		for i, r := range readers {
			if r.InstanceID == e.readerCursor {
				start = (i + 1) % len(readers)
				break
			}
		}
	}

	for i := 0; i < len(readers); i++ {
		idx := (start + i) % len(readers)
		if readers[idx].State() == hostinfo.StateUp {
			e.readerCursor = readers[idx].InstanceID
			return readers[idx]
		}
	}
	// Every reader down: still advance and return one, letting the
	// caller's own connect attempt be the final word on liveness.
	e.readerCursor = readers[start].InstanceID
	return readers[start]
}

// MarkHostDown flags host as Down in both the DownHostSet and, if present
// in the current cached topology, on the HostInfo itself.
func (s *Service) MarkHostDown(id ClusterID, endpoint string) {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	e := s.cache.entryFor(id)
	e.downHosts[endpoint] = struct{}{}
	if e.topology != nil {
		for _, h := range append(append([]*hostinfo.HostInfo{}, e.topology.Writers...), e.topology.Readers...) {
			if h.Endpoint() == endpoint {
				h.SetState(hostinfo.StateDown)
			}
		}
	}
}

// MarkHostUp clears host from the DownHostSet and, if present, restores
// it to Up on the cached topology.
func (s *Service) MarkHostUp(id ClusterID, endpoint string) {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	e, ok := s.cache.entries[id]
	if !ok {
		return
	}
	delete(e.downHosts, endpoint)
	if e.topology != nil {
		for _, h := range append(append([]*hostinfo.HostInfo{}, e.topology.Writers...), e.topology.Readers...) {
			if h.Endpoint() == endpoint {
				h.SetState(hostinfo.StateUp)
			}
		}
	}
}

// Adopt installs an already-probed topology snapshot directly into the
// cache, bypassing a fresh probe. Callers that obtain a live topology
// through their own connection (e.g. writerfailover's reader-probe
// strategy, which learns the new writer via a borrowed reader
// connection) use this instead of Clear, so the next GetTopology call
// serves the snapshot they already paid to obtain rather than forcing a
// redundant re-probe.
func (s *Service) Adopt(id ClusterID, t *ClusterTopology) {
	if t == nil {
		return
	}
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	e := s.cache.entryFor(id)
	e.topology = t.clone()
}

// Clear drops the cached topology for a single cluster, forcing the next
// GetTopology call to probe regardless of refresh rate.
func (s *Service) Clear(id ClusterID) {
	s.cache.clear(id)
}

// ClearAll drops the entire process-wide cache.
func (s *Service) ClearAll() {
	s.cache.clearAll()
}

func splitEndpoint(endpoint string) (string, int) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
