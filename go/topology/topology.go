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

// Package topology maintains the per-cluster view of live hosts: the
// TopologyCache/DownHostSet data model and the Service that serves it
// under soft-freshness guarantees, probing cluster metadata on demand.
package topology

import (
	"time"

	"github.com/aurorafailover/failovercore/go/hostinfo"
)

// ClusterID identifies a cluster's cache entry. Derived from the cluster
// DNS host by hostinfo.ClassifyHost when not supplied explicitly.
type ClusterID string

// ClusterTopology is an immutable snapshot once published: engines
// receive it and never mutate it in place. The cache replaces the whole
// value atomically on refresh.
type ClusterTopology struct {
	Writers     []*hostinfo.HostInfo
	Readers     []*hostinfo.HostInfo
	LastUpdated time.Time
	MultiWriter bool
}

// TotalHosts returns the combined writer+reader count.
func (t *ClusterTopology) TotalHosts() int {
	if t == nil {
		return 0
	}
	return len(t.Writers) + len(t.Readers)
}

// Writer returns the topology's single writer, or nil if there is none or
// more than one (multi-writer topologies must be inspected via Writers).
func (t *ClusterTopology) Writer() *hostinfo.HostInfo {
	if t == nil || len(t.Writers) != 1 {
		return nil
	}
	return t.Writers[0]
}

// clone returns a shallow copy of the topology with its own slices (the
// *HostInfo elements themselves are shared, immutable-by-convention
// snapshots — only the container is copied so callers can't mutate the
// cache's slice headers).
func (t *ClusterTopology) clone() *ClusterTopology {
	if t == nil {
		return nil
	}
	out := &ClusterTopology{
		LastUpdated: t.LastUpdated,
		MultiWriter: t.MultiWriter,
	}
	out.Writers = append(out.Writers, t.Writers...)
	out.Readers = append(out.Readers, t.Readers...)
	return out
}
