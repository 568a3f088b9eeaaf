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

// Package writerfailover races two concurrent strategies — reconnect to
// the original writer, or discover a newly promoted writer via a reader
// probe — and commits to whichever produces a live writer connection
// first.
package writerfailover

import (
	"context"
	"log/slog"
	"time"

	"github.com/aurorafailover/failovercore/go/failoversync"
	"github.com/aurorafailover/failovercore/go/failovermetrics"
	"github.com/aurorafailover/failovercore/go/hostinfo"
	"github.com/aurorafailover/failovercore/go/readerfailover"
	"github.com/aurorafailover/failovercore/go/topology"
)

// Result is what the writer engine hands back to the dispatcher.
type Result struct {
	Connected bool
	IsNewHost bool
	Host      *hostinfo.HostInfo
	Conn      topology.ConnectionAdapter
	Topology  *topology.ClusterTopology
}

// Engine races the two writer-recovery strategies.
type Engine struct {
	factory topology.ConnectionFactory
	topo    *topology.Service
	readers *readerfailover.Engine
	log     *slog.Logger

	ReconnectInterval    time.Duration
	ReadTopologyInterval time.Duration
	FailoverTimeout      time.Duration

	// Metrics records attempt counts/durations when non-nil.
	Metrics *failovermetrics.Recorder
}

// New creates a writer failover engine.
func New(factory topology.ConnectionFactory, topo *topology.Service, readers *readerfailover.Engine, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		factory:              factory,
		topo:                 topo,
		readers:              readers,
		log:                  log,
		ReconnectInterval:    5 * time.Second,
		ReadTopologyInterval: 5 * time.Second,
		FailoverTimeout:      60 * time.Second,
	}
}

// Failover marks the original writer down, then races strategy A
// (reconnect to the same writer) against strategy B (find the newly
// promoted writer through a reader) under a shared FailoverSync(2). The
// first to succeed cancels the other; if both time out, returns
// not-connected.
func (e *Engine) Failover(ctx context.Context, id topology.ClusterID, t *topology.ClusterTopology) Result {
	start := time.Now()
	original := t.Writer()
	if original == nil {
		return Result{}
	}
	e.topo.MarkHostDown(id, original.Endpoint())

	deadlineCtx, cancel := context.WithTimeout(ctx, e.FailoverTimeout)
	defer cancel()

	sync := failoversync.New(2)
	resultCh := make(chan Result, 2)

	go e.reconnectOriginalWriter(deadlineCtx, id, original, sync, resultCh)
	go e.waitForNewWriter(deadlineCtx, id, t, original, sync, resultCh)

	timer := time.NewTimer(e.FailoverTimeout)
	defer timer.Stop()

	for i := 0; i < 2; i++ {
		select {
		case r := <-resultCh:
			if r.Connected {
				e.Metrics.Record(ctx, failovermetrics.KindWriter, string(id), true, time.Since(start))
				return r
			}
		case <-timer.C:
			sync.MarkAsComplete(true)
			e.Metrics.Record(ctx, failovermetrics.KindWriter, string(id), false, time.Since(start))
			return Result{}
		}
	}
	e.Metrics.Record(ctx, failovermetrics.KindWriter, string(id), false, time.Since(start))
	return Result{}
}

// reconnectOriginalWriter is strategy A: keep dialing the original
// writer's endpoint; declare victory only once a forced topology refresh
// through the new connection still names it as writer.
func (e *Engine) reconnectOriginalWriter(ctx context.Context, id topology.ClusterID, original *hostinfo.HostInfo, sync *failoversync.FailoverSync, out chan<- Result) {
	for {
		if sync.IsCompleted() {
			out <- Result{}
			return
		}

		conn := e.factory.New()
		if err := conn.Connect(ctx, original.Host, original.Port); err == nil {
			fresh, ferr := e.topo.GetTopology(ctx, id, conn, true)
			if ferr == nil && fresh.TotalHosts() > 0 {
				if w := fresh.Writer(); w != nil && w.InstanceID == original.InstanceID {
					if sync.IsCompleted() {
						conn.Close()
						out <- Result{}
						return
					}
					e.topo.MarkHostUp(id, original.Endpoint())
					sync.MarkAsComplete(true)
					out <- Result{
						Connected: true,
						IsNewHost: false,
						Host:      original,
						Conn:      conn,
						Topology:  fresh,
					}
					return
				}
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			sync.MarkAsComplete(false)
			out <- Result{}
			return
		case <-time.After(e.ReconnectInterval):
		}
	}
}

// waitForNewWriter is strategy B: borrow a reader connection to watch for
// a newly promoted writer, then connect to it (or promote the reader
// connection in place if it happens to already be the new writer).
func (e *Engine) waitForNewWriter(ctx context.Context, id topology.ClusterID, t *topology.ClusterTopology, original *hostinfo.HostInfo, sync *failoversync.FailoverSync, out chan<- Result) {
	for {
		if sync.IsCompleted() {
			out <- Result{}
			return
		}

		reader := e.readers.GetReaderConnection(ctx, id, t, sync)
		if !reader.Connected {
			out <- Result{}
			return
		}
		promoted := false

		fresh, ferr := e.topo.GetTopology(ctx, id, reader.Conn, true)
		if ferr == nil {
			if w := fresh.Writer(); w != nil && w.InstanceID != original.InstanceID {
				var conn topology.ConnectionAdapter
				var host *hostinfo.HostInfo
				if w.Endpoint() == reader.Host.Endpoint() {
					conn = reader.Conn
					host = w
					promoted = true
				} else {
					candidate := e.factory.New()
					if err := candidate.Connect(ctx, w.Host, w.Port); err == nil {
						conn = candidate
						host = w
					} else {
						e.topo.MarkHostDown(id, w.Endpoint())
					}
				}

				if conn != nil {
					if sync.IsCompleted() {
						if !promoted {
							conn.Close()
						}
						out <- Result{}
						return
					}
					e.topo.MarkHostUp(id, host.Endpoint())
					sync.MarkAsComplete(true)
					out <- Result{
						Connected: true,
						IsNewHost: true,
						Host:      host,
						Conn:      conn,
						Topology:  fresh,
					}
					return
				}
			}
		}

		if !promoted {
			reader.Conn.Close()
		}

		select {
		case <-ctx.Done():
			sync.MarkAsComplete(false)
			out <- Result{}
			return
		case <-time.After(e.ReadTopologyInterval):
		}
	}
}
