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

// Package readerfailover races parallel connection attempts across
// candidate readers under a global deadline, cancelling losers
// cooperatively through failoversync.FailoverSync.
package readerfailover

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/aurorafailover/failovercore/go/failovermetrics"
	"github.com/aurorafailover/failovercore/go/failoversync"
	"github.com/aurorafailover/failovercore/go/hostinfo"
	"github.com/aurorafailover/failovercore/go/list"
	"github.com/aurorafailover/failovercore/go/topology"
)

// Result is what a failover attempt hands back to its caller: either a
// live connection to a new host, or nothing.
type Result struct {
	Connected bool
	Host      *hostinfo.HostInfo
	Conn      topology.ConnectionAdapter
}

// Engine races candidate readers to produce a live connection.
type Engine struct {
	factory topology.ConnectionFactory
	topo    *topology.Service
	log     *slog.Logger

	ConnectTimeout    time.Duration
	ConnectInterval   time.Duration
	MaxFailoverWindow time.Duration

	// Metrics records attempt counts/durations when non-nil; left nil
	// when failoverconfig.Config.GatherPerfMetrics is off.
	Metrics *failovermetrics.Recorder
}

// New creates a reader failover engine with a 30s ConnectTimeout and a
// 60s MaxFailoverWindow (the configuration surface's defaults, §6) and a
// 1s ConnectInterval.
func New(factory topology.ConnectionFactory, topo *topology.Service, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		factory:           factory,
		topo:              topo,
		log:               log,
		ConnectTimeout:    30 * time.Second,
		ConnectInterval:   time.Second,
		MaxFailoverWindow: 60 * time.Second,
	}
}

// Failover is the dispatcher-driven entry point: candidates include
// readers first, then writers as a last-resort fallback, and the whole
// call is bounded by MaxFailoverWindow.
func (e *Engine) Failover(ctx context.Context, id topology.ClusterID, t *topology.ClusterTopology) Result {
	start := time.Now()
	outer := failoversync.New(1)
	deadlineCtx, cancel := context.WithTimeout(ctx, e.MaxFailoverWindow)
	defer cancel()

	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- e.raceUntilConnected(deadlineCtx, id, t, true)
		outer.MarkAsComplete(false)
	}()

	timer := time.NewTimer(e.MaxFailoverWindow)
	defer timer.Stop()
	select {
	case r := <-resultCh:
		e.Metrics.Record(ctx, failovermetrics.KindReader, string(id), r.Connected, time.Since(start))
		return r
	case <-timer.C:
		outer.MarkAsComplete(true)
		e.Metrics.Record(ctx, failovermetrics.KindReader, string(id), false, time.Since(start))
		return Result{}
	}
}

// GetReaderConnection is used by the writer engine to obtain a reader for
// topology discovery, honoring the writer engine's own shared sync: if
// sync completes (the peer strategy won) while this is still racing, it
// abandons the race and returns not-connected.
func (e *Engine) GetReaderConnection(ctx context.Context, id topology.ClusterID, t *topology.ClusterTopology, sync *failoversync.FailoverSync) Result {
	for {
		if sync != nil && sync.IsCompleted() {
			return Result{}
		}
		r := e.raceOnce(ctx, id, t.Readers, sync)
		if r.Connected {
			return r
		}
		if sync != nil && sync.IsCompleted() {
			return Result{}
		}
		select {
		case <-ctx.Done():
			return Result{}
		case <-time.After(e.ConnectInterval):
		}
	}
}

// raceUntilConnected loops candidate-list construction and pair racing
// until a connection succeeds or ctx is done (open question §9: the
// source restarts with a fresh shuffle on exhaustion; we do the same).
func (e *Engine) raceUntilConnected(ctx context.Context, id topology.ClusterID, t *topology.ClusterTopology, includeWriters bool) Result {
	for {
		select {
		case <-ctx.Done():
			return Result{}
		default:
		}

		candidates := e.prioritizeCursor(id, buildCandidateList(t, includeWriters))
		if len(candidates) == 0 {
			select {
			case <-ctx.Done():
				return Result{}
			case <-time.After(e.ConnectInterval):
				continue
			}
		}

		queue := toQueue(candidates)
		for queue.Len() > 0 {
			pair := popPair(queue)
			r := e.racePair(ctx, id, pair)
			if r.Connected {
				return r
			}
			select {
			case <-ctx.Done():
				return Result{}
			case <-time.After(e.ConnectInterval):
			}
		}
	}
}

// raceOnce runs a single pass over readers, in pairs, without looping
// on exhaustion (get_reader_connection's caller loops instead).
func (e *Engine) raceOnce(ctx context.Context, id topology.ClusterID, readers []*hostinfo.HostInfo, sync *failoversync.FailoverSync) Result {
	queue := toQueue(e.prioritizeCursor(id, shuffleSplit(readers)))
	for queue.Len() > 0 {
		if sync != nil && sync.IsCompleted() {
			return Result{}
		}
		pair := popPair(queue)
		r := e.racePair(ctx, id, pair)
		if r.Connected {
			return r
		}
	}
	return Result{}
}

// prioritizeCursor moves the cluster's round-robin reader cursor
// (topology.Service.NextReader) to the front of candidates when it
// names one of them, so successive failovers spread load across
// readers instead of always racing the same shuffled order.
func (e *Engine) prioritizeCursor(id topology.ClusterID, candidates []*hostinfo.HostInfo) []*hostinfo.HostInfo {
	next := e.topo.NextReader(id)
	if next == nil {
		return candidates
	}
	for i, h := range candidates {
		if h.InstanceID != next.InstanceID {
			continue
		}
		if i == 0 {
			return candidates
		}
		reordered := make([]*hostinfo.HostInfo, 0, len(candidates))
		reordered = append(reordered, h)
		reordered = append(reordered, candidates[:i]...)
		reordered = append(reordered, candidates[i+1:]...)
		return reordered
	}
	return candidates
}

// toQueue loads a candidate slice into a list.List so racePair can pop
// pairs off the front in O(1) without reslicing on every iteration.
func toQueue(candidates []*hostinfo.HostInfo) *list.List[*hostinfo.HostInfo] {
	q := list.New[*hostinfo.HostInfo]()
	for _, h := range candidates {
		q.PushBack(h)
	}
	return q
}

// popPair removes and returns up to two candidates from the front of q.
func popPair(q *list.List[*hostinfo.HostInfo]) []*hostinfo.HostInfo {
	pair := make([]*hostinfo.HostInfo, 0, 2)
	for i := 0; i < 2; i++ {
		front := q.Front()
		if front == nil {
			break
		}
		pair = append(pair, q.Remove(front))
	}
	return pair
}

// racePair spawns one ConnectToReaderHandler task per host in pair under
// a fresh FailoverSync, bounded by ConnectTimeout.
func (e *Engine) racePair(ctx context.Context, id topology.ClusterID, pair []*hostinfo.HostInfo) Result {
	sync := failoversync.New(len(pair))
	pairCtx, cancel := context.WithTimeout(ctx, e.ConnectTimeout)
	defer cancel()

	resultCh := make(chan Result, len(pair))
	for _, host := range pair {
		go e.connectToReader(pairCtx, id, host, sync, resultCh)
	}

	timer := time.NewTimer(e.ConnectTimeout)
	defer timer.Stop()

	for range pair {
		select {
		case r := <-resultCh:
			if r.Connected {
				return r
			}
		case <-timer.C:
			sync.MarkAsComplete(true)
			return Result{}
		}
	}
	return Result{}
}

// connectToReader is the per-task ConnectToReaderHandler contract (§4.2):
// attempt one connection; on success mark up and try to win the sync; on
// failure mark down and decrement.
func (e *Engine) connectToReader(ctx context.Context, id topology.ClusterID, host *hostinfo.HostInfo, sync *failoversync.FailoverSync, out chan<- Result) {
	conn := e.factory.New()
	if err := conn.Connect(ctx, host.Host, host.Port); err != nil {
		e.topo.MarkHostDown(id, host.Endpoint())
		sync.MarkAsComplete(false)
		out <- Result{}
		return
	}

	e.topo.MarkHostUp(id, host.Endpoint())

	if sync.IsCompleted() {
		// A peer already won; this connection arrived too late.
		conn.Close()
		out <- Result{}
		return
	}
	sync.MarkAsComplete(true)
	out <- Result{Connected: true, Host: host, Conn: conn}
}

// buildCandidateList implements the failover entry point's candidate
// order: shuffled up readers, then shuffled down readers, then (when
// includeWriters) a shuffled list of writers as a last resort.
func buildCandidateList(t *topology.ClusterTopology, includeWriters bool) []*hostinfo.HostInfo {
	if t == nil {
		return nil
	}
	candidates := shuffleSplit(t.Readers)
	if includeWriters && len(t.Writers) > 0 {
		writers := append([]*hostinfo.HostInfo{}, t.Writers...)
		shuffle(writers)
		candidates = append(candidates, writers...)
	}
	return candidates
}

// shuffleSplit splits hosts into up/down sub-lists by current state,
// shuffles each independently, and concatenates up++down.
func shuffleSplit(hosts []*hostinfo.HostInfo) []*hostinfo.HostInfo {
	var up, down []*hostinfo.HostInfo
	for _, h := range hosts {
		if h.State() == hostinfo.StateDown {
			down = append(down, h)
		} else {
			up = append(up, h)
		}
	}
	shuffle(up)
	shuffle(down)
	return append(up, down...)
}

func shuffle(hosts []*hostinfo.HostInfo) {
	rand.Shuffle(len(hosts), func(i, j int) {
		hosts[i], hosts[j] = hosts[j], hosts[i]
	})
}
