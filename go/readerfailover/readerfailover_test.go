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

package readerfailover

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aurorafailover/failovercore/go/failoversync"
	"github.com/aurorafailover/failovercore/go/hostinfo"
	"github.com/aurorafailover/failovercore/go/topology"
)

// TestMain verifies that racePair's per-host connectToReader goroutines
// never outlive their ConnectTimeout deadline.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn is a ConnectionAdapter test double whose Connect outcome is
// looked up by host from a shared, mutex-guarded table so concurrent
// racing tasks can be steered deterministically.
type fakeConn struct {
	host      string
	table     *connTable
	connected bool
}

type connTable struct {
	mu      sync.Mutex
	fail    map[string]bool
	delay   map[string]time.Duration
	attempts map[string]int
}

func newConnTable() *connTable {
	return &connTable{fail: map[string]bool{}, delay: map[string]time.Duration{}, attempts: map[string]int{}}
}

func (c *connTable) attemptsFor(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[host]
}

type fakeFactory struct {
	table *connTable
}

func (f *fakeFactory) New() topology.ConnectionAdapter {
	return &fakeConn{table: f.table}
}

func (c *fakeConn) Connect(ctx context.Context, host string, port int) error {
	c.host = host
	c.table.mu.Lock()
	c.table.attempts[host]++
	fail := c.table.fail[host]
	delay := c.table.delay[host]
	c.table.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail {
		return errors.New("fake: connect refused")
	}
	c.connected = true
	return nil
}

func (c *fakeConn) IsConnected() bool                                      { return c.connected }
func (c *fakeConn) Close() error                                           { c.connected = false; return nil }
func (c *fakeConn) ErrorCode() string                                      { return "08006" }
func (c *fakeConn) MetadataQuery() string                                  { return topology.DefaultMetadataQuery }
func (c *fakeConn) Query(ctx context.Context, query string) (*sql.Rows, error) {
	return nil, fmt.Errorf("fake: query not supported")
}

func newTopo(readers ...*hostinfo.HostInfo) *topology.ClusterTopology {
	return &topology.ClusterTopology{Readers: readers}
}

func reader(id string) *hostinfo.HostInfo {
	return hostinfo.New(id+".example.com", 5432, id, hostinfo.RoleReader)
}

func TestEngineFailoverConnectsToUpReader(t *testing.T) {
	table := newConnTable()
	svc := topology.NewService(&fakeFactory{table: table}, nil)
	e := New(&fakeFactory{table: table}, svc, nil)
	e.MaxFailoverWindow = time.Second
	e.ConnectTimeout = 500 * time.Millisecond
	e.ConnectInterval = 10 * time.Millisecond

	t1, t2 := reader("r1"), reader("r2")
	result := e.Failover(context.Background(), "cluster-a", newTopo(t1, t2))

	require.True(t, result.Connected)
	assert.Contains(t, []string{"r1", "r2"}, result.Host.InstanceID)
}

func TestEngineFailoverSkipsFailingReaderAndTriesOthers(t *testing.T) {
	table := newConnTable()
	table.fail["bad.example.com"] = true
	svc := topology.NewService(&fakeFactory{table: table}, nil)
	e := New(&fakeFactory{table: table}, svc, nil)
	e.MaxFailoverWindow = 2 * time.Second
	e.ConnectTimeout = 300 * time.Millisecond
	e.ConnectInterval = 10 * time.Millisecond

	bad := hostinfo.New("bad.example.com", 5432, "bad", hostinfo.RoleReader)
	good := hostinfo.New("good.example.com", 5432, "good", hostinfo.RoleReader)
	topo := newTopo(bad, good)
	// MarkHostDown flips a HostInfo only within the service's cached
	// topology, so cache this one; delay good so bad's failure is recorded
	// before good wins the race.
	svc.Adopt("cluster-a", topo)
	table.delay["good.example.com"] = 20 * time.Millisecond

	result := e.Failover(context.Background(), "cluster-a", topo)

	require.True(t, result.Connected)
	assert.Equal(t, "good", result.Host.InstanceID)
	assert.Equal(t, hostinfo.StateDown, bad.State())
}

func TestEngineFailoverTimesOutWhenAllReadersFail(t *testing.T) {
	table := newConnTable()
	table.fail["r1.example.com"] = true
	table.fail["r2.example.com"] = true
	svc := topology.NewService(&fakeFactory{table: table}, nil)
	e := New(&fakeFactory{table: table}, svc, nil)
	e.MaxFailoverWindow = 100 * time.Millisecond
	e.ConnectTimeout = 30 * time.Millisecond
	e.ConnectInterval = 5 * time.Millisecond

	t1 := hostinfo.New("r1.example.com", 5432, "r1", hostinfo.RoleReader)
	t2 := hostinfo.New("r2.example.com", 5432, "r2", hostinfo.RoleReader)

	result := e.Failover(context.Background(), "cluster-a", newTopo(t1, t2))
	assert.False(t, result.Connected)
}

func TestEngineFailoverFallsBackToWriterWhenNoReaders(t *testing.T) {
	table := newConnTable()
	svc := topology.NewService(&fakeFactory{table: table}, nil)
	e := New(&fakeFactory{table: table}, svc, nil)
	e.MaxFailoverWindow = time.Second
	e.ConnectTimeout = 300 * time.Millisecond
	e.ConnectInterval = 10 * time.Millisecond

	writer := hostinfo.New("w1.example.com", 5432, "w1", hostinfo.RoleWriter)
	topo := &topology.ClusterTopology{Writers: []*hostinfo.HostInfo{writer}}

	result := e.Failover(context.Background(), "cluster-a", topo)
	require.True(t, result.Connected)
	assert.Equal(t, "w1", result.Host.InstanceID)
}

func TestGetReaderConnectionAbandonsWhenSyncAlreadyCompleted(t *testing.T) {
	table := newConnTable()
	svc := topology.NewService(&fakeFactory{table: table}, nil)
	e := New(&fakeFactory{table: table}, svc, nil)

	sync := failoversync.New(0)
	topo := newTopo(reader("r1"))
	result := e.GetReaderConnection(context.Background(), "cluster-a", topo, sync)
	assert.False(t, result.Connected)
}
