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

package writerfailover

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aurorafailover/failovercore/go/fakepgdb"
	"github.com/aurorafailover/failovercore/go/hostinfo"
	"github.com/aurorafailover/failovercore/go/readerfailover"
	"github.com/aurorafailover/failovercore/go/topology"
)

// TestMain verifies that the losing strategy's goroutine in each race
// (reconnectOriginalWriter vs waitForNewWriter) always exits once
// FailoverTimeout's context is cancelled, rather than leaking.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// cluster is a tiny in-memory metadata view shared by every fakeConn in a
// test: whichever instance-id is currently `writerID` answers the
// metadata probe as MASTER_SESSION_ID, and connectFails lets a test wall
// off a specific host.
type cluster struct {
	mu           sync.Mutex
	db           *fakepgdb.DB
	writerID     string
	readerIDs    []string
	connectFails map[string]bool
}

func newCluster(t *testing.T, writerID string, readerIDs ...string) *cluster {
	c := &cluster{
		db:           fakepgdb.New(t),
		writerID:     writerID,
		readerIDs:    readerIDs,
		connectFails: map[string]bool{},
	}
	c.publish()
	return c
}

// setWriter changes which instance-id the shared metadata view reports as
// writer, simulating an Aurora failover event mid-test.
func (c *cluster) setWriter(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writerID = id
	c.publishLocked()
}

func (c *cluster) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked()
}

func (c *cluster) publishLocked() {
	rows := [][]interface{}{{c.writerID, topology.MasterSessionID, int64(0)}}
	for _, r := range c.readerIDs {
		rows = append(rows, []interface{}{r, "reader-session", int64(0)})
	}
	c.db.AddQuery(topology.DefaultMetadataQuery, &fakepgdb.ExpectedResult{
		Columns: []string{"SERVER_ID", "SESSION_ID", "REPLICA_LAG_IN_MILLISECONDS"},
		Rows:    rows,
	})
}

func (c *cluster) fails(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectFails[host]
}

func (c *cluster) failHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectFails[host] = true
}

type fakeConn struct {
	host string
	c    *cluster
	db   *sql.DB
}

type fakeFactory struct {
	c *cluster
}

func (f *fakeFactory) New() topology.ConnectionAdapter {
	return &fakeConn{c: f.c}
}

func (fc *fakeConn) Connect(ctx context.Context, host string, port int) error {
	if fc.c.fails(host) {
		return errors.New("fake: connect refused")
	}
	fc.host = host
	fc.db = fc.c.db.OpenDB()
	return nil
}

func (fc *fakeConn) IsConnected() bool     { return fc.db != nil }
func (fc *fakeConn) Close() error          { return nil }
func (fc *fakeConn) ErrorCode() string     { return "08006" }
func (fc *fakeConn) MetadataQuery() string { return topology.DefaultMetadataQuery }
func (fc *fakeConn) Query(ctx context.Context, query string) (*sql.Rows, error) {
	return fc.db.QueryContext(ctx, query)
}

func hostFor(id string) string { return id + ".example.com" }

func pattern(t *testing.T) hostinfo.HostPattern {
	t.Helper()
	p, ok := hostinfo.NewHostPattern("?.example.com")
	require.True(t, ok)
	return p
}

func TestFailoverReturnsNotConnectedWithoutOriginalWriter(t *testing.T) {
	c := newCluster(t, "w1")
	factory := &fakeFactory{c: c}
	svc := topology.NewService(factory, nil)
	e := New(factory, svc, readerfailover.New(factory, svc, nil), nil)

	result := e.Failover(context.Background(), "cluster-a", &topology.ClusterTopology{})
	assert.False(t, result.Connected)
}

func TestFailoverReconnectsOriginalWriterWhenStillWriter(t *testing.T) {
	c := newCluster(t, "w1")
	factory := &fakeFactory{c: c}
	svc := topology.NewService(factory, nil)
	svc.Configure("cluster-a", pattern(t), 0)

	e := New(factory, svc, readerfailover.New(factory, svc, nil), nil)
	e.ReconnectInterval = 5 * time.Millisecond
	e.ReadTopologyInterval = 5 * time.Millisecond
	e.FailoverTimeout = time.Second

	original := hostinfo.New(hostFor("w1"), 5432, "w1", hostinfo.RoleWriter)
	topo := &topology.ClusterTopology{Writers: []*hostinfo.HostInfo{original}}

	result := e.Failover(context.Background(), "cluster-a", topo)

	require.True(t, result.Connected)
	assert.False(t, result.IsNewHost)
	assert.Equal(t, "w1", result.Host.InstanceID)
}

func TestFailoverDiscoversPromotedWriterThroughReader(t *testing.T) {
	c := newCluster(t, "w1", "r1")
	c.failHost(hostFor("w1")) // original writer never comes back
	factory := &fakeFactory{c: c}
	svc := topology.NewService(factory, nil)
	svc.Configure("cluster-a", pattern(t), 0)

	e := New(factory, svc, readerfailover.New(factory, svc, nil), nil)
	e.ReconnectInterval = 5 * time.Millisecond
	e.ReadTopologyInterval = 5 * time.Millisecond
	e.FailoverTimeout = 2 * time.Second

	original := hostinfo.New(hostFor("w1"), 5432, "w1", hostinfo.RoleWriter)
	reader := hostinfo.New(hostFor("r1"), 5432, "r1", hostinfo.RoleReader)
	topo := &topology.ClusterTopology{
		Writers: []*hostinfo.HostInfo{original},
		Readers: []*hostinfo.HostInfo{reader},
	}

	// Promote r1 shortly after the race starts, simulating Aurora
	// completing the failover mid-attempt.
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.setWriter("r1")
	}()

	result := e.Failover(context.Background(), "cluster-a", topo)

	require.True(t, result.Connected)
	assert.True(t, result.IsNewHost)
	assert.Equal(t, "r1", result.Host.InstanceID)
}

func TestFailoverTimesOutWhenNeitherStrategySucceeds(t *testing.T) {
	c := newCluster(t, "w1", "r1")
	c.failHost(hostFor("w1"))
	c.failHost(hostFor("r1"))
	factory := &fakeFactory{c: c}
	svc := topology.NewService(factory, nil)
	svc.Configure("cluster-a", pattern(t), 0)

	e := New(factory, svc, readerfailover.New(factory, svc, nil), nil)
	e.ReconnectInterval = 5 * time.Millisecond
	e.ReadTopologyInterval = 5 * time.Millisecond
	e.FailoverTimeout = 50 * time.Millisecond

	original := hostinfo.New(hostFor("w1"), 5432, "w1", hostinfo.RoleWriter)
	reader := hostinfo.New(hostFor("r1"), 5432, "r1", hostinfo.RoleReader)
	topo := &topology.ClusterTopology{
		Writers: []*hostinfo.HostInfo{original},
		Readers: []*hostinfo.HostInfo{reader},
	}

	result := e.Failover(context.Background(), "cluster-a", topo)
	assert.False(t, result.Connected)
}
