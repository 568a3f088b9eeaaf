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
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurorafailover/failovercore/go/fakepgdb"
	"github.com/aurorafailover/failovercore/go/hostinfo"
)

// fakeAdapter wraps a fakepgdb-backed *sql.DB as a ConnectionAdapter, the
// same seam pgadapter.Adapter fills in production.
type fakeAdapter struct {
	db *sql.DB
}

func (a *fakeAdapter) Connect(ctx context.Context, host string, port int) error { return nil }
func (a *fakeAdapter) IsConnected() bool                                        { return true }
func (a *fakeAdapter) Close() error                                             { return nil }
func (a *fakeAdapter) ErrorCode() string                                        { return "" }
func (a *fakeAdapter) MetadataQuery() string                                    { return DefaultMetadataQuery }

func (a *fakeAdapter) Query(ctx context.Context, query string) (*sql.Rows, error) {
	return a.db.QueryContext(ctx, query)
}

func newProbeResult(rows [][]interface{}) *fakepgdb.ExpectedResult {
	return &fakepgdb.ExpectedResult{
		Columns: []string{"SERVER_ID", "SESSION_ID", "REPLICA_LAG_IN_MILLISECONDS"},
		Rows:    rows,
	}
}

func testPattern(t *testing.T) hostinfo.HostPattern {
	t.Helper()
	pattern, ok := hostinfo.NewHostPattern("?.cluster-abc.us-east-1.rds.amazonaws.com")
	require.True(t, ok)
	return pattern
}

func TestServiceGetTopologyProbesOnFirstCall(t *testing.T) {
	fake := fakepgdb.New(t)
	fake.AddQuery(DefaultMetadataQuery, newProbeResult([][]interface{}{
		{"db-1", MasterSessionID, int64(0)},
		{"db-2", "replica-session", int64(12)},
	}))
	conn := &fakeAdapter{db: fake.OpenDB()}

	svc := NewService(&fakeFactory{}, nil)
	svc.Configure("mycluster", testPattern(t), 0)

	topo, err := svc.GetTopology(context.Background(), "mycluster", conn, true)
	require.NoError(t, err)
	require.NotNil(t, topo.Writer())
	assert.Equal(t, "db-1.cluster-abc.us-east-1.rds.amazonaws.com", topo.Writer().Host)
	require.Len(t, topo.Readers, 1)
	assert.Equal(t, int64(12), topo.Readers[0].ReplicaLagMillis)
	assert.False(t, topo.MultiWriter)
	assert.Equal(t, 2, topo.TotalHosts())
}

func TestServiceGetTopologyServesCachedWithoutForce(t *testing.T) {
	fake := fakepgdb.New(t)
	fake.AddQuery(DefaultMetadataQuery, newProbeResult([][]interface{}{
		{"db-1", MasterSessionID, int64(0)},
	}))
	conn := &fakeAdapter{db: fake.OpenDB()}

	svc := NewService(&fakeFactory{}, nil)
	svc.Configure("mycluster", testPattern(t), 0)

	_, err := svc.GetTopology(context.Background(), "mycluster", conn, true)
	require.NoError(t, err)

	_, err = svc.GetTopology(context.Background(), "mycluster", conn, false)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.GetQueryCalledNum(DefaultMetadataQuery), "second call within the refresh window must not re-probe")
}

func TestServiceGetTopologyServesStaleOnProbeFailure(t *testing.T) {
	fake := fakepgdb.New(t)
	fake.AddQuery(DefaultMetadataQuery, newProbeResult([][]interface{}{
		{"db-1", MasterSessionID, int64(0)},
	}))
	conn := &fakeAdapter{db: fake.OpenDB()}

	svc := NewService(&fakeFactory{}, nil)
	svc.Configure("mycluster", testPattern(t), 0)

	topo, err := svc.GetTopology(context.Background(), "mycluster", conn, true)
	require.NoError(t, err)
	require.NotNil(t, topo)

	fake.AddRejectedQuery(DefaultMetadataQuery, assert.AnError)

	topo2, err := svc.GetTopology(context.Background(), "mycluster", conn, true)
	require.NoError(t, err, "a cached topology should be served rather than the probe error")
	assert.Equal(t, topo.Writer().Host, topo2.Writer().Host)
}

func TestServiceGetTopologyErrorsWithoutCache(t *testing.T) {
	fake := fakepgdb.New(t)
	fake.AddRejectedQuery(DefaultMetadataQuery, assert.AnError)
	conn := &fakeAdapter{db: fake.OpenDB()}

	svc := NewService(&fakeFactory{}, nil)
	svc.Configure("mycluster", testPattern(t), 0)

	_, err := svc.GetTopology(context.Background(), "mycluster", conn, true)
	assert.Error(t, err)
}

func TestServiceNextReaderRoundRobinsAndSkipsDown(t *testing.T) {
	fake := fakepgdb.New(t)
	fake.AddQuery(DefaultMetadataQuery, newProbeResult([][]interface{}{
		{"db-1", MasterSessionID, int64(0)},
		{"db-2", "s", int64(0)},
		{"db-3", "s", int64(0)},
	}))
	conn := &fakeAdapter{db: fake.OpenDB()}

	svc := NewService(&fakeFactory{}, nil)
	svc.Configure("mycluster", testPattern(t), 0)
	_, err := svc.GetTopology(context.Background(), "mycluster", conn, true)
	require.NoError(t, err)

	first := svc.NextReader("mycluster")
	second := svc.NextReader("mycluster")
	assert.NotEqual(t, first.InstanceID, second.InstanceID)

	first.SetState(hostinfo.StateDown)
	svc.MarkHostDown("mycluster", first.Endpoint())

	for i := 0; i < 3; i++ {
		r := svc.NextReader("mycluster")
		assert.NotEqual(t, first.InstanceID, r.InstanceID, "a down reader must be skipped while another is available")
	}
}

func TestServiceMarkHostUpClearsDownState(t *testing.T) {
	fake := fakepgdb.New(t)
	fake.AddQuery(DefaultMetadataQuery, newProbeResult([][]interface{}{
		{"db-1", MasterSessionID, int64(0)},
		{"db-2", "s", int64(0)},
	}))
	conn := &fakeAdapter{db: fake.OpenDB()}

	svc := NewService(&fakeFactory{}, nil)
	svc.Configure("mycluster", testPattern(t), 0)
	_, err := svc.GetTopology(context.Background(), "mycluster", conn, true)
	require.NoError(t, err)

	reader := svc.NextReader("mycluster")
	svc.MarkHostDown("mycluster", reader.Endpoint())
	assert.Equal(t, hostinfo.StateDown, reader.State())

	svc.MarkHostUp("mycluster", reader.Endpoint())
	assert.Equal(t, hostinfo.StateUp, reader.State())
}

func TestServiceClearForcesReprobe(t *testing.T) {
	fake := fakepgdb.New(t)
	fake.AddQuery(DefaultMetadataQuery, newProbeResult([][]interface{}{
		{"db-1", MasterSessionID, int64(0)},
	}))
	conn := &fakeAdapter{db: fake.OpenDB()}

	svc := NewService(&fakeFactory{}, nil)
	svc.Configure("mycluster", testPattern(t), 0)
	_, err := svc.GetTopology(context.Background(), "mycluster", conn, true)
	require.NoError(t, err)

	svc.Clear("mycluster")
	_, ok := svc.GetCachedTopology("mycluster")
	assert.False(t, ok)
}

func TestClusterTopologyWriterNilOnMultiWriter(t *testing.T) {
	topo := &ClusterTopology{
		Writers: []*hostinfo.HostInfo{
			hostinfo.New("a", 5432, "a", hostinfo.RoleWriter),
			hostinfo.New("b", 5432, "b", hostinfo.RoleWriter),
		},
	}
	assert.Nil(t, topo.Writer())
	assert.Equal(t, 2, topo.TotalHosts())
}

func TestClusterTopologyNilReceiverIsSafe(t *testing.T) {
	var topo *ClusterTopology
	assert.Equal(t, 0, topo.TotalHosts())
	assert.Nil(t, topo.Writer())
}

type fakeFactory struct{}

func (fakeFactory) New() ConnectionAdapter { return nil }
