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

package pgadapter

import (
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/aurorafailover/failovercore/go/topology"
)

func TestNewFactoryAppliesDefaults(t *testing.T) {
	f := NewFactory(Options{User: "app", Database: "postgres"})
	assert.Equal(t, "require", f.opts.SSLMode)
	assert.Equal(t, 3, f.opts.ConnectTimeoutSeconds)
}

func TestNewFactoryPreservesExplicitOptions(t *testing.T) {
	f := NewFactory(Options{SSLMode: "disable", ConnectTimeoutSeconds: 10})
	assert.Equal(t, "disable", f.opts.SSLMode)
	assert.Equal(t, 10, f.opts.ConnectTimeoutSeconds)
}

func TestFactoryNewReturnsUnconnectedAdapter(t *testing.T) {
	f := NewFactory(Options{})
	var conn topology.ConnectionAdapter = f.New()
	assert.False(t, conn.IsConnected())
	assert.Equal(t, "", conn.ErrorCode())
}

func TestAdapterMetadataQueryIsAuroraDialect(t *testing.T) {
	a := &Adapter{}
	assert.Equal(t, AuroraReplicaStatusQuery, a.MetadataQuery())
}

func TestAdapterCloseWithoutConnectIsNoop(t *testing.T) {
	a := &Adapter{}
	assert.NoError(t, a.Close())
}

func TestClassifyExtractsPQErrorCode(t *testing.T) {
	err := &pq.Error{Code: "57P01"}
	assert.Equal(t, "57P01", classify(err))
}

func TestClassifyFallsBackToConnectionExceptionForOpaqueErrors(t *testing.T) {
	assert.Equal(t, "08006", classify(errors.New("dial tcp: i/o timeout")))
}
