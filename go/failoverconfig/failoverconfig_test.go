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

package failoverconfig

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurorafailover/failovercore/go/viperutil"
)

func TestNewAppliesDocumentedDefaults(t *testing.T) {
	cfg := New(viperutil.NewRegistry(), "")

	assert.False(t, cfg.DisableClusterFailover.Get())
	assert.Equal(t, "", cfg.HostPattern.Get())
	assert.Equal(t, 30*time.Second, cfg.TopologyRefreshRate.Get())
	assert.Equal(t, 60*time.Second, cfg.FailoverTimeout.Get())
	assert.Equal(t, 30*time.Second, cfg.FailoverReaderConnectTimeout.Get())
	assert.Equal(t, 5*time.Second, cfg.FailoverTopologyRefreshRate.Get())
	assert.Equal(t, 5*time.Second, cfg.FailoverWriterReconnectInterval.Get())
	assert.True(t, cfg.AllowReaderConnections.Get())
	assert.False(t, cfg.GatherPerfMetrics.Get())
}

func TestNewNamespacesKeysByPrefix(t *testing.T) {
	reg := viperutil.NewRegistry()
	cfg := New(reg, "mycluster")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)

	assert.NotNil(t, fs.Lookup("failover-mycluster-disable"))
	assert.NotNil(t, fs.Lookup("failover-mycluster-host-pattern"))
}

func TestRegisterFlagsBindsParsedValues(t *testing.T) {
	reg := viperutil.NewRegistry()
	cfg := New(reg, "")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--failover-disable=true",
		"--failover-host-pattern=?.cluster-abc.us-east-1.rds.amazonaws.com",
		"--failover-timeout=90s",
		"--failover-allow-reader-connections=false",
	}))

	assert.True(t, cfg.DisableClusterFailover.Get())
	assert.Equal(t, "?.cluster-abc.us-east-1.rds.amazonaws.com", cfg.HostPattern.Get())
	assert.Equal(t, 90*time.Second, cfg.FailoverTimeout.Get())
	assert.False(t, cfg.AllowReaderConnections.Get())
}

func TestSetOverridesRegistryValue(t *testing.T) {
	cfg := New(viperutil.NewRegistry(), "")
	cfg.FailoverTimeout.Set(5 * time.Second)
	assert.Equal(t, 5*time.Second, cfg.FailoverTimeout.Get())
}
