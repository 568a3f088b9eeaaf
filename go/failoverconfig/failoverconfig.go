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

// Package failoverconfig declares the failover core's viperutil-backed
// configuration surface: every knob a caller can set per cluster via
// flag, environment variable, or config file, plus dynamic-reload
// notification for the ones that are safe to change at runtime.
package failoverconfig

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/aurorafailover/failovercore/go/viperutil"
)

// Config holds one cluster's worth of failover-core settings, each backed
// by a viperutil.Value so it participates in flag/env/file layering and
// (for the dynamic knobs) live config reload.
type Config struct {
	reg        *viperutil.Registry
	flagPrefix string

	// DisableClusterFailover turns off all failover behavior for this
	// cluster; TriggerFailoverIfNeeded becomes a no-op.
	DisableClusterFailover viperutil.Value[bool]

	// HostPattern is the "?.<suffix>" template used to synthesize instance
	// endpoints from the metadata probe's instance ids. Required when the
	// DSN host is a literal IP address or is not a recognized Aurora
	// endpoint (hostinfo.KindUnknown); otherwise the classified pattern is
	// used when this is empty.
	HostPattern viperutil.Value[string]

	// ClusterID overrides the default cluster identity (the DSN's cluster
	// host) used as the TopologyCache key.
	ClusterID viperutil.Value[string]

	// TopologyRefreshRate is the soft-freshness window: a cached topology
	// younger than this is served without a probe.
	TopologyRefreshRate viperutil.Value[time.Duration]

	// FailoverTimeout bounds a whole Failover() call, reader or writer.
	FailoverTimeout viperutil.Value[time.Duration]

	// FailoverReaderConnectTimeout bounds each individual candidate
	// connect attempt inside the reader-failover race.
	FailoverReaderConnectTimeout viperutil.Value[time.Duration]

	// FailoverTopologyRefreshRate bounds the poll interval writer-failover
	// uses while waiting for a topology change to reveal a new writer.
	FailoverTopologyRefreshRate viperutil.Value[time.Duration]

	// FailoverWriterReconnectInterval bounds the retry interval between
	// reconnect attempts to the original writer endpoint.
	FailoverWriterReconnectInterval viperutil.Value[time.Duration]

	// AllowReaderConnections gates whether the dispatcher may route a
	// failed writer connection to a reader failover instead of a writer
	// failover, per §4.4's decision table.
	AllowReaderConnections viperutil.Value[bool]

	// GatherPerfMetrics turns on the OpenTelemetry counters/histograms
	// failovermetrics exposes for each failover attempt.
	GatherPerfMetrics viperutil.Value[bool]
}

// New registers this cluster's configuration keys into reg, namespaced
// under "failover.<prefix>.", and returns the resulting Config. prefix is
// typically the cluster id or a caller-chosen short name; passing "" is
// valid for a single-cluster process.
func New(reg *viperutil.Registry, prefix string) *Config {
	ns := "failover"
	flagPrefix := "failover"
	if prefix != "" {
		ns = "failover." + prefix
		flagPrefix = "failover-" + prefix
	}

	return &Config{
		reg:        reg,
		flagPrefix: flagPrefix,
		DisableClusterFailover: viperutil.Configure(reg, ns+".disable_cluster_failover", viperutil.Options[bool]{
			Default:  false,
			FlagName: flagPrefix + "-disable",
			EnvVars:  []string{"FAILOVERCORE_DISABLE_FAILOVER"},
		}),
		HostPattern: viperutil.Configure(reg, ns+".host_pattern", viperutil.Options[string]{
			FlagName: flagPrefix + "-host-pattern",
			EnvVars:  []string{"FAILOVERCORE_HOST_PATTERN"},
		}),
		ClusterID: viperutil.Configure(reg, ns+".cluster_id", viperutil.Options[string]{
			FlagName: flagPrefix + "-cluster-id",
			EnvVars:  []string{"FAILOVERCORE_CLUSTER_ID"},
		}),
		TopologyRefreshRate: viperutil.Configure(reg, ns+".topology_refresh_rate", viperutil.Options[time.Duration]{
			Default:  30 * time.Second,
			FlagName: flagPrefix + "-topology-refresh-rate",
		}),
		FailoverTimeout: viperutil.Configure(reg, ns+".failover_timeout", viperutil.Options[time.Duration]{
			Default:  60 * time.Second,
			FlagName: flagPrefix + "-timeout",
		}),
		FailoverReaderConnectTimeout: viperutil.Configure(reg, ns+".failover_reader_connect_timeout", viperutil.Options[time.Duration]{
			Default:  30 * time.Second,
			FlagName: flagPrefix + "-reader-connect-timeout",
		}),
		FailoverTopologyRefreshRate: viperutil.Configure(reg, ns+".failover_topology_refresh_rate", viperutil.Options[time.Duration]{
			Default:  5 * time.Second,
			FlagName: flagPrefix + "-writer-topology-refresh-rate",
		}),
		FailoverWriterReconnectInterval: viperutil.Configure(reg, ns+".failover_writer_reconnect_interval", viperutil.Options[time.Duration]{
			Default:  5 * time.Second,
			FlagName: flagPrefix + "-writer-reconnect-interval",
		}),
		AllowReaderConnections: viperutil.Configure(reg, ns+".allow_reader_connections", viperutil.Options[bool]{
			Default:  true,
			FlagName: flagPrefix + "-allow-reader-connections",
		}),
		GatherPerfMetrics: viperutil.Configure(reg, ns+".gather_perf_metrics", viperutil.Options[bool]{
			Default:  false,
			FlagName: flagPrefix + "-gather-perf-metrics",
		}),
	}
}

// RegisterFlags installs every field's flag into fs, mirroring the
// pattern viperutil.ViperConfig.RegisterFlags uses for its own flags, then
// binds them into this Config's registry so parsed flag values win over
// config file and defaults.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	p := c.flagPrefix
	fs.Bool(p+"-disable", c.DisableClusterFailover.Default(), "Disable all failover behavior for this cluster.")
	fs.String(p+"-host-pattern", c.HostPattern.Default(), "Instance host pattern, e.g. \"?.cluster-abc123.us-east-1.rds.amazonaws.com\".")
	fs.String(p+"-cluster-id", c.ClusterID.Default(), "Override the cluster identity used as the topology cache key.")
	fs.Duration(p+"-topology-refresh-rate", c.TopologyRefreshRate.Default(), "Minimum interval between topology probes.")
	fs.Duration(p+"-timeout", c.FailoverTimeout.Default(), "Overall deadline for a single failover attempt.")
	fs.Duration(p+"-reader-connect-timeout", c.FailoverReaderConnectTimeout.Default(), "Per-candidate connect timeout during reader failover.")
	fs.Duration(p+"-writer-topology-refresh-rate", c.FailoverTopologyRefreshRate.Default(), "Topology poll interval while waiting for a new writer.")
	fs.Duration(p+"-writer-reconnect-interval", c.FailoverWriterReconnectInterval.Default(), "Retry interval reconnecting to the original writer endpoint.")
	fs.Bool(p+"-allow-reader-connections", c.AllowReaderConnections.Default(), "Allow routing a failed writer connection to a reader instead.")
	fs.Bool(p+"-gather-perf-metrics", c.GatherPerfMetrics.Default(), "Record OpenTelemetry metrics for failover attempts.")

	c.reg.BindFlags(fs)
}
