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

// Command failoverctl runs the failover core as a standalone service: it
// probes a cluster's topology on a timer, exposes the cached topology and
// dispatcher state over HTTP, and drives reader/writer failover the same
// way a driver's dispatcher would on a connection error.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aurorafailover/failovercore/go/dispatcher"
	"github.com/aurorafailover/failovercore/go/failoverconfig"
	"github.com/aurorafailover/failovercore/go/failovermetrics"
	"github.com/aurorafailover/failovercore/go/hostinfo"
	"github.com/aurorafailover/failovercore/go/pgadapter"
	"github.com/aurorafailover/failovercore/go/readerfailover"
	"github.com/aurorafailover/failovercore/go/servenv"
	"github.com/aurorafailover/failovercore/go/tools/retry"
	"github.com/aurorafailover/failovercore/go/tools/telemetry"
	"github.com/aurorafailover/failovercore/go/tools/timer"
	"github.com/aurorafailover/failovercore/go/topology"
	"github.com/aurorafailover/failovercore/go/viperutil"
	"github.com/aurorafailover/failovercore/go/writerfailover"
)

// maxSeedConnectAttempts bounds the initial connection's retry loop so a
// permanently unreachable cluster host fails the process instead of
// retrying forever.
const maxSeedConnectAttempts = 5

var (
	clusterHost string
	clusterPort int
	pgUser      string
	pgPassword  string
	pgDatabase  string
)

// reg is the process-wide viperutil registry; cfg is registered against
// it in main(), before servenv builds the cobra command's flag set, so
// its flags (--failover-*) show up alongside the built-in servenv ones.
var (
	reg = viperutil.DefaultRegistry()
	cfg = failoverconfig.New(reg, "")
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "failoverctl",
		Short: "Run the failover core against an Aurora Postgres cluster",
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Probe the cluster on a timer and serve topology/dispatcher state over HTTP",
		PreRunE: servenv.CobraPreRunE,
		RunE:    runServe,
	}
	serveCmd.Flags().StringVar(&clusterHost, "cluster-host", "", "cluster writer endpoint, e.g. mycluster.cluster-abc123.us-east-1.rds.amazonaws.com")
	serveCmd.Flags().IntVar(&clusterPort, "cluster-port", 5432, "cluster port")
	serveCmd.Flags().StringVar(&pgUser, "pg-user", "", "Postgres user")
	serveCmd.Flags().StringVar(&pgPassword, "pg-password", "", "Postgres password")
	serveCmd.Flags().StringVar(&pgDatabase, "pg-database", "postgres", "Postgres database")
	_ = serveCmd.MarkFlagRequired("cluster-host")

	servenv.OnParseFor("serve", cfg.RegisterFlags)
	servenv.RegisterServiceCmd(serveCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	tel := telemetry.NewTelemetry()
	if err := tel.InitTelemetry(ctx, "failoverctl"); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer tel.ShutdownTelemetry(ctx)

	result := hostinfo.ClassifyHost(clusterHost)
	if result.Kind == hostinfo.KindUnknown && cfg.HostPattern.Get() == "" {
		return fmt.Errorf("cluster host %q is not a recognized Aurora endpoint; pass --failover-host-pattern", clusterHost)
	}
	if hostinfo.IsLiteralAddress(clusterHost) && cfg.HostPattern.Get() == "" {
		return fmt.Errorf("cluster host %q is a literal address; pass --failover-host-pattern", clusterHost)
	}
	pattern := result.Pattern
	if raw := cfg.HostPattern.Get(); raw != "" {
		p, err := hostinfo.ValidateUserHostPattern(raw)
		if err != nil {
			return fmt.Errorf("invalid --failover-host-pattern: %w", err)
		}
		pattern = p
	}

	clusterID := topology.ClusterID(result.ClusterID)
	if id := cfg.ClusterID.Get(); id != "" {
		clusterID = topology.ClusterID(id)
	}

	factory := pgadapter.NewFactory(pgadapter.Options{
		User:     pgUser,
		Password: pgPassword,
		Database: pgDatabase,
	})

	log := slog.Default()
	topo := topology.NewService(factory, log)
	topo.Configure(clusterID, pattern, cfg.TopologyRefreshRate.Get())

	seed := factory.New()
	var connectErr error
	for attempt, rerr := range retry.New(200*time.Millisecond, 5*time.Second).Attempts(ctx) {
		if rerr != nil {
			connectErr = rerr
			break
		}
		connectErr = seed.Connect(ctx, clusterHost, clusterPort)
		if connectErr == nil {
			break
		}
		log.Warn("initial connection attempt failed, retrying", "attempt", attempt, "err", connectErr)
		if attempt >= maxSeedConnectAttempts {
			break
		}
	}
	if connectErr != nil {
		return fmt.Errorf("initial connection to %s:%d: %w", clusterHost, clusterPort, connectErr)
	}
	if _, err := topo.GetTopology(ctx, clusterID, seed, true); err != nil {
		seed.Close()
		return fmt.Errorf("initial topology probe: %w", err)
	}
	seed.Close()

	var metrics *failovermetrics.Recorder
	if cfg.GatherPerfMetrics.Get() {
		m, err := failovermetrics.New(tel.GetMeterProvider())
		if err != nil {
			return fmt.Errorf("init failover metrics: %w", err)
		}
		metrics = m
	}

	readers := readerfailover.New(factory, topo, log)
	readers.ConnectTimeout = cfg.FailoverReaderConnectTimeout.Get()
	readers.MaxFailoverWindow = cfg.FailoverTimeout.Get()
	readers.Metrics = metrics

	writers := writerfailover.New(factory, topo, readers, log)
	writers.ReconnectInterval = cfg.FailoverWriterReconnectInterval.Get()
	writers.ReadTopologyInterval = cfg.FailoverTopologyRefreshRate.Get()
	writers.FailoverTimeout = cfg.FailoverTimeout.Get()
	writers.Metrics = metrics

	disp := dispatcher.New(topo, readers, writers, log)
	disp.FailoverDisabled = cfg.DisableClusterFailover.Get() || result.FailoverDisabled
	disp.AllowReaderConnections = cfg.AllowReaderConnections.Get()

	sv := servenv.NewServEnvWithRegistry(reg)
	sv.HTTPHandleFunc("/clusters/"+string(clusterID), func(w http.ResponseWriter, r *http.Request) {
		t, ok := topo.GetCachedTopology(clusterID)
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no cached topology"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"cluster_id":   string(clusterID),
			"writer":       t.Writer(),
			"reader_count": len(t.Readers),
			"total_hosts":  t.TotalHosts(),
		})
	})

	sv.HTTPHandleFunc("/clusters/"+string(clusterID)+"/dispatch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ErrorCode       string `json:"error_code"`
			Autocommit      bool   `json:"autocommit"`
			TransactionOpen bool   `json:"transaction_open"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		didFailover, newCode := disp.TriggerFailoverIfNeeded(r.Context(), clusterID, req.ErrorCode, dispatcher.Session{
			Autocommit:      req.Autocommit,
			TransactionOpen: req.TransactionOpen,
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"did_failover":   didFailover,
			"new_error_code": newCode,
			"current_host":   disp.CurrentHost,
		})
	})

	sv.OnRun(func() {
		go pollTopology(ctx, topo, clusterID, factory, cfg.TopologyRefreshRate.Get(), log)
	})

	sv.Run(servenv.BindAddress(), servenv.HTTPPort(), &servenv.GrpcServer{})
	return nil
}

// pollTopology issues a metadata probe against the current writer on a
// timer, keeping the cache fresh even without any connection-error
// triggered failover. Runs until ctx is cancelled, then drains any
// in-flight probe before returning.
func pollTopology(ctx context.Context, topo *topology.Service, id topology.ClusterID, factory topology.ConnectionFactory, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	runner := timer.NewPeriodicRunner(ctx, interval)
	runner.Start(func(ctx context.Context) {
		t, ok := topo.GetCachedTopology(id)
		if !ok || t.Writer() == nil {
			return
		}
		w := t.Writer()
		conn := factory.New()
		if err := conn.Connect(ctx, w.Host, w.Port); err != nil {
			log.Warn("periodic topology probe: connect failed", "cluster_id", id, "err", err)
			return
		}
		defer conn.Close()
		if _, err := topo.GetTopology(ctx, id, conn, true); err != nil {
			log.Warn("periodic topology probe: refresh failed", "cluster_id", id, "err", err)
		}
	}, nil)

	<-ctx.Done()
	runner.Stop()
}
