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

// Package pgadapter implements topology.ConnectionAdapter against a real
// Aurora Postgres endpoint using database/sql and lib/pq. It is the
// production counterpart to fakepgdb, which backs the same interface in
// tests.
package pgadapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/aurorafailover/failovercore/go/topology"
)

// AuroraReplicaStatusQuery is the Aurora Postgres dialect of
// topology.DefaultMetadataQuery: aurora_replica_status() exposes the same
// writer/reader/lag information information_schema.replica_host_status
// does on the MySQL side, projected here under the same column names so a
// single ProbeRow scan works for either engine.
const AuroraReplicaStatusQuery = `
SELECT server_id AS "SERVER_ID",
       CASE WHEN session_id = 'MASTER_SESSION_ID' THEN 'MASTER_SESSION_ID' ELSE session_id END AS "SESSION_ID",
       COALESCE(replica_lag_in_msec, 0) AS "REPLICA_LAG_IN_MILLISECONDS"
  FROM aurora_replica_status()
 WHERE extract(epoch FROM (now() - last_update_timestamp)) <= 300
 ORDER BY last_update_timestamp DESC
`

// Options configures how a ConnectionFactory builds DSNs for candidate
// hosts.
type Options struct {
	User     string
	Password string
	Database string
	SSLMode  string // defaults to "require"
	// ConnectTimeoutSeconds is passed through to lib/pq's connect_timeout
	// parameter, in addition to whatever deadline ctx carries; lib/pq has
	// no context-aware dialer, so both mechanisms are needed.
	ConnectTimeoutSeconds int
}

// Factory builds Adapters that dial Aurora Postgres over lib/pq.
type Factory struct {
	opts Options
}

// NewFactory returns a topology.ConnectionFactory backed by lib/pq.
func NewFactory(opts Options) *Factory {
	if opts.SSLMode == "" {
		opts.SSLMode = "require"
	}
	if opts.ConnectTimeoutSeconds == 0 {
		opts.ConnectTimeoutSeconds = 3
	}
	return &Factory{opts: opts}
}

// New implements topology.ConnectionFactory.
func (f *Factory) New() topology.ConnectionAdapter {
	return &Adapter{opts: f.opts}
}

// Adapter implements topology.ConnectionAdapter against one physical
// Postgres endpoint at a time. It is not safe for concurrent use; the
// racing engines create one Adapter per candidate host via Factory.
type Adapter struct {
	opts     Options
	db       *sql.DB
	lastCode string
}

// Connect dials host:port, honoring ctx's deadline as the connect timeout.
func (a *Adapter) Connect(ctx context.Context, host string, port int) error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		host, port, a.opts.User, a.opts.Password, a.opts.Database, a.opts.SSLMode, a.opts.ConnectTimeoutSeconds,
	)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		a.lastCode = classify(err)
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		a.lastCode = classify(err)
		return err
	}
	a.db = db
	a.lastCode = ""
	return nil
}

// IsConnected reports whether the last Connect succeeded and Close hasn't
// been called since.
func (a *Adapter) IsConnected() bool {
	if a.db == nil {
		return false
	}
	return a.db.PingContext(context.Background()) == nil
}

// Close releases the underlying connection pool. Idempotent.
func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	db := a.db
	a.db = nil
	return db.Close()
}

// Query runs a read-only statement against the current connection.
func (a *Adapter) Query(ctx context.Context, query string) (*sql.Rows, error) {
	if a.db == nil {
		return nil, errors.New("pgadapter: not connected")
	}
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		a.lastCode = classify(err)
		return nil, err
	}
	a.lastCode = ""
	return rows, nil
}

// ErrorCode returns the SQLSTATE of the most recent error, or "" if the
// last call succeeded.
func (a *Adapter) ErrorCode() string {
	return a.lastCode
}

// MetadataQuery implements topology.ConnectionAdapter with the Aurora
// Postgres dialect of the cluster-metadata probe.
func (a *Adapter) MetadataQuery() string {
	return AuroraReplicaStatusQuery
}

// classify extracts a SQLSTATE from a lib/pq error, falling back to the
// generic connection-exception code for anything lib/pq can't classify
// (network errors, timeouts) since those are, by definition, connection
// failures from the failover core's point of view.
func classify(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return "08006"
}
