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
)

// MasterSessionID is the sentinel value the metadata probe uses in its
// session-id column to mark the writer row, independent of engine
// (MySQL's SESSION_ID() vs a Postgres equivalent both alias to this name
// in the probe's projection).
const MasterSessionID = "MASTER_SESSION_ID"

// DefaultMetadataQuery is the cluster-metadata probe statement, kept
// close to the metadata wire protocol's definition: SERVER_ID,
// SESSION_ID, REPLICA_LAG_IN_MILLISECONDS from the replica-status view,
// restricted to rows updated in the last 5 minutes, most recent first.
// LAST_UPDATE_TIMESTAMP drives the WHERE/ORDER BY but isn't projected,
// since ProbeRow has no field for it.
//
// A concrete ConnectionAdapter is free to issue a dialect-appropriate
// equivalent internally (see pgadapter, which targets Aurora Postgres'
// aurora_replica_status() instead) as long as it returns rows shaped like
// ProbeRow, with MasterSessionID identifying the writer row.
const DefaultMetadataQuery = `
SELECT SERVER_ID, SESSION_ID, REPLICA_LAG_IN_MILLISECONDS
  FROM information_schema.replica_host_status
 WHERE time_to_sec(timediff(now(), LAST_UPDATE_TIMESTAMP)) <= 300
 ORDER BY LAST_UPDATE_TIMESTAMP DESC
`

// ProbeRow is one row of the metadata probe result, engine-agnostic.
type ProbeRow struct {
	InstanceID       string
	SessionID        string
	ReplicaLagMillis int64
}

// ConnectionAdapter is the seam between the failover core and an actual
// database connection. Engines connect, probe metadata, and issue test
// queries through this interface instead of touching database/sql
// directly, so the racing logic can be exercised against fakepgdb without
// a real cluster.
type ConnectionAdapter interface {
	// Connect dials host:port, honoring ctx's deadline as the connect
	// timeout.
	Connect(ctx context.Context, host string, port int) error

	// IsConnected reports whether the last Connect succeeded and Close
	// hasn't been called since.
	IsConnected() bool

	// Close releases the underlying connection. Idempotent.
	Close() error

	// Query runs a read-only statement, used both for the metadata probe
	// and for a writer/reader liveness check (e.g. "SELECT 1").
	Query(ctx context.Context, query string) (*sql.Rows, error)

	// ErrorCode returns the SQLSTATE of the most recent error returned by
	// Connect or Query, or "" if the last call succeeded.
	ErrorCode() string

	// MetadataQuery returns the dialect-appropriate cluster-metadata probe
	// statement for this adapter's target engine (see DefaultMetadataQuery).
	// Service.probe issues whatever this returns rather than assuming one
	// fixed SQL dialect, since a ConnectionFactory can point at either a
	// MySQL-compatible or Postgres-compatible metadata view.
	MetadataQuery() string
}

// ConnectionFactory produces fresh, unconnected ConnectionAdapter
// instances. Racing engines need one adapter per candidate host, so they
// ask the factory rather than sharing or cloning a single adapter.
type ConnectionFactory interface {
	New() ConnectionAdapter
}
