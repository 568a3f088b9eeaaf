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

// Package dispatcher classifies driver-level SQLSTATE errors, routes
// them to reader or writer failover, and rewrites the surfaced error
// code per the decision table.
package dispatcher

import (
	"context"
	"log/slog"

	"github.com/aurorafailover/failovercore/go/hostinfo"
	"github.com/aurorafailover/failovercore/go/mterrors"
	"github.com/aurorafailover/failovercore/go/readerfailover"
	"github.com/aurorafailover/failovercore/go/topology"
	"github.com/aurorafailover/failovercore/go/writerfailover"
)

const (
	codeRecoverable   = "08S02"
	codeUnrecoverable = "08S01"
	codeTxnAbort      = "08007"
)

// Session is the caller-side state the dispatcher reads at dispatch time:
// autocommit and transaction status live in the external driver layer, not
// in this package.
type Session struct {
	Autocommit      bool
	TransactionOpen bool
}

// transactionInProgress is the logical OR the dispatcher applies for §4.4's
// open-transaction detection.
func (s Session) transactionInProgress() bool {
	return !s.Autocommit || s.TransactionOpen
}

// Dispatcher wires the reader and writer engines to a topology service
// and decides, per error, which one to invoke.
type Dispatcher struct {
	topo    *topology.Service
	readers *readerfailover.Engine
	writers *writerfailover.Engine
	log     *slog.Logger

	FailoverDisabled       bool
	AllowReaderConnections bool

	// CurrentHost/CurrentConn are adopted on a successful failover; the
	// caller reads them back after TriggerFailoverIfNeeded returns.
	CurrentHost *hostinfo.HostInfo
	CurrentConn topology.ConnectionAdapter
}

// New creates a Dispatcher over the given engines and topology service.
func New(topo *topology.Service, readers *readerfailover.Engine, writers *writerfailover.Engine, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{topo: topo, readers: readers, writers: writers, log: log}
}

// TriggerFailoverIfNeeded is the dispatcher's entry point: given the
// driver's raw SQLSTATE and the current session state, decide whether to
// no-op, run reader failover, or run writer failover, and return the
// rewritten error code.
func (d *Dispatcher) TriggerFailoverIfNeeded(ctx context.Context, id topology.ClusterID, errorCode string, session Session) (didFailover bool, newErrorCode string) {
	if d.FailoverDisabled || errorCode == "" {
		return false, errorCode
	}
	if !mterrors.IsConnectionException(errorCode) {
		return false, errorCode
	}

	t, ok := d.topo.GetCachedTopology(id)
	if !ok || t == nil {
		return false, errorCode
	}

	var recovered bool
	if t.TotalHosts() > 1 && d.AllowReaderConnections {
		recovered = d.doReaderFailover(ctx, id, t)
	} else {
		recovered = d.doWriterFailover(ctx, id, t)
	}

	code := codeUnrecoverable
	if recovered {
		code = codeRecoverable
	}
	if session.transactionInProgress() {
		code = codeTxnAbort
	}
	return true, code
}

func (d *Dispatcher) doReaderFailover(ctx context.Context, id topology.ClusterID, t *topology.ClusterTopology) bool {
	r := d.readers.Failover(ctx, id, t)
	if !r.Connected {
		return false
	}
	d.CurrentHost = r.Host
	d.CurrentConn = r.Conn
	return true
}

func (d *Dispatcher) doWriterFailover(ctx context.Context, id topology.ClusterID, t *topology.ClusterTopology) bool {
	r := d.writers.Failover(ctx, id, t)
	if !r.Connected {
		return false
	}
	d.CurrentHost = r.Host
	d.CurrentConn = r.Conn
	if r.IsNewHost && r.Topology != nil {
		d.topo.Adopt(id, r.Topology)
	}
	return true
}
