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

// Package failovermetrics records OpenTelemetry counters and histograms
// for failover attempts, gated behind failoverconfig's GatherPerfMetrics
// knob so an operator who doesn't want the overhead can turn it off.
package failovermetrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/aurorafailover/failovercore/go/failovermetrics"

// Kind distinguishes reader failover from writer failover in recorded
// attributes.
type Kind string

const (
	KindReader Kind = "reader"
	KindWriter Kind = "writer"
)

// Recorder records the outcome and latency of failover attempts. A nil
// *Recorder is valid and records nothing, so callers can construct one
// unconditionally and only skip New when GatherPerfMetrics is off.
type Recorder struct {
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Recorder backed by provider. Returns an error only if the
// underlying OpenTelemetry instrument creation fails.
func New(provider metric.MeterProvider) (*Recorder, error) {
	meter := provider.Meter(meterName)

	attempts, err := meter.Int64Counter(
		"failover.attempts",
		metric.WithDescription("Number of failover attempts, by kind and outcome."),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"failover.duration",
		metric.WithDescription("Wall-clock duration of a failover attempt."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{attempts: attempts, duration: duration}, nil
}

// Record adds one observation for a completed failover attempt of the
// given kind, cluster, outcome, and elapsed duration. Safe to call on a
// nil *Recorder.
func (r *Recorder) Record(ctx context.Context, kind Kind, clusterID string, connected bool, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := attribute.NewSet(
		attribute.String("kind", string(kind)),
		attribute.String("cluster_id", clusterID),
		attribute.Bool("connected", connected),
	)
	r.attempts.Add(ctx, 1, metric.WithAttributeSet(attrs))
	r.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributeSet(attrs))
}
