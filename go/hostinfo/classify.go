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

package hostinfo

import (
	"regexp"
	"strings"

	"github.com/aurorafailover/failovercore/go/mterrors"
)

// DSNKind is the result of classifying a DSN's server host at connect
// time, before any topology probe.
type DSNKind int

const (
	// KindUnknown covers literal IPs and custom CNAMEs: failover needs a
	// user-supplied host-pattern.
	KindUnknown DSNKind = iota
	KindAuroraDNS
	KindAuroraProxy
	KindAuroraCustomCluster
)

var auroraDNSPattern = regexp.MustCompile(
	`(?i)^(.+)\.(proxy-|cluster-|cluster-ro-|cluster-custom-)?([a-z0-9]+\.[a-z0-9-]+\.rds\.amazonaws\.com)$`,
)

// ClassifyResult is what host classification decides about a DSN server
// before init_cluster_info runs.
type ClassifyResult struct {
	Kind DSNKind

	// FailoverDisabled is true for proxy and custom-cluster endpoints,
	// which manage their own routing.
	FailoverDisabled bool

	// Pattern is the derived instance host-pattern for AURORA_DNS/
	// AURORA_CUSTOM_CLUSTER kinds ("?.<suffix>"); zero value otherwise.
	Pattern HostPattern

	// ClusterID is a stable identity derived from the cluster host URL,
	// used as the TopologyCache key when the caller supplies none.
	// Grounded on the original driver's use of the full cluster DNS name
	// as the default cluster identity (see SPEC_FULL.md §12).
	ClusterID string
}

// ClassifyHost applies the DSN classification rules of the failover
// dispatcher's init path: given the server host from a DSN, decide the
// DSNKind, whether failover is disabled outright, and (when derivable)
// the instance host-pattern and cluster id.
func ClassifyHost(host string) ClassifyResult {
	m := auroraDNSPattern.FindStringSubmatch(host)
	if m == nil {
		return ClassifyResult{Kind: KindUnknown}
	}

	prefix := m[2]
	suffix := m[3]

	switch prefix {
	case "proxy-":
		return ClassifyResult{Kind: KindAuroraProxy, FailoverDisabled: true}
	case "cluster-custom-":
		pattern, _ := NewHostPattern("?." + suffix)
		return ClassifyResult{
			Kind:             KindAuroraCustomCluster,
			FailoverDisabled: true,
			Pattern:          pattern,
			ClusterID:        host,
		}
	default:
		// "cluster-", "cluster-ro-", or no prefix at all (plain instance
		// endpoint) are all AURORA_DNS for the purposes of failover
		// eligibility; only proxy and custom-cluster disable failover.
		pattern, _ := NewHostPattern("?." + suffix)
		return ClassifyResult{
			Kind:      KindAuroraDNS,
			Pattern:   pattern,
			ClusterID: host,
		}
	}
}

// ValidateUserHostPattern enforces the rule that a user-supplied
// host-pattern must contain a literal "?" placeholder, raising a Config
// error otherwise.
func ValidateUserHostPattern(pattern string) (HostPattern, error) {
	hp, ok := NewHostPattern(pattern)
	if !ok {
		return HostPattern{}, mterrors.Errorf(mterrors.Config,
			"host-pattern %q must contain exactly one '?' placeholder", pattern)
	}
	return hp, nil
}

// ipv4Pattern matches dotted-quad literal IPv4 addresses.
var ipv4Pattern = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)

// ipv6Pattern matches both expanded and compressed IPv6 literals loosely
// (this classifier only needs to know "this is a literal address, not a
// DNS name", not to fully validate the address).
var ipv6Pattern = regexp.MustCompile(`^[0-9a-fA-F:]+$`)

// IsLiteralAddress reports whether host is an IPv4 or IPv6 literal, which
// per §4.5 always requires an explicit user-supplied host-pattern.
func IsLiteralAddress(host string) bool {
	if ipv4Pattern.MatchString(host) {
		return true
	}
	return strings.Contains(host, ":") && ipv6Pattern.MatchString(host)
}
