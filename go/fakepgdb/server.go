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

// Package fakepgdb implements a fake SQL server driver for testing code
// that runs metadata probes and health checks against a Postgres/Aurora
// endpoint without a real network connection.
package fakepgdb

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"sync"
	"testing"
)

var (
	registerOnce sync.Once
	registryMu   sync.Mutex
	registry     = map[string]*DB{}
	nextName     int
)

// ExpectedResult is the canned result set returned for a matched query.
type ExpectedResult struct {
	Columns []string
	Rows    [][]interface{}
}

// ExpectedExecuteFetch pairs a query with its result for ordered
// expectation lists (see DB.OrderMatters).
type ExpectedExecuteFetch struct {
	Query       string
	QueryResult *ExpectedResult
	Error       error
}

type patternExpectation struct {
	re     *regexp.Regexp
	result *ExpectedResult
}

// DB is a fake Postgres/Aurora server. Register expected queries with
// AddQuery/AddQueryPattern/AddRejectedQuery, then call OpenDB to obtain a
// *sql.DB backed by an in-memory driver.Driver implementation.
type DB struct {
	t    *testing.T
	name string

	mu           sync.Mutex
	exact        map[string]*ExpectedResult
	rejected     map[string]error
	patterns     []patternExpectation
	callCount    map[string]int
	orderMatters bool
	expected     []ExpectedExecuteFetch
	nextExpected int
}

// New creates a fake server scoped to the lifetime of t.
func New(t *testing.T) *DB {
	t.Helper()
	registryMu.Lock()
	nextName++
	name := fmt.Sprintf("fakepgdb_%d", nextName)
	registryMu.Unlock()

	db := &DB{
		t:         t,
		name:      name,
		exact:     make(map[string]*ExpectedResult),
		rejected:  make(map[string]error),
		callCount: make(map[string]int),
	}

	registerOnce.Do(func() {
		sql.Register("fakepgdb", &fakeDriver{})
	})

	registryMu.Lock()
	registry[name] = db
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, name)
		registryMu.Unlock()
	})

	return db
}

// OpenDB opens a *sql.DB routed at this fake server.
func (db *DB) OpenDB() *sql.DB {
	sqlDB, err := sql.Open("fakepgdb", db.name)
	if err != nil {
		db.t.Fatalf("fakepgdb: open failed: %v", err)
	}
	return sqlDB
}

// AddQuery registers the result to return for an exact query match.
func (db *DB) AddQuery(query string, result *ExpectedResult) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.exact[query] = result
}

// AddQueryPattern registers the result to return for any query matching
// the given regular expression.
func (db *DB) AddQueryPattern(pattern string, result *ExpectedResult) {
	re := regexp.MustCompile(pattern)
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patterns = append(db.patterns, patternExpectation{re: re, result: result})
}

// AddRejectedQuery registers an error to return for an exact query match.
func (db *DB) AddRejectedQuery(query string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rejected[query] = err
}

// OrderMatters puts the fake server into ordered-expectation mode: queries
// must arrive in the exact sequence registered via AddExpectedExecuteFetch.
func (db *DB) OrderMatters() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.orderMatters = true
}

// AddExpectedExecuteFetch appends to the ordered expectation list.
func (db *DB) AddExpectedExecuteFetch(exp ExpectedExecuteFetch) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.expected = append(db.expected, exp)
}

// VerifyAllExecutedOrFail fails the test if any registered ordered
// expectation was never consumed.
func (db *DB) VerifyAllExecutedOrFail() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.nextExpected != len(db.expected) {
		db.t.Fatalf("fakepgdb: expected %d queries, got %d", len(db.expected), db.nextExpected)
	}
}

// GetQueryCalledNum returns how many times query was executed.
func (db *DB) GetQueryCalledNum(query string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.callCount[query]
}

func (db *DB) handleQuery(query string) (*ExpectedResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.callCount[query]++

	if db.orderMatters {
		if db.nextExpected >= len(db.expected) {
			return nil, fmt.Errorf("fakepgdb: unexpected query %q, no more expectations", query)
		}
		exp := db.expected[db.nextExpected]
		if exp.Query != query {
			return nil, fmt.Errorf("fakepgdb: expected query %q, got %q", exp.Query, query)
		}
		db.nextExpected++
		if exp.Error != nil {
			return nil, exp.Error
		}
		return exp.QueryResult, nil
	}

	if err, ok := db.rejected[query]; ok {
		return nil, err
	}
	if result, ok := db.exact[query]; ok {
		return result, nil
	}
	for _, p := range db.patterns {
		if p.re.MatchString(query) {
			return p.result, nil
		}
	}
	return nil, fmt.Errorf("fakepgdb: no expectation registered for query %q", query)
}

var _ driver.Driver = (*fakeDriver)(nil)
