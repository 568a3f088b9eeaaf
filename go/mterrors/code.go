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

// Package mterrors implements the failover core's error taxonomy: a small
// closed set of Codes surfaced to callers as rewritten SQLSTATEs, plus a
// FailoverError wrapper carrying the original cause.
package mterrors

import (
	"errors"
	"fmt"
)

// Code classifies a failover outcome per the error handling design.
type Code int

const (
	// Benign means the triggering error was not in the 08* connection
	// exception class; it should be surfaced unmodified.
	Benign Code = iota
	// RecoverableConnectionLoss means failover succeeded with no open
	// transaction; surfaced as SQLSTATE 08S02.
	RecoverableConnectionLoss
	// UnrecoverableConnectionLoss means failover failed; surfaced as
	// SQLSTATE 08S01.
	UnrecoverableConnectionLoss
	// TransactionAbort means the 08* error occurred during an open
	// transaction; surfaced as SQLSTATE 08007 regardless of outcome.
	TransactionAbort
	// Config means the caller supplied invalid failover configuration
	// (bad host-pattern, proxy used as pattern, etc). Raised synchronously.
	Config
	// TopologyUnavailable means the metadata probe failed and no cached
	// topology could serve as a fallback.
	TopologyUnavailable
)

func (c Code) String() string {
	switch c {
	case Benign:
		return "BENIGN"
	case RecoverableConnectionLoss:
		return "RECOVERABLE_CONNECTION_LOSS"
	case UnrecoverableConnectionLoss:
		return "UNRECOVERABLE_CONNECTION_LOSS"
	case TransactionAbort:
		return "TRANSACTION_ABORT"
	case Config:
		return "CONFIG"
	case TopologyUnavailable:
		return "TOPOLOGY_UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// SQLSTATE returns the SQLSTATE the dispatcher should surface for this
// code, or "" for codes that do not carry one (Config, TopologyUnavailable
// bubble up as ordinary Go errors, not rewritten SQLSTATEs).
func (c Code) SQLSTATE() string {
	switch c {
	case RecoverableConnectionLoss:
		return "08S02"
	case UnrecoverableConnectionLoss:
		return "08S01"
	case TransactionAbort:
		return "08007"
	default:
		return ""
	}
}

// FailoverError is the error type returned by every failover-core
// operation that fails. It pairs a Code with the underlying cause so
// callers can both branch on Code and log/wrap the original error.
type FailoverError struct {
	Code Code
	msg  string
	err  error
}

func (e *FailoverError) Error() string {
	if e.err != nil && verboseErrors {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

// Unwrap allows errors.Is/errors.As to see through to the underlying cause.
func (e *FailoverError) Unwrap() error {
	return e.err
}

// New creates a FailoverError with a static message.
func New(code Code, msg string) *FailoverError {
	return &FailoverError{Code: code, msg: msg}
}

// Errorf creates a FailoverError with a formatted message.
func Errorf(code Code, format string, args ...any) *FailoverError {
	return &FailoverError{Code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a FailoverError that carries an underlying cause.
func Wrap(code Code, err error, msg string) *FailoverError {
	if err == nil {
		return nil
	}
	return &FailoverError{Code: code, msg: msg, err: err}
}

// Wrapf creates a FailoverError that carries an underlying cause with a
// formatted message.
func Wrapf(code Code, err error, format string, args ...any) *FailoverError {
	if err == nil {
		return nil
	}
	return &FailoverError{Code: code, msg: fmt.Sprintf(format, args...), err: err}
}

// CodeOf extracts the Code from err if it (or something it wraps) is a
// *FailoverError, otherwise returns Benign.
func CodeOf(err error) Code {
	var fe *FailoverError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Benign
}
