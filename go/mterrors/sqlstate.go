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

package mterrors

// connectionExceptionClass is the SQLSTATE class ("08") ANSI reserves for
// connection-exception conditions.
const connectionExceptionClass = "08"

// SQLSTATEClass returns the first two characters of a SQLSTATE code, or ""
// if code is shorter than that.
func SQLSTATEClass(code string) string {
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}

// IsConnectionException reports whether code belongs to the 08* class the
// dispatcher treats as failover-eligible.
func IsConnectionException(code string) bool {
	return code != "" && SQLSTATEClass(code) == connectionExceptionClass
}
