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

import "github.com/spf13/pflag"

// verboseErrors controls whether FailoverError.Error() includes the
// wrapped cause's message, or just this error's own message.
var verboseErrors = true

// RegisterFlags installs the flags controlling error formatting. Called
// from servenv's global flag hooks so every binary gets it for free.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&verboseErrors, "verbose-errors", verboseErrors, "include wrapped error causes in surfaced error messages")
}
