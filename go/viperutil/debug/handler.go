// Copyright 2023 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modifications Copyright 2025 Supabase, Inc.

package debug

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/pflag"

	"github.com/aurorafailover/failovercore/go/viperutil"
)

// AllSettings returns every key/value visible in the default registry's
// combined (static+dynamic) view, for logging on config reload.
func AllSettings() map[string]any {
	return viperutil.DefaultRegistry().Combined().AllSettings()
}

// HandlerFunc renders the default registry's combined config as JSON,
// for debugging purposes. Registered directly as an http.HandlerFunc.
//
// Example request: GET /config
func HandlerFunc(w http.ResponseWriter, r *http.Request) {
	RegistryHandlerFunc(viperutil.DefaultRegistry())(w, r)
}

// RegistryHandlerFunc is HandlerFunc parameterized over an explicit
// registry, for callers that don't want the process-wide default.
func RegistryHandlerFunc(reg *viperutil.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := reg.Combined()

		flags := make(map[string]string)
		pflag.CommandLine.VisitAll(func(flag *pflag.Flag) {
			if flag.Changed {
				flags[flag.Name] = flag.Value.String()
			}
		})

		w.Header().Set("Content-Type", "application/json")
		response := map[string]any{
			"command_line_flags": flags,
			"viper_config":       v.AllSettings(),
			"process":            os.Args[0],
		}

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			http.Error(w, fmt.Sprintf("failed to encode JSON: %v", err), http.StatusInternalServerError)
		}
	}
}
