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

package servenv

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	viperdebug "github.com/aurorafailover/failovercore/go/viperutil/debug"
)

// The failover core is a headless library/CLI, not a dashboard, so its
// status pages are plain JSON rather than the full HTML dashboard templates.

func init() {
	HTTPHandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"process": filepath.Base(os.Args[0]),
			"links":   []string{"/config", "/live"},
		})
	})

	HTTPHandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	HTTPHandleFunc("/config", viperdebug.HandlerFunc)
}
