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

package viperutil

import (
	"context"

	"github.com/spf13/pflag"
)

// defaultRegistry is the process-wide registry backing the package-level
// convenience wrappers below, for callers (servenv, and any package that
// just wants "the" config without wiring its own Registry through).
var defaultRegistry = NewRegistry()

var defaultViperConfig = NewViperConfig(defaultRegistry)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// RegisterFlags installs the config-loading flags (--config-file,
// --config-path, ...) onto fs, against the default registry.
func RegisterFlags(fs *pflag.FlagSet) {
	defaultViperConfig.RegisterFlags(fs)
}

// LoadConfig loads the default registry's config file per whatever flags
// RegisterFlags installed.
func LoadConfig() (context.CancelFunc, error) {
	return defaultViperConfig.LoadConfig(defaultRegistry)
}

// NotifyConfigReload subscribes ch to the default registry's dynamic
// config reloads. Must be called before LoadConfig starts the watcher.
func NotifyConfigReload(ch chan<- struct{}) {
	defaultRegistry.dynamic.Notify(ch)
}

// BindFlags binds every value Configured against the default registry
// whose flag has already been registered on fs.
func BindFlags(fs *pflag.FlagSet) {
	defaultRegistry.bindAll(fs)
}
