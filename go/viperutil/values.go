// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package viperutil

import (
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Value is a single typed configuration value backed by a Registry. The
// unexported bindFlag method means only Configure can produce one.
type Value[T any] interface {
	Key() string
	Default() T
	Get() T
	Set(T)

	bindFlag(fs *pflag.FlagSet)
}

// GetFunc customizes how a Value decodes its underlying viper key, for
// types viper's default mapstructure decoding can't handle directly (see
// ConfigFileNotFoundHandling's getHandlingValue).
type GetFunc[T any] func(v *viper.Viper) func(key string) T

// Options configures a single Value at registration time.
type Options[T any] struct {
	Default  T
	FlagName string
	EnvVars  []string
	GetFunc  GetFunc[T]
}

type staticValue[T any] struct {
	reg      *Registry
	key      string
	flagName string
	getFunc  GetFunc[T]

	mu       sync.RWMutex
	def      T
	override *T
	hasOver  bool
}

// Configure registers a new Value under key in reg's static registry:
// sets its default, binds any environment variables, and remembers its
// flag name so a later call to reg's bindAll (or an explicit bindFlags)
// can wire it to a parsed flag.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	reg.static.SetDefault(key, opts.Default)
	for _, e := range opts.EnvVars {
		_ = reg.static.BindEnv(key, e)
	}
	val := &staticValue[T]{
		reg:      reg,
		key:      key,
		flagName: opts.FlagName,
		getFunc:  opts.GetFunc,
		def:      opts.Default,
	}
	reg.mu.Lock()
	reg.binders = append(reg.binders, val.bindFlag)
	reg.mu.Unlock()
	return val
}

func (v *staticValue[T]) Key() string { return v.key }

func (v *staticValue[T]) Default() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.def
}

// Get returns an explicit Set override if present, otherwise decodes the
// key from the registry's static viper (falling back to Default on
// decode failure).
func (v *staticValue[T]) Get() T {
	v.mu.RLock()
	if v.hasOver {
		defer v.mu.RUnlock()
		return *v.override
	}
	v.mu.RUnlock()

	if v.getFunc != nil {
		return v.getFunc(v.reg.static)(v.key)
	}

	var out T
	if err := v.reg.static.UnmarshalKey(v.key, &out); err != nil {
		return v.Default()
	}
	return out
}

// Set overrides Get's result with val, independent of the registry.
// Tests use this to inject values without a config file.
func (v *staticValue[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.override = &val
	v.hasOver = true
}

func (v *staticValue[T]) bindFlag(fs *pflag.FlagSet) {
	if v.flagName == "" {
		return
	}
	flag := fs.Lookup(v.flagName)
	if flag == nil {
		return
	}
	_ = v.reg.static.BindPFlag(v.key, flag)
}

// bindFlags binds the given values' flags (already registered on fs by
// the caller) into the registry, so flag values take precedence over
// config file and defaults per viper's usual precedence order.
func bindFlags(fs *pflag.FlagSet, values ...interface{ bindFlag(*pflag.FlagSet) }) {
	for _, val := range values {
		val.bindFlag(fs)
	}
}
