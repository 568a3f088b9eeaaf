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
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Registry holds the static and dynamic viper instances for configuration.
// This allows each service/command to have its own isolated configuration
// registry rather than relying on package-level globals.
//
// Static registry values never change after LoadConfig is called. Dynamic
// registry values can be updated by watching a config file for changes.
type Registry struct {
	// static is the registry for static config variables. These variables
	// never change once LoadConfig returns.
	static *viper.Viper

	// dynamic mirrors whatever config file was found and, once Watch is
	// called, keeps re-reading it on fsnotify events.
	dynamic *syncViper

	mu      sync.Mutex
	binders []func(*pflag.FlagSet)
}

// bindAll binds every value ever Configured against reg whose flag has
// already been registered on fs. Backs the package-level BindFlags used
// by callers (like servenv) that don't track their own Value list.
func (reg *Registry) bindAll(fs *pflag.FlagSet) {
	reg.mu.Lock()
	binders := append([]func(*pflag.FlagSet){}, reg.binders...)
	reg.mu.Unlock()
	for _, bind := range binders {
		bind(fs)
	}
}

// BindFlags binds every Value ever Configured against reg whose flag has
// already been registered on fs, for callers that hold an explicit
// Registry (rather than going through the package-level default one).
func (reg *Registry) BindFlags(fs *pflag.FlagSet) {
	reg.bindAll(fs)
}

// NewRegistry creates a new isolated configuration registry.
func NewRegistry() *Registry {
	return &Registry{
		static:  viper.New(),
		dynamic: newSyncViper(),
	}
}

// Combined returns a viper instance combining the static and dynamic
// registries, for debug handlers and similar introspection.
func (reg *Registry) Combined() *viper.Viper {
	v := viper.New()
	_ = v.MergeConfigMap(reg.static.AllSettings())
	_ = v.MergeConfigMap(reg.dynamic.allSettings())
	v.SetConfigFile(reg.static.ConfigFileUsed())
	return v
}

// syncViper is a thread-safe wrapper around a second viper instance that
// watches a config file for changes and notifies subscribers on reload.
type syncViper struct {
	mu   sync.RWMutex
	v    *viper.Viper
	subs []chan<- struct{}
}

func newSyncViper() *syncViper {
	return &syncViper{v: viper.New()}
}

func (s *syncViper) allSettings() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.AllSettings()
}

// Notify registers ch to receive a non-blocking signal every time the
// watched config file is successfully re-read. Must be called before
// Watch starts the background watcher.
func (s *syncViper) Notify(ch chan<- struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, ch)
}

func (s *syncViper) notifyAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch mirrors static's config file into the dynamic viper and, if a
// config file was actually loaded, watches it via fsnotify, re-reading no
// more often than minInterval. Returns a cancel func that stops the
// watcher goroutine.
func (s *syncViper) Watch(ctx context.Context, static *viper.Viper, minInterval time.Duration) (context.CancelFunc, error) {
	watchCtx, cancel := context.WithCancel(ctx)

	file := static.ConfigFileUsed()
	if file == "" {
		return cancel, nil
	}

	s.mu.Lock()
	s.v.SetConfigFile(file)
	_ = s.v.ReadInConfig()
	s.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return cancel, nil
	}
	if err := watcher.Add(file); err != nil {
		_ = watcher.Close()
		return cancel, nil
	}

	go func() {
		defer watcher.Close()
		var last time.Time
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if time.Since(last) < minInterval {
					continue
				}
				last = time.Now()
				s.mu.Lock()
				_ = s.v.ReadInConfig()
				s.mu.Unlock()
				s.notifyAll()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return cancel, nil
}
