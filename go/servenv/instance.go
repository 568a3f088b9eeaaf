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
	"net/http"
	"net/url"
	"time"

	"github.com/aurorafailover/failovercore/go/tools/event"
	"github.com/aurorafailover/failovercore/go/viperutil"

	"github.com/spf13/pflag"
)

// ServEnv bundles the per-process server state (mux, logger, hooks,
// listening address) that the package-level API above manages as
// globals. New entrypoints should prefer constructing one of these
// over relying on the global functions, which remain for callers that
// haven't migrated yet.
type ServEnv struct {
	reg *viperutil.Registry
	mux *http.ServeMux
	lg  *Logger

	HTTPPort  viperutil.Value[int]
	pidFile   viperutil.Value[string]
	pprofFlag viperutil.Value[[]string]
	httpPprof bool

	Timeouts *TimeoutFlags

	OnRunHooks      event.Hooks
	OnTermHooks     event.Hooks
	onTermSyncHooks event.Hooks
	onCloseHooks    event.Hooks
	onInitHooks     event.Hooks

	ListeningURL url.URL
}

// NewServEnv builds a ServEnv against the default viperutil registry.
func NewServEnv() *ServEnv {
	return NewServEnvWithRegistry(viperutil.DefaultRegistry())
}

// NewServEnvWithRegistry builds a ServEnv against an explicit registry,
// for callers (mainly tests) that want an isolated flag/config surface.
func NewServEnvWithRegistry(reg *viperutil.Registry) *ServEnv {
	return &ServEnv{
		reg: reg,
		mux: http.NewServeMux(),
		lg:  NewLogger(reg),
		HTTPPort: viperutil.Configure(reg, "http-port", viperutil.Options[int]{
			Default:  0,
			FlagName: "http-port",
		}),
		pidFile: viperutil.Configure(reg, "pid-file", viperutil.Options[string]{
			Default:  "",
			FlagName: "pid-file",
		}),
		pprofFlag: viperutil.Configure(reg, "pprof", viperutil.Options[[]string]{
			Default:  nil,
			FlagName: "pprof",
		}),
		Timeouts: &TimeoutFlags{
			LameduckPeriod: 50 * time.Millisecond,
			OnTermTimeout:  10 * time.Second,
			OnCloseTimeout: 10 * time.Second,
		},
	}
}

// RegisterFlags installs the flags this ServEnv instance owns and binds
// them into its registry. Call before ParseFlags.
func (sv *ServEnv) RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("http-port", sv.HTTPPort.Default(), "HTTP port for the server")
	fs.String("pid-file", sv.pidFile.Default(), "If set, the process will write its pid to the named file, and delete it on graceful shutdown.")
	fs.StringSlice("pprof", sv.pprofFlag.Default(), "enable profiling, one of [cpu, mem, mutex, block, trace, threads, goroutine]")
	fs.BoolVar(&sv.httpPprof, "http-pprof", sv.httpPprof, "expose pprof endpoints under /debug/pprof/ on the HTTP mux")
	fs.DurationVar(&sv.Timeouts.LameduckPeriod, "lameduck-period", sv.Timeouts.LameduckPeriod, "keep running at least this long after SIGTERM before stopping")
	fs.DurationVar(&sv.Timeouts.OnTermTimeout, "onterm-timeout", sv.Timeouts.OnTermTimeout, "wait no more than this for OnTermSync handlers before stopping")
	fs.DurationVar(&sv.Timeouts.OnCloseTimeout, "onclose-timeout", sv.Timeouts.OnCloseTimeout, "wait no more than this for OnClose handlers before stopping")
	sv.lg.RegisterFlags(fs)
	sv.reg.BindFlags(fs)

	sv.registerPidFile()
}

// OnInit registers f to run once, at the start of the instance's
// lifecycle, before Run begins serving.
func (sv *ServEnv) OnInit(f func()) {
	sv.onInitHooks.Add(f)
}

// OnRun registers f to run once Run has created the gRPC server, before
// the gRPC and HTTP listeners start serving.
func (sv *ServEnv) OnRun(f func()) {
	sv.OnRunHooks.Add(f)
}

// OnTerm registers f to run when the instance receives SIGTERM, without
// blocking shutdown on its completion. See OnTermSync for the
// wait-for-completion variant.
func (sv *ServEnv) OnTerm(f func()) {
	sv.OnTermHooks.Add(f)
}

// OnTermSync registers f to run when the instance receives SIGTERM;
// shutdown waits (up to Timeouts.OnTermTimeout) for it to finish.
func (sv *ServEnv) OnTermSync(f func()) {
	sv.onTermSyncHooks.Add(f)
}

func (sv *ServEnv) fireOnTermSyncHooks(timeout time.Duration) bool {
	return fireHooksWithTimeout(timeout, "OnTermSync", sv.onTermSyncHooks.Fire)
}

func (sv *ServEnv) fireOnCloseHooks(timeout time.Duration) bool {
	return fireHooksWithTimeout(timeout, "OnClose", func() {
		sv.onCloseHooks.Fire()
		sv.ListeningURL = url.URL{}
	})
}

// PopulateListeningURL fills in ListeningURL from the local hostname and
// the given port, the instance analogue of populateListeningURL.
func (sv *ServEnv) PopulateListeningURL(port int32) {
	populateListeningURL(port)
	sv.ListeningURL = ListeningURL
}

// Init fires this instance's OnInit hooks. Call once, after flags are
// parsed and before Run.
func (sv *ServEnv) Init() {
	sv.onInitHooks.Fire()
}

// GrpcServer wraps the package-level gRPC server lifecycle (creation,
// service registration via OnRun hooks, and serving) behind a value a
// ServEnv can carry through Run.
type GrpcServer struct{}

// Create builds the underlying grpc.Server. Must run before any
// OnRun hook registers a service against it.
func (g *GrpcServer) Create() {
	createGRPCServer()
}

// Serve starts listening for gRPC calls, once every OnRun hook has had
// a chance to register its services.
func (g *GrpcServer) Serve(sv *ServEnv) {
	serveGRPC()
}
