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

// Package failoversync implements FailoverSync, the core's single-call
// synchronization barrier: a task counter plus a condition variable that
// lets the first successful racing task cancel its peers, and lets an
// outer deadline force completion without ever forcibly killing a task.
//
// Cancellation is cooperative only: FailoverSync never interrupts a
// blocked task. A worker observes IsCompleted() at its own checkpoints
// (after connect, after marking a host up) and backs off there.
package failoversync

import (
	"sync"
	"time"
)

// FailoverSync is scoped to a single failover invocation and discarded
// when it returns; it is never reused across invocations.
type FailoverSync struct {
	mu        sync.Mutex
	cond      *sync.Cond
	taskCount int
}

// New creates a FailoverSync with the given initial task count.
func New(taskCount int) *FailoverSync {
	fs := &FailoverSync{taskCount: taskCount}
	fs.cond = sync.NewCond(&fs.mu)
	return fs
}

// IncrementTask registers one more task that must complete before the
// sync is considered done.
func (fs *FailoverSync) IncrementTask() {
	fs.mu.Lock()
	fs.taskCount++
	fs.mu.Unlock()
}

// MarkAsComplete finishes one task. With cancelOthers=false it decrements
// the counter by one, the ordinary "this task failed, let the others keep
// racing" path. With cancelOthers=true it forces the counter to zero,
// declaring the whole sync done regardless of how many peers remain —
// the "this task won" path.
//
// Decrementing past zero (calling with cancelOthers=false after the sync
// has already completed) is a caller bug in the source design ("underflow
// is an error"); we do not propagate that as a panic since a worker
// task's own failure must never take down its siblings — it is clamped
// to zero and observable via IsCompleted().
func (fs *FailoverSync) MarkAsComplete(cancelOthers bool) {
	fs.mu.Lock()
	if cancelOthers {
		fs.taskCount = 0
	} else {
		fs.taskCount--
		if fs.taskCount < 0 {
			fs.taskCount = 0
		}
	}
	done := fs.taskCount <= 0
	fs.mu.Unlock()
	if done {
		fs.cond.Broadcast()
	}
}

// IsCompleted reports whether the task counter has reached zero. Workers
// must call this at every I/O checkpoint and back off if true.
func (fs *FailoverSync) IsCompleted() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.taskCount <= 0
}

// WaitAndComplete blocks until the counter reaches zero or deadline
// elapses, then forces it to zero regardless and returns. The return
// value reports whether completion happened naturally (true) or the
// deadline fired first (false); either way the sync is completed when
// this returns.
func (fs *FailoverSync) WaitAndComplete(deadline time.Duration) bool {
	naturally := make(chan struct{})
	go func() {
		fs.mu.Lock()
		for fs.taskCount > 0 {
			// Honor spurious wakeups: re-check the predicate in the loop
			// rather than assuming a single Wait return means we're done.
			fs.cond.Wait()
		}
		fs.mu.Unlock()
		close(naturally)
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-naturally:
		return true
	case <-timer.C:
		fs.MarkAsComplete(true)
		return false
	}
}
