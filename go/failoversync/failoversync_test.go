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

package failoversync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

// TestMain verifies no goroutine spawned by a WaitAndComplete deadline or
// a concurrent MarkAsComplete race outlives its test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewIsNotCompletedUntilTasksFinish(t *testing.T) {
	fs := New(2)
	assert.False(t, fs.IsCompleted())

	fs.MarkAsComplete(false)
	assert.False(t, fs.IsCompleted())

	fs.MarkAsComplete(false)
	assert.True(t, fs.IsCompleted())
}

func TestMarkAsCompleteCancelOthersForcesZero(t *testing.T) {
	fs := New(5)
	fs.MarkAsComplete(true)
	assert.True(t, fs.IsCompleted())
}

func TestMarkAsCompleteClampsBelowZero(t *testing.T) {
	fs := New(1)
	fs.MarkAsComplete(false)
	assert.True(t, fs.IsCompleted())
	assert.NotPanics(t, func() {
		fs.MarkAsComplete(false)
	})
	assert.True(t, fs.IsCompleted())
}

func TestIncrementTaskDelaysCompletion(t *testing.T) {
	fs := New(1)
	fs.IncrementTask()
	fs.MarkAsComplete(false)
	assert.False(t, fs.IsCompleted())
	fs.MarkAsComplete(false)
	assert.True(t, fs.IsCompleted())
}

func TestWaitAndCompleteReturnsTrueOnNaturalCompletion(t *testing.T) {
	fs := New(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		fs.MarkAsComplete(true)
	}()

	completed := fs.WaitAndComplete(time.Second)
	assert.True(t, completed)
	assert.True(t, fs.IsCompleted())
}

func TestWaitAndCompleteReturnsFalseOnDeadline(t *testing.T) {
	fs := New(1)
	completed := fs.WaitAndComplete(10 * time.Millisecond)
	assert.False(t, completed)
	assert.True(t, fs.IsCompleted(), "the deadline path must still force completion")
}

func TestConcurrentMarkAsCompleteIsRaceFree(t *testing.T) {
	fs := New(50)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fs.MarkAsComplete(false)
		}()
	}
	wg.Wait()
	assert.True(t, fs.IsCompleted())
}
