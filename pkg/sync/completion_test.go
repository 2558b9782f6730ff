// Copyright 2026 The gVisor Authors.
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

package sync

import (
	"context"
	"testing"
	"time"
)

func TestCompletionZeroValueIsPending(t *testing.T) {
	var c Completion
	if c.Done() {
		t.Fatalf("Done: got true, wanted false")
	}
	if c.WaitTimeout(10 * time.Millisecond) {
		t.Errorf("WaitTimeout: got true, wanted false")
	}
}

func TestCompletionCompleteAllWakesWaiters(t *testing.T) {
	var c Completion
	const waiters = 4
	var wg WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Wait(context.Background())
		}()
	}
	time.Sleep(10 * time.Millisecond)
	c.CompleteAll()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Wait: got %v, wanted nil", err)
		}
	}
	// Completed completions don't block.
	if !c.WaitTimeout(time.Millisecond) {
		t.Errorf("WaitTimeout after CompleteAll: got false, wanted true")
	}
}

func TestCompletionReinit(t *testing.T) {
	var c Completion
	c.CompleteAll()
	c.CompleteAll()
	c.Reinit()
	if c.Done() {
		t.Fatalf("Done after Reinit: got true, wanted false")
	}
	if c.WaitTimeout(10 * time.Millisecond) {
		t.Errorf("WaitTimeout after Reinit: got true, wanted false")
	}
	c.CompleteAll()
	if !c.Done() {
		t.Errorf("Done: got false, wanted true")
	}
}

func TestCompletionWaitCancelled(t *testing.T) {
	var c Completion
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait: got %v, wanted %v", err, context.Canceled)
	}
}

func TestRWMutexTryRLockFailsWhileWriteLocked(t *testing.T) {
	var rw RWMutex
	rw.Lock()
	if rw.TryRLock() {
		t.Fatalf("TryRLock: got true, wanted false")
	}
	rw.Unlock()
	if !rw.TryRLock() {
		t.Fatalf("TryRLock: got false, wanted true")
	}
	// Read locks may be released by a different goroutine.
	done := make(chan struct{})
	go func() {
		rw.RUnlock()
		close(done)
	}()
	<-done
	if !rw.TryLock() {
		t.Errorf("TryLock: got false, wanted true")
	}
	rw.Unlock()
}
