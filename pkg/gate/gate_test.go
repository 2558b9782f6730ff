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

package gate

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestBasicEnter(t *testing.T) {
	var g Gate
	if !g.Enter() {
		t.Fatalf("Enter on open gate failed")
	}
	g.Leave()
	g.Close()
	if g.Enter() {
		t.Fatalf("Enter on closed gate succeeded")
	}
	if !g.Closed() {
		t.Errorf("Closed got false want true")
	}
}

func TestCloseWaitsForUsers(t *testing.T) {
	var g Gate
	if !g.Enter() {
		t.Fatalf("Enter failed")
	}
	var left atomic.Bool
	go func() {
		time.Sleep(10 * time.Millisecond)
		left.Store(true)
		g.Leave()
	}()
	g.Close()
	if !left.Load() {
		t.Errorf("Close returned while a user was inside")
	}
}

func TestConcurrentEnterClose(t *testing.T) {
	var (
		g      Gate
		inside atomic.Int32
		eg     errgroup.Group
	)
	for i := 0; i < 16; i++ {
		eg.Go(func() error {
			for g.Enter() {
				inside.Add(1)
				inside.Add(-1)
				g.Leave()
			}
			return nil
		})
	}
	time.Sleep(time.Millisecond)
	g.Close()
	if got := inside.Load(); got != 0 {
		t.Errorf("users inside after Close got %d want 0", got)
	}
	eg.Wait()
}

func TestLeaveWithoutEnterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Leave without Enter did not panic")
		}
	}()
	var g Gate
	g.Leave()
}
