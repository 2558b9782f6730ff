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

// Package gate provides a usage gate synchronization primitive.
package gate

import (
	"sync/atomic"
)

const closedBit = 1 << 31

// Gate lets goroutines enter as long as it is open. Once closed, no new
// goroutine can enter, and Close waits for the ones inside to leave.
//
// Entering never blocks: it either succeeds immediately or fails.
//
// Users:
//
//	if !g.Enter() {
//		// Gate is closed, we can't use the object.
//		return
//	}
//	defer g.Leave()
//
// Closer:
//
//	g.Close()
//	// No users remain.
//
// The zero value is an open Gate.
type Gate struct {
	userCount atomic.Uint32
	done      chan struct{}
}

// Enter tries to enter the gate. On success the caller must call Leave.
func (g *Gate) Enter() bool {
	for {
		v := g.userCount.Load()
		if v&closedBit != 0 {
			return false
		}
		if g.userCount.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// Leave leaves the gate. The last goroutine to leave a closed gate wakes the
// closer.
func (g *Gate) Leave() {
	for {
		v := g.userCount.Load()
		if v&^closedBit == 0 {
			panic("leaving a gate with zero usage count")
		}
		if g.userCount.CompareAndSwap(v, v-1) {
			if v == closedBit+1 {
				close(g.done)
			}
			return
		}
	}
}

// Close closes the gate and waits for all users to leave. Only one goroutine
// may call Close.
func (g *Gate) Close() {
	for {
		v := g.userCount.Load()
		if v&^closedBit != 0 && g.done == nil {
			g.done = make(chan struct{})
		}
		if g.userCount.CompareAndSwap(v, v|closedBit) {
			if v&^closedBit != 0 {
				<-g.done
			}
			return
		}
	}
}

// Closed returns true if Close has been called.
func (g *Gate) Closed() bool {
	return g.userCount.Load()&closedBit != 0
}
