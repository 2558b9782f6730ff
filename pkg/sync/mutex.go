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
	"sync"
)

// Mutex is a mutual exclusion lock. The zero value for a Mutex is an unlocked
// mutex.
//
// A Mutex must not be copied after first use.
//
// A Mutex must be unlocked by the same goroutine that locked it. This
// invariant is enforced with the 'checklocks' build tag.
type Mutex struct {
	m sync.Mutex
}

// Lock locks m. If the lock is already in use, the calling goroutine blocks
// until the mutex is available.
// +checklocksignore
func (m *Mutex) Lock() {
	m.m.Lock()
}

// Unlock unlocks m.
//
// Preconditions:
//   - m is locked.
//   - m was locked by this goroutine.
//
// +checklocksignore
func (m *Mutex) Unlock() {
	m.m.Unlock()
}

// TryLock tries to acquire the mutex. It returns true if it succeeds and false
// otherwise. TryLock does not block.
// +checklocksignore
func (m *Mutex) TryLock() bool {
	return m.m.TryLock()
}

// RWMutex is a reader/writer mutual exclusion lock. The lock can be held by an
// arbitrary number of readers or a single writer. The zero value for a RWMutex
// is an unlocked mutex.
//
// A RWMutex must not be copied after first use.
//
// Unlike the kernel rwsem it models, a read lock taken on one goroutine may be
// released by another, which invalidation callbacks rely on when a range
// start and its matching range end arrive on different goroutines.
type RWMutex struct {
	m sync.RWMutex
}

// TryRLock locks rw for reading. It returns true if it succeeds and false
// otherwise. It does not block.
// +checklocksignore
func (rw *RWMutex) TryRLock() bool {
	return rw.m.TryRLock()
}

// RLock locks rw for reading.
//
// It should not be used for recursive read locking; a blocked Lock call
// excludes new readers from acquiring the lock. See the documentation on the
// RWMutex type.
// +checklocksignore
func (rw *RWMutex) RLock() {
	rw.m.RLock()
}

// RUnlock undoes a single RLock call.
//
// Preconditions:
//   - rw is locked for reading.
//
// +checklocksignore
func (rw *RWMutex) RUnlock() {
	rw.m.RUnlock()
}

// TryLock locks rw for writing. It returns true if it succeeds and false
// otherwise. It does not block.
// +checklocksignore
func (rw *RWMutex) TryLock() bool {
	return rw.m.TryLock()
}

// Lock locks rw for writing. If the lock is already locked for reading or
// writing, Lock blocks until the lock is available.
// +checklocksignore
func (rw *RWMutex) Lock() {
	rw.m.Lock()
}

// Unlock unlocks rw for writing.
//
// Preconditions:
//   - rw is locked for writing.
//
// +checklocksignore
func (rw *RWMutex) Unlock() {
	rw.m.Unlock()
}
