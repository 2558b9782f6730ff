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

package refs

import (
	"testing"
)

type counted struct {
	AtomicRefCount
	destroyed int
}

func (c *counted) DecRef() {
	c.AtomicRefCount.DecRef(func() { c.destroyed++ })
}

func TestAtomicRefCountDestroysOnce(t *testing.T) {
	c := &counted{}
	c.InitRefs("counted")
	c.IncRef()
	c.DecRef()
	if c.destroyed != 0 {
		t.Fatalf("destroyed got %d want 0 with one reference left", c.destroyed)
	}
	c.DecRef()
	if c.destroyed != 1 {
		t.Fatalf("destroyed got %d want 1", c.destroyed)
	}
	if c.TryIncRef() {
		t.Errorf("TryIncRef on destroyed object got true want false")
	}
	if got := c.ReadRefs(); got != 0 {
		t.Errorf("ReadRefs got %d want 0", got)
	}
}

func TestTryIncRefLive(t *testing.T) {
	c := &counted{}
	c.InitRefs("counted")
	if !c.TryIncRef() {
		t.Fatalf("TryIncRef on live object got false want true")
	}
	if got := c.ReadRefs(); got != 2 {
		t.Errorf("ReadRefs got %d want 2", got)
	}
}

func TestLeakCheck(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	c := &counted{}
	c.InitRefs("leaky")
	if got := DoRepeatedLeakCheck(); got != 1 {
		t.Errorf("DoRepeatedLeakCheck got %d want 1", got)
	}
	c.DecRef()
	if got := DoRepeatedLeakCheck(); got != 0 {
		t.Errorf("DoRepeatedLeakCheck after DecRef got %d want 0", got)
	}
}

func TestDecRefPanicsBelowZero(t *testing.T) {
	c := &counted{}
	c.InitRefs("counted")
	c.DecRef()
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef below zero did not panic")
		}
	}()
	c.DecRef()
}

func TestLeakModeSet(t *testing.T) {
	var m LeakMode
	if err := m.Set("panic"); err != nil || m != LeaksPanic {
		t.Errorf("Set(panic) got (%v, %v) want (%v, nil)", m, err, LeaksPanic)
	}
	if err := m.Set("bogus"); err == nil {
		t.Errorf("Set(bogus) got nil error")
	}
}
