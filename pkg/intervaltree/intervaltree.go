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

// Package intervaltree provides an augmented AVL tree of closed intervals
// [Start, Last].
//
// Each node records the largest Last in its subtree, which lets overlap
// queries prune subtrees that end before the query begins. Queries visit
// matches in ascending Start order and run in O(log n + k).
//
// A Tree is not safe for concurrent mutation; callers provide exclusion.
package intervaltree

// Key is the set of types usable as interval bounds.
type Key interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Node is an interval stored in a Tree.
type Node[K Key, V any] struct {
	start K
	last  K

	// Value is the caller's payload.
	Value V

	// seq orders nodes with equal start by insertion.
	seq uint64

	// maxLast is the largest last in the subtree rooted at this node.
	maxLast K

	height int
	left   *Node[K, V]
	right  *Node[K, V]

	// tree is the tree containing this node, or nil once removed.
	tree *Tree[K, V]
}

// Start returns the first key of the interval.
func (n *Node[K, V]) Start() K {
	return n.start
}

// Last returns the last key of the interval, inclusive.
func (n *Node[K, V]) Last() K {
	return n.last
}

// Tree is an interval tree. The zero value is an empty tree.
type Tree[K Key, V any] struct {
	root    *Node[K, V]
	size    int
	nextSeq uint64
}

// Len returns the number of intervals in the tree.
func (t *Tree[K, V]) Len() int {
	return t.size
}

// Insert adds [start, last] with value v and returns its node. Identical
// intervals are stored as distinct nodes.
//
// Preconditions: start <= last.
func (t *Tree[K, V]) Insert(start, last K, v V) *Node[K, V] {
	if start > last {
		panic("intervaltree: Insert with start > last")
	}
	n := &Node[K, V]{
		start:   start,
		last:    last,
		Value:   v,
		seq:     t.nextSeq,
		maxLast: last,
		height:  1,
		tree:    t,
	}
	t.nextSeq++
	t.root = insert(t.root, n)
	t.size++
	return n
}

// Remove removes n from the tree. Removing a node that is not in t panics.
func (t *Tree[K, V]) Remove(n *Node[K, V]) {
	if n.tree != t {
		panic("intervaltree: Remove of a node not in this tree")
	}
	var found bool
	t.root, found = remove(t.root, n)
	if !found {
		panic("intervaltree: node missing from tree")
	}
	n.tree = nil
	n.left, n.right = nil, nil
	t.size--
}

// VisitOverlapping calls fn for every node overlapping [start, last] in
// ascending start order, stopping early if fn returns false. fn must not
// mutate the tree.
func (t *Tree[K, V]) VisitOverlapping(start, last K, fn func(*Node[K, V]) bool) {
	visit(t.root, start, last, fn)
}

// Overlapping returns the values of all nodes overlapping [start, last] in
// ascending start order.
func (t *Tree[K, V]) Overlapping(start, last K) []V {
	var vs []V
	t.VisitOverlapping(start, last, func(n *Node[K, V]) bool {
		vs = append(vs, n.Value)
		return true
	})
	return vs
}

// First returns the overlapping node with the lowest start, or nil.
func (t *Tree[K, V]) First(start, last K) *Node[K, V] {
	var first *Node[K, V]
	t.VisitOverlapping(start, last, func(n *Node[K, V]) bool {
		first = n
		return false
	})
	return first
}

// less orders nodes by start, then by insertion.
func less[K Key, V any](a, b *Node[K, V]) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.seq < b.seq
}

func height[K Key, V any](n *Node[K, V]) int {
	if n == nil {
		return 0
	}
	return n.height
}

// update recomputes n's height and maxLast from its children.
func update[K Key, V any](n *Node[K, V]) {
	n.height = 1 + max(height(n.left), height(n.right))
	n.maxLast = n.last
	if n.left != nil && n.left.maxLast > n.maxLast {
		n.maxLast = n.left.maxLast
	}
	if n.right != nil && n.right.maxLast > n.maxLast {
		n.maxLast = n.right.maxLast
	}
}

func rotateLeft[K Key, V any](n *Node[K, V]) *Node[K, V] {
	r := n.right
	n.right = r.left
	r.left = n
	update(n)
	update(r)
	return r
}

func rotateRight[K Key, V any](n *Node[K, V]) *Node[K, V] {
	l := n.left
	n.left = l.right
	l.right = n
	update(n)
	update(l)
	return l
}

// rebalance restores the AVL property at n and returns the new subtree root.
func rebalance[K Key, V any](n *Node[K, V]) *Node[K, V] {
	update(n)
	switch bf := height(n.left) - height(n.right); {
	case bf > 1:
		if height(n.left.left) < height(n.left.right) {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case bf < -1:
		if height(n.right.right) < height(n.right.left) {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

func insert[K Key, V any](root, n *Node[K, V]) *Node[K, V] {
	if root == nil {
		return n
	}
	if less(n, root) {
		root.left = insert(root.left, n)
	} else {
		root.right = insert(root.right, n)
	}
	return rebalance(root)
}

// removeMin detaches the leftmost node of root, returning the new subtree
// root and the detached node.
func removeMin[K Key, V any](root *Node[K, V]) (*Node[K, V], *Node[K, V]) {
	if root.left == nil {
		return root.right, root
	}
	var m *Node[K, V]
	root.left, m = removeMin(root.left)
	return rebalance(root), m
}

func remove[K Key, V any](root, n *Node[K, V]) (*Node[K, V], bool) {
	if root == nil {
		return nil, false
	}
	var found bool
	switch {
	case root == n:
		if root.left == nil {
			return root.right, true
		}
		if root.right == nil {
			return root.left, true
		}
		right, succ := removeMin(root.right)
		succ.left = root.left
		succ.right = right
		return rebalance(succ), true
	case less(n, root):
		root.left, found = remove(root.left, n)
	default:
		root.right, found = remove(root.right, n)
	}
	return rebalance(root), found
}

// visit walks the subtree in order, returning false if fn stopped the walk.
func visit[K Key, V any](n *Node[K, V], start, last K, fn func(*Node[K, V]) bool) bool {
	if n == nil || n.maxLast < start {
		return true
	}
	if !visit(n.left, start, last, fn) {
		return false
	}
	if n.start > last {
		// Everything to the right starts even later.
		return true
	}
	if n.last >= start && !fn(n) {
		return false
	}
	return visit(n.right, start, last, fn)
}
