// Copyright 2012 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lfstack implements a lock-free stack of index-addressed nodes.
//
// The stack is intrusive: every element owns a Node and is identified
// by its index in a caller-managed table. The head packs the index of
// the top node together with that node's push count, so an index that
// is popped and pushed again between another popper's load and CAS is
// detected (ABA).
package lfstack

import (
	"sync/atomic"

	"github.com/veezhang/g1heap/internal/sys"
)

const (
	// idxBits is the number of bits of a packed value that hold the
	// node index. The rest holds the push count.
	idxBits = 32
	cntBits = 64 - idxBits

	// MaxNodes is the largest table an index stack can address.
	MaxNodes = 1<<idxBits - 2
)

// Node is the link embedded in every stack element.
type Node struct {
	next    atomic.Uint64
	pushcnt uint32
}

// Nodes maps an index back to its Node.
type Nodes interface {
	Node(i uint32) *Node
}

// Stack is the head of a lock-free stack. It must be created with New.
type Stack struct {
	head  atomic.Uint64
	nodes Nodes
}

// New returns an empty stack over the given node table.
func New(nodes Nodes) *Stack {
	return &Stack{nodes: nodes}
}

func pack(i uint32, cnt uint32) uint64 {
	return uint64(i+1)<<cntBits | uint64(cnt)
}

func unpack(v uint64) uint32 {
	return uint32(v>>cntBits) - 1
}

// Push pushes node i. The node must not currently be on any stack.
func (s *Stack) Push(i uint32) {
	if i > MaxNodes {
		sys.Throwf("lfstack.Push: index %d out of range", i)
	}
	node := s.nodes.Node(i)
	node.pushcnt++
	new := pack(i, node.pushcnt)
	if j := unpack(new); j != i {
		sys.Throwf("lfstack.Push: invalid packing: index=%d cnt=%#x packed=%#x -> index=%d", i, node.pushcnt, new, j)
	}
	for {
		old := s.head.Load()
		node.next.Store(old)
		if s.head.CompareAndSwap(old, new) {
			return
		}
	}
}

// Pop removes and returns the top node index.
func (s *Stack) Pop() (uint32, bool) {
	for {
		old := s.head.Load()
		if old == 0 {
			return 0, false
		}
		i := unpack(old)
		next := s.nodes.Node(i).next.Load()
		if s.head.CompareAndSwap(old, next) {
			return i, true
		}
	}
}

// Empty reports whether the stack is empty at the moment of the call.
func (s *Stack) Empty() bool {
	return s.head.Load() == 0
}

// Reset drops every node. Only safe while no other goroutine uses s.
func (s *Stack) Reset() {
	s.head.Store(0)
}
