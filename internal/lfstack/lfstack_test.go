// Copyright 2012 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lfstack

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
)

type MyNode struct {
	Node
	data int
}

type table []MyNode

func (t table) Node(i uint32) *Node { return &t[i].Node }

func TestStack(t *testing.T) {
	nodes := make(table, 2)
	stack := New(nodes)
	if !stack.Empty() {
		t.Fatalf("stack is not empty")
	}
	if _, ok := stack.Pop(); ok {
		t.Fatalf("Pop on empty stack succeeded")
	}

	nodes[0].data = 42
	stack.Push(0)
	if stack.Empty() {
		t.Fatalf("stack is empty")
	}
	nodes[1].data = 43
	stack.Push(1)

	i, ok := stack.Pop()
	if !ok || nodes[i].data != 43 {
		t.Fatalf("Pop = %d, %v; want node with 43", i, ok)
	}
	i, ok = stack.Pop()
	if !ok || nodes[i].data != 42 {
		t.Fatalf("Pop = %d, %v; want node with 42", i, ok)
	}
	if !stack.Empty() {
		t.Fatalf("stack is not empty")
	}
}

func TestStackStress(t *testing.T) {
	const K = 100
	P := 4
	N := 100000
	if testing.Short() {
		N /= 10
	}
	nodes := make(table, K)
	// Create 2 stacks.
	stacks := [2]*Stack{New(nodes), New(nodes)}
	// Push K elements randomly onto the stacks.
	sum := 0
	for i := 0; i < K; i++ {
		sum += i
		nodes[i].data = i
		stacks[i%2].Push(uint32(i))
	}
	var wg sync.WaitGroup
	var overflow atomic.Int64
	for p := 0; p < P; p++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			// Pop a node from a random stack, then push it onto a random stack.
			for i := 0; i < N; i++ {
				idx, ok := stacks[r.Intn(2)].Pop()
				if ok {
					stacks[r.Intn(2)].Push(idx)
				} else {
					overflow.Add(1)
				}
			}
		}(int64(p))
	}
	wg.Wait()
	// Pop all elements from both stacks, and verify that nothing lost.
	sum2 := 0
	cnt := 0
	for i := 0; i < 2; i++ {
		for {
			idx, ok := stacks[i].Pop()
			if !ok {
				break
			}
			cnt++
			sum2 += nodes[idx].data
		}
	}
	if cnt != K {
		t.Fatalf("Wrong number of nodes %d/%d", cnt, K)
	}
	if sum2 != sum {
		t.Fatalf("Wrong sum %d/%d", sum2, sum)
	}
}
