// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmem

import (
	"sync"

	"github.com/pkg/errors"
)

// PageSize is the size of a page frame in bytes.
const PageSize = 4096

var (
	ErrMem          = errors.New("unmapped address")
	ErrNoFrames     = errors.New("out of page frames")
	ErrNoSpace      = errors.New("address space full")
	ErrNotAllocated = errors.New("address not allocated")
)

// Frames is the physical page-frame allocator shared by all address spaces.
// Frame 0 is never handed out, so physical address 0 is never valid.
type Frames struct {
	mu    sync.Mutex
	free  []uint64
	next  uint64
	limit uint64
}

// NewFrames returns an allocator managing n frames.
func NewFrames(n int) *Frames {
	return &Frames{next: 1, limit: uint64(n) + 1}
}

// Alloc allocates n frames. It allocates all of them or none.
func (f *Frames) Alloc(n int) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n > len(f.free)+int(f.limit-f.next) {
		return nil, ErrNoFrames
	}
	out := make([]uint64, 0, n)
	for len(out) < n {
		if k := len(f.free); k > 0 {
			out = append(out, f.free[k-1])
			f.free = f.free[:k-1]
			continue
		}
		out = append(out, f.next)
		f.next++
	}
	return out, nil
}

// Free returns frames to the allocator.
func (f *Frames) Free(frames []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, fr := range frames {
		if fr == 0 || fr >= f.next {
			panic("vmem: free of unallocated frame")
		}
	}
	f.free = append(f.free, frames...)
}

// Avail reports the number of unallocated frames.
func (f *Frames) Avail() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.free) + int(f.limit-f.next)
}

func pages(size uint64) int {
	return int((size + PageSize - 1) / PageSize)
}
