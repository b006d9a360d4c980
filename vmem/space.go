// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vmem implements per-process virtual address spaces
// backed by a shared page-frame allocator.
//
// A Space is a sorted list of regions. Each region covers whole pages,
// owns (or borrows) one physical frame per page, and keeps the page
// contents in a byte slice, so reads and writes never need a page table.
package vmem

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// Address space layout.
const (
	DataBase   uint64 = 0x0000_1000
	HeapBase   uint64 = 0x1000_0000
	HeapTop    uint64 = 0x4000_0000
	DirectBase uint64 = 0x4000_0000
	SpaceTop   uint64 = 0x8000_0000
)

// A Kind says how a region came to be mapped.
type Kind uint8

const (
	KindData   Kind = iota // image data, mapped at load
	KindHeap               // Alloc
	KindDirect             // borrowed device memory
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindHeap:
		return "heap"
	case KindDirect:
		return "direct"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// A Region is a contiguous run of mapped pages.
type Region struct {
	Start  uint64
	Kind   Kind
	Data   []byte
	frames []uint64
	owned  bool
}

// End returns the first address past the region.
func (r *Region) End() uint64 {
	return r.Start + uint64(len(r.Data))
}

func (r *Region) contains(va uint64) bool {
	return r.Start <= va && va < r.End()
}

// A Space is one process's virtual address space.
type Space struct {
	mu      sync.Mutex
	frames  *Frames
	regions []*Region
	dead    bool
}

// NewSpace returns an empty address space drawing frames from f.
func NewSpace(f *Frames) *Space {
	return &Space{frames: f}
}

// Map maps size bytes (rounded up to whole pages) of zeroed memory at start.
func (s *Space) Map(start, size uint64, kind Kind) (*Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapLocked(start, size, kind)
}

func (s *Space) mapLocked(start, size uint64, kind Kind) (*Region, error) {
	if s.dead {
		return nil, ErrMem
	}
	if start%PageSize != 0 || size == 0 {
		return nil, ErrMem
	}
	if start >= SpaceTop || size > SpaceTop-start {
		return nil, ErrNoSpace
	}
	n := pages(size)
	if s.overlaps(start, uint64(n)*PageSize) {
		return nil, ErrNoSpace
	}
	frames, err := s.frames.Alloc(n)
	if err != nil {
		return nil, err
	}
	r := &Region{
		Start:  start,
		Kind:   kind,
		Data:   make([]byte, n*PageSize),
		frames: frames,
		owned:  true,
	}
	s.insert(r)
	return r, nil
}

// MapShared maps borrowed memory at start. The frames stay owned by
// the caller and are not freed when the region is unmapped.
func (s *Space) MapShared(start uint64, data []byte, frames []uint64) (*Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return nil, ErrMem
	}
	if start%PageSize != 0 || len(data) == 0 || len(data) != len(frames)*PageSize {
		return nil, ErrMem
	}
	if s.overlaps(start, uint64(len(data))) {
		return nil, ErrNoSpace
	}
	r := &Region{Start: start, Kind: KindDirect, Data: data, frames: frames}
	s.insert(r)
	return r, nil
}

// Alloc maps size bytes of heap at the lowest free heap address.
func (s *Space) Alloc(size uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size == 0 {
		size = 1
	}
	if size > HeapTop-HeapBase {
		return 0, ErrNoSpace
	}
	need := uint64(pages(size)) * PageSize
	va, ok := s.gap(HeapBase, HeapTop, need)
	if !ok {
		return 0, ErrNoSpace
	}
	if _, err := s.mapLocked(va, need, KindHeap); err != nil {
		return 0, err
	}
	return va, nil
}

// Free unmaps the heap region starting at va.
// Any other address, including one already freed, is ErrNotAllocated.
func (s *Space) Free(va uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(va)
	if i < 0 || s.regions[i].Start != va || s.regions[i].Kind != KindHeap {
		return ErrNotAllocated
	}
	s.remove(i)
	return nil
}

// Unmap unmaps the region starting at va, whatever its kind.
func (s *Space) Unmap(va uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(va)
	if i < 0 || s.regions[i].Start != va {
		return ErrMem
	}
	s.remove(i)
	return nil
}

// FreeDirect returns the lowest direct-mapping address with room for size bytes.
func (s *Space) FreeDirect(size uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size > SpaceTop-DirectBase {
		return 0, false
	}
	return s.gap(DirectBase, SpaceTop, uint64(pages(size))*PageSize)
}

// Translate returns the physical address backing va.
func (s *Space) Translate(va uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(va)
	if i < 0 {
		return 0, ErrMem
	}
	r := s.regions[i]
	off := va - r.Start
	return r.frames[off/PageSize]*PageSize + off%PageSize, nil
}

// ReadAt copies len(b) bytes at va into b.
// The whole range must lie in one region.
func (s *Space) ReadAt(b []byte, va uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.slice(va, uint64(len(b)))
	if err != nil {
		return 0, err
	}
	return copy(b, m), nil
}

// WriteAt copies b to va.
func (s *Space) WriteAt(b []byte, va uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.slice(va, uint64(len(b)))
	if err != nil {
		return 0, err
	}
	return copy(m, b), nil
}

// Mapped reports whether the n bytes at va lie in one region.
func (s *Space) Mapped(va, n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.slice(va, n)
	return err == nil
}

// CString reads a NUL-terminated string of at most limit bytes at va.
func (s *Space) CString(va uint64, limit int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(va)
	if i < 0 {
		return "", ErrMem
	}
	r := s.regions[i]
	b := r.Data[va-r.Start:]
	if len(b) > limit+1 {
		b = b[:limit+1]
	}
	b, _, ok := bytes.Cut(b, []byte("\x00"))
	if !ok {
		return "", ErrMem
	}
	return string(b), nil
}

// Regions returns a copy of the region list, sorted by address.
func (s *Space) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Region, len(s.regions))
	for i, r := range s.regions {
		out[i] = *r
	}
	return out
}

// Release unmaps everything and frees owned frames.
// The space cannot be used afterward.
func (s *Space) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.regions) > 0 {
		s.remove(len(s.regions) - 1)
	}
	s.dead = true
}

func (s *Space) slice(va, n uint64) ([]byte, error) {
	i := s.find(va)
	if i < 0 {
		return nil, ErrMem
	}
	r := s.regions[i]
	if n > r.End()-va {
		return nil, ErrMem
	}
	off := va - r.Start
	return r.Data[off : off+n], nil
}

func (s *Space) find(va uint64) int {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].End() > va })
	if i < len(s.regions) && s.regions[i].contains(va) {
		return i
	}
	return -1
}

func (s *Space) overlaps(start, size uint64) bool {
	end := start + size
	for _, r := range s.regions {
		if start < r.End() && r.Start < end {
			return true
		}
	}
	return false
}

func (s *Space) gap(lo, hi, size uint64) (uint64, bool) {
	va := lo
	for _, r := range s.regions {
		if r.End() <= va {
			continue
		}
		if r.Start >= hi {
			break
		}
		if r.Start >= va+size {
			break
		}
		va = r.End()
	}
	if va+size > hi {
		return 0, false
	}
	return va, true
}

func (s *Space) insert(r *Region) {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].Start > r.Start })
	s.regions = append(s.regions, nil)
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
}

func (s *Space) remove(i int) {
	r := s.regions[i]
	s.regions = append(s.regions[:i], s.regions[i+1:]...)
	if r.owned {
		s.frames.Free(r.frames)
	}
}
