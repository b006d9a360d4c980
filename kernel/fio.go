// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"fmt"
	"sync"
)

// A Handle names one entry in a process's handle table.
// It means nothing outside that process.
type Handle uint32

// A Kind is the type of a handle table entry.
type Kind uint8

const (
	KindFile Kind = 1 + iota
	KindSocket
	KindConsole
	KindProc
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSocket:
		return "socket"
	case KindConsole:
		return "console"
	case KindProc:
		return "proc"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// An object is a kernel resource reachable from a handle table.
// release drops the entry's reference; it is called exactly once,
// when the handle is closed or its process dies.
type object interface {
	kind() Kind
	release(p *Proc)
}

// A HandleTable maps handles to the objects of one process.
type HandleTable struct {
	mu    sync.Mutex
	slots []object
	max   int
}

/*
 * Allocate the lowest free handle
 * and point it at o.
 */
func (ht *HandleTable) alloc(o object) (Handle, Errno) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	for i, x := range ht.slots {
		if x == nil {
			ht.slots[i] = o
			return Handle(i), 0
		}
	}
	if len(ht.slots) >= ht.max {
		return 0, ResourceExhausted
	}
	ht.slots = append(ht.slots, o)
	return Handle(len(ht.slots) - 1), 0
}

func (ht *HandleTable) get(h Handle) object {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	if int64(h) >= int64(len(ht.slots)) {
		return nil
	}
	return ht.slots[h]
}

/*
 * Convert a user supplied handle
 * into the object it names.
 * The entry must exist and have type T.
 */
func lookup[T object](ht *HandleTable, h Handle) (T, Errno) {
	o, ok := ht.get(h).(T)
	if !ok {
		var zero T
		return zero, InvalidHandle
	}
	return o, 0
}

// remove clears h, which must still name o.
func (ht *HandleTable) remove(h Handle, o object) Errno {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	if int64(h) >= int64(len(ht.slots)) || ht.slots[h] != o {
		return InvalidHandle
	}
	ht.slots[h] = nil
	return 0
}

// drain empties the table and returns what it held.
func (ht *HandleTable) drain() []object {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	var out []object
	for _, o := range ht.slots {
		if o != nil {
			out = append(out, o)
		}
	}
	ht.slots = nil
	ht.max = 0
	return out
}

// Len reports the number of live handles.
func (ht *HandleTable) Len() int {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	n := 0
	for _, o := range ht.slots {
		if o != nil {
			n++
		}
	}
	return n
}

// Kind reports the kind of the entry named by h, or 0 if none.
func (ht *HandleTable) Kind(h Handle) Kind {
	if o := ht.get(h); o != nil {
		return o.kind()
	}
	return 0
}
