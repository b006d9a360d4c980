// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"github.com/dustin/go-humanize"

	"rsc.io/gate/vmem"
)

func sysgetcpu(t *Task, a Args) Result {
	return done(uint64(t.cpu))
}

func systime(t *Task, a Args) Result {
	return done(uint64(t.sys.cfg.Clock().UnixNano()))
}

func sysv2p(t *Task, a Args) Result {
	pa, err := t.proc.Mem.Translate(a[0])
	if err != nil {
		return fail(UnmappedAddress)
	}
	return done(pa)
}

/*
 * alloc system call.
 * Map size bytes of zeroed heap
 * and return its address.
 */
func sysalloc(t *Task, a Args) Result {
	size := a[0]
	if size > t.sys.cfg.MaxAlloc {
		t.log.Debug("alloc too large", "size", humanize.IBytes(size))
		return fail(ResourceExhausted)
	}
	va, err := t.proc.Mem.Alloc(size)
	if err != nil {
		t.log.Debug("alloc failed", "size", humanize.IBytes(size), "err", err,
			"free", humanize.IBytes(uint64(t.sys.frames.Avail())*vmem.PageSize))
		return fail(ResourceExhausted)
	}
	return done(va)
}

func sysfree(t *Task, a Args) Result {
	// Free fails only with ErrNotAllocated.
	if t.proc.Mem.Free(a[0]) != nil {
		return fail(InvalidHandle)
	}
	return done(0)
}
