// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"fmt"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// A Frame is the register snapshot taken at the trap.
// Num and Args are the request; Ret and Err are written on return.
type Frame struct {
	Num  uint64
	Args Args
	Ret  uint64
	Err  Errno
}

// Args are the untyped argument words of a syscall.
type Args [4]uint64

func (a Args) Handle(i int) Handle { return Handle(a[i]) }
func (a Args) Int(i int) int64     { return int64(a[i]) }

// A Result is what a handler produces: a value, an error,
// or a pending block on which the task must wait.
type Result struct {
	Val   uint64
	Err   Errno
	block *Block
}

// A Block says the task cannot proceed until q is woken.
// After every wakeup the dispatcher calls resume, which
// either finishes the call or blocks again.
// A nonzero deadline wakes the task when it passes.
// If the task is killed while blocked, cancel runs
// before it is torn down.
type Block struct {
	q        *WaitQueue
	resume   func() Result
	deadline time.Time
	cancel   func()
}

func done(v uint64) Result { return Result{Val: v} }
func fail(e Errno) Result  { return Result{Err: e} }
func result(v uint64, e Errno) Result {
	if e != 0 {
		return fail(e)
	}
	return done(v)
}

func wait(q *WaitQueue, resume func() Result) Result {
	return Result{block: &Block{q: q, resume: resume}}
}

func waitUntil(q *WaitQueue, deadline time.Time, resume func() Result) Result {
	return Result{block: &Block{q: q, resume: resume, deadline: deadline}}
}

// onKill sets the cancel function of a pending result.
func (r Result) onKill(cancel func()) Result {
	if r.block != nil {
		r.block.cancel = cancel
	}
	return r
}

// Pending reports whether the result is a block.
func (r Result) Pending() bool { return r.block != nil }

// Trap runs the syscall described by f on behalf of t
// and writes the result into f.
// Trap does not return if the call kills t's process.
func (t *Task) Trap(f *Frame) {
	p := t.proc
	if p.killed() {
		t.die()
	}

	op, ok := Lookup(f.Num)
	if !ok {
		t.log.Trace("trap", "num", fmt.Sprintf("%#x", f.Num), "err", InvalidSyscall)
		f.Ret = 0
		f.Err = InvalidSyscall
		return
	}
	sys := &sysent[op]
	t.sys.stats[op].Add(1)

	var desc string
	if t.log.IsTrace() {
		desc = t.describe(sys, f, false)
		t.log.Trace("trap", "call", desc)
	}

	r := t.invoke(sys, f)
	if r.block != nil {
		r = t.sleep(r)
	}

	f.Ret = r.Val
	f.Err = r.Err
	if t.log.IsTrace() {
		t.log.Trace("trap done", "call", t.describe(sys, f, true))
	}
}

func (t *Task) invoke(sys *sysentry, f *Frame) (r Result) {
	defer func() {
		if e := recover(); e != nil {
			t.log.Error("kernel fault in syscall", "op", sys.name, "panic", e, "frame", spew.Sdump(f))
			t.proc.exit(StatusFault)
			t.die()
		}
	}()
	return sys.impl(t, f.Args)
}

// describe renders sys.name for the trace log.
func (t *Task) describe(sys *sysentry, f *Frame, ret bool) string {
	var b strings.Builder
	arg := 0
	after := false
	name := sys.name
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			if after && !ret {
				break
			}
			b.WriteByte(c)
			if c == ')' {
				after = true
			}
			continue
		}
		i++
		if i >= len(name) {
			break
		}
		var v uint64
		if after {
			v = f.Ret
		} else if arg < len(f.Args) {
			v = f.Args[arg]
			arg++
		}
		switch name[i] {
		case 'd':
			fmt.Fprintf(&b, "%d", int64(v))
		case 'p':
			fmt.Fprintf(&b, "%#x", v)
		case 'h':
			fmt.Fprintf(&b, "#%d", v)
		case 's':
			if s, err := t.proc.Mem.CString(v, MAXPATH); err == nil {
				fmt.Fprintf(&b, "%q", s)
			} else {
				fmt.Fprintf(&b, "%#x", v)
			}
		default:
			b.WriteByte('%')
			b.WriteByte(name[i])
		}
	}
	if ret && f.Err != 0 {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	return b.String()
}
