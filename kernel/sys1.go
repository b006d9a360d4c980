// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"runtime"
	"strings"
)

/*
 * load system call.
 * Start a new process running the image at path.
 * The caller gets a process handle for Wait.
 */
func sysload(t *Task, a Args) Result {
	path, e := t.str(a[0])
	if e != 0 {
		return fail(e)
	}
	var args []string
	if a[1] != 0 {
		s, e := t.str(a[1])
		if e != 0 {
			return fail(e)
		}
		args = strings.Fields(s)
	}

	img, err := t.sys.image(path)
	if err != nil {
		t.log.Debug("load", "path", path, "err", err)
		return fail(LoadFailure)
	}
	prog := t.sys.program(img.Entry)
	if prog == nil {
		t.log.Debug("load: no program", "path", path, "entry", img.Entry)
		return fail(LoadFailure)
	}
	if args == nil {
		args = img.Args
	}

	/*
	 * The child becomes visible only
	 * once every step has succeeded.
	 */
	child, e := t.sys.newProc(img, args, t.proc.currentConsole())
	if e != 0 {
		return fail(e)
	}
	ref := &procRef{child: child}
	child.ref()
	h, e := t.proc.Handles.alloc(ref)
	if e != 0 {
		child.discard()
		return fail(e)
	}
	if e := t.sys.publish(child); e != 0 {
		t.proc.Handles.remove(h, ref)
		child.discard()
		return fail(e)
	}
	t.sys.start(child, prog)
	return done(uint64(h))
}

/*
 * wait system call.
 * Block until the process named by the handle
 * exits, then collect its status and free the handle.
 */
func syswait(t *Task, a Args) Result {
	h := a.Handle(0)
	ref, e := lookup[*procRef](&t.proc.Handles, h)
	if e != 0 {
		return fail(e)
	}
	c := ref.child
	var collect func() Result
	collect = func() Result {
		select {
		case <-c.done:
		default:
			return wait(&c.exitq, collect)
		}
		if e := t.proc.Handles.remove(h, ref); e != 0 {
			return fail(e)
		}
		status := c.Status()
		ref.release(t.proc)
		return done(uint64(status))
	}
	return collect()
}

/*
 * kill system call.
 * End the calling process. Never returns.
 */
func syskill(t *Task, a Args) Result {
	t.proc.exit(int(a.Int(0)))
	runtime.Goexit()
	panic("unreachable")
}
