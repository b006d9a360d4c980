// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "sync"

/*
 * open modes
 */
const (
	OpenRead   = 1 << iota /* read access */
	OpenWrite              /* write access */
	OpenCreate             /* create if missing */
	OpenTrunc              /* truncate on open */
)

/*
 * seek origins
 */
const (
	SeekSet = iota
	SeekCur
	SeekEnd
)

// An openFile is an open file handle: an inode and an offset.
type openFile struct {
	ip   *inode
	mode int

	mu     sync.Mutex
	offset int64
}

func (f *openFile) kind() Kind { return KindFile }

func (f *openFile) release(*Proc) {}

func sysopen(t *Task, a Args) Result {
	name, e := t.str(a[0])
	if e != 0 {
		return fail(e)
	}
	mode := int(a[1])
	if mode&^(OpenRead|OpenWrite|OpenCreate|OpenTrunc) != 0 {
		return fail(OutOfRange)
	}
	if mode&(OpenRead|OpenWrite) == 0 {
		mode |= OpenRead
	}

	/*
	 * Take the handle slot first, so that
	 * running out of handles changes nothing.
	 */
	f := &openFile{mode: mode}
	h, e := t.proc.Handles.alloc(f)
	if e != 0 {
		return fail(e)
	}
	undo := func(e Errno) Result {
		t.proc.Handles.remove(h, f)
		return fail(e)
	}

	d := t.sys.disk
	ip := d.namei(name)
	if ip == nil {
		if mode&OpenCreate == 0 {
			return undo(NotFound)
		}
		ip, e = d.maknode(name, 0o644)
		if e != 0 {
			return undo(e)
		}
	}

	ip.mu.Lock()
	perm := ip.mode
	if mode&OpenRead != 0 && perm&_IREAD == 0 || mode&OpenWrite != 0 && perm&_IWRITE == 0 {
		ip.mu.Unlock()
		return undo(PermissionDenied)
	}
	if mode&OpenTrunc != 0 && mode&OpenWrite != 0 && len(ip.data) > 0 {
		ip.data = nil
		d.touch(ip)
	}
	ip.mu.Unlock()

	f.ip = ip
	return done(uint64(h))
}

/*
 * close system call.
 * Any handle but a socket may be closed here;
 * sockets have their own close and release.
 */
func sysclose(t *Task, a Args) Result {
	h := a.Handle(0)
	o := t.proc.Handles.get(h)
	if o == nil || o.kind() == KindSocket {
		return fail(InvalidHandle)
	}
	if e := t.proc.Handles.remove(h, o); e != 0 {
		return fail(e)
	}
	o.release(t.proc)
	return done(0)
}

func sysread(t *Task, a Args) Result {
	return rdwr(t, a, OpenRead)
}

func syswrite(t *Task, a Args) Result {
	return rdwr(t, a, OpenWrite)
}

func sysseek(t *Task, a Args) Result {
	f, e := lookup[*openFile](&t.proc.Handles, a.Handle(0))
	if e != 0 {
		return fail(e)
	}
	off := a.Int(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ip.mu.RLock()
	size := int64(len(f.ip.data))
	f.ip.mu.RUnlock()

	switch a[2] {
	case SeekSet:
	case SeekCur:
		off += f.offset
	case SeekEnd:
		off += size
	default:
		return fail(OutOfRange)
	}
	if off < 0 || off > size {
		return fail(OutOfRange)
	}
	f.offset = off
	return done(uint64(off))
}

func syssize(t *Task, a Args) Result {
	f, e := lookup[*openFile](&t.proc.Handles, a.Handle(0))
	if e != 0 {
		return fail(e)
	}
	f.ip.mu.RLock()
	defer f.ip.mu.RUnlock()
	return done(uint64(len(f.ip.data)))
}
