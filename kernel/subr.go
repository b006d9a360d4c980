// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

// str reads a NUL-terminated string from task memory.
func (t *Task) str(va uint64) (string, Errno) {
	s, err := t.proc.Mem.CString(va, MAXPATH)
	if err != nil {
		return "", InvalidBuffer
	}
	return s, 0
}

// copyin reads n bytes of task memory at va.
func (t *Task) copyin(va, n uint64) ([]byte, Errno) {
	if n > MAXFILE {
		return nil, InvalidBuffer
	}
	b := make([]byte, n)
	if _, err := t.proc.Mem.ReadAt(b, va); err != nil {
		return nil, InvalidBuffer
	}
	return b, 0
}

// copyout writes b to task memory at va.
func (t *Task) copyout(va uint64, b []byte) Errno {
	if _, err := t.proc.Mem.WriteAt(b, va); err != nil {
		return InvalidBuffer
	}
	return 0
}

// userbuf checks that n bytes at va are mapped,
// so a call can fail before it changes any state.
func (t *Task) userbuf(va, n uint64) Errno {
	if n == 0 {
		return 0
	}
	if n > MAXFILE || !t.proc.Mem.Mapped(va, n) {
		return InvalidBuffer
	}
	return 0
}
