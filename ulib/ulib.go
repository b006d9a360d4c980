// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ulib is the user side of the syscall gate:
// one stub per kernel service, marshaling Go values into the
// calling task's memory and trapping into the kernel.
//
// Stubs stage strings and I/O buffers in the scratch area,
// the last ScratchSize bytes of the task's data region.
// Programs that use the data region directly must stay below it.
package ulib

import (
	"io"
	"strings"
	"time"

	"rsc.io/gate/kernel"
)

// ScratchSize is the part of the data region reserved for stubs.
const ScratchSize = 8 << 10

const (
	strSlot  = kernel.MAXPATH + 1
	nStrSlot = 4
	bufOff   = strSlot * nStrSlot
	bufSize  = ScratchSize - bufOff
)

func scratch(t *kernel.Task) uint64 {
	base, size := t.Data()
	if size < ScratchSize {
		panic("ulib: data region smaller than scratch area")
	}
	return base + size - ScratchSize
}

// stage copies s, NUL-terminated, into string slot i.
func stage(t *kernel.Task, i int, s string) (uint64, error) {
	if len(s) > kernel.MAXPATH || strings.IndexByte(s, 0) >= 0 {
		return 0, kernel.InvalidBuffer
	}
	va := scratch(t) + uint64(i*strSlot)
	if err := t.WriteMem(va, append([]byte(s), 0)); err != nil {
		return 0, kernel.InvalidBuffer
	}
	return va, nil
}

func call(t *kernel.Task, num kernel.Sysno, args ...uint64) (uint64, error) {
	r, e := t.Syscall(uint64(num), args...)
	return r, e.Err()
}

// GetCPU returns the id of the CPU running t.
func GetCPU(t *kernel.Task) int {
	r, _ := call(t, kernel.SysGetCPU)
	return int(r)
}

// VirtToPhys translates a virtual address.
func VirtToPhys(t *kernel.Task, va uint64) (uint64, error) {
	return call(t, kernel.SysVirtToPhys, va)
}

// Time returns the kernel's wall clock.
func Time(t *kernel.Task) time.Time {
	r, _ := call(t, kernel.SysTime)
	return time.Unix(0, int64(r))
}

// Load starts the image at path. With no args the
// image's default arguments are used.
func Load(t *kernel.Task, path string, args ...string) (kernel.Handle, error) {
	pva, err := stage(t, 0, path)
	if err != nil {
		return 0, err
	}
	var ava uint64
	if len(args) > 0 {
		ava, err = stage(t, 1, strings.Join(args, " "))
		if err != nil {
			return 0, err
		}
	}
	h, err := call(t, kernel.SysLoad, pva, ava)
	return kernel.Handle(h), err
}

// Wait waits for the process h to exit and returns its status.
func Wait(t *kernel.Task, h kernel.Handle) (int, error) {
	r, err := call(t, kernel.SysWait, uint64(h))
	return int(r), err
}

// Exit ends the calling process. It does not return.
func Exit(t *kernel.Task, status int) {
	call(t, kernel.SysKill, uint64(status))
	panic("ulib: exit returned")
}

// Alloc maps size bytes of zeroed memory.
func Alloc(t *kernel.Task, size uint64) (uint64, error) {
	return call(t, kernel.SysAlloc, size)
}

// Free unmaps memory returned by Alloc.
func Free(t *kernel.Task, va uint64) error {
	_, err := call(t, kernel.SysFree, va)
	return err
}

// Printf formats on the current console. The kernel does the
// formatting; args may be integers, bytes, runes or strings,
// at most three of them, and only three strings in total
// counting the format.
func Printf(t *kernel.Task, format string, args ...any) (int, error) {
	if len(args) > 3 {
		panic("ulib: too many Printf arguments")
	}
	fva, err := stage(t, 0, format)
	if err != nil {
		return 0, err
	}
	var words [4]uint64
	words[0] = fva
	slot := 1
	for i, a := range args {
		var w uint64
		switch a := a.(type) {
		case int:
			w = uint64(a)
		case int64:
			w = uint64(a)
		case int32:
			w = uint64(a)
		case uint:
			w = uint64(a)
		case uint64:
			w = a
		case uint32:
			w = uint64(a)
		case byte:
			w = uint64(a)
		case kernel.Handle:
			w = uint64(a)
		case string:
			w, err = stage(t, slot, a)
			if err != nil {
				return 0, err
			}
			slot++
		default:
			panic("ulib: unsupported Printf argument")
		}
		words[i+1] = w
	}
	n, err := call(t, kernel.SysPrintf, words[:]...)
	return int(n), err
}

// Print writes s on the current console.
func Print(t *kernel.Task, s string) error {
	for len(s) > 0 {
		chunk := s
		if len(chunk) > kernel.MAXPATH {
			chunk = chunk[:kernel.MAXPATH]
		}
		if _, err := Printf(t, "%s", chunk); err != nil {
			return err
		}
		s = s[len(chunk):]
	}
	return nil
}

// NewConsole creates a console and makes it current.
func NewConsole(t *kernel.Task) (kernel.Handle, error) {
	h, err := call(t, kernel.SysNewConsole)
	return kernel.Handle(h), err
}

// PollInput returns the next input byte, if any. It never blocks.
func PollInput(t *kernel.Task) (byte, bool) {
	r, err := call(t, kernel.SysPollInput)
	if err != nil || r == kernel.InputEmpty {
		return 0, false
	}
	return byte(r), true
}

// ReadLine reads a line of console input, echoing it and
// yielding while none is ready. The newline is not included.
func ReadLine(t *kernel.Task) string {
	var b []byte
	for {
		c, ok := PollInput(t)
		if !ok {
			t.Yield()
			continue
		}
		switch c {
		case '\r', '\n':
			Print(t, "\n")
			return string(b)
		case '\b', 0x7f:
			if len(b) > 0 {
				b = b[:len(b)-1]
				Print(t, "\b \b")
			}
		default:
			b = append(b, c)
			Printf(t, "%c", c)
		}
	}
}

// Steal takes exclusive use of console h.
func Steal(t *kernel.Task, h kernel.Handle) error {
	_, err := call(t, kernel.SysStealConsole, uint64(h))
	return err
}

// Restore gives back a stolen console.
func Restore(t *kernel.Task, h kernel.Handle) error {
	_, err := call(t, kernel.SysRestoreConsole, uint64(h))
	return err
}

// DirectBuffer maps console h's cells and returns their address.
func DirectBuffer(t *kernel.Task, h kernel.Handle) (uint64, error) {
	return call(t, kernel.SysDirectBuffer, uint64(h))
}

// Open opens the named file. Mode is a combination of
// kernel.OpenRead, OpenWrite, OpenCreate and OpenTrunc.
func Open(t *kernel.Task, path string, mode int) (kernel.Handle, error) {
	va, err := stage(t, 0, path)
	if err != nil {
		return 0, err
	}
	h, err := call(t, kernel.SysOpen, va, uint64(mode))
	return kernel.Handle(h), err
}

// Read reads up to len(b) bytes from file h.
// At end of file it returns 0, io.EOF.
func Read(t *kernel.Task, h kernel.Handle, b []byte) (int, error) {
	if len(b) > bufSize {
		b = b[:bufSize]
	}
	va := scratch(t) + bufOff
	n, err := call(t, kernel.SysRead, uint64(h), va, uint64(len(b)))
	if err != nil {
		return 0, err
	}
	if n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	if err := t.ReadMem(va, b[:n]); err != nil {
		return 0, kernel.InvalidBuffer
	}
	return int(n), nil
}

// Write writes all of b to file h.
func Write(t *kernel.Task, h kernel.Handle, b []byte) (int, error) {
	return writeAll(t, kernel.SysWrite, h, b)
}

func writeAll(t *kernel.Task, num kernel.Sysno, h kernel.Handle, b []byte) (int, error) {
	va := scratch(t) + bufOff
	total := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > bufSize {
			chunk = chunk[:bufSize]
		}
		if err := t.WriteMem(va, chunk); err != nil {
			return total, kernel.InvalidBuffer
		}
		n, err := call(t, num, uint64(h), va, uint64(len(chunk)))
		total += int(n)
		if err != nil {
			return total, err
		}
		b = b[n:]
	}
	return total, nil
}

// Close closes handle h.
func Close(t *kernel.Task, h kernel.Handle) error {
	_, err := call(t, kernel.SysClose, uint64(h))
	return err
}

// Seek sets the offset of file h.
func Seek(t *kernel.Task, h kernel.Handle, off int64, origin int) (int64, error) {
	r, err := call(t, kernel.SysSeek, uint64(h), uint64(off), uint64(origin))
	return int64(r), err
}

// Size returns the size of file h.
func Size(t *kernel.Task, h kernel.Handle) (int64, error) {
	r, err := call(t, kernel.SysSize, uint64(h))
	return int64(r), err
}

// Socket creates a socket.
func Socket(t *kernel.Task) (kernel.Handle, error) {
	h, err := call(t, kernel.SysSocket)
	return kernel.Handle(h), err
}

// SockClose closes socket h, keeping the handle until SockRelease.
func SockClose(t *kernel.Task, h kernel.Handle) error {
	_, err := call(t, kernel.SysSockClose, uint64(h))
	return err
}

// SockRelease frees socket handle h, closing it if needed.
func SockRelease(t *kernel.Task, h kernel.Handle) error {
	_, err := call(t, kernel.SysSockRelease, uint64(h))
	return err
}

// Connect connects socket h to the listener on port.
func Connect(t *kernel.Task, h kernel.Handle, port int) error {
	_, err := call(t, kernel.SysConnect, uint64(h), uint64(port))
	return err
}

// Listen binds socket h to port and listens.
func Listen(t *kernel.Task, h kernel.Handle, port int) error {
	_, err := call(t, kernel.SysListen, uint64(h), uint64(port))
	return err
}

// Accept waits for a connection on listener h.
func Accept(t *kernel.Task, h kernel.Handle) (kernel.Handle, error) {
	c, err := call(t, kernel.SysAccept, uint64(h))
	return kernel.Handle(c), err
}

// Send sends all of b on socket h.
func Send(t *kernel.Task, h kernel.Handle, b []byte) (int, error) {
	return writeAll(t, kernel.SysSend, h, b)
}

// Recv receives up to len(b) bytes from socket h.
// It returns 0, io.EOF once the peer has closed.
func Recv(t *kernel.Task, h kernel.Handle, b []byte) (int, error) {
	if len(b) > bufSize {
		b = b[:bufSize]
	}
	va := scratch(t) + bufOff
	n, err := call(t, kernel.SysRecv, uint64(h), va, uint64(len(b)))
	if err != nil {
		return 0, err
	}
	if n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	if err := t.ReadMem(va, b[:n]); err != nil {
		return 0, kernel.InvalidBuffer
	}
	return int(n), nil
}

type reader struct {
	t    *kernel.Task
	h    kernel.Handle
	read func(*kernel.Task, kernel.Handle, []byte) (int, error)
}

func (r *reader) Read(b []byte) (int, error) { return r.read(r.t, r.h, b) }

// FileReader returns an io.Reader reading file h.
func FileReader(t *kernel.Task, h kernel.Handle) io.Reader {
	return &reader{t, h, Read}
}

// SockReader returns an io.Reader reading socket h.
func SockReader(t *kernel.Task, h kernel.Handle) io.Reader {
	return &reader{t, h, Recv}
}
