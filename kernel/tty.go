// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"

	"rsc.io/gate/vmem"
)

const (
	maxInput   = 4096     /* pending input bytes per console */
	maxBacklog = 64 << 10 /* output held while stolen */
	attrNormal = 0x07
)

// A Console is a text-cell framebuffer with a keyboard queue.
// Each cell is a character byte followed by an attribute byte.
//
// A process may steal a console for exclusive use. While it is
// stolen, output from other processes is held back and input is
// seen only by the owner.
type Console struct {
	sys *System
	id  int

	mu      sync.Mutex
	cols    int
	rows    int
	fb      []byte
	frames  []uint64
	x, y    int
	out     io.Writer
	in      bytes.Buffer
	owner   *Proc
	backlog bytes.Buffer
	direct  map[*Proc]uint64
	refs    int
}

type consoleTable struct {
	mu   sync.Mutex
	list []*Console
}

func (ct *consoleTable) create(sys *System) (*Console, Errno) {
	cols, rows := sys.cfg.ConsoleCols, sys.cfg.ConsoleRows
	ct.mu.Lock()
	defer ct.mu.Unlock()

	slot := -1
	n := 0
	for i, c := range ct.list {
		if c != nil {
			n++
		} else if slot < 0 {
			slot = i
		}
	}
	if n >= sys.cfg.MaxConsoles {
		return nil, ResourceExhausted
	}
	size := uint64(cols * rows * 2)
	npage := int((size + vmem.PageSize - 1) / vmem.PageSize)
	frames, err := sys.frames.Alloc(npage)
	if err != nil {
		return nil, ResourceExhausted
	}
	if slot < 0 {
		slot = len(ct.list)
		ct.list = append(ct.list, nil)
	}
	c := &Console{
		sys:    sys,
		id:     slot,
		cols:   cols,
		rows:   rows,
		fb:     make([]byte, npage*vmem.PageSize),
		frames: frames,
		direct: make(map[*Proc]uint64),
	}
	c.clear()
	ct.list[slot] = c
	if slot == 0 {
		c.refs++ // the system console is never freed
	}
	return c, 0
}

func (ct *consoleTable) get(id int) *Console {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if id < 0 || id >= len(ct.list) {
		return nil
	}
	return ct.list[id]
}

func (ct *consoleTable) free(c *Console) {
	ct.mu.Lock()
	if ct.list[c.id] == c {
		ct.list[c.id] = nil
	}
	ct.mu.Unlock()
	c.sys.frames.Free(c.frames)
}

func (c *Console) kind() Kind { return KindConsole }

func (c *Console) ref() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

func (c *Console) unref() {
	c.mu.Lock()
	c.refs--
	last := c.refs == 0
	c.mu.Unlock()
	if last {
		c.sys.cons.free(c)
	}
}

// release drops p's handle to c, giving back
// ownership and any direct mapping p held.
func (c *Console) release(p *Proc) {
	c.mu.Lock()
	if c.owner == p {
		c.restoreLocked()
	}
	va, mapped := c.direct[p]
	delete(c.direct, p)
	c.mu.Unlock()

	if mapped {
		p.Mem.Unmap(va)
	}
	c.unref()
}

// ID returns the console number.
func (c *Console) ID() int { return c.id }

// SetOutput sends everything displayed on c to w as well.
func (c *Console) SetOutput(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = w
}

// Input queues keyboard input for c.
// Bytes beyond the queue limit are dropped.
func (c *Console) Input(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := maxInput - c.in.Len(); len(b) > room {
		b = b[:room]
	}
	c.in.Write(b)
}

// Text returns the visible screen contents, one line per row,
// without trailing blanks.
func (c *Console) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lines []string
	for y := 0; y < c.rows; y++ {
		row := make([]byte, c.cols)
		for x := range row {
			row[x] = c.fb[(y*c.cols+x)*2]
		}
		lines = append(lines, strings.TrimRight(string(row), " \x00"))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Owner returns the pid of the process that stole c, or 0.
func (c *Console) Owner() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner == nil {
		return 0
	}
	return c.owner.Pid
}

func (c *Console) write(p *Proc, b []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner != nil && c.owner != p {
		if room := maxBacklog - c.backlog.Len(); len(b) > room {
			c.backlog.Write(b[:room])
		} else {
			c.backlog.Write(b)
		}
		return len(b)
	}
	c.emit(b)
	return len(b)
}

// restoreLocked ends the current steal. The owner loses its
// direct mapping and held-back output is shown.
func (c *Console) restoreLocked() {
	if va, ok := c.direct[c.owner]; ok {
		c.owner.Mem.Unmap(va)
		delete(c.direct, c.owner)
	}
	c.owner = nil
	if c.backlog.Len() > 0 {
		c.emit(c.backlog.Bytes())
		c.backlog.Reset()
	}
}

func (c *Console) emit(b []byte) {
	for _, ch := range b {
		switch ch {
		case '\n':
			c.x = 0
			c.y++
		case '\r':
			c.x = 0
		case '\b':
			if c.x > 0 {
				c.x--
			}
		case '\t':
			c.x = (c.x + 8) &^ 7
		default:
			i := (c.y*c.cols + c.x) * 2
			c.fb[i] = ch
			c.fb[i+1] = attrNormal
			c.x++
		}
		if c.x >= c.cols {
			c.x = 0
			c.y++
		}
		if c.y >= c.rows {
			c.scroll()
		}
	}
	if c.out != nil {
		c.out.Write(b)
	}
}

func (c *Console) scroll() {
	row := c.cols * 2
	copy(c.fb, c.fb[row:c.rows*row])
	last := c.fb[(c.rows-1)*row : c.rows*row]
	for i := 0; i < len(last); i += 2 {
		last[i] = ' '
		last[i+1] = attrNormal
	}
	c.y = c.rows - 1
}

func (c *Console) clear() {
	for i := 0; i+1 < c.cols*c.rows*2; i += 2 {
		c.fb[i] = ' '
		c.fb[i+1] = attrNormal
	}
	c.x, c.y = 0, 0
}

/*
 * printf system call.
 * Format on the current console.
 * Verbs are %d %u %x %c and %s,
 * whose argument is a string address.
 */
func sysprintf(t *Task, a Args) Result {
	format, e := t.str(a[0])
	if e != 0 {
		return fail(e)
	}
	arg := 1
	next := func() uint64 {
		if arg >= len(a) {
			return 0
		}
		arg++
		return a[arg-1]
	}

	var b []byte
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 == len(format) {
			b = append(b, c)
			continue
		}
		i++
		switch format[i] {
		case 'd':
			b = strconv.AppendInt(b, int64(next()), 10)
		case 'u':
			b = strconv.AppendUint(b, next(), 10)
		case 'x':
			b = strconv.AppendUint(b, next(), 16)
		case 'c':
			b = append(b, byte(next()))
		case 's':
			s, e := t.str(next())
			if e != 0 {
				return fail(e)
			}
			b = append(b, s...)
		case '%':
			b = append(b, '%')
		default:
			b = append(b, '%', format[i])
		}
	}
	n := t.proc.currentConsole().write(t.proc, b)
	return done(uint64(n))
}

func sysnewconsole(t *Task, a Args) Result {
	c, e := t.sys.cons.create(t.sys)
	if e != 0 {
		return fail(e)
	}
	c.ref()
	h, e := t.proc.Handles.alloc(c)
	if e != 0 {
		c.release(t.proc)
		return fail(e)
	}
	t.proc.setConsole(c)
	t.log.Debug("new console", "console", c.id, "handle", h)
	return done(uint64(h))
}

func syspollin(t *Task, a Args) Result {
	c := t.proc.currentConsole()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner != nil && c.owner != t.proc {
		return done(InputEmpty)
	}
	ch, err := c.in.ReadByte()
	if err != nil {
		return done(InputEmpty)
	}
	return done(uint64(ch))
}

func syssteal(t *Task, a Args) Result {
	c, e := lookup[*Console](&t.proc.Handles, a.Handle(0))
	if e != 0 {
		return fail(e)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner != nil && c.owner != t.proc {
		return fail(PermissionDenied)
	}
	c.owner = t.proc
	for p, va := range c.direct {
		if p != t.proc {
			p.Mem.Unmap(va)
			delete(c.direct, p)
		}
	}
	return done(0)
}

func sysrestore(t *Task, a Args) Result {
	c, e := lookup[*Console](&t.proc.Handles, a.Handle(0))
	if e != 0 {
		return fail(e)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner != t.proc {
		return fail(PermissionDenied)
	}
	c.restoreLocked()
	return done(0)
}

/*
 * directbuf system call.
 * Map the console's cells into the caller,
 * which must have stolen the console.
 * Mapping twice returns the same address.
 * Restore takes the mapping away.
 */
func sysdirectbuf(t *Task, a Args) Result {
	c, e := lookup[*Console](&t.proc.Handles, a.Handle(0))
	if e != 0 {
		return fail(e)
	}
	c.mu.Lock()
	if c.owner != t.proc {
		c.mu.Unlock()
		return fail(PermissionDenied)
	}
	if va, ok := c.direct[t.proc]; ok {
		c.mu.Unlock()
		return done(va)
	}
	fb, frames := c.fb, c.frames
	c.mu.Unlock()

	mem := t.proc.Mem
	va, ok := mem.FreeDirect(uint64(len(fb)))
	if !ok {
		return fail(ResourceExhausted)
	}
	if _, err := mem.MapShared(va, fb, frames); err != nil {
		return fail(ResourceExhausted)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != t.proc {
		mem.Unmap(va)
		return fail(PermissionDenied)
	}
	c.direct[t.proc] = va
	return done(va)
}
