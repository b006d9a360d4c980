// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "fmt"

// A Sysno is a syscall number as loaded into the trap frame.
// The numbering is ABI and never changes.
type Sysno uint64

const (
	SysGetCPU     Sysno = 0x00
	SysVirtToPhys Sysno = 0x01
	SysLoad       Sysno = 0x02
	SysWait       Sysno = 0x03
	SysTime       Sysno = 0x04

	SysKill Sysno = 0x10

	SysPrintf         Sysno = 0x20
	SysNewConsole     Sysno = 0x21
	SysPollInput      Sysno = 0x22
	SysStealConsole   Sysno = 0x23
	SysRestoreConsole Sysno = 0x24
	SysDirectBuffer   Sysno = 0x25

	SysAlloc Sysno = 0x30
	SysFree  Sysno = 0x31

	SysOpen  Sysno = 0x40
	SysRead  Sysno = 0x41
	SysWrite Sysno = 0x42
	SysClose Sysno = 0x43
	SysSeek  Sysno = 0x44
	SysSize  Sysno = 0x45

	SysSocket      Sysno = 0x50
	SysSockClose   Sysno = 0x51
	SysConnect     Sysno = 0x52
	SysSockRelease Sysno = 0x53
	SysRecv        Sysno = 0x54
	SysSend        Sysno = 0x55
	SysListen      Sysno = 0x56
	SysAccept      Sysno = 0x57
)

// An Op is a kernel service. Ops index the dispatch table.
type Op uint8

const (
	OpGetCPU Op = iota
	OpVirtToPhys
	OpLoad
	OpWait
	OpTime
	OpKill
	OpPrintf
	OpNewConsole
	OpPollInput
	OpStealConsole
	OpRestoreConsole
	OpDirectBuffer
	OpAlloc
	OpFree
	OpOpen
	OpRead
	OpWrite
	OpClose
	OpSeek
	OpSize
	OpSocket
	OpSockClose
	OpConnect
	OpSockRelease
	OpRecv
	OpSend
	OpListen
	OpAccept

	NumOps
)

func (op Op) String() string {
	if op < NumOps && sysent[op].name != "" {
		name := sysent[op].name
		for i := 0; i < len(name); i++ {
			if name[i] == '(' {
				return name[:i]
			}
		}
		return name
	}
	return fmt.Sprintf("Op(%d)", op)
}

// Sysno returns the ABI number of op.
func (op Op) Sysno() Sysno {
	return sysent[op].num
}

// A handler runs one syscall for t.
type handler func(t *Task, a Args) Result

// The name is also the trace format:
// before ')' verbs consume arguments, after it the result.
// %d decimal, %p address, %h handle, %s string in task memory.
type sysentry struct {
	num  Sysno
	name string
	impl handler
}

var (
	sysent [NumOps]sysentry
	decode map[Sysno]Op
)

func init() {
	sysent = [NumOps]sysentry{
		OpGetCPU:     {SysGetCPU, "getcpu() = %d", sysgetcpu},
		OpVirtToPhys: {SysVirtToPhys, "v2p(%p) = %p", sysv2p},
		OpLoad:       {SysLoad, "load(%s, %s) = %h", sysload},
		OpWait:       {SysWait, "wait(%h) = %d", syswait},
		OpTime:       {SysTime, "time() = %d", systime},
		OpKill:       {SysKill, "kill(%d)", syskill},

		OpPrintf:         {SysPrintf, "printf(%s, %p, %p, %p) = %d", sysprintf},
		OpNewConsole:     {SysNewConsole, "newconsole() = %h", sysnewconsole},
		OpPollInput:      {SysPollInput, "pollin() = %p", syspollin},
		OpStealConsole:   {SysStealConsole, "steal(%h)", syssteal},
		OpRestoreConsole: {SysRestoreConsole, "restore(%h)", sysrestore},
		OpDirectBuffer:   {SysDirectBuffer, "directbuf(%h) = %p", sysdirectbuf},

		OpAlloc: {SysAlloc, "alloc(%d) = %p", sysalloc},
		OpFree:  {SysFree, "free(%p)", sysfree},

		OpOpen:  {SysOpen, "open(%s, %d) = %h", sysopen},
		OpRead:  {SysRead, "read(%h, %p, %d) = %d", sysread},
		OpWrite: {SysWrite, "write(%h, %p, %d) = %d", syswrite},
		OpClose: {SysClose, "close(%h)", sysclose},
		OpSeek:  {SysSeek, "seek(%h, %d, %d) = %d", sysseek},
		OpSize:  {SysSize, "size(%h) = %d", syssize},

		OpSocket:      {SysSocket, "socket() = %h", syssocket},
		OpSockClose:   {SysSockClose, "sockclose(%h)", syssockclose},
		OpConnect:     {SysConnect, "connect(%h, %d)", sysconnect},
		OpSockRelease: {SysSockRelease, "sockrelease(%h)", syssockrelease},
		OpRecv:        {SysRecv, "recv(%h, %p, %d) = %d", sysrecv},
		OpSend:        {SysSend, "send(%h, %p, %d) = %d", syssend},
		OpListen:      {SysListen, "listen(%h, %d)", syslisten},
		OpAccept:      {SysAccept, "accept(%h) = %h", sysaccept},
	}

	decode = make(map[Sysno]Op, NumOps)
	for op, e := range sysent {
		if e.impl == nil {
			panic(fmt.Sprintf("sysent: no handler for op %d", op))
		}
		if old, dup := decode[e.num]; dup {
			panic(fmt.Sprintf("sysent: %#x assigned to both %v and %v", e.num, old, Op(op)))
		}
		decode[e.num] = Op(op)
	}
}

// Lookup returns the op for an ABI number.
func Lookup(num uint64) (Op, bool) {
	op, ok := decode[Sysno(num)]
	return op, ok
}
