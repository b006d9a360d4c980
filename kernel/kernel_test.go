// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel_test

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsc.io/gate/kernel"
	"rsc.io/gate/ulib"
	"rsc.io/gate/vmem"
)

const testDisk = `-- etc/motd mode=0444 --
hello, world
-- etc/secret mode=0200 --
-- bin/noexec mode=0644 --
entry: child
`

func boot(t *testing.T, cfg kernel.Config) *kernel.System {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.CPUs == 0 {
		cfg.CPUs = 4
	}
	sys, err := kernel.NewSystem(cfg, []byte(testDisk))
	require.NoError(t, err)
	t.Cleanup(sys.Shutdown)
	return sys
}

func wait(t *testing.T, p *kernel.Proc) int {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("pid %d did not exit", p.Pid)
	}
	return p.Status()
}

func run(t *testing.T, sys *kernel.System, prog kernel.Program) int {
	t.Helper()
	p, err := sys.Spawn("test", prog)
	require.NoError(t, err)
	return wait(t, p)
}

func TestDispatchOnce(t *testing.T) {
	sys := boot(t, kernel.Config{})
	run(t, sys, func(k *kernel.Task) int {
		ulib.GetCPU(k)
		ulib.Time(k)
		ulib.Time(k)
		return 0
	})
	st := sys.Stats()
	assert.Equal(t, uint64(1), st.Calls[kernel.OpGetCPU])
	assert.Equal(t, uint64(2), st.Calls[kernel.OpTime])
	assert.Zero(t, st.Calls[kernel.OpAlloc])
}

func TestReservedCodes(t *testing.T) {
	sys := boot(t, kernel.Config{})
	before := sys.Stats()
	run(t, sys, func(k *kernel.Task) int {
		for _, num := range []uint64{0x05, 0x11, 0x26, 0x32, 0x46, 0x58, 0x1000} {
			r, e := k.Syscall(num, 1, 2, 3, 4)
			assert.Equal(t, kernel.InvalidSyscall, e, "%#x", num)
			assert.Zero(t, r)
		}
		return 0
	})
	assert.Equal(t, before.Calls, sys.Stats().Calls, "reserved codes reach no handler")
}

func TestTimeAndCPU(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sys := boot(t, kernel.Config{CPUs: 2, Clock: func() time.Time { return now }})
	run(t, sys, func(k *kernel.Task) int {
		assert.True(t, ulib.Time(k).Equal(now))
		cpu := ulib.GetCPU(k)
		assert.True(t, cpu == 0 || cpu == 1, "cpu %d", cpu)
		return 0
	})
}

func TestMemory(t *testing.T) {
	sys := boot(t, kernel.Config{MaxAlloc: 1 << 20})
	status := run(t, sys, func(k *kernel.Task) int {
		va, err := ulib.Alloc(k, 100)
		if !assert.NoError(t, err) {
			return 1
		}
		assert.Equal(t, vmem.HeapBase, va)
		assert.NoError(t, k.WriteMem(va, []byte("heap")))

		pa, err := ulib.VirtToPhys(k, va+5)
		assert.NoError(t, err)
		assert.Equal(t, uint64(5), pa%vmem.PageSize)

		assert.NoError(t, ulib.Free(k, va))
		assert.Equal(t, kernel.InvalidHandle, ulib.Free(k, va), "double free")
		assert.Equal(t, kernel.InvalidHandle, ulib.Free(k, 0x1234), "never allocated")
		assert.Equal(t, kernel.InvalidHandle, ulib.Free(k, vmem.DataBase), "not heap")

		_, err = ulib.VirtToPhys(k, va)
		assert.Equal(t, kernel.UnmappedAddress, err)

		_, err = ulib.Alloc(k, 2<<20)
		assert.Equal(t, kernel.ResourceExhausted, err)
		return 0
	})
	assert.Equal(t, 0, status)
}

func TestFileRoundTrip(t *testing.T) {
	sys := boot(t, kernel.Config{})
	run(t, sys, func(k *kernel.Task) int {
		h, err := ulib.Open(k, "tmp/x", kernel.OpenWrite|kernel.OpenRead|kernel.OpenCreate)
		if !assert.NoError(t, err) {
			return 1
		}
		n, err := ulib.Write(k, h, []byte("hello, gate\n"))
		assert.NoError(t, err)
		assert.Equal(t, 12, n)

		size, err := ulib.Size(k, h)
		assert.NoError(t, err)
		assert.Equal(t, int64(12), size)

		off, err := ulib.Seek(k, h, 7, kernel.SeekSet)
		assert.NoError(t, err)
		assert.Equal(t, int64(7), off)
		buf := make([]byte, 100)
		n, err = ulib.Read(k, h, buf)
		assert.NoError(t, err)
		assert.Equal(t, "gate\n", string(buf[:n]), "short read at end of file")
		_, err = ulib.Read(k, h, buf)
		assert.Equal(t, io.EOF, err)

		off, err = ulib.Seek(k, h, -5, kernel.SeekEnd)
		assert.NoError(t, err)
		assert.Equal(t, int64(7), off)
		_, err = ulib.Seek(k, h, 1, kernel.SeekEnd)
		assert.Equal(t, kernel.OutOfRange, err)
		_, err = ulib.Seek(k, h, -1, kernel.SeekSet)
		assert.Equal(t, kernel.OutOfRange, err)

		assert.NoError(t, ulib.Close(k, h))
		assert.Equal(t, kernel.InvalidHandle, ulib.Close(k, h), "double close")
		_, err = ulib.Size(k, h)
		assert.Equal(t, kernel.InvalidHandle, err)
		return 0
	})
	data, err := sys.Disk().ReadFile("tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "hello, gate\n", string(data))
}

func TestFileErrors(t *testing.T) {
	sys := boot(t, kernel.Config{})
	run(t, sys, func(k *kernel.Task) int {
		_, err := ulib.Open(k, "etc/none", kernel.OpenRead)
		assert.Equal(t, kernel.NotFound, err)
		_, err = ulib.Open(k, "etc/motd", kernel.OpenWrite)
		assert.Equal(t, kernel.PermissionDenied, err, "read-only file")
		_, err = ulib.Open(k, "etc/secret", kernel.OpenRead)
		assert.Equal(t, kernel.PermissionDenied, err, "write-only file")

		h, err := ulib.Open(k, "etc/motd", kernel.OpenRead)
		if !assert.NoError(t, err) {
			return 1
		}
		_, err = ulib.Write(k, h, []byte("x"))
		assert.Equal(t, kernel.InvalidHandle, err, "write on read handle")

		// A buffer outside task memory.
		_, e := k.Syscall(uint64(kernel.SysRead), uint64(h), 0x10, 4)
		assert.Equal(t, kernel.InvalidBuffer, e)
		_, e = k.Syscall(uint64(kernel.SysOpen), 0x10, kernel.OpenRead)
		assert.Equal(t, kernel.InvalidBuffer, e)
		return 0
	})
}

func TestOpenOutOfHandles(t *testing.T) {
	sys := boot(t, kernel.Config{MaxHandles: 1})
	require.NoError(t, sys.Disk().WriteFile("etc/full", []byte("important\n"), 0o644))
	run(t, sys, func(k *kernel.Task) int {
		_, err := ulib.Open(k, "etc/keep", kernel.OpenWrite|kernel.OpenCreate)
		assert.Equal(t, kernel.ResourceExhausted, err)
		_, err = ulib.Open(k, "etc/full", kernel.OpenWrite|kernel.OpenTrunc)
		assert.Equal(t, kernel.ResourceExhausted, err)
		return 0
	})
	_, err := sys.Disk().ReadFile("etc/keep")
	assert.ErrorIs(t, err, os.ErrNotExist, "failed open created a file")
	data, err := sys.Disk().ReadFile("etc/full")
	require.NoError(t, err)
	assert.Equal(t, "important\n", string(data), "failed open truncated a file")
}

func TestOpenFailureFreesHandle(t *testing.T) {
	sys := boot(t, kernel.Config{MaxHandles: 2})
	run(t, sys, func(k *kernel.Task) int {
		_, err := ulib.Open(k, "etc/none", kernel.OpenRead)
		assert.Equal(t, kernel.NotFound, err)
		_, err = ulib.Open(k, "etc/motd", kernel.OpenWrite)
		assert.Equal(t, kernel.PermissionDenied, err)
		h, err := ulib.Open(k, "etc/motd", kernel.OpenRead)
		assert.NoError(t, err)
		assert.Equal(t, kernel.Handle(1), h, "failed opens left no handle behind")
		return 0
	})
}

func TestSlowStorage(t *testing.T) {
	sys := boot(t, kernel.Config{DiskLatency: time.Millisecond})
	done := make(chan bool)
	for i := 0; i < 3; i++ {
		name := []string{"a", "b", "c"}[i]
		_, err := sys.Spawn(name, func(k *kernel.Task) int {
			h, err := ulib.Open(k, "tmp/"+name, kernel.OpenRead|kernel.OpenWrite|kernel.OpenCreate)
			if !assert.NoError(t, err) {
				done <- false
				return 1
			}
			ulib.Write(k, h, []byte(name+name))
			ulib.Seek(k, h, 0, kernel.SeekSet)
			buf := make([]byte, 8)
			n, err := ulib.Read(k, h, buf)
			done <- assert.NoError(t, err) && assert.Equal(t, name+name, string(buf[:n]))
			return 0
		})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		assert.True(t, <-done)
	}
}

func TestKillDuringSlowWrite(t *testing.T) {
	sys := boot(t, kernel.Config{DiskLatency: 300 * time.Millisecond})
	require.NoError(t, sys.Disk().WriteFile("tmp/log", nil, 0o644))
	p, err := sys.Spawn("writer", func(k *kernel.Task) int {
		h, err := ulib.Open(k, "tmp/log", kernel.OpenWrite)
		if !assert.NoError(t, err) {
			return 1
		}
		ulib.Write(k, h, []byte("written-after-death"))
		return 0
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.State() == kernel.ProcBlocked },
		5*time.Second, time.Millisecond, "writer never blocked on storage")

	require.NoError(t, sys.Kill(p.Pid, kernel.StatusKilled))
	assert.Equal(t, kernel.StatusKilled, wait(t, p))

	// Shutdown waits for the storage worker to go idle.
	sys.Shutdown()
	data, err := sys.Disk().ReadFile("tmp/log")
	require.NoError(t, err)
	assert.Empty(t, data, "write of a killed task reached the disk")
}

func TestLoadWait(t *testing.T) {
	sys := boot(t, kernel.Config{})
	var childArgs []string
	require.NoError(t, sys.Install("bin/child", "child", func(k *kernel.Task) int {
		childArgs = k.Args()
		return 7
	}))

	status := run(t, sys, func(k *kernel.Task) int {
		h, err := ulib.Load(k, "bin/child", "one", "two")
		if !assert.NoError(t, err) {
			return 1
		}
		status, err := ulib.Wait(k, h)
		assert.NoError(t, err)
		assert.Equal(t, 7, status)

		_, err = ulib.Wait(k, h)
		assert.Equal(t, kernel.InvalidHandle, err, "status is collected once")

		_, err = ulib.Load(k, "bin/missing")
		assert.Equal(t, kernel.LoadFailure, err)
		_, err = ulib.Load(k, "bin/noexec")
		assert.Equal(t, kernel.LoadFailure, err)
		_, err = ulib.Load(k, "etc/motd")
		assert.Equal(t, kernel.LoadFailure, err)
		return 0
	})
	assert.Equal(t, 0, status)
	assert.Equal(t, []string{"one", "two"}, childArgs)
	assert.Empty(t, sys.Procs(), "all processes reaped")
}

func TestLoadLimits(t *testing.T) {
	sys := boot(t, kernel.Config{MaxProcs: 1})
	require.NoError(t, sys.Install("bin/child", "child", func(k *kernel.Task) int { return 0 }))
	run(t, sys, func(k *kernel.Task) int {
		_, err := ulib.Load(k, "bin/child")
		assert.Equal(t, kernel.ResourceExhausted, err)
		return 0
	})
}

func TestLoadHugeData(t *testing.T) {
	sys := boot(t, kernel.Config{})
	sys.Register("child", func(k *kernel.Task) int { return 0 })
	for _, size := range []string{"0xffffffffffffff00", "0x80000000"} {
		require.NoError(t, sys.Disk().WriteFile("bin/huge", []byte("entry: child\ndata: "+size+"\n"), 0o755))
		_, err := sys.Start("bin/huge")
		assert.ErrorIs(t, err, kernel.ResourceExhausted, "data: %s", size)
	}
	assert.Empty(t, sys.Procs())
}

func TestWaitForKilledChild(t *testing.T) {
	sys := boot(t, kernel.Config{})
	started := make(chan int, 1)
	require.NoError(t, sys.Install("bin/spin", "spin", func(k *kernel.Task) int {
		started <- k.Pid()
		for {
			k.Yield()
		}
	}))
	parent, err := sys.Spawn("parent", func(k *kernel.Task) int {
		h, err := ulib.Load(k, "bin/spin")
		if !assert.NoError(t, err) {
			return 1
		}
		status, err := ulib.Wait(k, h)
		assert.NoError(t, err)
		return status
	})
	require.NoError(t, err)

	pid := <-started
	require.NoError(t, sys.Kill(pid, 99))
	assert.Equal(t, 99, wait(t, parent))
}

func TestExit(t *testing.T) {
	sys := boot(t, kernel.Config{})
	free := sys.Stats().FreeFrames
	reached := false
	status := run(t, sys, func(k *kernel.Task) int {
		ulib.Alloc(k, 3*vmem.PageSize)
		ulib.Open(k, "etc/motd", kernel.OpenRead)
		ulib.Exit(k, 3)
		reached = true
		return 0
	})
	assert.Equal(t, 3, status)
	assert.False(t, reached)
	assert.Equal(t, free, sys.Stats().FreeFrames, "memory released")
}

func TestUnknownHandle(t *testing.T) {
	sys := boot(t, kernel.Config{})
	run(t, sys, func(k *kernel.Task) int {
		for _, num := range []kernel.Sysno{
			kernel.SysWait, kernel.SysClose, kernel.SysSize,
			kernel.SysStealConsole, kernel.SysRecv, kernel.SysAccept,
		} {
			_, e := k.Syscall(uint64(num), 17)
			assert.Equal(t, kernel.InvalidHandle, e, "%v", num)
		}
		s, err := ulib.Socket(k)
		if !assert.NoError(t, err) {
			return 1
		}
		_, e := k.Syscall(uint64(kernel.SysSize), uint64(s))
		assert.Equal(t, kernel.InvalidHandle, e, "socket is not a file")
		assert.Equal(t, kernel.InvalidHandle, ulib.Close(k, s), "sockets close with SockClose")
		_, e = k.Syscall(uint64(kernel.SysWait), 0)
		assert.Equal(t, kernel.InvalidHandle, e, "console is not a process")
		return 0
	})
}
