// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsc.io/gate/kernel"
	"rsc.io/gate/ulib"
)

func TestPrintf(t *testing.T) {
	sys := boot(t, kernel.Config{})
	var out bytes.Buffer
	sys.Console().SetOutput(&out)
	run(t, sys, func(k *kernel.Task) int {
		n, err := ulib.Printf(k, "%d %x %s\n", -5, 255, "ok")
		assert.NoError(t, err)
		assert.Equal(t, 9, n)
		ulib.Printf(k, "%c%c%% %q\n", byte('h'), byte('i'))
		ulib.Print(k, "ab\bc\tz")
		return 0
	})
	assert.Equal(t, "-5 ff ok\nhi% %q\nac      z", sys.Console().Text())
	assert.Equal(t, "-5 ff ok\nhi% %q\nab\bc\tz", out.String())
}

func TestConsoleScroll(t *testing.T) {
	sys := boot(t, kernel.Config{ConsoleCols: 4, ConsoleRows: 2})
	run(t, sys, func(k *kernel.Task) int {
		ulib.Print(k, "one\ntwo\nthreefour")
		return 0
	})
	assert.Equal(t, "efou\nr", sys.Console().Text())
}

func TestPollInput(t *testing.T) {
	sys := boot(t, kernel.Config{})
	sys.Console().Input([]byte("hi"))
	run(t, sys, func(k *kernel.Task) int {
		for _, want := range []byte("hi") {
			c, ok := ulib.PollInput(k)
			assert.True(t, ok)
			assert.Equal(t, want, c)
		}
		_, ok := ulib.PollInput(k)
		assert.False(t, ok)
		return 0
	})
}

func TestStealConsole(t *testing.T) {
	sys := boot(t, kernel.Config{})
	stolen := make(chan bool)
	restore := make(chan bool)
	owner, err := sys.Spawn("owner", func(k *kernel.Task) int {
		stolen <- assert.NoError(t, ulib.Steal(k, 0)) &&
			assert.NoError(t, ulib.Steal(k, 0), "stealing again is allowed") &&
			assert.NoError(t, ulib.Print(k, "mine\n"))
		<-restore
		assert.NoError(t, ulib.Restore(k, 0))
		assert.Equal(t, kernel.PermissionDenied, ulib.Restore(k, 0), "not the owner any more")
		return 0
	})
	require.NoError(t, err)
	require.True(t, <-stolen)

	con := sys.Console()
	con.Input([]byte("x"))
	run(t, sys, func(k *kernel.Task) int {
		assert.NoError(t, ulib.Print(k, "other\n"))
		_, ok := ulib.PollInput(k)
		assert.False(t, ok, "input goes to the owner")
		assert.Equal(t, kernel.PermissionDenied, ulib.Steal(k, 0))
		assert.Equal(t, kernel.PermissionDenied, ulib.Restore(k, 0))
		_, err := ulib.DirectBuffer(k, 0)
		assert.Equal(t, kernel.PermissionDenied, err)
		return 0
	})
	assert.Equal(t, "mine", con.Text(), "output held back while stolen")
	assert.Equal(t, owner.Pid, con.Owner())

	close(restore)
	wait(t, owner)
	assert.Equal(t, "mine\nother", con.Text())
	assert.Zero(t, con.Owner())
}

func TestStealReleasedOnExit(t *testing.T) {
	sys := boot(t, kernel.Config{})
	stolen := make(chan bool)
	quit := make(chan bool)
	owner, err := sys.Spawn("owner", func(k *kernel.Task) int {
		stolen <- assert.NoError(t, ulib.Steal(k, 0))
		<-quit
		return 0
	})
	require.NoError(t, err)
	require.True(t, <-stolen)

	run(t, sys, func(k *kernel.Task) int {
		ulib.Print(k, "queued")
		return 0
	})
	assert.Empty(t, sys.Console().Text())
	close(quit)
	wait(t, owner)
	assert.Equal(t, "queued", sys.Console().Text())
}

func TestDirectBuffer(t *testing.T) {
	sys := boot(t, kernel.Config{})
	run(t, sys, func(k *kernel.Task) int {
		_, err := ulib.DirectBuffer(k, 0)
		assert.Equal(t, kernel.PermissionDenied, err, "console not stolen")

		if !assert.NoError(t, ulib.Steal(k, 0)) {
			return 1
		}
		va, err := ulib.DirectBuffer(k, 0)
		if !assert.NoError(t, err) {
			return 1
		}
		again, err := ulib.DirectBuffer(k, 0)
		assert.NoError(t, err)
		assert.Equal(t, va, again)

		assert.NoError(t, k.WriteMem(va, []byte{'Z', 0x07, 'Y', 0x07}))
		ulib.Print(k, "\n\nvia printf")
		cell := make([]byte, 4)
		assert.NoError(t, k.ReadMem(va+2*80*2, cell))
		assert.Equal(t, []byte{'v', 0x07, 'i', 0x07}, cell)

		assert.NoError(t, ulib.Restore(k, 0))
		assert.Error(t, k.WriteMem(va, []byte{'X', 0x07}), "restore unmaps the cells")
		_, err = ulib.DirectBuffer(k, 0)
		assert.Equal(t, kernel.PermissionDenied, err)
		return 0
	})
	assert.Equal(t, "ZY\n\nvia printf", sys.Console().Text())
}

func TestDirectBufferAfterSteal(t *testing.T) {
	sys := boot(t, kernel.Config{})
	mapped := make(chan uint64)
	restored := make(chan bool)
	first, err := sys.Spawn("first", func(k *kernel.Task) int {
		ulib.Steal(k, 0)
		va, err := ulib.DirectBuffer(k, 0)
		assert.NoError(t, err)
		assert.NoError(t, ulib.Restore(k, 0))
		mapped <- va
		<-restored
		assert.Error(t, k.WriteMem(va, []byte("XX")), "old mapping is gone")
		return 0
	})
	require.NoError(t, err)
	<-mapped

	run(t, sys, func(k *kernel.Task) int {
		assert.NoError(t, ulib.Steal(k, 0))
		close(restored)
		wait(t, first)
		ulib.Print(k, "mine")
		return 0
	})
	assert.Equal(t, "mine", sys.Console().Text())
}

func TestNewConsole(t *testing.T) {
	sys := boot(t, kernel.Config{MaxConsoles: 2})
	var sysOut bytes.Buffer
	sys.Console().SetOutput(&sysOut)
	require.NoError(t, sys.Install("bin/child", "child", func(k *kernel.Task) int {
		ulib.Print(k, "child")
		return 0
	}))

	prog := func(k *kernel.Task) int {
		h, err := ulib.NewConsole(k)
		if !assert.NoError(t, err) {
			return 1
		}
		assert.Equal(t, kernel.Handle(1), h)
		_, err = ulib.NewConsole(k)
		assert.Equal(t, kernel.ResourceExhausted, err)

		ulib.Print(k, "private")
		c, err := ulib.Load(k, "bin/child")
		if assert.NoError(t, err) {
			ulib.Wait(k, c)
		}

		assert.NoError(t, ulib.Steal(k, h))
		va, err := ulib.DirectBuffer(k, h)
		if !assert.NoError(t, err) {
			return 1
		}
		cells := make([]byte, 2*len("privatechild"))
		assert.NoError(t, k.ReadMem(va, cells))
		var text []byte
		for i := 0; i < len(cells); i += 2 {
			text = append(text, cells[i])
		}
		assert.Equal(t, "privatechild", string(text), "child inherits the current console")
		return 0
	}
	run(t, sys, prog)
	assert.Empty(t, sysOut.String())

	// The private console was freed when its last user exited.
	run(t, sys, prog)
}
