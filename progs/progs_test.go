// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package progs

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsc.io/gate/kernel"
)

func boot(t *testing.T, cfg kernel.Config) *kernel.System {
	t.Helper()
	cfg.Logger = hclog.NewNullLogger()
	if cfg.CPUs == 0 {
		cfg.CPUs = 4
	}
	sys, err := kernel.NewSystem(cfg, FS)
	require.NoError(t, err)
	Register(sys)
	t.Cleanup(sys.Shutdown)
	return sys
}

func start(t *testing.T, sys *kernel.System, path string, args ...string) int {
	t.Helper()
	p, err := sys.Start(path, args...)
	require.NoError(t, err)
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("%s did not exit", path)
	}
	return p.Status()
}

func TestEcho(t *testing.T) {
	sys := boot(t, kernel.Config{})
	assert.Equal(t, 0, start(t, sys, "bin/echo", "hello", "world"))
	assert.Equal(t, "hello world", sys.Console().Text())
}

func TestPutCat(t *testing.T) {
	sys := boot(t, kernel.Config{})
	assert.Equal(t, 0, start(t, sys, "bin/put", "tmp/note", "remember", "this"))
	data, err := sys.Disk().ReadFile("tmp/note")
	require.NoError(t, err)
	assert.Equal(t, "remember this\n", string(data))

	assert.Equal(t, 1, start(t, sys, "bin/cat", "tmp/note", "nope"))
	assert.Equal(t, "remember this\ncat: nope: NotFound", sys.Console().Text())

	assert.Equal(t, 1, start(t, sys, "bin/put", "etc/motd", "x"))
	assert.Contains(t, sys.Console().Text(), "put: etc/motd: PermissionDenied")
}

func TestDate(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sys := boot(t, kernel.Config{Clock: func() time.Time { return now }})
	assert.Equal(t, 0, start(t, sys, "bin/date"))
	assert.Equal(t, "Fri Mar  1 12:00:00 UTC 2024", sys.Console().Text())
}

func TestMem(t *testing.T) {
	sys := boot(t, kernel.Config{})
	assert.Equal(t, 0, start(t, sys, "bin/mem", "4096"))
	assert.Regexp(t, `^4096 bytes at va 10000000 pa [0-9a-f]+$`, sys.Console().Text())

	assert.Equal(t, 1, start(t, sys, "bin/mem", "1e9"))
	assert.Contains(t, sys.Console().Text(), "mem: bad size 1e9")
}

func TestSrvCli(t *testing.T) {
	sys := boot(t, kernel.Config{})
	srv, err := sys.Start("bin/srv", "7", "1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.State() == kernel.ProcBlocked },
		5*time.Second, time.Millisecond, "server never blocked in accept")

	assert.Equal(t, 0, start(t, sys, "bin/cli"))
	assert.Equal(t, "hello", sys.Console().Text())
	assert.Equal(t, 0, srv.Status(), "server exits after one connection")

	assert.Equal(t, 1, start(t, sys, "bin/cli", "7", "again"))
	assert.Contains(t, sys.Console().Text(), "cli: connect: ConnectionRefused")
}

func TestShell(t *testing.T) {
	sys := boot(t, kernel.Config{})
	sys.Console().Input([]byte("echo hi\nbin/cat etc/motd\nnope\nechp\bo x\nexit\n"))
	assert.Equal(t, 0, start(t, sys, "bin/sh"))

	want := "$ echo hi\n" +
		"hi\n" +
		"$ bin/cat etc/motd\n" +
		"Welcome to gate.\n" +
		"Type a program name from bin, or exit.\n" +
		"$ nope\n" +
		"sh: nope: LoadFailure\n" +
		"$ echo x\n" +
		"x\n" +
		"$ exit"
	assert.Equal(t, want, sys.Console().Text())
}
