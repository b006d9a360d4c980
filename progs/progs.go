// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package progs holds the built-in user programs and the
// default disk image that names them.
package progs

import (
	_ "embed"
	"io"
	"strconv"
	"strings"

	"rsc.io/gate/kernel"
	"rsc.io/gate/ulib"
)

//go:embed disk.txtar
var FS []byte

// Programs maps image entry names to programs.
var Programs = map[string]kernel.Program{
	"sh":   sh,
	"echo": echo,
	"cat":  cat,
	"put":  put,
	"date": date,
	"cpu":  cpu,
	"mem":  mem,
	"srv":  srv,
	"cli":  cli,
}

// Register makes every built-in program loadable.
func Register(sys *kernel.System) {
	for name, prog := range Programs {
		sys.Register(name, prog)
	}
}

func errorf(t *kernel.Task, format string, args ...any) int {
	ulib.Printf(t, format, args...)
	return 1
}

func sh(t *kernel.Task) int {
	for {
		ulib.Print(t, "$ ")
		line := ulib.ReadLine(t)
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		if f[0] == "exit" {
			return 0
		}
		path := f[0]
		if !strings.Contains(path, "/") {
			path = "bin/" + path
		}
		h, err := ulib.Load(t, path, f[1:]...)
		if err != nil {
			errorf(t, "sh: %s: %s\n", f[0], err.Error())
			continue
		}
		status, err := ulib.Wait(t, h)
		if err != nil {
			errorf(t, "sh: wait: %s\n", err.Error())
			continue
		}
		if status != 0 {
			ulib.Printf(t, "%s: status %d\n", f[0], status)
		}
	}
}

func echo(t *kernel.Task) int {
	ulib.Print(t, strings.Join(t.Args(), " ")+"\n")
	return 0
}

func cat(t *kernel.Task) int {
	status := 0
	var buf [512]byte
	for _, name := range t.Args() {
		h, err := ulib.Open(t, name, kernel.OpenRead)
		if err != nil {
			status = errorf(t, "cat: %s: %s\n", name, err.Error())
			continue
		}
		r := ulib.FileReader(t, h)
		for {
			n, err := r.Read(buf[:])
			if n > 0 {
				ulib.Print(t, string(buf[:n]))
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				status = errorf(t, "cat: %s: %s\n", name, err.Error())
				break
			}
		}
		ulib.Close(t, h)
	}
	return status
}

// put file text... writes text to file.
func put(t *kernel.Task) int {
	args := t.Args()
	if len(args) < 1 {
		return errorf(t, "usage: put file text...\n")
	}
	h, err := ulib.Open(t, args[0], kernel.OpenWrite|kernel.OpenCreate|kernel.OpenTrunc)
	if err != nil {
		return errorf(t, "put: %s: %s\n", args[0], err.Error())
	}
	defer ulib.Close(t, h)
	text := strings.Join(args[1:], " ") + "\n"
	if _, err := ulib.Write(t, h, []byte(text)); err != nil {
		return errorf(t, "put: %s: %s\n", args[0], err.Error())
	}
	return 0
}

func date(t *kernel.Task) int {
	ulib.Print(t, ulib.Time(t).UTC().Format("Mon Jan _2 15:04:05 UTC 2006")+"\n")
	return 0
}

func cpu(t *kernel.Task) int {
	ulib.Printf(t, "cpu %d\n", ulib.GetCPU(t))
	return 0
}

// mem [size] allocates size bytes and shows where they landed.
func mem(t *kernel.Task) int {
	size := uint64(1 << 20)
	if args := t.Args(); len(args) > 0 {
		n, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			return errorf(t, "mem: bad size %s\n", args[0])
		}
		size = n
	}
	va, err := ulib.Alloc(t, size)
	if err != nil {
		return errorf(t, "mem: alloc: %s\n", err.Error())
	}
	pa, err := ulib.VirtToPhys(t, va)
	if err != nil {
		return errorf(t, "mem: v2p: %s\n", err.Error())
	}
	ulib.Printf(t, "%u bytes at va %x pa %x\n", size, va, pa)
	if err := ulib.Free(t, va); err != nil {
		return errorf(t, "mem: free: %s\n", err.Error())
	}
	return 0
}

func portArg(args []string) (int, bool) {
	if len(args) < 1 {
		return 0, false
	}
	port, err := strconv.Atoi(args[0])
	return port, err == nil
}

// srv port [count] echoes back what each client sends,
// serving count connections (default forever).
func srv(t *kernel.Task) int {
	args := t.Args()
	port, ok := portArg(args)
	if !ok {
		return errorf(t, "usage: srv port [count]\n")
	}
	count := -1
	if len(args) > 1 {
		count, _ = strconv.Atoi(args[1])
	}
	l, err := ulib.Socket(t)
	if err != nil {
		return errorf(t, "srv: socket: %s\n", err.Error())
	}
	if err := ulib.Listen(t, l, port); err != nil {
		return errorf(t, "srv: listen: %s\n", err.Error())
	}
	var buf [256]byte
	for ; count != 0; count-- {
		c, err := ulib.Accept(t, l)
		if err != nil {
			return errorf(t, "srv: accept: %s\n", err.Error())
		}
		for {
			n, err := ulib.Recv(t, c, buf[:])
			if err != nil {
				break
			}
			if _, err := ulib.Send(t, c, buf[:n]); err != nil {
				break
			}
		}
		ulib.SockRelease(t, c)
	}
	ulib.SockRelease(t, l)
	return 0
}

// cli port text... sends text to port and prints the reply.
func cli(t *kernel.Task) int {
	args := t.Args()
	port, ok := portArg(args)
	if !ok {
		return errorf(t, "usage: cli port text...\n")
	}
	s, err := ulib.Socket(t)
	if err != nil {
		return errorf(t, "cli: socket: %s\n", err.Error())
	}
	defer ulib.SockRelease(t, s)
	if err := ulib.Connect(t, s, port); err != nil {
		return errorf(t, "cli: connect: %s\n", err.Error())
	}
	msg := strings.Join(args[1:], " ")
	if _, err := ulib.Send(t, s, []byte(msg)); err != nil {
		return errorf(t, "cli: send: %s\n", err.Error())
	}
	reply := make([]byte, len(msg))
	if _, err := io.ReadFull(ulib.SockReader(t, s), reply); err != nil {
		return errorf(t, "cli: recv: %s\n", err.Error())
	}
	ulib.Print(t, string(reply)+"\n")
	return 0
}
