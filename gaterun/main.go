// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Gaterun boots the gate kernel with the terminal as the system console
// and runs an init program, by default the shell.
//
// Usage:
//
//	gaterun [flags] [init [args...]]
//
// The flags are:
//
//	--config file   read kernel tunables from a YAML file
//	--disk file     boot from a txtar disk image (default the built-in image)
//	--save file     write the disk back out as txtar on exit
//	--trace         log every syscall
//	--stats         print syscall counts on exit
//	--cpuprofile f  write a CPU profile
//
// Typing ^\ kills init and exits.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"runtime/pprof"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"rsc.io/gate/kernel"
	"rsc.io/gate/progs"
	"rsc.io/gate/vmem"
)

var (
	configFile = pflag.String("config", "", "read kernel tunables from `file`")
	diskFile   = pflag.String("disk", "", "boot from txtar disk image `file`")
	saveFile   = pflag.String("save", "", "write the disk to `file` on exit")
	trace      = pflag.Bool("trace", false, "log every syscall")
	stats      = pflag.Bool("stats", false, "print syscall counts on exit")
	cpuprofile = pflag.String("cpuprofile", "", "write cpuprofile to `file`")
)

const quit = 0x1c // ^\

func main() {
	log.SetPrefix("gaterun: ")
	log.SetFlags(0)
	pflag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	var cfg kernel.Config
	if *configFile != "" {
		var err error
		cfg, err = kernel.LoadConfig(*configFile)
		if err != nil {
			log.Fatal(err)
		}
	}
	cfg.Trace = cfg.Trace || *trace
	cfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "gate",
		Level:  hclog.Info,
		Output: os.Stderr,
	})

	disk := progs.FS
	if *diskFile != "" {
		var err error
		disk, err = os.ReadFile(*diskFile)
		if err != nil {
			log.Fatal(err)
		}
	}

	sys, err := kernel.NewSystem(cfg, disk)
	if err != nil {
		log.Fatal(err)
	}
	progs.Register(sys)

	initArgs := pflag.Args()
	if len(initArgs) == 0 {
		initArgs = []string{"bin/sh"}
	}

	stdin := int(os.Stdin.Fd())
	var out io.Writer = os.Stdout
	if term.IsTerminal(stdin) {
		oldState, err := term.MakeRaw(stdin)
		if err != nil {
			log.Fatal(err)
		}
		defer term.Restore(stdin, oldState)
		out = crlf{os.Stdout}
	}
	con := sys.Console()
	con.SetOutput(out)

	initProc, err := sys.Start(initArgs[0], initArgs[1:]...)
	if err != nil {
		log.Print(err)
		return
	}

	input := make(chan []byte)
	go func() {
		defer close(input)
		for {
			buf := make([]byte, 100)
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				input <- buf[:n]
			}
			if err != nil {
				return
			}
		}
	}()

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		<-initProc.Done()
		return errDone
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case b, ok := <-input:
				if !ok {
					return nil
				}
				if i := bytes.IndexByte(b, quit); i >= 0 {
					con.Input(b[:i])
					sys.Kill(initProc.Pid, kernel.StatusKilled)
					return nil
				}
				con.Input(b)
			}
		}
	})
	if err := g.Wait(); err != nil && err != errDone {
		log.Print(err)
	}
	status := initProc.Status()
	sys.Shutdown()

	if *saveFile != "" {
		if err := os.WriteFile(*saveFile, sys.Disk().Archive(), 0o666); err != nil {
			log.Print(err)
		}
	}
	if *stats {
		printStats(os.Stderr, sys.Stats())
	}
	if status != 0 {
		fmt.Fprintf(os.Stderr, "init: status %d\r\n", status)
	}
}

var errDone = errors.New("init exited")

func printStats(w io.Writer, st kernel.Stats) {
	var total uint64
	for op, n := range st.Calls {
		if n == 0 {
			continue
		}
		total += n
		fmt.Fprintf(w, "%-12s %s\r\n", kernel.Op(op), humanize.Comma(int64(n)))
	}
	fmt.Fprintf(w, "%-12s %s\r\n", "total", humanize.Comma(int64(total)))
	fmt.Fprintf(w, "%-12s %s\r\n", "free memory", humanize.IBytes(uint64(st.FreeFrames)*vmem.PageSize))
}

// crlf translates \n to \r\n for a terminal in raw mode.
type crlf struct {
	w io.Writer
}

func (c crlf) Write(b []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(b, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(b), nil
}
