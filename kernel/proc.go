// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kernel implements the syscall gate of a small kernel:
// a trap frame, a fixed dispatch table, per-process handle tables,
// and the process, console, memory, file and socket services
// reached through them.
//
// User programs are Go functions run as tasks, one goroutine each.
// A task enters the kernel only through Task.Trap (or Task.Syscall),
// passing untyped argument words and pointers into its own address space.
package kernel

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"rsc.io/gate/vmem"
)

// A Program is the user code a task runs.
// Its return value is the process exit status.
type Program func(t *Task) int

// A System is one booted kernel.
type System struct {
	cfg    Config
	log    hclog.Logger
	frames *vmem.Frames
	cpus   chan int
	disk   *Disk
	net    *Network
	store  *storage
	cons   consoleTable
	images *lru.Cache[imageKey, *Image]
	stats  [NumOps]atomic.Uint64
	tasks  sync.WaitGroup

	mu       sync.Mutex
	procs    map[int]*Proc
	nextPid  int
	programs map[string]Program
	closed   bool
}

type ProcState int

const (
	ProcNew ProcState = iota
	ProcRunning
	ProcBlocked
	ProcZombie
)

func (ps ProcState) String() string {
	switch ps {
	case ProcNew:
		return "New"
	case ProcRunning:
		return "Running"
	case ProcBlocked:
		return "Blocked"
	case ProcZombie:
		return "Zombie"
	}
	return fmt.Sprintf("ProcState(%d)", ps)
}

// A Proc is a process: an address space, a handle table,
// a current console and, once it has exited, a status.
type Proc struct {
	Pid     int
	Name    string
	Args    []string
	Mem     *vmem.Space
	Handles HandleTable

	sys  *System
	log  hclog.Logger
	task *Task
	data *vmem.Region

	mu      sync.Mutex
	state   ProcState
	status  int
	refs    int // procRef handles naming p
	console *Console

	exitq    WaitQueue
	done     chan struct{}
	dying    chan struct{}
	killOnce sync.Once
	killSt   int
}

// A Task is the thread of control of a process.
// Its methods are the user side of the trap boundary
// and may only be called from the task's own goroutine.
type Task struct {
	proc *Proc
	sys  *System
	log  hclog.Logger
	cpu  int
}

// NewSystem boots a kernel with the disk image archive,
// which is in txtar format.
func NewSystem(cfg Config, archive []byte) (*System, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	cfg.fill()

	sys := &System{
		cfg:      cfg,
		log:      newLogger(&cfg),
		frames:   vmem.NewFrames(cfg.Frames),
		cpus:     make(chan int, cfg.CPUs),
		procs:    make(map[int]*Proc),
		programs: make(map[string]Program),
		nextPid:  1,
	}
	for i := 0; i < cfg.CPUs; i++ {
		sys.cpus <- i
	}

	d, err := newDisk(archive)
	if err != nil {
		return nil, errors.Wrap(err, "loading disk")
	}
	sys.disk = d
	sys.net = newNetwork(cfg.SockBuf)
	sys.images, err = lru.New[imageKey, *Image](cfg.ImageCache)
	if err != nil {
		return nil, errors.Wrap(err, "image cache")
	}
	if cfg.DiskLatency > 0 {
		sys.store = newStorage(cfg.DiskLatency, sys.log.Named("storage"))
	}
	if _, e := sys.cons.create(sys); e != 0 {
		return nil, errors.Wrap(e, "system console")
	}

	sys.log.Debug("boot",
		"cpus", cfg.CPUs,
		"memory", humanize.IBytes(uint64(cfg.Frames)*vmem.PageSize),
		"files", len(d.Names()))
	return sys, nil
}

// Config returns the configuration the system booted with.
func (sys *System) Config() Config { return sys.cfg }

// Disk returns the system disk.
func (sys *System) Disk() *Disk { return sys.disk }

// Console returns the system console, which every host-started
// process inherits.
func (sys *System) Console() *Console { return sys.cons.get(0) }

// Register makes prog loadable from images whose entry is name.
func (sys *System) Register(name string, prog Program) {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	sys.programs[name] = prog
}

func (sys *System) program(name string) Program {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	return sys.programs[name]
}

// Install registers prog under name and writes an image
// for it at path, so that Load and Start can run it.
func (sys *System) Install(path, name string, prog Program) error {
	sys.Register(name, prog)
	img := &Image{Entry: name}
	if err := sys.disk.WriteFile(path, FormatImage(img), 0o755); err != nil {
		return errors.Wrapf(err, "install %s", path)
	}
	return nil
}

// Spawn starts prog directly, without an image on disk.
func (sys *System) Spawn(name string, prog Program, args ...string) (*Proc, error) {
	img := &Image{Path: name, Entry: name, Args: args}
	p, e := sys.newProc(img, args, sys.Console())
	if e != 0 {
		return nil, errors.Wrapf(e, "spawn %s", name)
	}
	if e := sys.publish(p); e != 0 {
		p.discard()
		return nil, errors.Wrapf(e, "spawn %s", name)
	}
	sys.start(p, prog)
	return p, nil
}

// Start loads the image at path and runs it.
// If args is empty the image's default arguments are used.
func (sys *System) Start(path string, args ...string) (*Proc, error) {
	img, err := sys.image(path)
	if err != nil {
		return nil, err
	}
	prog := sys.program(img.Entry)
	if prog == nil {
		return nil, errors.Errorf("start %s: no program %q", path, img.Entry)
	}
	if len(args) == 0 {
		args = img.Args
	}
	p, e := sys.newProc(img, args, sys.Console())
	if e != 0 {
		return nil, errors.Wrapf(e, "start %s", path)
	}
	if e := sys.publish(p); e != 0 {
		p.discard()
		return nil, errors.Wrapf(e, "start %s", path)
	}
	sys.start(p, prog)
	return p, nil
}

// Kill ends process pid with the given status.
// A task blocked in a syscall is woken and torn down.
func (sys *System) Kill(pid, status int) error {
	p := sys.lookpid(pid)
	if p == nil {
		return errors.Errorf("kill %d: no such process", pid)
	}
	p.kill(status)
	return nil
}

// Wait waits for every task to finish.
func (sys *System) Wait() {
	sys.tasks.Wait()
}

// Shutdown kills every process, waits for them to exit,
// and stops the storage worker.
func (sys *System) Shutdown() {
	sys.mu.Lock()
	sys.closed = true
	var all []*Proc
	for _, p := range sys.procs {
		all = append(all, p)
	}
	sys.mu.Unlock()

	for _, p := range all {
		p.kill(StatusKilled)
	}
	sys.tasks.Wait()
	if sys.store != nil {
		sys.store.stop()
	}
}

func (sys *System) lookpid(pid int) *Proc {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	return sys.procs[pid]
}

// A ProcInfo is a snapshot of one process.
type ProcInfo struct {
	Pid     int
	Name    string
	State   ProcState
	Handles int
}

// Procs returns a snapshot of the process table, ordered by pid.
func (sys *System) Procs() []ProcInfo {
	sys.mu.Lock()
	var list []*Proc
	for _, p := range sys.procs {
		list = append(list, p)
	}
	sys.mu.Unlock()

	out := make([]ProcInfo, 0, len(list))
	for _, p := range list {
		out = append(out, ProcInfo{Pid: p.Pid, Name: p.Name, State: p.State(), Handles: p.Handles.Len()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out
}

// Stats is a snapshot of kernel counters.
type Stats struct {
	Calls      [NumOps]uint64 // handler invocations per op
	Procs      int
	FreeFrames int
}

func (sys *System) Stats() Stats {
	var st Stats
	for i := range sys.stats {
		st.Calls[i] = sys.stats[i].Load()
	}
	sys.mu.Lock()
	st.Procs = len(sys.procs)
	sys.mu.Unlock()
	st.FreeFrames = sys.frames.Avail()
	return st
}

/*
 * Build a process for img, with its data
 * region mapped and con at handle 0.
 * The process is not yet in the process table.
 */
func (sys *System) newProc(img *Image, args []string, con *Console) (*Proc, Errno) {
	p := &Proc{
		Name:  img.Path,
		Args:  args,
		sys:   sys,
		Mem:   vmem.NewSpace(sys.frames),
		done:  make(chan struct{}),
		dying: make(chan struct{}),
	}
	p.Handles.max = sys.cfg.MaxHandles

	size := img.DataSize
	if size == 0 {
		size = sys.cfg.DataSize
	}
	r, err := p.Mem.Map(vmem.DataBase, size, vmem.KindData)
	if err != nil {
		return nil, ResourceExhausted
	}
	copy(r.Data, img.Data)
	p.data = r

	con.ref()
	p.console = con
	con.ref()
	if _, e := p.Handles.alloc(con); e != 0 {
		con.release(p)
		p.discard()
		return nil, e
	}
	return p, 0
}

// publish assigns p a pid and enters it in the process table.
func (sys *System) publish(p *Proc) Errno {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	if sys.closed || len(sys.procs) >= sys.cfg.MaxProcs {
		return ResourceExhausted
	}

Retry:
	pid := sys.nextPid
	if pid <= 0 || pid >= 1<<15 {
		sys.nextPid = 1
		goto Retry
	}
	sys.nextPid++
	if sys.procs[pid] != nil {
		goto Retry
	}

	p.Pid = pid
	p.log = sys.log.With("pid", pid)
	sys.procs[pid] = p
	return 0
}

// discard undoes newProc for a process that never ran.
func (p *Proc) discard() {
	for _, o := range p.Handles.drain() {
		o.release(p)
	}
	if p.console != nil {
		p.console.unref()
		p.console = nil
	}
	p.Mem.Release()
}

func (sys *System) start(p *Proc, prog Program) {
	t := &Task{proc: p, sys: sys, log: p.log, cpu: -1}
	p.task = t
	p.log.Debug("start", "name", p.Name, "args", p.Args)
	sys.tasks.Add(1)
	go t.run(prog)
}

func (sys *System) reap(p *Proc) {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	if sys.procs[p.Pid] == p {
		delete(sys.procs, p.Pid)
	}
}

func (t *Task) run(prog Program) {
	defer t.sys.tasks.Done()
	defer t.release()
	defer func() {
		if e := recover(); e != nil {
			t.log.Error("task panic", "panic", e)
		}
		t.proc.exit(StatusFault) // no-op after a normal exit
	}()

	if !t.acquire() {
		t.proc.exit(t.proc.killStatus())
		return
	}
	t.proc.setState(ProcRunning)
	status := prog(t)
	t.proc.exit(status)
}

func (p *Proc) setState(s ProcState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProcZombie {
		p.state = s
	}
}

// State reports the process state.
func (p *Proc) State() ProcState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done returns a channel closed when p has exited.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Status waits for p to exit and returns its exit status.
func (p *Proc) Status() int {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Proc) kill(status int) {
	p.killOnce.Do(func() {
		p.mu.Lock()
		p.killSt = status
		p.mu.Unlock()
		close(p.dying)
	})
}

func (p *Proc) killed() bool {
	select {
	case <-p.dying:
		return true
	default:
		return false
	}
}

func (p *Proc) killStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killSt
}

func (p *Proc) currentConsole() *Console {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.console
}

func (p *Proc) setConsole(c *Console) {
	c.ref()
	p.mu.Lock()
	old := p.console
	p.console = c
	p.mu.Unlock()
	if old != nil {
		old.unref()
	}
}

/*
 * Tear down p: release every handle,
 * unmap its memory and wake waiters.
 * Only the first call has any effect.
 */
func (p *Proc) exit(status int) {
	p.mu.Lock()
	if p.state == ProcZombie {
		p.mu.Unlock()
		return
	}
	p.state = ProcZombie
	p.status = status
	con := p.console
	p.console = nil
	p.mu.Unlock()

	for _, o := range p.Handles.drain() {
		o.release(p)
	}
	if con != nil {
		con.unref()
	}
	p.Mem.Release()
	p.log.Debug("exit", "status", status)

	close(p.done)
	p.exitq.Wakeup()

	p.mu.Lock()
	orphan := p.refs == 0
	p.mu.Unlock()
	if orphan {
		p.sys.reap(p)
	}
}

// A procRef is a process handle held by the loader.
type procRef struct {
	child *Proc
}

func (r *procRef) kind() Kind { return KindProc }

func (r *procRef) release(*Proc) { r.child.unref() }

func (p *Proc) ref() {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
}

func (p *Proc) unref() {
	p.mu.Lock()
	p.refs--
	reap := p.refs == 0 && p.state == ProcZombie
	p.mu.Unlock()
	if reap {
		p.sys.reap(p)
	}
}

// Pid returns the process id of t.
func (t *Task) Pid() int { return t.proc.Pid }

// Args returns the arguments t was started with.
func (t *Task) Args() []string { return t.proc.Args }

// Data returns the address and size of t's data region,
// the scratch memory programs use to pass buffers to the kernel.
func (t *Task) Data() (va, size uint64) {
	return t.proc.data.Start, uint64(len(t.proc.data.Data))
}

// ReadMem copies task memory at va into b.
func (t *Task) ReadMem(va uint64, b []byte) error {
	_, err := t.proc.Mem.ReadAt(b, va)
	return err
}

// WriteMem copies b into task memory at va.
func (t *Task) WriteMem(va uint64, b []byte) error {
	_, err := t.proc.Mem.WriteAt(b, va)
	return err
}

// Syscall traps into the kernel with call number num
// and up to four argument words.
func (t *Task) Syscall(num uint64, args ...uint64) (uint64, Errno) {
	if len(args) > len(Args{}) {
		panic("kernel: too many syscall arguments")
	}
	f := Frame{Num: num}
	copy(f.Args[:], args)
	t.Trap(&f)
	return f.Ret, f.Err
}
