// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

/*
 * common code for read and write calls:
 * check handle and buffer, then move
 * the bytes, through the storage worker
 * when the disk is slow.
 */
func rdwr(t *Task, a Args, dir int) Result {
	f, e := lookup[*openFile](&t.proc.Handles, a.Handle(0))
	if e != 0 {
		return fail(e)
	}
	if f.mode&dir == 0 {
		return fail(InvalidHandle)
	}
	va, n := a[1], a[2]
	if e := t.userbuf(va, n); e != 0 {
		return fail(e)
	}

	var io func() (int, Errno)
	var finish func(int, Errno) Result
	if dir == OpenRead {
		buf := make([]byte, n)
		io = func() (int, Errno) { return f.readi(buf) }
		finish = func(n int, e Errno) Result {
			if e != 0 {
				return fail(e)
			}
			if e := t.copyout(va, buf[:n]); e != 0 {
				return fail(e)
			}
			return done(uint64(n))
		}
	} else {
		buf, e := t.copyin(va, n)
		if e != 0 {
			return fail(e)
		}
		io = func() (int, Errno) { return f.writei(t.sys.disk, buf) }
		finish = func(n int, e Errno) Result { return result(uint64(n), e) }
	}

	st := t.sys.store
	if st == nil {
		return finish(io())
	}
	req := &ioreq{do: io}
	var submit, complete func() Result
	submit = func() Result {
		if !st.submit(req) {
			return wait(&st.space, submit)
		}
		return complete()
	}
	complete = func() Result {
		if req.state.Load() != reqDone {
			return wait(&req.q, complete).onKill(req.cancel)
		}
		return finish(req.n, req.err)
	}
	return submit()
}

func (f *openFile) readi(b []byte) (int, Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ip.mu.RLock()
	defer f.ip.mu.RUnlock()

	if f.offset >= int64(len(f.ip.data)) {
		return 0, 0
	}
	n := copy(b, f.ip.data[f.offset:])
	f.offset += int64(n)
	return n, 0
}

func (f *openFile) writei(d *Disk, b []byte) (int, Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ip := f.ip
	ip.mu.Lock()
	defer ip.mu.Unlock()

	end := f.offset + int64(len(b))
	if end > MAXFILE {
		return 0, IOFailure
	}
	if end > int64(len(ip.data)) {
		ip.data = append(ip.data, make([]byte, end-int64(len(ip.data)))...)
	}
	copy(ip.data[f.offset:], b)
	f.offset = end
	if len(b) > 0 {
		d.touch(ip)
	}
	return len(b), 0
}

// The storage worker runs file transfers one at a time,
// each after a fixed latency, as a slow disk would.
type storage struct {
	latency  time.Duration
	log      hclog.Logger
	reqs     chan *ioreq
	space    WaitQueue // woken when reqs has room
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

/*
 * ioreq states.
 * A request is cancelled only while queued;
 * once running it finishes and sets n and err.
 */
const (
	reqQueued = iota
	reqRunning
	reqDone
	reqCancelled
)

type ioreq struct {
	do    func() (int, Errno)
	n     int
	err   Errno
	state atomic.Int32
	q     WaitQueue
}

// cancel withdraws a request that has not started.
func (r *ioreq) cancel() {
	r.state.CompareAndSwap(reqQueued, reqCancelled)
}

func newStorage(latency time.Duration, log hclog.Logger) *storage {
	st := &storage{
		latency: latency,
		log:     log,
		reqs:    make(chan *ioreq, NSTORAGEIO),
		quit:    make(chan struct{}),
	}
	st.wg.Add(1)
	go st.loop()
	return st
}

func (st *storage) submit(r *ioreq) bool {
	select {
	case st.reqs <- r:
		return true
	default:
		return false
	}
}

func (st *storage) loop() {
	defer st.wg.Done()
	for {
		select {
		case <-st.quit:
			return
		case r := <-st.reqs:
			st.space.Wakeup()
			time.Sleep(st.latency)
			if !r.state.CompareAndSwap(reqQueued, reqRunning) {
				st.log.Trace("io cancelled")
				continue
			}
			r.n, r.err = r.do()
			r.state.Store(reqDone)
			r.q.Wakeup()
			st.log.Trace("io done", "n", r.n, "err", r.err)
		}
	}
}

func (st *storage) stop() {
	st.stopOnce.Do(func() { close(st.quit) })
	st.wg.Wait()
}
