// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"runtime"
	"sync"
	"time"
)

// A WaitQueue is the set of tasks waiting for one resource.
// The resource's owner calls Wakeup when its state changes;
// woken tasks recheck their condition, so spurious wakeups are harmless.
type WaitQueue struct {
	mu      sync.Mutex
	waiters []*waiter
}

type waiter struct {
	c chan struct{}
}

func (q *WaitQueue) add() *waiter {
	w := &waiter{c: make(chan struct{}, 1)}
	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
	return w
}

func (q *WaitQueue) remove(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Wakeup wakes every task waiting on q.
func (q *WaitQueue) Wakeup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.waiters {
		select {
		case w.c <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of waiting tasks.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

/*
 * Give up the processor until the blocking
 * condition in r resolves.
 * The task is queued before its condition is
 * rechecked, so a wakeup between the handler's
 * check and the queueing is not lost.
 * A kill ends the sleep and the task.
 */
func (t *Task) sleep(r Result) Result {
	for r.block != nil {
		b := r.block
		w := b.q.add()
		r = b.resume()
		if r.block == nil || r.block.q != b.q {
			b.q.remove(w)
			continue
		}
		b = r.block

		var tm *time.Timer
		var timeout <-chan time.Time
		if !b.deadline.IsZero() {
			tm = time.NewTimer(time.Until(b.deadline))
			timeout = tm.C
		}

		t.proc.setState(ProcBlocked)
		t.release()
		select {
		case <-w.c:
		case <-timeout:
		case <-t.proc.dying:
		}
		if tm != nil {
			tm.Stop()
		}
		b.q.remove(w)
		if !t.acquire() {
			if b.cancel != nil {
				b.cancel()
			}
			t.die()
		}
		t.proc.setState(ProcRunning)
	}
	return r
}

// acquire takes a cpu for t.
// It reports false if t's process was killed while waiting.
func (t *Task) acquire() bool {
	if t.cpu >= 0 {
		return true
	}
	select {
	case cpu := <-t.sys.cpus:
		if t.proc.killed() {
			t.sys.cpus <- cpu
			return false
		}
		t.cpu = cpu
		return true
	case <-t.proc.dying:
		return false
	}
}

func (t *Task) release() {
	if t.cpu >= 0 {
		t.sys.cpus <- t.cpu
		t.cpu = -1
	}
}

// Yield gives up the cpu and takes one again,
// letting other runnable tasks in.
// Programs that spin on nonblocking calls such as PollInput
// must yield between polls.
func (t *Task) Yield() {
	t.release()
	runtime.Gosched()
	time.Sleep(time.Millisecond)
	if !t.acquire() {
		t.die()
	}
}

// die finishes a killed task. It does not return.
func (t *Task) die() {
	t.proc.exit(t.proc.killStatus())
	runtime.Goexit()
}
