// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"fmt"
	"sync"
	"time"
)

// A SockState is the state of a socket.
type SockState int

const (
	SockCreated SockState = iota
	SockConnecting
	SockConnected
	SockListening
	SockAccepting // listening, with a task blocked in Accept
	SockClosed
)

func (s SockState) String() string {
	switch s {
	case SockCreated:
		return "Created"
	case SockConnecting:
		return "Connecting"
	case SockConnected:
		return "Connected"
	case SockListening:
		return "Listening"
	case SockAccepting:
		return "Accepting"
	case SockClosed:
		return "Closed"
	}
	return fmt.Sprintf("SockState(%d)", s)
}

// A Network is the loopback port namespace.
type Network struct {
	mu      sync.Mutex
	ports   map[uint16]*Socket
	bufsize int
}

func newNetwork(bufsize int) *Network {
	return &Network{ports: make(map[uint16]*Socket), bufsize: bufsize}
}

// A Socket is one end of a loopback stream, or a listener.
//
// Code never holds two socket locks at once:
// changes to a peer are made after dropping the local lock.
type Socket struct {
	net *Network

	mu         sync.Mutex
	state      SockState
	port       uint16
	peer       *Socket
	peerClosed bool
	refused    bool
	rx         []byte
	backlog    []*Socket // server ends of pending connections
	accepters  int

	rxq     WaitQueue // data arrived or peer closed
	spaceq  WaitQueue // room in rx
	acceptq WaitQueue // backlog grew
	connq   WaitQueue // connect resolved
}

func (s *Socket) kind() Kind { return KindSocket }

func (s *Socket) release(*Proc) { s.close() }

// State reports the socket state.
func (s *Socket) State() SockState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SockListening && s.accepters > 0 {
		return SockAccepting
	}
	return s.state
}

/*
 * Move s to Closed, tearing down its
 * binding, pending connections and peer.
 * Reports false if s was already closed.
 */
func (s *Socket) close() bool {
	s.mu.Lock()
	if s.state == SockClosed {
		s.mu.Unlock()
		return false
	}
	wasListening := s.state == SockListening
	port := s.port
	pending := s.backlog
	peer := s.peer
	s.state = SockClosed
	s.backlog = nil
	s.peer = nil
	s.rx = nil
	s.mu.Unlock()

	if wasListening {
		s.net.mu.Lock()
		if s.net.ports[port] == s {
			delete(s.net.ports, port)
		}
		s.net.mu.Unlock()
	}
	for _, srv := range pending {
		srv.mu.Lock()
		client := srv.peer
		srv.state = SockClosed
		srv.peer = nil
		srv.mu.Unlock()
		if client != nil {
			client.refuse()
		}
	}
	if peer != nil {
		peer.hangup()
	}
	s.rxq.Wakeup()
	s.spaceq.Wakeup()
	s.acceptq.Wakeup()
	s.connq.Wakeup()
	return true
}

// refuse fails a pending connect.
func (s *Socket) refuse() {
	s.mu.Lock()
	if s.state == SockConnecting {
		s.refused = true
	}
	s.mu.Unlock()
	s.connq.Wakeup()
}

// hangup tells s its peer has closed.
func (s *Socket) hangup() {
	s.mu.Lock()
	s.peerClosed = true
	s.mu.Unlock()
	s.rxq.Wakeup()
	s.spaceq.Wakeup()
	s.connq.Wakeup()
}

func validPort(p uint64) bool {
	return 1 <= p && p <= 65535
}

func syssocket(t *Task, a Args) Result {
	s := &Socket{net: t.sys.net}
	h, e := t.proc.Handles.alloc(s)
	if e != 0 {
		return fail(e)
	}
	return done(uint64(h))
}

func syssockclose(t *Task, a Args) Result {
	s, e := lookup[*Socket](&t.proc.Handles, a.Handle(0))
	if e != 0 {
		return fail(e)
	}
	if !s.close() {
		return fail(InvalidHandle)
	}
	return done(0)
}

func syssockrelease(t *Task, a Args) Result {
	h := a.Handle(0)
	s, e := lookup[*Socket](&t.proc.Handles, h)
	if e != 0 {
		return fail(e)
	}
	if e := t.proc.Handles.remove(h, s); e != 0 {
		return fail(e)
	}
	s.release(t.proc)
	return done(0)
}

func syslisten(t *Task, a Args) Result {
	s, e := lookup[*Socket](&t.proc.Handles, a.Handle(0))
	if e != 0 {
		return fail(e)
	}
	if !validPort(a[1]) {
		return fail(OutOfRange)
	}
	port := uint16(a[1])

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SockCreated {
		return fail(InvalidHandle)
	}
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ports[port] != nil {
		return fail(AddressInUse)
	}
	n.ports[port] = s
	s.port = port
	s.state = SockListening
	return done(0)
}

/*
 * connect system call.
 * Queue a server end on the listener's backlog
 * and wait for an accept, a refusal or the timeout.
 * A failed connect leaves the socket Closed.
 */
func sysconnect(t *Task, a Args) Result {
	s, e := lookup[*Socket](&t.proc.Handles, a.Handle(0))
	if e != 0 {
		return fail(e)
	}
	if !validPort(a[1]) {
		return fail(OutOfRange)
	}
	port := uint16(a[1])

	s.mu.Lock()
	if s.state != SockCreated {
		s.mu.Unlock()
		return fail(InvalidHandle)
	}
	s.mu.Unlock()

	n := s.net
	n.mu.Lock()
	l := n.ports[port]
	n.mu.Unlock()
	if l == nil {
		s.close()
		return fail(ConnectionRefused)
	}

	srv := &Socket{net: n, state: SockConnected, peer: s}
	s.mu.Lock()
	s.state = SockConnecting
	s.peer = srv
	s.mu.Unlock()

	l.mu.Lock()
	if l.state != SockListening {
		l.mu.Unlock()
		s.close()
		return fail(ConnectionRefused)
	}
	l.backlog = append(l.backlog, srv)
	l.mu.Unlock()
	l.acceptq.Wakeup()

	deadline := time.Now().Add(t.sys.cfg.ConnectTimeout)
	var check func() Result
	check = func() Result {
		s.mu.Lock()
		state, refused := s.state, s.refused
		s.mu.Unlock()
		switch {
		case state == SockConnected:
			return done(0)
		case state == SockClosed:
			return fail(InvalidHandle)
		case refused:
			s.close()
			return fail(ConnectionRefused)
		}
		if time.Now().Before(deadline) {
			return waitUntil(&s.connq, deadline, check)
		}
		if l.withdraw(srv) {
			s.close()
			return fail(Timeout)
		}
		// An accepter took srv and is finishing the handshake.
		return wait(&s.connq, check)
	}
	return check()
}

// withdraw removes srv from l's backlog, reporting whether it was there.
func (l *Socket) withdraw(srv *Socket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, x := range l.backlog {
		if x == srv {
			l.backlog = append(l.backlog[:i], l.backlog[i+1:]...)
			return true
		}
	}
	return false
}

/*
 * accept system call.
 * Take the oldest pending connection,
 * complete the client's connect and
 * return a handle to the server end.
 */
func sysaccept(t *Task, a Args) Result {
	l, e := lookup[*Socket](&t.proc.Handles, a.Handle(0))
	if e != 0 {
		return fail(e)
	}

	waiting := false
	var take func() Result
	take = func() Result {
		l.mu.Lock()
		if l.state != SockListening {
			if waiting {
				l.accepters--
			}
			l.mu.Unlock()
			return fail(InvalidHandle)
		}
		if len(l.backlog) == 0 {
			if !waiting {
				waiting = true
				l.accepters++
			}
			l.mu.Unlock()
			return wait(&l.acceptq, take)
		}
		srv := l.backlog[0]
		l.backlog = l.backlog[1:]
		if waiting {
			waiting = false
			l.accepters--
		}
		l.mu.Unlock()

		srv.mu.Lock()
		client := srv.peer
		srv.mu.Unlock()
		if client == nil || !client.establish() {
			srv.close()
			return take()
		}
		h, e := t.proc.Handles.alloc(srv)
		if e != 0 {
			srv.close()
			return fail(e)
		}
		return done(uint64(h))
	}
	return take()
}

// establish completes a connect, reporting false if the client gave up.
func (s *Socket) establish() bool {
	s.mu.Lock()
	ok := s.state == SockConnecting && !s.refused
	if ok {
		s.state = SockConnected
	}
	s.mu.Unlock()
	s.connq.Wakeup()
	return ok
}

/*
 * send system call.
 * Copy into the peer's receive buffer,
 * blocking while it is full. A short
 * count means the buffer filled.
 */
func syssend(t *Task, a Args) Result {
	s, e := lookup[*Socket](&t.proc.Handles, a.Handle(0))
	if e != 0 {
		return fail(e)
	}
	va, n := a[1], a[2]
	s.mu.Lock()
	state, peer, peerClosed := s.state, s.peer, s.peerClosed
	s.mu.Unlock()
	if state != SockConnected {
		return fail(InvalidHandle)
	}
	if peerClosed || peer == nil {
		return fail(IOFailure)
	}
	buf, e := t.copyin(va, n)
	if e != 0 {
		return fail(e)
	}
	if n == 0 {
		return done(0)
	}

	var push func() Result
	push = func() Result {
		s.mu.Lock()
		state, peerClosed := s.state, s.peerClosed
		s.mu.Unlock()
		if state != SockConnected {
			return fail(InvalidHandle)
		}
		if peerClosed {
			return fail(IOFailure)
		}

		peer.mu.Lock()
		if peer.state == SockClosed {
			peer.mu.Unlock()
			return fail(IOFailure)
		}
		room := s.net.bufsize - len(peer.rx)
		if room <= 0 {
			peer.mu.Unlock()
			return wait(&peer.spaceq, push)
		}
		m := len(buf)
		if m > room {
			m = room
		}
		peer.rx = append(peer.rx, buf[:m]...)
		peer.mu.Unlock()
		peer.rxq.Wakeup()
		return done(uint64(m))
	}
	return push()
}

/*
 * recv system call.
 * Block until data arrives. Zero bytes
 * means the peer closed; the socket
 * is then Closed as well.
 */
func sysrecv(t *Task, a Args) Result {
	s, e := lookup[*Socket](&t.proc.Handles, a.Handle(0))
	if e != 0 {
		return fail(e)
	}
	va, n := a[1], a[2]
	if e := t.userbuf(va, n); e != 0 {
		return fail(e)
	}

	var pull func() Result
	pull = func() Result {
		s.mu.Lock()
		if s.state != SockConnected {
			s.mu.Unlock()
			return fail(InvalidHandle)
		}
		if n == 0 {
			s.mu.Unlock()
			return done(0)
		}
		if len(s.rx) == 0 {
			if s.peerClosed {
				s.mu.Unlock()
				s.close()
				return done(0)
			}
			s.mu.Unlock()
			return wait(&s.rxq, pull)
		}
		m := uint64(len(s.rx))
		if m > n {
			m = n
		}
		buf := make([]byte, m)
		copy(buf, s.rx)
		s.rx = s.rx[m:]
		s.mu.Unlock()
		s.spaceq.Wakeup()
		if e := t.copyout(va, buf); e != 0 {
			return fail(e)
		}
		return done(m)
	}
	return pull()
}
