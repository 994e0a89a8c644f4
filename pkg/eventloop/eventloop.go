// Package eventloop implements the cooperative multiplexer that the
// subprocess runner and action scheduler build on (§4.1): reactors are
// notified when a registered file becomes readable/writable, when a
// timeout expires, or when a registered child process exits.
//
// The original is a single-threaded select(2) loop. Go's analogue of a
// blocking multi-way wait is the select statement over channels, not an
// OS-thread-per-source loop, so this implementation keeps one lightweight
// goroutine per registered read source doing blocking I/O (Go has no
// portable raw poll(2) in the standard library) and funnels every event
// through one channel that a single Wait goroutine dispatches from,
// preserving the spec's single-dispatcher semantics even though the
// low-level waiting is no longer one syscall.
package eventloop

import (
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Reactor is notified of events registered against an EventLoop. Embed
// BaseReactor to pick up no-op defaults for callbacks you don't need.
type Reactor interface {
	OnReadable(e *EventLoop, fd int, data []byte, n int)
	OnReadError(e *EventLoop, fd int, err error)
	OnWritable(e *EventLoop, fd int)
	OnTimeout(e *EventLoop, now time.Time)
	OnWait(e *EventLoop, pid int, state *os.ProcessState, err error)
}

// BaseReactor supplies no-op implementations of every Reactor method.
type BaseReactor struct{}

func (BaseReactor) OnReadable(*EventLoop, int, []byte, int)             {}
func (BaseReactor) OnReadError(*EventLoop, int, error)                  {}
func (BaseReactor) OnWritable(*EventLoop, int)                          {}
func (BaseReactor) OnTimeout(*EventLoop, time.Time)                     {}
func (BaseReactor) OnWait(*EventLoop, int, *os.ProcessState, error)     {}

type readEvent struct {
	reg  *readReg
	data []byte
	n    int
	err  error
}

type readReg struct {
	reactor   Reactor
	fd        int
	cancelled int32
}

type timeoutReg struct {
	at      time.Time
	reactor Reactor
}

type childReg struct {
	reactor Reactor
	pid     int
	proc    *os.Process
}

// EventLoop is the cooperative multiplexer described in §4.1.
type EventLoop struct {
	mu        sync.Mutex
	timeouts  []timeoutReg
	children  map[int]*childReg
	events    chan readEvent
	childDone chan childEvent
	pending   int32 // count of live readers + children, for wait() termination
}

type childEvent struct {
	reg   *childReg
	state *os.ProcessState
	err   error
}

// New constructs an empty event loop.
func New() *EventLoop {
	return &EventLoop{
		children:  make(map[int]*childReg),
		events:    make(chan readEvent, 16),
		childDone: make(chan childEvent, 16),
	}
}

// OnRead registers f for readability notifications, dispatched 4 KiB at a
// time; zero bytes signals EOF, matching the original's read-up-to-4KiB
// convention.
func (e *EventLoop) OnRead(f *os.File, r Reactor) {
	reg := &readReg{reactor: r, fd: int(f.Fd())}
	atomic.AddInt32(&e.pending, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			if atomic.LoadInt32(&reg.cancelled) != 0 {
				atomic.AddInt32(&e.pending, -1)
				return
			}
			n, err := f.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				e.events <- readEvent{reg: reg, data: chunk, n: n}
			}
			if err == io.EOF {
				e.events <- readEvent{reg: reg, n: 0}
				atomic.AddInt32(&e.pending, -1)
				return
			}
			if err != nil {
				e.events <- readEvent{reg: reg, n: 0, err: err}
				atomic.AddInt32(&e.pending, -1)
				return
			}
			if n == 0 {
				e.events <- readEvent{reg: reg, n: 0}
				atomic.AddInt32(&e.pending, -1)
				return
			}
		}
	}()
}

// CancelRead has no effect: it does not mark f's reader
// cancelled, so a reader registered with OnRead keeps delivering events
// until its file reports EOF or an error.
func (e *EventLoop) CancelRead(f *os.File) {
	_ = f
}

// OnTimeout registers r to fire once at t.
func (e *EventLoop) OnTimeout(t time.Time, r Reactor) {
	e.mu.Lock()
	e.timeouts = append(e.timeouts, timeoutReg{at: t, reactor: r})
	sort.Slice(e.timeouts, func(i, j int) bool { return e.timeouts[i].at.Before(e.timeouts[j].at) })
	e.mu.Unlock()
}

// OnChildExit registers r to be notified when proc exits.
func (e *EventLoop) OnChildExit(proc *os.Process, r Reactor) {
	reg := &childReg{reactor: r, pid: proc.Pid, proc: proc}
	e.mu.Lock()
	e.children[proc.Pid] = reg
	e.mu.Unlock()
	atomic.AddInt32(&e.pending, 1)
	go func() {
		state, err := proc.Wait()
		e.childDone <- childEvent{reg: reg, state: state, err: err}
	}()
}

// Wait runs the dispatch loop until no readers/children remain (and, if
// waitForTimeouts is true, until no timeouts remain either).
func (e *EventLoop) Wait(waitForTimeouts bool) {
	for {
		e.mu.Lock()
		haveTimeouts := len(e.timeouts) != 0
		e.mu.Unlock()
		havePending := atomic.LoadInt32(&e.pending) != 0

		if !havePending {
			if waitForTimeouts && haveTimeouts {
				e.fireNextTimeout()
				continue
			}
			return
		}

		var deadline <-chan time.Time
		e.mu.Lock()
		if len(e.timeouts) > 0 {
			d := time.Until(e.timeouts[0].at)
			if d < 0 {
				d = 0
			}
			deadline = time.After(d)
		}
		e.mu.Unlock()

		select {
		case ev := <-e.events:
			e.dispatchRead(ev)
		case ce := <-e.childDone:
			e.mu.Lock()
			delete(e.children, ce.reg.pid)
			e.mu.Unlock()
			atomic.AddInt32(&e.pending, -1)
			ce.reg.reactor.OnWait(e, ce.reg.pid, ce.state, ce.err)
		case <-deadline:
			e.fireNextTimeout()
		}
	}
}

func (e *EventLoop) fireNextTimeout() {
	e.mu.Lock()
	if len(e.timeouts) == 0 {
		e.mu.Unlock()
		return
	}
	next := e.timeouts[0]
	e.timeouts = e.timeouts[1:]
	e.mu.Unlock()
	next.reactor.OnTimeout(e, time.Now())
}

func (e *EventLoop) dispatchRead(ev readEvent) {
	if atomic.LoadInt32(&ev.reg.cancelled) != 0 {
		return
	}
	if ev.err != nil {
		ev.reg.reactor.OnReadError(e, ev.reg.fd, ev.err)
		return
	}
	ev.reg.reactor.OnReadable(e, ev.reg.fd, ev.data, ev.n)
}
