// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package runtime

import "sync"

// Thread is the per-OS-thread execution environment: an ID, a cooperative
// interrupt flag (Interrupt/Interrupted), the monitor it waits on, a park
// flag and a trace buffer. The vm package uses only the ID, to tell a class
// initializer's recursive re-entry from another thread's call.
type Thread struct {
	ID int64

	mu             sync.Mutex
	interrupted    bool
	waitingMonitor *Monitor
	parked         bool
	trace          []uintptr // per-thread trace buffer, e.g. for a future sampling profiler
}

// Monitor is an opaque placeholder for the object-monitor type owned by the
// (out of scope) monitor subsystem; Thread only needs to track which one,
// if any, a thread is blocked on.
type Monitor struct{ ID int64 }

func (t *Thread) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interrupted = true
}

// Interrupted reports and clears the thread's interrupt flag, mirroring
// Thread.interrupted() in the Java Class Library.
func (t *Thread) Interrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.interrupted
	t.interrupted = false
	return v
}

func (t *Thread) SetWaitingMonitor(m *Monitor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitingMonitor = m
}

func (t *Thread) Park()   { t.mu.Lock(); t.parked = true; t.mu.Unlock() }
func (t *Thread) Unpark() { t.mu.Lock(); t.parked = false; t.mu.Unlock() }

// RecordTrace appends pc (typically a compiled method's entry point, or the
// call site within one) to the thread's trace buffer. Nothing in this module
// calls it, the lazy-compile path included; it is exported for tooling built
// on top of Registry, without the core depending on any particular
// profiling format.
func (t *Thread) RecordTrace(pc uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trace = append(t.trace, pc)
}

// Trace returns a snapshot of the thread's recorded trace buffer.
func (t *Thread) Trace() []uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uintptr, len(t.trace))
	copy(out, t.trace)
	return out
}

// Registry is the process-wide thread table: the global thread list,
// thread-counter and non-daemon count described in the concurrency model,
// all protected by a single mutex with a condition variable broadcasting
// thread termination. The vm package never consults it; callers such as
// cmd/jit-run use Spawn to obtain the Thread they pass to vm.Class.Init.
type Registry struct {
	mu        sync.Mutex
	done      *sync.Cond
	threads   map[int64]*Thread
	nextID    int64
	nonDaemon int

	// freeze is a coarse second mutex+condvar pair used to serialize
	// structural changes (e.g. class redefinition) against compilation;
	// the JIT core does not take it on the common compile path.
	freezeMu   sync.Mutex
	freezeCond *sync.Cond
	frozen     bool
}

// NewRegistry constructs an empty thread table.
func NewRegistry() *Registry {
	r := &Registry{threads: make(map[int64]*Thread)}
	r.done = sync.NewCond(&r.mu)
	r.freezeCond = sync.NewCond(&r.freezeMu)
	return r
}

// Spawn registers a new thread and returns it.
func (r *Registry) Spawn(daemon bool) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	t := &Thread{ID: r.nextID}
	r.threads[t.ID] = t
	if !daemon {
		r.nonDaemon++
	}
	return t
}

// Exit removes a thread from the table and broadcasts to any waiters, e.g.
// a main thread blocked until all non-daemon threads have finished.
func (r *Registry) Exit(t *Thread, daemon bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, t.ID)
	if !daemon {
		r.nonDaemon--
	}
	r.done.Broadcast()
}

// WaitForNonDaemonExit blocks until no non-daemon threads remain.
func (r *Registry) WaitForNonDaemonExit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.nonDaemon > 0 {
		r.done.Wait()
	}
}

// Freeze makes callers of AwaitThaw block until the matching Thaw. Method
// compilation never calls Freeze, Thaw or AwaitThaw, so a frozen registry
// does not by itself stop a compilation from starting.
func (r *Registry) Freeze() {
	r.freezeMu.Lock()
	defer r.freezeMu.Unlock()
	r.frozen = true
}

func (r *Registry) Thaw() {
	r.freezeMu.Lock()
	defer r.freezeMu.Unlock()
	r.frozen = false
	r.freezeCond.Broadcast()
}

// AwaitThaw blocks the calling goroutine while the registry is frozen.
func (r *Registry) AwaitThaw() {
	r.freezeMu.Lock()
	defer r.freezeMu.Unlock()
	for r.frozen {
		r.freezeCond.Wait()
	}
}
