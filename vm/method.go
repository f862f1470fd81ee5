// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-interpreter/crucible/classfile"
)

// compileState is the per-method lazy-compilation state machine:
// transitions are monotonic, NotCompiled -> Compiling -> Compiled, guarded
// by Trampoline.mu.
type compileState int32

const (
	stateNotCompiled compileState = iota
	stateCompiling
	stateCompiled
)

// Trampoline is the tiny generated stub standing in for a method's entry
// point until it is compiled. bufferBase is the field the dispatch
// sequence in select_amd64.go actually loads and calls through: it starts
// out pointing at the stub's own bytes and is atomically rewritten to the
// compiled entry on publication, so every caller - whether it observed the
// stub or the real code - ends up at a valid address.
//
// trampolineBufferBaseOffset below is computed with unsafe.Offsetof rather
// than hardcoded, so the instruction selector's generated-code ABI always
// agrees with this struct's actual layout.
type Trampoline struct {
	bufferBase uintptr

	stub   []byte // the stub's own machine code, kept alive for the CodeBuffer that owns it
	method *Method

	mu    sync.Mutex
	state compileState
}

var trampolineBufferBaseOffset = unsafe.Offsetof(Trampoline{}.bufferBase)

// BufferBase is the address compiled code (and the trampoline's own final
// indirect jump) must call through.
func (t *Trampoline) BufferBase() uintptr {
	return uintptr(atomic.LoadUintptr((*uintptr)(unsafe.Pointer(&t.bufferBase))))
}

// publish atomically installs entry as the trampoline's buffer base. The
// store barrier is provided by atomic.StoreUintptr acting as a release
// operation paired with the acquire load in BufferBase; every byte written
// into the compiled method's CodeBuffer by the caller must happen-before
// this call (see compiler.go).
func (t *Trampoline) publish(entry uintptr) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(&t.bufferBase)), entry)
}

// Method is a linked method: its metadata, its still-to-be-lowered
// bytecode, and the trampoline dispatch reaches it through.
//
// methodTrampolineOffset mirrors trampolineBufferBaseOffset's role in the
// invokevirtual sequence: slot[idx] in the vtable holds a *Method, and the
// selector loads the trampoline pointer from it at this offset.
type Method struct {
	Name       string
	Descriptor string
	Owner      *Class
	IsStatic   bool
	ArgsCount  int
	ReturnType Type

	// VirtualIndex is this method's stable slot in every vtable that
	// carries it (this class's and every subclass that doesn't override
	// it); -1 for static methods and <init>/<clinit>, which are never
	// dispatched virtually (private instance methods get a slot like any
	// other).
	VirtualIndex int

	Code *classfile.CodeAttribute

	trampoline *Trampoline
	unit       *CompilationUnit // set once compiled; nil beforehand
}

var methodTrampolineOffset = unsafe.Offsetof(Method{}.trampoline)

// Trampoline returns the method's dispatch stub.
func (m *Method) Trampoline() *Trampoline { return m.trampoline }
