// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"sync"
)

// Compiler drives the IR-build -> select -> emit -> publish pipeline, one
// method at a time per Trampoline.mu, and owns the shared buffer
// trampoline stubs and the dispatch thunk live in. Each compiled method
// gets its own CodeBuffer (see NewCodeBuffer's doc comment), allocated
// when Compile runs.
type Compiler struct {
	stubBuf *CodeBuffer

	thunkOnce     sync.Once
	dispatchThunk uintptr
}

// NewCompiler creates a Compiler with its trampoline-stub buffer mapped.
func NewCompiler() (*Compiler, error) {
	stubBuf, err := NewExecutableCodeBuffer()
	if err != nil {
		return nil, err
	}
	return &Compiler{stubBuf: stubBuf}, nil
}

// Compile lowers m's bytecode to machine code and publishes its trampoline,
// unless m is already compiled or being compiled by another goroutine (in
// which case Compile blocks until that compilation finishes, then returns).
// Compile is idempotent and safe to call from multiple goroutines for the
// same method.
func (c *Compiler) Compile(m *Method) error {
	t := m.trampoline
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == stateCompiled {
		return nil
	}
	t.state = stateCompiling

	if m.Code == nil {
		return fmt.Errorf("vm: cannot compile %s.%s: no Code attribute (abstract/native?)", m.Owner.Name, m.Name)
	}

	buf, err := NewCodeBuffer()
	if err != nil {
		return err
	}
	unit := NewCompilationUnit(m, buf)
	if err := BuildIR(unit, m.Code); err != nil {
		return fmt.Errorf("vm: build IR for %s.%s: %w", m.Owner.Name, m.Name, err)
	}
	if err := SelectMethod(unit); err != nil {
		return err
	}
	if err := EmitMethod(unit, buf); err != nil {
		return err
	}
	entry := unit.EntryPoint()

	// Every byte of unit's machine code must be visible before bufferBase
	// is rewritten to point at it; Freeze's mprotect
	// call, followed by the atomic store in publish, provides that.
	if err := buf.Freeze(); err != nil {
		return err
	}

	m.unit = unit
	t.publish(entry)
	t.state = stateCompiled
	return nil
}

// compileAndDispatch is the function the trampoline stub calls into on a
// method's first invocation (see trampoline_amd64.go): it compiles m if
// necessary and returns the address the stub should jump to, preserving
// whatever arguments the original caller already pushed.
func (c *Compiler) compileAndDispatch(m *Method) uintptr {
	if err := c.Compile(m); err != nil {
		panic(err) // the stub has no error path back to its caller, so a failed compile panics
	}
	return m.trampoline.BufferBase()
}

// Call is the host-side entry point into the compiled world: it compiles m
// if this is its first invocation, then transfers control to its
// trampoline, passing args in declared left-to-right order (args[0] is the
// method's first parameter, or the receiver for an instance method) and
// returning whatever the callee leaves in the platform return register.
func (c *Compiler) Call(m *Method, args []uint64) (uint64, error) {
	if len(args) > maxJitCallArgs {
		return 0, fmt.Errorf("vm: call %s.%s: %d arguments exceeds the host-call limit of %d", m.Owner.Name, m.Name, len(args), maxJitCallArgs)
	}
	if err := c.Compile(m); err != nil {
		return 0, err
	}
	return jitCall(m.trampoline.BufferBase(), args), nil
}
