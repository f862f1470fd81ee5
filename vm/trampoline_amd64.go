// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"reflect"
	"sync"
	"unsafe"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// Lazy-compilation trampoline protocol:
//
// Every method's trampoline stub is tiny and method-specific: it loads the
// method's own address into A and jumps to a single shared dispatch thunk,
// materialized once per Compiler. The thunk calls back into Go
// (compileAndDispatchGlue), which compiles the method if it hasn't been
// already and returns the real entry point in A; the thunk then jumps
// there. This is the split ELF PLT stubs use: a per-symbol stub that just
// identifies itself, plus one shared resolver.
//
// golang-asm's Assemble returns ordinary Go-managed bytes, not memory
// carved from an executable mapping, so both the stub and the thunk are
// built once as plain []byte and then copied into the Compiler's stub
// CodeBuffer (an always read+write+execute region, separate from the
// per-method buffers compiled bodies live in) before anything can call
// through them.

var (
	compilerMu     sync.Mutex
	activeCompiler *Compiler
)

// SetCompiler installs the Compiler trampoline stubs dispatch into. It must
// be called once, before any method is loaded.
func SetCompiler(c *Compiler) {
	compilerMu.Lock()
	activeCompiler = c
	compilerMu.Unlock()
	c.ensureDispatchThunk()
}

func compileAndDispatchGlue(methodPtr uintptr) uintptr {
	compilerMu.Lock()
	c := activeCompiler
	compilerMu.Unlock()
	m := (*Method)(unsafe.Pointer(methodPtr))
	return c.compileAndDispatch(m)
}

var compileAndDispatchGlueAddr = reflect.ValueOf(compileAndDispatchGlue).Pointer()

// newTrampoline assembles m's stub and materializes it into c's CodeBuffer,
// leaving bufferBase pointing at the copy. c must already have its dispatch
// thunk materialized (see ensureDispatchThunk), which SetCompiler
// guarantees before any class is loaded.
func newTrampoline(m *Method, c *Compiler) *Trampoline {
	thunk := c.dispatchThunk

	builder, err := asm.NewBuilder("amd64", 4)
	if err != nil {
		panic(err)
	}

	prog := builder.NewProg()
	prog.As = x86.AMOVQ
	prog.From.Type = obj.TYPE_CONST
	prog.From.Offset = int64(uintptr(unsafe.Pointer(m)))
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = x86.REG_AX
	builder.AddInstruction(prog)

	prog = builder.NewProg()
	prog.As = x86.AMOVQ
	prog.From.Type = obj.TYPE_CONST
	prog.From.Offset = int64(thunk)
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = x86.REG_BX
	builder.AddInstruction(prog)

	prog = builder.NewProg()
	prog.As = obj.AJMP
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = x86.REG_BX
	builder.AddInstruction(prog)

	stub := builder.Assemble()
	off := c.stubBuf.Append(stub)
	t := &Trampoline{stub: stub, method: m}
	t.publish(c.stubBuf.Base() + uintptr(off))
	return t
}

// ensureDispatchThunk builds the code every method's stub jumps to, the
// first time it's needed: call compileAndDispatchGlue with the method
// pointer already in A (per the register-ABI coincidence documented in
// runtimeglue.go), then jump to whatever address it returns, also in A.
func (c *Compiler) ensureDispatchThunk() {
	c.thunkOnce.Do(func() {
		builder, err := asm.NewBuilder("amd64", 4)
		if err != nil {
			panic(err)
		}

		prog := builder.NewProg()
		prog.As = x86.AMOVQ
		prog.From.Type = obj.TYPE_CONST
		prog.From.Offset = int64(compileAndDispatchGlueAddr)
		prog.To.Type = obj.TYPE_REG
		prog.To.Reg = x86.REG_BX
		builder.AddInstruction(prog)

		prog = builder.NewProg()
		prog.As = obj.ACALL
		prog.To.Type = obj.TYPE_REG
		prog.To.Reg = x86.REG_BX
		builder.AddInstruction(prog)

		prog = builder.NewProg()
		prog.As = obj.AJMP
		prog.To.Type = obj.TYPE_REG
		prog.To.Reg = x86.REG_AX
		builder.AddInstruction(prog)

		code := builder.Assemble()
		off := c.stubBuf.Append(code)
		c.dispatchThunk = c.stubBuf.Base() + uintptr(off)
	})
}
