// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

// jitCall transfers control to entry - the address of a compiled method or
// a trampoline stub - pushing args in order (args[0] ends up nearest the
// top of stack, matching pushArgs's convention and the callee's
// positive-displacement frame layout) and returning whatever the callee
// leaves in RAX.
//
// This is the one crossing in this package that isn't machine code calling
// machine code or machine code calling a Go function pointer obtained via
// reflect (see runtimeglue.go, trampoline_amd64.go): it's Go calling into a
// CodeBuffer for the first time, which has to participate in Go's
// stack-growth protocol. That can only be done from real assembly, not a
// runtime cast of a uintptr to a func value - hence jitcall_amd64.s instead
// of a golang-asm-built stub like the trampoline and dispatch thunk get.
func jitCall(entry uintptr, args []uint64) uint64

// maxJitCallArgs is the capacity of jitCall's fixed outgoing-argument area
// (the assembly routine's frame size divided by the word size).
const maxJitCallArgs = 32
