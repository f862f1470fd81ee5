// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

// Block is one basic block of a method's control-flow graph: a straight-line
// run of statements ending in a fall-through, a conditional branch (If) or
// an unconditional one (Goto), or a method return.
//
// A block's machine-code offset is not known until it has actually been
// emitted (a forward branch targets a block the emitter hasn't reached
// yet), so branches referencing it are recorded on pendingBranches and
// patched in once Emitted flips true (see emit_amd64.go).
type Block struct {
	ID    int
	Stmts []Stmt

	// Succs holds this block's successors in emission-relevant order: for
	// an If-terminated block, [fallthrough, target]; for a Goto-terminated
	// one, [target]; empty for a block ending in Return/VoidReturn.
	Succs []*Block

	Offset  int // byte offset into the owning CompilationUnit's code buffer
	Emitted bool

	pseudo          []PseudoInstruction // selected by select_amd64.go, consumed by emit_amd64.go
	pendingBranches []pendingBranch
}

// pendingBranch records one not-yet-resolvable branch instruction: the
// rel32 displacement at patchOffset must be overwritten once Target's
// Offset is known.
type pendingBranch struct {
	patchOffset int // offset of the 4-byte displacement field
	insnEnd     int // offset one past the branch instruction's last byte
}

// CompilationUnit is the state threaded through a single method's
// compilation: its basic blocks, the frame size BuildIR computed for it,
// and the buffer its machine code is emitted into.
type CompilationUnit struct {
	Method *Method

	// Entry is the block decoding starts at (pc 0); Exit is the single
	// shared epilogue block every Return/VoidReturn branches to, always
	// last in Blocks so it is emitted after the method body.
	Entry  *Block
	Exit   *Block
	Blocks []*Block

	MaxLocals int // largest local slot referenced, drives frame size

	buf  *CodeBuffer
	base int // offset within buf where this method's code begins
}

// NewCompilationUnit allocates an (initially empty) unit for m, backed by
// buf.
func NewCompilationUnit(m *Method, buf *CodeBuffer) *CompilationUnit {
	return &CompilationUnit{Method: m, buf: buf, base: buf.Offset()}
}

// NewBlock creates and registers a fresh block on the unit.
func (u *CompilationUnit) NewBlock() *Block {
	b := &Block{ID: len(u.Blocks)}
	u.Blocks = append(u.Blocks, b)
	return b
}

// EntryPoint is the absolute address generated calls should jump to once
// the unit has been emitted.
func (u *CompilationUnit) EntryPoint() uintptr {
	return u.buf.base + uintptr(u.base)
}
