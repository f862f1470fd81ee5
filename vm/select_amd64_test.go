// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"reflect"
	"testing"

	"github.com/go-interpreter/crucible/runtime"
)

// newTestUnit builds a bare CompilationUnit (no classfile involved) for
// selector tests: argsCount incoming arguments, one block holding stmts.
func newTestUnit(t *testing.T, argsCount int, stmts []Stmt) *CompilationUnit {
	t.Helper()
	buf, err := NewCodeBuffer()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { buf.Close() })

	m := &Method{ArgsCount: argsCount}
	unit := NewCompilationUnit(m, buf)
	blk := unit.NewBlock()
	blk.Stmts = stmts
	unit.Entry = blk
	unit.Exit = unit.NewBlock()
	return unit
}

func TestSelectLocalLoad(t *testing.T) {
	unit := newTestUnit(t, 2, []Stmt{Return{Expr: Local{Slot: 0, Type: TypeInt}}})
	if err := SelectMethod(unit); err != nil {
		t.Fatal(err)
	}
	pseudo := unit.Blocks[0].pseudo
	if len(pseudo) != 2 {
		t.Fatalf("got %d pseudo-instructions, want 2 (load + jump to exit): %+v", len(pseudo), pseudo)
	}
	load := pseudo[0]
	if load.Op != opMovRegMembase || load.Dst != regA || load.Src != regFP {
		t.Fatalf("unexpected load instruction: %+v", load)
	}
	if want := int32(2 * WordSize); load.Disp != want {
		t.Fatalf("local 0 displacement = %d, want %d", load.Disp, want)
	}
	if pseudo[1].Op != opJmp || pseudo[1].Target != unit.Exit {
		t.Fatalf("second instruction = %+v, want opJmp to the unit's exit block", pseudo[1])
	}
	if len(unit.Exit.pseudo) != 1 || unit.Exit.pseudo[0].Op != opRet {
		t.Fatalf("exit block = %+v, want exactly the one epilogue opRet", unit.Exit.pseudo)
	}
}

func TestSelectArgDisplacementsIncreaseWithSlot(t *testing.T) {
	unit := newTestUnit(t, 4, []Stmt{
		Return{Expr: Binary{Op: OpAdd, Left: Local{Slot: 2, Type: TypeInt}, Right: Local{Slot: 3, Type: TypeInt}}},
	})
	s := &selector{unit: unit}
	d2 := s.dispOf(2)
	d3 := s.dispOf(3)
	if d3 <= d2 {
		t.Fatalf("dispOf(3)=%d should exceed dispOf(2)=%d (later args sit further from fp)", d3, d2)
	}
}

func TestSelectLocalsSitBelowFramePointer(t *testing.T) {
	unit := newTestUnit(t, 1, nil)
	s := &selector{unit: unit}
	if got := s.dispOf(1); got >= 0 {
		t.Fatalf("dispOf(1) (a true local, past ArgsCount=1) = %d, want negative", got)
	}
}

func TestSelectValueImmediate(t *testing.T) {
	unit := newTestUnit(t, 0, []Stmt{Return{Expr: Value{Type: TypeInt, Imm: 0xdeadbeef}}})
	if err := SelectMethod(unit); err != nil {
		t.Fatal(err)
	}
	pseudo := unit.Blocks[0].pseudo
	if pseudo[0].Op != opMovRegImm || pseudo[0].Dst != regA || pseudo[0].Imm != 0xdeadbeef {
		t.Fatalf("unexpected first instruction: %+v", pseudo[0])
	}
}

func TestSelectUnaryNeg(t *testing.T) {
	unit := newTestUnit(t, 1, []Stmt{Return{Expr: Unary{Op: OpNeg, Operand: Local{Slot: 0, Type: TypeInt}}}})
	if err := SelectMethod(unit); err != nil {
		t.Fatal(err)
	}
	pseudo := unit.Blocks[0].pseudo
	foundNeg := false
	for _, p := range pseudo {
		if p.Op == opNeg {
			foundNeg = true
			if p.Dst != regA {
				t.Fatalf("neg operates on %v, want regA", p.Dst)
			}
		}
	}
	if !foundNeg {
		t.Fatalf("no opNeg instruction selected: %+v", pseudo)
	}
}

// TestSelectInstanceFieldAddsHeaderOffset pins the addressing contract
// runtime.ObjectHeaderSize documents: a field read is at
// objectref + ObjectHeaderSize + offset*4, not objectref + offset*4.
func TestSelectInstanceFieldAddsHeaderOffset(t *testing.T) {
	fr := &FieldRef{Name: "x", Offset: 2, Type: TypeInt}
	unit := newTestUnit(t, 1, []Stmt{
		Return{Expr: InstanceField{Field: fr, ObjectRef: Local{Slot: 0, Type: TypeRef}}},
	})
	if err := SelectMethod(unit); err != nil {
		t.Fatal(err)
	}
	pseudo := unit.Blocks[0].pseudo
	sawHeaderAdd := false
	for i, p := range pseudo {
		if p.Op == opMovRegImm && p.Imm == int64(runtime.ObjectHeaderSize) && p.Dst == regB {
			if i+1 >= len(pseudo) || pseudo[i+1].Op != opAdd || pseudo[i+1].Dst != regA || pseudo[i+1].Src != regB {
				t.Fatalf("header-size immediate at %d not followed by add regA,regB: %+v", i, pseudo)
			}
			sawHeaderAdd = true
		}
	}
	if !sawHeaderAdd {
		t.Fatalf("instance field load never adds ObjectHeaderSize before indexing: %+v", pseudo)
	}
}

// TestSelectInstanceFieldStoreAddsHeaderOffset mirrors the load-side test
// for the store direction.
func TestSelectInstanceFieldStoreAddsHeaderOffset(t *testing.T) {
	fr := &FieldRef{Name: "x", Offset: 0, Type: TypeInt}
	unit := newTestUnit(t, 2, []Stmt{
		Store{
			Dest: InstanceField{Field: fr, ObjectRef: Local{Slot: 0, Type: TypeRef}},
			Src:  Local{Slot: 1, Type: TypeInt},
		},
		VoidReturn{},
	})
	if err := SelectMethod(unit); err != nil {
		t.Fatal(err)
	}
	pseudo := unit.Blocks[0].pseudo
	found := false
	for i, p := range pseudo {
		if p.Op == opMovRegImm && p.Imm == int64(runtime.ObjectHeaderSize) && p.Dst == regA {
			if i+1 >= len(pseudo) || pseudo[i+1].Op != opAdd || pseudo[i+1].Dst != regC {
				t.Fatalf("header-size immediate at %d not added into regC: %+v", i, pseudo)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("instance field store never adds ObjectHeaderSize before indexing: %+v", pseudo)
	}
}

// TestSelectInvokeVirtualReadsReceiverFromStack ensures the selector reads
// the pushed receiver back off the stack (per the invokevirtual
// pattern) instead of re-evaluating Args[0], which would double any side
// effect a non-trivial receiver expression has.
func TestSelectInvokeVirtualReadsReceiverFromStack(t *testing.T) {
	unit := newTestUnit(t, 1, []Stmt{
		ExprStmt{Expr: InvokeVirtual{
			MethodIndex: 3,
			Args:        []Expr{Local{Slot: 0, Type: TypeRef}},
		}},
		VoidReturn{},
	})
	if err := SelectMethod(unit); err != nil {
		t.Fatal(err)
	}
	pseudo := unit.Blocks[0].pseudo
	if len(pseudo) == 0 || pseudo[0].Op != opMovRegMembase || pseudo[0].Src != regFP {
		t.Fatalf("expected first instruction to push the receiver from the frame, got %+v", pseudo)
	}
	foundReceiverLoad := false
	for _, p := range pseudo {
		if p.Op == opMovRegMembase && p.Src == regSP && p.Disp == 0 && p.Dst == regA {
			foundReceiverLoad = true
		}
	}
	if !foundReceiverLoad {
		t.Fatalf("invokevirtual never reads the receiver back from [sp+0]: %+v", pseudo)
	}
}

// TestSelectInvokeVirtualCleansUpArgumentStack pins the caller-cleans
// convention: after the indirect call, the words pushed for the arguments
// are discarded with an add to the stack pointer, so a call inside a loop
// doesn't grow the stack by a frame per iteration.
func TestSelectInvokeVirtualCleansUpArgumentStack(t *testing.T) {
	unit := newTestUnit(t, 1, []Stmt{
		ExprStmt{Expr: InvokeVirtual{
			MethodIndex: 0,
			Args:        []Expr{Local{Slot: 0, Type: TypeRef}, Value{Type: TypeInt, Imm: 9}},
		}},
		VoidReturn{},
	})
	if err := SelectMethod(unit); err != nil {
		t.Fatal(err)
	}
	pseudo := unit.Blocks[0].pseudo
	callIdx := -1
	for i, p := range pseudo {
		if p.Op == opCallIndirect {
			callIdx = i
		}
	}
	if callIdx < 0 {
		t.Fatalf("no indirect call selected: %+v", pseudo)
	}
	cleanup := pseudo[callIdx+1]
	if cleanup.Op != opAddRegImm || cleanup.Dst != regSP {
		t.Fatalf("instruction after the call = %+v, want add imm -> sp", cleanup)
	}
	if want := int64(2 * WordSize); cleanup.Imm != want {
		t.Fatalf("stack cleanup = %d bytes, want %d (two pushed argument words)", cleanup.Imm, want)
	}
}

func TestSelectDivisionUsesCqoAndIDiv(t *testing.T) {
	unit := newTestUnit(t, 2, []Stmt{
		Return{Expr: Binary{Op: OpDiv, Left: Local{Slot: 0, Type: TypeInt}, Right: Local{Slot: 1, Type: TypeInt}}},
	})
	if err := SelectMethod(unit); err != nil {
		t.Fatal(err)
	}
	var sawCqo, sawIDiv bool
	var idivIdx, cqoIdx int
	for i, p := range unit.Blocks[0].pseudo {
		if p.Op == opCqo {
			sawCqo, cqoIdx = true, i
		}
		if p.Op == opIDiv {
			sawIDiv, idivIdx = true, i
		}
	}
	if !sawCqo || !sawIDiv {
		t.Fatalf("division must sign-extend with cqo before idiv: %+v", unit.Blocks[0].pseudo)
	}
	if idivIdx <= cqoIdx {
		t.Fatalf("idiv (at %d) must follow cqo (at %d)", idivIdx, cqoIdx)
	}
}

func TestSelectRemainderMovesRemainderFromB(t *testing.T) {
	unit := newTestUnit(t, 2, []Stmt{
		Return{Expr: Binary{Op: OpRem, Left: Local{Slot: 0, Type: TypeInt}, Right: Local{Slot: 1, Type: TypeInt}}},
	})
	if err := SelectMethod(unit); err != nil {
		t.Fatal(err)
	}
	pseudo := unit.Blocks[0].pseudo
	last := pseudo[len(pseudo)-2] // before the trailing jump to the exit block
	if last.Op != opMovRegReg || last.Dst != regA || last.Src != regB {
		t.Fatalf("REM must finish by moving the remainder (B) into A, got %+v", last)
	}
}

func TestSelectShiftCountGoesThroughC(t *testing.T) {
	unit := newTestUnit(t, 2, []Stmt{
		Return{Expr: Binary{Op: OpShl, Left: Local{Slot: 0, Type: TypeInt}, Right: Local{Slot: 1, Type: TypeInt}}},
	})
	if err := SelectMethod(unit); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range unit.Blocks[0].pseudo {
		if p.Op == opShl {
			found = true
			if p.Dst != regA {
				t.Fatalf("shl target = %v, want regA", p.Dst)
			}
		}
	}
	if !found {
		t.Fatalf("no opShl selected: %+v", unit.Blocks[0].pseudo)
	}
}

func TestSelectStoreLocal(t *testing.T) {
	unit := newTestUnit(t, 1, []Stmt{
		Store{Dest: Local{Slot: 1, Type: TypeInt}, Src: Value{Type: TypeInt, Imm: 7}},
		VoidReturn{},
	})
	if err := SelectMethod(unit); err != nil {
		t.Fatal(err)
	}
	pseudo := unit.Blocks[0].pseudo
	var storeOp *PseudoInstruction
	for i, p := range pseudo {
		if p.Op == opMovMembaseReg {
			storeOp = &pseudo[i]
		}
	}
	if storeOp == nil {
		t.Fatalf("no store to frame slot selected: %+v", pseudo)
	}
	if storeOp.Dst != regFP {
		t.Fatalf("store base register = %v, want regFP", storeOp.Dst)
	}
}

func TestSelectIfBranchesToTarget(t *testing.T) {
	buf, err := NewCodeBuffer()
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Close()
	m := &Method{ArgsCount: 2}
	unit := NewCompilationUnit(m, buf)
	entry := unit.NewBlock()
	target := unit.NewBlock()
	entry.Stmts = []Stmt{
		If{Cond: Binary{Op: OpEq, Left: Local{Slot: 0, Type: TypeInt}, Right: Local{Slot: 1, Type: TypeInt}}, Target: target},
	}
	entry.Succs = []*Block{target, target}
	target.Stmts = []Stmt{VoidReturn{}}
	unit.Entry = entry
	unit.Exit = unit.NewBlock()

	if err := SelectMethod(unit); err != nil {
		t.Fatal(err)
	}
	var jcc *PseudoInstruction
	for i, p := range entry.pseudo {
		if p.Op == opJcc {
			jcc = &entry.pseudo[i]
		}
	}
	if jcc == nil {
		t.Fatalf("no conditional jump selected: %+v", entry.pseudo)
	}
	if jcc.Target != target {
		t.Fatalf("conditional jump targets %v, want the If's Target block", jcc.Target)
	}
	if jcc.Cond != ccEq {
		t.Fatalf("condition = %v, want ccEq for OpEq", jcc.Cond)
	}
}

// TestSelectionIsDeterministic asserts that selection is deterministic:
// running the selector twice on equivalent IR produces identical instruction
// lists.
func TestSelectionIsDeterministic(t *testing.T) {
	build := func() *CompilationUnit {
		return newTestUnit(t, 4, []Stmt{
			Return{Expr: Binary{Op: OpAdd, Left: Local{Slot: 0, Type: TypeInt}, Right: Local{Slot: 1, Type: TypeInt}}},
		})
	}
	u1, u2 := build(), build()
	if err := SelectMethod(u1); err != nil {
		t.Fatal(err)
	}
	if err := SelectMethod(u2); err != nil {
		t.Fatal(err)
	}
	norm := func(pseudo []PseudoInstruction) []PseudoInstruction {
		out := make([]PseudoInstruction, len(pseudo))
		for i, p := range pseudo {
			p.Target = nil // block identities differ across the two units; compare ops/operands only
			out[i] = p
		}
		return out
	}
	if !reflect.DeepEqual(norm(u1.Blocks[0].pseudo), norm(u2.Blocks[0].pseudo)) {
		t.Fatalf("selector is not deterministic:\n%+v\n%+v", u1.Blocks[0].pseudo, u2.Blocks[0].pseudo)
	}
}
