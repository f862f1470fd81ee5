// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"unsafe"

	"github.com/go-interpreter/crucible/runtime"
)

// classPtrOffset is where an object's header stores its class pointer (see
// runtime.ClassOf, which this mirrors for compiled code).
const classPtrOffset = 0

// Details of the AMD64 instruction selector:
//
// Scratch registers: A (RAX), B (RDX), C (RCX) - see reg's doc comment for
// why those three and no others.
//
// Frame layout: argument slots live at positive displacements from the
// frame pointer, locals at negative ones; dispOf computes the byte offset
// for a given Local. Every expression leaves its result in A. A value that
// must survive the evaluation of another expression (a Binary's or If's left
// operand while the right one is evaluated, Store's Src while an
// InstanceField's object is evaluated) is pushed on the stack and popped
// into B afterwards, because that other expression may itself use B.

// selector carries the per-CompilationUnit state the selection patterns
// need: the frame layout and the instruction slice being built.
type selector struct {
	unit  *CompilationUnit
	insns []PseudoInstruction
}

// SelectMethod lowers every block of unit's IR to pseudo-instructions,
// storing the result back on each Block (consumed by emit_amd64.go).
func SelectMethod(unit *CompilationUnit) error {
	if unit.Exit == nil {
		return fmt.Errorf("vm: select %s.%s: unit has no exit block", unit.Method.Owner.Name, unit.Method.Name)
	}
	s := &selector{unit: unit}
	for _, b := range unit.Blocks {
		s.insns = nil
		for _, st := range b.Stmts {
			if err := s.selectStmt(st); err != nil {
				return fmt.Errorf("vm: select %s.%s: %w", unit.Method.Owner.Name, unit.Method.Name, err)
			}
		}
		b.pseudo = s.insns
	}
	// The one epilogue, in the shared exit block every return branches to.
	unit.Exit.pseudo = append(unit.Exit.pseudo, PseudoInstruction{Op: opRet})
	return nil
}

func (s *selector) emit(p PseudoInstruction) { s.insns = append(s.insns, p) }

// dispOf returns the frame-pointer-relative byte displacement of local
// slot. Arguments (slot < ArgsCount) sit above the frame pointer (pushed by
// the caller/trampoline before entry); true locals sit below it, in the
// space the prologue reserves.
func (s *selector) dispOf(slot int) int32 {
	m := s.unit.Method
	if slot < m.ArgsCount {
		return int32((slot + 2) * WordSize) // +2: skip saved RBP and return address
	}
	return -int32((slot - m.ArgsCount + 1) * WordSize)
}

// selectExpr lowers e, leaving its value in register A.
func (s *selector) selectExpr(e Expr) error {
	switch v := e.(type) {
	case Value:
		s.emit(PseudoInstruction{Op: opMovRegImm, Dst: regA, Imm: v.Imm})
		return nil

	case Local:
		s.emit(PseudoInstruction{Op: opMovRegMembase, Dst: regA, Src: regFP, Disp: s.dispOf(v.Slot)})
		return nil

	case ClassField:
		// mov_imm &slot.value -> A ; mov [A] -> A
		slot := v.Field.Slot
		s.emit(PseudoInstruction{Op: opMovRegImm, Dst: regA, Imm: int64(staticSlotAddr(slot))})
		s.emit(PseudoInstruction{Op: opMovRegMembase, Dst: regA, Src: regA, Disp: 0})
		return nil

	case InstanceField:
		if err := s.selectExpr(v.ObjectRef); err != nil { // A = objectref
			return err
		}
		s.emit(PseudoInstruction{Op: opMovRegImm, Dst: regB, Imm: int64(runtime.ObjectHeaderSize)})
		s.emit(PseudoInstruction{Op: opAdd, Dst: regA, Src: regB})
		s.emit(PseudoInstruction{Op: opMovRegImm, Dst: regB, Imm: int64(v.Field.Offset)})
		s.emit(PseudoInstruction{Op: opMovRegMemindex, Dst: regA, Src: regA, Index: regB, Scale: 4})
		return nil

	case Binary:
		return s.selectBinary(v)

	case Unary:
		if err := s.selectExpr(v.Operand); err != nil {
			return err
		}
		s.emit(PseudoInstruction{Op: opNeg, Dst: regA})
		return nil

	case Invoke:
		return s.selectInvoke(v)

	case InvokeVirtual:
		return s.selectInvokeVirtual(v)

	case New:
		return s.selectNew(v)

	default:
		return fmt.Errorf("unhandled expression %T", e)
	}
}

// selectBinary evaluates Left into A, saves it on the stack, evaluates Right
// into A, pops the saved left value into B, then combines B (left) and A
// (right) per Op, always leaving the result in A.
func (s *selector) selectBinary(b Binary) error {
	if err := s.selectExpr(b.Left); err != nil {
		return err
	}
	s.emit(PseudoInstruction{Op: opPush, Src: regA}) // Right may itself use B
	if err := s.selectExpr(b.Right); err != nil {
		return err
	}
	s.emit(PseudoInstruction{Op: opPop, Dst: regB}) // B = left

	switch b.Op {
	case OpAdd:
		s.emit(PseudoInstruction{Op: opAdd, Dst: regB, Src: regA})
		s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regA, Src: regB})
	case OpSub:
		s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regC, Src: regA})
		s.emit(PseudoInstruction{Op: opSub, Dst: regB, Src: regC})
		s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regA, Src: regB})
	case OpMul:
		s.emit(PseudoInstruction{Op: opMul, Dst: regB, Src: regA})
		s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regA, Src: regB})
	case OpDiv, OpRem:
		// Dividend must be in A; shuffle so B (left) ends up there and the
		// divisor (right) ends up anywhere but A/B - C is free.
		s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regC, Src: regA}) // C = right (divisor)
		s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regA, Src: regB}) // A = left (dividend)
		s.emit(PseudoInstruction{Op: opCqo})
		s.emit(PseudoInstruction{Op: opIDiv, Src: regC})
		if b.Op == OpRem {
			s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regA, Src: regB}) // remainder left in B by IDIV
		}
	case OpAnd:
		s.emit(PseudoInstruction{Op: opAnd, Dst: regB, Src: regA})
		s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regA, Src: regB})
	case OpOr:
		s.emit(PseudoInstruction{Op: opOr, Dst: regB, Src: regA})
		s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regA, Src: regB})
	case OpXor:
		s.emit(PseudoInstruction{Op: opXor, Dst: regB, Src: regA})
		s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regA, Src: regB})
	case OpShl, OpShr, OpUshr:
		// Shift count must be in C.
		s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regC, Src: regA})
		s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regA, Src: regB})
		switch b.Op {
		case OpShl:
			s.emit(PseudoInstruction{Op: opShl, Dst: regA})
		case OpShr:
			s.emit(PseudoInstruction{Op: opSar, Dst: regA})
		case OpUshr:
			s.emit(PseudoInstruction{Op: opShr, Dst: regA})
		}
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		s.emit(PseudoInstruction{Op: opCmp, Dst: regB, Src: regA})
	default:
		return fmt.Errorf("unhandled binary op %d", b.Op)
	}
	return nil
}

// pushArgs evaluates args right-to-left and pushes each onto the stack, so
// after the loop the left-most argument sits at the top (lowest address),
// matching the callee's positive-displacement local layout.
func (s *selector) pushArgs(args []Expr) error {
	for i := len(args) - 1; i >= 0; i-- {
		if err := s.selectExpr(args[i]); err != nil {
			return err
		}
		s.emit(PseudoInstruction{Op: opPush, Src: regA})
	}
	return nil
}

// selectInvoke lowers a direct (static/special) call. The trampoline's
// address is baked in as an immediate - Go's current garbage collector
// never relocates heap allocations, so this holds for the method's whole
// lifetime - but bufferBase itself is reloaded at call time, since that is
// exactly the field lazy compilation rewrites.
func (s *selector) selectInvoke(i Invoke) error {
	if err := s.pushArgs(i.Args); err != nil {
		return err
	}
	tramp := i.Method.Method.trampoline
	s.emit(PseudoInstruction{Op: opMovRegImm, Dst: regA, Imm: int64(uintptr(unsafe.Pointer(tramp)))})
	s.emit(PseudoInstruction{Op: opMovRegMembase, Dst: regA, Src: regA, Disp: int32(trampolineBufferBaseOffset)})
	s.emit(PseudoInstruction{Op: opCallIndirect, CallReg: regA})
	s.popArgsSpace(len(i.Args))
	return nil
}

// popArgsSpace discards the n argument words pushArgs left on the stack,
// per the caller-cleans calling convention. A call in a loop body would
// otherwise leak a frame's worth of stack per iteration.
func (s *selector) popArgsSpace(n int) {
	if n == 0 {
		return
	}
	s.emit(PseudoInstruction{Op: opAddRegImm, Dst: regSP, Imm: int64(n * WordSize)})
}

// selectInvokeVirtual implements the dispatch chain worked out from the
// method_table/trampoline/buffer_base pointer-chase: the receiver (Args[0])
// gives the object, whose header holds the class pointer, whose
// classMethodTableOffset field holds the vtable array, indexed by
// MethodIndex to a *Method, whose trampoline field holds the Trampoline,
// whose bufferBase field is the address actually called.
func (s *selector) selectInvokeVirtual(i InvokeVirtual) error {
	if err := s.pushArgs(i.Args); err != nil {
		return err
	}
	// Args[0] (the receiver) was pushed last by pushArgs, since it lowers
	// right-to-left, so it sits at the top of the stack - read it back from
	// there rather than re-evaluating the expression, which would double
	// any side effect a non-trivial receiver expression has.
	s.emit(PseudoInstruction{Op: opMovRegMembase, Dst: regA, Src: regSP, Disp: 0})                                // A = receiver
	s.emit(PseudoInstruction{Op: opMovRegMembase, Dst: regA, Src: regA, Disp: int32(classPtrOffset)})             // A = class
	s.emit(PseudoInstruction{Op: opMovRegMembase, Dst: regA, Src: regA, Disp: int32(classMethodTableOffset)})     // A = vtable base
	s.emit(PseudoInstruction{Op: opMovRegMembase, Dst: regA, Src: regA, Disp: int32(i.MethodIndex * WordSize)})   // A = *Method
	s.emit(PseudoInstruction{Op: opMovRegMembase, Dst: regA, Src: regA, Disp: int32(methodTrampolineOffset)})     // A = *Trampoline
	s.emit(PseudoInstruction{Op: opMovRegMembase, Dst: regA, Src: regA, Disp: int32(trampolineBufferBaseOffset)}) // A = entry point
	s.emit(PseudoInstruction{Op: opCallIndirect, CallReg: regA})
	s.popArgsSpace(len(i.Args))
	return nil
}

func (s *selector) selectNew(n New) error {
	s.emit(PseudoInstruction{Op: opMovRegImm, Dst: regA, Imm: int64(n.Class.ClassPtr())})
	s.emit(PseudoInstruction{Op: opCall, Callee: allocObjectTrampoline})
	return nil
}

func (s *selector) selectStmt(st Stmt) error {
	switch v := st.(type) {
	case ExprStmt:
		return s.selectExpr(v.Expr)

	case Return:
		if err := s.selectExpr(v.Expr); err != nil {
			return err
		}
		s.emit(PseudoInstruction{Op: opJmp, Target: s.unit.Exit})
		return nil

	case VoidReturn:
		s.emit(PseudoInstruction{Op: opJmp, Target: s.unit.Exit})
		return nil

	case If:
		if err := s.selectExpr(v.Cond.Left); err != nil {
			return err
		}
		s.emit(PseudoInstruction{Op: opPush, Src: regA}) // Right may itself use B
		if err := s.selectExpr(v.Cond.Right); err != nil {
			return err
		}
		s.emit(PseudoInstruction{Op: opPop, Dst: regB}) // B = left
		s.emit(PseudoInstruction{Op: opCmp, Dst: regB, Src: regA})
		s.emit(PseudoInstruction{Op: opJcc, Cond: ccFromBinOp(v.Cond.Op), Target: v.Target})
		return nil

	case Goto:
		s.emit(PseudoInstruction{Op: opJmp, Target: v.Target})
		return nil

	case Store:
		if err := s.selectExpr(v.Src); err != nil {
			return err
		}
		s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regB, Src: regA}) // B = value to store
		switch dst := v.Dest.(type) {
		case Local:
			s.emit(PseudoInstruction{Op: opMovMembaseReg, Dst: regFP, Src: regB, Disp: s.dispOf(dst.Slot)})
		case ClassField:
			s.emit(PseudoInstruction{Op: opMovRegImm, Dst: regA, Imm: int64(staticSlotAddr(dst.Field.Slot))})
			s.emit(PseudoInstruction{Op: opMovMembaseReg, Dst: regA, Src: regB, Disp: 0})
		case InstanceField:
			s.emit(PseudoInstruction{Op: opPush, Src: regB}) // ObjectRef may itself use B
			if err := s.selectExpr(dst.ObjectRef); err != nil {
				return err
			}
			s.emit(PseudoInstruction{Op: opPop, Dst: regB})                  // B = value to store
			s.emit(PseudoInstruction{Op: opMovRegReg, Dst: regC, Src: regA}) // C = objectref
			s.emit(PseudoInstruction{Op: opMovRegImm, Dst: regA, Imm: int64(runtime.ObjectHeaderSize)})
			s.emit(PseudoInstruction{Op: opAdd, Dst: regC, Src: regA}) // C = objectref + header
			s.emit(PseudoInstruction{Op: opMovRegImm, Dst: regA, Imm: int64(dst.Field.Offset)})
			s.emit(PseudoInstruction{Op: opMovMemindexReg, Dst: regC, Src: regB, Index: regA, Scale: 4})
		default:
			return fmt.Errorf("unhandled store destination %T", dst)
		}
		return nil

	default:
		return fmt.Errorf("unhandled statement %T", st)
	}
}
