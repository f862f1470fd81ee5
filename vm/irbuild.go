// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"sort"

	"github.com/go-interpreter/crucible/classfile"
	"github.com/go-interpreter/crucible/classfile/opcodes"
)

// BuildIR lowers a method's bytecode into unit's basic-block CFG.
//
// It walks the byte stream twice. The first pass finds block leaders: pc 0,
// every branch target, and the instruction immediately following a branch.
// The second pass decodes each block in isolation, threading a symbolic
// operand stack that starts empty at the block's first instruction - the
// same stack discipline a one-pass compiler uses, bounded to the blocks
// this opcode subset produces, where the verifier guarantees an empty
// operand stack at every block boundary. A store, return, branch, or
// void-returning invoke bytecode appends a Stmt to the current block;
// everything else only manipulates the symbolic stack. The builder does no constant folding.
func BuildIR(unit *CompilationUnit, code *classfile.CodeAttribute) error {
	if code == nil {
		return fmt.Errorf("vm: %s.%s has no Code attribute (abstract or native)", unit.Method.Owner.Name, unit.Method.Name)
	}
	b := &irBuilder{
		unit:   unit,
		owner:  unit.Method.Owner,
		method: unit.Method,
		code:   code.Code,
		blocks: make(map[int]*Block),
	}
	return b.build()
}

type irBuilder struct {
	unit   *CompilationUnit
	owner  *Class
	method *Method
	code   []byte

	blocks map[int]*Block // pc of leader -> the block starting there
	order  []int          // leader pcs, ascending
}

func (b *irBuilder) build() error {
	if err := b.findLeaders(); err != nil {
		return err
	}

	// The shared exit block: every Return/VoidReturn branches here, and the
	// selector plants the epilogue in it exactly once. Created after the
	// leaders so it sorts last in unit.Blocks and is emitted after the body.
	b.unit.Exit = b.unit.NewBlock()

	for i, pc := range b.order {
		blk := b.blocks[pc]
		if pc == 0 {
			b.unit.Entry = blk
		}
		end := len(b.code)
		if i+1 < len(b.order) {
			end = b.order[i+1]
		}
		if err := b.decodeBlock(blk, pc, end); err != nil {
			return err
		}
	}

	maxLocal := -1
	for _, blk := range b.unit.Blocks {
		for _, st := range blk.Stmts {
			scanLocalSlots(st, &maxLocal)
		}
	}
	if maxLocal >= b.method.ArgsCount {
		b.unit.MaxLocals = maxLocal - b.method.ArgsCount + 1
	}
	return nil
}

// findLeaders computes block boundaries and pre-allocates one Block per
// leader, so that forward branches (and the decode pass's own lookahead to
// a block's fallthrough successor) can resolve a target pc to a *Block
// before that block's own bytes have been decoded.
func (b *irBuilder) findLeaders() error {
	leaders := map[int]bool{0: true}

	pc := 0
	for pc < len(b.code) {
		op := opcodes.Op(b.code[pc])
		size, err := instrLen(op)
		if err != nil {
			return fmt.Errorf("vm: %s.%s: %w", b.owner.Name, b.method.Name, err)
		}
		if isBranch(op) {
			target := branchTarget(b.code, pc)
			leaders[target] = true
			leaders[pc+size] = true
		}
		pc += size
	}

	b.order = make([]int, 0, len(leaders))
	for l := range leaders {
		b.order = append(b.order, l)
	}
	sort.Ints(b.order)

	for _, l := range b.order {
		b.blocks[l] = b.unit.NewBlock()
	}
	return nil
}

func isBranch(op opcodes.Op) bool {
	switch op {
	case opcodes.Goto,
		opcodes.Ifeq, opcodes.Ifne, opcodes.Iflt, opcodes.Ifge, opcodes.Ifgt, opcodes.Ifle,
		opcodes.IfIcmpeq, opcodes.IfIcmpne, opcodes.IfIcmplt, opcodes.IfIcmpge, opcodes.IfIcmpgt, opcodes.IfIcmple:
		return true
	default:
		return false
	}
}

// branchTarget computes the absolute pc a branch instruction at pc jumps
// to, from its 16-bit signed big-endian offset operand.
func branchTarget(code []byte, pc int) int {
	off := int16(uint16(code[pc+1])<<8 | uint16(code[pc+2]))
	return pc + int(off)
}

// decodeBlock decodes the instructions in [start, end) into blk, appending
// statements for every store/return/branch and otherwise threading a
// symbolic stack of not-yet-consumed expressions.
func (b *irBuilder) decodeBlock(blk *Block, start, end int) error {
	var stack []Expr
	push := func(e Expr) { stack = append(stack, e) }
	pop := func() Expr {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	pc := start
	for pc < end {
		op := opcodes.Op(b.code[pc])

		switch op {
		case opcodes.Nop:

		case opcodes.AconstNull:
			push(Value{Type: TypeRef, Imm: 0})

		case opcodes.IconstM1:
			push(Value{Type: TypeInt, Imm: -1})
		case opcodes.Iconst0, opcodes.Iconst1, opcodes.Iconst2, opcodes.Iconst3, opcodes.Iconst4, opcodes.Iconst5:
			push(Value{Type: TypeInt, Imm: int64(op - opcodes.Iconst0)})
		case opcodes.LconstO:
			push(Value{Type: TypeLong, Imm: 0})
		case opcodes.Lconst1:
			push(Value{Type: TypeLong, Imm: 1})

		case opcodes.Bipush:
			push(Value{Type: TypeInt, Imm: int64(int8(b.code[pc+1]))})
		case opcodes.Sipush:
			v := int16(uint16(b.code[pc+1])<<8 | uint16(b.code[pc+2]))
			push(Value{Type: TypeInt, Imm: int64(v)})
		case opcodes.Ldc:
			v, err := b.owner.CP.Integer(uint16(b.code[pc+1]))
			if err != nil {
				return err
			}
			push(Value{Type: TypeInt, Imm: int64(v)})

		case opcodes.Iload, opcodes.Lload, opcodes.Aload:
			push(Local{Slot: int(b.code[pc+1]), Type: localLoadType(op)})
		case opcodes.Iload0, opcodes.Iload1, opcodes.Iload2, opcodes.Iload3:
			push(Local{Slot: int(op - opcodes.Iload0), Type: TypeInt})
		case opcodes.Aload0, opcodes.Aload1, opcodes.Aload2, opcodes.Aload3:
			push(Local{Slot: int(op - opcodes.Aload0), Type: TypeRef})

		case opcodes.Istore, opcodes.Lstore, opcodes.Astore:
			slot := int(b.code[pc+1])
			src := pop()
			blk.Stmts = append(blk.Stmts, Store{Dest: Local{Slot: slot, Type: src.ResultType()}, Src: src})
		case opcodes.Istore0, opcodes.Istore1, opcodes.Istore2, opcodes.Istore3:
			slot := int(op - opcodes.Istore0)
			src := pop()
			blk.Stmts = append(blk.Stmts, Store{Dest: Local{Slot: slot, Type: src.ResultType()}, Src: src})
		case opcodes.Astore0, opcodes.Astore1, opcodes.Astore2, opcodes.Astore3:
			slot := int(op - opcodes.Astore0)
			src := pop()
			blk.Stmts = append(blk.Stmts, Store{Dest: Local{Slot: slot, Type: src.ResultType()}, Src: src})

		case opcodes.Pop:
			pop()
		case opcodes.Dup:
			v := pop()
			push(v)
			push(v)

		case opcodes.Iadd, opcodes.Ladd, opcodes.Isub, opcodes.Imul, opcodes.Idiv, opcodes.Irem,
			opcodes.Iand, opcodes.Ior, opcodes.Ixor, opcodes.Ishl, opcodes.Ishr, opcodes.Iushr:
			right, left := pop(), pop()
			push(Binary{Op: arithOp(op), Left: left, Right: right})
		case opcodes.Ineg:
			push(Unary{Op: OpNeg, Operand: pop()})

		case opcodes.Iinc:
			slot := int(b.code[pc+1])
			delta := int64(int8(b.code[pc+2]))
			blk.Stmts = append(blk.Stmts, Store{
				Dest: Local{Slot: slot, Type: TypeInt},
				Src:  Binary{Op: OpAdd, Left: Local{Slot: slot, Type: TypeInt}, Right: Value{Type: TypeInt, Imm: delta}},
			})

		case opcodes.Ifeq, opcodes.Ifne, opcodes.Iflt, opcodes.Ifge, opcodes.Ifgt, opcodes.Ifle:
			v := pop()
			target := branchTarget(b.code, pc)
			cond := Binary{Op: unaryCmpOp(op), Left: v, Right: Value{Type: TypeInt, Imm: 0}}
			blk.Stmts = append(blk.Stmts, If{Cond: cond, Target: b.blocks[target]})
			blk.Succs = []*Block{b.blocks[pc+3], b.blocks[target]}
			return nil

		case opcodes.IfIcmpeq, opcodes.IfIcmpne, opcodes.IfIcmplt, opcodes.IfIcmpge, opcodes.IfIcmpgt, opcodes.IfIcmple:
			right, left := pop(), pop()
			target := branchTarget(b.code, pc)
			cond := Binary{Op: icmpOp(op), Left: left, Right: right}
			blk.Stmts = append(blk.Stmts, If{Cond: cond, Target: b.blocks[target]})
			blk.Succs = []*Block{b.blocks[pc+3], b.blocks[target]}
			return nil

		case opcodes.Goto:
			target := branchTarget(b.code, pc)
			blk.Stmts = append(blk.Stmts, Goto{Target: b.blocks[target]})
			blk.Succs = []*Block{b.blocks[target]}
			return nil

		case opcodes.Ireturn, opcodes.Lreturn, opcodes.Areturn:
			blk.Stmts = append(blk.Stmts, Return{Expr: pop()})
			return nil
		case opcodes.Return:
			blk.Stmts = append(blk.Stmts, VoidReturn{})
			return nil

		case opcodes.Getstatic:
			fr, err := b.resolveField(pc)
			if err != nil {
				return err
			}
			push(ClassField{Field: fr})
		case opcodes.Putstatic:
			fr, err := b.resolveField(pc)
			if err != nil {
				return err
			}
			blk.Stmts = append(blk.Stmts, Store{Dest: ClassField{Field: fr}, Src: pop()})
		case opcodes.Getfield:
			fr, err := b.resolveField(pc)
			if err != nil {
				return err
			}
			push(InstanceField{Field: fr, ObjectRef: pop()})
		case opcodes.Putfield:
			fr, err := b.resolveField(pc)
			if err != nil {
				return err
			}
			v := pop()
			obj := pop()
			blk.Stmts = append(blk.Stmts, Store{Dest: InstanceField{Field: fr, ObjectRef: obj}, Src: v})

		case opcodes.Invokevirtual:
			m, err := b.resolveMethodRef(pc)
			if err != nil {
				return err
			}
			args := b.popArgs(&stack, m.ArgsCount)
			expr := InvokeVirtual{MethodIndex: m.VirtualIndex, ReturnsType: m.ReturnType, Args: args}
			if m.ReturnType == TypeVoid {
				blk.Stmts = append(blk.Stmts, ExprStmt{Expr: expr})
			} else {
				push(expr)
			}

		case opcodes.Invokespecial, opcodes.Invokestatic:
			m, err := b.resolveMethodRef(pc)
			if err != nil {
				return err
			}
			args := b.popArgs(&stack, m.ArgsCount)
			expr := Invoke{Method: &MethodRef{Owner: m.Owner, Method: m}, Args: args}
			if m.ReturnType == TypeVoid {
				blk.Stmts = append(blk.Stmts, ExprStmt{Expr: expr})
			} else {
				push(expr)
			}

		case opcodes.New:
			idx := uint16(b.code[pc+1])<<8 | uint16(b.code[pc+2])
			name, err := b.owner.CP.ClassName(idx)
			if err != nil {
				return err
			}
			cls, err := b.resolveClass(name)
			if err != nil {
				return err
			}
			push(New{Class: cls})

		default:
			return fmt.Errorf("vm: %s.%s: unhandled opcode %s at pc %d", b.owner.Name, b.method.Name, op, pc)
		}

		size, err := instrLen(op)
		if err != nil {
			return err
		}
		pc += size
	}

	// Fell off the end of this block's byte range without a terminating
	// statement: the block falls through into whatever block starts at end.
	if end < len(b.code) {
		blk.Succs = []*Block{b.blocks[end]}
	}
	return nil
}

// popArgs pops n values off *stack, left-to-right (so args[0] is the
// deepest of the n values, matching JVM invoke argument order).
func (b *irBuilder) popArgs(stack *[]Expr, n int) []Expr {
	s := *stack
	args := make([]Expr, n)
	copy(args, s[len(s)-n:])
	*stack = s[:len(s)-n]
	return args
}

func (b *irBuilder) resolveClass(name string) (*Class, error) {
	if name == b.owner.Name {
		return b.owner, nil
	}
	return b.owner.Loader.Load(name)
}

func (b *irBuilder) resolveField(pc int) (*FieldRef, error) {
	idx := uint16(b.code[pc+1])<<8 | uint16(b.code[pc+2])
	ref, err := b.owner.CP.FieldRef(idx)
	if err != nil {
		return nil, err
	}
	cls, err := b.resolveClass(ref.Class)
	if err != nil {
		return nil, err
	}
	return cls.ResolveField(ref.Name)
}

func (b *irBuilder) resolveMethodRef(pc int) (*Method, error) {
	idx := uint16(b.code[pc+1])<<8 | uint16(b.code[pc+2])
	ref, err := b.owner.CP.MethodRef(idx)
	if err != nil {
		return nil, err
	}
	cls, err := b.resolveClass(ref.Class)
	if err != nil {
		return nil, err
	}
	return cls.ResolveMethod(ref.Name, ref.Descriptor)
}

func localLoadType(op opcodes.Op) Type {
	switch op {
	case opcodes.Lload:
		return TypeLong
	case opcodes.Aload:
		return TypeRef
	default:
		return TypeInt
	}
}

func arithOp(op opcodes.Op) BinOp {
	switch op {
	case opcodes.Iadd, opcodes.Ladd:
		return OpAdd
	case opcodes.Isub:
		return OpSub
	case opcodes.Imul:
		return OpMul
	case opcodes.Idiv:
		return OpDiv
	case opcodes.Irem:
		return OpRem
	case opcodes.Iand:
		return OpAnd
	case opcodes.Ior:
		return OpOr
	case opcodes.Ixor:
		return OpXor
	case opcodes.Ishl:
		return OpShl
	case opcodes.Ishr:
		return OpShr
	case opcodes.Iushr:
		return OpUshr
	default:
		panic("vm: arithOp: not an arithmetic opcode")
	}
}

// unaryCmpOp maps a single-operand if<cond> (compares against the implicit
// 0 pushed as Value{0} by the caller) to its BinOp.
func unaryCmpOp(op opcodes.Op) BinOp {
	switch op {
	case opcodes.Ifeq:
		return OpEq
	case opcodes.Ifne:
		return OpNe
	case opcodes.Iflt:
		return OpLt
	case opcodes.Ifge:
		return OpGe
	case opcodes.Ifgt:
		return OpGt
	case opcodes.Ifle:
		return OpLe
	default:
		panic("vm: unaryCmpOp: not an if<cond> opcode")
	}
}

func icmpOp(op opcodes.Op) BinOp {
	switch op {
	case opcodes.IfIcmpeq:
		return OpEq
	case opcodes.IfIcmpne:
		return OpNe
	case opcodes.IfIcmplt:
		return OpLt
	case opcodes.IfIcmpge:
		return OpGe
	case opcodes.IfIcmpgt:
		return OpGt
	case opcodes.IfIcmple:
		return OpLe
	default:
		panic("vm: icmpOp: not an if_icmp<cond> opcode")
	}
}

// instrLen returns the total byte length (opcode plus operands) of a single
// instance of op, per the JVM instruction set's fixed-width encoding (none
// of the variable-length instructions - tableswitch, lookupswitch,
// wide - are in this builder's supported subset; see classfile/opcodes).
func instrLen(op opcodes.Op) (int, error) {
	switch op {
	case opcodes.Nop, opcodes.AconstNull,
		opcodes.IconstM1, opcodes.Iconst0, opcodes.Iconst1, opcodes.Iconst2, opcodes.Iconst3, opcodes.Iconst4, opcodes.Iconst5,
		opcodes.LconstO, opcodes.Lconst1,
		opcodes.Iload0, opcodes.Iload1, opcodes.Iload2, opcodes.Iload3,
		opcodes.Aload0, opcodes.Aload1, opcodes.Aload2, opcodes.Aload3,
		opcodes.Istore0, opcodes.Istore1, opcodes.Istore2, opcodes.Istore3,
		opcodes.Astore0, opcodes.Astore1, opcodes.Astore2, opcodes.Astore3,
		opcodes.Pop, opcodes.Dup,
		opcodes.Iadd, opcodes.Ladd, opcodes.Isub, opcodes.Imul, opcodes.Idiv, opcodes.Irem, opcodes.Ineg,
		opcodes.Ishl, opcodes.Ishr, opcodes.Iushr, opcodes.Iand, opcodes.Ior, opcodes.Ixor,
		opcodes.Ireturn, opcodes.Lreturn, opcodes.Areturn, opcodes.Return:
		return 1, nil

	case opcodes.Bipush, opcodes.Ldc,
		opcodes.Iload, opcodes.Lload, opcodes.Aload, opcodes.Istore, opcodes.Lstore, opcodes.Astore:
		return 2, nil

	case opcodes.Sipush, opcodes.Iinc,
		opcodes.Ifeq, opcodes.Ifne, opcodes.Iflt, opcodes.Ifge, opcodes.Ifgt, opcodes.Ifle,
		opcodes.IfIcmpeq, opcodes.IfIcmpne, opcodes.IfIcmplt, opcodes.IfIcmpge, opcodes.IfIcmpgt, opcodes.IfIcmple,
		opcodes.Goto:
		return 3, nil

	case opcodes.Getstatic, opcodes.Putstatic, opcodes.Getfield, opcodes.Putfield,
		opcodes.Invokevirtual, opcodes.Invokespecial, opcodes.Invokestatic, opcodes.New:
		return 3, nil

	default:
		return 0, fmt.Errorf("vm: unknown opcode 0x%02x", byte(op))
	}
}

// scanLocalSlots updates *max with the highest Local slot referenced
// anywhere in st, so BuildIR can size the method's frame.
func scanLocalSlots(st Stmt, max *int) {
	switch v := st.(type) {
	case ExprStmt:
		scanExprLocalSlots(v.Expr, max)
	case Return:
		scanExprLocalSlots(v.Expr, max)
	case VoidReturn:
	case If:
		scanExprLocalSlots(v.Cond, max)
	case Goto:
	case Store:
		scanExprLocalSlots(v.Dest, max)
		scanExprLocalSlots(v.Src, max)
	}
}

func scanExprLocalSlots(e Expr, max *int) {
	switch v := e.(type) {
	case Local:
		if v.Slot > *max {
			*max = v.Slot
		}
	case InstanceField:
		scanExprLocalSlots(v.ObjectRef, max)
	case Binary:
		scanExprLocalSlots(v.Left, max)
		scanExprLocalSlots(v.Right, max)
	case Unary:
		scanExprLocalSlots(v.Operand, max)
	case Invoke:
		for _, a := range v.Args {
			scanExprLocalSlots(a, max)
		}
	case InvokeVirtual:
		for _, a := range v.Args {
			scanExprLocalSlots(a, max)
		}
	}
}
