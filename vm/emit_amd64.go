// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import "fmt"

// x86-64 register encodings for the registers the emitter ever names
// directly (general-purpose registers 0-7; none of the fixed conventions
// need R8-R15).
const (
	encRAX = 0
	encRCX = 1
	encRDX = 2
	encRBX = 3
	encRSP = 4
	encRBP = 5
	encRSI = 6
	encRDI = 7
)

func encOf(r reg) int {
	switch r {
	case regA:
		return encRAX
	case regB:
		return encRDX
	case regC:
		return encRCX
	case regFP:
		return encRBP
	case regSP:
		return encRSP
	default:
		panic("vm: unknown register")
	}
}

// EmitMethod lowers every block's selected pseudo-instructions to machine
// code, appending to buf, and resolves every branch: a branch whose target
// has already been emitted is written with its final displacement
// immediately, and one whose target comes later is recorded on the
// target's pendingBranches and patched in once that block is emitted.
func EmitMethod(unit *CompilationUnit, buf *CodeBuffer) error {
	e := &emitter{unit: unit, buf: buf}
	e.emitPrologue()
	for _, b := range unit.Blocks {
		if err := e.emitBlock(b); err != nil {
			return fmt.Errorf("vm: emit %s.%s: %w", unit.Method.Owner.Name, unit.Method.Name, err)
		}
	}
	return nil
}

type emitter struct {
	unit *CompilationUnit
	buf  *CodeBuffer
}

// emitPrologue pushes the caller's frame pointer, establishes a new one,
// and - when the method has locals past its arguments - reserves their
// space below RBP with an explicit `sub rsp`. Without this, a Local store
// below RBP could alias a byte range a later Invoke's argument push is
// about to claim.
func (e *emitter) emitPrologue() {
	e.buf.Append([]byte{0x55})             // push rbp
	e.buf.Append([]byte{0x48, 0x89, 0xE5}) // mov rbp, rsp
	if n := e.unit.MaxLocals; n > 0 {
		sz := uint32(n * WordSize)
		e.buf.Append([]byte{0x48, 0x81, 0xEC, byte(sz), byte(sz >> 8), byte(sz >> 16), byte(sz >> 24)}) // sub rsp, imm32
	}
}

func (e *emitter) emitBlock(b *Block) error {
	b.Offset = e.buf.Offset() - e.unit.base
	for _, p := range b.pseudo {
		if err := e.emitOne(b, p); err != nil {
			return err
		}
	}
	b.Emitted = true
	for _, pb := range b.pendingBranches {
		disp := int32(b.Offset) - int32(pb.insnEnd-e.unit.base)
		e.buf.PatchU32LE(e.unit.base+pb.patchOffset, uint32(disp))
	}
	b.pendingBranches = nil
	return nil
}

// branchTo records or resolves a branch to target, given the offset (within
// the buffer, absolute) where the branch instruction's opcode bytes begin
// and the instruction's total length (so insn_end = start+length).
func (e *emitter) branchTo(target *Block, insnStart, insnLen int) {
	patchOffset := insnStart + (insnLen - 4) - e.unit.base
	insnEnd := insnStart + insnLen
	if target.Emitted {
		disp := int32(target.Offset) - int32(insnEnd-e.unit.base)
		e.buf.PatchU32LE(e.unit.base+patchOffset, uint32(disp))
		return
	}
	target.pendingBranches = append(target.pendingBranches, pendingBranch{
		patchOffset: patchOffset,
		insnEnd:     insnEnd,
	})
}

func (e *emitter) emitOne(b *Block, p PseudoInstruction) error {
	switch p.Op {
	case opMovRegImm:
		e.emitMovRegImm(p.Dst, p.Imm)
	case opMovRegReg:
		e.emitRegReg(0x8B, 0x89, p.Dst, p.Src, true)
	case opMovRegMembase:
		e.buf.Append(rexRM(true, encOf(p.Dst), encOf(p.Src)))
		e.buf.Append([]byte{0x8B})
		e.appendModRMMembase(encOf(p.Dst), encOf(p.Src), p.Disp)
	case opMovMembaseReg:
		e.buf.Append(rexRM(true, encOf(p.Src), encOf(p.Dst)))
		e.buf.Append([]byte{0x89})
		e.appendModRMMembase(encOf(p.Src), encOf(p.Dst), p.Disp)
	case opMovRegMemindex:
		e.emitMemindex(0x8B, encOf(p.Dst), encOf(p.Src), encOf(p.Index), p.Scale)
	case opMovMemindexReg:
		e.emitMemindex(0x89, encOf(p.Src), encOf(p.Dst), encOf(p.Index), p.Scale)
	case opAdd:
		e.emitRegReg(0x03, 0x01, p.Dst, p.Src, true)
	case opAddRegImm:
		e.buf.Append(rexB(true, encOf(p.Dst)))
		e.buf.Append([]byte{0x81})
		e.appendModRMExt(0, encOf(p.Dst))
		e.buf.AppendU32LE(uint32(int32(p.Imm)))
	case opSub:
		e.emitRegReg(0x2B, 0x29, p.Dst, p.Src, true)
	case opMul:
		// imul r64, r/m64: 0F AF /r
		e.buf.Append([]byte{rex(true, encOf(p.Dst), encOf(p.Src))})
		e.buf.Append([]byte{0x0F, 0xAF})
		e.appendModRMReg(encOf(p.Dst), encOf(p.Src))
	case opAnd:
		e.emitRegReg(0x23, 0x21, p.Dst, p.Src, true)
	case opOr:
		e.emitRegReg(0x0B, 0x09, p.Dst, p.Src, true)
	case opXor:
		e.emitRegReg(0x33, 0x31, p.Dst, p.Src, true)
	case opCmp:
		e.emitRegReg(0x3B, 0x39, p.Dst, p.Src, true)
	case opNeg:
		e.buf.Append(rexB(true, encOf(p.Dst)))
		e.buf.Append([]byte{0xF7})
		e.appendModRMExt(3, encOf(p.Dst))
	case opCqo:
		e.buf.Append([]byte{0x48, 0x99})
	case opIDiv:
		e.buf.Append(rexB(true, encOf(p.Src)))
		e.buf.Append([]byte{0xF7})
		e.appendModRMExt(7, encOf(p.Src))
	case opShl:
		e.buf.Append(rexB(true, encOf(p.Dst)))
		e.buf.Append([]byte{0xD3})
		e.appendModRMExt(4, encOf(p.Dst))
	case opShr:
		e.buf.Append(rexB(true, encOf(p.Dst)))
		e.buf.Append([]byte{0xD3})
		e.appendModRMExt(5, encOf(p.Dst))
	case opSar:
		e.buf.Append(rexB(true, encOf(p.Dst)))
		e.buf.Append([]byte{0xD3})
		e.appendModRMExt(7, encOf(p.Dst))
	case opLea:
		e.buf.Append(rexRM(true, encOf(p.Dst), encOf(p.Src)))
		e.buf.Append([]byte{0x8D})
		e.appendModRMMembase(encOf(p.Dst), encOf(p.Src), p.Disp)
	case opJmp:
		start := e.buf.Offset()
		e.buf.Append([]byte{0xE9})
		e.buf.AppendU32LE(0)
		e.branchTo(p.Target, start, 5)
	case opJcc:
		start := e.buf.Offset()
		e.buf.Append([]byte{0x0F, jccOpcode(p.Cond)})
		e.buf.AppendU32LE(0)
		e.branchTo(p.Target, start, 6)
	case opCall:
		start := e.buf.Offset()
		e.buf.Append([]byte{0xE8})
		disp := int32(int64(p.Callee) - int64(e.buf.Base()) - int64(start+5))
		e.buf.AppendU32LE(uint32(disp))
	case opCallIndirect:
		e.buf.Append([]byte{0xFF})
		e.appendModRMExt(2, encOf(p.CallReg))
	case opRet:
		// Epilogue: leave tears down the locals reservation as well as the
		// frame pointer; with no locals, rsp is already at the saved rbp.
		if e.unit.MaxLocals > 0 {
			e.buf.Append([]byte{0xC9}) // leave
		} else {
			e.buf.Append([]byte{0x5D}) // pop rbp
		}
		e.buf.Append([]byte{0xC3}) // ret
	case opPush:
		e.buf.Append([]byte{byte(0x50 + encOf(p.Src))})
	case opPop:
		e.buf.Append([]byte{byte(0x58 + encOf(p.Dst))})
	default:
		return fmt.Errorf("unhandled pseudo-op %d", p.Op)
	}
	return nil
}

func jccOpcode(c cc) byte {
	switch c {
	case ccEq:
		return 0x84
	case ccNe:
		return 0x85
	case ccLt:
		return 0x8C
	case ccLe:
		return 0x8E
	case ccGt:
		return 0x8F
	case ccGe:
		return 0x8D
	default:
		panic("vm: unknown condition code")
	}
}

// emitMovRegImm picks MOV r64, imm32 (sign-extended, 7 bytes with REX.W)
// when the value fits in an int32, falling back to the full MOVABS r64,
// imm64 (10 bytes) otherwise.
func (e *emitter) emitMovRegImm(dst reg, imm int64) {
	if imm >= -(1<<31) && imm < (1<<31) {
		e.buf.Append(rexB(true, encOf(dst)))
		e.buf.Append([]byte{0xC7})
		e.appendModRMExt(0, encOf(dst))
		e.buf.AppendU32LE(uint32(int32(imm)))
		return
	}
	e.buf.Append(rexB(true, encOf(dst)))
	e.buf.Append([]byte{byte(0xB8 + encOf(dst))})
	u := uint64(imm)
	e.buf.Append([]byte{
		byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24),
		byte(u >> 32), byte(u >> 40), byte(u >> 48), byte(u >> 56),
	})
}

// emitRegReg encodes a two-operand register instruction. loadOp is the
// opcode with direction reg<-rm (used when dst/src both name plain
// registers, which is every call site here); storeOp is unused by this
// helper's only caller shape but kept for symmetry with the load/store
// opcode pairs x86 defines for MOV/ADD/SUB/etc.
func (e *emitter) emitRegReg(loadOp, storeOp byte, dst, src reg, rexW bool) {
	_ = storeOp
	e.buf.Append([]byte{rex(rexW, encOf(dst), encOf(src))})
	e.buf.Append([]byte{loadOp})
	e.appendModRMReg(encOf(dst), encOf(src))
}

func (e *emitter) emitMemindex(op byte, dataReg, baseReg, indexReg int, scale int32) {
	e.buf.Append(rexSIB(true, dataReg, indexReg, baseReg))
	e.buf.Append([]byte{op})
	e.appendModRMMemindex(dataReg, baseReg, indexReg, scale)
}

// REX prefix: 0100WRXB. W=64-bit operand size, R extends ModRM.reg,
// X extends SIB.index, B extends ModRM.rm/SIB.base. None of this emitter's
// registers are ever >= 8, so R/X/B are always 0, but the prefix is still
// required whenever W is set or a uniform byte-register encoding matters.
func rex(w bool, regField, rmField int) byte {
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	if regField >= 8 {
		b |= 0x04
	}
	if rmField >= 8 {
		b |= 0x01
	}
	return b
}

func rexRM(w bool, regField, rmField int) []byte { return []byte{rex(w, regField, rmField)} }
func rexB(w bool, rmField int) []byte            { return []byte{rex(w, 0, rmField)} }

func rexSIB(w bool, regField, indexField, baseField int) []byte {
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	if regField >= 8 {
		b |= 0x04
	}
	if indexField >= 8 {
		b |= 0x02
	}
	if baseField >= 8 {
		b |= 0x01
	}
	return []byte{b}
}

// appendModRMReg encodes a register-direct ModRM byte (mod=11).
func (e *emitter) appendModRMReg(regField, rmField int) {
	e.buf.Append([]byte{0xC0 | byte(regField&7)<<3 | byte(rmField&7)})
}

// appendModRMExt encodes a ModRM byte whose reg field is an opcode
// extension (the /digit in the instruction reference) rather than a
// register, for a register-direct operand.
func (e *emitter) appendModRMExt(ext, rmField int) {
	e.buf.Append([]byte{0xC0 | byte(ext&7)<<3 | byte(rmField&7)})
}

// appendModRMMembase encodes [baseReg + disp] as the r/m operand, handling
// the two x86-64 special cases: RSP/R12 as base mandates a SIB byte (mod's
// rm=100 means "SIB follows", not "RSP"), and RBP/R13 as base forces an
// explicit disp8 even for a zero displacement (mod=00,rm=101 means
// RIP-relative instead of "[RBP]").
func (e *emitter) appendModRMMembase(regField, baseField int, disp int32) {
	base3 := baseField & 7
	needsSIB := base3 == encRSP
	forceDisp8 := base3 == encRBP && disp == 0

	mod := byte(0x80) // disp32
	var dispBytes []byte
	switch {
	case disp == 0 && !forceDisp8:
		mod = 0x00
	case disp >= -128 && disp < 128:
		mod = 0x40
		dispBytes = []byte{byte(disp)}
	default:
		mod = 0x80
		dispBytes = []byte{byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
	}
	if forceDisp8 && mod == 0x00 {
		mod = 0x40
		dispBytes = []byte{0}
	}

	rm := byte(base3)
	if needsSIB {
		rm = 0x04
	}
	e.buf.Append([]byte{mod | byte(regField&7)<<3 | rm})
	if needsSIB {
		e.buf.Append([]byte{0x00<<6 | 0x04<<3 | byte(base3)}) // scale=1, index=none(100), base
	}
	if len(dispBytes) > 0 {
		e.buf.Append(dispBytes)
	}
}

func (e *emitter) appendModRMMemindex(regField, baseField, indexField int, scale int32) {
	base3 := baseField & 7
	forceDisp8 := base3 == encRBP

	mod := byte(0x00)
	var dispBytes []byte
	if forceDisp8 {
		mod = 0x40
		dispBytes = []byte{0}
	}

	e.buf.Append([]byte{mod | byte(regField&7)<<3 | 0x04}) // rm=100: SIB follows
	ss := scaleBits(scale)
	e.buf.Append([]byte{ss<<6 | byte(indexField&7)<<3 | byte(base3)})
	if len(dispBytes) > 0 {
		e.buf.Append(dispBytes)
	}
}

func scaleBits(scale int32) byte {
	switch scale {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		panic("vm: invalid memindex scale")
	}
}
