// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"encoding/binary"
	"testing"
)

// readI32LE reads the little-endian rel32 written at buf.region[off:off+4].
func readI32LE(buf *CodeBuffer, off int) int32 {
	return int32(binary.LittleEndian.Uint32(buf.region[off : off+4]))
}

// newEmitUnit builds an empty CompilationUnit (no blocks yet) with the given
// MaxLocals; tests append blocks with unit.NewBlock in emission order before
// calling EmitMethod.
func newEmitUnit(t *testing.T, maxLocals int) (*CompilationUnit, *CodeBuffer) {
	t.Helper()
	buf, err := NewCodeBuffer()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { buf.Close() })
	m := &Method{ArgsCount: 0}
	unit := NewCompilationUnit(m, buf)
	unit.MaxLocals = maxLocals
	return unit, buf
}

const prologueLen = 4 // push rbp (1) + mov rbp,rsp (3), no locals

func TestEmitForwardJumpPatchedToZeroWhenAdjacent(t *testing.T) {
	unit, buf := newEmitUnit(t, 0)
	entry := unit.NewBlock()
	target := unit.NewBlock()
	entry.pseudo = []PseudoInstruction{{Op: opJmp, Target: target}}
	target.pseudo = []PseudoInstruction{{Op: opRet}}

	if err := EmitMethod(unit, buf); err != nil {
		t.Fatal(err)
	}

	// jmp rel32 is 5 bytes (E9 + 4); the displacement field starts 1 byte
	// into it. A forward jump landing exactly on the next instruction must
	// patch to displacement 0.
	patchOff := prologueLen + 1
	if got := readI32LE(buf, patchOff); got != 0 {
		t.Fatalf("forward-jump displacement = %d, want 0", got)
	}
	if buf.region[prologueLen] != 0xE9 {
		t.Fatalf("opcode at %d = %#x, want 0xE9 (jmp rel32)", prologueLen, buf.region[prologueLen])
	}
}

func TestEmitBackwardJumpPatchedNegative(t *testing.T) {
	unit, buf := newEmitUnit(t, 0)
	loopTop := unit.NewBlock()
	loopTop.pseudo = nil // empty block at the jump's target
	tail := unit.NewBlock()
	tail.pseudo = []PseudoInstruction{{Op: opJmp, Target: loopTop}}

	if err := EmitMethod(unit, buf); err != nil {
		t.Fatal(err)
	}

	jmpStart := prologueLen // loopTop emits nothing, so tail's jmp starts right after the prologue
	insnEnd := jmpStart + 5
	want := int32(loopTop.Offset) - int32(insnEnd-unit.base)
	if want >= 0 {
		t.Fatalf("test setup error: expected a negative (backward) displacement, computed %d", want)
	}
	got := readI32LE(buf, jmpStart+1)
	if got != want {
		t.Fatalf("backward-jump displacement = %d, want %d", got, want)
	}
}

func TestEmitConditionalJumpOpcodeAndDisplacement(t *testing.T) {
	unit, buf := newEmitUnit(t, 0)
	entry := unit.NewBlock()
	target := unit.NewBlock()
	entry.pseudo = []PseudoInstruction{
		{Op: opJcc, Cond: ccLt, Target: target},
		{Op: opRet},
	}
	target.pseudo = []PseudoInstruction{{Op: opRet}}

	if err := EmitMethod(unit, buf); err != nil {
		t.Fatal(err)
	}

	jccStart := prologueLen
	if buf.region[jccStart] != 0x0F || buf.region[jccStart+1] != jccOpcode(ccLt) {
		t.Fatalf("conditional jump opcode bytes = % x, want 0F %x", buf.region[jccStart:jccStart+2], jccOpcode(ccLt))
	}
	insnEnd := jccStart + 6 // 0F 8x + rel32
	want := int32(target.Offset) - int32(insnEnd-unit.base)
	got := readI32LE(buf, jccStart+2)
	if got != want {
		t.Fatalf("jcc displacement = %d, want %d", got, want)
	}
}

func TestEmitMultiplePendingBranchesToSameTargetAllPatched(t *testing.T) {
	unit, buf := newEmitUnit(t, 0)
	entry := unit.NewBlock()
	mid := unit.NewBlock()
	target := unit.NewBlock()
	entry.pseudo = []PseudoInstruction{{Op: opJmp, Target: target}}
	mid.pseudo = []PseudoInstruction{{Op: opJmp, Target: target}}
	target.pseudo = []PseudoInstruction{{Op: opRet}}

	if err := EmitMethod(unit, buf); err != nil {
		t.Fatal(err)
	}

	entryJmpStart := prologueLen
	midJmpStart := entryJmpStart + 5
	for _, start := range []int{entryJmpStart, midJmpStart} {
		insnEnd := start + 5
		want := int32(target.Offset) - int32(insnEnd-unit.base)
		got := readI32LE(buf, start+1)
		if got != want {
			t.Fatalf("branch at %d: displacement = %d, want %d", start, got, want)
		}
	}
}

func TestEmitBlockOffsetsAreMonotonicAndContiguous(t *testing.T) {
	unit, buf := newEmitUnit(t, 0)
	a := unit.NewBlock()
	b := unit.NewBlock()
	c := unit.NewBlock()
	a.pseudo = []PseudoInstruction{{Op: opMovRegImm, Dst: regA, Imm: 1}}
	b.pseudo = []PseudoInstruction{{Op: opMovRegImm, Dst: regA, Imm: 2}}
	c.pseudo = []PseudoInstruction{{Op: opRet}}

	if err := EmitMethod(unit, buf); err != nil {
		t.Fatal(err)
	}

	if !(a.Offset < b.Offset && b.Offset < c.Offset) {
		t.Fatalf("block offsets not strictly increasing: a=%d b=%d c=%d", a.Offset, b.Offset, c.Offset)
	}
	for _, blk := range unit.Blocks {
		if !blk.Emitted {
			t.Fatalf("block %d not marked Emitted after EmitMethod", blk.ID)
		}
	}
}

func TestEmitAddRegImmToStackPointer(t *testing.T) {
	unit, buf := newEmitUnit(t, 0)
	entry := unit.NewBlock()
	entry.pseudo = []PseudoInstruction{
		{Op: opAddRegImm, Dst: regSP, Imm: 16},
		{Op: opRet},
	}

	if err := EmitMethod(unit, buf); err != nil {
		t.Fatal(err)
	}

	// add rsp, imm32: 48 81 C4 + imm32.
	got := buf.region[prologueLen : prologueLen+7]
	if got[0] != 0x48 || got[1] != 0x81 || got[2] != 0xC4 {
		t.Fatalf("add rsp encoding = % x, want 48 81 C4", got[:3])
	}
	if imm := binary.LittleEndian.Uint32(got[3:7]); imm != 16 {
		t.Fatalf("add rsp immediate = %d, want 16", imm)
	}
}

func TestEmitPrologueReservesLocalsStack(t *testing.T) {
	unit, buf := newEmitUnit(t, 3)
	entry := unit.NewBlock()
	entry.pseudo = []PseudoInstruction{{Op: opRet}}

	if err := EmitMethod(unit, buf); err != nil {
		t.Fatal(err)
	}

	// push rbp; mov rbp,rsp; sub rsp, imm32 (48 81 EC + imm32) = 1+3+7 = 11 bytes.
	if buf.region[0] != 0x55 {
		t.Fatalf("first byte = %#x, want 0x55 (push rbp)", buf.region[0])
	}
	if buf.region[4] != 0x48 || buf.region[5] != 0x81 || buf.region[6] != 0xEC {
		t.Fatalf("sub rsp encoding missing: % x", buf.region[4:7])
	}
	sz := binary.LittleEndian.Uint32(buf.region[7:11])
	if want := uint32(3 * WordSize); sz != want {
		t.Fatalf("reserved stack size = %d, want %d", sz, want)
	}
	if entry.Offset != 11 {
		t.Fatalf("entry block offset = %d, want 11 (prologue with locals reservation)", entry.Offset)
	}
}
