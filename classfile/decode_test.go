// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package classfile

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// classBuilder assembles a minimal .class byte stream by hand, mirroring
// the field order Decode expects.
type classBuilder struct {
	buf bytes.Buffer
}

func (b *classBuilder) u8(v uint8)   { b.buf.WriteByte(v) }
func (b *classBuilder) u16(v uint16) { binary.Write(&b.buf, binary.BigEndian, v) }
func (b *classBuilder) u32(v uint32) { binary.Write(&b.buf, binary.BigEndian, v) }
func (b *classBuilder) raw(p []byte) { b.buf.Write(p) }

func TestDecodeMinimalClass(t *testing.T) {
	var b classBuilder
	b.u32(Magic)
	b.u16(0)  // minor
	b.u16(52) // major

	// Constant pool: count = 6 (indices 1..5 used).
	b.u16(6)
	b.u8(uint8(TagUtf8))
	b.u16(3)
	b.raw([]byte("Foo")) // #1
	b.u8(uint8(TagClass))
	b.u16(1) // #2: class Foo
	b.u8(uint8(TagUtf8))
	b.u16(3)
	b.raw([]byte("add")) // #3
	b.u8(uint8(TagUtf8))
	b.u16(5)
	b.raw([]byte("(II)I")) // #4
	b.u8(uint8(TagUtf8))
	b.u16(4)
	b.raw([]byte("Code")) // #5

	b.u16(uint16(AccPublic | AccSuper)) // access_flags
	b.u16(2)                            // this_class -> #2 (Foo)
	b.u16(0)                            // super_class: none
	b.u16(0)                            // interfaces_count

	b.u16(0) // fields_count

	// methods_count = 1
	b.u16(1)
	b.u16(uint16(AccStatic))
	b.u16(3) // name -> "add"
	b.u16(4) // descriptor -> "(II)I"
	b.u16(1) // attributes_count
	b.u16(5) // attribute_name_index -> "Code"
	code := []byte{0xAC}
	codeAttrLen := uint32(2 + 2 + 4 + len(code) + 2 + 2)
	b.u32(codeAttrLen)
	b.u16(2)                 // max_stack
	b.u16(2)                 // max_locals
	b.u32(uint32(len(code))) // code_length
	b.raw(code)
	b.u16(0) // exception_table_length
	b.u16(0) // nested attributes_count

	b.u16(0) // class attributes_count

	cls, err := Decode(&b.buf)
	if err != nil {
		t.Fatal(err)
	}

	name, err := cls.ThisClassName()
	if err != nil {
		t.Fatal(err)
	}
	if name != "Foo" {
		t.Fatalf("ThisClassName() = %q, want %q", name, "Foo")
	}

	superName, err := cls.SuperClassName()
	if err != nil {
		t.Fatal(err)
	}
	if superName != "" {
		t.Fatalf("SuperClassName() = %q, want empty (no superclass)", superName)
	}

	if len(cls.Methods) != 1 {
		t.Fatalf("got %d methods, want 1", len(cls.Methods))
	}
	m := cls.Methods[0]
	mname, err := cls.MethodName(m)
	if err != nil {
		t.Fatal(err)
	}
	if mname != "add" {
		t.Fatalf("MethodName() = %q, want %q", mname, "add")
	}
	mdesc, err := cls.MethodDescriptor(m)
	if err != nil {
		t.Fatal(err)
	}
	if mdesc != "(II)I" {
		t.Fatalf("MethodDescriptor() = %q, want %q", mdesc, "(II)I")
	}
	if !m.AccessFlags.IsStatic() {
		t.Fatalf("method AccessFlags not static")
	}
	if m.Code == nil {
		t.Fatal("method has no decoded Code attribute")
	}
	if m.Code.MaxStack != 2 || m.Code.MaxLocals != 2 {
		t.Fatalf("Code = %+v, want MaxStack=2 MaxLocals=2", m.Code)
	}
	if !bytes.Equal(m.Code.Code, code) {
		t.Fatalf("Code.Code = % x, want % x", m.Code.Code, code)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	var b classBuilder
	b.u32(0xdeadbeef)
	if _, err := Decode(&b.buf); err != ErrInvalidMagic {
		t.Fatalf("Decode with bad magic: err = %v, want ErrInvalidMagic", err)
	}
}

func TestDecodeSkipsLongDoubleSlot(t *testing.T) {
	var b classBuilder
	b.u32(Magic)
	b.u16(0)
	b.u16(52)

	// count = 5: #1 Long (occupies #1 and #2), #3 Utf8, #4 Class -> #3.
	b.u16(5)
	b.u8(uint8(TagLong))
	b.u32(0)
	b.u32(1) // value = 1 (as two big-endian 32-bit halves)
	b.u8(uint8(TagUtf8))
	b.u16(1)
	b.raw([]byte("A"))
	b.u8(uint8(TagClass))
	b.u16(3)

	b.u16(uint16(AccPublic))
	b.u16(4) // this_class -> #4
	b.u16(0)
	b.u16(0)
	b.u16(0) // fields
	b.u16(0) // methods
	b.u16(0) // class attributes

	cls, err := Decode(&b.buf)
	if err != nil {
		t.Fatal(err)
	}
	name, err := cls.ThisClassName()
	if err != nil {
		t.Fatal(err)
	}
	if name != "A" {
		t.Fatalf("ThisClassName() = %q, want %q (index 2 must be skipped after the Long at index 1)", name, "A")
	}
}
