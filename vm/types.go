// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vm is the JIT compilation core: it lowers already-linked methods
// to a typed IR, selects amd64 instructions for it, emits relocatable
// machine code with backpatched branches, and wires each method behind a
// lazily-compiling trampoline.
package vm

import "fmt"

// Type is the JVM's primitive type taxonomy. The long form (Long) is
// widened to the host's word size; every other integral type is carried in
// a 64-bit scratch register regardless of its natural width (see
// select_amd64.go).
type Type int8

const (
	TypeByte Type = iota
	TypeBool
	TypeChar
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeRef
	TypeVoid
)

func (t Type) String() string {
	switch t {
	case TypeByte:
		return "byte"
	case TypeBool:
		return "bool"
	case TypeChar:
		return "char"
	case TypeShort:
		return "short"
	case TypeInt:
		return "int"
	case TypeLong:
		return "long"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeRef:
		return "reference"
	case TypeVoid:
		return "void"
	default:
		return fmt.Sprintf("<unknown type %d>", int8(t))
	}
}

// WordSize is the size, in bytes, of a stack slot / register on the target.
// Every fixed offset in the generated-code ABI is a multiple of it.
const WordSize = 8
