// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package classfile provides a decoder for the .class binary format and a
// typed view over the constant pool. It sits outside the JIT compilation
// core: the core never touches raw class bytes, only the accessors exposed
// here.
package classfile

import (
	"errors"
	"fmt"
)

var ErrInvalidMagic = errors.New("classfile: invalid magic number")

const (
	Magic        uint32 = 0xCAFEBABE
	MinSupported uint16 = 45
)

// Tag identifies the kind of a constant-pool entry.
type Tag uint8

const (
	TagUtf8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagNameAndType        Tag = 12
)

// CPEntry is a single constant-pool slot. Only the fields relevant to Tag
// are meaningful; Long and Double entries occupy two consecutive indices,
// as required by the class file format.
type CPEntry struct {
	Tag Tag

	// TagUtf8
	Utf8 string
	// TagInteger / TagFloat
	IntVal   int32
	FloatVal float32
	// TagLong / TagDouble
	LongVal   int64
	DoubleVal float64
	// TagClass / TagString: index of a Utf8 entry
	NameIndex uint16
	// TagFieldref / TagMethodref / TagInterfaceMethodref
	ClassIndex       uint16
	NameAndTypeIndex uint16
	// TagNameAndType
	DescriptorIndex uint16
}

// ConstantPool is a 1-indexed table of CPEntry, mirroring the JVM constant
// pool's indexing convention (index 0 is never valid).
type ConstantPool struct {
	entries []CPEntry
}

func (cp *ConstantPool) entry(idx uint16) (CPEntry, error) {
	if idx == 0 || int(idx) >= len(cp.entries) {
		return CPEntry{}, fmt.Errorf("classfile: constant pool index %d out of range", idx)
	}
	return cp.entries[idx], nil
}

// Utf8 resolves a Utf8 constant-pool entry to a string.
func (cp *ConstantPool) Utf8(idx uint16) (string, error) {
	e, err := cp.entry(idx)
	if err != nil {
		return "", err
	}
	if e.Tag != TagUtf8 {
		return "", fmt.Errorf("classfile: cp[%d] is not Utf8 (tag=%d)", idx, e.Tag)
	}
	return e.Utf8, nil
}

// ClassName resolves a Class constant-pool entry to the class's binary name.
func (cp *ConstantPool) ClassName(idx uint16) (string, error) {
	e, err := cp.entry(idx)
	if err != nil {
		return "", err
	}
	if e.Tag != TagClass {
		return "", fmt.Errorf("classfile: cp[%d] is not a Class (tag=%d)", idx, e.Tag)
	}
	return cp.Utf8(e.NameIndex)
}

// NameAndType resolves a NameAndType entry to its member name and descriptor.
func (cp *ConstantPool) NameAndType(idx uint16) (name, descriptor string, err error) {
	e, err := cp.entry(idx)
	if err != nil {
		return "", "", err
	}
	if e.Tag != TagNameAndType {
		return "", "", fmt.Errorf("classfile: cp[%d] is not a NameAndType (tag=%d)", idx, e.Tag)
	}
	if name, err = cp.Utf8(e.NameIndex); err != nil {
		return "", "", err
	}
	descriptor, err = cp.Utf8(e.DescriptorIndex)
	return name, descriptor, err
}

// MemberRef is the resolved (owner class, member name, descriptor) triple
// shared by field_ref, method_ref and interface_method_ref entries.
type MemberRef struct {
	Class      string
	Name       string
	Descriptor string
}

func (cp *ConstantPool) memberRef(idx uint16, wantTags ...Tag) (MemberRef, error) {
	e, err := cp.entry(idx)
	if err != nil {
		return MemberRef{}, err
	}
	ok := false
	for _, t := range wantTags {
		if e.Tag == t {
			ok = true
			break
		}
	}
	if !ok {
		return MemberRef{}, fmt.Errorf("classfile: cp[%d] has unexpected tag %d", idx, e.Tag)
	}
	class, err := cp.ClassName(e.ClassIndex)
	if err != nil {
		return MemberRef{}, err
	}
	name, desc, err := cp.NameAndType(e.NameAndTypeIndex)
	if err != nil {
		return MemberRef{}, err
	}
	return MemberRef{Class: class, Name: name, Descriptor: desc}, nil
}

// FieldRef resolves a field_ref constant-pool entry.
func (cp *ConstantPool) FieldRef(idx uint16) (MemberRef, error) {
	return cp.memberRef(idx, TagFieldref)
}

// MethodRef resolves a method_ref or interface_method_ref constant-pool entry.
func (cp *ConstantPool) MethodRef(idx uint16) (MemberRef, error) {
	return cp.memberRef(idx, TagMethodref, TagInterfaceMethodref)
}

// Integer resolves an Integer constant-pool entry.
func (cp *ConstantPool) Integer(idx uint16) (int32, error) {
	e, err := cp.entry(idx)
	if err != nil {
		return 0, err
	}
	if e.Tag != TagInteger {
		return 0, fmt.Errorf("classfile: cp[%d] is not an Integer (tag=%d)", idx, e.Tag)
	}
	return e.IntVal, nil
}

// AccessFlags is the set of access_flags bits on a class, field or method.
type AccessFlags uint16

const (
	AccPublic    AccessFlags = 0x0001
	AccPrivate   AccessFlags = 0x0002
	AccProtected AccessFlags = 0x0004
	AccStatic    AccessFlags = 0x0008
	AccFinal     AccessFlags = 0x0010
	AccSuper     AccessFlags = 0x0020
	AccInterface AccessFlags = 0x0200
	AccAbstract  AccessFlags = 0x0400
)

func (f AccessFlags) IsStatic() bool { return f&AccStatic != 0 }

// FieldInfo describes one field_info entry.
type FieldInfo struct {
	AccessFlags     AccessFlags
	NameIndex       uint16
	DescriptorIndex uint16
}

// ExceptionEntry is one row of a Code attribute's exception table.
type ExceptionEntry struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType uint16
}

// CodeAttribute is the parsed form of a method's "Code" attribute.
type CodeAttribute struct {
	MaxStack   uint16
	MaxLocals  uint16
	Code       []byte
	Exceptions []ExceptionEntry
}

// MethodInfo describes one method_info entry.
type MethodInfo struct {
	AccessFlags     AccessFlags
	NameIndex       uint16
	DescriptorIndex uint16
	Code            *CodeAttribute // nil for abstract/native methods
}

// Class is the fully decoded form of a .class file: the external "class
// image" that the JIT core consumes through the accessors on this type and
// on ConstantPool. It never changes after Decode returns.
type Class struct {
	MinorVersion uint16
	MajorVersion uint16

	CP ConstantPool

	AccessFlags AccessFlags
	ThisClass   uint16
	SuperClass  uint16
	Interfaces  []uint16

	Fields  []FieldInfo
	Methods []MethodInfo
}

// ThisClassName returns the binary name of the class described by this file.
func (c *Class) ThisClassName() (string, error) {
	return c.CP.ClassName(c.ThisClass)
}

// SuperClassName returns the binary name of the superclass, or "" for
// java/lang/Object (SuperClass == 0).
func (c *Class) SuperClassName() (string, error) {
	if c.SuperClass == 0 {
		return "", nil
	}
	return c.CP.ClassName(c.SuperClass)
}

// FieldName resolves a FieldInfo's name.
func (c *Class) FieldName(f FieldInfo) (string, error) { return c.CP.Utf8(f.NameIndex) }

// FieldDescriptor resolves a FieldInfo's descriptor.
func (c *Class) FieldDescriptor(f FieldInfo) (string, error) { return c.CP.Utf8(f.DescriptorIndex) }

// MethodName resolves a MethodInfo's name.
func (c *Class) MethodName(m MethodInfo) (string, error) { return c.CP.Utf8(m.NameIndex) }

// MethodDescriptor resolves a MethodInfo's descriptor.
func (c *Class) MethodDescriptor(m MethodInfo) (string, error) { return c.CP.Utf8(m.DescriptorIndex) }
