// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package classfile

import "testing"

// newTestCP builds a ConstantPool from entries in index order; entries[0]
// is the conventional unused slot.
func newTestCP(entries ...CPEntry) *ConstantPool {
	return &ConstantPool{entries: entries}
}

func TestConstantPoolUtf8AndClassName(t *testing.T) {
	cp := newTestCP(
		CPEntry{}, // 0: unused
		CPEntry{Tag: TagUtf8, Utf8: "java/lang/Object"}, // 1
		CPEntry{Tag: TagClass, NameIndex: 1},            // 2
	)
	name, err := cp.ClassName(2)
	if err != nil {
		t.Fatal(err)
	}
	if name != "java/lang/Object" {
		t.Fatalf("ClassName(2) = %q, want java/lang/Object", name)
	}
}

func TestConstantPoolIndexZeroIsInvalid(t *testing.T) {
	cp := newTestCP(CPEntry{})
	if _, err := cp.Utf8(0); err == nil {
		t.Fatal("Utf8(0) should be an error: index 0 is never valid")
	}
}

func TestConstantPoolWrongTagIsError(t *testing.T) {
	cp := newTestCP(
		CPEntry{},
		CPEntry{Tag: TagInteger, IntVal: 42},
	)
	if _, err := cp.Utf8(1); err == nil {
		t.Fatal("Utf8() on an Integer entry should error")
	}
}

func TestConstantPoolMethodRef(t *testing.T) {
	cp := newTestCP(
		CPEntry{},
		CPEntry{Tag: TagUtf8, Utf8: "Foo"},                             // 1
		CPEntry{Tag: TagClass, NameIndex: 1},                           // 2
		CPEntry{Tag: TagUtf8, Utf8: "bar"},                             // 3
		CPEntry{Tag: TagUtf8, Utf8: "()V"},                             // 4
		CPEntry{Tag: TagNameAndType, NameIndex: 3, DescriptorIndex: 4}, // 5
		CPEntry{Tag: TagMethodref, ClassIndex: 2, NameAndTypeIndex: 5}, // 6
	)
	ref, err := cp.MethodRef(6)
	if err != nil {
		t.Fatal(err)
	}
	want := MemberRef{Class: "Foo", Name: "bar", Descriptor: "()V"}
	if ref != want {
		t.Fatalf("MethodRef(6) = %+v, want %+v", ref, want)
	}
}

func TestConstantPoolFieldRefRejectsMethodrefTag(t *testing.T) {
	cp := newTestCP(
		CPEntry{},
		CPEntry{Tag: TagUtf8, Utf8: "Foo"},
		CPEntry{Tag: TagClass, NameIndex: 1},
		CPEntry{Tag: TagUtf8, Utf8: "bar"},
		CPEntry{Tag: TagUtf8, Utf8: "()V"},
		CPEntry{Tag: TagNameAndType, NameIndex: 3, DescriptorIndex: 4},
		CPEntry{Tag: TagMethodref, ClassIndex: 2, NameAndTypeIndex: 5},
	)
	if _, err := cp.FieldRef(6); err == nil {
		t.Fatal("FieldRef() on a Methodref entry should error")
	}
}

func TestAccessFlagsIsStatic(t *testing.T) {
	if (AccPublic).IsStatic() {
		t.Fatal("AccPublic alone should not report static")
	}
	if !(AccPublic | AccStatic).IsStatic() {
		t.Fatal("AccPublic|AccStatic should report static")
	}
}
