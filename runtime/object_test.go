// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package runtime

import "testing"

func TestAllocObjectWritesClassPointerIntoHeader(t *testing.T) {
	h := NewHeap(1 << 16)
	const classPtr = uintptr(0xdeadbeef)

	ref, err := h.AllocObject(classPtr, 16)
	if err != nil {
		t.Fatal(err)
	}
	if ref == 0 {
		t.Fatal("AllocObject returned a nil address")
	}
	if got := ClassOf(ref); got != classPtr {
		t.Fatalf("ClassOf(ref) = %#x, want %#x", got, classPtr)
	}
}

func TestAllocObjectAdvancesBumpPointer(t *testing.T) {
	h := NewHeap(1 << 16)
	a, err := h.AllocObject(1, 16)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.AllocObject(1, 16)
	if err != nil {
		t.Fatal(err)
	}
	if b <= a {
		t.Fatalf("second allocation at %#x did not advance past the first at %#x", b, a)
	}
	if b-a < 16 {
		t.Fatalf("allocations overlap: b-a = %d, want at least 16", b-a)
	}
}

func TestAllocObjectEnforcesMinimumHeaderSize(t *testing.T) {
	h := NewHeap(1 << 16)
	a, err := h.AllocObject(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.AllocObject(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if b-a < ObjectHeaderSize {
		t.Fatalf("an instanceSize smaller than ObjectHeaderSize must still reserve ObjectHeaderSize bytes; got gap %d", b-a)
	}
}

func TestAllocObjectReturnsErrOutOfMemoryWhenArenaExhausted(t *testing.T) {
	h := NewHeap(32)
	if _, err := h.AllocObject(1, 16); err != nil {
		t.Fatal(err)
	}
	if _, err := h.AllocObject(1, 16); err != nil {
		t.Fatal(err)
	}
	if _, err := h.AllocObject(1, 16); err != ErrOutOfMemory {
		t.Fatalf("AllocObject on an exhausted arena: err = %v, want ErrOutOfMemory", err)
	}
}
