// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package runtime provides the object-allocation, field-storage and
// thread-bookkeeping primitives that the JIT core treats as external
// collaborators: object layout, garbage collection, and the thread model
// are all out of the JIT pipeline's scope, and this package spec's only
// their interface.
package runtime

import (
	"errors"
	"sync"
	"unsafe"
)

// ErrOutOfMemory is returned by AllocObject when the heap arena has been
// exhausted. Callers surface it to Java code as OutOfMemoryError.
var ErrOutOfMemory = errors.New("runtime: out of memory")

// ObjectHeaderSize is the number of bytes reserved at the start of every
// heap object for its fixed header: a pointer to the owning class. Compiled
// code computes field addresses as objectref + ObjectHeaderSize + offset,
// so this constant is part of the generated-code ABI (see vm package).
const ObjectHeaderSize = 8

const defaultArenaSize = 64 << 20 // 64MiB, arbitrarily sized for the exercise.

// Heap is a bump-pointer arena standing in for a real garbage-collected
// heap. It exists so that generated code can do raw pointer arithmetic on
// object addresses: Go's garbage collector never moves heap memory, but it
// also doesn't let us carve out objects by hand from ordinary slices in a
// way that's safe to hand a raw address to machine code, so the arena backs
// its memory with a single pinned allocation for the life of the VM.
type Heap struct {
	mu     sync.Mutex
	arena  []byte
	offset int
}

// NewHeap allocates an arena of the given size (defaultArenaSize if zero).
func NewHeap(size int) *Heap {
	if size <= 0 {
		size = defaultArenaSize
	}
	return &Heap{arena: make([]byte, size)}
}

// AllocObject carves out instanceSize bytes from the arena, writes classPtr
// into the object header, and returns the base address of the new object.
// This is the runtime primitive that generated `new` sequences call into
// (see the vm package's instruction selector).
func (h *Heap) AllocObject(classPtr uintptr, instanceSize int) (uintptr, error) {
	if instanceSize < ObjectHeaderSize {
		instanceSize = ObjectHeaderSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offset+instanceSize > len(h.arena) {
		return 0, ErrOutOfMemory
	}
	base := uintptr(unsafe.Pointer(&h.arena[h.offset]))
	*(*uintptr)(unsafe.Pointer(base)) = classPtr
	h.offset += instanceSize
	return base, nil
}

// ClassOf reads the header's class pointer back out of an object address.
func ClassOf(objectref uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(objectref))
}
