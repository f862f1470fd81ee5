// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/go-interpreter/crucible/runtime"
)

// Runtime-callout ABI:
//
// Every pattern the selector emits sticks to the A/B/C (RAX/RDX/RCX)
// register convention except the one call New lowers to: compiled code
// crossing into Go to allocate an object. nativeAllocObject takes and
// returns a single uintptr, which under Go's amd64 register ABI
// (ABIInternal, the default since Go 1.17) is passed and returned in AX -
// i.e. register A - so New needs no extra shuffling around the call.
// allocObjectTrampoline is that function's entry address, read once via
// reflect so the selector can bake it in as an immediate Callee.

var (
	heapMu     sync.Mutex
	activeHeap *runtime.Heap
)

// SetHeap installs the heap `new` allocates out of. It must be called
// before compiling any method containing a `new` expression.
func SetHeap(h *runtime.Heap) {
	heapMu.Lock()
	defer heapMu.Unlock()
	activeHeap = h
}

func nativeAllocObject(classPtr uintptr) uintptr {
	heapMu.Lock()
	h := activeHeap
	heapMu.Unlock()

	c := (*Class)(unsafe.Pointer(classPtr))
	addr, err := h.AllocObject(classPtr, c.InstanceSize())
	if err != nil {
		panic(runtime.NewOutOfMemoryError("vm.New(" + c.Name + ")"))
	}
	return addr
}

var allocObjectTrampoline = reflect.ValueOf(nativeAllocObject).Pointer()

// staticSlotAddr is the immediate the ClassField/Store patterns bake in for
// a resolved static field: the address of its backing StaticSlot.
func staticSlotAddr(s *StaticSlot) uintptr {
	return uintptr(unsafe.Pointer(&s.value))
}
