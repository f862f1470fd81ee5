// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import "unsafe"

// buildVTable assigns each of c's methods its VirtualIndex and installs the
// backing []uintptr array as c.vtable. Instance methods inherit their
// superclass's slot when they override a method of the same name and
// descriptor; new instance methods are appended past the end of the
// inherited table. Static methods and <init>/<clinit> are never dispatched
// virtually and keep VirtualIndex == -1; private instance methods are not
// told apart and get a slot like any other instance method.
func buildVTable(c *Class) {
	var table []*Method
	if c.Super != nil {
		table = append(table, c.Super.vtableMethods...)
	}

	for _, m := range c.Methods {
		if !virtuallyDispatched(m) {
			continue
		}
		if idx := overrideIndex(c.Super, m); idx >= 0 {
			m.VirtualIndex = idx
			table[idx] = m
			continue
		}
		m.VirtualIndex = len(table)
		table = append(table, m)
	}

	c.vtableMethods = table
	raw := make([]uintptr, len(table))
	for i, m := range table {
		raw[i] = uintptr(unsafe.Pointer(m))
	}
	c.vtableRaw = raw
	if len(raw) > 0 {
		c.vtable = unsafe.Pointer(&c.vtableRaw[0])
	}
}

func virtuallyDispatched(m *Method) bool {
	if m.IsStatic {
		return false
	}
	if m.Name == "<init>" || m.Name == "<clinit>" {
		return false
	}
	return true
}

// overrideIndex returns the vtable slot super (or one of its ancestors)
// already assigned to a method with m's name and descriptor, or -1 if none
// exists.
func overrideIndex(super *Class, m *Method) int {
	for s := super; s != nil; s = s.Super {
		for _, sm := range s.Methods {
			if sm.Name == m.Name && sm.Descriptor == m.Descriptor && sm.VirtualIndex >= 0 {
				return sm.VirtualIndex
			}
		}
	}
	return -1
}

// VTableSlot returns the address generated invokevirtual code would load
// from when dispatching through index idx of c's vtable: the vtable array
// pointer stored at classMethodTableOffset in c, plus idx words.
func (c *Class) VTableSlot(idx int) uintptr {
	return uintptr(c.vtable) + uintptr(idx)*WordSize
}
