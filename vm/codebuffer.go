// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// sliceBase returns the address of p's first element.
func sliceBase(p []byte) uintptr {
	if len(p) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&p[0]))
}

// minAllocSize is the size of a CodeBuffer's single backing mmap region. A
// CodeBuffer does not grow: once the region is full, Append panics.
const minAllocSize = 64 * 1024

// CodeBuffer is an append-only buffer of machine code, one mapped region
// per compiled method. Ordinarily it starts out
// read+write and Freeze flips it to read+execute, forbidding further
// writes, before any trampoline entry pointing into it is published, so a
// method is never reachable half written. A buffer created with
// NewExecutableCodeBuffer skips that transition entirely and stays
// read+write+execute for its whole life; see that constructor's doc
// comment for why trampoline stubs use it instead.
type CodeBuffer struct {
	mu     sync.Mutex
	region mmap.MMap
	base   uintptr
	len    int // bytes written so far
	frozen bool
}

// NewCodeBuffer maps a fresh minAllocSize region, writable but not yet
// executable.
func NewCodeBuffer() (*CodeBuffer, error) {
	region, err := mmap.MapRegion(nil, minAllocSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("vm: mmap code buffer: %w", err)
	}
	return &CodeBuffer{region: region, base: sliceBase(region)}, nil
}

// NewExecutableCodeBuffer maps a region read+write+execute from the start
// and never transitions it. Trampoline stubs and the shared dispatch thunk
// live here rather than in a per-method CodeBuffer: unlike a method body,
// which is write-then-freeze exactly once, this buffer keeps accepting new
// stubs for as long as the VM loads classes, so it never reaches a point
// where it could safely become permanently non-writable.
func NewExecutableCodeBuffer() (*CodeBuffer, error) {
	region, err := mmap.MapRegion(nil, minAllocSize, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("vm: mmap executable code buffer: %w", err)
	}
	return &CodeBuffer{region: region, base: sliceBase(region)}, nil
}

// Offset is the number of bytes appended to the buffer so far; the next
// Append call begins writing here.
func (b *CodeBuffer) Offset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.len
}

// Base is the address of the buffer's first byte, i.e. what offsets
// returned by Offset/Append are relative to.
func (b *CodeBuffer) Base() uintptr { return b.base }

// Append writes p at the current offset and returns the offset it was
// written at. It panics if called after Freeze: a CodeBuffer is append-only
// while writable and immutable once frozen.
func (b *CodeBuffer) Append(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		panic("vm: Append on a frozen CodeBuffer")
	}
	if b.len+len(p) > len(b.region) {
		panic("vm: CodeBuffer region exhausted") // no second region is ever mapped
	}
	off := b.len
	copy(b.region[off:], p)
	b.len += len(p)
	return off
}

// AppendU32LE appends v as 4 little-endian bytes, used for the rel32 slots
// the emitter backpatches.
func (b *CodeBuffer) AppendU32LE(v uint32) int {
	return b.Append([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// PatchU32LE overwrites the 4 bytes at offset off with v's little-endian
// encoding. Like Append, it panics on a frozen buffer: Freeze drops write
// permission on the backing pages, and every branch backpatch happens
// while the unit is still being built - a method is only published
// (BufferBase rewritten) after all of its pending branches are patched.
func (b *CodeBuffer) PatchU32LE(off int, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		panic("vm: PatchU32LE on a frozen CodeBuffer")
	}
	b.region[off] = byte(v)
	b.region[off+1] = byte(v >> 8)
	b.region[off+2] = byte(v >> 16)
	b.region[off+3] = byte(v >> 24)
}

// Freeze makes the buffer's backing pages read+execute and forbids further
// Append calls. It is the W^X transition: every write to the method's
// bytes must happen-before this call, and this call must happen-before the
// trampoline publishing the method's entry point.
func (b *CodeBuffer) Freeze() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return nil
	}
	if err := unix.Mprotect(b.region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("vm: mprotect code buffer: %w", err)
	}
	b.frozen = true
	return nil
}

// Close releases the buffer's backing pages.
func (b *CodeBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.region.Unmap()
}
