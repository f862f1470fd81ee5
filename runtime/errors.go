// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package runtime

// Thrown is the JIT core's view of "an exception is propagating on the
// current thread". The real implementation of throw/catch dispatch belongs
// to the (out of scope) exception subsystem; the core only needs to be able
// to construct one of these when a runtime primitive it calls fails.
type Thrown struct {
	ClassName string
	Message   string
}

func (t *Thrown) Error() string { return t.ClassName + ": " + t.Message }

// NewOutOfMemoryError builds the Thrown value the core raises when a heap
// allocation for a compiled `new` fails (see the vm package's
// nativeAllocObject). Code-buffer mapping failures are returned as ordinary
// errors instead.
func NewOutOfMemoryError(where string) *Thrown {
	return &Thrown{ClassName: "java/lang/OutOfMemoryError", Message: where}
}
