// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package readpos wraps an io.Reader and tracks how many bytes have been
// consumed from it, so that parse errors can be reported with a byte offset
// into the class file.
package readpos

import "io"

// ReadPos wraps R, accumulating the number of bytes read into CurPos.
type ReadPos struct {
	R      io.Reader
	CurPos int64
}

// Read implements io.Reader.
func (r *ReadPos) Read(p []byte) (int, error) {
	n, err := r.R.Read(p)
	r.CurPos += int64(n)
	return n, err
}
