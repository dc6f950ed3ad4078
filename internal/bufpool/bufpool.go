// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the buffers outbound packets are assembled into.
package bufpool

import (
	"bytes"
	"sync"
)

// MaxPooledCap bounds the capacity of buffers kept for reuse. Larger buffers
// are left to the garbage collector so one big publish does not pin memory.
const MaxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer with room for at least size bytes.
func Get(size int) *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	if size > 0 {
		b.Grow(size)
	}
	return b
}

// Put returns b to the pool. The caller must not use b afterwards.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > MaxPooledCap {
		return
	}
	pool.Put(b)
}
