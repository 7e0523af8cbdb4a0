// Copyright 2025 The instrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rawmem allocates raw, page-aligned backing memory for capture
// buffers.
//
// Capture buffers are written on every monitored instruction, so they are
// kept out of the Go heap: the garbage collector never scans them and their
// base address never moves, which lets the base be published to injected
// code once at thread start.
//
// On Linux and macOS the memory comes from an anonymous private mapping
// (mmap). Other platforms fall back to a heap-allocated byte slice.
package rawmem

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrReleased is returned when a released region is used again.
var ErrReleased = errors.New("rawmem: region already released")

// Region is a contiguous block of raw memory.
//
// Thread Safety: a Region is owned by a single thread. Alloc and Release may
// run on different threads as long as they do not overlap.
type Region struct {
	mem    []byte
	mapped bool
}

// Alloc returns a zeroed region of at least size bytes, rounded up to a
// whole number of pages.
func Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("rawmem: invalid size %d", size)
	}
	page := pageSize()
	rounded := (size + page - 1) / page * page

	mem, mapped, err := allocPlatform(rounded)
	if err != nil {
		return nil, fmt.Errorf("rawmem: allocating %d bytes: %w", rounded, err)
	}
	return &Region{mem: mem, mapped: mapped}, nil
}

// Bytes returns the region's memory. It is nil after Release.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Len returns the usable size of the region in bytes.
func (r *Region) Len() int {
	return len(r.mem)
}

// Base returns the address of the first byte of the region, or 0 after
// Release.
func (r *Region) Base() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Mapped reports whether the region came from the OS mapping path rather
// than the heap fallback.
func (r *Region) Mapped() bool {
	return r.mapped
}

// Release returns the memory to the OS. Using the region afterwards is an
// error; releasing twice returns ErrReleased.
func (r *Region) Release() error {
	if r.mem == nil {
		return ErrReleased
	}
	mem := r.mem
	r.mem = nil
	if !r.mapped {
		return nil
	}
	if err := freePlatform(mem); err != nil {
		return fmt.Errorf("rawmem: releasing %d bytes: %w", len(mem), err)
	}
	return nil
}
