// Package record defines the fixed-size TraceRecord captured by the tracer.
//
// A Record is a plain value: three machine words, no pointers. This lets the
// per-thread buffers live in raw, non-GC memory (see package rawmem) and
// keeps every append a single 24-byte store.
//
// Layout (24 bytes):
//
//	0:  Addr  (8 bytes)  instruction address, call site or heap pointer
//	8:  Size  (8 bytes)  allocation size (AllocRequest/AllocResult only)
//	16: Kind  (1 byte)   event kind
//	17: pad   (7 bytes)
package record

import (
	"fmt"
	"unsafe"
)

// Kind identifies the event a Record describes.
type Kind uint8

const (
	// Instruction is one executed, monitored instruction. Addr is its address.
	Instruction Kind = iota
	// AllocRequest is the entry of an allocator call. Addr is the call site,
	// Size is the requested size.
	AllocRequest
	// AllocResult is the exit of an allocator call. Addr is the returned
	// pointer, Size is the size requested on entry.
	AllocResult
	// Free is a release of a heap pointer. Addr is the pointer.
	Free
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case Instruction:
		return "instruction"
	case AllocRequest:
		return "alloc-request"
	case AllocResult:
		return "alloc-result"
	case Free:
		return "free"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Letter returns the one-byte tag used by the text wire format.
func (k Kind) Letter() byte {
	switch k {
	case Instruction:
		return 'i'
	case AllocRequest:
		return 'a'
	case AllocResult:
		return 'r'
	case Free:
		return 'f'
	default:
		return '?'
	}
}

// KindFromLetter is the inverse of Kind.Letter.
func KindFromLetter(b byte) (Kind, bool) {
	switch b {
	case 'i':
		return Instruction, true
	case 'a':
		return AllocRequest, true
	case 'r':
		return AllocResult, true
	case 'f':
		return Free, true
	}
	return 0, false
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "instruction":
		return Instruction, true
	case "alloc-request":
		return AllocRequest, true
	case "alloc-result":
		return AllocResult, true
	case "free":
		return Free, true
	}
	return 0, false
}

// HasSize reports whether records of this kind carry a meaningful Size.
func (k Kind) HasSize() bool {
	return k == AllocRequest || k == AllocResult
}

// ThreadID identifies a monitored thread. The host chooses the values; the
// tracer only requires that two live threads never share one.
type ThreadID uint64

// Record is one captured event. It is immutable once written and has no
// identity beyond its position in a buffer.
type Record struct {
	Addr uint64
	Size uint64
	Kind Kind
	_    [7]byte
}

// Bytes is the in-memory size of a Record.
const Bytes = int(unsafe.Sizeof(Record{}))

// NewInstruction returns the record for an executed instruction at addr.
//
//go:nosplit
func NewInstruction(addr uint64) Record {
	return Record{Kind: Instruction, Addr: addr}
}

// NewAllocRequest returns the entry record of an allocator call.
func NewAllocRequest(callSite, size uint64) Record {
	return Record{Kind: AllocRequest, Addr: callSite, Size: size}
}

// NewAllocResult returns the exit record of an allocator call.
func NewAllocResult(ptr, size uint64) Record {
	return Record{Kind: AllocResult, Addr: ptr, Size: size}
}

// NewFree returns the record for a released pointer.
func NewFree(ptr uint64) Record {
	return Record{Kind: Free, Addr: ptr}
}

// String formats the record for diagnostics.
func (r Record) String() string {
	if r.Kind.HasSize() {
		return fmt.Sprintf("%s{addr=%#x size=%d}", r.Kind, r.Addr, r.Size)
	}
	return fmt.Sprintf("%s{addr=%#x}", r.Kind, r.Addr)
}
