// Package site implements the capture stubs installed at monitored program
// points.
//
// The host discovers code one block at a time (a contiguous run of
// instructions with a single entry) and hands each block to the Installer.
// The Installer creates one Site per monitored instruction; each Site knows
// its static address and the record it appends. A Block groups the sites of
// one host block and carries the flush trigger that runs on block entry,
// before any of the block's records is appended.
//
// Per execution of a block on thread h:
//
//	block.Enter(h)            flush everything captured since the last entry
//	site[0].Capture(h)        append record for site 0
//	site[1].Capture(h)        ...
//
// Because every entry flushes, the buffer never holds more than one block's
// worth of records plus what a failed retain-flush kept. Blocks longer than
// the buffer capacity are rejected at install time.
package site

import (
	"errors"

	"github.com/kolkov/instrace/internal/trace/record"
	"github.com/kolkov/instrace/internal/trace/thread"
	"github.com/kolkov/instrace/internal/trace/tls"
)

// ErrNoThreadContext is the panic value for a capture on a thread that has
// no published context. The host ran injected code on a thread it never
// reported; this is a programming fault.
var ErrNoThreadContext = errors.New("site: capture on thread without context")

// Resolver resolves a slot handle to the thread's context. *thread.Manager
// implements it.
type Resolver interface {
	Get(h tls.Handle) *thread.Context
}

// Site is the capture stub of one monitored instruction.
type Site struct {
	rec     record.Record
	threads Resolver
}

// Addr returns the static address the site captures.
func (s *Site) Addr() uint64 {
	return s.rec.Addr
}

// Capture appends the site's record to the buffer of the thread in slot h.
//
// This is the hot path, executed at every monitored instruction:
//  1. Resolve the slot handle (one atomic load)
//  2. Append the precomputed record (one bounds check, one store)
//
// Panics with ErrNoThreadContext if the slot is empty and with
// *buffer.OverflowError if the flush cadence was broken.
func (s *Site) Capture(h tls.Handle) {
	ctx := s.threads.Get(h)
	if ctx == nil {
		panic(ErrNoThreadContext)
	}
	ctx.Buffer.Append(s.rec)
}
