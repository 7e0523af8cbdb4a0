// Package format implements the trace wire format.
//
// Every record becomes exactly one self-delimited line tagged with the
// capturing thread. Two encodings are supported:
//
// Text (default), one space-separated line per record:
//
//	i <tid> 0x<addr>            executed instruction
//	a <tid> 0x<callsite> <size> allocator entry
//	r <tid> 0x<ptr> <size>      allocator exit
//	f <tid> 0x<ptr>             free
//
// JSONL, one JSON object per line:
//
//	{"tid":1,"kind":"instruction","addr":4198400}
//
// Within a thread, lines appear in capture order. Lines of different
// threads may interleave at flush-batch granularity.
package format

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/kolkov/instrace/internal/trace/record"
)

// Format names a wire encoding.
type Format string

const (
	// Text is the space-separated line format.
	Text Format = "text"
	// JSONL is the one-object-per-line JSON format.
	JSONL Format = "jsonl"
)

// ParseFormat validates a format name. The empty string selects Text.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", Text:
		return Text, nil
	case JSONL:
		return JSONL, nil
	}
	return "", fmt.Errorf("format: unknown trace format %q (want %q or %q)", s, Text, JSONL)
}

// AppendFunc appends the encoding of one record, including the trailing
// newline, to dst and returns the extended slice.
type AppendFunc func(dst []byte, tid record.ThreadID, r record.Record) []byte

// Appender returns the AppendFunc for f.
func Appender(f Format) (AppendFunc, error) {
	switch f {
	case "", Text:
		return AppendText, nil
	case JSONL:
		return AppendJSON, nil
	}
	return nil, fmt.Errorf("format: unknown trace format %q", f)
}

// AppendText appends the text encoding of r.
func AppendText(dst []byte, tid record.ThreadID, r record.Record) []byte {
	dst = append(dst, r.Kind.Letter(), ' ')
	dst = strconv.AppendUint(dst, uint64(tid), 10)
	dst = append(dst, ' ', '0', 'x')
	dst = strconv.AppendUint(dst, r.Addr, 16)
	if r.Kind.HasSize() {
		dst = append(dst, ' ')
		dst = strconv.AppendUint(dst, r.Size, 10)
	}
	return append(dst, '\n')
}

// jsonEntry is the JSONL shape of one record.
type jsonEntry struct {
	Thread uint64 `json:"tid"`
	Kind   string `json:"kind"`
	Addr   uint64 `json:"addr"`
	Size   uint64 `json:"size,omitempty"`
}

// AppendJSON appends the JSONL encoding of r.
func AppendJSON(dst []byte, tid record.ThreadID, r record.Record) []byte {
	data, err := json.Marshal(jsonEntry{
		Thread: uint64(tid),
		Kind:   r.Kind.String(),
		Addr:   r.Addr,
		Size:   r.Size,
	})
	if err != nil {
		// jsonEntry has only strings and integers; Marshal cannot fail.
		panic(err)
	}
	dst = append(dst, data...)
	return append(dst, '\n')
}
