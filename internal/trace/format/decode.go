package format

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kolkov/instrace/internal/trace/record"
)

// Entry is one decoded trace line.
type Entry struct {
	Thread record.ThreadID
	Record record.Record
}

// SyntaxError reports a malformed trace line.
type SyntaxError struct {
	Line int    // 1-indexed line number
	Text string // offending line
	Msg  string
}

// Error implements the error interface.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("format: line %d: %s: %q", e.Line, e.Msg, e.Text)
}

// ParseText decodes one text-format line (without the trailing newline).
func ParseText(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || len(fields[0]) != 1 {
		return Entry{}, fmt.Errorf("want at least 3 fields, got %d", len(fields))
	}
	kind, ok := record.KindFromLetter(fields[0][0])
	if !ok {
		return Entry{}, fmt.Errorf("unknown kind %q", fields[0])
	}

	want := 3
	if kind.HasSize() {
		want = 4
	}
	if len(fields) != want {
		return Entry{}, fmt.Errorf("%s line wants %d fields, got %d", kind, want, len(fields))
	}

	tid, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("bad thread id: %w", err)
	}
	if !strings.HasPrefix(fields[2], "0x") {
		return Entry{}, fmt.Errorf("address %q lacks 0x prefix", fields[2])
	}
	addr, err := strconv.ParseUint(fields[2][2:], 16, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("bad address: %w", err)
	}

	rec := record.Record{Kind: kind, Addr: addr}
	if kind.HasSize() {
		rec.Size, err = strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("bad size: %w", err)
		}
	}
	return Entry{Thread: record.ThreadID(tid), Record: rec}, nil
}

// ParseJSON decodes one JSONL line.
func ParseJSON(line string) (Entry, error) {
	var je jsonEntry
	if err := json.Unmarshal([]byte(line), &je); err != nil {
		return Entry{}, err
	}
	kind, ok := record.ParseKind(je.Kind)
	if !ok {
		return Entry{}, fmt.Errorf("unknown kind %q", je.Kind)
	}
	return Entry{
		Thread: record.ThreadID(je.Thread),
		Record: record.Record{Kind: kind, Addr: je.Addr, Size: je.Size},
	}, nil
}

// Decoder reads trace lines from a stream.
//
// Usage:
//
//	dec := format.NewDecoder(r, format.Text)
//	for dec.Next() {
//	    e := dec.Entry()
//	    ...
//	}
//	if err := dec.Err(); err != nil { ... }
type Decoder struct {
	sc    *bufio.Scanner
	parse func(string) (Entry, error)
	line  int
	entry Entry
	err   error
}

// NewDecoder returns a decoder for format f. Unknown formats fall back to
// Text; use ParseFormat to validate user input first.
func NewDecoder(r io.Reader, f Format) *Decoder {
	parse := ParseText
	if f == JSONL {
		parse = ParseJSON
	}
	return &Decoder{sc: bufio.NewScanner(r), parse: parse}
}

// Next advances to the next entry. Blank lines are skipped. It returns
// false at end of input or on the first error.
func (d *Decoder) Next() bool {
	if d.err != nil {
		return false
	}
	for d.sc.Scan() {
		d.line++
		text := strings.TrimSpace(d.sc.Text())
		if text == "" {
			continue
		}
		e, err := d.parse(text)
		if err != nil {
			d.err = &SyntaxError{Line: d.line, Text: text, Msg: err.Error()}
			return false
		}
		d.entry = e
		return true
	}
	d.err = d.sc.Err()
	return false
}

// Entry returns the entry read by the last successful Next.
func (d *Decoder) Entry() Entry {
	return d.entry
}

// Err returns the first error encountered, if any.
func (d *Decoder) Err() error {
	return d.err
}

// DecodeAll reads every entry from r.
func DecodeAll(r io.Reader, f Format) ([]Entry, error) {
	var out []Entry
	dec := NewDecoder(r, f)
	for dec.Next() {
		out = append(out, dec.Entry())
	}
	return out, dec.Err()
}

// ByThread groups entries per thread, preserving per-thread order.
func ByThread(entries []Entry) map[record.ThreadID][]record.Record {
	out := make(map[record.ThreadID][]record.Record)
	for _, e := range entries {
		out[e.Thread] = append(out[e.Thread], e.Record)
	}
	return out
}
