package site

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode selects which instructions get a capture site.
type Mode string

const (
	// ModeAll captures every instruction.
	ModeAll Mode = "all"
	// ModeNone captures no instructions; only call interception records.
	ModeNone Mode = "none"
	// ModeRanges captures instructions inside the configured ranges.
	ModeRanges Mode = "ranges"
)

// Range is the half-open address interval [Lo, Hi).
type Range struct {
	Lo, Hi uint64
}

// Contains reports whether addr lies in r.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Lo && addr < r.Hi
}

// String renders r as "0xlo-0xhi".
func (r Range) String() string {
	return fmt.Sprintf("%#x-%#x", r.Lo, r.Hi)
}

// ParseRange parses "0xlo-0xhi". Both bounds are hexadecimal with an
// optional 0x prefix, and lo must be below hi.
func ParseRange(s string) (Range, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Range{}, fmt.Errorf("site: range %q: want lo-hi", s)
	}
	l, err := parseHex(lo)
	if err != nil {
		return Range{}, fmt.Errorf("site: range %q: %w", s, err)
	}
	h, err := parseHex(hi)
	if err != nil {
		return Range{}, fmt.Errorf("site: range %q: %w", s, err)
	}
	if l >= h {
		return Range{}, fmt.Errorf("site: range %q is empty", s)
	}
	return Range{Lo: l, Hi: h}, nil
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

// Filter decides which instruction addresses are monitored. The zero value
// monitors everything.
type Filter struct {
	Mode   Mode
	Ranges []Range
}

// ParseMode validates a filter mode. The empty string selects ModeAll.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAll:
		return ModeAll, nil
	case ModeNone:
		return ModeNone, nil
	case ModeRanges:
		return ModeRanges, nil
	}
	return "", fmt.Errorf("site: unknown instruction mode %q (want all, none or ranges)", s)
}

// Match reports whether addr gets a capture site.
func (f Filter) Match(addr uint64) bool {
	switch f.Mode {
	case ModeNone:
		return false
	case ModeRanges:
		for _, r := range f.Ranges {
			if r.Contains(addr) {
				return true
			}
		}
		return false
	default:
		return true
	}
}
