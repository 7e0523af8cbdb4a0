package intercept

import "fmt"

// Kind identifies an intercepted allocator entry point.
type Kind uint8

const (
	// Malloc is malloc(size).
	Malloc Kind = iota
	// Calloc is calloc(n, size).
	Calloc
	// Realloc is realloc(ptr, size).
	Realloc
	// Free is free(ptr).
	Free
)

// String returns the C name of the entry point.
func (k Kind) String() string {
	switch k {
	case Malloc:
		return "malloc"
	case Calloc:
		return "calloc"
	case Realloc:
		return "realloc"
	case Free:
		return "free"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Args returns the number of arguments the entry hook needs.
func (k Kind) Args() int {
	switch k {
	case Calloc, Realloc:
		return 2
	default:
		return 1
	}
}

// ParseKind maps a function name to its Kind.
func ParseKind(name string) (Kind, bool) {
	switch name {
	case "malloc":
		return Malloc, true
	case "calloc":
		return Calloc, true
	case "realloc":
		return Realloc, true
	case "free":
		return Free, true
	}
	return 0, false
}

// DefaultTargets is the set of entry points intercepted when none are
// configured.
var DefaultTargets = []string{"malloc", "calloc", "realloc", "free"}

// Target is one resolved intercept target.
type Target struct {
	Name   string
	Kind   Kind
	Addr   uint64
	Module string // module the address was resolved in, if any
}

// String renders the target for diagnostics.
func (t *Target) String() string {
	if t.Module == "" {
		return fmt.Sprintf("%s@%#x", t.Name, t.Addr)
	}
	return fmt.Sprintf("%s!%s@%#x", t.Module, t.Name, t.Addr)
}
