// Package module describes loaded modules and resolves symbols in them.
//
// The host reports each module (executable or shared library) when it is
// mapped. The tracer looks up its intercept targets once per module load;
// this is never on a hot path.
package module

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"
)

// Module is a loaded module: a name, a load bias and a symbol table of
// module-relative function addresses.
type Module struct {
	name    string
	base    uint64
	symbols map[string]uint64
}

// New returns a module with the given symbols. Symbol values are relative
// to base.
func New(name string, base uint64, symbols map[string]uint64) *Module {
	syms := make(map[string]uint64, len(symbols))
	for k, v := range symbols {
		syms[k] = v
	}
	return &Module{name: name, base: base, symbols: syms}
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.name
}

// Base returns the load bias.
func (m *Module) Base() uint64 {
	return m.base
}

// Lookup returns the runtime address of symbol.
func (m *Module) Lookup(symbol string) (uint64, bool) {
	v, ok := m.symbols[symbol]
	if !ok {
		return 0, false
	}
	return m.base + v, true
}

// Symbols returns the symbol names, sorted.
func (m *Module) Symbols() []string {
	out := make([]string, 0, len(m.symbols))
	for k := range m.symbols {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OpenELF reads the function symbols of the ELF file at path. base is the
// load bias the host mapped it at (0 for a non-PIE executable).
//
// Both the dynamic and the static symbol tables are read; a stripped file
// with neither yields an empty module, not an error.
func OpenELF(path string, base uint64) (*Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("module: %w", err)
	}
	defer f.Close()

	syms := make(map[string]uint64)
	add := func(list []elf.Symbol) {
		for _, s := range list {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Name == "" {
				continue
			}
			if _, ok := syms[s.Name]; !ok {
				syms[s.Name] = s.Value
			}
		}
	}

	dyn, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("module: reading dynamic symbols of %s: %w", path, err)
	}
	add(dyn)

	static, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("module: reading symbols of %s: %w", path, err)
	}
	add(static)

	return &Module{name: path, base: base, symbols: syms}, nil
}
