package symbols

import (
	"context"
	"debug/elf"
	"debug/gosym"
	"fmt"
)

// goLineTable adapts debug/gosym's table to the LineTable interface.
type goLineTable struct {
	table *gosym.Table
}

func (g *goLineTable) Lookup(addr uint64) (symbol, file string, line int, ok bool) {
	file, lineNo, fn := g.table.PCToLine(addr)
	if fn == nil {
		return "", "", 0, false
	}
	return fn.Name, file, lineNo, true
}

func loadGoLineTable(binaryPath string) (LineTable, error) {
	f, err := elf.Open(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("symbols: open %s: %w", binaryPath, err)
	}
	defer f.Close()

	textSection := f.Section(".text")
	if textSection == nil {
		return nil, fmt.Errorf("symbols: %s has no .text section", binaryPath)
	}

	pclntab, err := f.Section(".gopclntab").Data()
	if err != nil {
		return nil, fmt.Errorf("symbols: read .gopclntab: %w", err)
	}
	symtab, _ := f.Section(".gosymtab").Data()

	lineTable := gosym.NewLineTable(pclntab, textSection.Addr)
	table, err := gosym.NewTable(symtab, lineTable)
	if err != nil {
		return nil, fmt.Errorf("symbols: parse gosymtab: %w", err)
	}
	return &goLineTable{table: table}, nil
}

// GoSymResolver resolves instruction pointers against a Go binary's own
// pclntab/gopclntab sections, the same mechanism runtime.CallersFrames
// uses internally but exposed per-binary so a host process can
// symbolize addresses taken from *other* Go binaries it loaded (for
// example, a plugin). BinaryCache amortizes the ELF/pclntab parse
// across the many addresses a single binary will see.
type GoSymResolver struct {
	BinaryPath string
	Binaries   *BinaryCache
}

// NewGoSymResolver creates a resolver for binaryPath backed by cache.
func NewGoSymResolver(binaryPath string, cache *BinaryCache) *GoSymResolver {
	return &GoSymResolver{BinaryPath: binaryPath, Binaries: cache}
}

// Resolve implements Resolver.
func (g *GoSymResolver) Resolve(_ context.Context, ip uint64) (symbol, file string, line int, ok bool) {
	table, cached := g.Binaries.Get(g.BinaryPath)
	if !cached {
		t, err := loadGoLineTable(g.BinaryPath)
		if err != nil {
			return "", "", 0, false
		}
		g.Binaries.Put(g.BinaryPath, t)
		table = t
	}
	return table.Lookup(ip)
}
