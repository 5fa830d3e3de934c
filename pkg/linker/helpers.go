package linker

// forEachAliveAtom walks every atom reachable from an OutputSection's chain
// across every live OutputSection, skipping the reserved null atom. Several
// S4/S6 passes (relocation scanning, relocation writing) need this same
// whole-output walk, so it lives here once rather than being reimplemented
// per pass.
func forEachAliveAtom(ctx *Context, fn func(a *Atom)) {
	for _, osec := range ctx.OutputSections {
		ctx.Atoms.Walk(osec.FirstAtom, func(_ AtomIndex, a *Atom) {
			if a.Alive {
				fn(a)
			}
		})
	}
}

// localAtomAddr resolves a SymbolRef that names a local (non-global) symbol
// to its final address, via the defining InputFile's own SymbolAtom/
// SymbolOffset tables rather than ctx.GlobalIndex (which only tracks
// externally-visible names). Returns ok=false for a synthetic ref or a
// nameless section-relative ref that never started its own atom (the
// inner-symbol bookkeeping only records named symbols).
func localAtomAddr(ctx *Context, ref SymbolRef) (uint64, bool) {
	if ref.IsSynthetic() {
		return 0, false
	}
	idx, ok := ref.Input.SymbolAtom[int64(ref.Index)]
	if !ok {
		return 0, false
	}
	a := ctx.Atoms.Get(idx)
	return a.Addr + ref.Input.SymbolOffset[int64(ref.Index)], true
}

// globalFor returns the Global a SymbolRef ultimately names, or nil for a
// synthetic/local reference that no Global tracks.
func globalFor(ctx *Context, ref SymbolRef) *Global {
	if ref.IsSynthetic() || ref.Input == nil {
		return nil
	}
	syms := ref.Input.Reader.RawSymbols()
	if int(ref.Index) >= len(syms) || syms[ref.Index] == nil {
		return nil
	}
	name := syms[ref.Index].Name
	if name == "" {
		return nil
	}
	idx, ok := ctx.GlobalIndex[name]
	if !ok {
		return nil
	}
	return ctx.Globals[idx]
}
