package linker

import "sort"

// ResolveSymbols merges every alive object's defined globals into
// ctx.Globals, pulls in archive members to satisfy still-open names to a
// fixed point, binds whatever remains against dylib export sets, and (for
// Mach-O) manufactures the synthetic symbols the format always provides.
// Archive members are pulled on demand off an open-names worklist rather
// than eagerly parsed, since pkg/archive only parses a member once it is
// known to be needed.
func ResolveSymbols(ctx *Context, backend FormatBackend) error {
	for _, in := range ctx.Objs {
		mergeObjectGlobals(ctx, in)
	}

	if err := pullArchivesToFixedPoint(ctx, backend); err != nil {
		return err
	}

	bindAgainstDylibs(ctx)

	if ctx.Format == FormatMachO {
		addMachOSyntheticSymbols(ctx)
	}

	return reportUndefined(ctx)
}

// mergeObjectGlobals walks one InputFile's global (non-local) symbol-table
// entries, starting at the reader's FirstGlobal cutoff, and folds each
// defined one into ctx.Globals via decideMerge.
func mergeObjectGlobals(ctx *Context, in *InputFile) {
	syms := in.Reader.RawSymbols()
	first := in.Reader.FirstGlobal()

	for i := first; i < len(syms); i++ {
		sym := syms[i]
		if sym == nil {
			continue
		}

		g := ctx.GetGlobal(sym.Name)
		in.globalIdxBySymIdx[int64(i)] = indexOfGlobal(ctx, g)

		switch decideMerge(g.Sym, sym) {
		case mergeReplace:
			g.Ref = SymbolRef{Input: in, Index: int32(i)}
			g.Sym = sym
			g.IsExported = sym.Flags&SymPrivateExtern == 0
		case mergeKeepLargerTentative:
			if sym.Size > g.Sym.Size {
				g.Ref = SymbolRef{Input: in, Index: int32(i)}
				g.Sym = sym
				g.IsExported = sym.Flags&SymPrivateExtern == 0
			}
		case mergeDuplicateError:
			// Recorded on the Global here and returned by reportUndefined
			// once resolution finishes, ahead of any undefined-symbol
			// error.
			g.duplicate = &DuplicateSymbolError{
				Symbol: sym.Name,
				First:  g.Ref.Input.File.Name,
				Second: in.File.Name,
			}
		case mergeKeepExisting:
			// nothing to do
		}
	}
}

func indexOfGlobal(ctx *Context, g *Global) int {
	return ctx.GlobalIndex[g.Name]
}

// pullArchivesToFixedPoint repeatedly scans every archive's TOC for a member
// that defines a name some Global still needs: for each undefined or
// tentative global, check every archive's TOC, and if a member defines it,
// parse and merge that member, possibly discovering more undefined
// references. Repeats until a full pass pulls in no new member.
func pullArchivesToFixedPoint(ctx *Context, backend FormatBackend) error {
	for {
		pulled := false

		names := openGlobalNames(ctx)
		for _, name := range names {
			for _, idx := range ctx.Archives {
				offsets, ok := idx.Archive.TOC[name]
				if !ok {
					continue
				}
				for _, off := range offsets {
					if _, already := idx.parsed[off]; already {
						continue
					}
					in, err := ctx.pullArchiveMember(backend, idx, off)
					if err != nil {
						return err
					}
					in.IsAlive = true
					mergeObjectGlobals(ctx, in)
					pulled = true
				}
			}
		}

		if !pulled {
			return nil
		}
	}
}

// openGlobalNames returns every Global name whose current winner is still
// undefined or tentative, i.e. one an archive member could still improve,
// using rankOf as the strength test.
func openGlobalNames(ctx *Context) []string {
	names := make([]string, 0, len(ctx.Globals))
	for _, g := range ctx.Globals {
		if rankOf(g.Sym, false) > 0 {
			names = append(names, g.Name)
		}
	}
	sort.Strings(names)
	return names
}

// bindAgainstDylibs resolves every still-undefined Global against each
// bound dylib's export set, in dylib ordinal order so the first dylib that
// exports a name wins. Mach-O only; ELF/Wasm backends register no Dylibs,
// so this loop is a no-op for them.
func bindAgainstDylibs(ctx *Context) {
	for _, g := range ctx.Globals {
		if g.Sym == nil || !g.Sym.IsUndefined() {
			continue
		}
		for _, d := range ctx.Dylibs {
			if d.Exports[g.Name] {
				g.DylibOrdinal = d.Ordinal
				break
			}
		}
	}
}

// addMachOSyntheticSymbols manufactures the handful of symbols every
// Mach-O link provides regardless of input, owned by ctx.InternalFile.
func addMachOSyntheticSymbols(ctx *Context) {
	add := func(name string) {
		g := ctx.GetGlobal(name)
		if g.Sym != nil && !g.Sym.IsUndefined() {
			return
		}
		g.Sym = &Symbol{Name: name, Binding: BindGlobal, Flags: SymPrivateExtern}
		g.Ref = SymbolRef{Input: ctx.InternalFile}
		g.IsExported = false
	}

	if ctx.Opt.OutputMode == OutputModeExe {
		add("__mh_execute_header")
	} else {
		add("__mh_dylib_header")
	}
	add("___dso_handle")
	add("dyld_stub_binder")
}

// reportUndefined collects every Global that is still undefined after
// archive pull-in and dylib binding and returns the first as an error,
// honoring Options.AllowUndef.
func reportUndefined(ctx *Context) error {
	for _, g := range ctx.Globals {
		if g.duplicate != nil {
			return g.duplicate
		}
	}

	for _, g := range ctx.Globals {
		if g.Sym == nil || !g.Sym.IsUndefined() {
			continue
		}
		if g.DylibOrdinal != 0 {
			continue
		}
		if ctx.Format == FormatWasm {
			// A name left undefined after resolution becomes a host import
			// in the merged module, not a link error; Wasm has no
			// equivalent of a strict --no-undefined mode here.
			g.FlatNamespace = true
			continue
		}
		if g.Sym.IsWeak() || ctx.Opt.AllowUndef {
			g.FlatNamespace = true
			continue
		}
		referrer := "<command line>"
		if g.Ref.Input != nil {
			referrer = g.Ref.Input.File.Name
		}
		return &UndefinedSymbolError{Symbol: g.Name, Referrer: referrer}
	}
	return nil
}
