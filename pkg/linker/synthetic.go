package linker

// CreateSyntheticAtoms scans every live atom's relocations to learn which
// globals need a GOT entry/stub/TLV pointer (arch-dispatched to
// scanRelocsX86_64/scanRelocsARM64), then manufactures exactly one
// synthetic atom per (global, kind) pair behind a single dedup map,
// covering the GOT/stub/lazy-pointer/stub-helper/TLV-pointer/tentative-bss
// family.
func CreateSyntheticAtoms(ctx *Context) error {
	switch ctx.Opt.Target.CPUArch {
	case ArchX86_64:
		scanRelocsX86_64(ctx)
	case ArchAArch64:
		scanRelocsARM64(ctx)
	default:
		return ErrUnsupportedCPUArch
	}

	createTentativeAtoms(ctx)

	reg := newSyntheticRegistry(ctx)
	for _, g := range ctx.Globals {
		if g.Needs == 0 {
			continue
		}
		if g.Needs&NeedsGOT != 0 {
			reg.gotAtom(ctx, g)
		}
		if g.Needs&NeedsGOTTPOff != 0 {
			reg.gotTPOffAtom(ctx, g)
		}
		if g.Needs&NeedsTLVPointer != 0 {
			reg.tlvAtom(ctx, g)
		}
		if g.Needs&NeedsStub != 0 {
			reg.stubAtom(ctx, g)
		}
	}

	if ctx.Format == FormatMachO && reg.stubCount > 0 {
		reg.createStubHelperPreamble(ctx)
	}
	if ctx.Format == FormatMachO {
		createMachOHeaderPad(ctx)
	}

	return nil
}

// createTentativeAtoms materializes a COMMON symbol's storage once it has
// won resolution: every Global whose Sym is still tentative gets a .bss (or
// Mach-O __DATA,__common-equivalent) atom sized/aligned per the symbol's
// Size/P2Align, mirroring the teacher's treatment of STT_COMMON symbols as
// ordinary .bss definitions post-resolution.
func createTentativeAtoms(ctx *Context) {
	for _, g := range ctx.Globals {
		if g.Sym == nil || !g.Sym.IsTentative() {
			continue
		}
		osecIdx := ctx.GetOutputSection("__DATA", ".bss", 0, 0)
		osec := ctx.OutputSections[osecIdx]
		idx := ctx.Atoms.Alloc(Atom{
			Owner:         ctx.InternalFile,
			Primary:       g.Ref,
			Size:          g.Sym.Size,
			AlignLog2:     g.Sym.P2Align,
			OutputSection: osecIdx,
			Alive:         true,
			Kind:          SynthTentativeBSS,
		})
		osec.LastAtom = ctx.Atoms.AppendToSection(osec.LastAtom, idx)
		if osec.FirstAtom == NullAtom {
			osec.FirstAtom = idx
		}
		g.Atom = idx
	}
}

// syntheticRegistry maps each (global, synthetic kind) pair to its atom,
// split per kind so each family gets its own output section but still
// dedups within itself: a symbol referenced by ten relocations needing a
// GOT entry gets exactly one GOT atom, not ten.
type syntheticRegistry struct {
	got, gotTPOff, tlv, stub, lazyPtr map[string]AtomIndex
	gotSection, stubSection, lazyPtrSection, stubHelperSection, tlvSection int
	stubCount int
}

func newSyntheticRegistry(ctx *Context) *syntheticRegistry {
	r := &syntheticRegistry{
		got:      make(map[string]AtomIndex),
		gotTPOff: make(map[string]AtomIndex),
		tlv:      make(map[string]AtomIndex),
		stub:     make(map[string]AtomIndex),
		lazyPtr:  make(map[string]AtomIndex),
	}
	switch ctx.Format {
	case FormatELF:
		r.gotSection = ctx.GetOutputSection("", ".got", 1 /* SHT_PROGBITS */, 0x3 /* ALLOC|WRITE */)
		r.stubSection = ctx.GetOutputSection("", ".plt", 1, 0x6 /* ALLOC|EXECINSTR */)
		r.tlvSection = ctx.GetOutputSection("", ".got", 1, 0x3)
	case FormatMachO:
		r.gotSection = ctx.GetOutputSection("__DATA_CONST", "__got", 0, 0)
		r.stubSection = ctx.GetOutputSection("__TEXT", "__stubs", 0, 0)
		r.lazyPtrSection = ctx.GetOutputSection("__DATA", "__la_symbol_ptr", 0, 0)
		r.stubHelperSection = ctx.GetOutputSection("__TEXT", "__stub_helper", 0, 0)
		r.tlvSection = ctx.GetOutputSection("__DATA", "__thread_ptrs", 0, 0)
	}
	return r
}

func (r *syntheticRegistry) allocIn(ctx *Context, osecIdx int, size uint64, alignLog2 uint8, primary SymbolRef, kind SyntheticKind) AtomIndex {
	osec := ctx.OutputSections[osecIdx]
	idx := ctx.Atoms.Alloc(Atom{
		Owner:         nil,
		Primary:       primary,
		Size:          size,
		AlignLog2:     alignLog2,
		OutputSection: osecIdx,
		Alive:         true,
		Kind:          kind,
	})
	osec.LastAtom = ctx.Atoms.AppendToSection(osec.LastAtom, idx)
	if osec.FirstAtom == NullAtom {
		osec.FirstAtom = idx
	}
	return idx
}

func (r *syntheticRegistry) gotAtom(ctx *Context, g *Global) AtomIndex {
	if idx, ok := r.got[g.Name]; ok {
		return idx
	}
	idx := r.allocIn(ctx, r.gotSection, 8, 3, g.Ref, SynthGOTEntry)
	r.got[g.Name] = idx
	return idx
}

func (r *syntheticRegistry) gotTPOffAtom(ctx *Context, g *Global) AtomIndex {
	if idx, ok := r.gotTPOff[g.Name]; ok {
		return idx
	}
	idx := r.allocIn(ctx, r.gotSection, 8, 3, g.Ref, SynthGOTEntry)
	r.gotTPOff[g.Name] = idx
	return idx
}

func (r *syntheticRegistry) tlvAtom(ctx *Context, g *Global) AtomIndex {
	if idx, ok := r.tlv[g.Name]; ok {
		return idx
	}
	idx := r.allocIn(ctx, r.tlvSection, 8, 3, g.Ref, SynthTLVPointer)
	r.tlv[g.Name] = idx
	return idx
}

// stubAtom creates the (ELF) PLT entry or (Mach-O) __stubs + lazy-pointer +
// stub-helper triple for an undefined function symbol.
func (r *syntheticRegistry) stubAtom(ctx *Context, g *Global) AtomIndex {
	if idx, ok := r.stub[g.Name]; ok {
		return idx
	}

	if ctx.Format == FormatMachO {
		lpIdx := r.allocIn(ctx, r.lazyPtrSection, 8, 3, g.Ref, SynthLazyPointer)
		r.lazyPtr[g.Name] = lpIdx
		_ = r.allocIn(ctx, r.stubHelperSection, 10, 0, g.Ref, SynthStubHelper)
	}

	idx := r.allocIn(ctx, r.stubSection, 16, 4, g.Ref, SynthStub)
	r.stub[g.Name] = idx
	r.stubCount++
	return idx
}

// createStubHelperPreamble adds the single shared dyld_stub_binder-calling
// preamble every Mach-O __stub_helper section needs ahead of its per-symbol
// entries.
func (r *syntheticRegistry) createStubHelperPreamble(ctx *Context) {
	r.allocIn(ctx, r.stubHelperSection, 16, 4, NullSymbolRef, SynthStubHelperPreamble)
}

// createMachOHeaderPad reserves the zero-size atom at the very front of
// __TEXT that load-command finalization expands in place once the final
// load-command count is known.
func createMachOHeaderPad(ctx *Context) {
	osecIdx := ctx.GetOutputSection("__TEXT", "__text", 0, 0)
	osec := ctx.OutputSections[osecIdx]
	idx := ctx.Atoms.Alloc(Atom{
		Primary:       NullSymbolRef,
		Size:          0,
		AlignLog2:     3,
		OutputSection: osecIdx,
		Alive:         true,
		Kind:          SynthMachOHeaderPad,
	})
	// Splice the pad in front of whatever __text already holds, rather than
	// appending to the tail, since the header must be the segment's first
	// bytes.
	a := ctx.Atoms.Get(idx)
	a.Next = osec.FirstAtom
	if osec.FirstAtom != NullAtom {
		ctx.Atoms.Get(osec.FirstAtom).Prev = idx
	} else {
		osec.LastAtom = idx
	}
	osec.FirstAtom = idx
}
