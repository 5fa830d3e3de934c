package linker

import "sort"

// BuildAtoms decomposes every alive input's raw sections into atoms and
// translates their relocations into the unified internal form. A section
// whose reader reports SubsectionsViaSymbols() is cut at every symbol that
// starts a new atom, rather than staying one monolithic unit the way an
// ELF section without that convention does.
func BuildAtoms(ctx *Context) error {
	starts := make(map[*InputFile]map[int][]atomSpan)

	for _, in := range ctx.Objs {
		if !in.IsAlive {
			continue
		}
		starts[in] = buildAtomsForInput(ctx, in)
	}
	// Point each Global at the atom now carrying its winning definition.
	for _, g := range ctx.Globals {
		if g.Ref.Input == nil || !g.Ref.Input.IsAlive {
			continue
		}
		if idx, ok := g.Ref.Input.SymbolAtom[int64(g.Ref.Index)]; ok {
			g.Atom = idx
		}
	}
	for _, in := range ctx.Objs {
		if !in.IsAlive {
			continue
		}
		if err := translateRelocsForInput(ctx, in, starts[in]); err != nil {
			return err
		}
	}
	return nil
}

// atomSpan is the [start, end) byte range of one atom within its owning raw
// section's content, kept only long enough to translate relocations into
// atom-local offsets.
type atomSpan struct {
	start, end uint64
	atom       AtomIndex
}

func buildAtomsForInput(ctx *Context, in *InputFile) map[int][]atomSpan {
	sections := in.Reader.RawSections()
	syms := in.Reader.RawSymbols()
	spans := make(map[int][]atomSpan, len(sections))

	// Group every atom-starting symbol by the section it lives in.
	bySection := make(map[int][]int64)
	for i, sym := range syms {
		if sym == nil || sym.IsUndefined() || sym.IsAbsolute() || sym.IsTentative() {
			continue
		}
		if sym.Name == "" {
			continue // STT_SECTION-equivalent; never starts its own atom
		}
		sec := int(sym.SectionIndex)
		if sec < 0 || sec >= len(sections) {
			continue
		}
		bySection[sec] = append(bySection[sec], int64(i))
	}

	for secIdx, rsec := range sections {
		if rsec.Zerofill && rsec.Size == 0 {
			continue
		}

		osecIdx := ctx.GetOutputSection(rsec.SegmentName, rsec.Name, rsec.Type, rsec.Flags)
		osec := ctx.OutputSections[osecIdx]

		symIdxs := bySection[secIdx]
		sort.Slice(symIdxs, func(a, b int) bool {
			return syms[symIdxs[a]].Value < syms[symIdxs[b]].Value
		})

		var atomStarts []int64
		if in.Reader.SubsectionsViaSymbols() && len(symIdxs) > 0 {
			atomStarts = symIdxs
		}

		appendAtom := func(idx AtomIndex) {
			osec.LastAtom = ctx.Atoms.AppendToSection(osec.LastAtom, idx)
			if osec.FirstAtom == NullAtom {
				osec.FirstAtom = idx
			}
		}

		if len(atomStarts) == 0 {
			idx := allocAtomForRange(ctx, in, rsec, 0, rsec.Size, NullSymbolRef)
			ctx.Atoms.Get(idx).OutputSection = osecIdx
			addInnerSymbols(ctx, in, idx, symIdxs, syms, 0, rsec.Size)
			in.AtomBySection[secIdx] = idx
			for _, si := range symIdxs {
				in.SymbolAtom[si] = idx
			}
			appendAtom(idx)
			spans[secIdx] = []atomSpan{{0, rsec.Size, idx}}
			continue
		}

		var secSpans []atomSpan
		for k, si := range atomStarts {
			start := syms[si].Value
			var end uint64
			if k+1 < len(atomStarts) {
				end = syms[atomStarts[k+1]].Value
			} else {
				end = rsec.Size
			}
			primary := SymbolRef{Input: in, Index: int32(si)}
			idx := allocAtomForRange(ctx, in, rsec, start, end-start, primary)
			ctx.Atoms.Get(idx).OutputSection = osecIdx
			in.SymbolAtom[si] = idx
			if k == 0 {
				in.AtomBySection[secIdx] = idx
			}
			appendAtom(idx)
			secSpans = append(secSpans, atomSpan{start, end, idx})
		}
		spans[secIdx] = secSpans
	}
	return spans
}

func allocAtomForRange(ctx *Context, in *InputFile, rsec RawSection, start, size uint64, primary SymbolRef) AtomIndex {
	var payload []byte
	if !rsec.Zerofill && rsec.Contents != nil {
		end := start + size
		if end > uint64(len(rsec.Contents)) {
			end = uint64(len(rsec.Contents))
		}
		if start < end {
			payload = rsec.Contents[start:end]
		}
	}
	return ctx.Atoms.Alloc(Atom{
		Owner:         in,
		Primary:       primary,
		Size:          size,
		AlignLog2:     rsec.AlignLog2,
		Payload:       payload,
		OutputSection: -1,
		Alive:         true,
	})
}

// addInnerSymbols records every non-primary symbol living inside a
// non-subdivided atom as an InnerSymbol — the fallback for sections that
// don't opt into subsections-via-symbols.
func addInnerSymbols(ctx *Context, in *InputFile, idx AtomIndex, symIdxs []int64, syms []*Symbol, start, end uint64) {
	a := ctx.Atoms.Get(idx)
	for _, si := range symIdxs {
		sym := syms[si]
		if sym.Value < start || sym.Value >= end {
			continue
		}
		off := sym.Value - start
		a.Inner = append(a.Inner, InnerSymbol{
			Ref:    SymbolRef{Input: in, Index: int32(si)},
			Offset: uint32(off),
		})
		in.SymbolOffset[si] = off
	}
}

// translateRelocsForInput rewrites each raw relocation's symbol index into
// a SymbolRef pointing at the atom that will actually carry the definition:
// the defining object's own slot for a local symbol, or the resolver's
// chosen winner (ctx.Globals[...].Ref) for a global one.
func translateRelocsForInput(ctx *Context, in *InputFile, spans map[int][]atomSpan) error {
	sections := in.Reader.RawSections()
	syms := in.Reader.RawSymbols()
	firstGlobal := in.Reader.FirstGlobal()

	for secIdx := range sections {
		secSpans := spans[secIdx]
		if len(secSpans) == 0 {
			continue
		}

		for _, rr := range in.Reader.RawRelocs(secIdx) {
			target, err := resolveRelocTarget(ctx, in, syms, firstGlobal, rr.SymIdx, secIdx)
			if err != nil {
				return err
			}

			span := spanForOffset(secSpans, rr.Offset)
			a := ctx.Atoms.Get(span.atom)
			a.Relocs = append(a.Relocs, Relocation{
				Offset: rr.Offset - span.start,
				Target: target,
				Type:   int32(rr.Type),
				Addend: rr.Addend,
			})
		}
	}
	return nil
}

// spanForOffset returns the span containing byte offset off, defaulting to
// the last span if off falls past every recorded end (shouldn't happen for
// a well-formed object, but stays safe rather than panicking).
func spanForOffset(spans []atomSpan, off uint64) atomSpan {
	for _, s := range spans {
		if off >= s.start && off < s.end {
			return s
		}
	}
	return spans[len(spans)-1]
}

func resolveRelocTarget(ctx *Context, in *InputFile, syms []*Symbol, firstGlobal int, symIdx int64, secIdx int) (SymbolRef, error) {
	if symIdx < 0 || int(symIdx) >= len(syms) || syms[symIdx] == nil {
		return NullSymbolRef, nil
	}
	sym := syms[symIdx]

	if sym.Name == "" {
		// Section-relative reference (ELF STT_SECTION-equivalent): point at
		// whichever atom currently owns the section's first byte.
		return SymbolRef{Input: in, Index: int32(symIdx)}, nil
	}

	if int(symIdx) < firstGlobal {
		return SymbolRef{Input: in, Index: int32(symIdx)}, nil
	}

	gidx, ok := in.globalIdxBySymIdx[symIdx]
	if !ok {
		return SymbolRef{Input: in, Index: int32(symIdx)}, nil
	}
	g := ctx.Globals[gidx]
	if g.Sym != nil && g.Sym.IsUndefined() && g.DylibOrdinal == 0 && !g.FlatNamespace {
		return NullSymbolRef, &UndefinedSymbolError{Symbol: g.Name, Referrer: in.File.Name}
	}
	return g.Ref, nil
}
