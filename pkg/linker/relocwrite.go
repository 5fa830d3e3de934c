package linker

// WriteRelocations runs the relocation-writing stage: it first runs the
// x86-64 GOT-indirection peephole over every relocation still eligible for
// it, then allocates the final output buffer, copies every alive atom's
// payload into place, and patches each atom's relocations in, dispatching
// the actual bit-twiddling to applyRelocX86_64/applyRelocARM64.
func WriteRelocations(ctx *Context) error {
	relaxRelocsX86_64(ctx)

	size := outputImageSize(ctx)
	ctx.Buf = make([]byte, size)

	for _, osec := range ctx.OutputSections {
		if isZerofillSection(osec) {
			continue
		}
		var relocErr error
		ctx.Atoms.Walk(osec.FirstAtom, func(_ AtomIndex, a *Atom) {
			if relocErr != nil || !a.Alive {
				return
			}
			if err := writeAtom(ctx, a); err != nil {
				relocErr = err
			}
		})
		if relocErr != nil {
			return relocErr
		}
	}
	return nil
}

func outputImageSize(ctx *Context) uint64 {
	var max uint64
	for _, seg := range ctx.Segments {
		end := seg.FileOffset + seg.FileSize
		if end > max {
			max = end
		}
	}
	for _, osec := range ctx.OutputSections {
		if isZerofillSection(osec) {
			continue
		}
		end := osec.FileOffset + osec.Size
		if end > max {
			max = end
		}
	}
	return max
}

func writeAtom(ctx *Context, a *Atom) error {
	if a.Size == 0 {
		return nil
	}
	dst := ctx.Buf[a.Offset : a.Offset+a.Size]
	copy(dst, a.Payload)

	for i := range a.Relocs {
		r := &a.Relocs[i]
		if err := applyOneReloc(ctx, dst, a, r); err != nil {
			return err
		}
	}
	return nil
}

func applyOneReloc(ctx *Context, dst []byte, a *Atom, r *Relocation) error {
	off := int(r.Offset)
	if off < 0 || off > len(dst) {
		return ErrRelocationOutOfRange
	}

	P := a.Addr + r.Offset
	S, A := uint64(0), r.Addend

	target := r.Target
	if r.ThunkAtom != NullAtom {
		target = NullSymbolRef
		S = ctx.Atoms.Get(r.ThunkAtom).Addr
	} else if g := globalFor(ctx, target); g != nil {
		if g.Atom != NullAtom {
			S = ctx.Atoms.Get(g.Atom).Addr
		}
	} else if addr, ok := localAtomAddr(ctx, target); ok {
		S = addr
	}

	var G, GOT uint64
	if g := globalFor(ctx, r.Target); g != nil && g.Atom != NullAtom {
		gotAtom := ctx.Atoms.Get(g.Atom)
		if gotAtom.Kind == SynthGOTEntry || gotAtom.Kind == SynthTLVPointer {
			G = gotAtom.Addr
		}
	}

	switch ctx.Opt.Target.CPUArch {
	case ArchX86_64:
		return applyRelocX86_64(dst, off, r, P, S, uint64(A), G, GOT)
	case ArchAArch64:
		return applyRelocARM64(dst, off, r, P, S, uint64(A), G, GOT)
	default:
		return ErrUnsupportedCPUArch
	}
}
