package linker

import "testing"

func TestNeedsThunkARM64Boundaries(t *testing.T) {
	const hi = (1 << 27) - 1
	const lo = -(1 << 27)

	cases := []struct {
		name  string
		delta int64
		want  bool
	}{
		{"at positive limit", hi, false},
		{"just past positive limit", hi + 1, true},
		{"at negative limit", lo, false},
		{"just past negative limit", lo - 1, true},
		{"zero", 0, false},
	}
	for _, c := range cases {
		got := needsThunkARM64(0, uint64(int64(c.delta)))
		if got != c.want {
			t.Errorf("%s: needsThunkARM64(0, %d) = %v, want %v", c.name, c.delta, got, c.want)
		}
	}
}

func TestWriteBranchImm26RoundTrips(t *testing.T) {
	buf := make([]byte, 4) // BL opcode bits are irrelevant to the imm26 field test
	writeBranchImm26(buf, 0, 4*100)

	instr := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if instr&0x3ffffff != 100 {
		t.Fatalf("imm26 field = %d, want 100", instr&0x3ffffff)
	}
}

func TestApplyRelocARM64CALL26OutOfRange(t *testing.T) {
	buf := make([]byte, 4)
	// applyRelocARM64's CALL26/JUMP26 case reads the addend from r.Addend,
	// not the A parameter (the addend is resolved once during atom
	// decomposition rather than passed through the synthetic-atom machinery
	// the A/G/GOT parameters serve).
	r := &Relocation{Type: 0x1b /* R_AARCH64_CALL26 */, Addend: 1 << 31}
	err := applyRelocARM64(buf, 0, r, 0, 0, 0, 0, 0)
	if err != ErrRelocationOutOfRange {
		t.Fatalf("err = %v, want ErrRelocationOutOfRange", err)
	}
}

// TestInsertThunksToFixedPointSplicesThunk builds one output section with a
// caller atom whose CALL26 relocation targets a callee placed far enough
// away (> 128MiB) that the branch's 26-bit immediate can't reach it, and
// checks that layout's thunk-insertion pass gives the relocation a
// ThunkAtom and that a second pass is a no-op (the pass has reached a fixed
// point).
func TestInsertThunksToFixedPointSplicesThunk(t *testing.T) {
	ctx := newTestContext()
	ctx.Opt.Target.CPUArch = ArchAArch64

	calleeSym := &Symbol{Name: "callee", Binding: BindGlobal}
	in := addObject(ctx, "callee.o", []*Symbol{calleeSym})
	mergeObjectGlobals(ctx, in)
	g := ctx.GetGlobal("callee")

	osecIdx := ctx.GetOutputSection("", ".text", 1, 0x6)
	osec := ctx.OutputSections[osecIdx]

	calleeIdx := ctx.Atoms.Alloc(Atom{Size: 4, Alive: true, OutputSection: osecIdx})
	g.Atom = calleeIdx

	callerRelocs := []Relocation{{
		Offset: 0,
		Type:   0x1b, // R_AARCH64_CALL26
		Target: SymbolRef{Input: in, Index: 0},
	}}
	callerIdx := ctx.Atoms.Alloc(Atom{
		Size:          1 << 27, // 128MiB: pushes callee's post-layout address out of range
		Alive:         true,
		OutputSection: osecIdx,
		Relocs:        callerRelocs,
	})

	osec.FirstAtom = ctx.Atoms.AppendToSection(NullAtom, callerIdx)
	osec.LastAtom = ctx.Atoms.AppendToSection(osec.FirstAtom, calleeIdx)

	ctx.Segments = []*Segment{{Name: "LOAD_RX", SectionIndexes: []int{osecIdx}}}
	assignAddresses(ctx)

	if err := insertThunksToFixedPoint(ctx); err != nil {
		t.Fatalf("insertThunksToFixedPoint failed: %v", err)
	}

	caller := ctx.Atoms.Get(callerIdx)
	if caller.Relocs[0].ThunkAtom == NullAtom {
		t.Fatal("expected a thunk atom to be spliced in for the out-of-range branch")
	}

	thunk := ctx.Atoms.Get(caller.Relocs[0].ThunkAtom)
	if thunk.Kind != SynthThunk || !thunk.Alive || thunk.Size != 16 {
		t.Fatalf("thunk atom = %+v, want an alive 16-byte SynthThunk", thunk)
	}

	// Second pass must be a no-op: the relocation already carries a
	// ThunkAtom, so isBranch26's fixed-point check should skip it.
	before := caller.Relocs[0].ThunkAtom
	if err := insertThunksToFixedPoint(ctx); err != nil {
		t.Fatalf("second insertThunksToFixedPoint pass failed: %v", err)
	}
	if caller.Relocs[0].ThunkAtom != before {
		t.Fatal("second thunk-insertion pass should not replace the existing thunk")
	}
}
