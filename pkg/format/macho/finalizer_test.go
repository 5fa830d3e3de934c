package macho

import (
	"testing"

	"github.com/nullsector/zld/pkg/linker"
)

// buildLazyBindingCtx assembles the synthetic atoms a stub call to an
// imported function leaves behind right after S4 (CreateSyntheticAtoms):
// one __stubs entry, its __la_symbol_ptr lazy pointer, and the shared
// __stub_helper preamble, all bound against dylib ordinal 1. This
// hand-builds exactly what synthetic.go's stubAtom would have produced,
// skipping S1-S4's object parsing/resolution/scan machinery, to isolate
// the __LINKEDIT stream construction this file is responsible for.
func buildLazyBindingCtx(t *testing.T) (*linker.Context, *linker.Global) {
	t.Helper()

	opt := linker.NewOptions()
	opt.Target.CPUArch = linker.ArchX86_64
	ctx := linker.NewContext(opt, linker.FormatMachO)

	g := ctx.GetGlobal("_printf")
	g.DylibOrdinal = 1
	g.Ref = linker.SymbolRef{Input: ctx.InternalFile}

	textSegIdx := ctx.GetOutputSection("__TEXT", "__text", 0, 0)
	dataSegIdx := ctx.GetOutputSection("__DATA", "__la_symbol_ptr", 0, 0)
	helperSegIdx := ctx.GetOutputSection("__TEXT", "__stub_helper", 0, 0)
	stubSegIdx := ctx.GetOutputSection("__TEXT", "__stubs", 0, 0)

	alloc := func(osecIdx int, size uint64, kind linker.SyntheticKind, addr uint64) linker.AtomIndex {
		osec := ctx.OutputSections[osecIdx]
		idx := ctx.Atoms.Alloc(linker.Atom{
			Primary:       g.Ref,
			Size:          size,
			Addr:          addr,
			Alive:         true,
			Kind:          kind,
			OutputSection: osecIdx,
		})
		osec.LastAtom = ctx.Atoms.AppendToSection(osec.LastAtom, idx)
		if osec.FirstAtom == linker.NullAtom {
			osec.FirstAtom = idx
		}
		return idx
	}

	// Put the lazy pointer in a __DATA range that does not overlap
	// __TEXT's widened range below, so segmentFor resolves it to segment 1.
	const pageSize = 0x1000
	lazyPtrAddr := uint64(4 * pageSize)
	alloc(dataSegIdx, 8, linker.SynthLazyPointer, lazyPtrAddr)
	alloc(helperSegIdx, 10, linker.SynthStubHelper, 2*pageSize)
	stubIdx := alloc(stubSegIdx, 16, linker.SynthStub, 3*pageSize)

	ctx.Segments = []*linker.Segment{
		{Name: "__TEXT", VMAddr: 0, VMSize: pageSize, SectionIndexes: []int{textSegIdx, helperSegIdx, stubSegIdx}},
		{Name: "__DATA", VMAddr: 4 * pageSize, VMSize: pageSize, SectionIndexes: []int{dataSegIdx}},
	}
	// Widen __TEXT's VM range far enough to also cover the helper/stub
	// atoms placed at 2*pageSize/3*pageSize above; segmentFor only checks
	// containment, not section-level tightness.
	ctx.Segments[0].VMSize = 4 * pageSize

	if ctx.Atoms.Get(stubIdx).Size != 16 {
		t.Fatalf("stub atom size = %d, want 16", ctx.Atoms.Get(stubIdx).Size)
	}

	return ctx, g
}

func TestCollectStubAtomsFindsOneLazyBindEntry(t *testing.T) {
	ctx, g := buildLazyBindingCtx(t)

	entries := collectStubAtoms(ctx)
	if len(entries) != 1 {
		t.Fatalf("collectStubAtoms returned %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.name != g.Name || e.ordinal != g.DylibOrdinal {
		t.Fatalf("entry = %+v, want name=%q ordinal=%d", e, g.Name, g.DylibOrdinal)
	}
	if e.segIndex != 1 {
		t.Fatalf("entry segIndex = %d, want 1 (__DATA, where the lazy pointer lives)", e.segIndex)
	}
}

func TestBuildLazyBindStreamEncodesOneEntry(t *testing.T) {
	ctx, _ := buildLazyBindingCtx(t)
	entries := collectStubAtoms(ctx)

	stream, offsets := buildLazyBindStream(entries)
	if len(offsets) != 1 || offsets[0] != 0 {
		t.Fatalf("offsets = %v, want a single entry starting at 0", offsets)
	}

	e := entries[0]
	want := []byte{BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | byte(e.segIndex)}
	want = appendULEB128(want, e.offset)
	want = append(want, BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM)
	want = append(want, []byte(e.name)...)
	want = append(want, 0, BIND_OPCODE_DO_BIND, BIND_OPCODE_DONE)

	if string(stream) != string(want) {
		t.Fatalf("lazy bind stream = %x, want %x", stream, want)
	}
}

func TestAssignSectionOrdinalsIsOneBasedAndSequential(t *testing.T) {
	ctx, _ := buildLazyBindingCtx(t)
	ord := assignSectionOrdinals(ctx)

	seen := make(map[int]bool)
	for _, n := range ord {
		if n < 1 {
			t.Fatalf("section ordinal %d is not 1-based", n)
		}
		if seen[n] {
			t.Fatalf("section ordinal %d assigned twice", n)
		}
		seen[n] = true
	}
}
