package wasm

import (
	"testing"

	"github.com/nullsector/zld/pkg/linker"
)

// buildDataSectionCtx builds a minimal Context carrying a "data" output
// section with three atoms, one of them dead, to exercise the data-count
// and data-segment emission this file is responsible for without running
// the full S1-S5 pipeline (object parsing never matters to these
// functions; they only read OutputSections/Atoms).
func buildDataSectionCtx(t *testing.T) (*linker.Context, *linker.OutputSection) {
	t.Helper()

	ctx := linker.NewContext(linker.NewOptions(), linker.FormatWasm)
	osecIdx := ctx.GetOutputSection("", "data", 0, 0)
	osec := ctx.OutputSections[osecIdx]

	mk := func(payload []byte, addr uint64, alive bool) linker.AtomIndex {
		idx := ctx.Atoms.Alloc(linker.Atom{
			Size:          uint64(len(payload)),
			Payload:       payload,
			Addr:          addr,
			Alive:         alive,
			OutputSection: osecIdx,
		})
		osec.LastAtom = ctx.Atoms.AppendToSection(osec.LastAtom, idx)
		if osec.FirstAtom == linker.NullAtom {
			osec.FirstAtom = idx
		}
		return idx
	}

	mk([]byte{1, 2, 3}, 0, true)
	mk([]byte{4, 5}, 16, false) // superseded by COMDAT/weak resolution, never emitted
	mk([]byte{6}, 32, true)

	return ctx, osec
}

func TestEncodeDataCountCountsOnlyAliveAtoms(t *testing.T) {
	ctx, osec := buildDataSectionCtx(t)

	got := encodeDataCount(ctx, osec)
	want := appendULEB128(nil, 2)
	if string(got) != string(want) {
		t.Fatalf("encodeDataCount = %x, want %x (2 alive atoms)", got, want)
	}
}

func TestEncodeDataCountNilSectionIsOmitted(t *testing.T) {
	ctx := linker.NewContext(linker.NewOptions(), linker.FormatWasm)
	if got := encodeDataCount(ctx, nil); got != nil {
		t.Fatalf("encodeDataCount(nil section) = %x, want nil so the section is omitted entirely", got)
	}
}

func TestEncodeDataCountAllAtomsDeadIsOmitted(t *testing.T) {
	ctx := linker.NewContext(linker.NewOptions(), linker.FormatWasm)
	osecIdx := ctx.GetOutputSection("", "data", 0, 0)
	osec := ctx.OutputSections[osecIdx]
	idx := ctx.Atoms.Alloc(linker.Atom{Size: 1, Payload: []byte{0}, Alive: false, OutputSection: osecIdx})
	osec.FirstAtom = ctx.Atoms.AppendToSection(linker.NullAtom, idx)

	if got := encodeDataCount(ctx, osec); got != nil {
		t.Fatalf("encodeDataCount = %x, want nil when every atom in the section died", got)
	}
}

func TestEncodeDataSectionPlacesSegmentsAtMemBasePlusAtomAddr(t *testing.T) {
	ctx, osec := buildDataSectionCtx(t)
	const memBase = 1024

	got := encodeDataSection(ctx, osec, memBase)

	var want []byte
	want = appendULEB128(want, 2) // two alive segments
	seg1 := []byte{0, 0x41}
	seg1 = appendSLEB128(seg1, memBase+0)
	seg1 = append(seg1, 0x0b)
	seg1 = appendULEB128(seg1, 3)
	seg1 = append(seg1, 1, 2, 3)
	seg2 := []byte{0, 0x41}
	seg2 = appendSLEB128(seg2, memBase+32)
	seg2 = append(seg2, 0x0b)
	seg2 = appendULEB128(seg2, 1)
	seg2 = append(seg2, 6)
	want = append(want, seg1...)
	want = append(want, seg2...)

	if string(got) != string(want) {
		t.Fatalf("encodeDataSection = %x, want %x", got, want)
	}
}

func TestNumberFunctionsSkipsDeadAtomsAndStartsAfterImports(t *testing.T) {
	ctx := linker.NewContext(linker.NewOptions(), linker.FormatWasm)
	osecIdx := ctx.GetOutputSection("", "code", 0, 0)
	osec := ctx.OutputSections[osecIdx]

	alive1 := ctx.Atoms.Alloc(linker.Atom{Alive: true, OutputSection: osecIdx})
	dead := ctx.Atoms.Alloc(linker.Atom{Alive: false, OutputSection: osecIdx})
	alive2 := ctx.Atoms.Alloc(linker.Atom{Alive: true, OutputSection: osecIdx})
	osec.FirstAtom = ctx.Atoms.AppendToSection(linker.NullAtom, alive1)
	osec.LastAtom = ctx.Atoms.AppendToSection(osec.FirstAtom, dead)
	osec.LastAtom = ctx.Atoms.AppendToSection(osec.LastAtom, alive2)

	const importBase = 3
	idx := numberFunctions(ctx, osec, importBase)

	if len(idx) != 2 {
		t.Fatalf("numberFunctions assigned %d indices, want 2 (dead atom excluded)", len(idx))
	}
	if idx[alive1] != importBase {
		t.Fatalf("first alive atom's index = %d, want %d (the import-space base)", idx[alive1], importBase)
	}
	if idx[alive2] != importBase+1 {
		t.Fatalf("second alive atom's index = %d, want %d", idx[alive2], importBase+1)
	}
	if _, ok := idx[dead]; ok {
		t.Fatal("dead atom must not receive a function index")
	}
}
