package linker

import "testing"

// buildTestReader is a configurable ObjectReader fixture for exercising
// BuildAtoms directly, independent of any real object-file format.
type buildTestReader struct {
	sections  []RawSection
	syms      []*Symbol
	relocs    map[int][]RawReloc
	subsymbol bool
}

func (r *buildTestReader) Parse(ctx *Context) error       { return nil }
func (r *buildTestReader) RawSections() []RawSection      { return r.sections }
func (r *buildTestReader) RawSymbols() []*Symbol          { return r.syms }
func (r *buildTestReader) FirstGlobal() int               { return 0 }
func (r *buildTestReader) RawRelocs(secIdx int) []RawReloc { return r.relocs[secIdx] }
func (r *buildTestReader) SubsectionsViaSymbols() bool     { return r.subsymbol }

// TestBuildAtomsAssignsOutputSection guards against the OutputSection field
// silently staying at its -1 zero-ish default: every atom BuildAtoms creates
// for a real input section must be tagged with the OutputSection index its
// content actually landed in, since pkg/format/macho's symtab builder keys
// a section ordinal lookup off exactly this field.
func TestBuildAtomsAssignsOutputSection(t *testing.T) {
	ctx := newTestContext()

	reader := &buildTestReader{
		sections: []RawSection{{Name: ".text", Type: 1, Flags: 0x6, Size: 16, Contents: make([]byte, 16)}},
		syms:     []*Symbol{{Name: "_start", Value: 0, SectionIndex: 0}},
	}
	in := ctx.newInput(&File{Name: "main.o"}, InputObject, false)
	in.IsAlive = true
	in.Reader = reader
	ctx.Objs = append(ctx.Objs, in)

	if err := BuildAtoms(ctx); err != nil {
		t.Fatalf("BuildAtoms failed: %v", err)
	}

	idx, ok := in.AtomBySection[0]
	if !ok {
		t.Fatal("no atom recorded for section 0")
	}
	a := ctx.Atoms.Get(idx)
	if a.OutputSection < 0 {
		t.Fatalf("atom.OutputSection = %d, want a valid OutputSections index", a.OutputSection)
	}
	if ctx.OutputSections[a.OutputSection].Name != ".text" {
		t.Fatalf("atom's OutputSection points at %q, want .text", ctx.OutputSections[a.OutputSection].Name)
	}
}

// TestBuildAtomsSubsectionsViaSymbolsSplitsAtSymbols checks that a section
// opting into SubsectionsViaSymbols is cut into one atom per symbol rather
// than staying a single monolithic unit, and that every resulting atom
// carries the same OutputSection index.
func TestBuildAtomsSubsectionsViaSymbolsSplitsAtSymbols(t *testing.T) {
	ctx := newTestContext()

	reader := &buildTestReader{
		sections: []RawSection{{Name: ".text", Type: 1, Flags: 0x6, Size: 32, Contents: make([]byte, 32)}},
		syms: []*Symbol{
			{Name: "first", Value: 0, SectionIndex: 0},
			{Name: "second", Value: 16, SectionIndex: 0},
		},
		subsymbol: true,
	}
	in := ctx.newInput(&File{Name: "main.o"}, InputObject, false)
	in.IsAlive = true
	in.Reader = reader
	ctx.Objs = append(ctx.Objs, in)

	if err := BuildAtoms(ctx); err != nil {
		t.Fatalf("BuildAtoms failed: %v", err)
	}

	count := 0
	var lastOsec = -2
	osecIdx := in.AtomBySection[0]
	first := ctx.Atoms.Get(osecIdx).OutputSection
	ctx.Atoms.Walk(ctx.OutputSections[first].FirstAtom, func(_ AtomIndex, a *Atom) {
		count++
		lastOsec = a.OutputSection
	})
	if count != 2 {
		t.Fatalf("walked %d atoms, want 2 (one per symbol)", count)
	}
	if lastOsec != first {
		t.Fatalf("last atom's OutputSection = %d, want %d (same section throughout)", lastOsec, first)
	}
}

func TestBuildAtomsTranslatesRelocationTarget(t *testing.T) {
	ctx := newTestContext()

	reader := &buildTestReader{
		sections: []RawSection{
			{Name: ".text", Type: 1, Flags: 0x6, Size: 8, Contents: make([]byte, 8)},
		},
		syms: []*Symbol{
			{Name: "_start", Value: 0, SectionIndex: 0},
			{Name: "callee", Value: 0, Flags: SymUndefined},
		},
		relocs: map[int][]RawReloc{
			0: {{Offset: 4, Type: 2 /* R_X86_64_PC32 */, SymIdx: 1, Addend: -4}},
		},
	}
	in := ctx.newInput(&File{Name: "main.o"}, InputObject, false)
	in.IsAlive = true
	in.Reader = reader
	ctx.Objs = append(ctx.Objs, in)
	mergeObjectGlobals(ctx, in)

	// callee is left undefined but allowed (FlatNamespace) so relocation
	// translation doesn't bail out with an UndefinedSymbolError.
	ctx.GetGlobal("callee").FlatNamespace = true

	if err := BuildAtoms(ctx); err != nil {
		t.Fatalf("BuildAtoms failed: %v", err)
	}

	idx := in.AtomBySection[0]
	a := ctx.Atoms.Get(idx)
	if len(a.Relocs) != 1 {
		t.Fatalf("atom carries %d relocations, want 1", len(a.Relocs))
	}
	r := a.Relocs[0]
	if r.Offset != 4 || r.Type != 2 || r.Addend != -4 {
		t.Fatalf("translated relocation = %+v, want offset=4 type=2 addend=-4", r)
	}
	if r.Target.Input != in || r.Target.Index != 1 {
		t.Fatalf("relocation target = %+v, want {in, 1}", r.Target)
	}
}
