package linker

import (
	"fmt"
	"testing"

	"github.com/nullsector/zld/pkg/archive"
)

// fakeReader is a minimal ObjectReader fixture: just a symbol table, no
// sections or relocations, enough to drive mergeObjectGlobals/resolution
// without a real ELF/Mach-O/Wasm object file on disk.
type fakeReader struct {
	syms []*Symbol
}

func (r *fakeReader) Parse(ctx *Context) error           { return nil }
func (r *fakeReader) RawSections() []RawSection          { return nil }
func (r *fakeReader) RawSymbols() []*Symbol               { return r.syms }
func (r *fakeReader) FirstGlobal() int                    { return 0 }
func (r *fakeReader) RawRelocs(secIdx int) []RawReloc     { return nil }
func (r *fakeReader) SubsectionsViaSymbols() bool          { return false }

// fakeBackend hands out a fakeReader per input name from a fixture table
// built by the test, so pullArchiveMember's NewObjectReader call fails
// loudly if the resolver ever reaches for a member it had no need to pull.
type fakeBackend struct {
	bySymbol map[string][]*Symbol
}

func (b *fakeBackend) Format() Format { return FormatELF }
func (b *fakeBackend) ProbeObject(contents []byte) bool { return true }
func (b *fakeBackend) ProbeDylib(contents []byte) bool  { return false }
func (b *fakeBackend) NewDylibDescriptor(f *File) (*DylibDescriptor, error) {
	return nil, ErrNotDylib
}
func (b *fakeBackend) MachineMatches(contents []byte, target Arch) bool { return true }
func (b *fakeBackend) Finalize(ctx *Context) ([]byte, error)            { return nil, nil }
func (b *fakeBackend) NewObjectReader(ctx *Context, f *File) (ObjectReader, error) {
	syms, ok := b.bySymbol[f.Name]
	if !ok {
		return nil, fmt.Errorf("fakeBackend: no fixture registered for %q", f.Name)
	}
	return &fakeReader{syms: syms}, nil
}

func newTestContext() *Context {
	return NewContext(NewOptions(), FormatELF)
}

func addObject(ctx *Context, name string, syms []*Symbol) *InputFile {
	in := ctx.newInput(&File{Name: name}, InputObject, false)
	in.Reader = &fakeReader{syms: syms}
	ctx.Objs = append(ctx.Objs, in)
	return in
}

func TestResolveStrongOverridesWeak(t *testing.T) {
	ctx := newTestContext()
	addObject(ctx, "weak.o", []*Symbol{{Name: "foo", Binding: BindWeak, Value: 1}})
	addObject(ctx, "strong.o", []*Symbol{{Name: "foo", Binding: BindGlobal, Value: 2}})

	for _, in := range ctx.Objs {
		mergeObjectGlobals(ctx, in)
	}

	g := ctx.GetGlobal("foo")
	if g.Sym.Binding != BindGlobal || g.Sym.Value != 2 {
		t.Fatalf("winner = %+v, want the strong definition", g.Sym)
	}
}

func TestResolveTwoStrongDefinitionsIsDuplicateError(t *testing.T) {
	ctx := newTestContext()
	addObject(ctx, "a.o", []*Symbol{{Name: "foo", Binding: BindGlobal}})
	addObject(ctx, "b.o", []*Symbol{{Name: "foo", Binding: BindGlobal}})

	for _, in := range ctx.Objs {
		mergeObjectGlobals(ctx, in)
	}

	if err := reportUndefined(ctx); err == nil {
		t.Fatal("expected a DuplicateSymbolError, got nil")
	} else if _, ok := err.(*DuplicateSymbolError); !ok {
		t.Fatalf("got %T, want *DuplicateSymbolError", err)
	}
}

func TestResolveTentativeKeepsLargerSize(t *testing.T) {
	ctx := newTestContext()
	addObject(ctx, "small.o", []*Symbol{{Name: "buf", Flags: SymTentative, Size: 4}})
	addObject(ctx, "big.o", []*Symbol{{Name: "buf", Flags: SymTentative, Size: 64}})

	for _, in := range ctx.Objs {
		mergeObjectGlobals(ctx, in)
	}

	g := ctx.GetGlobal("buf")
	if g.Sym.Size != 64 {
		t.Fatalf("winning tentative size = %d, want 64", g.Sym.Size)
	}
}

func TestResolveUndefinedYieldsError(t *testing.T) {
	ctx := newTestContext()
	addObject(ctx, "main.o", []*Symbol{{Name: "missing", Flags: SymUndefined}})

	for _, in := range ctx.Objs {
		mergeObjectGlobals(ctx, in)
	}

	err := reportUndefined(ctx)
	if err == nil {
		t.Fatal("expected an UndefinedSymbolError, got nil")
	}
	if _, ok := err.(*UndefinedSymbolError); !ok {
		t.Fatalf("got %T, want *UndefinedSymbolError", err)
	}
}

func TestResolveUndefinedWeakIsAllowed(t *testing.T) {
	ctx := newTestContext()
	addObject(ctx, "main.o", []*Symbol{{Name: "maybe", Flags: SymUndefined, Binding: BindWeak}})

	for _, in := range ctx.Objs {
		mergeObjectGlobals(ctx, in)
	}

	if err := reportUndefined(ctx); err != nil {
		t.Fatalf("weak undefined symbol should not fail resolution: %v", err)
	}
	if !ctx.GetGlobal("maybe").FlatNamespace {
		t.Fatal("weak undefined global should be marked FlatNamespace")
	}
}

// TestResolveArchivePullInIsMinimal builds an archive with one member that
// defines a needed symbol and one that does not, and asserts the resolver
// never touches the second: the fakeBackend has no fixture registered for
// it, so pulling it in would surface as a hard error rather than silently
// succeeding.
func TestResolveArchivePullInIsMinimal(t *testing.T) {
	ctx := newTestContext()
	addObject(ctx, "main.o", []*Symbol{{Name: "foo", Flags: SymUndefined}})

	usedMember := archive.Member{Name: "used.o", Offset: 100}
	unusedMember := archive.Member{Name: "unused.o", Offset: 200}
	ar := &archive.Archive{
		Members: []archive.Member{usedMember, unusedMember},
		TOC: map[string][]int{
			"foo": {usedMember.Offset},
			"bar": {unusedMember.Offset},
		},
	}
	idx := newArchiveIndex(&File{Name: "lib.a"}, ar)
	ctx.Archives = append(ctx.Archives, idx)

	backend := &fakeBackend{bySymbol: map[string][]*Symbol{
		"lib.a(used.o)": {{Name: "foo", Binding: BindGlobal}},
	}}

	for _, in := range ctx.Objs {
		mergeObjectGlobals(ctx, in)
	}
	if err := pullArchivesToFixedPoint(ctx, backend); err != nil {
		t.Fatalf("pullArchivesToFixedPoint failed: %v", err)
	}

	g := ctx.GetGlobal("foo")
	if g.Sym == nil || g.Sym.IsUndefined() {
		t.Fatal("foo should have been resolved by pulling in used.o")
	}
	if len(idx.parsed) != 1 {
		t.Fatalf("parsed %d archive members, want exactly 1 (minimal pull-in)", len(idx.parsed))
	}
	if _, ok := idx.parsed[unusedMember.Offset]; ok {
		t.Fatal("unused.o should never have been pulled in")
	}
}

func TestResolveDylibBindingClearsUndefined(t *testing.T) {
	ctx := newTestContext()
	addObject(ctx, "main.o", []*Symbol{{Name: "printf", Flags: SymUndefined}})
	ctx.Dylibs = append(ctx.Dylibs, &DylibDescriptor{
		InstallName: "/usr/lib/libSystem.B.dylib",
		Exports:     map[string]bool{"printf": true},
		Ordinal:     1,
	})

	for _, in := range ctx.Objs {
		mergeObjectGlobals(ctx, in)
	}
	bindAgainstDylibs(ctx)

	if err := reportUndefined(ctx); err != nil {
		t.Fatalf("dylib-bound symbol should not fail resolution: %v", err)
	}
	if ctx.GetGlobal("printf").DylibOrdinal != 1 {
		t.Fatal("printf should be bound to dylib ordinal 1")
	}
}
