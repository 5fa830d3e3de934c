package elf

import (
	stdelf "debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/nullsector/zld/pkg/linker"
)

// buildHelloWorldCtx assembles the minimal Context a hello-world static exe
// link would leave behind right before S7: one RX segment carrying a
// `.text` section with a single atom, its Global bound to `_start`. This
// bypasses S1-S3 (object parsing/atom building) deliberately — those are
// covered by pkg/linker's own tests — to isolate the ELF header/program
// header/section header emission this package is actually responsible for.
func buildHelloWorldCtx(t *testing.T) *linker.Context {
	t.Helper()

	opt := linker.NewOptions()
	opt.Target.CPUArch = linker.ArchX86_64
	ctx := linker.NewContext(opt, linker.FormatELF)

	osecIdx := ctx.GetOutputSection("", ".text", SHT_PROGBITS, SHF_ALLOC|SHF_EXECINSTR)
	osec := ctx.OutputSections[osecIdx]

	// xor edi, edi ; mov eax, 60 ; syscall -- a real exit(0), so the test
	// reads like a plausible hello-world tail rather than arbitrary bytes.
	payload := []byte{0x31, 0xff, 0xb8, 0x3c, 0x00, 0x00, 0x00, 0x0f, 0x05}
	atomIdx := ctx.Atoms.Alloc(linker.Atom{
		Size:          uint64(len(payload)),
		Payload:       payload,
		Alive:         true,
		OutputSection: osecIdx,
	})
	osec.FirstAtom = ctx.Atoms.AppendToSection(linker.NullAtom, atomIdx)
	osec.LastAtom = osec.FirstAtom

	g := ctx.GetGlobal("_start")
	g.Atom = atomIdx

	ctx.Segments = []*linker.Segment{
		{Name: "LOAD_RX", Protection: linker.ProtRead | linker.ProtExecute, SectionIndexes: []int{osecIdx}},
	}

	return ctx
}

// runLayoutAndWrite runs just the address-assignment/relocation-writing
// portion of S5/S6 that Finalize would otherwise chain internally, so the
// fixture above ends up with real Addr/Offset/Buf values before the ELF
// emission functions under test run.
func runLayoutAndWrite(t *testing.T, ctx *linker.Context) {
	t.Helper()
	if err := linker.Layout(ctx); err != nil {
		t.Fatalf("Layout failed: %v", err)
	}
	if err := linker.WriteRelocations(ctx); err != nil {
		t.Fatalf("WriteRelocations failed: %v", err)
	}
}

func TestELFFinalizeEmitsValidExeImage(t *testing.T) {
	ctx := buildHelloWorldCtx(t)
	runLayoutAndWrite(t, ctx)

	entry, err := resolveEntry(ctx)
	if err != nil {
		t.Fatalf("resolveEntry failed: %v", err)
	}

	ehdrSize := uint64(64)
	phdrSize := uint64(56)
	numPhdrs := uint64(len(ctx.Segments))
	phOff := ehdrSize
	headerEnd := phOff + phdrSize*numPhdrs

	buf := ctx.Buf
	if uint64(len(buf)) < headerEnd {
		grown := make([]byte, headerEnd)
		copy(grown, buf)
		buf = grown
	}
	ctx.Buf = buf

	writeEhdr(ctx, entry, phOff, numPhdrs)
	writePhdrs(ctx, phOff)
	shdrs, shstrtab := buildShdrs(ctx)
	shOff := alignUp(uint64(len(ctx.Buf)), 8)
	writeShdrs(ctx, shdrs, shstrtab, shOff)
	patchEhdrShdrFields(ctx, shOff, uint16(len(shdrs)))

	path := filepath.Join(t.TempDir(), "hello")
	if err := os.WriteFile(path, ctx.Buf, 0755); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	f, err := stdelf.Open(path)
	if err != nil {
		t.Fatalf("debug/elf could not parse the generated image: %v", err)
	}
	defer f.Close()

	if f.Type != stdelf.ET_EXEC {
		t.Fatalf("ELF type = %v, want ET_EXEC", f.Type)
	}
	if f.Machine != stdelf.EM_X86_64 {
		t.Fatalf("ELF machine = %v, want EM_X86_64", f.Machine)
	}
	if f.Entry != entry {
		t.Fatalf("ELF entry = %#x, want %#x (_start's final VA)", f.Entry, entry)
	}

	var loads int
	for _, p := range f.Progs {
		if p.Type == stdelf.PT_LOAD {
			loads++
			if p.Vaddr%PageSize != 0 {
				t.Errorf("PT_LOAD vaddr %#x not page-aligned", p.Vaddr)
			}
		}
	}
	if loads != 1 {
		t.Fatalf("PT_LOAD count = %d, want 1 (single RX segment)", loads)
	}

	text := f.Section(".text")
	if text == nil {
		t.Fatal(".text section missing from generated image")
	}
	if text.Addr != entry {
		t.Fatalf(".text addr = %#x, want %#x (its atom is _start)", text.Addr, entry)
	}
}

func TestELFResolveEntryMissingIsError(t *testing.T) {
	ctx := buildHelloWorldCtx(t)
	ctx.Opt.Entry = "does_not_exist"

	if _, err := resolveEntry(ctx); err == nil {
		t.Fatal("expected an error for a missing entry symbol")
	}
}
