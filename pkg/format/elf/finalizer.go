package elf

import (
	"fmt"

	"github.com/nullsector/zld/pkg/linker"
	"github.com/nullsector/zld/pkg/utils"
)

// Finalize runs the ELF-specific final stage: it runs the shared
// resolve/layout/relocation pipeline, then allocates room for the ELF
// header/program headers/section headers ahead of the atom content and
// writes them in one pass over the format-neutral Segment/OutputSection
// tables.
func Finalize(ctx *linker.Context) ([]byte, error) {
	if err := linker.ResolveSymbols(ctx, New()); err != nil {
		return nil, err
	}
	if err := linker.BuildAtoms(ctx); err != nil {
		return nil, err
	}
	if err := linker.CreateSyntheticAtoms(ctx); err != nil {
		return nil, err
	}
	if err := linker.Layout(ctx); err != nil {
		return nil, err
	}
	if err := linker.WriteRelocations(ctx); err != nil {
		return nil, err
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
	// The header occupies the first headerEnd bytes of the file; layout.go
	// starts ELF file offsets one page in, so no section content lies in
	// this space.
	ctx.Buf = buf

	entry, err := resolveEntry(ctx)
	if err != nil {
		return nil, err
	}

	writeEhdr(ctx, entry, phOff, numPhdrs)
	writePhdrs(ctx, phOff)
	shdrs, shstrtab := buildShdrs(ctx)
	shOff := alignUp(uint64(len(ctx.Buf)), 8)
	writeShdrs(ctx, shdrs, shstrtab, shOff)

	patchEhdrShdrFields(ctx, shOff, uint16(len(shdrs)))

	return ctx.Buf, nil
}

func alignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

func resolveEntry(ctx *linker.Context) (uint64, error) {
	name := ctx.Opt.Entry
	if name == "" {
		name = "_start"
	}
	idx, ok := ctx.GlobalIndex[name]
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, linker.ErrMissingMainEntrypoint)
	}
	g := ctx.Globals[idx]
	if g.Atom == 0 {
		return 0, fmt.Errorf("%s: %w", name, linker.ErrMissingMainEntrypoint)
	}
	return ctx.Atoms.Get(g.Atom).Addr, nil
}

func writeEhdr(ctx *linker.Context, entry, phOff, numPhdrs uint64) {
	var e Ehdr
	e.Ident[0], e.Ident[1], e.Ident[2], e.Ident[3] = 0x7f, 'E', 'L', 'F'
	e.Ident[4] = ELFCLASS64
	e.Ident[5] = ELFDATA2LSB
	e.Ident[6] = 1 // EV_CURRENT

	e.Type = ET_EXEC
	switch ctx.Opt.Target.CPUArch {
	case linker.ArchX86_64:
		e.Machine = EM_X86_64
	case linker.ArchAArch64:
		e.Machine = EM_AARCH64
	}
	e.Version = 1
	e.Entry = entry
	e.PhOff = phOff
	e.EhSize = 64
	e.PhEntSize = 56
	e.PhNum = uint16(numPhdrs)
	e.ShEntSize = 64

	utils.Write[Ehdr](ctx.Buf, e)
}

func writePhdrs(ctx *linker.Context, phOff uint64) {
	for i, seg := range ctx.Segments {
		var flags uint32
		if seg.Protection&linker.ProtRead != 0 {
			flags |= PF_R
		}
		if seg.Protection&linker.ProtWrite != 0 {
			flags |= PF_W
		}
		if seg.Protection&linker.ProtExecute != 0 {
			flags |= PF_X
		}
		p := Phdr{
			Type:     PT_LOAD,
			Flags:    flags,
			Offset:   seg.FileOffset,
			VAddr:    seg.VMAddr,
			PAddr:    seg.VMAddr,
			FileSize: seg.FileSize,
			MemSize:  seg.VMSize,
			Align:    PageSize,
		}
		off := phOff + uint64(i)*56
		utils.Write[Phdr](ctx.Buf[off:], p)
	}
}

func buildShdrs(ctx *linker.Context) ([]Shdr, []byte) {
	shstrtab := []byte{0}
	intern := func(s string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, []byte(s)...)
		shstrtab = append(shstrtab, 0)
		return off
	}

	shdrs := []Shdr{{}} // SHN_UNDEF
	for _, osec := range ctx.OutputSections {
		shdrs = append(shdrs, Shdr{
			Name:      intern(osec.Name),
			Type:      osec.Type,
			Flags:     osec.Flags,
			Addr:      osec.Addr,
			Offset:    osec.FileOffset,
			Size:      osec.Size,
			AddrAlign: uint64(1) << osec.AlignLog2,
		})
	}
	shdrs = append(shdrs, Shdr{Name: intern(".shstrtab"), Type: SHT_STRTAB, AddrAlign: 1})
	return shdrs, shstrtab
}

func writeShdrs(ctx *linker.Context, shdrs []Shdr, shstrtab []byte, shOff uint64) {
	strtabOff := shOff + uint64(len(shdrs))*64
	shdrs[len(shdrs)-1].Offset = strtabOff
	shdrs[len(shdrs)-1].Size = uint64(len(shstrtab))

	total := strtabOff + uint64(len(shstrtab))
	if uint64(len(ctx.Buf)) < total {
		grown := make([]byte, total)
		copy(grown, ctx.Buf)
		ctx.Buf = grown
	}

	for i, s := range shdrs {
		utils.Write[Shdr](ctx.Buf[shOff+uint64(i)*64:], s)
	}
	copy(ctx.Buf[strtabOff:], shstrtab)
}

func patchEhdrShdrFields(ctx *linker.Context, shOff uint64, shNum uint16) {
	var e Ehdr
	e = utils.Read[Ehdr](ctx.Buf)
	e.ShOff = shOff
	e.ShNum = shNum
	e.ShStrndx = shNum - 1
	utils.Write[Ehdr](ctx.Buf, e)
}
