package elf

import (
	"fmt"

	"github.com/nullsector/zld/pkg/linker"
	"github.com/nullsector/zld/pkg/utils"
)

// Reader parses one ELF64 relocatable object, implementing
// linker.ObjectReader. It never splits a section at symbol boundaries
// (SubsectionsViaSymbols reports false): GNU/LLVM toolchains instead emit
// one section per function/variable already when function-sections/
// data-sections is enabled, so ELF inputs arrive pre-subdivided and this
// module only needs to honor the sections as given, treating every ELF
// section as exactly one atom-producing input section.
type Reader struct {
	f *linker.File

	ehdr     Ehdr
	shdrs    []Shdr
	shstrtab []byte
	strtab   []byte

	symtabIdx   int
	firstGlobal int

	rawSections []linker.RawSection
	rawSymbols  []*linker.Symbol
	relocs      map[int][]linker.RawReloc
}

func NewReader(f *linker.File) *Reader {
	return &Reader{f: f, relocs: make(map[int][]linker.RawReloc)}
}

func (r *Reader) Parse(ctx *linker.Context) error {
	data := r.f.Contents
	if len(data) < 64 {
		return fmt.Errorf("%s: truncated ELF header", r.f.Name)
	}
	r.ehdr = utils.Read[Ehdr](data)

	r.shdrs = make([]Shdr, r.ehdr.ShNum)
	for i := range r.shdrs {
		off := r.ehdr.ShOff + uint64(i)*uint64(r.ehdr.ShEntSize)
		r.shdrs[i] = utils.Read[Shdr](data[off:])
	}

	if int(r.ehdr.ShStrndx) < len(r.shdrs) {
		s := r.shdrs[r.ehdr.ShStrndx]
		r.shstrtab = data[s.Offset : s.Offset+s.Size]
	}

	for i, s := range r.shdrs {
		if s.Type == SHT_SYMTAB {
			r.symtabIdx = i
			link := r.shdrs[s.Link]
			r.strtab = data[link.Offset : link.Offset+link.Size]
		}
	}

	if err := r.parseSections(data); err != nil {
		return err
	}
	r.parseSymbols(data)
	r.parseRelocs(data)
	if r.HasRelSections() {
		return fmt.Errorf("%s: %w", r.f.Name, linker.ErrRelWithoutAddend)
	}
	return nil
}

func (r *Reader) shName(off uint32) string { return cstr(r.shstrtab, off) }
func (r *Reader) symName(off uint32) string { return cstr(r.strtab, off) }

func cstr(tab []byte, off uint32) string {
	if tab == nil || int(off) >= len(tab) {
		return ""
	}
	end := off
	for int(end) < len(tab) && tab[end] != 0 {
		end++
	}
	return string(tab[off:end])
}

func (r *Reader) parseSections(data []byte) error {
	r.rawSections = make([]linker.RawSection, len(r.shdrs))
	for i, s := range r.shdrs {
		name := r.shName(s.Name)
		rs := linker.RawSection{
			Name:      name,
			Type:      s.Type,
			Flags:     s.Flags,
			Addr:      s.Addr,
			Size:      s.Size,
			AlignLog2: uint8(utils.CountrZero(s.AddrAlign)),
			Zerofill:  s.Type == SHT_NOBITS,
		}
		if s.Type != SHT_NOBITS && s.Flags&SHF_ALLOC != 0 {
			if s.Offset+s.Size > uint64(len(data)) {
				return fmt.Errorf("%s: section %q overruns file", r.f.Name, name)
			}
			rs.Contents = data[s.Offset : s.Offset+s.Size]
		}
		r.rawSections[i] = rs
	}
	return nil
}

func (r *Reader) parseSymbols(data []byte) {
	if r.symtabIdx == 0 {
		return
	}
	s := r.shdrs[r.symtabIdx]
	n := int(s.Size / 24)
	r.rawSymbols = make([]*linker.Symbol, n)

	for i := 0; i < n; i++ {
		off := s.Offset + uint64(i)*24
		esym := utils.Read[Sym](data[off:])
		name := r.symName(esym.Name)

		sym := &linker.Symbol{
			NameOffset:   esym.Name,
			Name:         name,
			Value:        esym.Val,
			Size:         esym.Size,
			Type:         esym.Type(),
			Visibility:   esym.Visibility(),
			SectionIndex: int64(esym.Shndx),
		}
		switch esym.Bind() {
		case STB_WEAK:
			sym.Binding = linker.BindWeak
		case STB_GLOBAL:
			sym.Binding = linker.BindGlobal
		default:
			sym.Binding = linker.BindLocal
		}
		if esym.IsUndef() {
			sym.Flags |= linker.SymUndefined
		}
		if esym.IsCommon() {
			sym.Flags |= linker.SymTentative
			sym.P2Align = uint8(utils.CountrZero(esym.Val))
		}
		if esym.IsAbs() {
			sym.Flags |= linker.SymAbsolute
		}
		r.rawSymbols[i] = sym

		if r.firstGlobal == 0 && esym.Bind() != STB_LOCAL {
			r.firstGlobal = i
		}
	}
}

func (r *Reader) parseRelocs(data []byte) {
	for _, s := range r.shdrs {
		if s.Type != SHT_RELA && s.Type != SHT_REL {
			continue
		}
		target := int(s.Info)
		n := int(s.Size / 24)
		if s.Type == SHT_REL {
			n = int(s.Size / 16)
		}
		var relocs []linker.RawReloc
		for j := 0; j < n; j++ {
			if s.Type == SHT_RELA {
				off := s.Offset + uint64(j)*24
				rela := utils.Read[Rela](data[off:])
				relocs = append(relocs, linker.RawReloc{
					Offset: rela.Offset,
					Type:   rela.Type,
					SymIdx: int64(rela.Sym),
					Addend: rela.Addend,
				})
			} else {
				// SHT_REL (no explicit addend) is not decoded: Parse has
				// already failed with ErrRelWithoutAddend for any input
				// carrying one, since every x86-64/aarch64 ELF toolchain
				// this module targets emits SHT_RELA and recovering an
				// implicit addend from the instruction encoding is out of
				// scope.
				continue
			}
		}
		r.relocs[target] = relocs
	}
}

func (r *Reader) RawSections() []linker.RawSection { return r.rawSections }
func (r *Reader) RawSymbols() []*linker.Symbol      { return r.rawSymbols }
func (r *Reader) FirstGlobal() int                  { return r.firstGlobal }
func (r *Reader) RawRelocs(secIdx int) []linker.RawReloc {
	return r.relocs[secIdx]
}
func (r *Reader) SubsectionsViaSymbols() bool { return false }

// HasRelSections reports whether any SHT_REL (as opposed to SHT_RELA)
// section was present; Parse returns ErrRelWithoutAddend for such an input
// rather than dropping its relocations.
func (r *Reader) HasRelSections() bool {
	for _, s := range r.shdrs {
		if s.Type == SHT_REL {
			return true
		}
	}
	return false
}
