// Package elf implements the ELF64 little-endian FormatBackend: an object
// reader that understands x86-64 and aarch64 relocatable objects/archives,
// and a finalizer that writes the ELF header, program headers, and section
// headers for the linked image.
//
// Only the struct layouts below are hand-rolled rather than delegated to
// debug/elf: debug/elf parses a *read-only* view and offers no way to
// control the exact bytes this module must emit, so the wire structs are
// reproduced here byte-for-byte instead.
package elf

const (
	PageSize  = 0x1000
	ImageBase = 0x400000
)

type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

func (s *Sym) IsUndef() bool   { return s.Shndx == uint16(SHN_UNDEF) }
func (s *Sym) IsCommon() bool  { return s.Shndx == uint16(SHN_COMMON) }
func (s *Sym) IsAbs() bool     { return s.Shndx == uint16(SHN_ABS) }
func (s *Sym) Type() uint8     { return s.Info & 0xf }
func (s *Sym) Bind() uint8     { return s.Info >> 4 }
func (s *Sym) IsWeak() bool    { return s.Bind() == STB_WEAK }
func (s *Sym) Visibility() uint8 { return s.Other & 0x3 }

type Rela struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

// Classification constants, following the teacher's convention of naming
// only what this module actually branches on rather than importing
// debug/elf's full constant set into the wire-format package.
const (
	SHN_UNDEF  = 0
	SHN_ABS    = 0xfff1
	SHN_COMMON = 0xfff2

	ET_REL = 1
	ET_EXEC = 2
	ET_DYN  = 3

	EM_X86_64  = 62
	EM_AARCH64 = 183

	ELFCLASS64 = 2
	ELFDATA2LSB = 1

	SHT_NULL     = 0
	SHT_PROGBITS = 1
	SHT_SYMTAB   = 2
	SHT_STRTAB   = 3
	SHT_RELA     = 4
	SHT_NOBITS   = 8
	SHT_REL      = 9
	SHT_DYNSYM   = 11

	SHF_WRITE     = 0x1
	SHF_ALLOC     = 0x2
	SHF_EXECINSTR = 0x4
	SHF_MERGE     = 0x10
	SHF_STRINGS   = 0x20

	STB_LOCAL  = 0
	STB_GLOBAL = 1
	STB_WEAK   = 2

	STV_DEFAULT = 0
	STV_HIDDEN  = 2

	PT_LOAD = 1

	PF_X = 0x1
	PF_W = 0x2
	PF_R = 0x4
)
