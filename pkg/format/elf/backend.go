package elf

import (
	"github.com/nullsector/zld/pkg/linker"
)

// Backend implements linker.FormatBackend for ELF64 little-endian objects.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Format() linker.Format { return linker.FormatELF }

func (b *Backend) ProbeObject(contents []byte) bool {
	if len(contents) < 20 {
		return false
	}
	if string(contents[:4]) != "\x7fELF" {
		return false
	}
	if contents[4] != ELFCLASS64 || contents[5] != ELFDATA2LSB {
		return false
	}
	typ := uint16(contents[16]) | uint16(contents[17])<<8
	return typ == ET_REL
}

func (b *Backend) ProbeDylib(contents []byte) bool {
	if len(contents) < 20 {
		return false
	}
	if string(contents[:4]) != "\x7fELF" {
		return false
	}
	typ := uint16(contents[16]) | uint16(contents[17])<<8
	return typ == ET_DYN
}

func (b *Backend) NewObjectReader(ctx *linker.Context, f *linker.File) (linker.ObjectReader, error) {
	return NewReader(f), nil
}

// NewDylibDescriptor always fails: linking against ELF shared objects
// (.so) is out of scope here, the way dylib binding is only wired for
// Mach-O.
func (b *Backend) NewDylibDescriptor(f *linker.File) (*linker.DylibDescriptor, error) {
	return nil, linker.ErrNotDylib
}

func (b *Backend) MachineMatches(contents []byte, target linker.Arch) bool {
	if len(contents) < 20 {
		return false
	}
	machine := uint16(contents[18]) | uint16(contents[19])<<8
	switch target {
	case linker.ArchX86_64:
		return machine == EM_X86_64
	case linker.ArchAArch64:
		return machine == EM_AARCH64
	}
	return false
}

func (b *Backend) Finalize(ctx *linker.Context) ([]byte, error) {
	return Finalize(ctx)
}
