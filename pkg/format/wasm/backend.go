package wasm

import (
	"github.com/nullsector/zld/pkg/linker"
)

// Backend implements linker.FormatBackend for relocatable Wasm objects,
// the third format alongside pkg/format/elf and pkg/format/macho.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Format() linker.Format { return linker.FormatWasm }

func (b *Backend) ProbeObject(contents []byte) bool {
	if len(contents) < 8 {
		return false
	}
	return contents[0] == wasmMagic[0] && contents[1] == wasmMagic[1] &&
		contents[2] == wasmMagic[2] && contents[3] == wasmMagic[3]
}

// ProbeDylib always reports false: Wasm has no shared-object variant this
// module links against, only relocatable objects and archives of them.
func (b *Backend) ProbeDylib(contents []byte) bool { return false }

func (b *Backend) NewObjectReader(ctx *linker.Context, f *linker.File) (linker.ObjectReader, error) {
	return NewReader(f), nil
}

// NewDylibDescriptor always fails: there is no Wasm dylib concept for this
// backend to parse. Dynamic-library binding is a Mach-O-only feature here.
func (b *Backend) NewDylibDescriptor(f *linker.File) (*linker.DylibDescriptor, error) {
	return nil, linker.ErrNotDylib
}

// MachineMatches always reports true: a Wasm module carries no target CPU
// tag the way an ELF e_machine or Mach-O cputype field does, so there is
// nothing here to mismatch against Target.CPUArch (ArchNone).
func (b *Backend) MachineMatches(contents []byte, target linker.Arch) bool { return true }

func (b *Backend) Finalize(ctx *linker.Context) ([]byte, error) {
	return Finalize(ctx)
}
