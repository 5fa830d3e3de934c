package macho

import "github.com/nullsector/zld/pkg/linker"

// Backend implements linker.FormatBackend for Mach-O 64-bit x86-64/aarch64
// objects, dylibs, and fat containers.
type Backend struct {
	Target linker.Arch
}

func New(target linker.Arch) *Backend { return &Backend{Target: target} }

func (b *Backend) Format() linker.Format { return linker.FormatMachO }

func (b *Backend) ProbeObject(contents []byte) bool {
	contents = sliceFatArch(contents, b.Target)
	if len(contents) < 16 {
		return false
	}
	hdr := peekHeader(contents)
	return hdr.Magic == MHMagic64 && hdr.FileType == 0x1 // MH_OBJECT
}

func (b *Backend) ProbeDylib(contents []byte) bool {
	contents = sliceFatArch(contents, b.Target)
	if len(contents) < 16 {
		return false
	}
	hdr := peekHeader(contents)
	return hdr.Magic == MHMagic64 && (hdr.FileType == MHDylib || hdr.FileType == MHBundle)
}

func (b *Backend) NewObjectReader(ctx *linker.Context, f *linker.File) (linker.ObjectReader, error) {
	narrowed := &linker.File{Name: f.Name, Contents: sliceFatArch(f.Contents, b.Target), Parent: f.Parent}
	return NewReader(narrowed), nil
}

func (b *Backend) NewDylibDescriptor(f *linker.File) (*linker.DylibDescriptor, error) {
	narrowed := &linker.File{Name: f.Name, Contents: sliceFatArch(f.Contents, b.Target), Parent: f.Parent}
	return parseDylib(narrowed)
}

func (b *Backend) MachineMatches(contents []byte, target linker.Arch) bool {
	contents = sliceFatArch(contents, target)
	if len(contents) < 8 {
		return false
	}
	hdr := peekHeader(contents)
	switch target {
	case linker.ArchX86_64:
		return hdr.CPUType == CPUTypeX86_64
	case linker.ArchAArch64:
		return hdr.CPUType == CPUTypeARM64
	}
	return false
}

func (b *Backend) Finalize(ctx *linker.Context) ([]byte, error) {
	return Finalize(ctx)
}

// peekHeader reads just enough of contents to classify it, without going
// through the full Reader (ProbeObject/ProbeDylib run before a reader is
// constructed).
func peekHeader(contents []byte) struct {
	Magic, CPUType, FileType uint32
} {
	var h struct{ Magic, CPUType, CPUSubtype, FileType uint32 }
	if len(contents) >= 16 {
		h.Magic = leU32(contents[0:4])
		h.CPUType = leU32(contents[4:8])
		h.FileType = leU32(contents[12:16])
	}
	return struct{ Magic, CPUType, FileType uint32 }{h.Magic, h.CPUType, h.FileType}
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
