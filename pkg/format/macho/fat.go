package macho

import "github.com/nullsector/zld/pkg/linker"

const (
	fatMagic = 0xcafebabe
	fatCigam = 0xbebafeca // little-endian reader sees the byte-swapped form
)

type fatArch struct {
	CPUType    uint32
	CPUSubtype uint32
	Offset     uint32
	Size       uint32
	Align      uint32
}

// bigU32 reads a big-endian uint32: fat headers are the one part of the
// Mach-O family that is always big-endian regardless of host byte order,
// since a fat binary must be probeable before anyone knows which slice's
// endianness applies.
func bigU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// sliceFatArch returns the architecture-specific slice of contents matching
// target, narrowing a fat/universal container to one thin Mach-O image
// before format detection runs. Non-fat input is returned unchanged.
func sliceFatArch(contents []byte, target linker.Arch) []byte {
	if len(contents) < 8 {
		return contents
	}
	magic := bigU32(contents[0:4])
	if magic != fatMagic {
		return contents
	}
	nArch := bigU32(contents[4:8])
	want := uint32(0)
	switch target {
	case linker.ArchX86_64:
		want = CPUTypeX86_64
	case linker.ArchAArch64:
		want = CPUTypeARM64
	default:
		return contents
	}

	off := 8
	for i := uint32(0); i < nArch; i++ {
		if off+20 > len(contents) {
			break
		}
		a := fatArch{
			CPUType:    bigU32(contents[off:]),
			CPUSubtype: bigU32(contents[off+4:]),
			Offset:     bigU32(contents[off+8:]),
			Size:       bigU32(contents[off+12:]),
			Align:      bigU32(contents[off+16:]),
		}
		if a.CPUType == want {
			end := uint64(a.Offset) + uint64(a.Size)
			if end <= uint64(len(contents)) {
				return contents[a.Offset:end]
			}
		}
		off += 20
	}
	return contents
}
