package linker

import (
	"debug/elf"
	"debug/macho"

	"github.com/nullsector/zld/pkg/utils"
)

// scanRelocsARM64 is aarch64's counterpart to scanRelocsX86_64: it walks
// every translated relocation and flags GOT/stub/TLV requirements, plus
// out-of-range direct branches that will need an aarch64 jump thunk once
// layout knows final addresses.
func scanRelocsARM64(ctx *Context) {
	forEachAliveAtom(ctx, func(a *Atom) {
		for i := range a.Relocs {
			r := &a.Relocs[i]
			if r.Target.IsSynthetic() || r.Target.Input == nil {
				continue
			}
			g := globalFor(ctx, r.Target)
			if g == nil {
				continue
			}
			switch ctx.Format {
			case FormatELF:
				switch elf.R_AARCH64(r.Type) {
				case elf.R_AARCH64_ADR_GOT_PAGE, elf.R_AARCH64_LD64_GOT_LO12_NC:
					g.Needs |= NeedsGOT
				case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26:
					if g.Sym != nil && g.Sym.IsUndefined() {
						g.Needs |= NeedsStub
					}
				case elf.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21, elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC:
					g.Needs |= NeedsGOTTPOff
				case elf.R_AARCH64_TLSDESC_ADR_PAGE21, elf.R_AARCH64_TLSDESC_LD64_LO12_NC, elf.R_AARCH64_TLSDESC_CALL:
					g.Needs |= NeedsTLVPointer
				}
			case FormatMachO:
				switch macho.RelocTypeARM64(r.Type) {
				case macho.ARM64_RELOC_GOT_LOAD_PAGE21, macho.ARM64_RELOC_GOT_LOAD_PAGEOFF12:
					g.Needs |= NeedsGOT
				case macho.ARM64_RELOC_BRANCH26:
					if g.Sym != nil && g.Sym.IsUndefined() {
						g.Needs |= NeedsStub
					}
				case macho.ARM64_RELOC_TLVP_LOAD_PAGE21, macho.ARM64_RELOC_TLVP_LOAD_PAGEOFF12:
					g.Needs |= NeedsTLVPointer
				}
			}
		}
	})
}

// needsThunkARM64 reports whether a BL/B (26-bit immediate, ±128MiB) from
// from to to is in range; layout.go calls this during the aarch64
// thunk-insertion pass once every atom has a final address.
func needsThunkARM64(from, to uint64) bool {
	delta := int64(to) - int64(from)
	const lo = -(1 << 27)
	const hi = (1 << 27) - 1
	return delta < lo || delta > hi
}

// applyRelocARM64 patches one aarch64 relocation, implementing the ADRP/ADD
// and ADRP/LDR PAGE21+PAGEOFF12 pairs and the 26-bit branch encodings.
func applyRelocARM64(buf []byte, off int, r *Relocation, P, S, A, G, GOT uint64) error {
	switch elf.R_AARCH64(r.Type) {
	case elf.R_AARCH64_ADR_PREL_PG_HI21, elf.R_AARCH64_ADR_GOT_PAGE:
		target := S + uint64(A)
		if elf.R_AARCH64(r.Type) == elf.R_AARCH64_ADR_GOT_PAGE {
			target = GOT + G
		}
		page := (target &^ 0xfff) - (P &^ 0xfff)
		writeADRP(buf, off, int64(page))
	case elf.R_AARCH64_ADD_ABS_LO12_NC:
		writeAddImm12(buf, off, uint32((S+uint64(A))&0xfff))
	case elf.R_AARCH64_LD64_GOT_LO12_NC:
		writeLDSTImm12(buf, off, uint32(((GOT+G)&0xfff)>>3))
	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26:
		delta := int64(S) + r.Addend - int64(P)
		if delta < -(1<<27) || delta > (1<<27)-1 {
			return ErrRelocationOutOfRange
		}
		writeBranchImm26(buf, off, delta)
	case elf.R_AARCH64_ABS64:
		utils.Write[uint64](buf[off:], S+uint64(A))
	case elf.R_AARCH64_PREL32:
		utils.Write[uint32](buf[off:], uint32(int32(int64(S)+r.Addend-int64(P))))
	case elf.R_AARCH64_NONE:
	}
	return nil
}

func writeADRP(buf []byte, off int, pageDelta int64) {
	instr := utils.Read[uint32](buf[off:])
	instr &^= 0x9f000000 | (0x3 << 29) | (0x7ffff << 5)
	immlo := uint32(pageDelta>>12) & 0x3
	immhi := uint32(pageDelta>>14) & 0x7ffff
	instr |= 0x90000000
	instr |= immlo << 29
	instr |= immhi << 5
	utils.Write[uint32](buf[off:], instr)
}

func writeAddImm12(buf []byte, off int, imm12 uint32) {
	instr := utils.Read[uint32](buf[off:])
	instr &^= 0x3ffc00
	instr |= (imm12 & 0xfff) << 10
	utils.Write[uint32](buf[off:], instr)
}

func writeLDSTImm12(buf []byte, off int, imm12 uint32) {
	instr := utils.Read[uint32](buf[off:])
	instr &^= 0x3ffc00
	instr |= (imm12 & 0xfff) << 10
	utils.Write[uint32](buf[off:], instr)
}

func writeBranchImm26(buf []byte, off int, delta int64) {
	instr := utils.Read[uint32](buf[off:])
	instr &^= 0x3ffffff
	instr |= uint32(delta/4) & 0x3ffffff
	utils.Write[uint32](buf[off:], instr)
}
