package linker

import (
	"debug/elf"
	"debug/macho"
	"encoding/binary"

	"github.com/nullsector/zld/pkg/utils"
)

// scanRelocsX86_64 walks every alive atom's translated relocations and
// records which of its targets need a GOT entry, a stub, or a TLV pointer.
// GOT requests here are deliberately conservative: a GOTPCRELX reference
// that relaxOneX86_64 later rewrites away at its own call site still leaves
// its Global's NeedsGOT bit set, so a symbol with several references only
// some of which are locally relaxable still gets a real slot for the rest.
func scanRelocsX86_64(ctx *Context) {
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
				switch elf.R_X86_64(r.Type) {
				case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
					g.Needs |= NeedsGOT
				case elf.R_X86_64_PLT32:
					if g.Sym != nil && g.Sym.IsUndefined() {
						g.Needs |= NeedsStub
					}
				case elf.R_X86_64_GOTTPOFF:
					g.Needs |= NeedsGOTTPOff
				case elf.R_X86_64_TLSGD, elf.R_X86_64_TLSLD:
					g.Needs |= NeedsGOT
				}
			case FormatMachO:
				switch macho.RelocTypeX86_64(r.Type) {
				case macho.X86_64_RELOC_GOT, macho.X86_64_RELOC_GOT_LOAD:
					g.Needs |= NeedsGOT
				case macho.X86_64_RELOC_BRANCH:
					if g.Sym != nil && g.Sym.IsUndefined() {
						g.Needs |= NeedsStub
					}
				case macho.X86_64_RELOC_TLV:
					g.Needs |= NeedsTLVPointer
				}
			}
		}
	})
}

// relaxRelocsX86_64 runs the ELF x86-64 GOT-indirection peephole over every
// alive atom's relocations before the fixup loop patches bytes in. A
// GOTPCRELX/REX_GOTPCRELX or GOTTPOFF reference whose target resolves
// locally has its load instruction rewritten in place (mov becomes lea or
// an immediate move, cmp becomes an immediate compare) and its relocation
// retyped to the direct form the rewritten instruction now needs; a
// DTPOFF64 reference to a local target is retyped to TPOFF32 outright,
// since it addresses a data slot rather than an instruction operand. Only
// ELF carries this optimization: Mach-O and Wasm relocations pass through
// untouched.
func relaxRelocsX86_64(ctx *Context) {
	if ctx.Format != FormatELF || ctx.Opt.Target.CPUArch != ArchX86_64 {
		return
	}
	forEachAliveAtom(ctx, func(a *Atom) {
		for i := range a.Relocs {
			relaxOneX86_64(ctx, a, &a.Relocs[i])
		}
	})
}

func relaxOneX86_64(ctx *Context, a *Atom, r *Relocation) {
	if !isLocalTarget(ctx, r.Target) {
		return
	}

	switch elf.R_X86_64(r.Type) {
	case elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		instrOff, ok := gotpcrelxInstrOffset(a.Payload, r.Offset)
		if !ok {
			return
		}
		reg := (a.Payload[instrOff+2] >> 3) & 0x7
		if newType := peepholeGOTPCRELX(a.Payload, instrOff, reg); newType != 0 {
			r.Type = int32(newType)
			r.Addend = 0
		}
	case elf.R_X86_64_GOTTPOFF:
		instrOff, ok := gotpcrelxInstrOffset(a.Payload, r.Offset)
		if !ok {
			return
		}
		reg := (a.Payload[instrOff+2] >> 3) & 0x7
		if peepholeGOTTPOFF(a.Payload, instrOff, reg) {
			r.Type = int32(elf.R_X86_64_TPOFF32)
			r.Addend = 0
		}
	case elf.R_X86_64_DTPOFF64:
		r.Type = int32(elf.R_X86_64_TPOFF32)
	}
}

// isLocalTarget reports whether a relocation target is defined within this
// link rather than deferred to a bound dylib or left open under
// allow_undef; only a local definition's final address is known early
// enough to fold into an instruction operand.
func isLocalTarget(ctx *Context, ref SymbolRef) bool {
	g := globalFor(ctx, ref)
	if g == nil {
		return true
	}
	return g.DylibOrdinal == 0 && !g.FlatNamespace
}

// gotpcrelxInstrOffset locates the opcode byte of the load instruction that
// a GOTPCRELX/GOTTPOFF relocation's rip-relative operand belongs to. The
// standard encoding for these forms is a REX prefix, a one-byte opcode, a
// ModRM byte selecting rip-relative addressing, then the four-byte
// displacement the relocation offset names, so the opcode sits three bytes
// before it and the ModRM byte one byte after that.
func gotpcrelxInstrOffset(buf []byte, relOff uint64) (int, bool) {
	instrOff := int(relOff) - 3
	if instrOff < 0 || instrOff+2 >= len(buf) {
		return 0, false
	}
	return instrOff, true
}

// peepholeGOTPCRELX rewrites the load instruction at instrOff (opcode byte
// at instrOff+1) from a GOT-indirect form into a direct one: mov becomes
// lea (the ModRM byte is unchanged, since both keep the same rip-relative
// operand encoding), and cmp against a GOT slot becomes cmp against an
// immediate (ModRM's reg field, which named the compared register, moves
// into the rm field of a register-direct operand). It returns the
// relocation type the rewritten instruction now needs, or 0 if the
// instruction wasn't one of the two forms this rewrite understands.
// Already-rewritten bytes fall through to the zero case, so calling this
// twice on the same buffer is a no-op the second time.
func peepholeGOTPCRELX(buf []byte, instrOff int, reg uint8) elf.R_X86_64 {
	switch buf[instrOff+1] {
	case 0x8b: // mov r64, r/m64 -> lea r64, r/m64
		buf[instrOff+1] = 0x8d
		return elf.R_X86_64_PC32
	case 0x3b: // cmp r64, r/m64 -> cmp r/m64, imm32
		buf[instrOff+1] = 0x81
		buf[instrOff+2] = 0xf8 | (reg & 0x7) // mod=11, reg=/7 (cmp), rm=reg
		return elf.R_X86_64_32
	}
	return 0
}

// peepholeGOTTPOFF rewrites `mov sym@GOTTPOFF(%rip), %reg` into
// `mov $sym@tpoff, %reg`, the initial-exec-to-local-exec TLS relaxation:
// the GOT-slot load (opcode 0x8b) becomes an immediate move (opcode 0xc7,
// ModRM extension /0) into the same destination register.
func peepholeGOTTPOFF(buf []byte, instrOff int, reg uint8) bool {
	if buf[instrOff+1] != 0x8b {
		return false
	}
	buf[instrOff+1] = 0xc7
	buf[instrOff+2] = 0xc0 | (reg & 0x7) // mod=11, reg=/0 (mov imm32), rm=reg
	return true
}

// applyRelocX86_64 patches one relocation's bytes into atom payload buf.
// By the time this runs, relaxRelocsX86_64 has already rewritten every
// locally-resolvable GOTPCRELX/GOTTPOFF/DTPOFF64 reference into one of the
// direct cases below, so a GOTPCREL-family or DTPOFF64 relocation reaching
// this switch names a target this linker cannot resolve without a dynamic
// TLS/GOT model.
func applyRelocX86_64(buf []byte, off int, r *Relocation, P, S, A, G, GOT uint64) error {
	switch elf.R_X86_64(r.Type) {
	case elf.R_X86_64_64:
		utils.Write[uint64](buf[off:], S+uint64(A))
	case elf.R_X86_64_32, elf.R_X86_64_32S:
		utils.Write[uint32](buf[off:], uint32(S+uint64(A)))
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		val := int64(S) + r.Addend - int64(P)
		if val < -(1<<31) || val >= (1<<31) {
			return ErrRelocationOutOfRange
		}
		utils.Write[uint32](buf[off:], uint32(int32(val)))
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		val := int64(GOT+G) + r.Addend - int64(P)
		utils.Write[uint32](buf[off:], uint32(int32(val)))
	case elf.R_X86_64_GOTTPOFF:
		return ErrUnsupportedTLSModel
	case elf.R_X86_64_TPOFF32:
		utils.Write[uint32](buf[off:], uint32(int32(int64(S)-int64(TPAddrX86_64))))
	case elf.R_X86_64_DTPOFF64:
		return ErrUnsupportedTLSModel
	case elf.R_X86_64_NONE:
	default:
		binary.LittleEndian.PutUint32(buf[off:], 0)
	}
	return nil
}

// TPAddrX86_64 is the thread-pointer base used to compute TPOFF32 values
// for the single static TLS block this linker lays out; assigned during
// layout once every .tdata/.tbss atom has an address (layout.go).
var TPAddrX86_64 uint64
