package linker

import (
	"debug/elf"
	"testing"
)

// TestPeepholeGOTPCRELXRewritesMovToLea exercises the mov-to-lea rewrite
// applyRelocX86_64's GOTPCRELX peephole depends on: opcode byte 0x8b (mov)
// becomes 0x8d (lea), leaving every other byte untouched.
func TestPeepholeGOTPCRELXRewritesMovToLea(t *testing.T) {
	// 48 8b 05 xx xx xx xx -- mov rax, [rip+disp32]
	buf := []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0}
	newType := peepholeGOTPCRELX(buf, 0, 0)

	if buf[1] != 0x8d {
		t.Fatalf("opcode byte = %#x, want 0x8d (lea)", buf[1])
	}
	if buf[0] != 0x48 {
		t.Fatal("REX prefix byte must be left untouched")
	}
	if newType != elf.R_X86_64_PC32 {
		t.Fatalf("relocation type = %v, want R_X86_64_PC32", newType)
	}
}

func TestPeepholeGOTPCRELXRewritesCmpToImm32(t *testing.T) {
	// 48 3b 05 xx xx xx xx -- cmp rax, [rip+disp32]
	buf := []byte{0x48, 0x3b, 0x05, 0, 0, 0, 0}
	newType := peepholeGOTPCRELX(buf, 0, 0)

	if buf[1] != 0x81 {
		t.Fatalf("opcode byte = %#x, want 0x81 (cmp r/m64, imm32)", buf[1])
	}
	if buf[2] != 0xf8 {
		t.Fatalf("ModRM byte = %#x, want 0xf8 (mod=11, reg=/7, rm=rax)", buf[2])
	}
	if newType != elf.R_X86_64_32 {
		t.Fatalf("relocation type = %v, want R_X86_64_32", newType)
	}
}

func TestPeepholeGOTTPOFFRewritesMovToImmediate(t *testing.T) {
	// 48 8b 05 xx xx xx xx -- mov rax, [rip+disp32]
	buf := []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0}
	if !peepholeGOTTPOFF(buf, 0, 0) {
		t.Fatal("peepholeGOTTPOFF returned false for a mov instruction")
	}
	if buf[1] != 0xc7 {
		t.Fatalf("opcode byte = %#x, want 0xc7 (mov r/m64, imm32)", buf[1])
	}
	if buf[2] != 0xc0 {
		t.Fatalf("ModRM byte = %#x, want 0xc0 (mod=11, reg=/0, rm=rax)", buf[2])
	}
}

// TestPeepholeGOTPCRELXIsIdempotent confirms that once an instruction has
// been rewritten to lea, running the peephole again must not touch it
// further.
func TestPeepholeGOTPCRELXIsIdempotent(t *testing.T) {
	buf := []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0}
	peepholeGOTPCRELX(buf, 0, 0)
	once := append([]byte(nil), buf...)

	if newType := peepholeGOTPCRELX(buf, 0, 0); newType != 0 {
		t.Fatalf("second peephole pass reported type %v, want 0 (no match)", newType)
	}
	if string(buf) != string(once) {
		t.Fatalf("second peephole pass changed bytes: %x -> %x", once, buf)
	}
}

func TestApplyRelocX86_64PC32InRange(t *testing.T) {
	buf := make([]byte, 4)
	r := &Relocation{Type: int32(elfR_X86_64_PC32)}
	// S=0x2000, P=0x1000, A=0 -> val = 0x1000
	if err := applyRelocX86_64(buf, 0, r, 0x1000, 0x2000, 0, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if got != 0x1000 {
		t.Fatalf("PC32 value = %#x, want 0x1000", got)
	}
}

func TestApplyRelocX86_64PC32OutOfRange(t *testing.T) {
	buf := make([]byte, 4)
	r := &Relocation{Type: int32(elfR_X86_64_PC32)}
	err := applyRelocX86_64(buf, 0, r, 0, 1<<32, 0, 0, 0)
	if err != ErrRelocationOutOfRange {
		t.Fatalf("err = %v, want ErrRelocationOutOfRange", err)
	}
}

func TestWriteRelocationsCopiesAtomPayload(t *testing.T) {
	ctx := newTestContext()
	ctx.Opt.Target.CPUArch = ArchX86_64

	osecIdx := ctx.GetOutputSection("", ".text", 1, 0x6 /* alloc|exec */)
	osec := ctx.OutputSections[osecIdx]

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	idx := ctx.Atoms.Alloc(Atom{
		Size:    uint64(len(payload)),
		Payload: payload,
		Alive:   true,
		Offset:  0,
	})
	osec.FirstAtom = ctx.Atoms.AppendToSection(NullAtom, idx)
	osec.LastAtom = osec.FirstAtom
	osec.Size = uint64(len(payload))

	ctx.Segments = []*Segment{{FileOffset: 0, FileSize: uint64(len(payload))}}

	if err := WriteRelocations(ctx); err != nil {
		t.Fatalf("WriteRelocations failed: %v", err)
	}
	if len(ctx.Buf) != len(payload) {
		t.Fatalf("output buffer length = %d, want %d", len(ctx.Buf), len(payload))
	}
	if string(ctx.Buf) != string(payload) {
		t.Fatalf("output buffer = %x, want %x", ctx.Buf, payload)
	}
}

// elfR_X86_64_PC32 mirrors debug/elf.R_X86_64_PC32's numeric value (2)
// without importing debug/elf just for a test constant.
const elfR_X86_64_PC32 = 2
