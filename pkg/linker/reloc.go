package linker

// Relocation is the unified internal fixup record every format's raw
// relocation is translated into during atom decomposition. Type is an
// architecture-specific relocation type constant (debug/elf's R_X86_64_*
// family, or the R_AARCH64_* constants reloc_aarch64.go works with).
type Relocation struct {
	Offset uint64 // offset within the owning atom's payload
	Length uint8  // 1, 2, 4, or 8 bytes
	Target SymbolRef
	Type   int32
	Addend int64
	PCRel  bool

	// ThunkAtom is set by the aarch64 thunk-insertion pass (layout.go) when
	// this relocation's original target fell outside the 26-bit branch
	// immediate's range; the relocation writer branches to the thunk
	// instead of Target, and the thunk itself carries the real target in
	// its own Primary ref.
	ThunkAtom AtomIndex
}
