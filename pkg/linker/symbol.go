package linker

// SymBinding is the format-neutral binding class of a symbol definition,
// letting the same resolver drive ELF, Mach-O, and Wasm inputs.
type SymBinding int

const (
	BindLocal SymBinding = iota
	BindGlobal
	BindWeak
)

// SymFlags is a bitset over the states a symbol-table entry can carry.
type SymFlags uint32

const (
	SymUndefined SymFlags = 1 << iota
	SymTentative
	SymAbsolute
	SymIndirect
	SymStab
	SymPrivateExtern // Mach-O visibility-hidden equivalent
)

// Relocation-driven indirection requirements, recorded on a Global while
// scanning relocations and drained once synthetic atoms are created.
const (
	NeedsGOT uint32 = 1 << iota
	NeedsStub
	NeedsTLVPointer
	NeedsGOTTPOff
)

// Symbol is a per-input symbol-table entry: name, value, size, section
// index, binding, type, visibility, and flags.
type Symbol struct {
	NameOffset uint32
	Name       string

	Value   uint64
	Size    uint64
	Binding SymBinding
	Type    uint8
	Visibility uint8
	Flags   SymFlags

	// P2Align is only meaningful when Flags&SymTentative != 0: the COMMON
	// symbol's required alignment, log2.
	P2Align uint8

	// SectionIndex is the owning input's raw section index; resolved into
	// an Atom once atom decomposition has run.
	SectionIndex int64
}

func (s *Symbol) IsUndefined() bool { return s.Flags&SymUndefined != 0 }
func (s *Symbol) IsTentative() bool { return s.Flags&SymTentative != 0 }
func (s *Symbol) IsAbsolute() bool  { return s.Flags&SymAbsolute != 0 }
func (s *Symbol) IsWeak() bool      { return s.Binding == BindWeak }

// isStrong reports whether this is a "strong" definition for the merge
// rule: defined, not tentative, not weak, not private-extern.
func (s *Symbol) isStrong() bool {
	return !s.IsUndefined() && !s.IsTentative() && s.Binding != BindWeak && s.Flags&SymPrivateExtern == 0
}
