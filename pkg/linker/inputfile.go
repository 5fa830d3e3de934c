package linker

// InputKind tags the three-way Input variant: object, archive, or dylib.
type InputKind int

const (
	InputObject InputKind = iota
	InputArchive
	InputDylib
)

// ObjectReader is the contract every format's object parser implements.
// The resolver and atom builder only ever talk to inputs through this
// interface, so ELF/Mach-O/Wasm objects drive the same shared engine.
type ObjectReader interface {
	// Parse reads headers, symbol table, and section table from f.File and
	// populates f in place (ElfSections-equivalent raw tables, Symbols,
	// etc. live on the concrete reader; InputFile only holds what the
	// shared engine needs).
	Parse(ctx *Context) error

	// RawSections returns the input's content sections in file order.
	RawSections() []RawSection

	// RawSymbols returns every symbol-table entry, local symbols first
	// (matching the ELF FirstGlobal convention).
	RawSymbols() []*Symbol

	FirstGlobal() int

	// RawRelocs returns the relocations targeting RawSections()[secIdx].
	RawRelocs(secIdx int) []RawReloc

	// SubsectionsViaSymbols reports whether this object wants its sections
	// split at every externally-addressable symbol rather than kept as one
	// atom per section.
	SubsectionsViaSymbols() bool
}

// RawSection is a format-neutral view of one input content section, used by
// the atom builder to decide subdivision and output-section mapping.
type RawSection struct {
	Name        string
	SegmentName string // Mach-O only; empty for ELF/Wasm
	Type        uint32
	Flags       uint64
	Addr        uint64
	Size        uint64
	AlignLog2   uint8
	Contents    []byte
	// Zerofill marks a section with no file content (ELF SHT_NOBITS,
	// Mach-O S_ZEROFILL).
	Zerofill bool
}

// RawReloc is a format-neutral relocation record as read from an input
// object, before translation into the unified internal Relocation form.
type RawReloc struct {
	Offset uint64
	Type   uint32
	SymIdx int64
	Addend int64
}

// InputFile is the shared bookkeeping every Input carries regardless of
// format: a thin shell around a format-specific ObjectReader plus the
// tables the resolver and atom builder need.
type InputFile struct {
	ID   int
	File *File
	Kind InputKind

	Reader ObjectReader

	IsAlive  bool
	Priority uint32

	// AtomBySection maps a raw section index to the first atom created for
	// it (needed when relocations reference "the section" rather than a
	// specific symbol).
	AtomBySection map[int]AtomIndex

	// SymbolAtom maps a raw symbol index to the atom that owns its
	// definition, populated during atom decomposition.
	SymbolAtom map[int64]AtomIndex

	// SymbolOffset is the byte offset of a symbol within the atom
	// SymbolAtom maps it to; zero for every atom-starting symbol (its
	// offset is the atom's own start), non-zero for a symbol embedded
	// inside a non-subdivided atom (the inner-symbol case).
	SymbolOffset map[int64]uint64

	// globalIdxBySymIdx is the local-symbol-index to global-index side
	// table used when remapping a relocation's symbol reference.
	globalIdxBySymIdx map[int64]int
}

func newInputFile(id int, f *File, kind InputKind) *InputFile {
	return &InputFile{
		ID:                id,
		File:              f,
		Kind:              kind,
		AtomBySection:     make(map[int]AtomIndex),
		SymbolAtom:        make(map[int64]AtomIndex),
		SymbolOffset:      make(map[int64]uint64),
		globalIdxBySymIdx: make(map[int64]int),
	}
}

func (f *InputFile) swapAlive(alive bool) bool {
	old := f.IsAlive
	f.IsAlive = alive
	return old
}
