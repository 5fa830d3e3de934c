package linker

// AtomIndex is an index into Context.Atoms. Index 0 is the reserved null
// atom. Atoms live as indices into a single growable pool rather than raw
// pointers, so nothing is invalidated when the pool grows during thunk
// insertion.
type AtomIndex int32

const NullAtom AtomIndex = 0

// InnerSymbol records a symbol that lives inside an atom at a fixed offset
// without itself starting a new atom — the case for a section that isn't
// subdivided per-symbol, where every symbol in it is added as an inner
// symbol instead.
type InnerSymbol struct {
	Ref    SymbolRef
	Offset uint32
}

// Atom is the smallest indivisible unit of output content. Atoms form a
// doubly-linked chain per output section via Prev/Next, built while atoms
// are decomposed and synthesized and ordered during layout; this
// generalizes a per-section InputSection into a genuinely subdividable
// unit per the subsections-via-symbols rule.
type Atom struct {
	// Owner is nil for a synthetic atom (GOT entry, stub, thunk, ...); the
	// owning InputFile otherwise.
	Owner *InputFile

	Primary SymbolRef

	Size      uint64
	AlignLog2 uint8

	Payload []byte
	Relocs  []Relocation
	Inner   []InnerSymbol

	// OutputSection is the index into Context.OutputSections this atom has
	// been assigned to; -1 until assigned.
	OutputSection int

	// Addr/Offset are final only after layout has run.
	Addr   uint64
	Offset uint64

	Prev, Next AtomIndex

	Alive bool

	// Kind distinguishes synthetic atom flavors for emission; zero for a
	// plain input atom.
	Kind SyntheticKind
}

// AlignBytes returns 1<<AlignLog2, the atom's required byte alignment.
func (a *Atom) AlignBytes() uint64 {
	return uint64(1) << a.AlignLog2
}

// SyntheticKind enumerates the linker-generated atom flavors.
type SyntheticKind int

const (
	SynthNone SyntheticKind = iota
	SynthGOTEntry
	SynthStub
	SynthLazyPointer
	SynthStubHelper
	SynthStubHelperPreamble
	SynthTLVPointer
	SynthThunk
	SynthTentativeBSS
	SynthMachOHeaderPad
)
