package linker

// OutputSection groups atoms assigned to the same (segment, section) pair
// by name-and-flags mapping. The header is format-neutral, shared by ELF
// and Mach-O (Wasm never groups atoms into named output sections the way
// ELF/Mach-O do; pkg/format/wasm emits directly from the atom chain).
type OutputSection struct {
	Name        string
	SegmentName string // Mach-O only

	Type  uint32
	Flags uint64

	AlignLog2 uint8
	Size      uint64
	Addr      uint64
	FileOffset uint64

	SegmentIndex int

	FirstAtom AtomIndex
	LastAtom  AtomIndex
}

// GetOutputSection finds or creates the OutputSection matching (name, type,
// flags) after synonym-collapsing.
func (ctx *Context) GetOutputSection(segName, name string, typ uint32, flags uint64) int {
	name, segName = CanonicalizeSectionName(ctx.Format, segName, name, flags)

	for i, s := range ctx.OutputSections {
		if s.Name == name && s.SegmentName == segName && s.Type == typ {
			return i
		}
	}

	ctx.OutputSections = append(ctx.OutputSections, &OutputSection{
		Name:        name,
		SegmentName: segName,
		Type:        typ,
		Flags:       flags,
		FirstAtom:   NullAtom,
		LastAtom:    NullAtom,
	})
	return len(ctx.OutputSections) - 1
}
