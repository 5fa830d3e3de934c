package linker

// AtomPool is the single growable arena Context stores atoms in. Atoms are
// referenced by AtomIndex rather than pointer so that inserting a thunk
// mid-pipeline, during synthetic atom creation or arm64 layout, never
// invalidates an existing reference even if the backing slice reallocates.
type AtomPool struct {
	atoms []Atom
}

func NewAtomPool() *AtomPool {
	p := &AtomPool{}
	// Index 0 is the reserved null atom.
	p.atoms = append(p.atoms, Atom{OutputSection: -1})
	return p
}

func (p *AtomPool) Alloc(a Atom) AtomIndex {
	idx := AtomIndex(len(p.atoms))
	p.atoms = append(p.atoms, a)
	return idx
}

func (p *AtomPool) Get(idx AtomIndex) *Atom {
	return &p.atoms[idx]
}

func (p *AtomPool) Len() int { return len(p.atoms) }

// AppendToSection links atom `idx` onto the tail of the chain currently
// ending at `tail` (NullAtom if the chain is empty), returning the new tail.
func (p *AtomPool) AppendToSection(tail, idx AtomIndex) AtomIndex {
	a := p.Get(idx)
	a.Prev = tail
	a.Next = NullAtom
	if tail != NullAtom {
		p.Get(tail).Next = idx
	}
	return idx
}

// Walk calls fn for every atom in the chain starting at `first`, in address
// order, panicking if the chain cycles back on itself (no atom is visited
// twice).
func (p *AtomPool) Walk(first AtomIndex, fn func(AtomIndex, *Atom)) {
	seen := make(map[AtomIndex]bool)
	for idx := first; idx != NullAtom; {
		if seen[idx] {
			panic("atom chain cycle detected")
		}
		seen[idx] = true
		a := p.Get(idx)
		fn(idx, a)
		idx = a.Next
	}
}
