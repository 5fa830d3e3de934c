package linker

import "sort"

// machoSegmentOrder is the canonical Mach-O segment ordering: the format
// requires __PAGEZERO first (exe only), __TEXT's read-execute pages next,
// __DATA_CONST/__DATA read-write, __LINKEDIT always last.
var machoSegmentOrder = []string{"__PAGEZERO", "__TEXT", "__DATA_CONST", "__DATA", "__LINKEDIT"}

// Layout orders output sections into segments, walks each section's atom
// chain assigning addresses/file offsets, and (aarch64 only) inserts jump
// thunks for any direct branch that falls out of the 26-bit immediate's
// range once true addresses are known. Segment grouping is format-
// dispatched and shared by ELF and Mach-O, with Wasm opting out of virtual
// addressing entirely.
func Layout(ctx *Context) error {
	switch ctx.Format {
	case FormatELF:
		buildELFSegments(ctx)
	case FormatMachO:
		buildMachOSegments(ctx)
	case FormatWasm:
		return layoutWasm(ctx)
	}

	assignAddresses(ctx)

	if ctx.Opt.Target.CPUArch == ArchAArch64 {
		if err := insertThunksToFixedPoint(ctx); err != nil {
			return err
		}
	}

	computeTPAddr(ctx)
	return nil
}

// buildELFSegments groups output sections into the minimal two-segment
// model a statically linked executable needs: one read+execute PT_LOAD for
// every allocatable section that isn't writable, one read+write PT_LOAD for
// everything else. A group with no sections gets no PT_LOAD, so an image
// with only executable sections has a single segment. This module does not
// attempt the finer-grained RO/RX/RW three-segment split some production
// linkers use.
func buildELFSegments(ctx *Context) {
	const shfWrite = 0x1
	const shfAlloc = 0x2
	const shfExec = 0x4

	rx := &Segment{Name: "LOAD_RX", Protection: ProtRead | ProtExecute}
	rw := &Segment{Name: "LOAD_RW", Protection: ProtRead | ProtWrite}

	sortOutputSectionsELF(ctx)

	for i, osec := range ctx.OutputSections {
		if osec.Flags&shfAlloc == 0 {
			continue
		}
		if osec.Flags&shfWrite != 0 {
			rw.SectionIndexes = append(rw.SectionIndexes, i)
			osec.SegmentIndex = 1
		} else {
			rx.SectionIndexes = append(rx.SectionIndexes, i)
			osec.SegmentIndex = 0
		}
	}
	ctx.Segments = nil
	for _, seg := range []*Segment{rx, rw} {
		if len(seg.SectionIndexes) == 0 {
			continue
		}
		for _, si := range seg.SectionIndexes {
			ctx.OutputSections[si].SegmentIndex = len(ctx.Segments)
		}
		ctx.Segments = append(ctx.Segments, seg)
	}
}

// sortOutputSectionsELF orders sections .text-first among the executable
// group and .bss last among the writable group, a cheap approximation of a
// default linker script's SECTIONS ordering.
func sortOutputSectionsELF(ctx *Context) {
	rank := func(name string) int {
		switch {
		case name == ".text":
			return 0
		case name == ".rodata":
			return 1
		case name == ".data":
			return 2
		case name == ".bss":
			return 3
		default:
			return 4
		}
	}
	sort.SliceStable(ctx.OutputSections, func(i, j int) bool {
		return rank(ctx.OutputSections[i].Name) < rank(ctx.OutputSections[j].Name)
	})
}

// buildMachOSegments groups output sections by their SegmentName field into
// Segments ordered per machoSegmentOrder.
func buildMachOSegments(ctx *Context) {
	bySeg := make(map[string][]int)
	for i, osec := range ctx.OutputSections {
		bySeg[osec.SegmentName] = append(bySeg[osec.SegmentName], i)
	}

	var order []string
	seen := make(map[string]bool)
	for _, name := range machoSegmentOrder {
		if _, ok := bySeg[name]; ok {
			order = append(order, name)
			seen[name] = true
		}
	}
	for name := range bySeg {
		if !seen[name] {
			order = append(order, name)
		}
	}

	ctx.Segments = nil
	for _, name := range order {
		prot := ProtRead
		switch name {
		case "__TEXT":
			prot |= ProtExecute
		case "__DATA", "__DATA_CONST":
			prot |= ProtWrite
		}
		seg := &Segment{Name: name, Protection: prot, SectionIndexes: bySeg[name]}
		segIdx := len(ctx.Segments)
		for _, si := range bySeg[name] {
			ctx.OutputSections[si].SegmentIndex = segIdx
		}
		ctx.Segments = append(ctx.Segments, seg)
	}
}

// assignAddresses walks every segment's sections and every section's atom
// chain in order, handing out VM addresses and file offsets.
func assignAddresses(ctx *Context) {
	const pageSize = 0x1000
	addr := ctx.Opt.PageZeroSize
	if addr == 0 {
		addr = pageSize
	}
	fileOff := uint64(0)
	if ctx.Format == FormatELF {
		// Leave the first file page for the ELF header and program headers.
		fileOff = pageSize
	}

	for _, seg := range ctx.Segments {
		addr = alignUp(addr, pageSize)
		seg.VMAddr = addr
		seg.FileOffset = fileOff

		for _, si := range seg.SectionIndexes {
			osec := ctx.OutputSections[si]
			addr = alignUp(addr, uint64(1)<<osec.AlignLog2)
			osec.Addr = addr
			osec.FileOffset = fileOff + (addr - seg.VMAddr)

			ctx.Atoms.Walk(osec.FirstAtom, func(idx AtomIndex, a *Atom) {
				if !a.Alive {
					return
				}
				addr = alignUp(addr, a.AlignBytes())
				a.Addr = addr
				a.Offset = osec.FileOffset + (addr - osec.Addr)
				addr += a.Size
			})

			osec.Size = addr - osec.Addr
			if !isZerofillSection(osec) {
				fileOff += osec.Size
			}
		}

		seg.VMSize = addr - seg.VMAddr
		if !allZerofillSegment(ctx, seg) {
			seg.FileSize = fileOff - seg.FileOffset
		}
	}
}

// layoutWasm assigns each atom a section-relative Offset only: Wasm has no
// virtual address space, and pkg/format/wasm's finalizer is what actually
// orders and concatenates sections into the canonical binary layout. This
// module does not compute load addresses for Wasm output.
func layoutWasm(ctx *Context) error {
	for _, osec := range ctx.OutputSections {
		var off uint64
		ctx.Atoms.Walk(osec.FirstAtom, func(_ AtomIndex, a *Atom) {
			if !a.Alive {
				return
			}
			off = alignUp(off, a.AlignBytes())
			a.Offset = off
			a.Addr = off
			off += a.Size
		})
		osec.Size = off
	}
	return nil
}

func isZerofillSection(osec *OutputSection) bool {
	return osec.Name == ".bss" || osec.Name == "__bss" || osec.Name == "__common"
}

func allZerofillSegment(ctx *Context, seg *Segment) bool {
	for _, si := range seg.SectionIndexes {
		if !isZerofillSection(ctx.OutputSections[si]) {
			return false
		}
	}
	return len(seg.SectionIndexes) > 0
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// computeTPAddr records the thread-pointer base used by TPOFF32 relocation
// writing, once .tdata/.tbss have final addresses: a variant-1 TLS layout,
// where the thread pointer points just past the TLS block.
func computeTPAddr(ctx *Context) {
	for _, osec := range ctx.OutputSections {
		if osec.Name == ".tbss" || osec.Name == ".tdata" {
			TPAddrX86_64 = osec.Addr + osec.Size
		}
	}
}

// insertThunksToFixedPoint re-runs address assignment, inserting an aarch64
// jump thunk ahead of any CALL26/JUMP26 target that falls outside the
// 26-bit immediate's ±128MiB range, until a pass inserts no new thunk.
func insertThunksToFixedPoint(ctx *Context) error {
	const maxPasses = 8
	for pass := 0; pass < maxPasses; pass++ {
		inserted := false

		for _, osec := range ctx.OutputSections {
			ctx.Atoms.Walk(osec.FirstAtom, func(idx AtomIndex, a *Atom) {
				if !a.Alive {
					return
				}
				for i := range a.Relocs {
					r := &a.Relocs[i]
					if !isBranch26(r.Type) || r.ThunkAtom != NullAtom {
						continue
					}
					targetAddr, ok := targetAddrOf(ctx, r.Target)
					if !ok {
						continue
					}
					from := a.Addr + r.Offset
					if needsThunkARM64(from, targetAddr) {
						insertThunkBefore(ctx, osec, idx, a, r)
						inserted = true
					}
				}
			})
		}

		if !inserted {
			return nil
		}
		assignAddresses(ctx)
	}
	return nil
}

func isBranch26(relType int32) bool {
	return relType == 0x1a /* R_AARCH64_JUMP26 */ || relType == 0x1b /* R_AARCH64_CALL26 */
}

func targetAddrOf(ctx *Context, ref SymbolRef) (uint64, bool) {
	if ref.IsSynthetic() || ref.Input == nil {
		return 0, false
	}
	g := globalFor(ctx, ref)
	if g == nil || g.Atom == NullAtom {
		return 0, false
	}
	return ctx.Atoms.Get(g.Atom).Addr, true
}

// insertThunkBefore splices a SynthThunk atom into osec's chain immediately
// before atomIdx, and repoints r at the thunk instead of the far target.
// The thunk is 16 bytes of reserved space with no payload: no branch
// sequence is written into it, so its bytes stay zero in the output.
func insertThunkBefore(ctx *Context, osec *OutputSection, atomIdx AtomIndex, a *Atom, r *Relocation) {
	idx := ctx.Atoms.Alloc(Atom{
		Primary:       r.Target,
		Size:          16,
		AlignLog2:     2,
		OutputSection: a.OutputSection,
		Alive:         true,
		Kind:          SynthThunk,
	})
	thunk := ctx.Atoms.Get(idx)
	thunk.Prev = a.Prev
	thunk.Next = atomIdx
	if a.Prev != NullAtom {
		ctx.Atoms.Get(a.Prev).Next = idx
	} else {
		osec.FirstAtom = idx
	}
	a.Prev = idx

	r.ThunkAtom = idx
}
