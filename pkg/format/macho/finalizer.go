package macho

import (
	"sort"

	"github.com/nullsector/zld/pkg/linker"
	"github.com/nullsector/zld/pkg/utils"
)

const indirectSymbolLocal = 0x80000000

// Finalize runs the Mach-O-specific final stage: the shared
// resolve/layout/relocation pipeline, a first Layout pass to learn the
// segment/section/dylib shape, sizing of the createMachOHeaderPad atom
// (pkg/linker/synthetic.go) to the load-command bytes that shape implies, a
// second Layout pass so every atom's final address accounts for that
// header, then construction of every __LINKEDIT stream and load command in
// their canonical order.
//
// The two-pass Layout call is this package's answer to a shared-engine
// wrinkle ELF doesn't have: ELF's header lives ahead of the first PT_LOAD's
// content and never occupies atom-chain space (pkg/format/elf/finalizer.go
// just grows ctx.Buf and shifts nothing), but Mach-O's load commands are
// conventionally the first bytes of __TEXT's __text section, modeled here
// as a zero-size atom spliced at the front of that chain. Layout/
// assignAddresses (pkg/linker/layout.go) is a pure function of atom sizes
// and already idempotent (aarch64 thunk insertion re-checks
// r.ThunkAtom != NullAtom before acting), so re-running it after growing
// the pad atom is exactly equivalent to a linker script that reserves a
// header region before laying out sections, without needing a third way to
// express that reservation in the shared engine.
func Finalize(ctx *linker.Context) ([]byte, error) {
	backend := New(ctx.Opt.Target.CPUArch)
	if err := linker.ResolveSymbols(ctx, backend); err != nil {
		return nil, err
	}
	if err := linker.BuildAtoms(ctx); err != nil {
		return nil, err
	}
	if err := linker.CreateSyntheticAtoms(ctx); err != nil {
		return nil, err
	}
	if err := linker.Layout(ctx); err != nil {
		return nil, err
	}

	needCS := needsCodeSignature(ctx)
	plan := planLoadCommands(ctx, needCS)

	pad := findHeaderPad(ctx)
	if pad != nil {
		pad.Size = uint64(32) + uint64(plan.totalSize) // mach_header_64 + commands
	}
	if err := linker.Layout(ctx); err != nil {
		return nil, err
	}
	if err := linker.WriteRelocations(ctx); err != nil {
		return nil, err
	}

	sectionOrdinal := assignSectionOrdinals(ctx)

	textSeg := findSegment(ctx, "__TEXT")
	var textBase uint64
	if textSeg != nil {
		textBase = textSeg.VMAddr
	}

	exports := exportedGlobals(ctx)
	imports := importedGlobals(ctx)
	symIndex := make(map[string]int, len(exports)+len(imports))
	for i, g := range exports {
		symIndex[g.Name] = i
	}
	for i, g := range imports {
		symIndex[g.Name] = len(exports) + i
	}

	rebases, binds := collectPointerAtoms(ctx)
	lazyEntries := collectStubAtoms(ctx)
	lazyBindStream, _ := buildLazyBindStream(lazyEntries)
	rebaseStream := buildRebaseStream(rebases)
	bindStream := buildBindStream(binds)
	exportList := collectExports(ctx)
	exportStream := buildExportTrie(textBase, exportList)
	fnStarts := buildFunctionStarts(ctx, textBase)
	dataInCode := []byte{} // no data-in-code regions: this module never emits ARM Thumb/jump-table literals

	symtabBytes, strtab := buildSymtab(ctx, exports, imports, sectionOrdinal)
	indirectSyms, gotStart, stubStart, lazyStart := buildIndirectSymtab(ctx, symIndex)

	preBuf := ctx.Buf
	linkeditFileOff := alignUp(uint64(len(preBuf)), pageSize)
	var linkeditVMAddr uint64
	if len(ctx.Segments) > 0 {
		last := ctx.Segments[len(ctx.Segments)-1]
		linkeditVMAddr = alignUp(last.VMAddr+last.VMSize, pageSize)
	}

	type stream struct {
		off  uint64
		data []byte
	}
	cursor := linkeditFileOff
	place := func(data []byte) stream {
		s := stream{off: cursor, data: data}
		cursor += uint64(len(data))
		cursor = alignUp(cursor, 8)
		return s
	}

	sRebase := place(rebaseStream)
	sBind := place(bindStream)
	sLazyBind := place(lazyBindStream)
	sExport := place(exportStream)
	sFnStarts := place(fnStarts)
	sDataInCode := place(dataInCode)
	sSymtab := place(symtabBytes)
	sStrtab := place(strtab)
	sIndirect := place(toBytes(indirectSyms))

	preSize := cursor
	buf := make([]byte, preSize)
	copy(buf, preBuf)
	for _, s := range []stream{sRebase, sBind, sLazyBind, sExport, sFnStarts, sDataInCode, sSymtab, sStrtab, sIndirect} {
		copy(buf[s.off:], s.data)
	}

	var csOff, csSize uint64
	if needCS {
		csOff = preSize
		csSize = uint64(estimateCodeSignatureSize(int(preSize), ctx.Opt.Emit.SubPath))
	}

	linkeditSeg := &linker.Segment{
		Name:       "__LINKEDIT",
		VMAddr:     linkeditVMAddr,
		FileOffset: linkeditFileOff,
		FileSize:   preSize - linkeditFileOff + csSize,
	}
	linkeditSeg.VMSize = alignUp(linkeditSeg.FileSize, pageSize)
	linkeditSeg.Protection = linker.ProtRead
	ctx.Segments = append(ctx.Segments, linkeditSeg)

	fields := loadCommandFields{
		rebaseOff: sRebase.off, rebaseSize: uint32(len(rebaseStream)),
		bindOff: sBind.off, bindSize: uint32(len(bindStream)),
		lazyBindOff: sLazyBind.off, lazyBindSize: uint32(len(lazyBindStream)),
		exportOff: sExport.off, exportSize: uint32(len(exportStream)),
		fnStartsOff: sFnStarts.off, fnStartsSize: uint32(len(fnStarts)),
		dataInCodeOff: sDataInCode.off, dataInCodeSize: uint32(len(dataInCode)),
		symtabOff: sSymtab.off, nsyms: uint32(len(exports) + len(imports)),
		strtabOff: sStrtab.off, strtabSize: uint32(len(strtab)),
		iextdefsym: 0, nextdefsym: uint32(len(exports)),
		iundefsym: uint32(len(exports)), nundefsym: uint32(len(imports)),
		indirectSymOff: sIndirect.off, nIndirectSyms: uint32(len(indirectSyms)),
		codeSigOff: csOff, codeSigSize: uint32(csSize),
		gotReserved1: uint32(gotStart), stubReserved1: uint32(stubStart), lazyReserved1: uint32(lazyStart),
	}

	cmdBytes := writeLoadCommands(ctx, plan, fields)
	if uint32(len(cmdBytes)) != plan.totalSize {
		// The two-pass size/emit split (planLoadCommands vs writeLoadCommands)
		// must agree exactly: every field both compute is a fixed-width struct
		// count, never a variable-length encoding, so only a logic bug (not a
		// late-arriving value) could make these differ.
		panic("macho: load command size mismatch")
	}

	total := linkeditSeg.FileOffset + linkeditSeg.FileSize
	if uint64(len(buf)) < total {
		grown := make([]byte, total)
		copy(grown, buf)
		buf = grown
	}
	ctx.Buf = buf

	var hdr Header64
	hdr.Magic = MHMagic64
	switch ctx.Opt.Target.CPUArch {
	case linker.ArchX86_64:
		hdr.CPUType, hdr.CPUSubtype = CPUTypeX86_64, CPUSubtypeAll
	case linker.ArchAArch64:
		hdr.CPUType, hdr.CPUSubtype = CPUTypeARM64, CPUSubtypeAll
	}
	if ctx.Opt.OutputMode == linker.OutputModeLib {
		hdr.FileType = MHDylib
	} else {
		hdr.FileType = MHExecute
	}
	hdr.NCmds = plan.count
	hdr.SizeOfCmds = plan.totalSize
	hdr.Flags = MHNoUndefs | MHDyldLink | MHTwoLevel | MHPIE
	if anyThreadLocal(ctx) {
		hdr.Flags |= MHHasTLVDescriptors
	}
	utils.Write[Header64](ctx.Buf, hdr)
	copy(ctx.Buf[32:], cmdBytes)

	uuid := computeUUID(ctx.Buf, ctx.Opt.SourceDateEpoch)
	patchUUID(ctx.Buf, plan, uuid)

	if needCS {
		execSegBase, execSegLimit := uint64(0), uint64(0)
		if textSeg != nil {
			execSegBase, execSegLimit = textSeg.FileOffset, textSeg.FileSize
		}
		sig := buildCodeSignature(ctx.Opt.Emit.SubPath, ctx.Buf[:csOff], execSegBase, execSegLimit)
		if uint64(len(sig)) > csSize {
			sig = sig[:csSize]
		}
		copy(ctx.Buf[csOff:], sig)
	}

	return ctx.Buf, nil
}

func toBytes(idx []uint32) []byte {
	buf := make([]byte, len(idx)*4)
	for i, v := range idx {
		buf[i*4], buf[i*4+1], buf[i*4+2], buf[i*4+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	return buf
}

func alignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

func findHeaderPad(ctx *linker.Context) *linker.Atom {
	for i := 0; i < ctx.Atoms.Len(); i++ {
		a := ctx.Atoms.Get(linker.AtomIndex(i))
		if a.Kind == linker.SynthMachOHeaderPad {
			return a
		}
	}
	return nil
}

func findSegment(ctx *linker.Context, name string) *linker.Segment {
	for _, s := range ctx.Segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func needsCodeSignature(ctx *linker.Context) bool {
	return ctx.Opt.Target.CPUArch == linker.ArchAArch64 || ctx.Opt.Entitlements != ""
}

func anyThreadLocal(ctx *linker.Context) bool {
	for _, osec := range ctx.OutputSections {
		if osec.Type == SThreadLocalVariables || osec.Type == SThreadLocalRegular || osec.Type == SThreadLocalZerofill {
			return true
		}
	}
	return false
}

// estimateCodeSignatureSize mirrors buildCodeSignature's length formula
// without hashing anything, so the load-command plan can reserve the right
// DataSize before the signature itself is computable (it covers everything
// up to its own offset, including the load commands that describe it).
func estimateCodeSignatureSize(preSize int, identifier string) int {
	nPages := (preSize + CSPageSize - 1) / CSPageSize
	const cdHeaderSize = 9*4 + 4*1 + 4*4 + 4*8
	identLen := len(identifier) + 1
	return 12 + 8 + cdHeaderSize + identLen + nPages*32
}

func exportedGlobals(ctx *linker.Context) []*linker.Global {
	var out []*linker.Global
	for _, g := range ctx.Globals {
		if g.IsExported && g.Atom != linker.NullAtom {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func importedGlobals(ctx *linker.Context) []*linker.Global {
	var out []*linker.Global
	for _, g := range ctx.Globals {
		if g.DylibOrdinal != 0 {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func assignSectionOrdinals(ctx *linker.Context) map[int]int {
	ord := make(map[int]int)
	n := 1
	for _, seg := range ctx.Segments {
		for _, si := range seg.SectionIndexes {
			ord[si] = n
			n++
		}
	}
	return ord
}

func buildSymtab(ctx *linker.Context, exports, imports []*linker.Global, sectionOrdinal map[int]int) ([]byte, []byte) {
	strtab := []byte{0}
	intern := func(s string) uint32 {
		off := uint32(len(strtab))
		strtab = append(strtab, []byte(s)...)
		strtab = append(strtab, 0)
		return off
	}

	var buf []byte
	write := func(nl Nlist64) {
		b := make([]byte, 16)
		b[0], b[1], b[2], b[3] = byte(nl.Strx), byte(nl.Strx>>8), byte(nl.Strx>>16), byte(nl.Strx>>24)
		b[4] = nl.Type
		b[5] = nl.Sect
		b[6], b[7] = byte(nl.Desc), byte(nl.Desc>>8)
		v := nl.Value
		for i := 0; i < 8; i++ {
			b[8+i] = byte(v >> (8 * i))
		}
		buf = append(buf, b...)
	}

	for _, g := range exports {
		a := ctx.Atoms.Get(g.Atom)
		sect := uint8(sectionOrdinal[a.OutputSection])
		write(Nlist64{Strx: intern(g.Name), Type: NExt | NSect, Sect: sect, Value: a.Addr})
	}
	for _, g := range imports {
		write(Nlist64{Strx: intern(g.Name), Type: NExt | NUndf, Sect: 0, Desc: uint16(g.DylibOrdinal) << 8})
	}
	return buf, strtab
}

// buildIndirectSymtab walks the GOT/stub/lazy-pointer sections in the same
// atom-chain order their Section64 entries will be emitted in, recording
// each pointer slot's symtab index (or INDIRECT_SYMBOL_LOCAL when the
// pointee resolved inside this link rather than against a dylib).
func buildIndirectSymtab(ctx *linker.Context, symIndex map[string]int) (idx []uint32, gotStart, stubStart, lazyStart int) {
	collect := func(kind linker.SyntheticKind) []uint32 {
		var out []uint32
		for _, osec := range ctx.OutputSections {
			ctx.Atoms.Walk(osec.FirstAtom, func(_ linker.AtomIndex, a *linker.Atom) {
				if !a.Alive || a.Kind != kind {
					return
				}
				g := globalOf(ctx, a.Primary)
				if g != nil {
					if i, ok := symIndex[g.Name]; ok {
						out = append(out, uint32(i))
						return
					}
				}
				out = append(out, indirectSymbolLocal)
			})
		}
		return out
	}

	gotEntries := collect(linker.SynthGOTEntry)
	stubEntries := collect(linker.SynthStub)
	lazyEntries := collect(linker.SynthLazyPointer)

	gotStart = 0
	idx = append(idx, gotEntries...)
	stubStart = len(idx)
	idx = append(idx, stubEntries...)
	lazyStart = len(idx)
	idx = append(idx, lazyEntries...)
	return idx, gotStart, stubStart, lazyStart
}

