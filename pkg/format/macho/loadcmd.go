package macho

import "github.com/nullsector/zld/pkg/linker"

// loadCommandPlan is the fixed-size shape of this link's load-command set:
// everything that decides byte length (segment/section counts, dylib name
// lengths, whether a code signature trails) without needing any of the
// offset/address values that are only known after linkedit streams exist.
// planLoadCommands and writeLoadCommands share this shape so their sizes
// can never drift apart (Finalize panics if they ever did).
type loadCommandPlan struct {
	count     uint32
	totalSize uint32
}

const dylinkerPath = "/usr/lib/dyld"

func cmdSizeAligned(fixed int, str string) uint32 {
	return uint32(alignUp(uint64(fixed+len(str)+1), 8))
}

func planLoadCommands(ctx *linker.Context, needCS bool) loadCommandPlan {
	var p loadCommandPlan

	haveLinkedit := false
	for _, seg := range ctx.Segments {
		p.totalSize += uint32(sizeofSegmentCommand64) + uint32(len(seg.SectionIndexes))*uint32(sizeofSection64)
		p.count++
		if seg.Name == "__LINKEDIT" {
			haveLinkedit = true
		}
	}
	// Finalize appends the section-less __LINKEDIT segment only after this
	// plan is made; its LC_SEGMENT_64 is counted here so both sizes agree.
	if !haveLinkedit {
		p.totalSize += uint32(sizeofSegmentCommand64)
		p.count++
	}

	p.totalSize += 48 // LC_DYLD_INFO_ONLY (DyldInfoCommand)
	p.count++

	p.totalSize += 16 * 2 // LC_FUNCTION_STARTS, LC_DATA_IN_CODE (LinkEditDataCommand)
	p.count += 2

	p.totalSize += 24 // LC_SYMTAB
	p.count++
	p.totalSize += 80 // LC_DYSYMTAB
	p.count++

	p.totalSize += cmdSizeAligned(12, dylinkerPath) // LC_LOAD_DYLINKER
	p.count++

	if ctx.Opt.OutputMode == linker.OutputModeLib {
		p.totalSize += cmdSizeAligned(24, ctx.Opt.Emit.SubPath) // LC_ID_DYLIB
	} else {
		p.totalSize += 24 // LC_MAIN
	}
	p.count++

	p.totalSize += 16 // LC_SOURCE_VERSION
	p.count++
	p.totalSize += 24 // LC_BUILD_VERSION, no tool entries
	p.count++
	p.totalSize += 24 // LC_UUID
	p.count++

	for _, d := range ctx.Dylibs {
		p.totalSize += cmdSizeAligned(24, d.InstallName)
		p.count++
	}

	if needCS {
		p.totalSize += 16 // LC_CODE_SIGNATURE
		p.count++
	}

	return p
}

// loadCommandFields carries every value writeLoadCommands needs that only
// exists after the linkedit streams and segment addresses are final.
type loadCommandFields struct {
	rebaseOff, lazyBindOff, bindOff, exportOff           uint64
	rebaseSize, bindSize, lazyBindSize, exportSize        uint32
	fnStartsOff, dataInCodeOff                            uint64
	fnStartsSize, dataInCodeSize                          uint32
	symtabOff, strtabOff                                  uint64
	nsyms, strtabSize                                     uint32
	iextdefsym, nextdefsym, iundefsym, nundefsym          uint32
	indirectSymOff                                        uint64
	nIndirectSyms                                         uint32
	codeSigOff                                            uint64
	codeSigSize                                           uint32
	gotReserved1, stubReserved1, lazyReserved1            uint32
}

func appendCmd(buf []byte, cmd, cmdSize uint32) []byte {
	return append(buf, byte(cmd), byte(cmd>>8), byte(cmd>>16), byte(cmd>>24),
		byte(cmdSize), byte(cmdSize>>8), byte(cmdSize>>16), byte(cmdSize>>24))
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU64(buf []byte, v uint64) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func appendCString8(buf []byte, headerLen int, s string) []byte {
	buf = append(buf, []byte(s)...)
	buf = append(buf, 0)
	total := headerLen + len(s) + 1
	pad := int(alignUp(uint64(total), 8)) - total
	for i := 0; i < pad; i++ {
		buf = append(buf, 0)
	}
	return buf
}

// writeLoadCommands emits the output file's load commands in a fixed order:
// segments, dyld_info, function_starts, data_in_code, symtab, dysymtab,
// dylinker, main/dylib_id, source_version, build_version, uuid,
// load_dylib(s), code_signature. (LC_RPATH has no slot here: Options
// doesn't carry an rpath list since cmd/zld's driver never parses
// `-rpath`, so the order's rpath position simply has zero entries.)
func writeLoadCommands(ctx *linker.Context, plan loadCommandPlan, f loadCommandFields) []byte {
	var buf []byte

	for _, seg := range ctx.Segments {
		cmdSize := uint32(sizeofSegmentCommand64) + uint32(len(seg.SectionIndexes))*uint32(sizeofSection64)
		buf = appendCmd(buf, LCSegment64, cmdSize)
		nameBuf := segName(seg.Name)
		buf = append(buf, nameBuf[:]...)
		buf = appendU64(buf, seg.VMAddr)
		buf = appendU64(buf, seg.VMSize)
		buf = appendU64(buf, seg.FileOffset)
		buf = appendU64(buf, seg.FileSize)
		buf = appendU32(buf, uint32(protToVM(seg.Protection)))
		buf = appendU32(buf, uint32(protToVM(seg.Protection)))
		buf = appendU32(buf, uint32(len(seg.SectionIndexes)))
		buf = appendU32(buf, 0)

		for _, si := range seg.SectionIndexes {
			osec := ctx.OutputSections[si]
			sNameBuf := sectName(osec.Name)
			buf = append(buf, sNameBuf[:]...)
			buf = append(buf, nameBuf[:]...)
			buf = appendU64(buf, osec.Addr)
			buf = appendU64(buf, osec.Size)
			buf = appendU32(buf, uint32(osec.FileOffset))
			buf = appendU32(buf, uint32(osec.AlignLog2))
			buf = appendU32(buf, 0) // Reloff: relocations are resolved at link time, never re-emitted
			buf = appendU32(buf, 0) // Nreloc
			buf = appendU32(buf, uint32(osec.Type)|uint32(osec.Flags))
			r1, r2 := reservedFieldsFor(osec.Name, f)
			buf = appendU32(buf, r1)
			buf = appendU32(buf, r2)
			buf = appendU32(buf, 0)
		}
	}

	buf = appendCmd(buf, LCDyldInfoOnly, 48)
	buf = appendU32(buf, uint32(f.rebaseOff))
	buf = appendU32(buf, f.rebaseSize)
	buf = appendU32(buf, uint32(f.bindOff))
	buf = appendU32(buf, f.bindSize)
	buf = appendU32(buf, 0) // weak bind: this module never emits weak-bind entries separately from bind
	buf = appendU32(buf, 0)
	buf = appendU32(buf, uint32(f.lazyBindOff))
	buf = appendU32(buf, f.lazyBindSize)
	buf = appendU32(buf, uint32(f.exportOff))
	buf = appendU32(buf, f.exportSize)

	buf = appendCmd(buf, LCFunctionStarts, 16)
	buf = appendU32(buf, uint32(f.fnStartsOff))
	buf = appendU32(buf, f.fnStartsSize)

	buf = appendCmd(buf, LCDataInCode, 16)
	buf = appendU32(buf, uint32(f.dataInCodeOff))
	buf = appendU32(buf, f.dataInCodeSize)

	buf = appendCmd(buf, LCSymtab, 24)
	buf = appendU32(buf, uint32(f.symtabOff))
	buf = appendU32(buf, f.nsyms)
	buf = appendU32(buf, uint32(f.strtabOff))
	buf = appendU32(buf, f.strtabSize)

	buf = appendCmd(buf, LCDysymtab, 80)
	buf = appendU32(buf, 0) // ilocalsym
	buf = appendU32(buf, 0) // nlocalsym: this link never reconstructs input-local symbol names into the output symtab
	buf = appendU32(buf, f.iextdefsym)
	buf = appendU32(buf, f.nextdefsym)
	buf = appendU32(buf, f.iundefsym)
	buf = appendU32(buf, f.nundefsym)
	buf = appendU32(buf, 0) // tocoff
	buf = appendU32(buf, 0) // ntoc
	buf = appendU32(buf, 0) // modtaboff
	buf = appendU32(buf, 0) // nmodtab
	buf = appendU32(buf, 0) // extrefsymoff
	buf = appendU32(buf, 0) // nextrefsyms
	buf = appendU32(buf, uint32(f.indirectSymOff))
	buf = appendU32(buf, f.nIndirectSyms)
	buf = appendU32(buf, 0) // extreloff
	buf = appendU32(buf, 0) // nextrel
	buf = appendU32(buf, 0) // locreloff
	buf = appendU32(buf, 0) // nlocrel

	dylinkerCmdSize := cmdSizeAligned(12, dylinkerPath)
	buf = appendCmd(buf, LCLoadDylinker, dylinkerCmdSize)
	buf = appendU32(buf, 12)
	buf = appendCString8(buf, 12, dylinkerPath)

	if ctx.Opt.OutputMode == linker.OutputModeLib {
		idCmdSize := cmdSizeAligned(24, ctx.Opt.Emit.SubPath)
		buf = appendCmd(buf, LCIDDylib, idCmdSize)
		buf = appendU32(buf, 24)
		buf = appendU32(buf, 0) // timestamp
		buf = appendU32(buf, 1) // current_version
		buf = appendU32(buf, 1) // compatibility_version
		buf = appendCString8(buf, 24, ctx.Opt.Emit.SubPath)
	} else {
		buf = appendCmd(buf, LCMain, 24)
		entryOff := resolveEntryOffset(ctx)
		buf = appendU64(buf, entryOff)
		buf = appendU64(buf, ctx.Opt.StackSize)
	}

	buf = appendCmd(buf, LCSourceVersion, 16)
	buf = appendU64(buf, 0)

	buf = appendCmd(buf, LCBuildVersion, 24)
	buf = appendU32(buf, 1) // PLATFORM_MACOS
	buf = appendU32(buf, 0)
	buf = appendU32(buf, 0)
	buf = appendU32(buf, 0) // ntools

	buf = appendCmd(buf, LCUUID, 24)
	buf = append(buf, make([]byte, 16)...)

	for _, d := range ctx.Dylibs {
		cmdSize := cmdSizeAligned(24, d.InstallName)
		cmd := uint32(LCLoadDylib)
		if d.Weak {
			cmd = LCLoadWeakDylib
		}
		buf = appendCmd(buf, cmd, cmdSize)
		buf = appendU32(buf, 24)
		buf = appendU32(buf, 0) // timestamp
		buf = appendU32(buf, d.CurrentVersion)
		buf = appendU32(buf, d.CompatibilityVersion)
		buf = appendCString8(buf, 24, d.InstallName)
	}

	if f.codeSigSize > 0 {
		buf = appendCmd(buf, LCCodeSignature, 16)
		buf = appendU32(buf, uint32(f.codeSigOff))
		buf = appendU32(buf, f.codeSigSize)
	}

	return buf
}

func reservedFieldsFor(name string, f loadCommandFields) (uint32, uint32) {
	switch name {
	case "__got", "__thread_ptrs":
		return f.gotReserved1, 0
	case "__stubs":
		return f.stubReserved1, 16 // Reserved2: bytes per stub, matching the Size synthetic.go allocates
	case "__la_symbol_ptr":
		return f.lazyReserved1, 0
	default:
		return 0, 0
	}
}

func protToVM(p int) int {
	v := 0
	if p&linker.ProtRead != 0 {
		v |= VMProtRead
	}
	if p&linker.ProtWrite != 0 {
		v |= VMProtWrite
	}
	if p&linker.ProtExecute != 0 {
		v |= VMProtExecute
	}
	return v
}

func resolveEntryOffset(ctx *linker.Context) uint64 {
	name := ctx.Opt.Entry
	if name == "" {
		name = "_main"
	}
	if idx, ok := ctx.GlobalIndex[name]; ok {
		g := ctx.Globals[idx]
		if g.Atom != linker.NullAtom {
			textSeg := findSegment(ctx, "__TEXT")
			addr := ctx.Atoms.Get(g.Atom).Addr
			if textSeg != nil {
				return addr - textSeg.VMAddr + textSeg.FileOffset
			}
			return addr
		}
	}
	return 0
}

// patchUUID overwrites the 16 zero bytes LC_UUID reserved with uuid. Finding
// the load command again by walking NCmds rather than reusing the offset
// writeLoadCommands computed keeps this correct even if an earlier command's
// variable-length string padding ever changes independent of this function.
func patchUUID(buf []byte, plan loadCommandPlan, uuid [16]byte) {
	off := uint32(32)
	for i := uint32(0); i < plan.count; i++ {
		cmd := uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
		cmdSize := uint32(buf[off+4]) | uint32(buf[off+5])<<8 | uint32(buf[off+6])<<16 | uint32(buf[off+7])<<24
		if cmd == LCUUID {
			copy(buf[off+8:off+24], uuid[:])
			return
		}
		off += cmdSize
	}
}
