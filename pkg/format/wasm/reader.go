package wasm

import (
	"fmt"

	"github.com/nullsector/zld/pkg/linker"
)

// importEntry is one import-section entry as read from the object, kept
// verbatim so the finalizer can decide which ones survive into the merged
// module (an import whose name a Global resolved against another object's
// definition is dropped; everything else becomes a real host import).
type importEntry struct {
	Module, Field string
	Kind          uint8

	// TypeIdx is only meaningful when Kind == KindFunc; it is the raw index
	// into this object's own type section (the finalizer adds the object's
	// type base).
	TypeIdx uint32

	Table  tableType
	Memory memoryType
	Global globalType
}

type tableType struct {
	ElemType      uint8
	HasMax        bool
	Min, Max      uint32
}

type memoryType struct {
	Shared        bool
	HasMax        bool
	Min, Max      uint32
}

type globalType struct {
	ValType  uint8
	Mutable  bool
}

type exportEntry struct {
	Name  string
	Kind  uint8
	Index uint32
}

// Reader parses one relocatable Wasm object (a `.o` produced by `wasm-ld
// -r`/clang `--relocatable`), implementing linker.ObjectReader. Unlike ELF,
// a Wasm object's "sections" are not independently addressable byte
// ranges: function bodies and data segments are sub-records inside the
// single code/data sections, so Parse flattens them into two synthetic
// RawSections ("code", "data") the shared atom builder subdivides, one atom
// per SYMTAB_FUNCTION/SYMTAB_DATA symbol.
type Reader struct {
	f *linker.File

	types [][]byte // raw (form, params..., results...) bytes, one per type

	imports        []importEntry
	numFuncImports int

	funcTypeIdx []uint32 // per locally defined function, raw object-local type index
	globalsRaw  [][]byte // per locally defined global, raw valtype+mut+initexpr
	tables      []tableType
	memories    []memoryType
	exports     []exportEntry
	startFunc   int64 // -1 if absent; indexes this object's own function space

	// codeContent/dataContent are the synthetic concatenated buffers
	// RawSections() exposes; codeOffsets/dataOffsets translate a genuine
	// wasm section-relative reloc.CODE/reloc.DATA offset into an offset
	// within them.
	codeContent []byte
	dataContent []byte
	codeBase    int // the real "code" section's body starts here in the raw file's reloc offset space
	dataBase    int

	// codeFuncStart/dataSegStart are, per original function/data-segment
	// index, the byte offset (relative to the real section's body) of its
	// first content byte; codeFuncContentOff/dataSegContentOff are where
	// that same content landed in the synthetic concatenated buffer.
	// translateRelocs uses both to remap a reloc.CODE/reloc.DATA offset.
	codeFuncStart      []int
	codeFuncContentOff []int
	dataSegStart       []int
	dataSegContentOff  []int

	rawSections []linker.RawSection
	rawSymbols  []*linker.Symbol
	firstGlobal int
	relocs      map[int][]linker.RawReloc

	// symFuncIdx[i] is meaningful when rawSymbols[i]'s Type == SymKindFunction:
	// the original local function index (import space included) it names.
	symFuncIdx []int32

	// exportedFuncs/exportedData list the names carrying WASM_SYM_EXPORTED
	// in the linking section's symbol table, the convention a relocatable
	// object actually uses to ask the linker for an export (as opposed to
	// the wire-format export section, which such objects rarely populate).
	exportedFuncs []string
	exportedData  []string
}

func NewReader(f *linker.File) *Reader {
	return &Reader{f: f, relocs: make(map[int][]linker.RawReloc), startFunc: -1}
}

func (r *Reader) Parse(ctx *linker.Context) error {
	data := r.f.Contents
	if len(data) < 8 || data[0] != wasmMagic[0] || data[1] != wasmMagic[1] ||
		data[2] != wasmMagic[2] || data[3] != wasmMagic[3] {
		return fmt.Errorf("%s: not a Wasm module", r.f.Name)
	}
	version := uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16 | uint32(data[7])<<24
	if version != wasmVersion {
		return fmt.Errorf("%s: unsupported Wasm version %d", r.f.Name, version)
	}

	pos := 8
	var codeSecBody []byte
	var dataSecBody []byte
	var funcSigs []uint32 // SecFunction entries, local function -> raw type index
	var linkingBody []byte
	relocCode := []linker.RawReloc{}
	relocData := []linker.RawReloc{}

	for pos < len(data) {
		id := data[pos]
		pos++
		size, n := readULEB128(data, pos)
		pos += n
		if pos+int(size) > len(data) {
			return fmt.Errorf("%s: section %d overruns file", r.f.Name, id)
		}
		body := data[pos : pos+int(size)]
		bodyFileOff := pos
		pos += int(size)

		switch id {
		case SecType:
			r.parseTypeSection(body)
		case SecImport:
			r.parseImportSection(body)
		case SecFunction:
			cnt, k := readULEB128(body, 0)
			off := k
			funcSigs = make([]uint32, cnt)
			for i := range funcSigs {
				v, k := readULEB128(body, off)
				funcSigs[i] = uint32(v)
				off += k
			}
		case SecTable:
			r.parseTableSection(body)
		case SecMemory:
			r.parseMemorySection(body)
		case SecGlobal:
			r.parseGlobalSection(body)
		case SecExport:
			r.parseExportSection(body)
		case SecStart:
			v, _ := readULEB128(body, 0)
			r.startFunc = int64(v)
		case SecCode:
			codeSecBody = body
			r.codeBase = bodyFileOff
		case SecData:
			dataSecBody = body
			r.dataBase = bodyFileOff
		case SecDataCount:
			// Only used by bulk-memory validation; this module derives the
			// segment count from the data section itself.
		case SecCustom:
			name, k := readName(body, 0)
			switch name {
			case "linking":
				linkingBody = body[k:]
			case "reloc.CODE":
				relocCode = r.parseRelocSection(body[k:])
			case "reloc.DATA":
				relocData = r.parseRelocSection(body[k:])
			}
		}
	}

	r.numFuncImports = countImports(r.imports, KindFunc)
	r.funcTypeIdx = funcSigs

	if err := r.splitCode(codeSecBody); err != nil {
		return fmt.Errorf("%s: %w", r.f.Name, err)
	}
	r.splitData(dataSecBody)

	r.rawSections = []linker.RawSection{
		{Name: "code", Size: uint64(len(r.codeContent)), Contents: r.codeContent},
		{Name: "data", Size: uint64(len(r.dataContent)), Contents: r.dataContent},
	}

	r.relocs[0] = r.translateRelocs(relocCode, r.codeBase, true)
	r.relocs[1] = r.translateRelocs(relocData, r.dataBase, false)

	if linkingBody != nil {
		r.parseLinkingSection(linkingBody)
	}
	return nil
}

// countImports returns the number of import entries whose Kind matches
// kind, wherever they sit in the import list. Wasm's index spaces are always
// import-entries-first, so that count is also where the locally defined
// entries of that kind start.
func countImports(imports []importEntry, kind uint8) int {
	n := 0
	for _, im := range imports {
		if im.Kind == kind {
			n++
		}
	}
	return n
}

func readName(buf []byte, pos int) (string, int) {
	n, k := readULEB128(buf, pos)
	pos += k
	end := pos + int(n)
	if end > len(buf) {
		end = len(buf)
	}
	return string(buf[pos:end]), end
}

func (r *Reader) parseTypeSection(body []byte) {
	cnt, pos := readULEB128(body, 0)
	r.types = make([][]byte, cnt)
	for i := range r.types {
		start := pos
		pos++ // form byte, always 0x60 (func)
		np, k := readULEB128(body, pos)
		pos += k + int(np)
		nr, k2 := readULEB128(body, pos)
		pos += k2 + int(nr)
		r.types[i] = body[start:pos]
	}
}

func (r *Reader) parseImportSection(body []byte) {
	cnt, pos := readULEB128(body, 0)
	r.imports = make([]importEntry, 0, cnt)
	for i := uint64(0); i < cnt; i++ {
		mod, k := readName(body, pos)
		pos = k
		field, k2 := readName(body, pos)
		pos = k2
		kind := body[pos]
		pos++
		im := importEntry{Module: mod, Field: field, Kind: kind}
		switch kind {
		case KindFunc:
			v, k := readULEB128(body, pos)
			im.TypeIdx = uint32(v)
			pos += k
		case KindTable:
			im.Table.ElemType = body[pos]
			pos++
			flags := body[pos]
			pos++
			v, k := readULEB128(body, pos)
			im.Table.Min = uint32(v)
			pos += k
			if flags&1 != 0 {
				im.Table.HasMax = true
				v, k := readULEB128(body, pos)
				im.Table.Max = uint32(v)
				pos += k
			}
		case KindMemory:
			flags := body[pos]
			pos++
			v, k := readULEB128(body, pos)
			im.Memory.Min = uint32(v)
			pos += k
			im.Memory.Shared = flags&2 != 0
			if flags&1 != 0 {
				im.Memory.HasMax = true
				v, k := readULEB128(body, pos)
				im.Memory.Max = uint32(v)
				pos += k
			}
		case KindGlobal:
			im.Global.ValType = body[pos]
			pos++
			im.Global.Mutable = body[pos] != 0
			pos++
		}
		r.imports = append(r.imports, im)
	}
}

func (r *Reader) parseTableSection(body []byte) {
	cnt, pos := readULEB128(body, 0)
	for i := uint64(0); i < cnt; i++ {
		var t tableType
		t.ElemType = body[pos]
		pos++
		flags := body[pos]
		pos++
		v, k := readULEB128(body, pos)
		t.Min = uint32(v)
		pos += k
		if flags&1 != 0 {
			t.HasMax = true
			v, k := readULEB128(body, pos)
			t.Max = uint32(v)
			pos += k
		}
		r.tables = append(r.tables, t)
	}
}

func (r *Reader) parseMemorySection(body []byte) {
	cnt, pos := readULEB128(body, 0)
	for i := uint64(0); i < cnt; i++ {
		var m memoryType
		flags := body[pos]
		pos++
		v, k := readULEB128(body, pos)
		m.Min = uint32(v)
		pos += k
		m.Shared = flags&2 != 0
		if flags&1 != 0 {
			m.HasMax = true
			v, k := readULEB128(body, pos)
			m.Max = uint32(v)
			pos += k
		}
		r.memories = append(r.memories, m)
	}
}

func (r *Reader) parseGlobalSection(body []byte) {
	cnt, pos := readULEB128(body, 0)
	for i := uint64(0); i < cnt; i++ {
		start := pos
		pos++ // valtype
		pos++ // mutability
		pos = skipInitExpr(body, pos)
		r.globalsRaw = append(r.globalsRaw, body[start:pos])
	}
}

func (r *Reader) parseExportSection(body []byte) {
	cnt, pos := readULEB128(body, 0)
	for i := uint64(0); i < cnt; i++ {
		name, k := readName(body, pos)
		pos = k
		kind := body[pos]
		pos++
		v, k2 := readULEB128(body, pos)
		pos += k2
		r.exports = append(r.exports, exportEntry{Name: name, Kind: kind, Index: uint32(v)})
	}
}

// splitCode strips each function body's own size prefix and concatenates
// the remaining bytes into r.codeContent, recording the in-object (not
// synthetic) byte offset of function i's first content byte, relative to
// codeSecBody, for translateRelocs to convert reloc.CODE offsets
// (which are relative to the real code section's body) into offsets within
// the synthetic buffer.
func (r *Reader) splitCode(body []byte) error {
	if body == nil {
		return nil
	}
	cnt, pos := readULEB128(body, 0)
	r.codeFuncStart = make([]int, cnt)
	r.codeFuncContentOff = make([]int, cnt)
	for i := uint64(0); i < cnt; i++ {
		size, k := readULEB128(body, pos)
		contentStart := pos + k
		if contentStart+int(size) > len(body) {
			return fmt.Errorf("function %d body overruns code section", i)
		}
		r.codeFuncStart[i] = contentStart
		r.codeFuncContentOff[i] = len(r.codeContent)
		r.codeContent = append(r.codeContent, body[contentStart:contentStart+int(size)]...)
		pos = contentStart + int(size)
	}
	return nil
}

func (r *Reader) splitData(body []byte) {
	if body == nil {
		return
	}
	cnt, pos := readULEB128(body, 0)
	r.dataSegStart = make([]int, cnt)
	r.dataSegContentOff = make([]int, cnt)
	for i := uint64(0); i < cnt; i++ {
		flags, k := readULEB128(body, pos)
		pos += k
		if flags&1 == 0 { // active segment: memidx (if flags&2) + offset expr
			if flags&2 != 0 {
				_, k := readULEB128(body, pos)
				pos += k
			}
			pos = skipInitExpr(body, pos)
		}
		size, k := readULEB128(body, pos)
		pos += k
		r.dataSegStart[i] = pos
		r.dataSegContentOff[i] = len(r.dataContent)
		r.dataContent = append(r.dataContent, body[pos:pos+int(size)]...)
		pos += int(size)
	}
}

// parseRelocSection decodes one reloc.CODE/reloc.DATA custom section: a
// target-section-index varuint (unused here, the caller already knows
// which synthetic section this is for), a count, then (type, offset,
// index, [addend]) tuples per entry.
func (r *Reader) parseRelocSection(body []byte) []linker.RawReloc {
	_, pos := readULEB128(body, 0) // section index
	cnt, k := readULEB128(body, pos)
	pos += k
	out := make([]linker.RawReloc, 0, cnt)
	for i := uint64(0); i < cnt; i++ {
		typ := body[pos]
		pos++
		off, k := readULEB128(body, pos)
		pos += k
		idx, k2 := readULEB128(body, pos)
		pos += k2
		var addend int64
		if relocHasAddend(typ) {
			a, k3 := readSLEB128(body, pos)
			pos += k3
			addend = a
		}
		out = append(out, linker.RawReloc{Offset: off, Type: uint32(typ), SymIdx: int64(idx), Addend: addend})
	}
	return out
}

func relocHasAddend(typ byte) bool {
	switch typ {
	case RMemoryAddrLEB, RMemoryAddrSLEB, RMemoryAddrI32, RMemoryAddrLEB64, RMemoryAddrSLEB64, RMemoryAddrI64,
		RFunctionOffsetI32, RSectionOffsetI32:
		return true
	}
	return false
}

// translateRelocs converts a reloc.CODE/reloc.DATA entry's real-section-
// relative Offset into an offset within the corresponding synthetic
// RawSection content, dropping (rather than erroring on) a relocation that
// targets a region splitCode/splitData didn't keep (the size-prefix and
// segment-header bytes relocations never target).
func (r *Reader) translateRelocs(in []linker.RawReloc, base int, isCode bool) []linker.RawReloc {
	var starts, offs []int
	if isCode {
		starts, offs = r.codeFuncStart, r.codeFuncContentOff
	} else {
		starts, offs = r.dataSegStart, r.dataSegContentOff
	}
	out := make([]linker.RawReloc, 0, len(in))
	for _, rr := range in {
		fileOff := int(rr.Offset) // already relative to the section body (base already stripped by the custom-section parser's own offsets, which are section-body-relative per the tool-conventions spec)
		idx := containingSpan(starts, fileOff)
		if idx < 0 {
			continue
		}
		newOff := offs[idx] + (fileOff - starts[idx])
		rr.Offset = uint64(newOff)
		out = append(out, rr)
	}
	return out
}

func containingSpan(starts []int, off int) int {
	best := -1
	for i, s := range starts {
		if s <= off && (best == -1 || s > starts[best]) {
			best = i
		}
	}
	return best
}

// parseLinkingSection decodes the "linking" custom section's subsections,
// only SYMBOL_TABLE is consumed (segment info / init funcs / comdat are
// not needed by a resolver whose merge model operates on function/data
// symbols alone).
func (r *Reader) parseLinkingSection(body []byte) {
	pos := 0
	_, k := readULEB128(body, pos) // linking version
	pos += k
	for pos < len(body) {
		subID := body[pos]
		pos++
		size, k := readULEB128(body, pos)
		pos += k
		sub := body[pos : pos+int(size)]
		pos += int(size)
		if subID == LinkingSymbolTable {
			r.parseSymbolTable(sub)
		}
	}
}

func (r *Reader) parseSymbolTable(body []byte) {
	cnt, pos := readULEB128(body, 0)
	syms := make([]*linker.Symbol, 0, cnt)
	funcIdx := make([]int32, 0, cnt)
	var locals, globals []*linker.Symbol
	var localsFuncIdx, globalsFuncIdx []int32

	for i := uint64(0); i < cnt; i++ {
		kind := body[pos]
		pos++
		flags, k := readULEB128(body, pos)
		pos += k

		sym := &linker.Symbol{}
		var fidx int32 = -1

		switch kind {
		case SymKindFunction, SymKindGlobal, SymKindEvent, SymKindTable:
			idx, k := readULEB128(body, pos)
			pos += k
			hasName := flags&SymFlagUndefined == 0 || flags&SymFlagExplicitName != 0
			if hasName {
				name, k := readName(body, pos)
				sym.Name = name
				pos = k
			} else if kind == SymKindFunction {
				sym.Name = r.importName(KindFunc, int(idx))
			}
			if kind == SymKindFunction {
				fidx = int32(idx)
			}
		case SymKindData:
			name, k := readName(body, pos)
			sym.Name = name
			pos = k
			if flags&SymFlagUndefined == 0 {
				segIdx, k := readULEB128(body, pos)
				pos += k
				off, k2 := readULEB128(body, pos)
				pos += k2
				size, k3 := readULEB128(body, pos)
				pos += k3
				sym.Value = uint64(r.dataSegContentOff[segIdx]) + off
				sym.Size = size
			}
		case SymKindSection:
			_, k := readULEB128(body, pos)
			pos += k
		}

		if flags&SymFlagUndefined != 0 {
			sym.Flags |= linker.SymUndefined
		}
		if flags&SymFlagWeak != 0 {
			sym.Binding = linker.BindWeak
		} else if flags&SymFlagLocal != 0 {
			sym.Binding = linker.BindLocal
		} else {
			sym.Binding = linker.BindGlobal
		}
		if flags&SymFlagVisibilityHidden != 0 {
			sym.Flags |= linker.SymPrivateExtern
		}
		sym.Type = kind

		if flags&SymFlagExported != 0 {
			switch kind {
			case SymKindFunction:
				r.exportedFuncs = append(r.exportedFuncs, sym.Name)
			case SymKindData:
				r.exportedData = append(r.exportedData, sym.Name)
			}
		}

		// Only function/data symbols feed the shared atom builder (they're
		// the only two kinds with byte-addressable content in this
		// module's synthetic "code"/"data" sections); symbols of every
		// other kind (globals, tables, sections, events) are skipped here.
		if kind != SymKindFunction && kind != SymKindData {
			continue
		}

		if sym.Binding == linker.BindLocal {
			locals = append(locals, sym)
			localsFuncIdx = append(localsFuncIdx, fidx)
		} else {
			globals = append(globals, sym)
			globalsFuncIdx = append(globalsFuncIdx, fidx)
		}
	}

	r.firstGlobal = len(locals)
	syms = append(syms, locals...)
	syms = append(syms, globals...)
	funcIdx = append(funcIdx, localsFuncIdx...)
	funcIdx = append(funcIdx, globalsFuncIdx...)

	// Translate function symbols' Value (needed by BuildAtoms' ordering
	// sort) from the original function index into the synthetic code
	// buffer's byte offset, and set SectionIndex so BuildAtoms groups them
	// under raw section 0 ("code") / 1 ("data").
	for i, sym := range syms {
		if sym.Type == SymKindFunction {
			sym.SectionIndex = 0
			li := funcIdx[i]
			if li >= 0 && int(li)-r.numFuncImports >= 0 && int(li)-r.numFuncImports < len(r.codeFuncContentOff) {
				sym.Value = uint64(r.codeFuncContentOff[int(li)-r.numFuncImports])
			} else {
				sym.Flags |= linker.SymUndefined
			}
		} else if sym.Type == SymKindData {
			sym.SectionIndex = 1
		}
	}

	r.rawSymbols = syms
	r.symFuncIdx = funcIdx
}

func (r *Reader) importName(kind uint8, idx int) string {
	n := 0
	for _, im := range r.imports {
		if im.Kind == kind {
			if n == idx {
				return im.Module + "." + im.Field
			}
			n++
		}
	}
	return ""
}

func (r *Reader) RawSections() []linker.RawSection { return r.rawSections }
func (r *Reader) RawSymbols() []*linker.Symbol      { return r.rawSymbols }
func (r *Reader) FirstGlobal() int                  { return r.firstGlobal }
func (r *Reader) RawRelocs(secIdx int) []linker.RawReloc {
	return r.relocs[secIdx]
}

// SubsectionsViaSymbols reports true: unlike ELF/Mach-O object code, a
// Wasm object's code/data sections are never pre-split one-per-symbol by
// the compiler, so the atom builder must cut the synthetic "code"/"data"
// RawSections at each SYMTAB_FUNCTION/SYMTAB_DATA entry itself.
func (r *Reader) SubsectionsViaSymbols() bool { return true }

// TypeIdx returns the object-local, rebased-by-the-finalizer type index of
// locally defined function localIdx (import space excluded), used while
// emitting the merged function section.
func (r *Reader) TypeIdx(localIdx int) uint32 { return r.funcTypeIdx[localIdx] }

func (r *Reader) NumFuncImports() int    { return r.numFuncImports }
func (r *Reader) ExportedFuncs() []string { return r.exportedFuncs }
func (r *Reader) ExportedData() []string  { return r.exportedData }
func (r *Reader) FirstGlobalRaw() int     { return r.firstGlobal }

// FuncImportAt returns the idx'th KindFunc entry among Imports(), the
// module/field pair a surviving (never internally resolved) function
// import should keep in the merged module.
func (r *Reader) FuncImportAt(idx int) importEntry {
	n := 0
	for _, im := range r.imports {
		if im.Kind == KindFunc {
			if n == idx {
				return im
			}
			n++
		}
	}
	return importEntry{}
}
func (r *Reader) Types() [][]byte        { return r.types }
func (r *Reader) Imports() []importEntry { return r.imports }
func (r *Reader) Globals() [][]byte      { return r.globalsRaw }
func (r *Reader) Exports() []exportEntry { return r.exports }
func (r *Reader) StartFunc() int64       { return r.startFunc }
func (r *Reader) SymFuncIdx(i int) int32 { return r.symFuncIdx[i] }
