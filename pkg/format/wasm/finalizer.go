package wasm

import (
	"sort"

	"github.com/nullsector/zld/pkg/linker"
	"github.com/nullsector/zld/pkg/utils"
)

const wasmPageSize = 65536

// mergedImport is one surviving host import in the final module, i.e. a
// function/data symbol no alive object ever defined. An undefined function
// or data symbol becomes a host import rather than an unresolved-symbol
// error, since that's how a Wasm module expresses "provided by the
// embedder."
type mergedImport struct {
	module, field string
	typeIdx       uint32
}

// objInfo is the per-alive-object bookkeeping Finalize accumulates before
// it can number anything: type/function index rebasing depends on every
// object's shape, so this module resolves it all before emitting a single
// byte, the way the Mach-O finalizer's two-pass Layout call resolves
// header-pad sizing before the real layout runs.
type objInfo struct {
	in       *linker.InputFile
	r        *Reader
	typeBase uint32

	// funcIndexMap[i] is the final merged function index for this object's
	// own function index i (import space included).
	funcIndexMap []uint32
}

// Finalize runs S7 for Wasm: the shared S2-S3/S5 pipeline (S4's
// CreateSyntheticAtoms is skipped — Wasm has no GOT/stub/TLV indirection,
// an undefined name simply becomes a host import; tentative/COMMON data
// symbols are likewise unsupported here, since clang's wasm32 target
// doesn't emit them in practice), then it merges every alive object's
// types/imports/globals into one module, synthesizes the memory/table
// sections this module always defines itself, numbers functions into the
// post-import index space, rewrites each surviving atom's relocations in
// place (bypassing the shared relocwrite.go engine — see package doc),
// and emits the sections in the canonical Wasm binary order.
func Finalize(ctx *linker.Context) ([]byte, error) {
	if err := linker.ResolveSymbols(ctx, New()); err != nil {
		return nil, err
	}
	if err := linker.BuildAtoms(ctx); err != nil {
		return nil, err
	}
	if err := linker.Layout(ctx); err != nil {
		return nil, err
	}

	var objs []*objInfo
	for _, in := range ctx.Objs {
		if !in.IsAlive {
			continue
		}
		r, ok := in.Reader.(*Reader)
		if !ok {
			continue
		}
		objs = append(objs, &objInfo{in: in, r: r})
	}

	mergedTypes, mergedImports := mergeTypesAndImports(ctx, objs)

	codeOsec := findOutputSection(ctx, "code")
	dataOsec := findOutputSection(ctx, "data")

	atomFuncIdx := numberFunctions(ctx, codeOsec, uint32(len(mergedImports)))
	if err := buildFuncIndexMaps(ctx, objs, mergedImports, atomFuncIdx); err != nil {
		return nil, err
	}

	memBase := utils.AlignTo(ctx.Opt.StackSize, 16)
	memEnd := memBase
	if dataOsec != nil {
		memEnd = memBase + dataOsec.Size
	}
	memPages := uint32((memEnd + wasmPageSize - 1) / wasmPageSize)
	if memPages == 0 {
		memPages = 1
	}

	elemFuncs, tableIdxOf := buildElementSegment(ctx, codeOsec, objs)

	if err := patchRelocations(ctx, codeOsec, objs, tableIdxOf, memBase); err != nil {
		return nil, err
	}
	if err := patchRelocations(ctx, dataOsec, objs, tableIdxOf, memBase); err != nil {
		return nil, err
	}

	var out []byte
	out = append(out, wasmMagic[:]...)
	out = append(out, byte(wasmVersion), 0, 0, 0)

	out = appendSection(out, SecType, encodeTypeSection(mergedTypes))

	var memImport *mergedImport
	if ctx.Opt.ImportMemory {
		memImport = &mergedImport{module: "env", field: "memory"}
	}
	out = appendSection(out, SecImport, encodeImportSection(mergedImports, memImport))

	out = appendSection(out, SecFunction, encodeFunctionSection(objs))

	if len(elemFuncs) > 0 {
		out = appendSection(out, SecTable, encodeTableSection(uint32(len(elemFuncs)+1)))
	}

	if !ctx.Opt.ImportMemory {
		out = appendSection(out, SecMemory, encodeMemorySection(memPages, ctx.Opt.SharedMemory))
	}

	out = appendSection(out, SecGlobal, encodeGlobalSection(objs))

	exports := collectExports(ctx, objs, atomFuncIdx)
	out = appendSection(out, SecExport, encodeExportSection(exports))

	if start, ok := resolveStart(ctx, atomFuncIdx); ok {
		out = appendSection(out, SecStart, appendULEB128(nil, uint64(start)))
	}

	if len(elemFuncs) > 0 {
		out = appendSection(out, SecElement, encodeElementSection(elemFuncs))
	}

	out = appendSection(out, SecDataCount, encodeDataCount(ctx, dataOsec))

	out = appendSection(out, SecCode, encodeCodeSection(ctx, codeOsec))

	out = appendSection(out, SecData, encodeDataSection(ctx, dataOsec, memBase))

	out = appendSection(out, SecCustom, encodeProducersSection())

	return out, nil
}

func appendSection(out []byte, id byte, body []byte) []byte {
	if body == nil {
		return out
	}
	out = append(out, id)
	out = appendULEB128(out, uint64(len(body)))
	return append(out, body...)
}

func findOutputSection(ctx *linker.Context, name string) *linker.OutputSection {
	for _, osec := range ctx.OutputSections {
		if osec.Name == name {
			return osec
		}
	}
	return nil
}

// mergeTypesAndImports concatenates every alive object's type section
// without deduplicating (a size/canonicalization trade rather than a
// correctness one, since a duplicate type entry still type-checks
// identically) and decides, for every object's function imports, whether
// it was satisfied internally by another object's definition or survives
// as a real host import.
func mergeTypesAndImports(ctx *linker.Context, objs []*objInfo) ([][]byte, []mergedImport) {
	var types [][]byte
	for _, o := range objs {
		o.typeBase = uint32(len(types))
		types = append(types, o.r.Types()...)
	}

	seen := make(map[string]int) // "module\x00field" -> index into merged
	var merged []mergedImport

	for _, o := range objs {
		for i := 0; i < o.r.NumFuncImports(); i++ {
			if funcImportResolvedInternally(ctx, o, i) {
				continue
			}
			im := o.r.FuncImportAt(i)
			key := im.Module + "\x00" + im.Field
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = len(merged)
			merged = append(merged, mergedImport{
				module:  im.Module,
				field:   im.Field,
				typeIdx: o.typeBase + im.TypeIdx,
			})
		}
	}
	return types, merged
}

// funcImportResolvedInternally reports whether function import localIdx of
// object o was satisfied by some alive object's real definition rather
// than remaining a host import, by finding the symbol-table entry that
// names this import and checking the Global it resolved to.
func funcImportResolvedInternally(ctx *linker.Context, o *objInfo, localIdx int) bool {
	syms := o.r.RawSymbols()
	for j, sym := range syms {
		if sym == nil || sym.Type != SymKindFunction {
			continue
		}
		if int(o.r.SymFuncIdx(j)) != localIdx {
			continue
		}
		if j < o.r.FirstGlobalRaw() {
			// A local symbol can never be resolved against another object.
			return false
		}
		gidx, ok := ctx.GlobalIndex[sym.Name]
		if !ok {
			return false
		}
		g := ctx.Globals[gidx]
		return g.Atom != linker.NullAtom
	}
	return false
}

// numberFunctions walks the merged "code" output section's atom chain in
// order and assigns each alive atom the next function index after the
// import space, returning the mapping so relocation patching and index
// section emission can both use it.
func numberFunctions(ctx *linker.Context, codeOsec *linker.OutputSection, base uint32) map[linker.AtomIndex]uint32 {
	out := make(map[linker.AtomIndex]uint32)
	if codeOsec == nil {
		return out
	}
	next := base
	ctx.Atoms.Walk(codeOsec.FirstAtom, func(idx linker.AtomIndex, a *linker.Atom) {
		if !a.Alive {
			return
		}
		out[idx] = next
		next++
	})
	return out
}

// buildFuncIndexMaps computes, per object, a full original-function-index
// (import space included) to final-merged-function-index table, so
// relocation patching never has to re-derive import/definition status per
// relocation.
func buildFuncIndexMaps(ctx *linker.Context, objs []*objInfo, mergedImports []mergedImport, atomFuncIdx map[linker.AtomIndex]uint32) error {
	importIdxByKey := make(map[string]uint32, len(mergedImports))
	for i, im := range mergedImports {
		importIdxByKey[im.module+"\x00"+im.field] = uint32(i)
	}

	for _, o := range objs {
		total := o.r.NumFuncImports() + len(o.r.funcTypeIdx)
		o.funcIndexMap = make([]uint32, total)

		syms := o.r.RawSymbols()
		for j, sym := range syms {
			if sym == nil || sym.Type != SymKindFunction {
				continue
			}
			li := int(o.r.SymFuncIdx(j))
			if li < 0 || li >= total {
				continue
			}

			if li < o.r.NumFuncImports() {
				im := o.r.FuncImportAt(li)
				key := im.Module + "\x00" + im.Field
				if gidx, ok := ctx.GlobalIndex[sym.Name]; ok && j >= o.r.FirstGlobalRaw() {
					g := ctx.Globals[gidx]
					if g.Atom != linker.NullAtom {
						o.funcIndexMap[li] = atomFuncIdx[g.Atom]
						continue
					}
				}
				o.funcIndexMap[li] = importIdxByKey[key]
				continue
			}

			// Defined function: find the atom this symbol now lives in.
			if atomIdx, ok := o.in.SymbolAtom[int64(j)]; ok {
				o.funcIndexMap[li] = atomFuncIdx[atomIdx]
			}
		}
	}
	return nil
}

// resolveFuncIndex maps a relocation target (a local raw-symbol reference
// or a resolved Global) to its final merged function index.
func resolveFuncIndex(ctx *linker.Context, objs []*objInfo, target linker.SymbolRef) (uint32, bool) {
	if target.Input == nil {
		return 0, false
	}
	r, ok := target.Input.Reader.(*Reader)
	if !ok {
		return 0, false
	}
	syms := r.RawSymbols()
	if int(target.Index) < 0 || int(target.Index) >= len(syms) {
		return 0, false
	}
	li := r.SymFuncIdx(int(target.Index))
	if li < 0 {
		return 0, false
	}
	for _, o := range objs {
		if o.in == target.Input {
			if int(li) >= len(o.funcIndexMap) {
				return 0, false
			}
			return o.funcIndexMap[li], true
		}
	}
	return 0, false
}

// buildElementSegment scans every live "code" atom's table-index
// relocations for referenced functions, in first-use order, and assigns
// them table slots starting at 1 (slot 0 stays reserved/null, the
// convention wasm-ld's own table layout follows).
func buildElementSegment(ctx *linker.Context, codeOsec *linker.OutputSection, objs []*objInfo) ([]uint32, map[uint32]uint32) {
	var funcs []uint32
	tableIdxOf := make(map[uint32]uint32)
	if codeOsec == nil {
		return funcs, tableIdxOf
	}
	ctx.Atoms.Walk(codeOsec.FirstAtom, func(_ linker.AtomIndex, a *linker.Atom) {
		if !a.Alive {
			return
		}
		for _, reloc := range a.Relocs {
			switch reloc.Type {
			case RTableIndexSLEB, RTableIndexI32, RTableIndexSLEB64, RTableIndexI64:
			default:
				continue
			}
			fidx, ok := resolveFuncIndex(ctx, objs, reloc.Target)
			if !ok {
				continue
			}
			if _, seen := tableIdxOf[fidx]; seen {
				continue
			}
			tableIdxOf[fidx] = uint32(len(funcs)) + 1
			funcs = append(funcs, fidx)
		}
	})
	return funcs, tableIdxOf
}

// patchRelocations rewrites every live atom's relocation sites in place,
// the Wasm analogue of relocwrite.go's applyOneReloc: index relocations
// (function/table/type) are padded-5-byte LEB128 so patching never
// changes a section's length, and memory-address relocations use genuine
// atom byte addresses the way ELF/Mach-O relocations do.
func patchRelocations(ctx *linker.Context, osec *linker.OutputSection, objs []*objInfo, tableIdxOf map[uint32]uint32, memBase uint64) error {
	if osec == nil {
		return nil
	}
	var firstErr error
	ctx.Atoms.Walk(osec.FirstAtom, func(_ linker.AtomIndex, a *linker.Atom) {
		if !a.Alive || firstErr != nil {
			return
		}
		for i := range a.Relocs {
			reloc := &a.Relocs[i]
			off := int(reloc.Offset)
			if off < 0 || off+5 > len(a.Payload) {
				continue
			}
			switch reloc.Type {
			case RFunctionIndexLEB:
				if idx, ok := resolveFuncIndex(ctx, objs, reloc.Target); ok {
					putULEB128Padded5(a.Payload[off:], uint64(idx))
				}
			case RTableIndexSLEB, RTableIndexI32, RTableIndexSLEB64, RTableIndexI64:
				if fidx, ok := resolveFuncIndex(ctx, objs, reloc.Target); ok {
					putULEB128Padded5(a.Payload[off:], uint64(tableIdxOf[fidx]))
				}
			case RTypeIndexLEB:
				o := objInfoFor(objs, a.Owner)
				if o != nil {
					putULEB128Padded5(a.Payload[off:], uint64(o.typeBase)+uint64(reloc.Addend))
				}
			case RMemoryAddrLEB, RMemoryAddrSLEB, RMemoryAddrI32:
				addr := resolveMemoryAddr(ctx, reloc, memBase)
				putULEB128Padded5(a.Payload[off:], addr)
			case RGlobalIndexLEB, RTagIndexLEB, RTableNumberLEB:
				// Passed through unmodified: this module assumes a single
				// relevant object contributes each of these index spaces.
			}
		}
	})
	return firstErr
}

func objInfoFor(objs []*objInfo, in *linker.InputFile) *objInfo {
	for _, o := range objs {
		if o.in == in {
			return o
		}
	}
	return nil
}

// resolveMemoryAddr computes a relocation's final linear-memory address:
// genuine atom byte addressing (S+A), the one relocation family in this
// module's Wasm support that behaves exactly like an ELF/Mach-O
// byte-addressed relocation rather than an index rewrite.
func resolveMemoryAddr(ctx *linker.Context, reloc *linker.Relocation, memBase uint64) uint64 {
	target := reloc.Target
	if target.Input == nil {
		return uint64(reloc.Addend)
	}
	r, ok := target.Input.Reader.(*Reader)
	if !ok {
		return uint64(reloc.Addend)
	}
	syms := r.RawSymbols()
	if int(target.Index) < 0 || int(target.Index) >= len(syms) {
		return uint64(reloc.Addend)
	}
	sym := syms[target.Index]
	var atomIdx linker.AtomIndex
	var found bool
	if int64(target.Index) < int64(r.FirstGlobalRaw()) {
		atomIdx, found = target.Input.SymbolAtom[int64(target.Index)]
	} else if gidx, ok := ctx.GlobalIndex[sym.Name]; ok {
		g := ctx.Globals[gidx]
		atomIdx, found = g.Atom, g.Atom != linker.NullAtom
	}
	if !found {
		return memBase + uint64(reloc.Addend)
	}
	a := ctx.Atoms.Get(atomIdx)
	return memBase + a.Addr + uint64(reloc.Addend)
}

func encodeTypeSection(types [][]byte) []byte {
	if len(types) == 0 {
		return nil
	}
	out := appendULEB128(nil, uint64(len(types)))
	for _, t := range types {
		out = append(out, t...)
	}
	return out
}

// encodeImportSection emits the merged function imports plus, when
// Options.ImportMemory asks for it, a memory import. This module always
// defines its own table locally: no import-table option exists to opt
// out of that.
func encodeImportSection(funcs []mergedImport, mem *mergedImport) []byte {
	count := len(funcs)
	if mem != nil {
		count++
	}
	if count == 0 {
		return nil
	}
	out := appendULEB128(nil, uint64(count))
	for _, im := range funcs {
		out = appendImportHeader(out, im.module, im.field, KindFunc)
		out = appendULEB128(out, uint64(im.typeIdx))
	}
	if mem != nil {
		out = appendImportHeader(out, mem.module, mem.field, KindMemory)
		out = append(out, 0)
		out = appendULEB128(out, 1)
	}
	return out
}

func appendImportHeader(out []byte, module, field string, kind uint8) []byte {
	out = appendULEB128(out, uint64(len(module)))
	out = append(out, module...)
	out = appendULEB128(out, uint64(len(field)))
	out = append(out, field...)
	return append(out, kind)
}

func encodeFunctionSection(objs []*objInfo) []byte {
	var entries []uint32
	type entry struct {
		order uint32
		typ   uint32
	}
	var ordered []entry
	for _, o := range objs {
		for local, typ := range o.r.funcTypeIdx {
			li := o.r.NumFuncImports() + local
			ordered = append(ordered, entry{order: o.funcIndexMap[li], typ: o.typeBase + typ})
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })
	for _, e := range ordered {
		entries = append(entries, e.typ)
	}
	if len(entries) == 0 {
		return nil
	}
	out := appendULEB128(nil, uint64(len(entries)))
	for _, t := range entries {
		out = appendULEB128(out, uint64(t))
	}
	return out
}

func encodeTableSection(min uint32) []byte {
	out := appendULEB128(nil, 1)
	out = append(out, ValFuncref, 0)
	return appendULEB128(out, uint64(min))
}

func encodeMemorySection(minPages uint32, shared bool) []byte {
	out := appendULEB128(nil, 1)
	flags := byte(0)
	if shared {
		flags |= 2
	}
	out = append(out, flags)
	return appendULEB128(out, uint64(minPages))
}

func encodeGlobalSection(objs []*objInfo) []byte {
	var all [][]byte
	for _, o := range objs {
		all = append(all, o.r.Globals()...)
	}
	if len(all) == 0 {
		return nil
	}
	out := appendULEB128(nil, uint64(len(all)))
	for _, g := range all {
		out = append(out, g...)
	}
	return out
}

type exportEnt struct {
	name string
	kind uint8
	idx  uint32
}

func collectExports(ctx *linker.Context, objs []*objInfo, atomFuncIdx map[linker.AtomIndex]uint32) []exportEnt {
	var out []exportEnt
	seen := make(map[string]bool)
	for _, o := range objs {
		for _, name := range o.r.ExportedFuncs() {
			if seen[name] {
				continue
			}
			gidx, ok := ctx.GlobalIndex[name]
			if !ok {
				continue
			}
			g := ctx.Globals[gidx]
			if g.Atom == linker.NullAtom {
				continue
			}
			if fidx, ok := atomFuncIdx[g.Atom]; ok {
				seen[name] = true
				out = append(out, exportEnt{name: name, kind: KindFunc, idx: fidx})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func encodeExportSection(exports []exportEnt) []byte {
	if len(exports) == 0 {
		return nil
	}
	out := appendULEB128(nil, uint64(len(exports)))
	for _, e := range exports {
		out = appendULEB128(out, uint64(len(e.name)))
		out = append(out, e.name...)
		out = append(out, e.kind)
		out = appendULEB128(out, uint64(e.idx))
	}
	return out
}

// resolveStart looks up Options.Entry the same way the ELF/Mach-O
// finalizers resolve their entry point, reusing whatever function index
// numberFunctions already assigned its atom rather than recomputing it.
func resolveStart(ctx *linker.Context, atomFuncIdx map[linker.AtomIndex]uint32) (uint32, bool) {
	name := ctx.Opt.Entry
	if name == "" {
		return 0, false
	}
	gidx, ok := ctx.GlobalIndex[name]
	if !ok {
		return 0, false
	}
	g := ctx.Globals[gidx]
	if g.Atom == linker.NullAtom {
		return 0, false
	}
	idx, ok := atomFuncIdx[g.Atom]
	return idx, ok
}

func encodeElementSection(funcs []uint32) []byte {
	out := appendULEB128(nil, 1) // one active segment, table 0
	out = append(out, 0)         // flags: active, table index 0 implicit
	out = append(out, 0x41)      // i32.const
	out = appendSLEB128(out, 1)  // offset: slot 0 reserved
	out = append(out, 0x0b)      // end
	out = appendULEB128(out, uint64(len(funcs)))
	for _, f := range funcs {
		out = appendULEB128(out, uint64(f))
	}
	return out
}

func encodeDataCount(ctx *linker.Context, dataOsec *linker.OutputSection) []byte {
	if dataOsec == nil {
		return nil
	}
	n := 0
	ctx.Atoms.Walk(dataOsec.FirstAtom, func(_ linker.AtomIndex, a *linker.Atom) {
		if a.Alive {
			n++
		}
	})
	if n == 0 {
		return nil
	}
	return appendULEB128(nil, uint64(n))
}

// encodeCodeSection re-wraps each live "code" atom's already-patched
// payload with a fresh size prefix, walking the chain in the same order
// numberFunctions assigned indices in so entry i here matches function
// section entry i.
func encodeCodeSection(ctx *linker.Context, codeOsec *linker.OutputSection) []byte {
	if codeOsec == nil {
		return nil
	}
	var bodies [][]byte
	ctx.Atoms.Walk(codeOsec.FirstAtom, func(_ linker.AtomIndex, a *linker.Atom) {
		if !a.Alive {
			return
		}
		body := appendULEB128(nil, uint64(len(a.Payload)))
		body = append(body, a.Payload...)
		bodies = append(bodies, body)
	})
	if len(bodies) == 0 {
		return nil
	}
	out := appendULEB128(nil, uint64(len(bodies)))
	for _, b := range bodies {
		out = append(out, b...)
	}
	return out
}

// encodeDataSection re-emits each live "data" atom as one active segment
// at memBase+atom.Addr, the linear-memory address layoutWasm's
// section-relative atom.Addr already represents relative to.
func encodeDataSection(ctx *linker.Context, dataOsec *linker.OutputSection, memBase uint64) []byte {
	if dataOsec == nil {
		return nil
	}
	var segs [][]byte
	ctx.Atoms.Walk(dataOsec.FirstAtom, func(_ linker.AtomIndex, a *linker.Atom) {
		if !a.Alive {
			return
		}
		seg := []byte{0} // flags: active, implicit memory 0
		seg = append(seg, 0x41)
		seg = appendSLEB128(seg, int64(memBase+a.Addr))
		seg = append(seg, 0x0b)
		seg = appendULEB128(seg, uint64(len(a.Payload)))
		seg = append(seg, a.Payload...)
		segs = append(segs, seg)
	})
	if len(segs) == 0 {
		return nil
	}
	out := appendULEB128(nil, uint64(len(segs)))
	for _, s := range segs {
		out = append(out, s...)
	}
	return out
}

// encodeProducersSection emits a minimal "producers" custom section
// identifying this linker, the convention wasm-ld/LLVM tooling uses
// instead of leaving the field absent.
func encodeProducersSection() []byte {
	body := appendName(nil, "producers")
	body = appendULEB128(body, 1)
	body = appendName(body, "processed-by")
	body = appendULEB128(body, 1)
	body = appendName(body, "zld")
	body = appendName(body, "0.1.0")
	return body
}

func appendName(buf []byte, s string) []byte {
	buf = appendULEB128(buf, uint64(len(s)))
	return append(buf, s...)
}
