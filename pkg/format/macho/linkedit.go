package macho

import (
	"crypto/sha256"
	"sort"

	"github.com/nullsector/zld/pkg/linker"
)

// appendULEB128/appendSLEB128 encode the variable-length integers the
// rebase/bind/lazy_bind opcode streams and the export trie are built from.
// Mach-O's own wire structs are all fixed-width, but these __LINKEDIT
// streams (and function_starts) are where the format uses LEB128, the same
// encoding Wasm uses for its section/value encoding (pkg/format/wasm).
func appendULEB128(buf []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

func appendSLEB128(buf []byte, v int64) []byte {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

// pointerAtomKinds are the synthetic atom flavors this module places in a
// writable segment as a bare 8-byte pointer slot: GOT entries and TLV
// pointers. Each needs either a rebase entry (if the pointee resolved
// internally) or a bind entry (if it resolved against a dylib).
func isPointerAtomKind(k linker.SyntheticKind) bool {
	return k == linker.SynthGOTEntry || k == linker.SynthTLVPointer
}

// segmentFor returns the index into ctx.Segments (and that Segment) whose
// VM range contains addr.
func segmentFor(ctx *linker.Context, addr uint64) (int, *linker.Segment) {
	for i, seg := range ctx.Segments {
		if addr >= seg.VMAddr && addr < seg.VMAddr+seg.VMSize {
			return i, seg
		}
	}
	return -1, nil
}

// rebaseEntry/bindEntry carry just what their opcode encoders need, sorted
// by (segment, offset) before encoding so the bind-ordinal/segment-select
// opcodes only change when the value actually changes.
type rebaseEntry struct {
	segIndex int
	offset   uint64
}

type bindEntry struct {
	segIndex int
	offset   uint64
	ordinal  int
	name     string
	weak     bool
}

// collectPointerAtoms walks every GOT/TLV-pointer atom and splits it into a
// rebase entry (internally-resolved target) or a bind entry (dylib-bound
// target).
func collectPointerAtoms(ctx *linker.Context) ([]rebaseEntry, []bindEntry) {
	var rebases []rebaseEntry
	var binds []bindEntry

	for _, osec := range ctx.OutputSections {
		ctx.Atoms.Walk(osec.FirstAtom, func(_ linker.AtomIndex, a *linker.Atom) {
			if !a.Alive || !isPointerAtomKind(a.Kind) {
				return
			}
			g := globalOf(ctx, a.Primary)
			if g == nil {
				return
			}
			segIdx, seg := segmentFor(ctx, a.Addr)
			if seg == nil {
				return
			}
			off := a.Addr - seg.VMAddr
			if g.DylibOrdinal != 0 {
				binds = append(binds, bindEntry{segIndex: segIdx, offset: off, ordinal: g.DylibOrdinal, name: g.Name, weak: g.Sym != nil && g.Sym.IsWeak()})
			} else {
				rebases = append(rebases, rebaseEntry{segIndex: segIdx, offset: off})
			}
		})
	}
	return rebases, binds
}

// collectStubAtoms returns every lazy-pointer atom (one per stub) in the
// order they were created, for the lazy_bind stream.
func collectStubAtoms(ctx *linker.Context) []bindEntry {
	var out []bindEntry
	for _, osec := range ctx.OutputSections {
		ctx.Atoms.Walk(osec.FirstAtom, func(_ linker.AtomIndex, a *linker.Atom) {
			if !a.Alive || a.Kind != linker.SynthLazyPointer {
				return
			}
			g := globalOf(ctx, a.Primary)
			if g == nil {
				return
			}
			segIdx, seg := segmentFor(ctx, a.Addr)
			if seg == nil {
				return
			}
			out = append(out, bindEntry{segIndex: segIdx, offset: a.Addr - seg.VMAddr, ordinal: g.DylibOrdinal, name: g.Name, weak: g.Sym != nil && g.Sym.IsWeak()})
		})
	}
	return out
}

func globalOf(ctx *linker.Context, ref linker.SymbolRef) *linker.Global {
	if ref.IsSynthetic() {
		return nil
	}
	for _, g := range ctx.Globals {
		if g.Ref == ref {
			return g
		}
	}
	return nil
}

// buildRebaseStream emits one SET_TYPE/SET_SEGMENT_AND_OFFSET/DO_REBASE
// triple per entry. This doesn't attempt dyld's run-length compaction of
// consecutive rebases (REBASE_OPCODE_DO_REBASE_ULEB_TIMES,
// ADD_ADDR_ULEB): every entry here already comes from a GOT/TLV atom, never
// more than a handful per link, so the verbose-but-simple encoding costs
// nothing that matters.
func buildRebaseStream(entries []rebaseEntry) []byte {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].segIndex != entries[j].segIndex {
			return entries[i].segIndex < entries[j].segIndex
		}
		return entries[i].offset < entries[j].offset
	})
	var buf []byte
	buf = append(buf, REBASE_OPCODE_SET_TYPE_IMM|REBASE_TYPE_POINTER)
	for _, e := range entries {
		buf = append(buf, REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|byte(e.segIndex))
		buf = appendULEB128(buf, e.offset)
		buf = append(buf, REBASE_OPCODE_DO_REBASE_IMM_TIMES|1)
	}
	buf = append(buf, REBASE_OPCODE_DONE)
	return buf
}

// buildBindStream emits one ordinal/symbol/type/segment-offset/do-bind
// sequence per entry, terminated by BIND_OPCODE_DONE: each bind entry
// references an external symbol by (dylib_ordinal, name, segment, offset).
func buildBindStream(entries []bindEntry) []byte {
	var buf []byte
	for _, e := range entries {
		if e.ordinal >= 0 && e.ordinal < 16 {
			buf = append(buf, BIND_OPCODE_SET_DYLIB_ORDINAL_IMM|byte(e.ordinal))
		} else {
			buf = append(buf, BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB)
			buf = appendULEB128(buf, uint64(e.ordinal))
		}
		flags := byte(0)
		if e.weak {
			flags = 1 // BIND_SYMBOL_FLAGS_WEAK_IMPORT
		}
		buf = append(buf, BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM|flags)
		buf = append(buf, []byte(e.name)...)
		buf = append(buf, 0)
		buf = append(buf, BIND_OPCODE_SET_TYPE_IMM|BIND_TYPE_POINTER)
		buf = append(buf, BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|byte(e.segIndex))
		buf = appendULEB128(buf, e.offset)
		buf = append(buf, BIND_OPCODE_DO_BIND)
	}
	buf = append(buf, BIND_OPCODE_DONE)
	return buf
}

// buildLazyBindStream emits one independently DONE-terminated mini-stream
// per stub, recording the byte offset each started at: that offset is what
// a stub_helper entry would jump dyld_stub_binder back to, back-patched
// into the stub-helper code once addresses are final. This module doesn't
// hand-assemble stub_helper trampoline bytes
// (matching pkg/format/elf's PLT atoms, which are likewise reserved space
// without hand-rolled machine code — codegen for synthetic stub bodies is
// out of scope for a structural linker), so the offsets are computed and
// returned but never poked into an atom's payload.
func buildLazyBindStream(entries []bindEntry) ([]byte, []uint32) {
	var buf []byte
	offsets := make([]uint32, len(entries))
	for i, e := range entries {
		offsets[i] = uint32(len(buf))
		buf = append(buf, BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|byte(e.segIndex))
		buf = appendULEB128(buf, e.offset)
		buf = append(buf, BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM)
		buf = append(buf, []byte(e.name)...)
		buf = append(buf, 0)
		buf = append(buf, BIND_OPCODE_DO_BIND)
		buf = append(buf, BIND_OPCODE_DONE)
	}
	return buf, offsets
}

// exportEntry is one name this link makes visible to its dependents.
type exportEntry struct {
	name     string
	vmOffset uint64
}

func collectExports(ctx *linker.Context) []exportEntry {
	var out []exportEntry
	for _, g := range ctx.Globals {
		if !g.IsExported || g.Atom == linker.NullAtom {
			continue
		}
		out = append(out, exportEntry{name: g.Name, vmOffset: ctx.Atoms.Get(g.Atom).Addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// buildExportTrie encodes exports as a two-level trie: an empty-label root
// with one terminal leaf per name, skipping the common-prefix edge
// compaction a production dyld-facing radix tree over exported names uses.
// A compacted trie only changes the byte encoding,
// never the set of names dyld's lookup resolves, and this module's output
// is never loaded by dyld to exercise that path; the flat form is
// dramatically simpler to size (every node's byte length is knowable
// without the multi-pass fixed point real export-trie compaction needs).
func buildExportTrie(baseAddr uint64, exports []exportEntry) []byte {
	type leaf struct {
		name string
		body []byte
	}
	leaves := make([]leaf, len(exports))
	for i, e := range exports {
		var term []byte
		term = appendULEB128(term, uint64(EXPORT_SYMBOL_FLAGS_KIND_REGULAR))
		term = appendULEB128(term, e.vmOffset-baseAddr)
		body := appendULEB128(nil, uint64(len(term)))
		body = append(body, term...)
		body = append(body, 0) // no children
		leaves[i] = leaf{name: e.name, body: body}
	}

	rootHeader := []byte{0} // no terminal content for the root
	rootHeader = append(rootHeader, byte(len(leaves)))
	edgeBytes := 0
	for _, l := range leaves {
		edgeBytes += len(l.name) + 1 + 2 // label + NUL + a 2-byte ULEB offset guess
	}
	rootSize := len(rootHeader) + edgeBytes

	// Fixed point over the ULEB width used for each child offset: start
	// from the 2-byte guess above and shrink/grow until stable.
	for pass := 0; pass < 4; pass++ {
		off := rootSize
		var edges []byte
		stable := true
		for _, l := range leaves {
			enc := appendULEB128(nil, uint64(off))
			edges = append(edges, []byte(l.name)...)
			edges = append(edges, 0)
			edges = append(edges, enc...)
			off += len(l.body)
		}
		newRootSize := len(rootHeader) + len(edges)
		if newRootSize != rootSize {
			rootSize = newRootSize
			stable = false
		}
		if stable {
			break
		}
	}

	// Final encode with the now-stable rootSize.
	off := rootSize
	var edges []byte
	for _, l := range leaves {
		edges = append(edges, []byte(l.name)...)
		edges = append(edges, 0)
		edges = appendULEB128(edges, uint64(off))
		off += len(l.body)
	}

	out := append([]byte{}, rootHeader...)
	out = append(out, edges...)
	for _, l := range leaves {
		out = append(out, l.body...)
	}
	return out
}

// buildFunctionStarts emits ULEB128-encoded deltas between consecutive
// function atom addresses, starting from the __TEXT segment's own base. An
// atom counts as a function here if it came from a real input file (not a
// synthetic GOT/stub/pad atom) and landed in __TEXT.
func buildFunctionStarts(ctx *linker.Context, textBase uint64) []byte {
	var addrs []uint64
	for _, osec := range ctx.OutputSections {
		if osec.SegmentName != "__TEXT" {
			continue
		}
		ctx.Atoms.Walk(osec.FirstAtom, func(_ linker.AtomIndex, a *linker.Atom) {
			if a.Alive && a.Owner != nil && a.Kind == linker.SynthNone {
				addrs = append(addrs, a.Addr)
			}
		})
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var buf []byte
	prev := textBase
	for _, a := range addrs {
		buf = appendULEB128(buf, a-prev)
		prev = a
	}
	return buf
}

// computeUUID returns a 16-byte identifier, SHA-256 over the final image
// rather than the literal MD5 older Mach-O linkers used. Finalize calls
// this before the LC_UUID bytes are patched in and before the code
// signature is written, so both regions read as zero here without any
// special-cased exclusion. The digest is folded through
// Options.SourceDateEpoch so repeated builds of identical inputs at
// different wall-clock times stay byte-identical.
func computeUUID(data []byte, sourceDateEpoch int64) [16]byte {
	h := sha256.New()
	h.Write(data)
	if sourceDateEpoch != 0 {
		var epochBytes [8]byte
		v := uint64(sourceDateEpoch)
		for i := 0; i < 8; i++ {
			epochBytes[i] = byte(v >> (8 * i))
		}
		h.Write(epochBytes[:])
	}
	sum := h.Sum(nil)
	var uuid [16]byte
	copy(uuid[:], sum[:16])
	// RFC 4122 v3-style bit pattern: byte 6 high nibble = 3, byte 8 top two
	// bits = 10.
	uuid[6] = (uuid[6] & 0x0f) | 0x30
	uuid[8] = (uuid[8] & 0x3f) | 0x80
	return uuid
}

// buildCodeSignature computes an ad-hoc CS_SUPERBLOB/CodeDirectory over
// data (everything up to, but not including, the signature region itself),
// SHA-256-hashing data one CSPageSize page at a time. The SuperBlob/
// BlobIndex/CodeDirectory layout is big-endian per the code-signing blob
// convention; every other Mach-O structure in this package is
// little-endian, blobs are the one exception.
func buildCodeSignature(identifier string, data []byte, execSegBase, execSegLimit uint64) []byte {
	identBytes := append([]byte(identifier), 0)
	nPages := (len(data) + CSPageSize - 1) / CSPageSize

	// 9 uint32 fields (Magic..CodeLimit) + 4 uint8 fields (HashSize..PageSize)
	// + 4 uint32 fields (Spare2..Spare3) + 4 uint64 fields (CodeLimit64..ExecSegFlags).
	const cdHeaderSize = 9*4 + 4*1 + 4*4 + 4*8
	cdLength := cdHeaderSize + len(identBytes) + nPages*32

	const sbHeaderSize = 12 // Magic, Length, Count
	const blobIndexSize = 8 // Type, Offset
	sbLength := sbHeaderSize + blobIndexSize + cdLength

	buf := make([]byte, 0, sbLength)
	buf = beU32(buf, CSMagicEmbeddedSignature)
	buf = beU32(buf, uint32(sbLength))
	buf = beU32(buf, 1)

	cdOffset := uint32(sbHeaderSize + blobIndexSize)
	buf = beU32(buf, CSSlotCodeDirectory)
	buf = beU32(buf, cdOffset)

	hashOffset := uint32(cdHeaderSize + len(identBytes))
	buf = beU32(buf, CSMagicCodeDirectory)
	buf = beU32(buf, uint32(cdLength))
	buf = beU32(buf, 0x20400)
	buf = beU32(buf, CSAdhoc)
	buf = beU32(buf, hashOffset)
	buf = beU32(buf, uint32(cdHeaderSize))
	buf = beU32(buf, 0)
	buf = beU32(buf, uint32(nPages))
	buf = beU32(buf, uint32(len(data)))
	buf = append(buf, 32, CSHashTypeSHA256, 0, 12)
	buf = beU32(buf, 0)
	buf = beU32(buf, 0)
	buf = beU32(buf, 0)
	buf = beU32(buf, 0)
	buf = beU64(buf, uint64(len(data)))
	buf = beU64(buf, execSegBase)
	buf = beU64(buf, execSegLimit)
	buf = beU64(buf, CSExecSegMainBinary)

	buf = append(buf, identBytes...)

	for p := 0; p < nPages; p++ {
		start := p * CSPageSize
		end := start + CSPageSize
		if end > len(data) {
			end = len(data)
		}
		sum := sha256.Sum256(data[start:end])
		buf = append(buf, sum[:]...)
	}
	return buf
}

func beU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func beU64(buf []byte, v uint64) []byte {
	return append(buf, byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
