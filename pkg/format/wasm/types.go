// Package wasm implements the Wasm binary reader and finalizer, the third
// linker.FormatBackend alongside pkg/format/elf and pkg/format/macho.
package wasm

// Section IDs, in the canonical Wasm binary emission order.
const (
	SecCustom    = 0
	SecType      = 1
	SecImport    = 2
	SecFunction  = 3
	SecTable     = 4
	SecMemory    = 5
	SecGlobal    = 6
	SecExport    = 7
	SecStart     = 8
	SecElement   = 9
	SecDataCount = 12
	SecCode      = 10
	SecData      = 11
)

// Value types, just enough of the encoding to size init expressions and
// validate func-type byte spans.
const (
	ValI32      = 0x7f
	ValI64      = 0x7e
	ValF32      = 0x7d
	ValF64      = 0x7c
	ValV128     = 0x7b
	ValFuncref  = 0x70
	ValExternref = 0x6f
)

// ExternalKind tags an import/export entry's namespace.
const (
	KindFunc   = 0
	KindTable  = 1
	KindMemory = 2
	KindGlobal = 3
)

// Relocation types from the tool-conventions "linking" proposal. No pack
// example or stdlib package names these; they are reproduced here directly
// from the wire format's published values since nothing in the corpus
// implements Wasm relocations.
const (
	RFunctionIndexLEB    = 0
	RTableIndexSLEB      = 1
	RTableIndexI32       = 2
	RMemoryAddrLEB       = 3
	RMemoryAddrSLEB      = 4
	RMemoryAddrI32       = 5
	RTypeIndexLEB        = 6
	RGlobalIndexLEB      = 7
	RFunctionOffsetI32   = 8
	RSectionOffsetI32    = 9
	RTagIndexLEB         = 10
	RGlobalIndexI32      = 13
	RMemoryAddrLEB64     = 14
	RMemoryAddrSLEB64    = 15
	RMemoryAddrI64       = 16
	RTableIndexSLEB64    = 18
	RTableIndexI64       = 19
	RTableNumberLEB      = 20
)

// WASM_SYM_* flags from the "linking" section's symbol table subsection.
const (
	SymFlagWeak           = 0x1
	SymFlagLocal          = 0x2
	SymFlagVisibilityHidden = 0x4
	SymFlagUndefined      = 0x10
	SymFlagExported       = 0x20
	SymFlagExplicitName   = 0x40
	SymFlagNoStrip        = 0x80
)

// Symbol-table entry kinds, one byte each, preceding the flags varuint.
const (
	SymKindFunction = 0
	SymKindData     = 1
	SymKindGlobal   = 2
	SymKindSection  = 3
	SymKindEvent    = 4
	SymKindTable    = 5
)

// Subsection IDs inside the "linking" custom section.
const (
	LinkingSegmentInfo  = 5
	LinkingInitFuncs    = 6
	LinkingComdatInfo   = 7
	LinkingSymbolTable  = 8
)

var wasmMagic = [4]byte{0x00, 'a', 's', 'm'}

const wasmVersion = 1
